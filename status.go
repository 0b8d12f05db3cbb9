package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/feed"
)

// statusReport is the full status snapshot, shaped for both JSON and text
// rendering.
type statusReport struct {
	DaemonPID int    `json:"daemon_pid,omitempty"`
	Revision  string `json:"revision,omitempty"`

	Lock  *statusLock  `json:"lock,omitempty"`
	Pause *statusPause `json:"pause,omitempty"`

	WriterLastWrite *time.Time `json:"writer_last_write,omitempty"`

	QueueDepth int `json:"queue_depth"`

	RateWindow   string     `json:"rate_window,omitempty"`
	RateCount    int        `json:"rate_count"`
	RateCap      int        `json:"rate_cap"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`

	Results   []statusResult   `json:"recent_results,omitempty"`
	Conflicts []statusConflict `json:"unresolved_conflicts,omitempty"`
}

type statusLock struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Reason     string    `json:"reason"`
}

type statusPause struct {
	RequestedBy string    `json:"requested_by"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type statusResult struct {
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type statusConflict struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	RemoteCopy string    `json:"remote_copy,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// recentResultCount is how many terminal outcomes status shows.
const recentResultCount = 5

func newStatusCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordination, queue, and sync state",
		Long: `Display the workspace's coordination state: whether a sync holds the lock,
whether the autonomous writer is paused, queue depth, rate-limiter counters,
recent sync outcomes, and conflicts awaiting attention.

With --follow, subscribe to the watch daemon's live event feed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if follow {
				return runStatusFollow(cmd)
			}

			return runStatus(cmd)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live events from the watch daemon")

	return cmd
}

func runStatus(cmd *cobra.Command) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := buildStatusReport(ctx, a)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatusText(report)

	return nil
}

func buildStatusReport(ctx context.Context, a *app) (*statusReport, error) {
	report := &statusReport{
		DaemonPID: daemonPID(a.pidFilePath()),
		RateCap:   a.limiter.Cap(),
	}

	if revision, err := cachedRevision(ctx, a); err == nil {
		report.Revision = revision
	}

	var lock coord.LockRecord
	if ok, err := a.coordStore.Load(coord.LockRecordName, &lock); err == nil && ok {
		report.Lock = &statusLock{
			HolderID:   lock.HolderID,
			PID:        lock.PID,
			AcquiredAt: lock.AcquiredAt,
			Reason:     lock.Reason,
		}
	}

	if pause, ok, err := currentPause(a); err == nil && ok {
		report.Pause = &statusPause{
			RequestedBy: pause.RequestedBy,
			ExpiresAt:   pause.ExpiresAt,
		}
	}

	if last, ok := coord.LastWriterWrite(a.coordStore)(); ok {
		report.WriterLastWrite = &last
	}

	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}

	report.QueueDepth = depth

	counters, err := a.limiter.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	report.RateWindow = counters.Window
	report.RateCount = counters.Count

	if !counters.LastSyncAt.IsZero() {
		report.LastSyncAt = &counters.LastSyncAt
	}

	results, err := a.db.RecentResults(ctx, recentResultCount)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		report.Results = append(report.Results, statusResult{
			RequestID:  r.RequestID,
			Status:     r.Status,
			Detail:     r.Detail,
			FinishedAt: r.FinishedAt,
		})
	}

	conflicts, err := a.db.ListUnresolvedConflicts(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range conflicts {
		report.Conflicts = append(report.Conflicts, statusConflict{
			ID:         c.ID,
			Path:       c.Path,
			RemoteCopy: c.RemoteCopy,
			DetectedAt: c.DetectedAt,
		})
	}

	return report, nil
}

// currentPause adapts the pauser's record lookup for status display.
func currentPause(a *app) (*coord.PauseRecord, bool, error) {
	pauser := coord.NewPauser(a.coordStore,
		a.cfg.Coordinator.PauseTimeout.Std(), a.cfg.Coordinator.WriterCycle.Std(),
		a.cfg.Coordinator.PollInterval.Std(), a.logger)

	return pauser.Current()
}

func printStatusText(report *statusReport) {
	if report.DaemonPID != 0 {
		fmt.Printf("Daemon:     running (pid %d)\n", report.DaemonPID)
	} else {
		fmt.Println("Daemon:     not running")
	}

	if report.Revision != "" {
		fmt.Printf("Revision:   %s\n", report.Revision[:min(12, len(report.Revision))])
	}

	if report.Lock != nil {
		fmt.Printf("Lock:       held by %s since %s (%s)\n",
			report.Lock.HolderID, formatAge(report.Lock.AcquiredAt), report.Lock.Reason)
	} else {
		fmt.Println("Lock:       free")
	}

	if report.Pause != nil {
		fmt.Printf("Writer:     paused by %s until %s\n",
			report.Pause.RequestedBy, formatTime(report.Pause.ExpiresAt))
	} else if report.WriterLastWrite != nil {
		fmt.Printf("Writer:     active, last write %s\n", formatAge(*report.WriterLastWrite))
	} else {
		fmt.Println("Writer:     no heartbeat")
	}

	fmt.Printf("Queue:      %d pending\n", report.QueueDepth)
	fmt.Printf("Rate:       %d/%d this hour", report.RateCount, report.RateCap)

	if report.LastSyncAt != nil {
		fmt.Printf(", last sync %s", formatAge(*report.LastSyncAt))
	}

	fmt.Println()

	if len(report.Results) > 0 {
		fmt.Println("\nRecent syncs:")

		rows := make([][]string, 0, len(report.Results))
		for _, r := range report.Results {
			rows = append(rows, []string{
				shortID(r.RequestID), r.Status, formatTime(r.FinishedAt), truncate(r.Detail, 60),
			})
		}

		printTable(os.Stdout, []string{"REQUEST", "STATUS", "FINISHED", "DETAIL"}, rows)
	}

	if len(report.Conflicts) > 0 {
		fmt.Printf("\nConflicts awaiting attention (%d):\n", len(report.Conflicts))

		rows := make([][]string, 0, len(report.Conflicts))
		for _, c := range report.Conflicts {
			rows = append(rows, []string{
				shortID(c.ID), c.Path, formatAge(c.DetectedAt),
			})
		}

		printTable(os.Stdout, []string{"ID", "PATH", "DETECTED"}, rows)
		fmt.Println("\nRun 'syncguard conflicts resolve <id>' after reviewing both versions.")
	}
}

// runStatusFollow streams the watch daemon's live feed to stdout.
func runStatusFollow(cmd *cobra.Command) error {
	if !resolvedCfg.Feed.Enabled {
		return fmt.Errorf("status feed is disabled in config")
	}

	ctx := cmd.Context()

	events, err := feed.Subscribe(ctx, resolvedCfg.Feed.Listen)
	if err != nil {
		return fmt.Errorf("connecting to watch daemon feed at %s: %w (is the daemon running?)",
			resolvedCfg.Feed.Listen, err)
	}

	enc := json.NewEncoder(os.Stdout)

	for e := range events {
		if flagJSON {
			if err := enc.Encode(e); err != nil {
				return err
			}

			continue
		}

		printFeedEvent(e)
	}

	return nil
}

func printFeedEvent(e feed.Event) {
	ts := e.Time.Format("15:04:05")

	switch e.Kind {
	case feed.KindClassified:
		fmt.Printf("%s  classify  %-5s  %s  %s\n", ts, e.Status, e.Path, e.Detail)
	case feed.KindEnqueued:
		fmt.Printf("%s  enqueue   %s  %s\n", ts, shortID(e.RequestID), e.Detail)
	case feed.KindSyncResult:
		fmt.Printf("%s  sync      %s  %s  %s\n", ts, shortID(e.RequestID), e.Status, e.Detail)
	default:
		fmt.Printf("%s  %s  %s\n", ts, e.Kind, e.Detail)
	}
}
