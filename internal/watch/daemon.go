// Package watch implements the long-running daemon: it observes the
// workspace through fsnotify, classifies every mutation, accumulates
// allowed changes into sync triggers, runs the queue executor, and serves
// the live status feed. One daemon per workspace, enforced by the PID
// file lock in the command layer.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/null-runner/syncguard/internal/classify"
	"github.com/null-runner/syncguard/internal/config"
	"github.com/null-runner/syncguard/internal/feed"
	"github.com/null-runner/syncguard/internal/oplog"
	"github.com/null-runner/syncguard/internal/queue"
	"github.com/null-runner/syncguard/internal/snapshot"
	"github.com/null-runner/syncguard/internal/store"
)

// Event pacing bounds classification work during bulk filesystem churn
// (branch switches, package installs). Events beyond the burst wait their
// turn rather than being dropped.
const (
	paceEventsPerSecond = 50
	paceBurst           = 200
)

// Watcher error backoff, matching the usual exponential pattern for
// sustained kernel-side failures like buffer overflow.
const (
	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 10 * time.Second
)

// exitSyncTimeout bounds the final sync attempted during shutdown.
const exitSyncTimeout = 2 * time.Minute

// Daemon is the watch-mode supervisor.
type Daemon struct {
	cfg        *config.Config
	classifier *classify.Classifier
	queue      *queue.Queue
	executor   *queue.Executor
	snapshots  *snapshot.Manager
	ops        *oplog.Log
	feed       *feed.Server
	logger     *slog.Logger

	pace    *rate.Limiter
	trigger chan struct{}
}

// New builds a Daemon. feedServer may be nil when the feed is disabled.
func New(cfg *config.Config, classifier *classify.Classifier, q *queue.Queue,
	executor *queue.Executor, snapshots *snapshot.Manager, ops *oplog.Log,
	feedServer *feed.Server, logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:        cfg,
		classifier: classifier,
		queue:      q,
		executor:   executor,
		snapshots:  snapshots,
		ops:        ops,
		feed:       feedServer,
		logger:     logger,
		pace:       rate.NewLimiter(rate.Limit(paceEventsPerSecond), paceBurst),
		trigger:    make(chan struct{}, 1),
	}
}

// Run supervises the daemon loops until ctx is cancelled, then attempts
// one final sync so changes made during the session are not stranded.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.queue.Recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.watchLoop(gctx) })
	g.Go(func() error { return d.executeLoop(gctx) })
	g.Go(func() error { return d.scheduleLoop(gctx) })

	if d.feed != nil {
		g.Go(func() error { return d.feed.Serve(gctx, d.cfg.Feed.Listen) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	d.exitSync()

	return nil
}

// wake nudges the execute loop without blocking.
func (d *Daemon) wake() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// enqueue inserts a request and wakes the executor.
func (d *Daemon) enqueue(ctx context.Context, caller string, priority store.Priority, dedupKey, reason string) {
	req, err := d.queue.Enqueue(ctx, caller, store.TypeSync, priority, dedupKey, reason)
	if err != nil {
		d.logger.Error("enqueue failed", "caller", caller, "error", err)
		return
	}

	if d.feed != nil {
		d.feed.Publish(feed.Event{Kind: feed.KindEnqueued, RequestID: req.ID, Detail: reason})
	}

	d.wake()
}

// scheduleLoop enqueues a low-priority sync on the configured interval.
func (d *Daemon) scheduleLoop(ctx context.Context) error {
	interval := d.cfg.Queue.Interval.Std()
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.enqueue(ctx, "scheduler", store.PriorityLow, "scheduled", "scheduled interval sync")
		}
	}
}

// executeLoop drains the queue whenever woken, re-arming a timer for
// rate-limiter deferrals.
func (d *Daemon) executeLoop(ctx context.Context) error {
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
		case <-retry.C:
		}

		for {
			req, err := d.executor.RunNext(ctx)

			if req == nil && err == nil {
				break // queue drained
			}

			switch {
			case errors.Is(err, queue.ErrDeferred):
				adm, admErr := d.nextRetry(ctx, req)
				if admErr == nil {
					retry.Reset(time.Until(adm))
				}

			case errors.Is(err, snapshot.ErrRestoreFailed):
				// Unknown workspace state: halt the subsystem.
				d.logger.Error("halting after failed restore", "error", err)
				return err

			case err != nil:
				d.publishResult(req, store.StatusFailed, err.Error())
				continue // failed request is terminal; try the next one

			default:
				d.publishResult(req, store.StatusCompleted, "")

				if pruned, perr := d.snapshots.Prune(ctx, d.cfg.Snapshots.Keep); perr != nil {
					d.logger.Warn("snapshot prune failed", "error", perr)
				} else if pruned > 0 {
					d.logger.Debug("pruned snapshots after sync", "count", pruned)
				}

				continue
			}

			break
		}
	}
}

// nextRetry recomputes the admission to learn when the deferred request
// becomes admissible.
func (d *Daemon) nextRetry(ctx context.Context, req *store.Request) (time.Time, error) {
	adm, err := d.executor.Admission(ctx, req.Priority)
	if err != nil {
		return time.Time{}, err
	}

	if adm.OK {
		d.wake()
		return time.Now(), nil
	}

	return adm.RetryAt, nil
}

func (d *Daemon) publishResult(req *store.Request, status, detail string) {
	if d.feed == nil || req == nil {
		return
	}

	d.feed.Publish(feed.Event{
		Kind:      feed.KindSyncResult,
		RequestID: req.ID,
		Status:    status,
		Detail:    detail,
	})
}

// watchLoop observes the workspace tree and feeds mutations through the
// classifier into the change tracker.
func (d *Daemon) watchLoop(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := d.addWatchTree(watcher, d.cfg.Workspace.Root); err != nil {
		return err
	}

	tracker := newChangeTracker(d.cfg.Queue.ChangeThreshold, d.cfg.Queue.ChangeDebounce.Std())
	defer tracker.stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tracker.fire:
			n := tracker.reset()
			d.enqueue(ctx, "change-trigger", store.PriorityNormal, "changes",
				"accumulated workspace changes")
			d.logger.Debug("change trigger fired", "changes", n)

		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			d.handleFsEvent(ctx, watcher, fsEvent, tracker)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			d.logger.Warn("filesystem watcher error",
				"error", watchErr, "backoff", errBackoff)

			select {
			case <-time.After(errBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}

			errBackoff *= 2
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// handleFsEvent classifies one fsnotify event and records the decision.
func (d *Daemon) handleFsEvent(ctx context.Context, watcher *fsnotify.Watcher,
	fsEvent fsnotify.Event, tracker *changeTracker,
) {
	// Mode changes are not synced.
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(d.cfg.Workspace.Root, fsEvent.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	if d.excluded(rel) {
		return
	}

	// New directories join the watch tree before classification so
	// nothing created inside them is missed.
	if fsEvent.Has(fsnotify.Create) {
		if info, statErr := os.Stat(fsEvent.Name); statErr == nil && info.IsDir() {
			if addErr := d.addWatchTree(watcher, fsEvent.Name); addErr != nil {
				d.logger.Warn("adding watch for new directory failed",
					"path", rel, "error", addErr)
			}

			return
		}
	}

	if err := d.pace.Wait(ctx); err != nil {
		return
	}

	ev := classify.Event{
		Path:    classify.NormalizePath(rel),
		Op:      mapOp(fsEvent),
		ModTime: time.Now(),
	}

	if info, statErr := os.Stat(fsEvent.Name); statErr == nil {
		ev.ModTime = info.ModTime()
	}

	decision := d.classifier.Classify(ctx, ev)

	if err := d.ops.Classification(ev.Path, string(ev.Op), string(decision.Verdict),
		decision.Layer, decision.Reason); err != nil {
		d.logger.Warn("operation log append failed", "error", err)
	}

	if d.feed != nil {
		d.feed.Publish(feed.Event{
			Kind:   feed.KindClassified,
			Path:   ev.Path,
			Status: string(decision.Verdict),
			Detail: decision.Reason,
		})
	}

	if decision.Verdict == classify.Allow {
		tracker.note()
	}
}

// excluded filters paths the watcher never reports onward: the data
// directory and the git metadata tree.
func (d *Daemon) excluded(rel string) bool {
	slash := filepath.ToSlash(rel)

	dataRel, err := filepath.Rel(d.cfg.Workspace.Root, d.cfg.EffectiveDataDir())
	if err == nil && !strings.HasPrefix(dataRel, "..") {
		dataSlash := filepath.ToSlash(dataRel)
		if slash == dataSlash || strings.HasPrefix(slash, dataSlash+"/") {
			return true
		}
	}

	return slash == ".git" || strings.HasPrefix(slash, ".git/")
}

// addWatchTree registers root and every subdirectory with the watcher,
// skipping excluded trees.
func (d *Daemon) addWatchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk.
			return nil
		}

		if !entry.IsDir() {
			return nil
		}

		if rel, relErr := filepath.Rel(d.cfg.Workspace.Root, path); relErr == nil && d.excluded(rel) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

// exitSync flushes changes made during the session with one final
// high-priority sync, on a fresh bounded context since the daemon's own
// context is already cancelled.
func (d *Daemon) exitSync() {
	ctx, cancel := context.WithTimeout(context.Background(), exitSyncTimeout)
	defer cancel()

	req, err := d.queue.Enqueue(ctx, "exit-hook", store.TypeSync, store.PriorityHigh,
		"exit", "final sync before shutdown")
	if err != nil {
		d.logger.Error("exit sync enqueue failed", "error", err)
		return
	}

	if _, err := d.executor.RunNext(ctx); err != nil {
		d.logger.Warn("exit sync did not complete", "id", req.ID, "error", err)
		return
	}

	d.logger.Info("exit sync completed", "id", req.ID)
}

// mapOp translates an fsnotify event to the classifier's mutation kind.
func mapOp(e fsnotify.Event) classify.Op {
	switch {
	case e.Has(fsnotify.Create):
		return classify.OpCreate
	case e.Has(fsnotify.Remove):
		return classify.OpDelete
	case e.Has(fsnotify.Rename):
		return classify.OpMove
	default:
		return classify.OpModify
	}
}
