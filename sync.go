package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/store"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes, then push local ones",
		Long: `Run one full synchronization cycle: pause the autonomous writer, pull and
merge remote changes, commit local changes, and push. A pre-sync snapshot
makes the operation reversible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd, store.TypeSync, store.PriorityNormal, "manual sync")
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull and merge remote changes only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd, store.TypePull, store.PriorityNormal, "manual pull")
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Commit and push local changes only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd, store.TypePush, store.PriorityNormal, "manual push")
		},
	}
}

func newForceSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-sync",
		Short: "Sync now, bypassing the minimum interval",
		Long: `Run a high-priority synchronization that skips the minimum inter-sync
interval. The hourly cap still applies: force-sync cannot push the
workspace past it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd, store.TypeSync, store.PriorityHigh, "forced sync")
		},
	}
}

// runOneShot executes a single CLI-initiated request end to end. A request
// the rate limiter declines becomes terminally rate_limited: a one-shot
// caller gets an immediate answer, not a deferred queue entry.
func runOneShot(cmd *cobra.Command, reqType string, priority store.Priority, reason string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.queue.Recover(ctx); err != nil {
		return err
	}

	req, err := a.queue.Enqueue(ctx, "cli", reqType, priority, "cli-"+reqType, reason)
	if err != nil {
		return err
	}

	adm, err := a.limiter.Admit(ctx, priority)
	if err != nil {
		return err
	}

	if !adm.OK {
		if claimed, cerr := a.db.Claim(ctx, req.ID); cerr == nil && claimed {
			if ferr := a.db.Finish(ctx, req.ID, store.StatusRateLimited, adm.Reason, ""); ferr != nil {
				logger.Warn("recording rate-limited request failed", "error", ferr)
			}

			if oerr := a.ops.SyncOutcome(req.ID, store.StatusRateLimited, adm.Reason); oerr != nil {
				logger.Warn("operation log append failed", "error", oerr)
			}
		}

		return fmt.Errorf("rate limited: %s (retry after %s)",
			adm.Reason, adm.RetryAt.Format(time.RFC3339))
	}

	claimed, err := a.db.Claim(ctx, req.ID)
	if err != nil || !claimed {
		// The admitted sync is not going to run; return the reserved slot.
		if rerr := a.limiter.Release(ctx); rerr != nil {
			logger.Warn("releasing rate-limiter slot failed", "error", rerr)
		}

		if err != nil {
			return err
		}

		return fmt.Errorf("request %s was superseded before execution", req.ID)
	}

	if err := a.executor.Execute(ctx, req); err != nil {
		return err
	}

	revision, err := a.git.Revision(ctx)
	if err == nil {
		statusf("%s completed at %s\n", reqType, revision[:min(12, len(revision))])
	}

	return nil
}
