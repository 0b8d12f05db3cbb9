package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/oplog"
	"github.com/null-runner/syncguard/internal/replica"
	"github.com/null-runner/syncguard/internal/resolve"
	"github.com/null-runner/syncguard/internal/snapshot"
	"github.com/null-runner/syncguard/internal/store"
)

// ErrDeferred reports a request the rate limiter declined to admit right
// now. The request stays pending; callers re-evaluate at the admission's
// RetryAt.
var ErrDeferred = errors.New("queue: request deferred by rate limiter")

// Executor drains the queue: it admits the head request through the rate
// limiter, claims it, and runs the full sync pipeline (lock, pause,
// snapshot, pull, resolve, commit, push), recording the terminal outcome.
type Executor struct {
	queue     *Queue
	limiter   *Limiter
	coord     *coord.Coordinator
	git       *replica.Client
	snapshots *snapshot.Manager
	resolver  *resolve.Resolver
	db        *store.Store
	ops       *oplog.Log
	logger    *slog.Logger

	holderID    string
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewExecutor wires an Executor over the sync subsystems.
func NewExecutor(queue *Queue, limiter *Limiter, coordinator *coord.Coordinator,
	git *replica.Client, snapshots *snapshot.Manager, resolver *resolve.Resolver,
	db *store.Store, ops *oplog.Log, logger *slog.Logger,
	maxAttempts int, backoffBase, backoffMax time.Duration,
) *Executor {
	hostname, _ := os.Hostname()

	return &Executor{
		queue:       queue,
		limiter:     limiter,
		coord:       coordinator,
		git:         git,
		snapshots:   snapshots,
		resolver:    resolver,
		db:          db,
		ops:         ops,
		logger:      logger,
		holderID:    fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}
}

// RunNext admits and executes the head of the queue. Returns the executed
// request, nil when the queue is empty, or ErrDeferred (wrapped with the
// admission) when the rate limiter declined. A head request whose claim is
// lost (superseded, or raced by another executor) is skipped without a
// result, and the next head is tried.
func (e *Executor) RunNext(ctx context.Context) (*store.Request, error) {
	for {
		req, err := e.queue.Next(ctx)
		if err != nil {
			return nil, err
		}

		if req == nil {
			return nil, nil
		}

		adm, err := e.limiter.Admit(ctx, req.Priority)
		if err != nil {
			return nil, err
		}

		if !adm.OK {
			return req, fmt.Errorf("%w: %s (retry at %s)",
				ErrDeferred, adm.Reason, adm.RetryAt.Format(time.RFC3339))
		}

		claimed, err := e.db.Claim(ctx, req.ID)
		if err != nil {
			e.releaseAdmission(ctx)
			return nil, err
		}

		if !claimed {
			// Raced with a concurrent executor or a supersession. The
			// request never ran, so return the reserved slot and move on.
			e.logger.Debug("request no longer pending, skipping", "id", req.ID)
			e.releaseAdmission(ctx)

			continue
		}

		return req, e.Execute(ctx, req)
	}
}

// Admission re-evaluates the rate limiter for a priority without reserving
// or claiming anything. Callers use it to learn when a deferred request
// becomes admissible.
func (e *Executor) Admission(ctx context.Context, priority store.Priority) (Admission, error) {
	return e.limiter.Check(ctx, priority)
}

// releaseAdmission returns an Admit reservation for a sync that never ran.
func (e *Executor) releaseAdmission(ctx context.Context) {
	if err := e.limiter.Release(ctx); err != nil {
		e.logger.Warn("releasing rate-limiter slot failed", "error", err)
	}
}

// Execute runs one claimed request end to end. The caller must hold an
// Admit reservation; Execute returns it if the sync never starts. Every
// path out of here leaves the request in a terminal status or back in
// pending, releases the lock and pause, and appends the outcome to the
// operation log.
func (e *Executor) Execute(ctx context.Context, req *store.Request) error {
	started := time.Now()
	attempt := req.Attempts + 1 // Claim already incremented the row

	e.logger.Info("executing request",
		"id", req.ID,
		"type", req.Type,
		"priority", req.Priority.String(),
		"attempt", attempt,
	)

	session, err := e.coord.Begin(ctx, e.holderID, req.Reason)
	if err != nil {
		e.releaseAdmission(ctx)

		// Lock contention is transient by nature: the holder finishes.
		if errors.Is(err, coord.ErrLockTimeout) && attempt < e.maxAttempts {
			return e.requeue(ctx, req, err)
		}

		return e.finish(ctx, req, started, store.StatusFailed, err, "")
	}
	defer session.Close()

	// The snapshot is taken inside the coordination window: the writer is
	// paused, so the captured tree cannot mutate mid-capture.
	snap, err := e.snapshots.Create(ctx, "pre-sync "+req.ID)
	if err != nil {
		e.releaseAdmission(ctx)

		return e.finish(ctx, req, started, store.StatusFailed,
			fmt.Errorf("snapshot: %w", err), "")
	}

	if err := e.limiter.RecordSync(ctx); err != nil {
		e.logger.Warn("rate counter update failed", "error", err)
	}

	err = e.runPhases(ctx, req, snap)

	switch {
	case err == nil:
		return e.finish(ctx, req, started, store.StatusCompleted, nil, snap.ID)

	case errors.Is(err, snapshot.ErrRestoreFailed):
		// The workspace is in an unknown state. Record and surface the
		// fatal error so the caller halts the subsystem.
		e.finish(ctx, req, started, store.StatusFailed, err, snap.ID)
		return err

	case replica.IsTransient(err) && attempt < e.maxAttempts:
		return e.requeue(ctx, req, err)

	default:
		return e.finish(ctx, req, started, store.StatusFailed, err, snap.ID)
	}
}

// runPhases performs the replica operations for the request's type. Called
// inside the coordination window.
func (e *Executor) runPhases(ctx context.Context, req *store.Request, snap *store.SnapshotRow) error {
	if req.Type == store.TypeSync || req.Type == store.TypePull {
		if err := e.pull(ctx, req, snap); err != nil {
			return err
		}
	}

	if req.Type == store.TypeSync || req.Type == store.TypePush {
		if err := e.push(ctx, req); err != nil {
			return err
		}
	}

	return nil
}

// pull fetches and merges the remote branch, retrying transient transport
// failures with bounded exponential backoff and handing conflicted merges
// to the resolver.
func (e *Executor) pull(ctx context.Context, req *store.Request, snap *store.SnapshotRow) error {
	backoff := retry.WithMaxDuration(e.backoffMax, retry.NewExponential(e.backoffBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.git.Pull(ctx); err != nil {
			if replica.IsTransient(err) {
				e.logger.Debug("transient pull failure, backing off", "error", err)
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
	if err == nil {
		return nil
	}

	var conflict *replica.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	summary, rerr := e.resolver.ResolveAll(ctx, req.ID, conflict.Paths)
	if rerr != nil {
		// The tree may be mid-merge in an arbitrary state; fall back to
		// the pre-sync snapshot before surfacing the error.
		if restoreErr := e.snapshots.Restore(ctx, snap.ID); restoreErr != nil {
			return restoreErr
		}

		return fmt.Errorf("resolving merge conflict: %w", rerr)
	}

	if !summary.Clean {
		return fmt.Errorf("merge conflict needs attention in %d path(s)", summary.Manual)
	}

	// All paths resolved in the index; commit concludes the merge.
	if _, err := e.git.CommitAll(ctx, "merge remote changes (auto-resolved)"); err != nil {
		if restoreErr := e.snapshots.Restore(ctx, snap.ID); restoreErr != nil {
			return restoreErr
		}

		return fmt.Errorf("committing resolved merge: %w", err)
	}

	return nil
}

// push commits local changes and publishes them, with the same transient
// backoff as pull.
func (e *Executor) push(ctx context.Context, req *store.Request) error {
	committed, err := e.git.CommitAll(ctx, e.commitMessage(req))
	if err != nil {
		return err
	}

	if committed {
		e.logger.Debug("local changes committed", "request", req.ID)
	}

	backoff := retry.WithMaxDuration(e.backoffMax, retry.NewExponential(e.backoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.git.Push(ctx); err != nil {
			if replica.IsTransient(err) {
				e.logger.Debug("transient push failure, backing off", "error", err)
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
}

func (e *Executor) commitMessage(req *store.Request) string {
	if req.Reason != "" {
		return fmt.Sprintf("sync: %s (%s)", req.Reason, req.Caller)
	}

	return "sync: workspace changes (" + req.Caller + ")"
}

// finish records the terminal status, the result row, and the operation
// log entry. Returns execErr (the pipeline's error) so callers surface it.
func (e *Executor) finish(ctx context.Context, req *store.Request, started time.Time,
	status string, execErr error, snapshotID string,
) error {
	detail := ""
	if execErr != nil {
		detail = execErr.Error()
	}

	if err := e.db.Finish(ctx, req.ID, status, detail, snapshotID); err != nil {
		e.logger.Error("recording terminal status failed", "id", req.ID, "error", err)
	}

	localRev, _ := e.git.Revision(ctx)
	remoteRev, _ := e.git.RemoteRevision(ctx)

	result := &store.Result{
		RequestID:      req.ID,
		Status:         status,
		Detail:         detail,
		LocalRevision:  localRev,
		RemoteRevision: remoteRev,
		StartedAt:      started,
		FinishedAt:     time.Now(),
	}

	if err := e.db.InsertResult(ctx, result); err != nil {
		e.logger.Error("recording result failed", "id", req.ID, "error", err)
	}

	if err := e.ops.SyncOutcome(req.ID, status, detail); err != nil {
		e.logger.Warn("operation log append failed", "error", err)
	}

	if execErr != nil {
		e.logger.Error("request failed", "id", req.ID, "status", status, "error", execErr)
		return execErr
	}

	e.logger.Info("request completed", "id", req.ID, "revision", localRev)

	return nil
}

// requeue returns the request to pending after a transient failure.
func (e *Executor) requeue(ctx context.Context, req *store.Request, cause error) error {
	e.logger.Warn("transient failure, requeueing",
		"id", req.ID,
		"attempt", req.Attempts+1,
		"max_attempts", e.maxAttempts,
		"error", cause,
	)

	return e.db.Requeue(ctx, req.ID, cause.Error())
}
