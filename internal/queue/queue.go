// Package queue admits sync requests from independent callers (scheduled
// timer, manual trigger, change-threshold trigger, exit hook) into the
// coordinator. Requests are durable rows (the queue survives restarts),
// ordered by priority class then FIFO, deduplicated by key, and throttled
// by the fixed hourly cap plus minimum inter-sync interval.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/null-runner/syncguard/internal/store"
)

// Queue wraps the durable request rows with admission ordering.
type Queue struct {
	db     *store.Store
	logger *slog.Logger
}

// New builds a Queue over the store.
func New(db *store.Store, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Enqueue inserts a new pending request, superseding any still-pending
// request with the same dedup key. Returns the created request.
func (q *Queue) Enqueue(ctx context.Context, caller, reqType string, priority store.Priority, dedupKey, reason string) (*store.Request, error) {
	req := &store.Request{
		ID:         uuid.NewString(),
		Caller:     caller,
		Type:       reqType,
		Priority:   priority,
		DedupKey:   dedupKey,
		Reason:     reason,
		Status:     store.StatusPending,
		EnqueuedAt: time.Now(),
	}

	if err := q.db.Enqueue(ctx, req); err != nil {
		return nil, err
	}

	q.logger.Info("request enqueued",
		"id", req.ID,
		"caller", caller,
		"type", reqType,
		"priority", priority.String(),
		"dedup_key", dedupKey,
	)

	return req, nil
}

// Next returns the head of the queue (priority, then FIFO), or nil when
// the queue is empty.
func (q *Queue) Next(ctx context.Context) (*store.Request, error) {
	pending, err := q.db.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	return pending[0], nil
}

// Depth returns the count of pending requests.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	pending, err := q.db.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	return len(pending), nil
}

// Recover re-admits requests left running by a crashed coordinator.
// Called once at startup.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.db.RecoverOrphans(ctx)
	if err != nil {
		return err
	}

	if n > 0 {
		q.logger.Warn("recovered orphaned requests from previous run", "count", n)
	}

	return nil
}
