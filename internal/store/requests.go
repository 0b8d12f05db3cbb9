package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Request queries. Admission order is priority class, then FIFO by
// enqueue time.
const (
	sqlRequestColumns = `id, caller, type, priority, dedup_key, reason,
		status, attempts, snapshot_id, error, enqueued_at, updated_at`

	sqlInsertRequest = `INSERT INTO requests
		(id, caller, type, priority, dedup_key, reason, status, attempts,
		 snapshot_id, error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, '', '', ?, ?)`

	sqlGetRequest = `SELECT ` + sqlRequestColumns + ` FROM requests WHERE id = ?`

	sqlListPending = `SELECT ` + sqlRequestColumns + ` FROM requests
		WHERE status = 'pending'
		ORDER BY priority ASC, enqueued_at ASC`

	sqlListByStatus = `SELECT ` + sqlRequestColumns + ` FROM requests
		WHERE status = ? ORDER BY enqueued_at ASC`

	sqlClaimRequest = `UPDATE requests
		SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`

	sqlSetTerminal = `UPDATE requests
		SET status = ?, error = ?, snapshot_id = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`

	sqlRequeueRequest = `UPDATE requests
		SET status = 'pending', error = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`

	sqlSupersede = `UPDATE requests
		SET status = 'superseded', updated_at = ?
		WHERE dedup_key = ? AND status = 'pending' AND id != ?`

	sqlCountInFlightForSnapshot = `SELECT COUNT(*) FROM requests
		WHERE snapshot_id = ? AND status IN ('pending', 'running')`
)

// Enqueue inserts a pending request. When the request carries a dedup key,
// still-pending requests with the same key are superseded in the same
// transaction: the newer request replaces them in the queue.
func (s *Store) Enqueue(ctx context.Context, req *Request) error {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: enqueue begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.requestStmts.insert).ExecContext(ctx,
		req.ID, req.Caller, req.Type, int(req.Priority), req.DedupKey,
		req.Reason, req.EnqueuedAt.UnixNano(), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("store: enqueue %s: %w", req.ID, err)
	}

	if req.DedupKey != "" {
		if _, err := tx.StmtContext(ctx, s.requestStmts.supersede).ExecContext(ctx,
			now.UnixNano(), req.DedupKey, req.ID,
		); err != nil {
			return fmt.Errorf("store: supersede for %s: %w", req.DedupKey, err)
		}
	}

	return tx.Commit()
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.requestStmts.get.QueryRowContext(ctx, id)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}

	return req, err
}

// ListPending returns pending requests in admission order: priority class,
// then FIFO.
func (s *Store) ListPending(ctx context.Context) ([]*Request, error) {
	rows, err := s.requestStmts.listPending.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ListByStatus returns all requests with the given status.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]*Request, error) {
	rows, err := s.requestStmts.listByStatus.QueryContext(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", status, err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// Claim transitions a pending request to running, bumping its attempt
// count. Reports false when the request was no longer pending (already
// claimed or superseded).
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.requestStmts.claim.ExecContext(ctx, time.Now().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", id, err)
	}

	return n == 1, nil
}

// Finish moves a running request to a terminal status, recording the error
// message and owning snapshot, if any. Finishing a request that is not
// running is a no-op: the row was already superseded or finished by
// another path, and its recorded state wins.
func (s *Store) Finish(ctx context.Context, id, status, errMsg, snapshotID string) error {
	if _, err := s.requestStmts.setTerminal.ExecContext(ctx,
		status, errMsg, snapshotID, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("store: finish %s: %w", id, err)
	}

	return nil
}

// Requeue returns a running request to pending after a transient failure.
// The attempt count keeps its incremented value from Claim.
func (s *Store) Requeue(ctx context.Context, id, errMsg string) error {
	if _, err := s.requestStmts.requeue.ExecContext(ctx,
		errMsg, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("store: requeue %s: %w", id, err)
	}

	return nil
}

// RecoverOrphans returns running requests to pending. Called once at
// startup: a request left running means the previous coordinator crashed
// mid-sync.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = 'pending', updated_at = ?
		 WHERE status = 'running'`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: recover orphans: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: recover orphans: %w", err)
	}

	return int(n), nil
}

// ClearPending marks every pending request rate_limited with the given
// note. Used by emergency-stop, which empties the queue without losing the
// audit trail.
func (s *Store) ClearPending(ctx context.Context, note string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error = ?, updated_at = ?
		 WHERE status = 'pending'`,
		StatusRateLimited, note, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: clear pending: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clear pending: %w", err)
	}

	return int(n), nil
}

// SnapshotReferenced reports whether any in-flight request owns the
// snapshot. Prune skips referenced snapshots.
func (s *Store) SnapshotReferenced(ctx context.Context, snapshotID string) (bool, error) {
	var n int

	if err := s.requestStmts.countInFlightForSnapshot.QueryRowContext(ctx, snapshotID).Scan(&n); err != nil {
		return false, fmt.Errorf("store: snapshot refcount %s: %w", snapshotID, err)
	}

	return n > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helper.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var (
		req                    Request
		priority               int
		enqueuedAt, updatedAt int64
	)

	if err := sc.Scan(&req.ID, &req.Caller, &req.Type, &priority,
		&req.DedupKey, &req.Reason, &req.Status, &req.Attempts,
		&req.SnapshotID, &req.Error, &enqueuedAt, &updatedAt); err != nil {
		return nil, err
	}

	req.Priority = Priority(priority)
	req.EnqueuedAt = time.Unix(0, enqueuedAt)
	req.UpdatedAt = time.Unix(0, updatedAt)

	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request

	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}

		out = append(out, req)
	}

	return out, rows.Err()
}
