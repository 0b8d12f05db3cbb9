package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conflict queries.
const (
	sqlConflictColumns = `id, request_id, path, local_revision,
		remote_revision, strategy, outcome, remote_copy, detected_at, resolved_at`

	sqlInsertConflict = `INSERT INTO conflicts
		(id, request_id, path, local_revision, remote_revision, strategy,
		 outcome, remote_copy, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListUnresolvedConflicts = `SELECT ` + sqlConflictColumns + `
		FROM conflicts WHERE outcome = 'needs_attention'
		ORDER BY detected_at ASC`

	sqlResolveConflict = `UPDATE conflicts
		SET outcome = 'resolved', resolved_at = ?
		WHERE id = ? AND outcome = 'needs_attention'`

	sqlGetConflict = `SELECT ` + sqlConflictColumns + ` FROM conflicts WHERE id = ?`
)

// InsertConflict records one conflict and its resolution outcome.
func (s *Store) InsertConflict(ctx context.Context, c *Conflict) error {
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = c.ResolvedAt.UnixNano()
	}

	if _, err := s.conflictStmts.insert.ExecContext(ctx,
		c.ID, c.RequestID, c.Path, c.LocalRevision, c.RemoteRevision,
		c.Strategy, c.Outcome, c.RemoteCopy, c.DetectedAt.UnixNano(),
		resolvedAt); err != nil {
		return fmt.Errorf("store: insert conflict %s: %w", c.ID, err)
	}

	return nil
}

// ListUnresolvedConflicts returns needs-attention rows, oldest first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := s.conflictStmts.listUnresolved.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict

	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// GetConflict fetches one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := scanConflict(s.conflictStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}

	return c, err
}

// MarkConflictResolved transitions a needs-attention conflict to resolved.
// Reports false when the conflict was not awaiting attention.
func (s *Store) MarkConflictResolved(ctx context.Context, id string) (bool, error) {
	res, err := s.conflictStmts.resolve.ExecContext(ctx, time.Now().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("store: resolve conflict %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: resolve conflict %s: %w", id, err)
	}

	return n == 1, nil
}

func scanConflict(sc scanner) (*Conflict, error) {
	var (
		c          Conflict
		detectedAt int64
		resolvedAt sql.NullInt64
	)

	if err := sc.Scan(&c.ID, &c.RequestID, &c.Path, &c.LocalRevision,
		&c.RemoteRevision, &c.Strategy, &c.Outcome, &c.RemoteCopy,
		&detectedAt, &resolvedAt); err != nil {
		return nil, err
	}

	c.DetectedAt = time.Unix(0, detectedAt)

	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		c.ResolvedAt = &t
	}

	return &c, nil
}
