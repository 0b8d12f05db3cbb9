package store

import (
	"context"
	"fmt"
	"time"
)

// Result queries.
const (
	sqlInsertResult = `INSERT INTO results
		(request_id, status, detail, local_revision, remote_revision,
		 started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlRecentResults = `SELECT id, request_id, status, detail,
		local_revision, remote_revision, started_at, finished_at
		FROM results ORDER BY finished_at DESC LIMIT ?`
)

// InsertResult records one terminal sync outcome.
func (s *Store) InsertResult(ctx context.Context, r *Result) error {
	if _, err := s.resultStmts.insert.ExecContext(ctx,
		r.RequestID, r.Status, r.Detail, r.LocalRevision, r.RemoteRevision,
		r.StartedAt.UnixNano(), r.FinishedAt.UnixNano()); err != nil {
		return fmt.Errorf("store: insert result for %s: %w", r.RequestID, err)
	}

	return nil
}

// RecentResults returns the last n terminal outcomes, newest first.
func (s *Store) RecentResults(ctx context.Context, n int) ([]*Result, error) {
	rows, err := s.resultStmts.recent.QueryContext(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent results: %w", err)
	}
	defer rows.Close()

	var out []*Result

	for rows.Next() {
		var (
			r                      Result
			startedAt, finishedAt int64
		)

		if err := rows.Scan(&r.ID, &r.RequestID, &r.Status, &r.Detail,
			&r.LocalRevision, &r.RemoteRevision, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}

		r.StartedAt = time.Unix(0, startedAt)
		r.FinishedAt = time.Unix(0, finishedAt)
		out = append(out, &r)
	}

	return out, rows.Err()
}
