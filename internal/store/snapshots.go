package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Snapshot queries. Listing is newest-first so retention pruning can keep
// the head of the list.
const (
	sqlSnapshotColumns = `id, base_revision, diff_path, untracked_dir,
		file_count, reason, created_at`

	sqlInsertSnapshot = `INSERT INTO snapshots
		(id, base_revision, diff_path, untracked_dir, file_count, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlGetSnapshot = `SELECT ` + sqlSnapshotColumns + ` FROM snapshots WHERE id = ?`

	sqlListSnapshots = `SELECT ` + sqlSnapshotColumns + ` FROM snapshots
		ORDER BY created_at DESC`

	sqlDeleteSnapshot = `DELETE FROM snapshots WHERE id = ?`
)

// InsertSnapshot records snapshot metadata.
func (s *Store) InsertSnapshot(ctx context.Context, row *SnapshotRow) error {
	if _, err := s.snapshotStmts.insert.ExecContext(ctx,
		row.ID, row.BaseRevision, row.DiffPath, row.UntrackedDir,
		row.FileCount, row.Reason, row.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("store: insert snapshot %s: %w", row.ID, err)
	}

	return nil
}

// GetSnapshot fetches one snapshot row by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*SnapshotRow, error) {
	row, err := scanSnapshot(s.snapshotStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}

	return row, err
}

// ListSnapshots returns all snapshot rows, newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]*SnapshotRow, error) {
	rows, err := s.snapshotStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRow

	for rows.Next() {
		row, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot row.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.snapshotStmts.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("store: delete snapshot %s: %w", id, err)
	}

	return nil
}

func scanSnapshot(sc scanner) (*SnapshotRow, error) {
	var (
		row       SnapshotRow
		createdAt int64
	)

	if err := sc.Scan(&row.ID, &row.BaseRevision, &row.DiffPath,
		&row.UntrackedDir, &row.FileCount, &row.Reason, &createdAt); err != nil {
		return nil, err
	}

	row.CreatedAt = time.Unix(0, createdAt)

	return &row, nil
}
