// Package snapshot provides atomic, restorable captures of workspace state
// taken before risky operations. A snapshot is the current base revision
// plus a binary patch of uncommitted changes plus copies of untracked
// files; restoring replays exactly that state, and repeated restores
// converge to the same result.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/null-runner/syncguard/internal/replica"
	"github.com/null-runner/syncguard/internal/store"
)

// ErrRestoreFailed is fatal: the workspace is in an unknown state and the
// sync subsystem must halt rather than proceed.
var ErrRestoreFailed = errors.New("snapshot: restore failed")

// blobPermissions for snapshot blob files and directories.
const (
	blobFilePermissions = 0o644
	blobDirPermissions  = 0o755
)

// Manager creates, restores, and prunes snapshots. Blobs live under
// <data_dir>/snapshots/<id>/, metadata in the store.
type Manager struct {
	workspaceRoot string
	blobDir       string
	git           *replica.Client
	db            *store.Store
	logger        *slog.Logger
}

// NewManager builds a Manager rooted at blobDir.
func NewManager(workspaceRoot, blobDir string, git *replica.Client, db *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		workspaceRoot: workspaceRoot,
		blobDir:       blobDir,
		git:           git,
		db:            db,
		logger:        logger,
	}
}

// Create captures the current workspace state: base revision, a binary
// patch of uncommitted tracked changes, and copies of untracked files.
// No network access, no working-tree mutation.
func (m *Manager) Create(ctx context.Context, reason string) (*store.SnapshotRow, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.blobDir, id)

	if err := os.MkdirAll(dir, blobDirPermissions); err != nil {
		return nil, fmt.Errorf("snapshot: creating %s: %w", dir, err)
	}

	revision, err := m.git.Revision(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("snapshot: resolving base revision: %w", err)
	}

	diff, err := m.git.Diff(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("snapshot: capturing diff: %w", err)
	}

	diffPath := filepath.Join(dir, "uncommitted.patch")
	if err := os.WriteFile(diffPath, diff, blobFilePermissions); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("snapshot: writing diff: %w", err)
	}

	changed, err := m.git.ChangedFiles(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	untracked, err := m.git.UntrackedFiles(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	untrackedDir := filepath.Join(dir, "untracked")
	if err := m.copyUntracked(untracked, untrackedDir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	row := &store.SnapshotRow{
		ID:           id,
		BaseRevision: revision,
		DiffPath:     diffPath,
		UntrackedDir: untrackedDir,
		FileCount:    len(changed) + len(untracked),
		Reason:       reason,
		CreatedAt:    time.Now(),
	}

	if err := m.db.InsertSnapshot(ctx, row); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.logger.Info("snapshot created",
		"id", id,
		"base_revision", revision,
		"files", row.FileCount,
		"reason", reason,
	)

	return row, nil
}

// Restore resets the working tree and history to exactly the recorded
// state. Idempotent: each call starts from the recorded base revision, so
// repeated calls converge. Any failure is ErrRestoreFailed; the caller
// must halt the sync subsystem, never proceed on an unknown state.
func (m *Manager) Restore(ctx context.Context, id string) error {
	row, err := m.db.GetSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	if err := m.git.ResetHard(ctx, row.BaseRevision); err != nil {
		return fmt.Errorf("%w: reset to %s: %v", ErrRestoreFailed, row.BaseRevision, err)
	}

	if err := m.git.CleanUntracked(ctx); err != nil {
		return fmt.Errorf("%w: clean: %v", ErrRestoreFailed, err)
	}

	if info, err := os.Stat(row.DiffPath); err == nil && info.Size() > 0 {
		if err := m.git.ApplyPatch(ctx, row.DiffPath); err != nil {
			return fmt.Errorf("%w: apply diff: %v", ErrRestoreFailed, err)
		}
	}

	if err := m.restoreUntracked(row.UntrackedDir); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	m.logger.Info("snapshot restored", "id", id, "base_revision", row.BaseRevision)

	return nil
}

// Prune deletes snapshots beyond the retention count, newest-first
// retention. A snapshot referenced by an in-flight request is never
// deleted. Returns the number pruned.
func (m *Manager) Prune(ctx context.Context, keepN int) (int, error) {
	rows, err := m.db.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}

	if keepN < 0 {
		keepN = 0
	}

	pruned := 0

	for i, row := range rows {
		if i < keepN {
			continue
		}

		referenced, err := m.db.SnapshotReferenced(ctx, row.ID)
		if err != nil {
			return pruned, err
		}

		if referenced {
			m.logger.Debug("skipping referenced snapshot", "id", row.ID)
			continue
		}

		if err := m.delete(ctx, row); err != nil {
			return pruned, err
		}

		pruned++
	}

	if pruned > 0 {
		m.logger.Info("snapshots pruned", "count", pruned, "kept", keepN)
	}

	return pruned, nil
}

// delete removes the blob directory then the metadata row.
func (m *Manager) delete(ctx context.Context, row *store.SnapshotRow) error {
	if err := os.RemoveAll(filepath.Join(m.blobDir, row.ID)); err != nil {
		return fmt.Errorf("snapshot: deleting blobs for %s: %w", row.ID, err)
	}

	return m.db.DeleteSnapshot(ctx, row.ID)
}

// copyUntracked copies each untracked workspace file into dstDir,
// preserving relative paths.
func (m *Manager) copyUntracked(paths []string, dstDir string) error {
	for _, rel := range paths {
		src := filepath.Join(m.workspaceRoot, rel)
		dst := filepath.Join(dstDir, rel)

		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("snapshot: copying untracked %s: %w", rel, err)
		}
	}

	return nil
}

// restoreUntracked copies preserved untracked files back into the
// workspace. Overwrites are intentional: restore must converge.
func (m *Manager) restoreUntracked(srcDir string) error {
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		return copyFile(path, filepath.Join(m.workspaceRoot, rel))
	})
}

// copyFile copies src to dst, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), blobDirPermissions); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, blobFilePermissions)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
