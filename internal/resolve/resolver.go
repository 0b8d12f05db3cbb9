// Package resolve reconciles divergent local and remote state when a merge
// conflicts. System-artifact paths that differ only in volatile fields are
// auto-resolved toward the remote copy; everything else follows the
// configured strategy. The resolver always ends in one of two terminal
// states, cleanly merged or explicitly flagged unresolved with both
// versions intact on disk, never a silent auto-merge.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/null-runner/syncguard/internal/classify"
	"github.com/null-runner/syncguard/internal/config"
	"github.com/null-runner/syncguard/internal/replica"
	"github.com/null-runner/syncguard/internal/store"
)

// Git index stages for the two sides of a conflicted path.
const (
	stageOurs   = 2
	stageTheirs = 3
)

// copyPermissions for preserved conflict copies.
const copyPermissions = 0o644

// Summary is the outcome of resolving one conflicted merge.
type Summary struct {
	// Clean means every path was resolved and the merge can be committed.
	Clean bool
	// Auto and Manual count auto-resolved and flagged paths.
	Auto   int
	Manual int
	// Records are the conflict rows written to the store.
	Records []*store.Conflict
}

// Resolver applies the configured strategy to conflicted merges.
type Resolver struct {
	workspaceRoot string
	strategy      string
	git           *replica.Client
	rules         *classify.RuleTable
	volatile      []config.VolatileRule
	db            *store.Store
	logger        *slog.Logger
}

// New builds a Resolver. rules is the classifier's layer-1 table, reused
// here to recognize system-artifact (block-pattern) paths.
func New(workspaceRoot, strategy string, git *replica.Client, rules *classify.RuleTable,
	volatile []config.VolatileRule, db *store.Store, logger *slog.Logger,
) *Resolver {
	return &Resolver{
		workspaceRoot: workspaceRoot,
		strategy:      strategy,
		git:           git,
		rules:         rules,
		volatile:      volatile,
		db:            db,
		logger:        logger,
	}
}

// ResolveAll processes every conflicted path of an in-progress merge.
// When any path requires attention under the manual strategy, the merge is
// aborted: the local version stays at its original path, the remote
// version is preserved alongside it, and the summary reports not-clean.
// Otherwise all paths are resolved in the index and the caller commits.
func (r *Resolver) ResolveAll(ctx context.Context, requestID string, paths []string) (*Summary, error) {
	localRev, err := r.git.Revision(ctx)
	if err != nil {
		return nil, err
	}

	remoteRev, err := r.git.RemoteRevision(ctx)
	if err != nil {
		r.logger.Debug("remote revision unavailable during resolve", "error", err)
	}

	summary := &Summary{Clean: true}

	for _, path := range paths {
		record, err := r.resolveOne(ctx, requestID, path, localRev, remoteRev)
		if err != nil {
			return nil, err
		}

		summary.Records = append(summary.Records, record)

		if record.Outcome == store.OutcomeNeedsAttention {
			summary.Clean = false
			summary.Manual++
		} else {
			summary.Auto++
		}
	}

	if !summary.Clean {
		// Return the tree to the pre-merge local state. The preserved
		// remote copies written by resolveOne survive as untracked files,
		// so both versions remain on disk.
		if err := r.git.AbortMerge(ctx); err != nil {
			return nil, fmt.Errorf("resolve: aborting conflicted merge: %w", err)
		}
	}

	for _, record := range summary.Records {
		if err := r.db.InsertConflict(ctx, record); err != nil {
			return nil, err
		}
	}

	r.logger.Info("conflict resolution finished",
		"paths", len(paths),
		"auto", summary.Auto,
		"manual", summary.Manual,
		"clean", summary.Clean,
	)

	return summary, nil
}

// resolveOne decides and applies the resolution for a single conflicted
// path, returning its conflict record.
func (r *Resolver) resolveOne(ctx context.Context, requestID, path, localRev, remoteRev string) (*store.Conflict, error) {
	record := &store.Conflict{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		Path:           path,
		LocalRevision:  localRev,
		RemoteRevision: remoteRev,
		Strategy:       r.strategy,
		DetectedAt:     time.Now(),
	}

	// System artifacts (layer-1 block patterns) whose divergence is pure
	// volatile-field churn take the remote copy automatically, no flag.
	// This is the merge-time face of feedback-loop avoidance.
	verdict, _ := r.rules.Match(path)
	if verdict == classify.Block {
		if volatileOnly, err := r.divergesOnlyInVolatile(ctx, path); err == nil && volatileOnly {
			if err := r.git.CheckoutTheirs(ctx, path); err != nil {
				return nil, err
			}

			record.Strategy = "volatile-remote"
			record.Outcome = store.OutcomeMerged
			now := time.Now()
			record.ResolvedAt = &now

			r.logger.Debug("artifact conflict auto-resolved to remote", "path", path)

			return record, nil
		}
	}

	switch r.strategy {
	case config.StrategyPreferLocal:
		if err := r.git.CheckoutOurs(ctx, path); err != nil {
			return nil, err
		}

		record.Outcome = store.OutcomeMerged

	case config.StrategyPreferRemote:
		if err := r.git.CheckoutTheirs(ctx, path); err != nil {
			return nil, err
		}

		record.Outcome = store.OutcomeMerged

	default: // manual
		copyPath, err := r.preserveRemoteCopy(ctx, path)
		if err != nil {
			return nil, err
		}

		record.RemoteCopy = copyPath
		record.Outcome = store.OutcomeNeedsAttention

		r.logger.Warn("conflict needs attention",
			"path", path,
			"remote_copy", copyPath,
		)
	}

	if record.Outcome == store.OutcomeMerged {
		now := time.Now()
		record.ResolvedAt = &now
	}

	return record, nil
}

// divergesOnlyInVolatile compares the two sides of a conflicted path after
// stripping the configured volatile fields.
func (r *Resolver) divergesOnlyInVolatile(ctx context.Context, path string) (bool, error) {
	ours, err := r.git.ShowStage(ctx, path, stageOurs)
	if err != nil {
		return false, err
	}

	theirs, err := r.git.ShowStage(ctx, path, stageTheirs)
	if err != nil {
		return false, err
	}

	var fields []string

	base := filepath.Base(path)
	for _, v := range r.volatile {
		if matched, _ := filepath.Match(v.Match, base); matched {
			fields = append(fields, v.Fields...)
		}
	}

	equal, structured := classify.EqualAfterStripping(ours, theirs, fields)

	return equal && structured, nil
}

// preserveRemoteCopy writes the remote side of a conflicted path to a
// timestamped sibling so both versions survive the merge abort.
func (r *Resolver) preserveRemoteCopy(ctx context.Context, path string) (string, error) {
	theirs, err := r.git.ShowStage(ctx, path, stageTheirs)
	if err != nil {
		return "", err
	}

	copyPath := remoteCopyPath(filepath.Join(r.workspaceRoot, path))

	if err := os.MkdirAll(filepath.Dir(copyPath), 0o755); err != nil {
		return "", fmt.Errorf("resolve: preserving remote copy of %s: %w", path, err)
	}

	if err := os.WriteFile(copyPath, theirs, copyPermissions); err != nil {
		return "", fmt.Errorf("resolve: preserving remote copy of %s: %w", path, err)
	}

	return copyPath, nil
}
