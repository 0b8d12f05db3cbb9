package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/null-runner/syncguard/internal/classify"
	"github.com/null-runner/syncguard/internal/config"
	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/oplog"
	"github.com/null-runner/syncguard/internal/proc"
	"github.com/null-runner/syncguard/internal/queue"
	"github.com/null-runner/syncguard/internal/replica"
	"github.com/null-runner/syncguard/internal/resolve"
	"github.com/null-runner/syncguard/internal/snapshot"
	"github.com/null-runner/syncguard/internal/store"
)

// app holds the assembled subsystems shared by the subcommands. Built once
// per invocation by newApp and torn down by close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *store.Store
	coordStore *coord.Store
	git        *replica.Client
	classifier *classify.Classifier
	queue      *queue.Queue
	limiter    *queue.Limiter
	executor   *queue.Executor
	snapshots  *snapshot.Manager
	resolver   *resolve.Resolver
	coord      *coord.Coordinator
	ops        *oplog.Log
}

// newApp wires the full subsystem graph from the resolved configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.Workspace.Root == "" {
		return nil, fmt.Errorf("no workspace root configured (use --workspace or syncguard.toml)")
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	dataDir := cfg.EffectiveDataDir()

	git := replica.New(cfg.Workspace.Root, cfg.Replica.Remote, cfg.Replica.Branch,
		cfg.Replica.CommandTimeout.Std(), logger)

	if !git.IsRepo(ctx) {
		return nil, fmt.Errorf("workspace %s is not a git repository", cfg.Workspace.Root)
	}

	db, err := store.Open(filepath.Join(dataDir, "state.db"), logger)
	if err != nil {
		return nil, err
	}

	coordStore, err := coord.NewStore(filepath.Join(dataDir, "coordination"))
	if err != nil {
		db.Close()
		return nil, err
	}

	ops, err := oplog.Open(cfg.EffectiveOpLogPath(),
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
	if err != nil {
		db.Close()
		return nil, err
	}

	oracle := proc.NewFSOracle()

	classifier, err := classify.New(cfg.Classifier, classify.Deps{
		Oracle:        oracle,
		Previous:      git.Show,
		LastWrite:     coord.LastWriterWrite(coordStore),
		WorkspaceRoot: cfg.Workspace.Root,
		Logger:        logger,
	})
	if err != nil {
		ops.Close()
		db.Close()
		return nil, err
	}

	locks := coord.NewLockManager(coordStore, oracle,
		cfg.Coordinator.LockMax.Std(), cfg.Coordinator.PollInterval.Std(), logger)
	pauser := coord.NewPauser(coordStore,
		cfg.Coordinator.PauseTimeout.Std(), cfg.Coordinator.WriterCycle.Std(),
		cfg.Coordinator.PollInterval.Std(), logger)
	coordinator := coord.NewCoordinator(locks, pauser, logger)

	snapshots := snapshot.NewManager(cfg.Workspace.Root,
		filepath.Join(dataDir, "snapshots"), git, db, logger)

	resolver := resolve.New(cfg.Workspace.Root, cfg.Resolver.Strategy, git,
		classifier.Rules(), cfg.Classifier.Volatile, db, logger)

	q := queue.New(db, logger)
	limiter := queue.NewLimiter(coordStore, cfg.Queue.HourlyCap,
		cfg.Queue.MinInterval.Std(), logger)

	executor := queue.NewExecutor(q, limiter, coordinator, git, snapshots,
		resolver, db, ops, logger, cfg.Queue.MaxAttempts,
		cfg.Queue.BackoffBase.Std(), cfg.Queue.BackoffMax.Std())

	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		coordStore: coordStore,
		git:        git,
		classifier: classifier,
		queue:      q,
		limiter:    limiter,
		executor:   executor,
		snapshots:  snapshots,
		resolver:   resolver,
		coord:      coordinator,
		ops:        ops,
	}, nil
}

// close releases the app's resources in reverse dependency order.
func (a *app) close() {
	if a.ops != nil {
		a.ops.Close()
	}

	if a.db != nil {
		a.db.Close()
	}
}

// pidFilePath is where the watch daemon records its PID.
func (a *app) pidFilePath() string {
	return filepath.Join(a.cfg.EffectiveDataDir(), "watch.pid")
}
