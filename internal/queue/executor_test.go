package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-runner/syncguard/internal/classify"
	"github.com/null-runner/syncguard/internal/config"
	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/oplog"
	"github.com/null-runner/syncguard/internal/proc"
	"github.com/null-runner/syncguard/internal/replica"
	"github.com/null-runner/syncguard/internal/resolve"
	"github.com/null-runner/syncguard/internal/snapshot"
	"github.com/null-runner/syncguard/internal/store"
	"github.com/null-runner/syncguard/testutil"
)

// executorFixture wires a full sync pipeline over a real git workspace.
type executorFixture struct {
	workDir    string
	remoteDir  string
	db         *store.Store
	coordStore *coord.Store
	queue      *Queue
	limiter    *Limiter
	exec       *Executor
	ops        *oplog.Log
}

func newExecutorFixture(t *testing.T, strategy string, hourlyCap int) *executorFixture {
	t.Helper()
	testutil.RequireGit(t)

	workDir, remoteDir := testutil.InitWorkspace(t)
	dataDir := t.TempDir()
	logger := testLogger()

	db, err := store.Open(filepath.Join(dataDir, "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	coordStore, err := coord.NewStore(filepath.Join(dataDir, "coordination"))
	require.NoError(t, err)

	git := replica.New(workDir, "origin", "main", 30*time.Second, logger)

	locks := coord.NewLockManager(coordStore, proc.NewFSOracle(),
		2*time.Second, 10*time.Millisecond, logger)
	pauser := coord.NewPauser(coordStore, 50*time.Millisecond,
		time.Second, 10*time.Millisecond, logger)
	coordinator := coord.NewCoordinator(locks, pauser, logger)

	snapshots := snapshot.NewManager(workDir, filepath.Join(dataDir, "snapshots"), git, db, logger)

	rules, err := classify.NewRuleTable([]string{`(^|/)state/`}, nil)
	require.NoError(t, err)

	volatile := []config.VolatileRule{{Match: "*.json", Fields: []string{"session_id"}}}
	resolver := resolve.New(workDir, strategy, git, rules, volatile, db, logger)

	ops, err := oplog.Open(filepath.Join(dataDir, "operations.jsonl"), 10, 3, 30)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	q := New(db, logger)
	limiter := NewLimiter(coordStore, hourlyCap, 0, logger)

	exec := NewExecutor(q, limiter, coordinator, git, snapshots, resolver,
		db, ops, logger, 3, 10*time.Millisecond, 50*time.Millisecond)

	return &executorFixture{
		workDir:    workDir,
		remoteDir:  remoteDir,
		db:         db,
		coordStore: coordStore,
		queue:      q,
		limiter:    limiter,
		exec:       exec,
		ops:        ops,
	}
}

func TestExecutor_SyncBothDirections(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)
	ctx := context.Background()

	// Remote gains one file, local gains another.
	peer := testutil.CloneWorkspace(t, f.remoteDir)
	testutil.PushChange(t, peer, "remote.txt", "from peer\n", "peer edit")
	testutil.WriteFile(t, f.workDir, "local.txt", "from workspace\n")

	enq, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "manual sync")
	require.NoError(t, err)

	req, err := f.exec.RunNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, enq.ID, req.ID)

	got, err := f.db.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	// Pulled the peer's file; pushed our own.
	assert.Equal(t, "from peer\n", testutil.ReadFile(t, f.workDir, "remote.txt"))
	assert.Contains(t,
		testutil.Git(t, f.remoteDir, "ls-tree", "--name-only", "main"),
		"local.txt")

	results, err := f.db.RecentResults(ctx, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.StatusCompleted, results[0].Status)
	assert.NotEmpty(t, results[0].LocalRevision)

	entries, err := f.ops.Tail(10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, req.ID, entries[len(entries)-1].RequestID)

	// The coordination window closed behind the sync.
	current, err := f.limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Count)
}

func TestExecutor_EmptyQueue(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)

	req, err := f.exec.RunNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestExecutor_DeferredStaysPending(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 1)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "first")
	require.NoError(t, err)

	req, err := f.exec.RunNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	// The cap is spent; the next request defers instead of failing.
	second, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "second")
	require.NoError(t, err)

	deferred, err := f.exec.RunNext(ctx)
	require.ErrorIs(t, err, ErrDeferred)
	require.NotNil(t, deferred)
	assert.Equal(t, second.ID, deferred.ID)

	got, err := f.db.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestExecutor_NoSnapshotWithoutLock(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)
	ctx := context.Background()

	// A live foreign holder keeps the sync lock for the whole wait. The
	// pre-sync snapshot must only be taken inside the coordination window,
	// so a lock timeout leaves no snapshot behind.
	hostname, _ := os.Hostname()
	require.NoError(t, f.coordStore.CreateExclusive(coord.LockRecordName, &coord.LockRecord{
		HolderID:   "other-agent",
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().Add(time.Minute),
		ExpiresAt:  time.Now().Add(2 * time.Minute),
	}))

	req, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "blocked sync")
	require.NoError(t, err)

	got, err := f.exec.RunNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Lock contention is transient: the request went back to pending.
	row, err := f.db.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)

	snaps, err := f.db.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	// The sync never ran, so its window slot was returned.
	counters, err := f.limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Count)
}

func TestExecutor_LostClaimIsNotReportedAsRun(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)
	ctx := context.Background()

	req, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "raced sync")
	require.NoError(t, err)

	// Hold the rate-limiter file lock so RunNext stalls between reading
	// the head and claiming it, then claim the request out from under it.
	flock, err := coord.AcquireFileLock(ctx, f.coordStore.Path(countersLockName))
	require.NoError(t, err)

	type runResult struct {
		req *store.Request
		err error
	}

	done := make(chan runResult, 1)

	go func() {
		r, rerr := f.exec.RunNext(ctx)
		done <- runResult{req: r, err: rerr}
	}()

	time.Sleep(50 * time.Millisecond)

	claimed, err := f.db.Claim(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, flock.Release())

	res := <-done
	require.NoError(t, res.err)

	// The request never ran under this executor, so it must not be
	// reported as executed and no result row may exist for it.
	assert.Nil(t, res.req)

	results, err := f.db.RecentResults(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The reserved slot went back to the window.
	counters, err := f.limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Count)
}

func TestExecutor_ConflictNeedsAttention(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)
	ctx := context.Background()

	peer := testutil.CloneWorkspace(t, f.remoteDir)
	testutil.PushChange(t, peer, "README.md", "remote version\n", "remote edit")

	testutil.WriteFile(t, f.workDir, "README.md", "local version\n")
	testutil.Git(t, f.workDir, "add", "-A")
	testutil.Git(t, f.workDir, "commit", "-m", "local edit")

	req, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "conflicting sync")
	require.NoError(t, err)

	_, err = f.exec.RunNext(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs attention")

	got, err := f.db.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	// Local version intact, conflict flagged, remote copy preserved.
	assert.Equal(t, "local version\n", testutil.ReadFile(t, f.workDir, "README.md"))

	conflicts, err := f.db.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "README.md", conflicts[0].Path)

	data, err := os.ReadFile(conflicts[0].RemoteCopy)
	require.NoError(t, err)
	assert.Equal(t, "remote version\n", string(data))
}

func TestExecutor_VolatileConflictAutoResolves(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, config.StrategyManual, 12)
	ctx := context.Background()

	local := `{"session_id": "aaa", "open_files": ["main.go"]}` + "\n"
	remote := `{"session_id": "bbb", "open_files": ["main.go"]}` + "\n"

	// Both sides mutate the same artifact; only the volatile field differs.
	testutil.PushChange(t, f.workDir, "state/session.json", local, "local artifact")

	peer := testutil.CloneWorkspace(t, f.remoteDir)
	testutil.PushChange(t, peer, "state/session.json", remote, "remote artifact")

	testutil.WriteFile(t, f.workDir, "state/session.json", `{"session_id": "ccc", "open_files": ["main.go"]}`+"\n")
	testutil.Git(t, f.workDir, "add", "-A")
	testutil.Git(t, f.workDir, "commit", "-m", "local artifact churn")

	req, err := f.queue.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "artifact sync")
	require.NoError(t, err)

	_, err = f.exec.RunNext(ctx)
	require.NoError(t, err)

	got, err := f.db.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	// Remote side won without human involvement.
	assert.Equal(t, remote, testutil.ReadFile(t, f.workDir, "state/session.json"))

	conflicts, err := f.db.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
