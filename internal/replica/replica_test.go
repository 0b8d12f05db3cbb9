package replica

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-runner/syncguard/testutil"
)

func newTestClient(t *testing.T) (*Client, string, string) {
	t.Helper()
	testutil.RequireGit(t)

	workDir, remoteDir := testutil.InitWorkspace(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	return New(workDir, "origin", "main", 30*time.Second, logger), workDir, remoteDir
}

func TestClient_IsRepo(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestClient(t)
	assert.True(t, client.IsRepo(context.Background()))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	bare := New(t.TempDir(), "origin", "main", 30*time.Second, logger)
	assert.False(t, bare.IsRepo(context.Background()))
}

func TestClient_CommitAllAndPush(t *testing.T) {
	t.Parallel()

	client, workDir, remoteDir := newTestClient(t)
	ctx := context.Background()

	// Clean tree: nothing to commit, not an error.
	committed, err := client.CommitAll(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, committed)

	testutil.WriteFile(t, workDir, "notes/todo.md", "buy milk\n")

	committed, err = client.CommitAll(ctx, "add todo")
	require.NoError(t, err)
	assert.True(t, committed)

	require.NoError(t, client.Push(ctx))

	local, err := client.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Git(t, remoteDir, "rev-parse", "main"), local)
}

func TestClient_PullFastForward(t *testing.T) {
	t.Parallel()

	client, workDir, remoteDir := newTestClient(t)
	ctx := context.Background()

	peer := testutil.CloneWorkspace(t, remoteDir)
	testutil.PushChange(t, peer, "shared.txt", "from peer\n", "peer edit")

	require.NoError(t, client.Pull(ctx))
	assert.Equal(t, "from peer\n", testutil.ReadFile(t, workDir, "shared.txt"))
}

func TestClient_MergeConflictClassified(t *testing.T) {
	t.Parallel()

	client, workDir, remoteDir := newTestClient(t)
	ctx := context.Background()

	peer := testutil.CloneWorkspace(t, remoteDir)
	testutil.PushChange(t, peer, "README.md", "remote version\n", "remote edit")

	testutil.WriteFile(t, workDir, "README.md", "local version\n")
	testutil.Git(t, workDir, "add", "-A")
	testutil.Git(t, workDir, "commit", "-m", "local edit")

	require.NoError(t, client.Fetch(ctx))

	err := client.Merge(ctx)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, []string{"README.md"}, conflictErr.Paths)
	assert.False(t, IsTransient(err))

	// Both stages are readable mid-conflict.
	ours, err := client.ShowStage(ctx, "README.md", 2)
	require.NoError(t, err)
	assert.Equal(t, "local version\n", string(ours))

	theirs, err := client.ShowStage(ctx, "README.md", 3)
	require.NoError(t, err)
	assert.Equal(t, "remote version\n", string(theirs))

	require.NoError(t, client.AbortMerge(ctx))
	assert.Equal(t, "local version\n", testutil.ReadFile(t, workDir, "README.md"))
}

func TestClient_ShowMissingPath(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestClient(t)

	content, err := client.Show(context.Background(), "never/existed.txt")
	require.NoError(t, err)
	assert.Nil(t, content)
}

func TestClient_FetchUnreachableRemoteIsTransient(t *testing.T) {
	t.Parallel()

	testutil.RequireGit(t)

	workDir, _ := testutil.InitWorkspace(t)
	testutil.Git(t, workDir, "remote", "set-url", "origin",
		"https://127.0.0.1:1/unreachable.git")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	client := New(workDir, "origin", "main", 10*time.Second, logger)

	err := client.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_DirtyStateHelpers(t *testing.T) {
	t.Parallel()

	client, workDir, _ := newTestClient(t)
	ctx := context.Background()

	testutil.WriteFile(t, workDir, "README.md", "edited\n")
	testutil.WriteFile(t, workDir, "scratch.txt", "untracked\n")

	changed, err := client.ChangedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, changed)

	untracked, err := client.UntrackedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scratch.txt"}, untracked)

	diff, err := client.Diff(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(diff), "README.md")
}
