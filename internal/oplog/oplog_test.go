package oplog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()

	log, err := Open(filepath.Join(t.TempDir(), "logs", "operations.log"), 10, 3, 30)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return log
}

func TestLog_AppendAndTail(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)

	require.NoError(t, log.Classification("state/session.json", "modify", "block", 1, "matched block pattern"))
	require.NoError(t, log.Classification("notes/todo.md", "create", "allow", 1, "matched allow pattern"))
	require.NoError(t, log.SyncOutcome("req-1", "completed", "pulled 3 commits"))

	entries, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, KindClassification, entries[0].Kind)
	assert.Equal(t, "state/session.json", entries[0].Path)
	assert.Equal(t, "block", entries[0].Verdict)
	assert.Equal(t, 1, entries[0].Layer)
	assert.False(t, entries[0].Time.IsZero())

	assert.Equal(t, KindSync, entries[2].Kind)
	assert.Equal(t, "req-1", entries[2].RequestID)
	assert.Equal(t, "completed", entries[2].Status)
}

func TestLog_TailBounded(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, log.SyncOutcome("req", "completed", ""))
	}
	require.NoError(t, log.Classification("last.md", "modify", "allow", 1, "newest"))

	entries, err := log.Tail(5)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	// Oldest first, ending with the newest entry.
	assert.Equal(t, "last.md", entries[4].Path)
}

func TestLog_TailMissingFile(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)

	entries, err := log.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLog_TailToleratesTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "operations.log")

	log, err := Open(path, 10, 3, 30)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	require.NoError(t, log.SyncOutcome("req-1", "completed", ""))

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"sync","requ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].RequestID)
}
