package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-runner/syncguard/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, testLogger()), db
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	lowFirst, err := q.Enqueue(ctx, "scheduler", store.TypeSync, store.PriorityLow, "", "scheduled")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	normalFirst, err := q.Enqueue(ctx, "change-trigger", store.TypeSync, store.PriorityNormal, "", "threshold")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	normalSecond, err := q.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "manual")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	high, err := q.Enqueue(ctx, "exit-hook", store.TypeSync, store.PriorityHigh, "", "final sync")
	require.NoError(t, err)

	var order []string

	for {
		head, err := q.Next(ctx)
		require.NoError(t, err)

		if head == nil {
			break
		}

		order = append(order, head.ID)

		claimed, err := q.db.Claim(ctx, head.ID)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	assert.Equal(t, []string{high.ID, normalFirst.ID, normalSecond.ID, lowFirst.ID}, order)
}

func TestQueue_DedupSupersedes(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	old, err := q.Enqueue(ctx, "change-trigger", store.TypeSync, store.PriorityNormal, "changes", "threshold")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	replacement, err := q.Enqueue(ctx, "change-trigger", store.TypeSync, store.PriorityNormal, "changes", "threshold")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	head, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, replacement.ID, head.ID)

	superseded, err := q.db.GetRequest(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuperseded, superseded.Status)
}

func TestQueue_DedupScopedByKey(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scheduler", store.TypeSync, store.PriorityLow, "scheduled", "timer")
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "change-trigger", store.TypeSync, store.PriorityNormal, "changes", "threshold")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestQueue_RecoverReadmitsRunning(t *testing.T) {
	t.Parallel()

	q, db := newTestQueue(t)
	ctx := context.Background()

	req, err := q.Enqueue(ctx, "cli", store.TypeSync, store.PriorityNormal, "", "manual")
	require.NoError(t, err)

	claimed, err := db.Claim(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Simulated crash: the request is stuck running.
	require.NoError(t, q.Recover(ctx))

	head, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, req.ID, head.ID)
	assert.Equal(t, 1, head.Attempts)
}

func TestQueue_NextEmpty(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)

	head, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, head)
}
