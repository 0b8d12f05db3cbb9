package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPauser(t *testing.T, pauseTimeout, writerCycle, poll time.Duration) (*Pauser, *Store) {
	t.Helper()

	store := newTestStore(t)

	return NewPauser(store, pauseTimeout, writerCycle, poll, testLogger()), store
}

func TestPauser_SignalAndAck(t *testing.T) {
	t.Parallel()

	pauser, store := newTestPauser(t, time.Second, time.Second, 5*time.Millisecond)

	require.NoError(t, pauser.Signal("sync-1", "sync window"))

	rec, found, err := pauser.Current()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sync-1", rec.RequestedBy)

	// The writer acks from another goroutine, as it would from another
	// process.
	go func() {
		time.Sleep(20 * time.Millisecond)
		gate := NewWriterGate(store, testLogger())
		gate.ShouldSkipCycle()
	}()

	acked, err := pauser.WaitForAck(context.Background())
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestPauser_AckTimeoutProceeds(t *testing.T) {
	t.Parallel()

	const timeout = 50 * time.Millisecond

	pauser, _ := newTestPauser(t, timeout, time.Second, 5*time.Millisecond)

	require.NoError(t, pauser.Signal("sync-1", "sync window"))

	start := time.Now()
	acked, err := pauser.WaitForAck(context.Background())
	elapsed := time.Since(start)

	// Timeout is not an error: the coordinator proceeds with a warning.
	require.NoError(t, err)
	assert.False(t, acked)

	// The wait runs the full bound, not forever and not less.
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 10*timeout)
}

func TestPauser_StaleAckCleared(t *testing.T) {
	t.Parallel()

	pauser, store := newTestPauser(t, 30*time.Millisecond, time.Second, 5*time.Millisecond)

	// Leftover ack from an earlier pause must not satisfy a new signal.
	require.NoError(t, store.Publish(PauseAckName, &PauseAck{PID: 1, AckedAt: time.Now()}))
	require.NoError(t, pauser.Signal("sync-2", "second window"))

	acked, err := pauser.WaitForAck(context.Background())
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestPauser_LiftIdempotent(t *testing.T) {
	t.Parallel()

	pauser, _ := newTestPauser(t, time.Second, time.Second, 5*time.Millisecond)

	require.NoError(t, pauser.Signal("sync-1", "window"))
	require.NoError(t, pauser.Lift())
	require.NoError(t, pauser.Lift())

	_, found, err := pauser.Current()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPauser_ExpiredRecordReportedAbsent(t *testing.T) {
	t.Parallel()

	pauser, store := newTestPauser(t, time.Second, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Publish(PauseRecordName, &PauseRecord{
		Reason:      "old",
		RequestedBy: "crashed-sync",
		RequestedAt: time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	_, found, err := pauser.Current()
	require.NoError(t, err)
	assert.False(t, found)
}
