package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestLimiter(t *testing.T, hourlyCap int, minInterval time.Duration) *Limiter {
	t.Helper()

	coordStore, err := coord.NewStore(t.TempDir())
	require.NoError(t, err)

	limiter := NewLimiter(coordStore, hourlyCap, minInterval, testLogger())

	// Fixed clock mid-window so window rollover never interferes unless a
	// test advances it on purpose.
	base := time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	return limiter
}

func TestLimiter_CapDefersOverflow(t *testing.T) {
	t.Parallel()

	const hourlyCap = 12

	limiter := newTestLimiter(t, hourlyCap, 0)
	ctx := context.Background()

	admitted, deferred := 0, 0

	for i := 0; i < 15; i++ {
		adm, err := limiter.Admit(ctx, store.PriorityNormal)
		require.NoError(t, err)

		if adm.OK {
			admitted++
			require.NoError(t, limiter.RecordSync(ctx))

			continue
		}

		deferred++
		assert.Equal(t, time.Date(2026, time.March, 14, 11, 0, 0, 0, time.UTC), adm.RetryAt)
		assert.Contains(t, adm.Reason, "hourly cap")
	}

	assert.Equal(t, hourlyCap, admitted)
	assert.Equal(t, 3, deferred)
}

func TestLimiter_WindowReset(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 2, 0)
	ctx := context.Background()

	clock := time.Date(2026, time.March, 14, 10, 59, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		adm, err := limiter.Admit(ctx, store.PriorityNormal)
		require.NoError(t, err)
		require.True(t, adm.OK)
		require.NoError(t, limiter.RecordSync(ctx))
	}

	adm, err := limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	require.False(t, adm.OK)

	// The next clock hour opens a fresh window.
	clock = clock.Add(2 * time.Minute)

	adm, err = limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, adm.OK)
}

func TestLimiter_MinInterval(t *testing.T) {
	t.Parallel()

	const minInterval = 10 * time.Minute

	limiter := newTestLimiter(t, 100, minInterval)
	ctx := context.Background()

	clock := time.Date(2026, time.March, 14, 10, 5, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	adm, err := limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	require.True(t, adm.OK)
	require.NoError(t, limiter.RecordSync(ctx))

	// Too soon for a normal request.
	clock = clock.Add(3 * time.Minute)

	adm, err = limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, adm.OK)
	assert.Equal(t, time.Date(2026, time.March, 14, 10, 15, 0, 0, time.UTC), adm.RetryAt)
	assert.Contains(t, adm.Reason, "minimum interval")

	// High priority bypasses the interval.
	adm, err = limiter.Admit(ctx, store.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, adm.OK)

	// After the interval, normal requests flow again.
	clock = clock.Add(minInterval)

	adm, err = limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, adm.OK)
}

func TestLimiter_HighPriorityNeverBypassesCap(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	adm, err := limiter.Admit(ctx, store.PriorityHigh)
	require.NoError(t, err)
	require.True(t, adm.OK)
	require.NoError(t, limiter.RecordSync(ctx))

	adm, err = limiter.Admit(ctx, store.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, adm.OK)
	assert.Contains(t, adm.Reason, "hourly cap")
}

func TestLimiter_AdmitReservesSlot(t *testing.T) {
	t.Parallel()

	// Admission itself consumes the window slot. Two admissions racing at
	// one slot below the cap must not both pass just because neither sync
	// has recorded yet.
	limiter := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	adm, err := limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	require.True(t, adm.OK)

	adm, err = limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, adm.OK)
	assert.Contains(t, adm.Reason, "hourly cap")

	counters, err := limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Count)
}

func TestLimiter_ReleaseReturnsSlot(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	adm, err := limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	require.True(t, adm.OK)

	// The admitted sync never started; its slot goes back to the window.
	require.NoError(t, limiter.Release(ctx))

	adm, err = limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, adm.OK)

	// Releasing with nothing reserved leaves the counters at zero.
	require.NoError(t, limiter.Release(ctx))
	require.NoError(t, limiter.Release(ctx))

	counters, err := limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Count)
}

func TestLimiter_CheckDoesNotReserve(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		adm, err := limiter.Check(ctx, store.PriorityNormal)
		require.NoError(t, err)
		require.True(t, adm.OK)
	}

	counters, err := limiter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Count)

	adm, err := limiter.Admit(ctx, store.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, adm.OK)
}

func TestLimiter_CountersSharedAcrossInstances(t *testing.T) {
	t.Parallel()

	coordStore, err := coord.NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC)

	first := NewLimiter(coordStore, 1, 0, testLogger())
	first.now = func() time.Time { return base }

	second := NewLimiter(coordStore, 1, 0, testLogger())
	second.now = func() time.Time { return base }

	adm, err := first.Admit(context.Background(), store.PriorityNormal)
	require.NoError(t, err)
	require.True(t, adm.OK)
	require.NoError(t, first.RecordSync(context.Background()))

	// A limiter in another process sees the same counters.
	adm, err = second.Admit(context.Background(), store.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, adm.OK)

	counters, err := second.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Count)
	assert.Equal(t, base.Format("2006-01-02T15"), counters.Window)
}
