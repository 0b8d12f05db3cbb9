package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/null-runner/syncguard/internal/coord"
	"github.com/null-runner/syncguard/internal/store"
)

// windowFormat keys the fixed rate window to the clock hour.
const windowFormat = "2006-01-02T15"

// Counters is the shared rate-limiter record in the coordination store.
// Multiple sync callers read-modify-write it under the counters file lock;
// publication is atomic-rename like every coordination record.
type Counters struct {
	Window     string    `json:"window"`
	Count      int       `json:"count"`
	LastSyncAt time.Time `json:"last_sync_at"`
}

// Admission is the rate limiter's verdict on one request.
type Admission struct {
	OK bool
	// RetryAt is when a deferred request becomes admissible.
	RetryAt time.Time
	Reason  string
}

// Limiter enforces the fixed hourly cap and the minimum inter-sync
// interval. High-priority requests bypass the interval but never the cap;
// over-cap requests defer to the next window rather than being dropped.
type Limiter struct {
	coordStore  *coord.Store
	cap         int
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLimiter builds a Limiter over the shared coordination store.
func NewLimiter(coordStore *coord.Store, hourlyCap int, minInterval time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		coordStore:  coordStore,
		cap:         hourlyCap,
		minInterval: minInterval,
		logger:      logger,
		now:         time.Now,
	}
}

// countersLockName guards the read-modify-write cycle on the counters
// record across independent caller processes.
const countersLockName = "ratelimit.lock"

// withCounters runs fn with the current counters under the counters file
// lock, publishing the (possibly mutated) record afterward.
func (l *Limiter) withCounters(ctx context.Context, fn func(c *Counters) error) error {
	flock, err := coord.AcquireFileLock(ctx, l.coordStore.Path(countersLockName))
	if err != nil {
		return err
	}
	defer flock.Release()

	var c Counters

	if _, err := l.coordStore.Load(coord.RateCountersName, &c); err != nil {
		return err
	}

	// A new clock hour resets the window.
	if window := l.now().Format(windowFormat); c.Window != window {
		c.Window = window
		c.Count = 0
	}

	if err := fn(&c); err != nil {
		return err
	}

	return l.coordStore.Publish(coord.RateCountersName, &c)
}

// evaluate applies the cap and interval rules to the current counters.
func (l *Limiter) evaluate(c *Counters, priority store.Priority) Admission {
	now := l.now()

	if c.Count >= l.cap {
		return Admission{
			OK:      false,
			RetryAt: nextWindow(now),
			Reason:  fmt.Sprintf("hourly cap %d reached", l.cap),
		}
	}

	if priority != store.PriorityHigh && !c.LastSyncAt.IsZero() {
		if earliest := c.LastSyncAt.Add(l.minInterval); now.Before(earliest) {
			return Admission{
				OK:      false,
				RetryAt: earliest,
				Reason:  fmt.Sprintf("minimum interval %s not elapsed", l.minInterval),
			}
		}
	}

	return Admission{OK: true}
}

// Admit evaluates a request of the given priority against the cap and the
// minimum interval, and on admission reserves the window slot in the same
// critical section. Two callers racing at one slot below the cap therefore
// yield exactly one admission. A reservation whose sync never starts must
// be returned with Release. Deferral is not an error: the caller
// re-evaluates at RetryAt.
func (l *Limiter) Admit(ctx context.Context, priority store.Priority) (Admission, error) {
	var adm Admission

	err := l.withCounters(ctx, func(c *Counters) error {
		adm = l.evaluate(c, priority)
		if adm.OK {
			c.Count++
		}

		return nil
	})
	if err != nil {
		return Admission{}, err
	}

	if !adm.OK {
		l.logger.Debug("request deferred", "reason", adm.Reason, "retry_at", adm.RetryAt)
	}

	return adm, nil
}

// Check evaluates admissibility without reserving a slot. Callers use it
// to learn when a deferred request becomes admissible.
func (l *Limiter) Check(ctx context.Context, priority store.Priority) (Admission, error) {
	var adm Admission

	err := l.withCounters(ctx, func(c *Counters) error {
		adm = l.evaluate(c, priority)
		return nil
	})
	if err != nil {
		return Admission{}, err
	}

	return adm, nil
}

// Release returns a reserved slot for a sync that never started (lost
// claim, lock timeout). A window rollover since the reservation leaves
// nothing to return; the zero guard covers it.
func (l *Limiter) Release(ctx context.Context) error {
	return l.withCounters(ctx, func(c *Counters) error {
		if c.Count > 0 {
			c.Count--
		}

		return nil
	})
}

// RecordSync stamps the interval clock for an admitted sync that is now
// definitely running. The window slot was already reserved by Admit.
func (l *Limiter) RecordSync(ctx context.Context) error {
	return l.withCounters(ctx, func(c *Counters) error {
		c.LastSyncAt = l.now()

		return nil
	})
}

// Snapshot returns the current counters for status reporting.
func (l *Limiter) Snapshot(ctx context.Context) (Counters, error) {
	var c Counters

	err := l.withCounters(ctx, func(cur *Counters) error {
		c = *cur
		return nil
	})

	return c, err
}

// Cap returns the configured hourly cap.
func (l *Limiter) Cap() int {
	return l.cap
}

// nextWindow returns the start of the next clock-hour window.
func nextWindow(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
