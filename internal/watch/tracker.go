package watch

import (
	"sync"
	"time"
)

// changeTracker accumulates allowed changes into a single sync trigger:
// it fires after threshold changes, or after the debounce interval has
// passed since the first pending change, whichever comes first.
type changeTracker struct {
	threshold int
	debounce  time.Duration

	// fire receives one value per trigger.
	fire chan struct{}

	mu    sync.Mutex
	count int
	timer *time.Timer
}

func newChangeTracker(threshold int, debounce time.Duration) *changeTracker {
	return &changeTracker{
		threshold: threshold,
		debounce:  debounce,
		fire:      make(chan struct{}, 1),
	}
}

// note records one allowed change, arming the debounce timer on the first
// and firing immediately at the threshold.
func (t *changeTracker) note() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++

	if t.count == 1 && t.debounce > 0 {
		t.timer = time.AfterFunc(t.debounce, t.signal)
	}

	if t.threshold > 0 && t.count >= t.threshold {
		t.signal()
	}
}

// signal requests a trigger without blocking; a trigger already pending
// absorbs it.
func (t *changeTracker) signal() {
	select {
	case t.fire <- struct{}{}:
	default:
	}
}

// reset clears the pending count after a trigger is consumed, returning
// the number of changes it covered.
func (t *changeTracker) reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.count
	t.count = 0

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	return n
}

// stop releases the debounce timer.
func (t *changeTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
