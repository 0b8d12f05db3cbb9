package coord

import (
	"context"
	"log/slog"
	"sync"
)

// State is the coordinator's position in the sync lock state machine.
type State string

// Coordinator states, in protocol order.
const (
	StateIdle             State = "idle"
	StateRequested        State = "requested"
	StateAcquired         State = "acquired"
	StatePauseSignaled    State = "pause_signaled"
	StateAutonomousPaused State = "autonomous_paused"
	StateSyncing          State = "syncing"
	StateReleasing        State = "releasing"
)

// Coordinator drives the full mutual-exclusion protocol:
//
//	IDLE → REQUESTED → ACQUIRED → PAUSE_SIGNALED → AUTONOMOUS_PAUSED
//	     → SYNCING → RELEASING → IDLE
//
// Begin walks the left half and hands back a Session; Session.Close walks
// the right half and is safe to call from every exit path, any number of
// times.
type Coordinator struct {
	locks  *LockManager
	pauser *Pauser
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// NewCoordinator wires a Coordinator over the lock manager and pauser.
func NewCoordinator(locks *LockManager, pauser *Pauser, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locks:  locks,
		pauser: pauser,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the current protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("coordinator transition", "from", string(from), "to", string(to))
}

// Session is an acquired sync window. Close releases the pause and lock in
// order and is idempotent; callers defer it immediately after Begin.
type Session struct {
	coord    *Coordinator
	holderID string
	// WriterAcked reports whether the writer acknowledged the pause
	// before the bound expired.
	WriterAcked bool

	closeOnce sync.Once
	closeErr  error
}

// Begin acquires the sync lock, signals the pause, and waits (bounded) for
// writer acknowledgment. On success the coordinator is in SYNCING and the
// returned session must be Closed. On failure everything acquired so far is
// released and the coordinator returns to IDLE.
func (c *Coordinator) Begin(ctx context.Context, holderID, reason string) (*Session, error) {
	c.transition(StateRequested)

	if _, err := c.locks.Acquire(ctx, holderID, reason); err != nil {
		c.transition(StateIdle)
		return nil, err
	}

	c.transition(StateAcquired)

	if err := c.pauser.Signal(holderID, reason); err != nil {
		c.releaseAll(holderID)
		return nil, err
	}

	c.transition(StatePauseSignaled)

	acked, err := c.pauser.WaitForAck(ctx)
	if err != nil {
		c.releaseAll(holderID)
		return nil, err
	}

	// Ack timeout still advances: the pause record stays published, the
	// writer will see it on its next cycle, and the sync must not block
	// indefinitely on an absent or wedged writer.
	c.transition(StateAutonomousPaused)
	c.transition(StateSyncing)

	return &Session{coord: c, holderID: holderID, WriterAcked: acked}, nil
}

// Close lifts the pause and releases the lock. Every exit path (success,
// failure, signal-triggered shutdown) runs through here exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.coord.transition(StateReleasing)
		s.closeErr = s.coord.releaseAll(s.holderID)
	})

	return s.closeErr
}

// releaseAll lifts the pause then releases the lock, returning the first
// error but attempting both, and always lands in IDLE.
func (c *Coordinator) releaseAll(holderID string) error {
	liftErr := c.pauser.Lift()
	releaseErr := c.locks.Release(holderID)

	c.transition(StateIdle)

	if liftErr != nil {
		return liftErr
	}

	return releaseErr
}
