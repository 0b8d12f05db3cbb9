package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/null-runner/syncguard/internal/proc"
)

// ErrLockTimeout is returned when the sync lock could not be acquired
// within the configured bound.
var ErrLockTimeout = errors.New("coord: lock acquisition timed out")

// LockRecord is the on-disk sync lock. At most one unexpired record exists
// at any instant; the exclusive create in Store.CreateExclusive enforces it.
type LockRecord struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason"`
}

// LockManager acquires and releases the sync lock with stale-holder
// recovery. now is injectable for tests.
type LockManager struct {
	store   *Store
	oracle  proc.Oracle
	lockMax time.Duration
	poll    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewLockManager builds a LockManager. oracle is used for holder liveness
// checks during stale-lock recovery.
func NewLockManager(store *Store, oracle proc.Oracle, lockMax, poll time.Duration, logger *slog.Logger) *LockManager {
	return &LockManager{
		store:   store,
		oracle:  oracle,
		lockMax: lockMax,
		poll:    poll,
		logger:  logger,
		now:     time.Now,
	}
}

// Acquire obtains the sync lock for holderID, waiting up to lockMax.
// The loop: try the exclusive create; on contention, reclaim the existing
// record if its holder is dead or the record has outlived lockMax; otherwise
// back off one poll interval and retry. ErrLockTimeout on bound expiry.
func (m *LockManager) Acquire(ctx context.Context, holderID, reason string) (*LockRecord, error) {
	deadline := m.now().Add(m.lockMax)

	for {
		rec, err := m.tryAcquire(holderID, reason)
		if err == nil {
			m.logger.Info("sync lock acquired", "holder", holderID, "pid", rec.PID)
			return rec, nil
		}

		if !errors.Is(err, ErrRecordExists) {
			return nil, err
		}

		if reclaimed, reclaimErr := m.reclaimStale(ctx); reclaimErr != nil {
			return nil, reclaimErr
		} else if reclaimed {
			continue // immediately retry the exclusive create
		}

		if m.now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrLockTimeout, m.lockMax)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("coord: lock wait canceled: %w", ctx.Err())
		case <-time.After(m.poll):
		}
	}
}

// tryAcquire attempts the atomic exclusive create of the lock record.
func (m *LockManager) tryAcquire(holderID, reason string) (*LockRecord, error) {
	hostname, _ := os.Hostname()

	rec := &LockRecord{
		HolderID:   holderID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: m.now(),
		ExpiresAt:  m.now().Add(m.lockMax),
		Reason:     reason,
	}

	if err := m.store.CreateExclusive(LockRecordName, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// reclaimLockName guards stale-lock removal. Two waiters can both judge
// the same record stale; without serialization the slower remove would
// delete the lock the faster waiter just re-created.
const reclaimLockName = "reclaim.lock"

// reclaimStale removes the existing lock record if its holder is provably
// gone: the holder PID is dead, or the record is older than the lock
// horizon (covering holders on other hosts, where liveness cannot be
// checked). The removal happens under an advisory flock and only after
// re-verifying that the record on disk is still the one judged stale, so
// a freshly re-created lock is never deleted out from under its holder.
// Reports whether a reclaim happened.
func (m *LockManager) reclaimStale(ctx context.Context) (bool, error) {
	var observed LockRecord

	found, err := m.store.Load(LockRecordName, &observed)
	if err != nil || !found {
		// A vanished record means the holder released between our create
		// attempt and this check; the caller just retries.
		return found, err
	}

	hostname, _ := os.Hostname()
	sameHost := observed.Hostname == hostname

	holderDead := sameHost && m.oracle != nil && !m.oracle.Alive(observed.PID)
	expired := m.now().After(observed.AcquiredAt.Add(m.lockMax))

	if !holderDead && !expired {
		return false, nil
	}

	flock, err := AcquireFileLock(ctx, m.store.Path(reclaimLockName))
	if err != nil {
		return false, fmt.Errorf("coord: reclaim serialization: %w", err)
	}
	defer flock.Release()

	var current LockRecord

	found, err = m.store.Load(LockRecordName, &current)
	if err != nil {
		return false, err
	}

	if !found {
		// Another waiter reclaimed the stale record first. Let the caller
		// race for the exclusive create.
		return true, nil
	}

	if current.HolderID != observed.HolderID || !current.AcquiredAt.Equal(observed.AcquiredAt) {
		// The stale record was already reclaimed and a new holder created
		// this one. It is live; do not touch it.
		return false, nil
	}

	m.logger.Warn("reclaiming stale sync lock",
		"holder", observed.HolderID,
		"pid", observed.PID,
		"acquired_at", observed.AcquiredAt,
		"holder_dead", holderDead,
		"expired", expired,
	)

	if err := m.store.Remove(LockRecordName); err != nil {
		return false, err
	}

	return true, nil
}

// Release removes the lock record. Idempotent: releasing an already
// released lock is a no-op, so every exit path may call it.
func (m *LockManager) Release(holderID string) error {
	var existing LockRecord

	found, err := m.store.Load(LockRecordName, &existing)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if existing.HolderID != holderID {
		// Someone reclaimed our stale lock and took it over. Removing
		// their record would break mutual exclusion.
		m.logger.Warn("skipping release of lock held by another",
			"holder", existing.HolderID, "us", holderID)

		return nil
	}

	if err := m.store.Remove(LockRecordName); err != nil {
		return err
	}

	m.logger.Info("sync lock released", "holder", holderID)

	return nil
}

// Current returns the active lock record, if any.
func (m *LockManager) Current() (*LockRecord, bool, error) {
	var rec LockRecord

	found, err := m.store.Load(LockRecordName, &rec)
	if err != nil || !found {
		return nil, false, err
	}

	return &rec, true, nil
}
