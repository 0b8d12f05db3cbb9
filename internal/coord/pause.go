package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PauseRecord is the advisory pause signal published for the autonomous
// writer. The writer checks it before every mutating write; an active,
// unexpired record means skip this cycle. ExpiresAt bounds the pause so an
// abandoned record can never starve the writer.
type PauseRecord struct {
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PauseAck is written by the writer when it has observed the pause and
// will sit out its cycle.
type PauseAck struct {
	PID     int       `json:"pid"`
	AckedAt time.Time `json:"acked_at"`
}

// WriterHeartbeat is published by the writer after each completed write
// cycle. The classifier's process-correlation layer uses LastWrite to
// attribute mutations whose owning process has already exited.
type WriterHeartbeat struct {
	PID       int       `json:"pid"`
	LastWrite time.Time `json:"last_write"`
	CycleSeq  int64     `json:"cycle_seq"`
}

// Pauser publishes and lifts pause signals and waits for writer
// acknowledgment.
type Pauser struct {
	store        *Store
	pauseTimeout time.Duration
	writerCycle  time.Duration
	poll         time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewPauser builds a Pauser with the configured bounds.
func NewPauser(store *Store, pauseTimeout, writerCycle, poll time.Duration, logger *slog.Logger) *Pauser {
	return &Pauser{
		store:        store,
		pauseTimeout: pauseTimeout,
		writerCycle:  writerCycle,
		poll:         poll,
		logger:       logger,
		now:          time.Now,
	}
}

// Signal publishes the pause record. Any previous ack is cleared first so a
// stale ack from an earlier pause cannot satisfy this one.
func (p *Pauser) Signal(requestedBy, reason string) error {
	if err := p.store.Remove(PauseAckName); err != nil {
		return err
	}

	rec := &PauseRecord{
		Reason:      reason,
		RequestedBy: requestedBy,
		RequestedAt: p.now(),
		// The expiry covers the ack wait plus one full writer cycle, the
		// longest the writer can legitimately be asked to stay away.
		ExpiresAt: p.now().Add(p.pauseTimeout + p.writerCycle),
	}

	if err := p.store.Publish(PauseRecordName, rec); err != nil {
		return err
	}

	p.logger.Info("pause signaled", "reason", reason, "expires_at", rec.ExpiresAt)

	return nil
}

// WaitForAck polls for the writer's acknowledgment up to the pause timeout.
// Returns true when acknowledged. On timeout it returns false with a nil
// error: the coordinator proceeds anyway, logged as a warning. The pause
// protocol is advisory and must never block a sync indefinitely.
func (p *Pauser) WaitForAck(ctx context.Context) (bool, error) {
	deadline := p.now().Add(p.pauseTimeout)

	for {
		var ack PauseAck

		found, err := p.store.Load(PauseAckName, &ack)
		if err != nil {
			return false, err
		}

		if found {
			p.logger.Debug("writer acknowledged pause", "writer_pid", ack.PID)
			return true, nil
		}

		if !p.now().Before(deadline) {
			p.logger.Warn("writer did not acknowledge pause, proceeding",
				"waited", p.pauseTimeout)

			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("coord: pause wait canceled: %w", ctx.Err())
		case <-time.After(p.poll):
		}
	}
}

// Lift removes the pause record and any ack. Idempotent.
func (p *Pauser) Lift() error {
	if err := p.store.Remove(PauseRecordName); err != nil {
		return err
	}

	if err := p.store.Remove(PauseAckName); err != nil {
		return err
	}

	p.logger.Debug("pause lifted")

	return nil
}

// Current returns the active pause record if one exists and has not
// expired. An expired record is reported as absent (but left on disk for
// the owner's Lift to clean up).
func (p *Pauser) Current() (*PauseRecord, bool, error) {
	var rec PauseRecord

	found, err := p.store.Load(PauseRecordName, &rec)
	if err != nil || !found {
		return nil, false, err
	}

	if p.now().After(rec.ExpiresAt) {
		return nil, false, nil
	}

	return &rec, true, nil
}
