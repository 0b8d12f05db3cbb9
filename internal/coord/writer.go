package coord

import (
	"log/slog"
	"os"
	"time"
)

// WriterGate is the autonomous writer's side of the pause protocol. The
// writer embeds it and calls ShouldSkipCycle before every mutating write
// cycle and Heartbeat after every completed one. The gate never holds any
// lock: on an active pause the writer skips (not blocks) the cycle and
// stays externally live.
type WriterGate struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
	seq    int64
}

// NewWriterGate builds a gate over the shared coordination store.
func NewWriterGate(store *Store, logger *slog.Logger) *WriterGate {
	return &WriterGate{store: store, logger: logger, now: time.Now}
}

// ShouldSkipCycle checks the pause record. On an active, unexpired pause it
// writes the acknowledgment and reports true; the writer defers its work to
// the next cycle. Read errors report false: a broken coordination store
// must not stop the writer's own work.
func (g *WriterGate) ShouldSkipCycle() bool {
	var rec PauseRecord

	found, err := g.store.Load(PauseRecordName, &rec)
	if err != nil {
		g.logger.Warn("pause record unreadable, continuing cycle", "error", err)
		return false
	}

	if !found || g.now().After(rec.ExpiresAt) {
		return false
	}

	ack := &PauseAck{PID: os.Getpid(), AckedAt: g.now()}
	if err := g.store.Publish(PauseAckName, ack); err != nil {
		g.logger.Warn("could not write pause ack", "error", err)
	}

	g.logger.Info("pause active, skipping write cycle",
		"reason", rec.Reason, "expires_at", rec.ExpiresAt)

	return true
}

// Heartbeat publishes the writer's last-write record after a completed
// cycle.
func (g *WriterGate) Heartbeat() error {
	g.seq++

	return g.store.Publish(WriterHeartbeatName, &WriterHeartbeat{
		PID:       os.Getpid(),
		LastWrite: g.now(),
		CycleSeq:  g.seq,
	})
}

// LastWriterWrite reads the most recent writer heartbeat from the store.
// Shaped to plug directly into the classifier's WriterClock dependency.
func LastWriterWrite(store *Store) func() (time.Time, bool) {
	return func() (time.Time, bool) {
		var hb WriterHeartbeat

		found, err := store.Load(WriterHeartbeatName, &hb)
		if err != nil || !found {
			return time.Time{}, false
		}

		return hb.LastWrite, true
	}
}
