// Package classify implements the three-layer change classifier that decides
// whether a filesystem mutation originated from the autonomous writer
// (blocked from sync, breaking the feedback loop) or from a user or external
// actor (allowed into sync). Layer 1 is an ordered pattern table, layer 2
// correlates the owning process, layer 3 diffs content after stripping
// volatile fields. Layers 2 and 3 run under a hard timeout and every error
// path fails open to allow: delayed sync of writer churn is recoverable,
// silently dropped user data is not.
package classify

import "time"

// Op is the kind of filesystem mutation observed.
type Op string

// Filesystem mutation kinds.
const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	OpMove   Op = "move"
)

// Event is a single observed filesystem mutation. Events are ephemeral:
// they are consumed once by Classify and only the resulting Decision is
// logged.
type Event struct {
	// Path is relative to the workspace root.
	Path string
	Op   Op
	// ModTime is the mutation timestamp as observed.
	ModTime time.Time
	// PID is an optional originating-process hint (0 = unknown).
	PID int
}

// Verdict is the classification outcome for an event.
type Verdict string

// Classification outcomes. Analyze is only ever an inter-layer result;
// Classify itself always returns Allow or Block.
const (
	Allow   Verdict = "allow"
	Block   Verdict = "block"
	Analyze Verdict = "analyze"
)

// Decision is the classifier's verdict together with which layer decided
// and why. Deterministic for a fixed (path, content, process-table) input.
type Decision struct {
	Verdict Verdict
	// Layer is 1, 2, or 3 for a decisive layer, 0 for the fail-open
	// default (no layer was decisive or an error/timeout degraded the
	// call).
	Layer  int
	Rule   string
	Reason string
}

// failOpen builds the degraded-to-allow decision used on timeout and
// internal error. Logged as expected conservative behavior, not a fault.
func failOpen(reason string) Decision {
	return Decision{Verdict: Allow, Layer: 0, Reason: reason}
}
