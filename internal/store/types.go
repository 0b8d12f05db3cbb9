package store

import "time"

// Priority is the request priority class. Lower values admit first.
type Priority int

// Priority classes, in admission order.
const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the priority name for display and logging.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Request statuses. pending and running are in-flight; the rest are
// terminal.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusRateLimited = "rate_limited"
	StatusSuperseded  = "superseded"
)

// Request types.
const (
	TypeSync = "sync"
	TypePull = "pull"
	TypePush = "push"
)

// Request is a durable sync request row. The queue survives coordinator
// restarts; pending rows are re-admitted on startup.
type Request struct {
	ID         string
	Caller     string
	Type       string
	Priority   Priority
	DedupKey   string
	Reason     string
	Status     string
	Attempts   int
	SnapshotID string
	Error      string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// SnapshotRow is the metadata row for a snapshot; the diff blob and
// untracked copies live on disk at the recorded paths.
type SnapshotRow struct {
	ID           string
	BaseRevision string
	DiffPath     string
	UntrackedDir string
	FileCount    int
	Reason       string
	CreatedAt    time.Time
}

// Result is one terminal sync outcome, retained for status reporting.
type Result struct {
	ID             int64
	RequestID      string
	Status         string
	Detail         string
	LocalRevision  string
	RemoteRevision string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Conflict outcomes.
const (
	OutcomeMerged         = "merged"
	OutcomeNeedsAttention = "needs_attention"
	OutcomeResolved       = "resolved"
)

// Conflict is a recorded conflict resolution. Outcome needs_attention rows
// are the halted, explicitly flagged terminal states awaiting a human.
type Conflict struct {
	ID             string
	RequestID      string
	Path           string
	LocalRevision  string
	RemoteRevision string
	Strategy       string
	Outcome        string
	// RemoteCopy is the on-disk sibling file preserving the remote version
	// when both sides were kept for a human to reconcile.
	RemoteCopy string
	DetectedAt time.Time
	ResolvedAt *time.Time
}
