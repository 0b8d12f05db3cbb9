// Package config implements TOML configuration loading, validation, and
// path resolution for syncguard. It supports a two-layer override chain
// (defaults -> config file), with a handful of CLI flags overriding
// individual fields at the command layer.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Workspace   WorkspaceConfig   `toml:"workspace"`
	Replica     ReplicaConfig     `toml:"replica"`
	Classifier  ClassifierConfig  `toml:"classifier"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Queue       QueueConfig       `toml:"queue"`
	Snapshots   SnapshotsConfig   `toml:"snapshots"`
	Resolver    ResolverConfig    `toml:"resolver"`
	Logging     LoggingConfig     `toml:"logging"`
	Feed        FeedConfig        `toml:"feed"`
}

// WorkspaceConfig locates the synchronized tree and syncguard's own state.
type WorkspaceConfig struct {
	// Root is the workspace directory being synchronized.
	Root string `toml:"root"`
	// DataDir holds syncguard state: coordination records, snapshots,
	// the state database, and the operation log. Defaults to
	// <root>/.syncguard.
	DataDir string `toml:"data_dir"`
}

// ReplicaConfig describes the remote replica the workspace synchronizes
// against. The replica is a git remote driven through the git CLI; its
// transport and auth mechanics are out of scope here.
type ReplicaConfig struct {
	Remote         string   `toml:"remote"`
	Branch         string   `toml:"branch"`
	CommandTimeout Duration `toml:"command_timeout"`
}

// VolatileRule names the fields stripped before content diffing for
// resources whose path matches the glob. Fields are dotted JSON paths.
type VolatileRule struct {
	Match  string   `toml:"match"`
	Fields []string `toml:"fields"`
}

// ClassifierConfig controls the three-layer change classifier.
type ClassifierConfig struct {
	// BlockPatterns and AllowPatterns are ordered regex tables for layer 1.
	// Block rules are evaluated before allow rules; within each table the
	// first match wins.
	BlockPatterns []string `toml:"block_patterns"`
	AllowPatterns []string `toml:"allow_patterns"`

	// LayerTimeout bounds layers 2 and 3 combined. On expiry the
	// classifier fails open to allow.
	LayerTimeout Duration `toml:"layer_timeout"`

	// WriterSignatures and EditorSignatures are substrings matched against
	// the command line of the process owning a changed file (layer 2).
	WriterSignatures []string `toml:"writer_signatures"`
	EditorSignatures []string `toml:"editor_signatures"`

	// WriterWindow is how far back a modification time may trail the
	// autonomous writer's last recorded write and still be attributed to it
	// when the owning process has already exited.
	WriterWindow Duration `toml:"writer_window"`

	// Volatile lists per-resource-type volatile field sets for layer 3.
	Volatile []VolatileRule `toml:"volatile"`
}

// CoordinatorConfig bounds the lock and pause protocol.
type CoordinatorConfig struct {
	// LockMax is both the acquisition wait bound and the staleness horizon
	// for reclaiming a dead holder's lock record.
	LockMax Duration `toml:"lock_max"`
	// PauseTimeout bounds the wait for writer acknowledgment of a pause
	// signal. On expiry the coordinator proceeds with a logged warning.
	PauseTimeout Duration `toml:"pause_timeout"`
	// PollInterval is the base interval for lock and pause polling.
	PollInterval Duration `toml:"poll_interval"`
	// WriterCycle is the autonomous writer's cadence; pause records expire
	// after PauseTimeout plus one cycle so an abandoned pause can never
	// starve the writer.
	WriterCycle Duration `toml:"writer_cycle"`
}

// QueueConfig controls request admission and rate limiting.
type QueueConfig struct {
	// HourlyCap is the fixed per-clock-hour sync cap. High-priority
	// requests bypass MinInterval but still count against the cap.
	HourlyCap int `toml:"hourly_cap"`
	// MinInterval is the minimum spacing between consecutive syncs.
	MinInterval Duration `toml:"min_interval"`
	// MaxAttempts bounds transient-failure retries per request.
	MaxAttempts int `toml:"max_attempts"`
	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase Duration `toml:"backoff_base"`
	BackoffMax  Duration `toml:"backoff_max"`
	// ChangeThreshold and ChangeDebounce drive the watch daemon's change
	// trigger: enqueue after this many allowed changes, or after the
	// debounce interval has passed since the first pending change,
	// whichever comes first.
	ChangeThreshold int      `toml:"change_threshold"`
	ChangeDebounce  Duration `toml:"change_debounce"`
	// Interval is the scheduled-timer trigger period for the watch daemon.
	Interval Duration `toml:"interval"`
}

// SnapshotsConfig controls snapshot retention.
type SnapshotsConfig struct {
	Keep int `toml:"keep"`
}

// ResolverConfig selects the merge-conflict strategy.
type ResolverConfig struct {
	// Strategy is one of "manual", "prefer-local", "prefer-remote".
	Strategy string `toml:"strategy"`
}

// LoggingConfig controls diagnostic logging and the operation log.
type LoggingConfig struct {
	Level string `toml:"level"`
	// OpLog is the append-only operation log path. Empty means
	// <data_dir>/oplog/operations.jsonl.
	OpLog      string `toml:"oplog"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// FeedConfig controls the local live status feed served by the watch daemon.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Duration is a time.Duration that unmarshals from TOML strings like "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalText implements encoding.TextMarshaler for config display.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
