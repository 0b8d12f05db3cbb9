package config

import "time"

// Default bounds for the coordination protocol. LockMax doubles as the
// stale-lock horizon; PauseTimeout is the maximum time the writer can be
// asked to stay out of the way before the sync proceeds regardless.
const (
	defaultLockMax      = 10 * time.Minute
	defaultPauseTimeout = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultWriterCycle  = 5 * time.Minute
)

// Default admission limits.
const (
	defaultHourlyCap       = 12
	defaultMinInterval     = 5 * time.Minute
	defaultMaxAttempts     = 3
	defaultBackoffBase     = 10 * time.Second
	defaultBackoffMax      = 2 * time.Minute
	defaultChangeThreshold = 25
	defaultChangeDebounce  = 2 * time.Minute
	defaultInterval        = 30 * time.Minute
)

// Default classifier bounds.
const (
	defaultLayerTimeout = 50 * time.Millisecond
	defaultWriterWindow = 30 * time.Second
)

// defaultSnapshotKeep is the snapshot retention count.
const defaultSnapshotKeep = 10

// Default operation log rotation caps (lumberjack).
const (
	defaultOpLogMaxSizeMB  = 10
	defaultOpLogMaxBackups = 5
	defaultOpLogMaxAgeDays = 30
)

// defaultFeedListen is the loopback address for the live status feed.
const defaultFeedListen = "127.0.0.1:7328"

// Default returns the built-in configuration. The classifier defaults encode
// the feedback-loop rule table: the writer's own artifact paths are blocked
// up front, obvious user content is allowed, and everything else falls
// through to the deeper layers.
func Default() *Config {
	return &Config{
		Replica: ReplicaConfig{
			Remote:         "origin",
			Branch:         "main",
			CommandTimeout: Duration(2 * time.Minute),
		},
		Classifier: ClassifierConfig{
			BlockPatterns: []string{
				`(^|/)\.syncguard/`,
				`(^|/)state/[^/]+\.json$`,
				`(^|/)memory/[^/]+\.json$`,
				`\.log$`,
				`\.jsonl$`,
			},
			AllowPatterns: []string{
				`\.(md|txt|rst)$`,
				`\.(go|py|rs|ts|js|c|h|sh)$`,
				`(^|/)docs/`,
				`(^|/)src/`,
			},
			LayerTimeout:     Duration(defaultLayerTimeout),
			WriterSignatures: []string{"syncguard-writer", "workspace-agent"},
			EditorSignatures: []string{"vim", "nvim", "emacs", "nano", "code", "bash", "zsh"},
			WriterWindow:     Duration(defaultWriterWindow),
			Volatile: []VolatileRule{
				{Match: "*.json", Fields: []string{
					"updated_at", "last_updated", "timestamp", "checked_at",
					"session_id", "counter", "check_count", "stats",
				}},
			},
		},
		Coordinator: CoordinatorConfig{
			LockMax:      Duration(defaultLockMax),
			PauseTimeout: Duration(defaultPauseTimeout),
			PollInterval: Duration(defaultPollInterval),
			WriterCycle:  Duration(defaultWriterCycle),
		},
		Queue: QueueConfig{
			HourlyCap:       defaultHourlyCap,
			MinInterval:     Duration(defaultMinInterval),
			MaxAttempts:     defaultMaxAttempts,
			BackoffBase:     Duration(defaultBackoffBase),
			BackoffMax:      Duration(defaultBackoffMax),
			ChangeThreshold: defaultChangeThreshold,
			ChangeDebounce:  Duration(defaultChangeDebounce),
			Interval:        Duration(defaultInterval),
		},
		Snapshots: SnapshotsConfig{Keep: defaultSnapshotKeep},
		Resolver:  ResolverConfig{Strategy: StrategyManual},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  defaultOpLogMaxSizeMB,
			MaxBackups: defaultOpLogMaxBackups,
			MaxAgeDays: defaultOpLogMaxAgeDays,
		},
		Feed: FeedConfig{Listen: defaultFeedListen},
	}
}

// Resolver strategy names.
const (
	StrategyManual       = "manual"
	StrategyPreferLocal  = "prefer-local"
	StrategyPreferRemote = "prefer-remote"
)
