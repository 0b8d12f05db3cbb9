package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), configFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), configFileName), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "origin", cfg.Replica.Remote)
	assert.Equal(t, 12, cfg.Queue.HourlyCap)
	assert.Equal(t, StrategyManual, cfg.Resolver.Strategy)
}

func TestLoad_OverridesLayerOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[workspace]
root = "/srv/workspace"

[replica]
branch = "sync"

[queue]
hourly_cap = 6
min_interval = "10m"

[coordinator]
pause_timeout = "90s"

[resolver]
strategy = "prefer-remote"
`)

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "/srv/workspace", cfg.Workspace.Root)
	assert.Equal(t, "sync", cfg.Replica.Branch)
	assert.Equal(t, 6, cfg.Queue.HourlyCap)
	assert.Equal(t, 10*time.Minute, cfg.Queue.MinInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Coordinator.PauseTimeout.Std())
	assert.Equal(t, StrategyPreferRemote, cfg.Resolver.Strategy)

	// Untouched sections keep their defaults.
	assert.Equal(t, "origin", cfg.Replica.Remote)
	assert.NotEmpty(t, cfg.Classifier.BlockPatterns)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad strategy",
			content: "[resolver]\nstrategy = \"coin-flip\"\n",
			wantErr: "resolver.strategy",
		},
		{
			name:    "zero cap",
			content: "[queue]\nhourly_cap = 0\n",
			wantErr: "hourly_cap",
		},
		{
			name:    "bad pattern",
			content: "[classifier]\nblock_patterns = [\"[unclosed\"]\n",
			wantErr: "pattern",
		},
		{
			name:    "bad duration",
			content: "[coordinator]\nlock_max = \"soon\"\n",
			wantErr: "",
		},
		{
			name:    "bad log level",
			content: "[logging]\nlevel = \"loud\"\n",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, tt.content)

			_, err := Load(path, testLogger())
			require.Error(t, err)

			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEffectivePaths(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Workspace.Root = "/srv/workspace"

	assert.Equal(t, "/srv/workspace/.syncguard", cfg.EffectiveDataDir())
	assert.Equal(t, "/srv/workspace/.syncguard/oplog/operations.jsonl", cfg.EffectiveOpLogPath())

	cfg.Workspace.DataDir = "/var/lib/syncguard"
	assert.Equal(t, "/var/lib/syncguard", cfg.EffectiveDataDir())
	assert.Equal(t, "/var/lib/syncguard/oplog/operations.jsonl", cfg.EffectiveOpLogPath())

	cfg.Logging.OpLog = "/var/log/syncguard.jsonl"
	assert.Equal(t, "/var/log/syncguard.jsonl", cfg.EffectiveOpLogPath())
}

func TestDefaultPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/srv/ws/syncguard.toml", DefaultPath("/srv/ws"))
}

func TestDefaults_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Default().Validate())
}
