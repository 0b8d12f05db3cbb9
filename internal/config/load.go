package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// configFileName is the default config file basename looked up inside the
// workspace root.
const configFileName = "syncguard.toml"

// Load reads the config file at path, layered over Default(). A missing file
// is not an error: the defaults are returned as-is (the caller may still be
// pointed at a workspace via flags).
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no config file, using defaults", "path", path)
			return cfg, nil
		}

		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for _, key := range meta.Undecoded() {
		logger.Warn("unknown config key", "key", key.String(), "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger.Debug("config loaded", "path", path)

	return cfg, nil
}

// DefaultPath returns the conventional config file location for a workspace
// root: <root>/syncguard.toml.
func DefaultPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, configFileName)
}

// EffectiveDataDir resolves the data directory, defaulting to
// <root>/.syncguard when unset.
func (c *Config) EffectiveDataDir() string {
	if c.Workspace.DataDir != "" {
		return c.Workspace.DataDir
	}

	return filepath.Join(c.Workspace.Root, ".syncguard")
}

// EffectiveOpLogPath resolves the operation log path, defaulting to
// <data_dir>/oplog/operations.jsonl.
func (c *Config) EffectiveOpLogPath() string {
	if c.Logging.OpLog != "" {
		return c.Logging.OpLog
	}

	return filepath.Join(c.EffectiveDataDir(), "oplog", "operations.jsonl")
}

// EnsureDataDir creates the data directory tree if absent.
func (c *Config) EnsureDataDir() error {
	dir := c.EffectiveDataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", dir, err)
	}

	return nil
}
