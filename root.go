package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagWorkspace  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE, available to every subcommand afterward.
var resolvedCfg *config.Config

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncguard",
		Short:   "Workspace sync coordinator",
		Long: `syncguard synchronizes a workspace against its remote replica while an
autonomous background writer keeps mutating it. Every filesystem change is
classified by origin before it may sync, the writer is paused for the
duration of each sync window, and a snapshot taken before each sync makes
every operation reversible.`,
		Version: version,
		// Cobra's default error/usage printing is silenced; errors are
		// handled in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace root directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newForceSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newEmergencyStopCmd())
	cmd.AddCommand(newSnapshotsCmd())
	cmd.AddCommand(newCleanupSnapshotsCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newClassifyCmd())

	return cmd
}

// loadConfig resolves the effective configuration: defaults, then the
// config file, then individual flag overrides.
func loadConfig() error {
	workspace := flagWorkspace
	if workspace == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspace = cwd
		}
	}

	path := flagConfigPath
	if path == "" {
		path = config.DefaultPath(workspace)
	}

	cfg, err := config.Load(path, buildLogger())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = workspace
	}

	if flagWorkspace != "" {
		cfg.Workspace.Root = flagWorkspace
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger from the config file's level with
// --verbose and --quiet overriding it, CLI flags always winning.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
