package main

import (
	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/feed"
	"github.com/null-runner/syncguard/internal/watch"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the watch daemon",
		Long: `Watch the workspace continuously: classify every filesystem change,
accumulate allowed changes into sync triggers, run scheduled syncs, and
serve the live status feed. One daemon per workspace; a PID file lock
prevents a second instance.

The daemon attempts one final sync on SIGINT/SIGTERM so changes made
during the session are not stranded.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := newApp(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	cleanup, err := writePIDFile(a.pidFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	var feedServer *feed.Server
	if a.cfg.Feed.Enabled {
		feedServer = feed.NewServer(logger)
	}

	daemon := watch.New(a.cfg, a.classifier, a.queue, a.executor, a.snapshots,
		a.ops, feedServer, logger)

	if stdoutIsTTY() {
		statusf("watching %s (pid file %s)\n", a.cfg.Workspace.Root, a.pidFilePath())
	}

	ctx := shutdownContext(cmd.Context(), logger)

	return daemon.Run(ctx)
}
