package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List and restore workspace snapshots",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotsList,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotsList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <id>",
		Short: "Restore the workspace to a snapshot",
		Long: `Reset the working tree and history to exactly the recorded snapshot
state. Restoring is idempotent: repeated restores of the same snapshot
converge to the same result. Stop the watch daemon first.`,
		Args: cobra.ExactArgs(1),
		RunE: runSnapshotsRestore,
	})

	return cmd
}

func newCleanupSnapshotsCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "cleanup-snapshots",
		Short: "Prune old snapshots beyond the retention count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCleanupSnapshots(cmd, keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", -1, "snapshots to retain (default: configured keep count)")

	return cmd
}

func runSnapshotsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := a.db.ListSnapshots(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}

	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		table = append(table, []string{
			shortID(row.ID),
			row.BaseRevision[:min(12, len(row.BaseRevision))],
			fmt.Sprintf("%d", row.FileCount),
			formatTime(row.CreatedAt),
			truncate(row.Reason, 40),
		})
	}

	printTable(os.Stdout, []string{"ID", "BASE", "FILES", "CREATED", "REASON"}, table)

	return nil
}

func runSnapshotsRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if pid := daemonPID(a.pidFilePath()); pid != 0 {
		return fmt.Errorf("watch daemon is running (pid %d); stop it before restoring", pid)
	}

	id, err := resolveSnapshotID(cmd, a, args[0])
	if err != nil {
		return err
	}

	if err := a.snapshots.Restore(ctx, id); err != nil {
		return err
	}

	fmt.Printf("Workspace restored to snapshot %s.\n", shortID(id))

	return nil
}

// resolveSnapshotID accepts a full snapshot id or an unambiguous prefix.
func resolveSnapshotID(cmd *cobra.Command, a *app, arg string) (string, error) {
	rows, err := a.db.ListSnapshots(cmd.Context())
	if err != nil {
		return "", err
	}

	var match string

	for _, row := range rows {
		if row.ID == arg {
			return arg, nil
		}

		if len(arg) >= 4 && len(row.ID) >= len(arg) && row.ID[:len(arg)] == arg {
			if match != "" {
				return "", fmt.Errorf("snapshot id %q is ambiguous", arg)
			}

			match = row.ID
		}
	}

	if match == "" {
		return "", fmt.Errorf("no snapshot matches %q", arg)
	}

	return match, nil
}

func runCleanupSnapshots(cmd *cobra.Command, keep int) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.close()

	if keep < 0 {
		keep = a.cfg.Snapshots.Keep
	}

	pruned, err := a.snapshots.Prune(ctx, keep)
	if err != nil {
		return err
	}

	fmt.Printf("Pruned %d snapshot(s), keeping the newest %d.\n", pruned, keep)

	return nil
}
