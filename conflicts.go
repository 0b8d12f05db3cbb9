package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts awaiting attention",
		Args:  cobra.NoArgs,
		RunE:  runConflictsList,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting attention",
		Args:  cobra.NoArgs,
		RunE:  runConflictsList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a conflict resolved",
		Long: `Mark a needs-attention conflict resolved after you have reconciled the
two versions yourself. The local version is at the original path and the
remote version at the preserved copy path shown by 'conflicts list';
syncguard never merges them for you.`,
		Args: cobra.ExactArgs(1),
		RunE: runConflictsResolve,
	})

	return cmd
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.close()

	conflicts, err := a.db.ListUnresolvedConflicts(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Println("No conflicts awaiting attention.")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			shortID(c.ID),
			c.Path,
			c.RemoteCopy,
			formatAge(c.DetectedAt),
		})
	}

	printTable(os.Stdout, []string{"ID", "PATH", "REMOTE COPY", "DETECTED"}, rows)

	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := resolveConflictID(cmd, a, args[0])
	if err != nil {
		return err
	}

	ok, err := a.db.MarkConflictResolved(ctx, id)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("conflict %s is not awaiting attention", args[0])
	}

	fmt.Printf("Conflict %s marked resolved.\n", shortID(id))

	return nil
}

// resolveConflictID accepts a full conflict id or an unambiguous prefix.
func resolveConflictID(cmd *cobra.Command, a *app, arg string) (string, error) {
	conflicts, err := a.db.ListUnresolvedConflicts(cmd.Context())
	if err != nil {
		return "", err
	}

	var match string

	for _, c := range conflicts {
		if c.ID == arg {
			return arg, nil
		}

		if len(arg) >= 4 && len(c.ID) >= len(arg) && c.ID[:len(arg)] == arg {
			if match != "" {
				return "", fmt.Errorf("conflict id %q is ambiguous", arg)
			}

			match = c.ID
		}
	}

	if match == "" {
		return "", fmt.Errorf("no unresolved conflict matches %q", arg)
	}

	return match, nil
}
