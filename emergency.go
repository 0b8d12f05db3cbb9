package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/coord"
)

func newEmergencyStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Halt all sync activity immediately",
		Long: `Clear the sync lock and pause records and mark every pending request
rate_limited. Use when the coordination state is wedged: a crashed sync
holding the lock, or a runaway trigger flooding the queue.

A running sync is not killed; its next coordination-store operation will
find its records gone and fail closed. The audit trail is preserved:
cleared requests stay in the database as rate_limited.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmergencyStop(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")

	return cmd
}

func runEmergencyStop(cmd *cobra.Command, force bool) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if !force && !confirm("This clears the sync lock, lifts the writer pause, and empties the queue. Continue? [y/N] ") {
		fmt.Println("Aborted.")
		return nil
	}

	for _, name := range []string{coord.LockRecordName, coord.PauseRecordName, coord.PauseAckName} {
		if err := a.coordStore.Remove(name); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}

	cleared, err := a.db.ClearPending(ctx, "emergency stop")
	if err != nil {
		return err
	}

	logger.Warn("emergency stop executed", "cleared_requests", cleared)
	fmt.Printf("Coordination records cleared; %d pending request(s) marked rate_limited.\n", cleared)

	return nil
}

// confirm reads a yes/no answer from stdin.
func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}
