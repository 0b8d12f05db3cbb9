package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/null-runner/syncguard/internal/classify"
)

func newClassifyCmd() *cobra.Command {
	var op string

	cmd := &cobra.Command{
		Use:   "classify <path>",
		Short: "Classify a single path and explain the decision",
		Long: `Run the three-layer classifier against a workspace path and print the
verdict, the deciding layer, and the reason. Useful for debugging pattern
tables and volatile-field rules without waiting for a real event.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, args[0], op)
		},
	}

	cmd.Flags().StringVar(&op, "op", "modify", "event kind: create, modify, delete, move")

	return cmd
}

func runClassify(cmd *cobra.Command, path, op string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.close()

	rel := path
	if filepath.IsAbs(path) {
		rel, err = filepath.Rel(a.cfg.Workspace.Root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("%s is outside the workspace", path)
		}
	}

	ev := classify.Event{
		Path:    classify.NormalizePath(rel),
		Op:      classify.Op(op),
		ModTime: time.Now(),
	}

	if info, statErr := os.Stat(filepath.Join(a.cfg.Workspace.Root, rel)); statErr == nil {
		ev.ModTime = info.ModTime()
	}

	decision := a.classifier.Classify(ctx, ev)

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(struct {
			Path    string `json:"path"`
			Verdict string `json:"verdict"`
			Layer   int    `json:"layer"`
			Rule    string `json:"rule,omitempty"`
			Reason  string `json:"reason"`
		}{ev.Path, string(decision.Verdict), decision.Layer, decision.Rule, decision.Reason})
	}

	fmt.Printf("%s: %s (layer %d", ev.Path, decision.Verdict, decision.Layer)

	if decision.Rule != "" {
		fmt.Printf(", rule %q", decision.Rule)
	}

	fmt.Printf("): %s\n", decision.Reason)

	return nil
}
