package classify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/null-runner/syncguard/internal/config"
	"github.com/null-runner/syncguard/internal/proc"
)

// PreviousFunc returns the last-synchronized content of a workspace-relative
// path, or (nil, nil) when no prior version exists. Wired to the replica's
// committed state by the caller.
type PreviousFunc func(ctx context.Context, path string) ([]byte, error)

// WriterClock reports the autonomous writer's most recent write time, when
// known. Wired to the writer's heartbeat record by the caller.
type WriterClock func() (time.Time, bool)

// Classifier runs the three-layer cascade. Layer 1 is synchronous and O(1)
// in the table size; layers 2 and 3 run under the configured hard timeout
// and degrade to allow on expiry or error.
type Classifier struct {
	rules         *RuleTable
	oracle        proc.Oracle
	previous      PreviousFunc
	lastWrite     WriterClock
	workspaceRoot string

	writerSigs   []string
	editorSigs   []string
	writerWindow time.Duration
	timeout      time.Duration
	volatile     []volatileSet

	logger *slog.Logger
}

// Deps are the classifier's injected capabilities. Oracle and Previous may
// be nil; the corresponding layer is then skipped (degrading toward the
// fail-open default).
type Deps struct {
	Oracle        proc.Oracle
	Previous      PreviousFunc
	LastWrite     WriterClock
	WorkspaceRoot string
	Logger        *slog.Logger
}

// New builds a Classifier from configuration. The pattern tables are
// compiled once here; a malformed pattern fails construction.
func New(cfg config.ClassifierConfig, deps Deps) (*Classifier, error) {
	rules, err := NewRuleTable(cfg.BlockPatterns, cfg.AllowPatterns)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	volatile := make([]volatileSet, 0, len(cfg.Volatile))
	for _, v := range cfg.Volatile {
		volatile = append(volatile, volatileSet{match: v.Match, fields: v.Fields})
	}

	return &Classifier{
		rules:         rules,
		oracle:        deps.Oracle,
		previous:      deps.Previous,
		lastWrite:     deps.LastWrite,
		workspaceRoot: deps.WorkspaceRoot,
		writerSigs:    cfg.WriterSignatures,
		editorSigs:    cfg.EditorSignatures,
		writerWindow:  cfg.WriterWindow.Std(),
		timeout:       cfg.LayerTimeout.Std(),
		volatile:      volatile,
		logger:        logger,
	}, nil
}

// Rules exposes the compiled layer-1 table. The conflict resolver reuses
// it to recognize system-artifact paths at merge time.
func (c *Classifier) Rules() *RuleTable {
	return c.rules
}

// Classify labels a single filesystem event. It never returns Analyze:
// an inconclusive cascade ends at the fail-open allow default. The first
// decisive layer wins (1 over 2 over 3).
func (c *Classifier) Classify(ctx context.Context, ev Event) Decision {
	// Layer 1: pattern table. Decisive matches never touch the deeper
	// layers, keeping the hot path O(1).
	if verdict, src := c.rules.Match(ev.Path); verdict != Analyze {
		return c.logged(ev, Decision{
			Verdict: verdict,
			Layer:   1,
			Rule:    src,
			Reason:  "pattern match",
		})
	}

	// Layers 2-3 run under the hard timeout. The inner goroutine may
	// outlive the deadline; its result is then discarded.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan Decision, 1)

	go func() {
		done <- c.classifySlow(ctx, ev)
	}()

	select {
	case d := <-done:
		return c.logged(ev, d)
	case <-ctx.Done():
		return c.logged(ev, failOpen(fmt.Sprintf("classification timeout after %s", c.timeout)))
	}
}

// classifySlow runs layers 2 and 3 in order, stopping at the first
// decisive verdict.
func (c *Classifier) classifySlow(ctx context.Context, ev Event) Decision {
	if d, decisive := c.layer2(ev); decisive {
		return d
	}

	// Content diffing needs content: deletes and moves have none, and an
	// undecided delete must reach the remote rather than be dropped.
	if ev.Op == OpDelete || ev.Op == OpMove {
		return failOpen("no decisive layer for " + string(ev.Op))
	}

	if d, decisive := c.layer3(ctx, ev); decisive {
		return d
	}

	return failOpen("no decisive layer")
}

// layer2 correlates the owning process against the registered signature
// sets. An exited owner is attributed to the writer when the modification
// time falls inside the writer's recent write window.
func (c *Classifier) layer2(ev Event) (Decision, bool) {
	if c.oracle == nil {
		return Decision{}, false
	}

	owners, err := c.oracle.Owners(filepath.Join(c.workspaceRoot, ev.Path))
	if err != nil {
		// Missing capability or permission: skip the layer, never block.
		c.logger.Debug("process correlation unavailable", "path", ev.Path, "error", err)
		return Decision{}, false
	}

	for _, owner := range owners {
		if sig := matchSignature(owner.Cmdline, c.writerSigs); sig != "" {
			return Decision{
				Verdict: Block,
				Layer:   2,
				Rule:    sig,
				Reason:  fmt.Sprintf("owned by writer process %d", owner.PID),
			}, true
		}

		if sig := matchSignature(owner.Cmdline, c.editorSigs); sig != "" {
			return Decision{
				Verdict: Allow,
				Layer:   2,
				Rule:    sig,
				Reason:  fmt.Sprintf("owned by interactive process %d", owner.PID),
			}, true
		}
	}

	// No live owner matched: correlate against the writer's last known
	// write window.
	if len(owners) == 0 && c.lastWrite != nil {
		if last, ok := c.lastWrite(); ok && !ev.ModTime.IsZero() {
			delta := ev.ModTime.Sub(last)
			if delta >= -c.writerWindow && delta <= c.writerWindow {
				return Decision{
					Verdict: Block,
					Layer:   2,
					Reason:  fmt.Sprintf("mtime within writer window (%s of last writer write)", delta),
				}, true
			}
		}
	}

	return Decision{}, false
}

// layer3 diffs current against last-synchronized content with volatile
// fields stripped. Unchanged-after-stripping means the mutation carries no
// semantic change and is writer churn; anything else is user content.
func (c *Classifier) layer3(ctx context.Context, ev Event) (Decision, bool) {
	if c.previous == nil {
		return Decision{}, false
	}

	cur, err := os.ReadFile(filepath.Join(c.workspaceRoot, ev.Path))
	if err != nil {
		c.logger.Debug("content diff unavailable", "path", ev.Path, "error", err)
		return Decision{}, false
	}

	prev, err := c.previous(ctx, ev.Path)
	if err != nil {
		c.logger.Debug("previous content unavailable", "path", ev.Path, "error", err)
		return Decision{}, false
	}

	if prev == nil {
		return Decision{
			Verdict: Allow,
			Layer:   3,
			Reason:  "no previous version",
		}, true
	}

	fields := fieldsFor(c.volatile, ev.Path)

	equal, structured := EqualAfterStripping(prev, cur, fields)
	if !structured {
		// Parse failure: not a structured resource. Fail open rather
		// than guess at unparseable content.
		return Decision{
			Verdict: Allow,
			Layer:   3,
			Reason:  "unstructured content",
		}, true
	}

	if equal {
		return Decision{
			Verdict: Block,
			Layer:   3,
			Reason:  "only volatile fields changed",
		}, true
	}

	return Decision{
		Verdict: Allow,
		Layer:   3,
		Reason:  "semantic content changed",
	}, true
}

// logged records the decision at debug level and returns it unchanged.
func (c *Classifier) logged(ev Event, d Decision) Decision {
	c.logger.Debug("classified",
		"path", ev.Path,
		"op", string(ev.Op),
		"verdict", string(d.Verdict),
		"layer", d.Layer,
		"reason", d.Reason,
	)

	return d
}

// matchSignature returns the first signature substring found in cmdline,
// or "" when none match. Matching is case-insensitive.
func matchSignature(cmdline string, sigs []string) string {
	lower := strings.ToLower(cmdline)

	for _, sig := range sigs {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return sig
		}
	}

	return ""
}
