package classify

import (
	"fmt"
	"path/filepath"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// rule is one (pattern, verdict) entry in the layer-1 table.
type rule struct {
	pattern *regexp.Regexp
	verdict Verdict
}

// RuleTable is the ordered layer-1 pattern table. Block rules come first,
// then allow rules; the first match wins. An unmatched path is Analyze and
// falls through to layer 2.
type RuleTable struct {
	rules []rule
}

// NewRuleTable compiles the block and allow pattern lists into an ordered
// table. Patterns are anchored however they are written; matching is against
// the slash-separated, NFC-normalized workspace-relative path.
func NewRuleTable(blockPatterns, allowPatterns []string) (*RuleTable, error) {
	t := &RuleTable{rules: make([]rule, 0, len(blockPatterns)+len(allowPatterns))}

	for _, p := range blockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classify: block pattern %q: %w", p, err)
		}

		t.rules = append(t.rules, rule{pattern: re, verdict: Block})
	}

	for _, p := range allowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classify: allow pattern %q: %w", p, err)
		}

		t.rules = append(t.rules, rule{pattern: re, verdict: Allow})
	}

	return t, nil
}

// Match evaluates path against the table. Returns the verdict and the
// matched pattern source, or (Analyze, "") when no rule matches.
func (t *RuleTable) Match(path string) (Verdict, string) {
	normalized := NormalizePath(path)

	for _, r := range t.rules {
		if r.pattern.MatchString(normalized) {
			return r.verdict, r.pattern.String()
		}
	}

	return Analyze, ""
}

// NormalizePath converts a workspace-relative path to the canonical form
// used for rule matching: forward slashes and Unicode NFC. macOS reports
// NFD-decomposed names; normalizing both the rules' input and the events'
// paths keeps the table deterministic across platforms.
func NormalizePath(path string) string {
	return norm.NFC.String(filepath.ToSlash(path))
}
