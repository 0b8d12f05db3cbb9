package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultTestTable(t *testing.T) *RuleTable {
	t.Helper()

	table, err := NewRuleTable(
		[]string{`(^|/)\.syncguard/`, `state/[^/]+\.json$`, `\.log$`, `\.jsonl$`},
		[]string{`\.md$`, `(^|/)src/`},
	)
	require.NoError(t, err)

	return table
}

func TestRuleTable_Match(t *testing.T) {
	t.Parallel()

	table := defaultTestTable(t)

	tests := []struct {
		name    string
		path    string
		verdict Verdict
	}{
		{"data dir", ".syncguard/coordination/sync.lock", Block},
		{"nested data dir", "sub/.syncguard/state.db", Block},
		{"state artifact", "state/session.json", Block},
		{"log file", "daemon.log", Block},
		{"jsonl oplog", "memory/events.jsonl", Block},
		{"markdown doc", "notes/plan.md", Allow},
		{"source file", "src/main.go", Allow},
		{"unmatched", "data/config.yaml", Analyze},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			verdict, _ := table.Match(tt.path)
			assert.Equal(t, tt.verdict, verdict)
		})
	}
}

func TestRuleTable_BlockBeforeAllow(t *testing.T) {
	t.Parallel()

	// A path matching both tables must take the block rule.
	table, err := NewRuleTable([]string{`\.json$`}, []string{`state/`})
	require.NoError(t, err)

	verdict, rule := table.Match("state/config.json")
	assert.Equal(t, Block, verdict)
	assert.Equal(t, `\.json$`, rule)
}

func TestRuleTable_BadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewRuleTable([]string{`([`}, nil)
	assert.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	// NFD-decomposed "é" normalizes to the NFC composed form.
	decomposed := "notes/café.md"
	composed := "notes/café.md"

	assert.Equal(t, composed, NormalizePath(decomposed))
}
