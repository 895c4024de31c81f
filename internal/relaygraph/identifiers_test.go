package relaygraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyIDRuleCanonical(t *testing.T) {
	t.Parallel()
	rule := DefaultLegacyIDRules[0]
	require.NoError(t, rule.compile())

	cases := map[string]string{
		"ADR-7":    "ADR-007",
		"adr_07":   "ADR-007",
		"ADR 0042": "ADR-042",
		"adr1234":  "ADR-1234",
		"ADR-000":  "ADR-000",
		"ADR-007":  "ADR-007",
	}
	for in, want := range cases {
		got, ok := rule.Canonical(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)

		again, ok := rule.Canonical(got)
		require.True(t, ok)
		assert.Equal(t, got, again, "canonical form must be a fixed point")
	}

	_, ok := rule.Canonical("REQ-7")
	assert.False(t, ok)
	_, ok = rule.Canonical("ADR-7-extra")
	assert.False(t, ok)

	_, rewrite := rule.NeedsRewrite("ADR-007")
	assert.False(t, rewrite)
	canonical, rewrite := rule.NeedsRewrite("adr-7")
	assert.True(t, rewrite)
	assert.Equal(t, "ADR-007", canonical)
}

func TestCompositeRulePairs(t *testing.T) {
	t.Parallel()
	rule := DefaultCompositeRules[0]
	require.NoError(t, rule.compile())

	assert.True(t, rule.Pairs("EPIC-7", "EPIC-7-details"))
	assert.True(t, rule.Pairs("EPIC-7", "EPIC-7-x"))
	assert.False(t, rule.Pairs("EPIC-7", "EPIC-70-x"))
	assert.False(t, rule.Pairs("EPIC-7", "EPIC-7"))
	assert.False(t, rule.Pairs("EPIC-7-a", "EPIC-7-a-b"), "short side must itself be a short id")
	assert.False(t, rule.Pairs("STORY-7", "STORY-7-x"))
}

func TestRulesCompileRejectsDuplicateActions(t *testing.T) {
	t.Parallel()
	rules := DefaultRules()
	rules.Simple = append(rules.Simple, SimpleRule{Type: "Task", Action: "dedupe-epics"})
	_, err := rules.Compile()
	assert.ErrorIs(t, err, ErrInvalidInput)

	rules = DefaultRules()
	rules.Legacy = []LegacyIDRule{{Type: "Decision", Match: `adr-[0-9]+`, Prefix: "ADR", Width: 3}}
	_, err = rules.Compile()
	assert.ErrorIs(t, err, ErrInvalidInput, "match without a capture group is rejected")
}
