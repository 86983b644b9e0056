package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixPlan struct {
	File  string
	Lines []int
	Note  string
}

func (p fixPlan) DecisionKey() string { return p.File }

func TestSameDecision(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"equal strings", "restart", "restart", true},
		{"different strings", "restart", "rollback", false},
		{"map key order ignored", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"int and float agree", 3, 3.0, true},
		{"string is not a number", "3", 3, false},
		{"nested slices", []any{"x", []int{1, 2}}, []any{"x", []int{1, 2}}, true},
		{"slice order matters", []int{1, 2}, []int{2, 1}, false},
		{"html is not escaped differently", "<a&b>", "<a&b>", true},
		{"keyer decides", fixPlan{File: "main.go", Note: "x"}, fixPlan{File: "main.go", Lines: []int{4}}, true},
		{"keyer differs", fixPlan{File: "main.go"}, fixPlan{File: "util.go"}, false},
		{"unencodable", make(chan int), make(chan int), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameDecision(tt.a, tt.b))
		})
	}
}

func TestCanonicalKey(t *testing.T) {
	k, err := CanonicalKey(map[string]int{"z": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `json:{"a":2,"z":1}`, k)

	k, err = CanonicalKey(fixPlan{File: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "key:main.go", k)

	_, err = CanonicalKey(func() {})
	assert.Error(t, err)
}

func TestStructuredPayloadsGroup(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", []Decision{
		{AgentID: "a", Payload: map[string]any{"action": "patch", "file": "x.go"}, Confidence: Score(0.5)},
		{AgentID: "b", Payload: map[string]any{"file": "x.go", "action": "patch"}, Confidence: Score(0.7)},
		{AgentID: "c", Payload: map[string]any{"action": "revert"}, Confidence: Score(0.95)},
	}, nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyConsensus)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ev.WinningAgents)
	assert.Equal(t, map[string]any{"action": "patch", "file": "x.go"}, ev.Result)
}
