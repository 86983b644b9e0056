package conflict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStanding struct {
	exp   map[string]float64
	ratio map[string]float64
	ranks map[string]int
}

func (s stubStanding) expertise(agentID, _ string) float64 {
	if v, ok := s.exp[agentID]; ok {
		return v
	}
	return 0.5
}

func (s stubStanding) successRatio(agentID string) float64 {
	if v, ok := s.ratio[agentID]; ok {
		return v
	}
	return 0.5
}

func (s stubStanding) rank(agentID string) int {
	if v, ok := s.ranks[agentID]; ok {
		return v
	}
	return unlistedRank
}

func TestStrategiesRejectEmptyConflict(t *testing.T) {
	for name, fn := range map[string]strategyFunc{
		"consensus":    consensus,
		"confidence":   highestConfidence,
		"expertise":    byExpertise,
		"weighted":     weightedVote,
		"hierarchical": hierarchical,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fn(&Conflict{}, stubStanding{})
			assert.ErrorIs(t, err, errNoDecisions)
		})
	}
}

func TestWeightedVoteUsesHistory(t *testing.T) {
	c := &Conflict{Domain: "triage", Decisions: []Decision{
		{AgentID: "veteran", Payload: "keep", Confidence: Score(0.5)},
		{AgentID: "rookie1", Payload: "drop", Confidence: Score(0.5)},
	}}
	s := stubStanding{ratio: map[string]float64{"veteran": 1, "rookie1": 0}}

	out, err := weightedVote(c, s)
	require.NoError(t, err)
	// veteran 0.25+0.3+0.1 = 0.65, rookie 0.25+0+0.1 = 0.35
	assert.Equal(t, "keep", out.payload)
	assert.InDelta(t, 0.65, out.confidence, 1e-9)
}

func TestHierarchicalAuthorityFloor(t *testing.T) {
	c := &Conflict{Decisions: []Decision{
		{AgentID: "a", Payload: "x", Confidence: Score(0.4)},
		{AgentID: "b", Payload: "y", Confidence: Score(0.8)},
	}}
	out, err := hierarchical(c, stubStanding{ranks: map[string]int{"a": 12, "b": 12}})
	require.NoError(t, err)
	assert.Equal(t, "y", out.payload)
	assert.InDelta(t, 0.56, out.confidence, 1e-9)
}

func TestHybridFold(t *testing.T) {
	ok := func(s Strategy, key string, conf float64) strategyResult {
		return strategyResult{strategy: s, outcome: outcome{key: key, payload: key, confidence: conf}}
	}
	failed := func(s Strategy) strategyResult {
		return strategyResult{strategy: s, err: errors.New("nope")}
	}

	t.Run("summed confidence beats count", func(t *testing.T) {
		out, err := hybrid([]strategyResult{
			ok(StrategyConsensus, "a", 0.3),
			ok(StrategyConfidence, "a", 0.3),
			ok(StrategyExpertise, "b", 0.9),
			failed(StrategyWeightedVote),
			failed(StrategyHierarchical),
		})
		require.NoError(t, err)
		assert.Equal(t, "b", out.payload)
		assert.InDelta(t, 0.9*(0.7+0.3*0.2), out.confidence, 1e-9)
	})

	t.Run("unanimous keeps full weight", func(t *testing.T) {
		var rs []strategyResult
		for _, s := range baseStrategies {
			rs = append(rs, ok(s, "z", 0.8))
		}
		out, err := hybrid(rs)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, out.confidence, 1e-9)
	})

	t.Run("nothing contributes", func(t *testing.T) {
		_, err := hybrid([]strategyResult{failed(StrategyConsensus)})
		assert.Error(t, err)
	})
}
