package conflict

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/quorum/pkg/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestResolver(t *testing.T, mutate func(*config.ResolverConfig)) (*Resolver, *testClock) {
	t.Helper()
	cfg := config.Default().Resolver
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	r, err := NewResolver(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return r, clock
}

// splitDecisions is two agents for A and one more confident agent for B.
func splitDecisions() []Decision {
	return []Decision{
		{AgentID: "agent1", Payload: "A", Confidence: Score(0.8)},
		{AgentID: "agent2", Payload: "A", Confidence: Score(0.6)},
		{AgentID: "agent3", Payload: "B", Confidence: Score(0.9)},
	}
}

func TestConsensusAndConfidenceDiverge(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	cons, err := r.Evaluate(id, StrategyConsensus)
	require.NoError(t, err)
	assert.Equal(t, "A", cons.Result)
	assert.InDelta(t, 0.7*(2.0/3.0)+0.3*0.7, cons.Confidence, 1e-9)
	assert.Equal(t, []string{"agent1", "agent2"}, cons.WinningAgents)

	conf, err := r.Evaluate(id, StrategyConfidence)
	require.NoError(t, err)
	assert.Equal(t, "B", conf.Result)
	assert.InDelta(t, 0.9, conf.Confidence, 1e-9)

	// evaluation leaves the conflict untouched
	st, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.Equal(t, 0, st.Attempts)

	res, err := r.Resolve(id, ForceStrategy(StrategyConsensus))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, "A", res.Result)
	assert.Equal(t, StrategyConsensus, res.Strategy)
	assert.InDelta(t, 0.6767, res.Confidence, 1e-3)
}

func TestConsensusTieBreak(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("triage", []Decision{
		{AgentID: "a", Payload: "X", Confidence: Score(0.4)},
		{AgentID: "b", Payload: "Y", Confidence: Score(0.9)},
	}, nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyConsensus)
	require.NoError(t, err)
	assert.Equal(t, "Y", ev.Result, "equal group sizes fall back to summed confidence")
}

func TestExpertiseStrategy(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.UpdateExpertise("agent1", map[string]float64{"patching": 0.95, "triage": 0.1})
	r.UpdateExpertise("agent3", map[string]float64{"patching": 1.7})

	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyExpertise)
	require.NoError(t, err)
	// agent3's score is clamped to 1.0: 0.7*1 + 0.3*0.9 = 0.97 beats 0.7*0.95 + 0.3*0.8 = 0.905
	assert.Equal(t, "B", ev.Result)
	assert.InDelta(t, 0.97, ev.Confidence, 1e-9)
}

func TestWeightedVote(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyWeightedVote)
	require.NoError(t, err)
	// weights: agent1 0.56, agent2 0.52, agent3 0.58
	assert.Equal(t, "A", ev.Result)
	assert.InDelta(t, 1.08/1.66, ev.Confidence, 1e-9)
}

func TestHierarchicalPrefersOrchestrator(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) { c.ConfidenceThreshold = 0.3 })
	id, err := r.Register("strategy", []Decision{
		{AgentID: "detector-1", Payload: "rollback", Confidence: Score(0.99)},
		{AgentID: "verifier-2", Payload: "retry", Confidence: Score(0.95)},
		{AgentID: "orchestrator", Payload: "patch", Confidence: Score(0.1)},
	}, nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyHierarchical)
	require.NoError(t, err)
	assert.Equal(t, "patch", ev.Result)
	assert.InDelta(t, 0.7*0.1+0.3*1.0, ev.Confidence, 1e-9)

	res, err := r.Resolve(id, ForceStrategy(StrategyHierarchical))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, "patch", res.Result)
}

func TestHierarchicalRanks(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	assert.Equal(t, 0, r.rank("orchestrator"))
	assert.Equal(t, 2, r.rank("Verifier-7"))
	assert.Equal(t, 3, r.rank("detector_a"))
	assert.Equal(t, unlistedRank, r.rank("intern"))
	assert.Equal(t, unlistedRank, r.rank("agent1"))
}

func TestHybrid(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyHybrid)
	require.NoError(t, err)
	// B is backed by confidence (0.9), expertise (0.62) and hierarchical (0.63)
	assert.Equal(t, "B", ev.Result)
	assert.InDelta(t, (2.15/3)*(0.7+0.3*0.6), ev.Confidence, 1e-9)
	assert.Contains(t, ev.Explanation, "3 of 5")
}

func TestLowConfidenceEscalates(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) { c.ConfidenceThreshold = 0.9 })
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	res, err := r.Resolve(id, ForceStrategy(StrategyConsensus))
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, res.State)
	assert.Nil(t, res.Result)
	assert.Contains(t, res.Explanation, "consensus confidence 0.677")
	assert.Contains(t, res.Explanation, "hybrid fallback confidence 0.631")
	assert.Equal(t, StrategyConsensus, res.Strategy)

	assert.Len(t, r.History("", "", 0), 1)
	assert.Empty(t, r.ListActive("", ""))
}

func TestFallbackToHybridResolves(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) { c.ConfidenceThreshold = 0.6 })
	id, err := r.Register("patching", []Decision{
		{AgentID: "orchestrator", Payload: "A", Confidence: Score(0.2)},
		{AgentID: "strategist", Payload: "A", Confidence: Score(0.9)},
		{AgentID: "detector", Payload: "B", Confidence: Score(0.3)},
	}, nil)
	require.NoError(t, err)

	ev, err := r.Evaluate(id, StrategyHierarchical)
	require.NoError(t, err)
	require.Less(t, ev.Confidence, 0.6)

	res, err := r.Resolve(id, ForceStrategy(StrategyHierarchical))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, StrategyHybrid, res.Strategy)
	assert.Equal(t, "A", res.Result)
}

func TestAttemptsExhausted(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) {
		c.MaxAttempts = 3
		c.ConfidenceThreshold = 0.99
	})
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res, err := r.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, StateEscalated, res.State)
		assert.Equal(t, i, res.Attempts)
		assert.NotEqual(t, reasonMaxAttempts, res.Explanation)
	}

	calls := 0
	for s, fn := range r.strategies {
		fn := fn
		r.strategies[s] = func(c *Conflict, st standing) (outcome, error) {
			calls++
			return fn(c, st)
		}
	}

	res, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, res.State)
	assert.Equal(t, reasonMaxAttempts, res.Explanation)
	assert.Equal(t, 4, res.Attempts)
	assert.Zero(t, calls, "no strategy may run once attempts are exhausted")
}

func TestResolvedIsFinal(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	first, err := r.Resolve(id, ForceStrategy(StrategyConsensus))
	require.NoError(t, err)
	require.Equal(t, StateResolved, first.State)

	again, err := r.Resolve(id, ForceStrategy(StrategyConfidence))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, r.Performance("agent1").TotalConflicts)
}

func TestStrategyPanicIsContained(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) { c.ConfidenceThreshold = 0.5 })
	r.strategies[StrategyConfidence] = func(*Conflict, standing) (outcome, error) {
		panic("boom")
	}
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)

	res, err := r.Resolve(id, ForceStrategy(StrategyConfidence))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, StrategyHybrid, res.Strategy)
	assert.Equal(t, "A", res.Result)
	assert.Contains(t, res.Explanation, "2 of 5")
}

func TestUnencodablePayloadDeadlocks(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", []Decision{
		{AgentID: "a", Payload: make(chan int)},
		{AgentID: "b", Payload: func() {}},
	}, nil)
	require.NoError(t, err)

	res, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, StateDeadlocked, res.State)
	assert.Contains(t, res.Explanation, "every strategy failed")

	// a deadlocked conflict can be retried while attempts remain
	res, err = r.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, StateDeadlocked, res.State)
	assert.Equal(t, 2, res.Attempts)
}

func TestPerformanceTracking(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil)
	require.NoError(t, err)
	_, err = r.Resolve(id, ForceStrategy(StrategyConsensus))
	require.NoError(t, err)

	p1 := r.Performance("agent1")
	assert.Equal(t, 1, p1.TotalConflicts)
	assert.Equal(t, 1, p1.SuccessfulResolutions)
	assert.Equal(t, 1, p1.DomainSuccesses["patching"])

	p3 := r.Performance("agent3")
	assert.Equal(t, 1, p3.TotalConflicts)
	assert.Equal(t, 0, p3.SuccessfulResolutions)
	assert.Equal(t, 0.0, p3.SuccessRatio())

	assert.Equal(t, 0.5, r.successRatio("stranger"))
	assert.Equal(t, 0.0, r.successRatio("agent3"))
}

func TestRegister(t *testing.T) {
	r, clock := newTestResolver(t, nil)

	t.Run("defaults", func(t *testing.T) {
		id, err := r.Register("triage", []Decision{
			{AgentID: "a", Payload: "x"},
			{AgentID: "b", Payload: "y", Confidence: Score(1.4)},
			{AgentID: "a", Payload: "z"},
		}, nil, WithContext(map[string]any{"ticket": 42}))
		require.NoError(t, err)

		st, err := r.Status(id)
		require.NoError(t, err)
		assert.Equal(t, 0.5, *st.Decisions[0].Confidence)
		assert.Equal(t, 1.0, *st.Decisions[1].Confidence)
		assert.Equal(t, []string{"a", "b"}, st.AffectedAgents)
		assert.Equal(t, 0.5, st.Urgency)
		assert.Equal(t, clock.Now().Add(90*time.Second), st.Deadline)
		assert.Equal(t, 42, st.Context["ticket"])
		assert.False(t, st.Overdue)

		clock.Advance(2 * time.Minute)
		st, _ = r.Status(id)
		assert.True(t, st.Overdue)
	})

	t.Run("urgency stretches the deadline", func(t *testing.T) {
		id, err := r.Register("triage", []Decision{{AgentID: "a", Payload: "x"}}, []string{"a", "c"}, WithUrgency(1))
		require.NoError(t, err)
		st, _ := r.Status(id)
		assert.Equal(t, st.CreatedAt.Add(120*time.Second), st.Deadline)
		assert.Equal(t, []string{"a", "c"}, st.AffectedAgents)
	})

	t.Run("rejects incomplete decisions", func(t *testing.T) {
		_, err := r.Register("triage", nil, nil)
		assert.True(t, errors.Is(err, ErrInvalidDecision))
		_, err = r.Register("triage", []Decision{{Payload: "x"}}, nil)
		assert.True(t, errors.Is(err, ErrInvalidDecision))
		_, err = r.Register("triage", []Decision{{AgentID: "a"}}, nil)
		assert.True(t, errors.Is(err, ErrInvalidDecision))
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		_, err := r.Register("triage", []Decision{{AgentID: "a", Payload: "x"}}, nil, WithStrategy("dice"))
		assert.Error(t, err)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := r.Resolve("conflict-missing")
		assert.True(t, errors.Is(err, ErrUnknownConflict))
		_, err = r.Status("conflict-missing")
		assert.True(t, errors.Is(err, ErrUnknownConflict))
		_, err = r.Evaluate("conflict-missing", StrategyHybrid)
		assert.True(t, errors.Is(err, ErrUnknownConflict))
	})
}

func TestRequestedStrategyAndExtraContext(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id, err := r.Register("patching", splitDecisions(), nil, WithStrategy(StrategyConfidence))
	require.NoError(t, err)

	res, err := r.Resolve(id, WithExtraContext(map[string]any{"reviewer": "human"}))
	require.NoError(t, err)
	assert.Equal(t, StrategyConfidence, res.Strategy)
	assert.Equal(t, "B", res.Result)

	st, _ := r.Status(id)
	assert.Equal(t, "human", st.Context["reviewer"])
}

func TestStrategyNamesAreCaseInsensitive(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	t.Run("requested", func(t *testing.T) {
		id, err := r.Register("patching", splitDecisions(), nil, WithStrategy("CONFIDENCE"))
		require.NoError(t, err)
		st, err := r.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StrategyConfidence, st.Strategy)

		res, err := r.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, res.State)
		assert.Equal(t, StrategyConfidence, res.Strategy)
		assert.Equal(t, "B", res.Result)
	})

	t.Run("forced", func(t *testing.T) {
		id, err := r.Register("patching", splitDecisions(), nil)
		require.NoError(t, err)
		res, err := r.Resolve(id, ForceStrategy(" Confidence "))
		require.NoError(t, err)
		assert.Equal(t, StrategyConfidence, res.Strategy)
		assert.Equal(t, "B", res.Result)
	})

	t.Run("evaluated", func(t *testing.T) {
		id, err := r.Register("patching", splitDecisions(), nil)
		require.NoError(t, err)
		ev, err := r.Evaluate(id, "Consensus")
		require.NoError(t, err)
		assert.Equal(t, StrategyConsensus, ev.Strategy)
		assert.Equal(t, "A", ev.Result)
	})
}

func TestListActiveAndHistory(t *testing.T) {
	r, clock := newTestResolver(t, nil)

	register := func(domain string, agents ...string) string {
		var ds []Decision
		for _, a := range agents {
			ds = append(ds, Decision{AgentID: a, Payload: "same", Confidence: Score(0.9)})
		}
		id, err := r.Register(domain, ds, nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		return id
	}

	a := register("patching", "detector", "verifier")
	b := register("triage", "verifier", "strategist")
	c := register("patching", "strategist")

	active := r.ListActive("patching", "")
	require.Len(t, active, 2)
	assert.Equal(t, a, active[0].ID)
	assert.Equal(t, c, active[1].ID)

	active = r.ListActive("", "verifier")
	require.Len(t, active, 2)
	assert.Equal(t, []string{a, b}, []string{active[0].ID, active[1].ID})

	for _, id := range []string{a, b, c} {
		res, err := r.Resolve(id)
		require.NoError(t, err)
		require.Equal(t, StateResolved, res.State)
	}
	assert.Empty(t, r.ListActive("", ""))

	hist := r.History("", "", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, c, hist[0].ID, "most recently settled first")

	hist = r.History("patching", "", 1)
	require.Len(t, hist, 1)
	assert.Equal(t, c, hist[0].ID)

	hist = r.History("", "detector", 10)
	require.Len(t, hist, 1)
	assert.Equal(t, a, hist[0].ID)
}

func TestHistoryIsBounded(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.ResolverConfig) { c.HistorySize = 2 })
	for i := 0; i < 4; i++ {
		id, err := r.Register("d", []Decision{{AgentID: "orchestrator", Payload: i, Confidence: Score(1)}}, nil)
		require.NoError(t, err)
		_, err = r.Resolve(id)
		require.NoError(t, err)
	}
	hist := r.History("", "", 0)
	require.Len(t, hist, 2)
	assert.Equal(t, 3, hist[0].Result)
}

func TestConcurrentResolution(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Register("load", []Decision{
				{AgentID: "orchestrator", Payload: fmt.Sprintf("p%d", i), Confidence: Score(0.9)},
				{AgentID: "detector", Payload: "other", Confidence: Score(0.2)},
			}, nil)
			if !assert.NoError(t, err) {
				return
			}
			_, err = r.Resolve(id, ForceStrategy(StrategyHierarchical))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Performance("orchestrator").SuccessfulResolutions)
	assert.Equal(t, 16, r.Performance("detector").TotalConflicts)
}
