// Package conflict arbitrates between competing agent decisions.
//
// A Resolver holds every registered conflict plus the learned standing of
// each agent (externally supplied expertise, internally tracked performance).
// Resolve never fails because arbitration failed: a conflict that cannot be
// settled with enough confidence is escalated and the escalation is returned
// as an ordinary Resolution.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/core"
	"github.com/boristopalov/quorum/pkg/logging"
)

var (
	ErrUnknownConflict = errors.New("unknown conflict")
	ErrInvalidDecision = errors.New("invalid decision")
)

const (
	reasonMaxAttempts = "exceeded maximum resolution attempts"
	unlistedRank      = 10
)

type Resolver struct {
	cfg             config.ResolverConfig
	defaultStrategy Strategy
	logger          *zap.Logger
	now             core.Clock

	mu          sync.Mutex
	conflicts   map[string]*Conflict
	history     *lru.Cache[string, Conflict]
	expertiseOf map[string]map[string]float64
	performance map[string]*Performance
	strategies  map[Strategy]strategyFunc
}

type Option func(*Resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = logging.OrNop(l)
	}
}

func WithClock(c core.Clock) Option {
	return func(r *Resolver) {
		r.now = c
	}
}

// NewResolver builds a resolver from cfg.
func NewResolver(cfg config.ResolverConfig, opts ...Option) (*Resolver, error) {
	def := config.Default().Resolver
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = def.DecisionTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.RoleRanks == nil {
		cfg.RoleRanks = def.RoleRanks
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	strategy, err := ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	history, err := lru.New[string, Conflict](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("conflict: history: %w", err)
	}

	r := &Resolver{
		cfg:             cfg,
		defaultStrategy: strategy,
		logger:          zap.NewNop(),
		now:             core.SystemClock,
		conflicts:       make(map[string]*Conflict),
		history:         history,
		expertiseOf:     make(map[string]map[string]float64),
		performance:     make(map[string]*Performance),
		strategies: map[Strategy]strategyFunc{
			StrategyConsensus:    consensus,
			StrategyConfidence:   highestConfidence,
			StrategyExpertise:    byExpertise,
			StrategyWeightedVote: weightedVote,
			StrategyHierarchical: hierarchical,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register records a new conflict. Every decision needs an agent id and a
// payload; a missing confidence becomes 0.5. Affected agents default to the
// deciding agents.
func (r *Resolver) Register(domain string, decisions []Decision, affected []string, opts ...RegisterOption) (string, error) {
	if len(decisions) == 0 {
		return "", fmt.Errorf("conflict: register: %w: no decisions", ErrInvalidDecision)
	}
	normalized := make([]Decision, 0, len(decisions))
	for i, d := range decisions {
		if d.AgentID == "" {
			return "", fmt.Errorf("conflict: register: %w: decision %d has no agent id", ErrInvalidDecision, i)
		}
		if d.Payload == nil {
			return "", fmt.Errorf("conflict: register: %w: decision %d from %s has no payload", ErrInvalidDecision, i, d.AgentID)
		}
		d.Confidence = Score(core.Clamp01(d.confidence()))
		normalized = append(normalized, d)
	}

	now := r.now()
	c := &Conflict{
		ID:             "conflict-" + uuid.New().String(),
		Domain:         domain,
		Decisions:      normalized,
		AffectedAgents: dedupe(affected),
		Context:        make(map[string]any),
		Urgency:        0.5,
		State:          StatePending,
		CreatedAt:      now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Strategy != "" {
		st, err := ParseStrategy(string(c.Strategy))
		if err != nil {
			return "", err
		}
		c.Strategy = st
	}
	if len(c.AffectedAgents) == 0 {
		for _, d := range normalized {
			c.AffectedAgents = append(c.AffectedAgents, d.AgentID)
		}
		c.AffectedAgents = dedupe(c.AffectedAgents)
	}
	c.Urgency = core.Clamp01(c.Urgency)
	c.Deadline = now.Add(time.Duration(float64(r.cfg.DecisionTimeout) * (1 + c.Urgency)))

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	r.logger.Debug("registered conflict",
		zap.String("conflict", c.ID),
		zap.String("domain", domain),
		zap.Int("decisions", len(normalized)))
	return c.ID, nil
}

// Resolve arbitrates a conflict. Resolving an already resolved conflict
// returns the stored resolution. Only an unknown id is an error.
func (r *Resolver) Resolve(id string, opts ...ResolveOption) (Resolution, error) {
	var params resolveParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.force != "" {
		st, err := ParseStrategy(string(params.force))
		if err != nil {
			return Resolution{}, err
		}
		params.force = st
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return Resolution{}, fmt.Errorf("conflict: resolve %s: %w", id, ErrUnknownConflict)
	}
	if c.State == StateResolved {
		return resolutionOf(c), nil
	}

	c.Attempts++
	if c.Attempts > r.cfg.MaxAttempts {
		r.escalate(c, StateEscalated, reasonMaxAttempts, "")
		return resolutionOf(c), nil
	}
	for k, v := range params.extra {
		c.Context[k] = v
	}

	strategy := r.defaultStrategy
	if c.Strategy != "" {
		strategy = c.Strategy
	}
	if params.force != "" {
		strategy = params.force
	}
	r.advance(c, StateResolving)

	primary := r.run(strategy, c)
	if primary.err == nil && primary.outcome.confidence >= r.cfg.ConfidenceThreshold {
		r.settle(c, primary)
		return resolutionOf(c), nil
	}
	if strategy == StrategyHybrid {
		r.fail(c, primary, strategyResult{})
		return resolutionOf(c), nil
	}

	fallback := r.run(StrategyHybrid, c)
	if fallback.err == nil && fallback.outcome.confidence >= r.cfg.ConfidenceThreshold {
		r.settle(c, fallback)
		return resolutionOf(c), nil
	}
	r.fail(c, primary, fallback)
	return resolutionOf(c), nil
}

// Evaluate runs one strategy against a registered conflict without changing
// its state, attempts, or any agent record.
func (r *Resolver) Evaluate(id string, s Strategy) (Evaluation, error) {
	s, err := ParseStrategy(string(s))
	if err != nil {
		return Evaluation{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Evaluation{}, fmt.Errorf("conflict: evaluate %s: %w", id, ErrUnknownConflict)
	}
	res := r.run(s, c)
	if res.err != nil {
		return Evaluation{Strategy: s}, fmt.Errorf("conflict: evaluate %s with %s: %w", id, s, res.err)
	}
	return Evaluation{
		Strategy:      s,
		Result:        res.outcome.payload,
		Confidence:    res.outcome.confidence,
		Explanation:   res.outcome.explanation,
		WinningAgents: res.outcome.agents,
	}, nil
}

// run evaluates one strategy, converting panics into a failed result.
func (r *Resolver) run(s Strategy, c *Conflict) (res strategyResult) {
	res.strategy = s
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("strategy %s panicked: %v", s, p)
		}
		if res.err != nil {
			r.logger.Warn("strategy failed",
				zap.String("conflict", c.ID),
				zap.String("strategy", string(s)),
				zap.Error(res.err))
		}
	}()

	if s == StrategyHybrid {
		results := make([]strategyResult, 0, len(baseStrategies))
		for _, b := range baseStrategies {
			results = append(results, r.run(b, c))
		}
		res.outcome, res.err = hybrid(results)
		return res
	}
	fn, ok := r.strategies[s]
	if !ok {
		res.err = fmt.Errorf("no implementation for strategy %s", s)
		return res
	}
	res.outcome, res.err = fn(c, r)
	return res
}

func (r *Resolver) settle(c *Conflict, res strategyResult) {
	r.advance(c, StateResolved)
	c.Result = res.outcome.payload
	c.Confidence = res.outcome.confidence
	c.Explanation = res.outcome.explanation
	c.UsedStrategy = res.strategy
	c.WinningAgents = res.outcome.agents
	c.SettledAt = r.now()

	for _, d := range c.Decisions {
		perf := r.performanceOf(d.AgentID)
		perf.TotalConflicts++
		key, err := CanonicalKey(d.Payload)
		if err == nil && key == res.outcome.key {
			perf.SuccessfulResolutions++
			perf.DomainSuccesses[c.Domain]++
		}
	}
	r.history.Add(c.ID, c.clone())
	r.logger.Info("resolved conflict",
		zap.String("conflict", c.ID),
		zap.String("strategy", string(res.strategy)),
		zap.Float64("confidence", c.Confidence))
}

// fail escalates after a low-confidence or failed arbitration. When no
// strategy produced anything at all the conflict is deadlocked instead.
func (r *Resolver) fail(c *Conflict, primary, fallback strategyResult) {
	if primary.err != nil && (fallback.strategy == "" || fallback.err != nil) {
		reason := fmt.Sprintf("no strategy produced a decision: %s", primary.err)
		if fallback.err != nil {
			reason += "; " + fallback.err.Error()
		}
		r.escalate(c, StateDeadlocked, reason, "")
		return
	}

	var parts []string
	if primary.err != nil {
		parts = append(parts, fmt.Sprintf("%s failed (%s)", primary.strategy, primary.err))
	} else {
		parts = append(parts, fmt.Sprintf("%s confidence %.3f", primary.strategy, primary.outcome.confidence))
	}
	if fallback.strategy != "" {
		if fallback.err != nil {
			parts = append(parts, fmt.Sprintf("hybrid fallback failed (%s)", fallback.err))
		} else {
			parts = append(parts, fmt.Sprintf("hybrid fallback confidence %.3f", fallback.outcome.confidence))
		}
	}
	reason := fmt.Sprintf("%s below threshold %.2f", strings.Join(parts, ", "), r.cfg.ConfidenceThreshold)

	best := primary
	if best.err != nil || (fallback.err == nil && fallback.strategy != "" && fallback.outcome.confidence > best.outcome.confidence) {
		best = fallback
	}
	c.Confidence = best.outcome.confidence
	c.UsedStrategy = best.strategy
	r.escalate(c, StateEscalated, reason, best.strategy)
}

func (r *Resolver) escalate(c *Conflict, to State, reason string, used Strategy) {
	r.advance(c, to)
	c.Result = nil
	c.WinningAgents = nil
	c.Explanation = reason
	if used != "" {
		c.UsedStrategy = used
	}
	c.SettledAt = r.now()
	r.history.Add(c.ID, c.clone())
	r.logger.Info("escalated conflict",
		zap.String("conflict", c.ID),
		zap.String("state", string(to)),
		zap.Int("attempts", c.Attempts),
		zap.String("reason", reason))
}

func (r *Resolver) advance(c *Conflict, to State) {
	if !canAdvance(c.State, to) {
		r.logger.Error("illegal conflict transition",
			zap.String("conflict", c.ID),
			zap.String("from", string(c.State)),
			zap.String("to", string(to)))
		return
	}
	c.State = to
}

func resolutionOf(c *Conflict) Resolution {
	return Resolution{
		ConflictID:    c.ID,
		State:         c.State,
		Result:        c.Result,
		Confidence:    c.Confidence,
		Strategy:      c.UsedStrategy,
		Explanation:   c.Explanation,
		WinningAgents: append([]string(nil), c.WinningAgents...),
		Attempts:      c.Attempts,
	}
}

// Status returns a snapshot of one conflict.
func (r *Resolver) Status(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Status{}, fmt.Errorf("conflict: status %s: %w", id, ErrUnknownConflict)
	}
	return Status{
		Conflict: c.clone(),
		Overdue:  !c.State.Settled() && r.now().After(c.Deadline),
	}, nil
}

// ListActive returns unsettled conflicts, oldest first. Empty filters match everything.
func (r *Resolver) ListActive(domain, agentID string) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conflict
	for _, c := range r.conflicts {
		if c.State.Settled() {
			continue
		}
		if domain != "" && c.Domain != domain {
			continue
		}
		if agentID != "" && !c.involves(agentID) {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns settled conflicts, most recently settled first. A limit
// of zero or less returns everything retained.
func (r *Resolver) History(domain, agentID string, limit int) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.history.Keys()
	var out []Conflict
	for i := len(keys) - 1; i >= 0; i-- {
		c, ok := r.history.Peek(keys[i])
		if !ok {
			continue
		}
		if domain != "" && c.Domain != domain {
			continue
		}
		if agentID != "" && !c.involves(agentID) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// UpdateExpertise merges per-domain scores for an agent, clamped to [0,1].
func (r *Resolver) UpdateExpertise(agentID string, scores map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.expertiseOf[agentID]
	if !ok {
		profile = make(map[string]float64, len(scores))
		r.expertiseOf[agentID] = profile
	}
	for domain, score := range scores {
		profile[domain] = core.Clamp01(score)
	}
}

// Performance returns a copy of an agent's performance record.
func (r *Resolver) Performance(agentID string) Performance {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.performance[agentID]
	if !ok {
		return Performance{DomainSuccesses: map[string]int{}}
	}
	cp := *p
	cp.DomainSuccesses = make(map[string]int, len(p.DomainSuccesses))
	for k, v := range p.DomainSuccesses {
		cp.DomainSuccesses[k] = v
	}
	return cp
}

func (r *Resolver) performanceOf(agentID string) *Performance {
	p, ok := r.performance[agentID]
	if !ok {
		p = &Performance{DomainSuccesses: make(map[string]int)}
		r.performance[agentID] = p
	}
	return p
}

// standing implementation; callers hold r.mu.

func (r *Resolver) expertise(agentID, domain string) float64 {
	if profile, ok := r.expertiseOf[agentID]; ok {
		if score, ok := profile[domain]; ok {
			return score
		}
	}
	return r.cfg.DefaultExpertise
}

func (r *Resolver) successRatio(agentID string) float64 {
	p, ok := r.performance[agentID]
	if !ok || p.TotalConflicts == 0 {
		return 0.5
	}
	return p.SuccessRatio()
}

// rank looks up the agent id, then its role prefix ("verifier-2" -> "verifier").
func (r *Resolver) rank(agentID string) int {
	id := strings.ToLower(agentID)
	if rank, ok := r.cfg.RoleRanks[id]; ok {
		return rank
	}
	if i := strings.IndexAny(id, "-_:./"); i > 0 {
		if rank, ok := r.cfg.RoleRanks[id[:i]]; ok {
			return rank
		}
	}
	return unlistedRank
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
