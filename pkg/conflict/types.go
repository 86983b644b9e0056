package conflict

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names one arbitration algorithm.
type Strategy string

const (
	StrategyConsensus    Strategy = "consensus"
	StrategyConfidence   Strategy = "confidence"
	StrategyExpertise    Strategy = "expertise"
	StrategyWeightedVote Strategy = "weighted_vote"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyHybrid       Strategy = "hybrid"
)

// baseStrategies are the five strategies HYBRID combines, in evaluation order.
var baseStrategies = []Strategy{
	StrategyConsensus,
	StrategyConfidence,
	StrategyExpertise,
	StrategyWeightedVote,
	StrategyHierarchical,
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st == StrategyHybrid {
		return st, nil
	}
	for _, b := range baseStrategies {
		if st == b {
			return st, nil
		}
	}
	return "", fmt.Errorf("conflict: unknown strategy %q", s)
}

// State is the lifecycle position of a conflict.
type State string

const (
	StatePending    State = "PENDING"
	StateResolving  State = "RESOLVING"
	StateResolved   State = "RESOLVED"
	StateEscalated  State = "ESCALATED"
	StateDeadlocked State = "DEADLOCKED"
)

// Settled reports whether the state ends an arbitration round.
func (s State) Settled() bool {
	return s == StateResolved || s == StateEscalated || s == StateDeadlocked
}

// transitions lists the allowed moves. RESOLVED is absorbing; an escalated or
// deadlocked conflict may be re-arbitrated while attempts remain.
var transitions = map[State][]State{
	StatePending:    {StateResolving, StateEscalated},
	StateResolving:  {StateResolved, StateEscalated, StateDeadlocked},
	StateEscalated:  {StateResolving, StateEscalated},
	StateDeadlocked: {StateResolving, StateEscalated},
}

func canAdvance(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultConfidence applies to decisions registered without one.
const DefaultConfidence = 0.5

// Decision is one agent's proposed outcome.
type Decision struct {
	AgentID    string
	Payload    any
	Confidence *float64 // nil means DefaultConfidence
}

// Score is a convenience for filling Decision.Confidence.
func Score(v float64) *float64 {
	return &v
}

func (d Decision) confidence() float64 {
	if d.Confidence == nil {
		return DefaultConfidence
	}
	return *d.Confidence
}

// Conflict is a registered disagreement awaiting arbitration.
type Conflict struct {
	ID             string
	Domain         string
	Decisions      []Decision
	AffectedAgents []string
	Context        map[string]any
	Urgency        float64
	Strategy       Strategy // requested strategy, empty for the default
	State          State
	Attempts       int
	CreatedAt      time.Time
	Deadline       time.Time

	Result        any
	Confidence    float64
	Explanation   string
	UsedStrategy  Strategy
	WinningAgents []string
	SettledAt     time.Time
}

func (c *Conflict) involves(agentID string) bool {
	for _, a := range c.AffectedAgents {
		if a == agentID {
			return true
		}
	}
	for _, d := range c.Decisions {
		if d.AgentID == agentID {
			return true
		}
	}
	return false
}

func (c *Conflict) clone() Conflict {
	cp := *c
	cp.Decisions = append([]Decision(nil), c.Decisions...)
	cp.AffectedAgents = append([]string(nil), c.AffectedAgents...)
	cp.WinningAgents = append([]string(nil), c.WinningAgents...)
	cp.Context = make(map[string]any, len(c.Context))
	for k, v := range c.Context {
		cp.Context[k] = v
	}
	return cp
}

// Resolution is what Resolve hands back to the caller.
type Resolution struct {
	ConflictID    string
	State         State
	Result        any
	Confidence    float64
	Strategy      Strategy
	Explanation   string
	WinningAgents []string
	Attempts      int
}

// Evaluation is the proposal of a single strategy, computed without side effects.
type Evaluation struct {
	Strategy      Strategy
	Result        any
	Confidence    float64
	Explanation   string
	WinningAgents []string
}

// Status is a conflict snapshot with its advisory deadline evaluated.
type Status struct {
	Conflict
	Overdue bool
}

// Performance tracks how often an agent's decision matched the final result.
type Performance struct {
	TotalConflicts        int
	SuccessfulResolutions int
	DomainSuccesses       map[string]int
}

// SuccessRatio returns the fraction of conflicts the agent was on the winning side of.
func (p Performance) SuccessRatio() float64 {
	if p.TotalConflicts == 0 {
		return 0
	}
	return float64(p.SuccessfulResolutions) / float64(p.TotalConflicts)
}

// RegisterOption sets optional conflict fields at registration.
type RegisterOption func(*Conflict)

func WithUrgency(u float64) RegisterOption {
	return func(c *Conflict) {
		c.Urgency = u
	}
}

func WithStrategy(s Strategy) RegisterOption {
	return func(c *Conflict) {
		c.Strategy = s
	}
}

func WithContext(ctx map[string]any) RegisterOption {
	return func(c *Conflict) {
		for k, v := range ctx {
			c.Context[k] = v
		}
	}
}

// ResolveOption adjusts one Resolve call.
type ResolveOption func(*resolveParams)

type resolveParams struct {
	extra map[string]any
	force Strategy
}

// WithExtraContext merges values into the conflict context before arbitration.
func WithExtraContext(ctx map[string]any) ResolveOption {
	return func(p *resolveParams) {
		p.extra = ctx
	}
}

// ForceStrategy overrides both the requested and the default strategy.
func ForceStrategy(s Strategy) ResolveOption {
	return func(p *resolveParams) {
		p.force = s
	}
}
