package conflict

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var errNoDecisions = errors.New("no decisions to arbitrate")

// outcome is what one strategy proposes.
type outcome struct {
	key         string
	payload     any
	confidence  float64
	agents      []string
	explanation string
}

// strategyResult records whether one strategy produced an outcome.
type strategyResult struct {
	strategy Strategy
	outcome  outcome
	err      error
}

// standing is the read-only view of learned agent state a strategy may use.
type standing interface {
	expertise(agentID, domain string) float64
	successRatio(agentID string) float64
	rank(agentID string) int
}

type strategyFunc func(c *Conflict, s standing) (outcome, error)

// candidate is a decision with its canonical key resolved.
type candidate struct {
	Decision
	key string
}

// group collects decisions that agree on the same payload.
type group struct {
	key     string
	payload any
	members []candidate
	confSum float64
}

func (g *group) agents() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.AgentID)
	}
	return out
}

func candidates(c *Conflict) ([]candidate, error) {
	if len(c.Decisions) == 0 {
		return nil, errNoDecisions
	}
	out := make([]candidate, 0, len(c.Decisions))
	for _, d := range c.Decisions {
		key, err := CanonicalKey(d.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{Decision: d, key: key})
	}
	return out, nil
}

// groupByPayload keeps groups in order of first appearance.
func groupByPayload(cands []candidate) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, cd := range cands {
		g, ok := index[cd.key]
		if !ok {
			g = &group{key: cd.key, payload: cd.Payload}
			index[cd.key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, cd)
		g.confSum += cd.confidence()
	}
	return groups
}

func agreeing(cands []candidate, key string) []string {
	var out []string
	for _, cd := range cands {
		if cd.key == key {
			out = append(out, cd.AgentID)
		}
	}
	return out
}

func consensus(c *Conflict, _ standing) (outcome, error) {
	cands, err := candidates(c)
	if err != nil {
		return outcome{}, err
	}
	groups := groupByPayload(cands)
	best := groups[0]
	for _, g := range groups[1:] {
		if len(g.members) > len(best.members) ||
			(len(g.members) == len(best.members) && g.confSum > best.confSum) {
			best = g
		}
	}
	share := float64(len(best.members)) / float64(len(cands))
	avg := best.confSum / float64(len(best.members))
	return outcome{
		key:        best.key,
		payload:    best.payload,
		confidence: 0.7*share + 0.3*avg,
		agents:     best.agents(),
		explanation: fmt.Sprintf("consensus: %d of %d agents agreed (%s), average confidence %.2f",
			len(best.members), len(cands), strings.Join(best.agents(), ", "), avg),
	}, nil
}

func highestConfidence(c *Conflict, _ standing) (outcome, error) {
	cands, err := candidates(c)
	if err != nil {
		return outcome{}, err
	}
	best := cands[0]
	for _, cd := range cands[1:] {
		if cd.confidence() > best.confidence() {
			best = cd
		}
	}
	return outcome{
		key:         best.key,
		payload:     best.Payload,
		confidence:  best.confidence(),
		agents:      agreeing(cands, best.key),
		explanation: fmt.Sprintf("confidence: %s reported the highest confidence %.2f", best.AgentID, best.confidence()),
	}, nil
}

func byExpertise(c *Conflict, s standing) (outcome, error) {
	cands, err := candidates(c)
	if err != nil {
		return outcome{}, err
	}
	best, bestScore := cands[0], -1.0
	var bestExp float64
	for _, cd := range cands {
		exp := s.expertise(cd.AgentID, c.Domain)
		score := 0.7*exp + 0.3*cd.confidence()
		if score > bestScore {
			best, bestScore, bestExp = cd, score, exp
		}
	}
	return outcome{
		key:        best.key,
		payload:    best.Payload,
		confidence: bestScore,
		agents:     agreeing(cands, best.key),
		explanation: fmt.Sprintf("expertise: %s has %s expertise %.2f and confidence %.2f (score %.2f)",
			best.AgentID, c.Domain, bestExp, best.confidence(), bestScore),
	}, nil
}

func weightedVote(c *Conflict, s standing) (outcome, error) {
	cands, err := candidates(c)
	if err != nil {
		return outcome{}, err
	}
	groups := groupByPayload(cands)
	weights := make([]float64, len(groups))
	var total float64
	for i, g := range groups {
		for _, m := range g.members {
			w := 0.5*s.expertise(m.AgentID, c.Domain) + 0.3*s.successRatio(m.AgentID) + 0.2*m.confidence()
			weights[i] += w
		}
		total += weights[i]
	}
	best := 0
	for i := range groups {
		if weights[i] > weights[best] {
			best = i
		}
	}
	var conf float64
	if total > 0 {
		conf = weights[best] / total
	}
	g := groups[best]
	return outcome{
		key:        g.key,
		payload:    g.payload,
		confidence: conf,
		agents:     g.agents(),
		explanation: fmt.Sprintf("weighted_vote: %s carried %.2f of %.2f total weight",
			strings.Join(g.agents(), ", "), weights[best], total),
	}, nil
}

func hierarchical(c *Conflict, s standing) (outcome, error) {
	cands, err := candidates(c)
	if err != nil {
		return outcome{}, err
	}
	best := cands[0]
	bestRank := s.rank(best.AgentID)
	for _, cd := range cands[1:] {
		r := s.rank(cd.AgentID)
		if r < bestRank || (r == bestRank && cd.confidence() > best.confidence()) {
			best, bestRank = cd, r
		}
	}
	authority := math.Max(0, 1-float64(bestRank)*0.1)
	return outcome{
		key:         best.key,
		payload:     best.Payload,
		confidence:  0.7*best.confidence() + 0.3*authority,
		agents:      agreeing(cands, best.key),
		explanation: fmt.Sprintf("hierarchical: %s holds rank %d", best.AgentID, bestRank),
	}, nil
}

// hybrid folds the results of the five base strategies. Failed strategies
// contribute nothing.
func hybrid(results []strategyResult) (outcome, error) {
	type tally struct {
		out        outcome
		confSum    float64
		strategies []string
	}
	var order []*tally
	byKey := make(map[string]*tally)
	contributing := 0
	for _, r := range results {
		if r.err != nil {
			continue
		}
		contributing++
		t, ok := byKey[r.outcome.key]
		if !ok {
			t = &tally{out: r.outcome}
			byKey[r.outcome.key] = t
			order = append(order, t)
		}
		t.confSum += r.outcome.confidence
		t.strategies = append(t.strategies, string(r.strategy))
	}
	if contributing == 0 {
		return outcome{}, errors.New("hybrid: every strategy failed")
	}

	best := order[0]
	for _, t := range order[1:] {
		if t.confSum > best.confSum {
			best = t
		}
	}
	n := float64(len(best.strategies))
	agreement := n / float64(len(baseStrategies))
	conf := (best.confSum / n) * (0.7 + 0.3*agreement)
	return outcome{
		key:        best.out.key,
		payload:    best.out.payload,
		confidence: conf,
		agents:     best.out.agents,
		explanation: fmt.Sprintf("hybrid: %d of %d strategies agreed (%s)",
			len(best.strategies), len(baseStrategies), strings.Join(best.strategies, ", ")),
	}, nil
}
