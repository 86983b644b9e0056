package memory

import (
	"fmt"
	"sort"
)

// Search returns live elements of a conversation that share index terms with
// query, best match first. Ties fall back to relevance and recency.
func (p *Preserver) Search(convID, agentID, query string, limit int) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.live(convID, "search")
	if err != nil {
		return nil, err
	}
	if !c.hasParticipant(agentID) {
		return nil, fmt.Errorf("memory: search %s for %s: %w", convID, agentID, ErrNotParticipant)
	}

	hits := make(map[string]int)
	for _, term := range terms(query) {
		for _, id := range c.terms[term] {
			hits[id]++
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	now := p.now()
	var found []*Element
	for _, e := range c.elements {
		if hits[e.ID] > 0 && !e.Expired(now) {
			found = append(found, e)
		}
	}
	sortByRelevance(found)
	sort.SliceStable(found, func(i, j int) bool {
		return hits[found[i].ID] > hits[found[j].ID]
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	p.metrics.Retrievals++
	out := make([]Element, len(found))
	for i, e := range found {
		out[i] = e.clone()
	}
	return out, nil
}
