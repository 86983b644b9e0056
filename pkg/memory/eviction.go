package memory

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/core"
)

const summaryValueWidth = 120

// evict brings a conversation back under its token budget. With
// summarization on, the summary is refreshed first so the high-relevance
// picture survives whatever gets dropped. Victims are taken least relevant
// first and, within a level, most recently inserted first.
func (p *Preserver) evict(c *conversation) {
	if p.cfg.Summarization {
		if s := summarize(c.elements, p.cfg.SummaryElements); s != "" {
			c.summary = s
			p.metrics.ContextsSummarized++
		}
	}

	order := make([]*Element, len(c.elements))
	copy(order, c.elements)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Relevance != order[j].Relevance {
			return order[i].Relevance > order[j].Relevance
		}
		return order[i].seq > order[j].seq
	})

	victims := make(map[string]bool)
	tokens := c.tokens
	for _, e := range order {
		if tokens <= c.budget {
			break
		}
		victims[e.ID] = true
		tokens -= e.Tokens
	}
	n := p.removeWhere(c, func(e *Element) bool { return victims[e.ID] })
	p.metrics.ElementsEvicted += n
	p.logger.Debug("evicted context elements",
		zap.String("conversation", c.id),
		zap.Int("evicted", n),
		zap.Int("tokens", c.tokens),
		zap.Int("budget", c.budget))
}

// removeWhere drops matching elements, keeping the token total and the term
// index consistent. It returns how many were removed.
func (p *Preserver) removeWhere(c *conversation, drop func(*Element) bool) int {
	kept := c.elements[:0]
	gone := make(map[string]bool)
	for _, e := range c.elements {
		if drop(e) {
			gone[e.ID] = true
			c.tokens -= e.Tokens
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.elements); i++ {
		c.elements[i] = nil
	}
	c.elements = kept
	if len(gone) == 0 {
		return 0
	}
	for term, ids := range c.terms {
		live := ids[:0]
		for _, id := range ids {
			if !gone[id] {
				live = append(live, id)
			}
		}
		if len(live) == 0 {
			delete(c.terms, term)
		} else {
			c.terms[term] = live
		}
	}
	return len(gone)
}

// summarize lists up to limit CRITICAL and HIGH elements, most relevant then
// most recent first. It returns "" when there is nothing that relevant.
func summarize(elems []*Element, limit int) string {
	var picked []*Element
	for _, e := range elems {
		if e.Relevance == core.LevelCritical || e.Relevance == core.LevelHigh {
			picked = append(picked, e)
		}
	}
	if len(picked) == 0 {
		return ""
	}
	sortByRelevance(picked)
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	lines := make([]string, 0, len(picked))
	for _, e := range picked {
		lines = append(lines, fmt.Sprintf("[%s] %s %s/%s: %s",
			e.Relevance, e.Source, e.Type, e.Key, truncate(render(e.Value), summaryValueWidth)))
	}
	return strings.Join(lines, "\n")
}
