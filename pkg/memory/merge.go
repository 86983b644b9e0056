package memory

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/core"
)

// Merge folds source conversations into a new one owned by agentID.
//
// MergeCombine copies every live source element, most relevant and most
// recent first, which may trigger eviction in the destination.
// MergeSummarize adds exactly one summary element per source conversation;
// the new conversation's budget is raised when the summaries alone exceed it.
func (p *Preserver) Merge(sourceIDs []string, agentID, domain string, strategy MergeStrategy) (string, error) {
	if strategy != MergeCombine && strategy != MergeSummarize {
		return "", fmt.Errorf("memory: merge: unknown strategy %q", strategy)
	}
	if agentID == "" {
		return "", fmt.Errorf("memory: merge: %w", ErrNoAgents)
	}
	if len(sourceIDs) == 0 {
		return "", fmt.Errorf("memory: merge: %w", ErrUnknownConversation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var sources []*conversation
	seen := make(map[string]bool, len(sourceIDs))
	var participants []string
	for _, id := range sourceIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := p.live(id, "merge")
		if err != nil {
			return "", err
		}
		sources = append(sources, c)
		participants = append(participants, c.participants...)
	}

	now := p.now()
	dst := &conversation{
		id:           "conv-" + uuid.New().String(),
		initiator:    agentID,
		participants: p.boundParticipants(agentID, participants),
		domain:       domain,
		budget:       p.cfg.MaxTokens,
		createdAt:    now,
		lastActivity: now,
		terms:        make(map[string][]string),
	}
	if p.cfg.ConversationLifespan > 0 {
		dst.expiresAt = now.Add(p.cfg.ConversationLifespan)
	}
	p.conversations[dst.id] = dst
	for _, a := range dst.participants {
		p.link(a, dst.id)
	}
	p.metrics.ContextsCreated++

	switch strategy {
	case MergeCombine:
		var all []*Element
		for _, src := range sources {
			for _, e := range src.elements {
				if !e.Expired(now) {
					all = append(all, e)
				}
			}
		}
		sortByRelevance(all)
		for _, e := range all {
			cp := e.clone()
			p.seq++
			cp.ID = "elem-" + uuid.New().String()
			cp.seq = p.seq
			if cp.Metadata == nil {
				cp.Metadata = make(map[string]any, 1)
			}
			cp.Metadata["merged_from"] = e.ID
			p.insert(dst, &cp)
		}
	case MergeSummarize:
		summaries := make([]*Element, 0, len(sources))
		total := 0
		for _, src := range sources {
			text := src.summary
			if text == "" {
				text = summarize(src.elements, p.cfg.SummaryElements)
			}
			if text == "" {
				text = fmt.Sprintf("%d elements, none above MEDIUM relevance", len(src.elements))
			}
			e := p.newElement(agentID, TypeSummary, "summary:"+src.id, text, []ElementOption{
				WithRelevance(core.LevelHigh),
				WithMetadata(map[string]any{"source_conversation": src.id, "source_domain": src.domain}),
			})
			summaries = append(summaries, e)
			total += e.Tokens
		}
		// One summary per source must survive, so the budget grows to hold them all.
		if total > dst.budget {
			dst.budget = total
		}
		for _, e := range summaries {
			p.insert(dst, e)
			p.metrics.ContextsSummarized++
		}
	}

	p.logger.Debug("merged conversations",
		zap.String("conversation", dst.id),
		zap.String("strategy", string(strategy)),
		zap.Int("sources", len(sources)),
		zap.Int("elements", len(dst.elements)))
	return dst.id, nil
}
