package memory

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/core"
)

// CreateShared stores a payload readable by the listed agents only.
func (p *Preserver) CreateShared(agentIDs []string, domain string, payload any, opts ...SharedOption) (string, error) {
	agents := make([]string, 0, len(agentIDs))
	seen := make(map[string]bool, len(agentIDs))
	for _, a := range agentIDs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		agents = append(agents, a)
	}
	if len(agents) == 0 {
		return "", fmt.Errorf("memory: create shared: %w", ErrNoAgents)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := &Shared{
		ID:        "shared-" + uuid.New().String(),
		Agents:    agents,
		Domain:    domain,
		Payload:   payload,
		Relevance: core.LevelHigh,
		CreatedAt: now,
	}
	if p.cfg.SharedLifespan > 0 {
		s.ExpiresAt = now.Add(p.cfg.SharedLifespan)
	}
	for _, opt := range opts {
		opt(s)
	}
	p.shared[s.ID] = s
	p.metrics.SharedCreated++
	p.logger.Debug("created shared context",
		zap.String("shared", s.ID),
		zap.Strings("agents", agents))
	return s.ID, nil
}

// GetShared returns a shared context to an agent on its allow-list and counts
// the access.
func (p *Preserver) GetShared(id, agentID string) (Shared, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.shared[id]
	if !ok {
		return Shared{}, fmt.Errorf("memory: get shared %s: %w", id, ErrUnknownShared)
	}
	if !s.allows(agentID) {
		return Shared{}, fmt.Errorf("memory: get shared %s for %s: %w", id, agentID, ErrNotAuthorized)
	}
	if s.expired(p.now()) {
		return Shared{}, fmt.Errorf("memory: get shared %s: %w", id, ErrExpired)
	}
	s.AccessCount++
	p.metrics.Retrievals++
	cp := *s
	cp.Agents = append([]string(nil), s.Agents...)
	return cp, nil
}
