package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/core"
)

// Preserver keeps token-budgeted conversational memory shared by every agent
// in a session. All methods are safe for concurrent use.
type Preserver struct {
	cfg    config.PreserverConfig
	logger *zap.Logger
	now    core.Clock

	mu            sync.Mutex
	conversations map[string]*conversation
	shared        map[string]*Shared
	// byAgent maps agent id to the conversations it participates in.
	byAgent map[string]map[string]struct{}
	seq     uint64
	metrics Metrics
}

type Option func(*Preserver)

func WithLogger(l *zap.Logger) Option {
	return func(p *Preserver) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(c core.Clock) Option {
	return func(p *Preserver) {
		if c != nil {
			p.now = c
		}
	}
}

// NewPreserver creates a preserver. Zero sizes in cfg fall back to the
// defaults; zero lifespans mean no expiry.
func NewPreserver(cfg config.PreserverConfig, opts ...Option) *Preserver {
	def := config.Default().Preserver
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = def.MaxParticipants
	}
	if cfg.SummaryElements <= 0 {
		cfg.SummaryElements = def.SummaryElements
	}
	p := &Preserver{
		cfg:           cfg,
		logger:        zap.NewNop(),
		now:           core.SystemClock,
		conversations: make(map[string]*conversation),
		shared:        make(map[string]*Shared),
		byAgent:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateConversation opens a conversation. The initiator is always the first
// participant; the rest are kept in order up to the configured maximum.
func (p *Preserver) CreateConversation(initiator string, participants []string, domain string, opts ...ConversationOption) (string, error) {
	if initiator == "" {
		return "", fmt.Errorf("memory: create conversation: %w", ErrNoAgents)
	}
	params := conversationParams{
		lifespan: p.cfg.ConversationLifespan,
		budget:   p.cfg.MaxTokens,
	}
	for _, opt := range opts {
		opt(&params)
	}
	if params.budget <= 0 {
		params.budget = p.cfg.MaxTokens
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	c := &conversation{
		id:           "conv-" + uuid.New().String(),
		initiator:    initiator,
		participants: p.boundParticipants(initiator, participants),
		domain:       domain,
		budget:       params.budget,
		createdAt:    now,
		lastActivity: now,
		terms:        make(map[string][]string),
	}
	if params.lifespan > 0 {
		c.expiresAt = now.Add(params.lifespan)
	}
	p.conversations[c.id] = c
	for _, a := range c.participants {
		p.link(a, c.id)
	}
	p.metrics.ContextsCreated++

	keys := make([]string, 0, len(params.initial))
	for k := range params.initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.insert(c, p.newElement(initiator, TypeContext, k, params.initial[k], nil))
	}

	p.logger.Debug("created conversation",
		zap.String("conversation", c.id),
		zap.String("initiator", initiator),
		zap.Int("participants", len(c.participants)))
	return c.id, nil
}

func (p *Preserver) boundParticipants(initiator string, others []string) []string {
	out := []string{initiator}
	seen := map[string]bool{initiator: true}
	for _, a := range others {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	if limit := p.cfg.MaxParticipants; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Preserver) link(agentID, convID string) {
	set, ok := p.byAgent[agentID]
	if !ok {
		set = make(map[string]struct{})
		p.byAgent[agentID] = set
	}
	set[convID] = struct{}{}
}

func (p *Preserver) unlink(c *conversation) {
	for _, a := range c.participants {
		if set, ok := p.byAgent[a]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(p.byAgent, a)
			}
		}
	}
}

// DeleteConversation drops a conversation and everything in it.
func (p *Preserver) DeleteConversation(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conversations[id]
	if !ok {
		return fmt.Errorf("memory: delete %s: %w", id, ErrUnknownConversation)
	}
	p.unlink(c)
	delete(p.conversations, id)
	return nil
}

// AddElement appends an element and evicts if the conversation is now over
// budget. The returned id is valid even if the element itself was evicted.
func (p *Preserver) AddElement(convID, source string, t ElementType, key string, value any, opts ...ElementOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.live(convID, "add element")
	if err != nil {
		return "", err
	}
	e := p.newElement(source, t, key, value, opts)
	if !e.Relevance.Valid() {
		return "", fmt.Errorf("memory: add element to %s: invalid relevance %s", convID, e.Relevance)
	}
	p.insert(c, e)
	return e.ID, nil
}

func (p *Preserver) newElement(source string, t ElementType, key string, value any, opts []ElementOption) *Element {
	p.seq++
	e := &Element{
		ID:        "elem-" + uuid.New().String(),
		Source:    source,
		Type:      t,
		Key:       key,
		Value:     value,
		Relevance: core.LevelMedium,
		CreatedAt: p.now(),
		Tokens:    EstimateTokens(value),
		seq:       p.seq,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (p *Preserver) insert(c *conversation, e *Element) {
	c.elements = append(c.elements, e)
	c.tokens += e.Tokens
	for _, term := range terms(e.Key + " " + render(e.Value)) {
		c.terms[term] = append(c.terms[term], e.ID)
	}
	c.lastActivity = p.now()
	if c.tokens > c.budget {
		p.evict(c)
	}
}

// live returns a conversation that exists and has not expired. Callers hold p.mu.
func (p *Preserver) live(id, op string) (*conversation, error) {
	c, ok := p.conversations[id]
	if !ok {
		return nil, fmt.Errorf("memory: %s %s: %w", op, id, ErrUnknownConversation)
	}
	if c.expired(p.now()) {
		return nil, fmt.Errorf("memory: %s %s: %w", op, id, ErrExpired)
	}
	return c, nil
}

// GetConversation returns the live elements of a conversation, most relevant
// first and most recent first within a level. Only participants may read.
func (p *Preserver) GetConversation(convID, agentID string, opts ...QueryOption) (View, error) {
	q := defaultQuery()
	for _, opt := range opts {
		opt(&q)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.live(convID, "get conversation")
	if err != nil {
		return View{}, err
	}
	if !c.hasParticipant(agentID) {
		return View{}, fmt.Errorf("memory: get conversation %s for %s: %w", convID, agentID, ErrNotParticipant)
	}
	p.metrics.Retrievals++
	return p.view(c, q), nil
}

func (p *Preserver) view(c *conversation, q query) View {
	now := p.now()
	var picked []*Element
	for _, e := range c.elements {
		if e.Expired(now) || q.minRelevance.MoreRelevantThan(e.Relevance) {
			continue
		}
		if q.types != nil && !q.types[e.Type] {
			continue
		}
		picked = append(picked, e)
	}
	sortByRelevance(picked)
	if q.maxElements > 0 && len(picked) > q.maxElements {
		picked = picked[:q.maxElements]
	}
	elems := make([]Element, len(picked))
	for i, e := range picked {
		elems[i] = e.clone()
	}
	return View{
		ConversationID: c.id,
		Domain:         c.domain,
		Participants:   append([]string(nil), c.participants...),
		Elements:       elems,
		Summary:        c.summary,
		TokenCount:     c.tokens,
		ExpiresAt:      c.expiresAt,
	}
}

// sortByRelevance orders most relevant first, then most recent first.
func sortByRelevance(elems []*Element) {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i], elems[j]
		if a.Relevance != b.Relevance {
			return a.Relevance.MoreRelevantThan(b.Relevance)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.seq > b.seq
	})
}

// GetAgentContext returns views of the agent's live conversations, ranked by
// their most relevant live element and then by last activity. A
// non-positive maxConversations returns them all.
func (p *Preserver) GetAgentContext(agentID string, maxConversations int) []View {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	type ranked struct {
		c    *conversation
		best core.Level
	}
	var convs []ranked
	for id := range p.byAgent[agentID] {
		c := p.conversations[id]
		if c == nil || c.expired(now) {
			continue
		}
		best := core.LevelBackground + 1
		for _, e := range c.elements {
			if !e.Expired(now) && e.Relevance < best {
				best = e.Relevance
			}
		}
		convs = append(convs, ranked{c: c, best: best})
	}
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if a.best != b.best {
			return a.best < b.best
		}
		if !a.c.lastActivity.Equal(b.c.lastActivity) {
			return a.c.lastActivity.After(b.c.lastActivity)
		}
		return a.c.id < b.c.id
	})
	if maxConversations > 0 && len(convs) > maxConversations {
		convs = convs[:maxConversations]
	}

	p.metrics.Retrievals++
	out := make([]View, 0, len(convs))
	for _, r := range convs {
		out = append(out, p.view(r.c, defaultQuery()))
	}
	return out
}

// PruneExpired removes expired conversations and shared contexts and sweeps
// expired elements out of the survivors. It returns how many conversations
// and shared contexts were removed.
func (p *Preserver) PruneExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed, swept := 0, 0
	for id, c := range p.conversations {
		if c.expired(now) {
			p.unlink(c)
			delete(p.conversations, id)
			removed++
			continue
		}
		swept += p.removeWhere(c, func(e *Element) bool { return e.Expired(now) })
	}
	for id, s := range p.shared {
		if s.expired(now) {
			delete(p.shared, id)
			removed++
		}
	}
	p.metrics.ContextsPruned += removed
	if removed > 0 || swept > 0 {
		p.logger.Info("pruned expired context",
			zap.Int("removed", removed),
			zap.Int("elements_swept", swept))
	}
	return removed
}

// UsageMetrics returns the running totals.
func (p *Preserver) UsageMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.ContextsActive = len(p.conversations)
	m.SharedActive = len(p.shared)
	m.TokensPreserved = 0
	for _, c := range p.conversations {
		m.TokensPreserved += c.tokens
	}
	return m
}
