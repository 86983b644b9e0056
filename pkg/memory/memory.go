package memory

import (
	"errors"
	"time"

	"github.com/boristopalov/quorum/pkg/core"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotParticipant      = errors.New("agent is not a participant")
	ErrUnknownShared       = errors.New("unknown shared context")
	ErrNotAuthorized       = errors.New("agent is not authorized")
	ErrExpired             = errors.New("context expired")
	ErrNoAgents            = errors.New("no agents given")
)

// ElementType classifies a context element. The set is open-ended.
type ElementType string

const (
	TypeObservation ElementType = "observation"
	TypeHypothesis  ElementType = "hypothesis"
	TypeDecision    ElementType = "decision"
	TypeResolution  ElementType = "resolution"
	TypeContext     ElementType = "context"
	TypeSummary     ElementType = "summary"
)

// Element is one unit of conversational memory. Elements are never mutated
// after insertion.
type Element struct {
	ID        string
	Source    string
	Type      ElementType
	Key       string
	Value     any
	Relevance core.Level
	CreatedAt time.Time
	ExpiresAt time.Time // zero means it lives as long as its conversation
	Tokens    int
	Metadata  map[string]any

	seq uint64
}

// Expired reports whether the element is past its expiry at now.
func (e *Element) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Element) clone() Element {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// conversation is the preserver's internal record. Elements stay in insertion
// order and tokens always equals the sum of their token counts.
type conversation struct {
	id           string
	initiator    string
	participants []string
	domain       string
	elements     []*Element
	tokens       int
	budget       int
	summary      string
	createdAt    time.Time
	lastActivity time.Time
	expiresAt    time.Time
	terms        map[string][]string
}

func (c *conversation) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

func (c *conversation) hasParticipant(agentID string) bool {
	for _, p := range c.participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// View is what a reader gets back from a conversation.
type View struct {
	ConversationID string
	Domain         string
	Participants   []string
	Elements       []Element
	Summary        string
	TokenCount     int
	ExpiresAt      time.Time
}

// Shared is a broadcast context readable only by its allow-list.
type Shared struct {
	ID          string
	Agents      []string
	Domain      string
	Payload     any
	Relevance   core.Level
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int
}

func (s *Shared) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Shared) allows(agentID string) bool {
	for _, a := range s.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// MergeStrategy selects how Merge folds source conversations together.
type MergeStrategy string

const (
	MergeCombine   MergeStrategy = "combine"
	MergeSummarize MergeStrategy = "summarize"
)

// Metrics are running totals kept by a Preserver.
type Metrics struct {
	ContextsCreated    int
	ContextsActive     int
	ContextsPruned     int
	ContextsSummarized int
	TokensPreserved    int
	Retrievals         int
	ElementsEvicted    int
	SharedCreated      int
	SharedActive       int
}

// ConversationOption customizes CreateConversation.
type ConversationOption func(*conversationParams)

type conversationParams struct {
	initial  map[string]any
	lifespan time.Duration
	budget   int
}

// WithInitialContext seeds the conversation with one MEDIUM element per entry.
func WithInitialContext(ctx map[string]any) ConversationOption {
	return func(p *conversationParams) {
		p.initial = ctx
	}
}

// WithLifespan overrides the configured conversation lifespan.
func WithLifespan(d time.Duration) ConversationOption {
	return func(p *conversationParams) {
		p.lifespan = d
	}
}

// WithTokenBudget overrides the configured token budget for one conversation.
func WithTokenBudget(tokens int) ConversationOption {
	return func(p *conversationParams) {
		p.budget = tokens
	}
}

// ElementOption customizes AddElement.
type ElementOption func(*Element)

func WithRelevance(l core.Level) ElementOption {
	return func(e *Element) {
		e.Relevance = l
	}
}

func WithElementLifespan(d time.Duration) ElementOption {
	return func(e *Element) {
		if d > 0 {
			e.ExpiresAt = e.CreatedAt.Add(d)
		}
	}
}

// WithMetadata attaches a copy of md to the element.
func WithMetadata(md map[string]any) ElementOption {
	return func(e *Element) {
		if md == nil {
			e.Metadata = nil
			return
		}
		e.Metadata = make(map[string]any, len(md))
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// QueryOption narrows GetConversation.
type QueryOption func(*query)

type query struct {
	types        map[ElementType]bool
	minRelevance core.Level
	maxElements  int
}

func defaultQuery() query {
	return query{minRelevance: core.LevelMedium}
}

// WithTypes keeps only elements of the given types.
func WithTypes(types ...ElementType) QueryOption {
	return func(q *query) {
		q.types = make(map[ElementType]bool, len(types))
		for _, t := range types {
			q.types[t] = true
		}
	}
}

// WithMinRelevance drops anything less relevant than l. The default is MEDIUM.
func WithMinRelevance(l core.Level) QueryOption {
	return func(q *query) {
		q.minRelevance = l
	}
}

func WithMaxElements(n int) QueryOption {
	return func(q *query) {
		q.maxElements = n
	}
}

// SharedOption customizes CreateShared.
type SharedOption func(*Shared)

// WithSharedRelevance overrides the default HIGH relevance.
func WithSharedRelevance(l core.Level) SharedOption {
	return func(s *Shared) {
		s.Relevance = l
	}
}

func WithSharedLifespan(d time.Duration) SharedOption {
	return func(s *Shared) {
		if d > 0 {
			s.ExpiresAt = s.CreatedAt.Add(d)
		}
	}
}
