package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/core"
	"github.com/boristopalov/quorum/pkg/memory"
	"github.com/boristopalov/quorum/pkg/messaging"
)

// Agent is one worker role in a coordination session.
type Agent interface {
	ID() string
	Role() string
	// Step handles at most one inbound message. ok is false when nothing was ready.
	Step(ctx context.Context) (out Outcome, ok bool, err error)
}

type ModelInfo struct {
	Id     string         // e.g. "gpt-4o-mini"
	Config map[string]any // model-specific configuration
}

// Outcome is what an agent did with one message.
type Outcome struct {
	MessageID string
	From      string
	Type      messaging.MessageType
	Urgency   float64
	// Decision is nil for messages that only inform the agent.
	Decision *Decision
}

type LLMAgent struct {
	id           string
	role         string
	model        ModelInfo
	client       core.Completer
	inbox        *messaging.Prioritizer
	preserver    *memory.Preserver
	conversation string
	contextSize  int
	logger       *zap.Logger
}

type AgentParams struct {
	Role           string
	Model          ModelInfo
	Client         core.Completer
	Preserver      *memory.Preserver
	ConversationID string
	ContextSize    int
	Logger         *zap.Logger
}

type AgentOption func(*AgentParams)

func WithRole(role string) AgentOption {
	return func(p *AgentParams) {
		p.Role = role
	}
}

func WithModel(model ModelInfo) AgentOption {
	return func(p *AgentParams) {
		p.Model = model
	}
}

func WithClient(c core.Completer) AgentOption {
	return func(p *AgentParams) {
		p.Client = c
	}
}

// WithContext lets the agent read and write a shared conversation.
func WithContext(p *memory.Preserver, conversationID string) AgentOption {
	return func(params *AgentParams) {
		params.Preserver = p
		params.ConversationID = conversationID
	}
}

// WithContextSize caps how many context elements go into a prompt.
func WithContextSize(n int) AgentOption {
	return func(p *AgentParams) {
		p.ContextSize = n
	}
}

func WithLogger(l *zap.Logger) AgentOption {
	return func(p *AgentParams) {
		p.Logger = l
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		Model: ModelInfo{
			Id:     "gpt-4o-mini",
			Config: make(map[string]any),
		},
		ContextSize: 10,
	}
}

// NewLLMAgent creates an agent that works through inbox. The agent id is the
// inbox owner; the role defaults to the id's prefix.
func NewLLMAgent(inbox *messaging.Prioritizer, opts ...AgentOption) (*LLMAgent, error) {
	if inbox == nil {
		return nil, errors.New("agent: nil inbox")
	}
	params := defaultAgentParams()
	for _, opt := range opts {
		opt(params)
	}
	if params.Client == nil {
		return nil, fmt.Errorf("agent %s: no completion client", inbox.AgentID())
	}
	if params.Role == "" {
		params.Role = roleOf(inbox.AgentID())
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}

	return &LLMAgent{
		id:           inbox.AgentID(),
		role:         params.Role,
		model:        params.Model,
		client:       params.Client,
		inbox:        inbox,
		preserver:    params.Preserver,
		conversation: params.ConversationID,
		contextSize:  params.ContextSize,
		logger:       params.Logger.With(zap.String("agent", inbox.AgentID())),
	}, nil
}

func roleOf(id string) string {
	if i := strings.IndexAny(id, "-_:./"); i > 0 {
		return id[:i]
	}
	return id
}

func (a *LLMAgent) ID() string {
	return a.id
}

func (a *LLMAgent) Role() string {
	return a.role
}

func (a *LLMAgent) GetModel() ModelInfo {
	return a.model
}

func (a *LLMAgent) Inbox() *messaging.Prioritizer {
	return a.inbox
}

// Step takes the most urgent ready message. Queries and commands are put to
// the language model and answered with a decision; everything else is just
// remembered.
func (a *LLMAgent) Step(ctx context.Context) (Outcome, bool, error) {
	msg, ok := a.inbox.Dequeue()
	if !ok {
		return Outcome{}, false, nil
	}
	out := Outcome{MessageID: msg.ID, From: msg.From, Type: msg.Type}
	if msg.Urgency != nil {
		out.Urgency = *msg.Urgency
	}

	if msg.Type != messaging.TypeQuery && msg.Type != messaging.TypeCommand {
		a.remember(memory.TypeObservation, "message:"+msg.ID, fmt.Sprintf("%s from %s: %v", msg.Type, msg.From, msg.Content), core.LevelLow)
		a.complete(msg.ID, true, 0)
		return out, true, nil
	}

	start := time.Now()
	raw, err := a.client.Complete(ctx, a.model.Id, a.prompt(msg))
	latency := time.Since(start)
	if err != nil {
		a.complete(msg.ID, false, latency)
		return out, true, fmt.Errorf("agent %s: message %s: %w", a.id, msg.ID, err)
	}
	decision, err := ParseDecision(raw)
	if err != nil {
		a.complete(msg.ID, false, latency)
		return out, true, fmt.Errorf("agent %s: message %s: %w", a.id, msg.ID, err)
	}
	out.Decision = &decision

	level := core.LevelMedium
	if decision.Confidence >= 0.7 {
		level = core.LevelHigh
	}
	a.remember(memory.TypeDecision, "decision:"+msg.ID, decision.String(), level)
	a.complete(msg.ID, true, latency)
	a.logger.Debug("decided",
		zap.String("message", msg.ID),
		zap.String("decision", decision.Action),
		zap.Float64("confidence", decision.Confidence),
		zap.Duration("latency", latency))
	return out, true, nil
}

func (a *LLMAgent) complete(id string, success bool, latency time.Duration) {
	if err := a.inbox.Complete(id, success, latency); err != nil {
		a.logger.Warn("failed to complete message", zap.String("message", id), zap.Error(err))
	}
}

func (a *LLMAgent) remember(t memory.ElementType, key, value string, level core.Level) {
	if a.preserver == nil || a.conversation == "" {
		return
	}
	if _, err := a.preserver.AddElement(a.conversation, a.id, t, key, value, memory.WithRelevance(level)); err != nil {
		a.logger.Warn("failed to store context", zap.String("key", key), zap.Error(err))
	}
}

func (a *LLMAgent) prompt(msg messaging.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are agent %s, role: %s, in a team debugging a production issue.\n", a.id, a.role)
	if a.preserver != nil && a.conversation != "" {
		view, err := a.preserver.GetConversation(a.conversation, a.id, memory.WithMaxElements(a.contextSize))
		if err != nil {
			a.logger.Warn("failed to load context", zap.Error(err))
		} else {
			if view.Summary != "" {
				fmt.Fprintf(&sb, "\nSummary so far:\n%s\n", view.Summary)
			}
			if len(view.Elements) > 0 {
				sb.WriteString("\nShared context:\n")
				for _, e := range view.Elements {
					fmt.Fprintf(&sb, "- [%s] %s (%s): %v\n", e.Relevance, e.Key, e.Source, e.Value)
				}
			}
		}
	}
	fmt.Fprintf(&sb, "\n%s from %s:\n%v\n", msg.Type, msg.From, msg.Content)
	sb.WriteString("\nAnswer with exactly these lines:\nDECISION: <one short action>\nCONFIDENCE: <0.0-1.0>\nREASON: <one sentence>\n")
	return sb.String()
}
