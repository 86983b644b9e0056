package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/quorum/pkg/agent"
	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/conflict"
	"github.com/boristopalov/quorum/pkg/core"
	"github.com/boristopalov/quorum/pkg/memory"
	"github.com/boristopalov/quorum/pkg/messaging"
)

// Sender is the broker identity the session uses for its own messages.
const Sender = "session"

var ErrStopped = errors.New("session stopped")

// DefaultRoles is the debugging team used when none is given.
var DefaultRoles = []string{"orchestrator", "strategist", "verifier", "detector"}

type State struct {
	Status    string
	Step      int
	Timestamp time.Time
}

// Session wires one debugging team to a shared prioritizer broker, conflict
// resolver and context preserver and drives it step by step.
type Session struct {
	issue        string
	domain       string
	conversation string
	agents       []agent.Agent
	broker       *messaging.Broker
	resolver     *conflict.Resolver
	preserver    *memory.Preserver
	logger       *zap.Logger
	now          core.Clock

	mu      sync.Mutex
	state   State
	stopped bool
}

type Params struct {
	Roles  []string
	Domain string
	Logger *zap.Logger
	Clock  core.Clock
}

type Option func(*Params)

func WithRoles(roles ...string) Option {
	return func(p *Params) {
		p.Roles = roles
	}
}

func WithDomain(domain string) Option {
	return func(p *Params) {
		p.Domain = domain
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Params) {
		p.Logger = l
	}
}

func WithClock(c core.Clock) Option {
	return func(p *Params) {
		p.Clock = c
	}
}

// New builds the kernel from cfg (defaults when nil), opens a conversation for the issue and
// creates one agent per role, all answering through client.
func New(cfg *config.KernelConfig, issue string, client core.Completer, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	params := &Params{
		Roles:  DefaultRoles,
		Domain: "debugging",
		Logger: zap.NewNop(),
		Clock:  core.SystemClock,
	}
	for _, opt := range opts {
		opt(params)
	}
	if len(params.Roles) == 0 {
		return nil, errors.New("session: no roles")
	}

	resolver, err := conflict.NewResolver(cfg.Resolver,
		conflict.WithLogger(params.Logger.Named("resolver")),
		conflict.WithClock(params.Clock))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	preserver := memory.NewPreserver(cfg.Preserver,
		memory.WithLogger(params.Logger.Named("preserver")),
		memory.WithClock(params.Clock))
	broker := messaging.NewBroker(params.Logger.Named("broker"))

	conv, err := preserver.CreateConversation(params.Roles[0], params.Roles[1:], params.Domain,
		memory.WithInitialContext(map[string]any{"issue": issue}))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		issue:        issue,
		domain:       params.Domain,
		conversation: conv,
		broker:       broker,
		resolver:     resolver,
		preserver:    preserver,
		logger:       params.Logger,
		now:          params.Clock,
		state:        State{Status: "idle", Timestamp: params.Clock()},
	}
	for _, role := range params.Roles {
		inbox := messaging.NewPrioritizer(role, cfg.Prioritizer,
			messaging.WithLogger(params.Logger.Named("inbox")),
			messaging.WithClock(params.Clock))
		if err := broker.Register(inbox); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		a, err := agent.NewLLMAgent(inbox,
			agent.WithClient(client),
			agent.WithModel(agent.ModelInfo{Id: cfg.Provider.Model, Config: make(map[string]any)}),
			agent.WithContext(preserver, conv),
			agent.WithLogger(params.Logger.Named("agent")),
		)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.agents = append(s.agents, a)
	}
	return s, nil
}

func (s *Session) Resolver() *conflict.Resolver { return s.resolver }
func (s *Session) Preserver() *memory.Preserver { return s.preserver }
func (s *Session) Broker() *messaging.Broker { return s.broker }
func (s *Session) ConversationID() string { return s.conversation }
func (s *Session) Agents() []agent.Agent { return append([]agent.Agent(nil), s.agents...) }

func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kickoff asks every agent what to do about the issue.
func (s *Session) Kickoff() error {
	if s.isStopped() {
		return ErrStopped
	}
	_, err := s.broker.Broadcast(Sender, messaging.TypeQuery,
		fmt.Sprintf("Production issue: %s\nWhat remediation do you propose?", s.issue),
		messaging.WithUrgency(0.8),
		messaging.WithRelevance(1))
	return err
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Step runs every agent once, concurrently. When the decisions produced in
// this step disagree the session arbitrates them, stores the outcome as
// shared context and tells the team.
func (s *Session) Step(ctx context.Context) (core.StepReport, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.StepReport{}, ErrStopped
	}
	s.state.Status = "running"
	s.state.Step++
	s.state.Timestamp = s.now()
	report := core.StepReport{Step: s.state.Step}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state.Status = "idle"
		s.mu.Unlock()
	}()

	if n := s.preserver.PruneExpired(); n > 0 {
		s.logger.Info("pruned expired context", zap.Int("removed", n))
	}

	outcomes := make([]agent.Outcome, len(s.agents))
	handled := make([]bool, len(s.agents))
	errs := make([]error, len(s.agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range s.agents {
		g.Go(func() error {
			out, ok, err := a.Step(gctx)
			outcomes[i], handled[i], errs[i] = out, ok, err
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("session: step %d: %w", report.Step, err)
	}

	var decisions []conflict.Decision
	urgency := 0.0
	for i, a := range s.agents {
		if handled[i] {
			report.Handled++
		}
		if errs[i] != nil {
			report.AgentErrors = append(report.AgentErrors, errs[i])
			s.logger.Warn("agent step failed", zap.String("agent", a.ID()), zap.Error(errs[i]))
			continue
		}
		if d := outcomes[i].Decision; d != nil {
			decisions = append(decisions, conflict.Decision{
				AgentID:    a.ID(),
				Payload:    *d,
				Confidence: conflict.Score(d.Confidence),
			})
			urgency = max(urgency, outcomes[i].Urgency)
		}
	}

	if len(decisions) == 0 {
		return report, nil
	}
	if agreed(decisions) {
		s.record(memory.TypeDecision, "agreement", fmt.Sprintf("team agreed on %s (%d decisions)", decisions[0].Payload, len(decisions)), core.LevelHigh)
		return report, nil
	}
	if err := s.arbitrate(decisions, urgency, &report); err != nil {
		return report, err
	}
	return report, nil
}

func agreed(ds []conflict.Decision) bool {
	for _, d := range ds[1:] {
		if !conflict.SameDecision(ds[0].Payload, d.Payload) {
			return false
		}
	}
	return true
}

func (s *Session) arbitrate(decisions []conflict.Decision, urgency float64, report *core.StepReport) error {
	id, err := s.resolver.Register(s.domain, decisions, nil, conflict.WithUrgency(urgency),
		conflict.WithContext(map[string]any{"issue": s.issue}))
	if err != nil {
		return fmt.Errorf("session: register conflict: %w", err)
	}
	report.Conflicts++

	res, err := s.resolver.Resolve(id)
	if err != nil {
		return fmt.Errorf("session: resolve conflict: %w", err)
	}

	switch res.State {
	case conflict.StateResolved:
		report.Resolved++
		winner := res.Result.(agent.Decision)
		s.record(memory.TypeResolution, "resolution:"+id,
			fmt.Sprintf("%s via %s (confidence %.2f): %s", winner.Action, res.Strategy, res.Confidence, res.Explanation),
			core.LevelCritical)
		if _, err := s.broker.Route(Sender, s.agents[0].ID(), messaging.TypeCommand,
			fmt.Sprintf("The team decided: %s. Plan how to carry it out.", winner.Action),
			messaging.WithUrgency(1)); err != nil {
			return fmt.Errorf("session: route follow-up: %w", err)
		}
		report.FollowUps++
		sent, err := s.broker.Broadcast(Sender, messaging.TypeNotification,
			fmt.Sprintf("Conflict %s resolved: %s", id, winner.Action))
		report.FollowUps += len(sent)
		if err != nil {
			return fmt.Errorf("session: broadcast resolution: %w", err)
		}
	default:
		report.Escalated++
		s.record(memory.TypeResolution, "escalation:"+id,
			fmt.Sprintf("%s after %d attempts: %s", res.State, res.Attempts, res.Explanation),
			core.LevelHigh)
		sent, err := s.broker.Broadcast(Sender, messaging.TypeNotification,
			fmt.Sprintf("Conflict %s escalated for human review: %s", id, res.Explanation))
		report.FollowUps += len(sent)
		if err != nil {
			return fmt.Errorf("session: broadcast escalation: %w", err)
		}
	}
	s.logger.Info("arbitrated conflict",
		zap.String("conflict", id),
		zap.String("state", string(res.State)),
		zap.String("strategy", string(res.Strategy)),
		zap.Float64("confidence", res.Confidence))
	return nil
}

func (s *Session) record(t memory.ElementType, key, value string, level core.Level) {
	if _, err := s.preserver.AddElement(s.conversation, Sender, t, key, value, memory.WithRelevance(level)); err != nil {
		s.logger.Warn("failed to record session context", zap.String("key", key), zap.Error(err))
	}
}

// Run kicks the session off and steps it until steps are done, the context
// ends, or a step fails.
func (s *Session) Run(ctx context.Context, steps int) ([]core.StepReport, error) {
	if err := s.Kickoff(); err != nil {
		return nil, err
	}
	var reports []core.StepReport
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return reports, ctx.Err()
		default:
		}
		r, err := s.Step(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Stop detaches every agent from the broker. It is safe to call twice.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.state.Status = "stopped"
	s.broker.Reset()
	return nil
}

var _ core.Runner = (*Session)(nil)
