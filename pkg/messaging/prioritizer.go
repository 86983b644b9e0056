package messaging

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/core"
	"github.com/boristopalov/quorum/pkg/logging"
)

const (
	MinPriority     = 0.5
	MaxPriority     = 5.0
	DefaultPriority = 3.0

	// minLedgerSize floors the number of finished message ids remembered
	// for dependency checks and duplicate completions.
	minLedgerSize = 1024
)

var (
	ErrUnknownMessage   = errors.New("unknown message")
	ErrAlreadyCompleted = errors.New("message already completed")
	ErrDuplicateMessage = errors.New("message id already queued")
)

var basePriorities = map[MessageType]float64{
	TypeCommand:      1.0,
	TypeResponse:     1.5,
	TypeQuery:        2.0,
	TypeUpdate:       2.5,
	TypeNotification: 3.0,
	TypeHeartbeat:    5.0,
}

// BasePriority returns the table priority for a message type.
func BasePriority(t MessageType) float64 {
	if p, ok := basePriorities[t]; ok {
		return p
	}
	return DefaultPriority
}

// LevelFor buckets a clamped priority value.
func LevelFor(priority float64) core.Level {
	switch {
	case priority < 1:
		return core.LevelCritical
	case priority < 2:
		return core.LevelHigh
	case priority < 3:
		return core.LevelMedium
	case priority < 4:
		return core.LevelLow
	default:
		return core.LevelBackground
	}
}

// Prioritizer is one agent's bounded min-priority inbox.
// Entries are ordered by (priority, arrival sequence).
type Prioritizer struct {
	agentID string
	cfg     config.PrioritizerConfig
	logger  *zap.Logger
	now     core.Clock

	mu       sync.Mutex
	queue    messageHeap
	byID     map[string]*Message
	inflight map[string]*Message
	rules    map[MessageType]PriorityRule
	stats    map[MessageType]*TypeStats
	seq      uint64

	// ledger remembers finished ids. Queued and in-flight ids are tracked by
	// byID and inflight; an id in none of them is unknown and counts as satisfied.
	ledger *lru.Cache[string, ledgerEntry]

	// orphans is set when a message is discarded unfinished, so dependents
	// left in the queue must be swept.
	orphans bool

	enqueued  int
	dequeued  int
	succeeded int
	finished  int
	expired   int
	dropped   int
}

// ledgerEntry is what is remembered about a finished message. dead marks a
// message that was discarded before it ran.
type ledgerEntry struct {
	completed bool
	released  bool
	dead      bool
}

type depState int

const (
	depSatisfied depState = iota
	depPending
	depDead
)

type PrioritizerOption func(*Prioritizer)

func WithLogger(l *zap.Logger) PrioritizerOption {
	return func(p *Prioritizer) {
		p.logger = logging.OrNop(l)
	}
}

func WithClock(c core.Clock) PrioritizerOption {
	return func(p *Prioritizer) {
		p.now = c
	}
}

// NewPrioritizer creates the inbox for agentID.
func NewPrioritizer(agentID string, cfg config.PrioritizerConfig, opts ...PrioritizerOption) *Prioritizer {
	p := &Prioritizer{
		agentID:  agentID,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      core.SystemClock,
		byID:     make(map[string]*Message),
		inflight: make(map[string]*Message),
		rules:    make(map[MessageType]PriorityRule),
		stats:    make(map[MessageType]*TypeStats),
	}
	if p.cfg.MaxQueueSize <= 0 {
		p.cfg.MaxQueueSize = config.Default().Prioritizer.MaxQueueSize
	}
	// size is always positive, so lru.New cannot fail
	p.ledger, _ = lru.New[string, ledgerEntry](max(minLedgerSize, 4*p.cfg.MaxQueueSize))
	if p.cfg.UrgentExpiry <= 0 {
		p.cfg.UrgentExpiry = 60 * time.Second
	}
	if p.cfg.SoonExpiry <= 0 {
		p.cfg.SoonExpiry = 300 * time.Second
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("agent", agentID))
	return p
}

// AgentID returns the owning agent.
func (p *Prioritizer) AgentID() string {
	return p.agentID
}

// RegisterRule installs a custom adjustment for one message type,
// replacing any previous rule for that type.
func (p *Prioritizer) RegisterRule(t MessageType, rule PriorityRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rule == nil {
		delete(p.rules, t)
		return
	}
	p.rules[t] = rule
}

// Enqueue computes the message priority, inserts it and trims the queue back
// to its bound by discarding the worst entries. Messages depending on a
// discarded entry are dropped with it. It returns the message id.
func (p *Prioritizer) Enqueue(from string, t MessageType, content any, opts ...EnqueueOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	msg := &Message{
		From:      from,
		To:        p.agentID,
		Type:      t,
		Content:   content,
		CreatedAt: now,
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if _, exists := p.byID[msg.ID]; exists || p.inflight[msg.ID] != nil {
		return "", fmt.Errorf("messaging: enqueue %s: %w", msg.ID, ErrDuplicateMessage)
	}

	msg.Priority = p.computePriority(msg, now)
	msg.Level = LevelFor(msg.Priority)
	msg.Status = p.readiness(msg)

	p.seq++
	msg.seq = p.seq
	heap.Push(&p.queue, msg)
	p.byID[msg.ID] = msg
	// a re-enqueued id is a retry and starts with a clean record
	p.ledger.Remove(msg.ID)
	p.enqueued++
	if p.hasDeadDependency(msg) {
		p.orphans = true
	}

	p.trim()
	p.sweepOrphans()
	return msg.ID, nil
}

// ComputePriority returns the priority the message would receive if enqueued now.
func (p *Prioritizer) ComputePriority(msg Message) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computePriority(&msg, p.now())
}

func (p *Prioritizer) computePriority(msg *Message, now time.Time) float64 {
	base := BasePriority(msg.Type)
	if msg.Urgency != nil {
		base -= core.Clamp01(*msg.Urgency) * 2
	}
	if msg.Relevance != nil {
		base -= core.Clamp01(*msg.Relevance) * 1.5
	}
	if !msg.ExpiresAt.IsZero() {
		untilExpiry := msg.ExpiresAt.Sub(now)
		if untilExpiry < p.cfg.UrgentExpiry {
			base -= 1.0
		} else if untilExpiry < p.cfg.SoonExpiry {
			base -= 0.5
		}
	}
	base += 0.2 * float64(len(msg.Dependencies))

	if rule, ok := p.rules[msg.Type]; ok {
		base = rule(base, msg.From, msg.Metadata)
	}

	if p.cfg.Adaptive {
		if s, ok := p.stats[msg.Type]; ok && s.Count > 0 {
			rate := s.SuccessRate()
			if rate > 0.9 {
				base += 0.1
			}
			if rate < 0.3 {
				base -= 0.2
			}
		}
	}
	return core.Clamp(base, MinPriority, MaxPriority)
}

func (p *Prioritizer) readiness(msg *Message) ReadyStatus {
	for _, dep := range msg.Dependencies {
		if p.dependency(dep) != depSatisfied {
			return StatusPendingDependencies
		}
	}
	return StatusReady
}

// dependency reports whether dep has released its dependents. A failed
// completion keeps them waiting for a retry or MarkSatisfied.
func (p *Prioritizer) dependency(dep string) depState {
	e, known := p.ledger.Peek(dep)
	if known && e.released {
		return depSatisfied
	}
	if known && e.dead {
		return depDead
	}
	if _, ok := p.byID[dep]; ok {
		return depPending
	}
	if _, ok := p.inflight[dep]; ok {
		return depPending
	}
	if known && e.completed {
		return depPending
	}
	return depSatisfied
}

func (p *Prioritizer) hasDeadDependency(msg *Message) bool {
	for _, dep := range msg.Dependencies {
		if p.dependency(dep) == depDead {
			return true
		}
	}
	return false
}

// discard forgets a queued message that will never run. Callers have
// already taken it off the heap.
func (p *Prioritizer) discard(msg *Message) {
	delete(p.byID, msg.ID)
	p.ledger.Add(msg.ID, ledgerEntry{dead: true})
	p.orphans = true
}

// sweepOrphans drops queued messages whose dependencies were discarded,
// repeating until no message is left waiting on a dead one.
func (p *Prioritizer) sweepOrphans() {
	for p.orphans {
		p.orphans = false
		for i := 0; i < p.queue.Len(); {
			m := p.queue[i]
			if !p.hasDeadDependency(m) {
				i++
				continue
			}
			heap.Remove(&p.queue, i)
			p.discard(m)
			p.dropped++
			p.logger.Debug("dropped message with discarded dependency", zap.String("message", m.ID))
			i = 0
		}
	}
}

// trim drops the highest-priority-value entries until the queue fits.
// Among equal worst priorities the latest arrival goes first.
func (p *Prioritizer) trim() {
	for p.queue.Len() > p.cfg.MaxQueueSize {
		worst := 0
		for i, m := range p.queue {
			w := p.queue[worst]
			if m.Priority > w.Priority || (m.Priority == w.Priority && m.seq > w.seq) {
				worst = i
			}
		}
		dropped := heap.Remove(&p.queue, worst).(*Message)
		p.discard(dropped)
		p.dropped++
		p.logger.Debug("dropped message over queue bound",
			zap.String("message", dropped.ID),
			zap.Float64("priority", dropped.Priority))
	}
}

// Dequeue pops the most urgent ready message. Expired entries met along the
// way are discarded; entries still waiting on dependencies stay queued.
// Entries depending on a discarded message are dropped.
func (p *Prioritizer) Dequeue() (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var held []*Message
	defer func() {
		for _, m := range held {
			heap.Push(&p.queue, m)
		}
		p.sweepOrphans()
	}()

	for p.queue.Len() > 0 {
		msg := heap.Pop(&p.queue).(*Message)
		if msg.Expired(now) {
			p.discard(msg)
			p.expired++
			p.logger.Debug("discarded expired message", zap.String("message", msg.ID))
			continue
		}
		if p.hasDeadDependency(msg) {
			p.discard(msg)
			p.dropped++
			p.logger.Debug("dropped message with discarded dependency", zap.String("message", msg.ID))
			continue
		}
		msg.Status = p.readiness(msg)
		if msg.Status == StatusPendingDependencies {
			held = append(held, msg)
			continue
		}

		delete(p.byID, msg.ID)
		msg.Attempts++
		msg.StartedAt = now
		p.inflight[msg.ID] = msg
		p.dequeued++
		return msg.clone(), true
	}
	return Message{}, false
}

// Complete records the outcome of a dequeued message. A zero responseTime is
// measured from the dequeue instant. Completing twice is rejected.
func (p *Prioritizer) Complete(id string, success bool, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.inflight[id]
	if !ok {
		if e, known := p.ledger.Peek(id); known && e.completed {
			return fmt.Errorf("messaging: complete %s: %w", id, ErrAlreadyCompleted)
		}
		return fmt.Errorf("messaging: complete %s: %w", id, ErrUnknownMessage)
	}
	now := p.now()
	if responseTime <= 0 {
		responseTime = now.Sub(msg.StartedAt)
	}
	msg.Outcome = &Outcome{Success: success, ResponseTime: responseTime, CompletedAt: now}
	delete(p.inflight, id)

	s, ok := p.stats[msg.Type]
	if !ok {
		s = &TypeStats{}
		p.stats[msg.Type] = s
	}
	s.Count++
	s.TotalLatency += responseTime
	p.finished++
	// only a success releases dependents
	entry := ledgerEntry{completed: true}
	if success {
		s.Successes++
		p.succeeded++
		entry.released = true
	}
	p.ledger.Add(id, entry)
	return nil
}

// MarkSatisfied records ids completed elsewhere so dependents become ready.
func (p *Prioritizer) MarkSatisfied(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		e, _ := p.ledger.Peek(id)
		e.released = true
		e.dead = false
		p.ledger.Add(id, e)
	}
}

// UpdatePriority re-keys a queued message. The value is clamped to the valid range.
func (p *Prioritizer) UpdatePriority(id string, priority float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("messaging: update priority %s: %w", id, ErrUnknownMessage)
	}
	msg.Priority = core.Clamp(priority, MinPriority, MaxPriority)
	msg.Level = LevelFor(msg.Priority)
	heap.Fix(&p.queue, msg.index)
	return nil
}

// Get returns a copy of a queued or in-flight message.
func (p *Prioritizer) Get(id string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		return m.clone(), true
	}
	if m, ok := p.inflight[id]; ok {
		return m.clone(), true
	}
	return Message{}, false
}

// Len returns the number of queued messages.
func (p *Prioritizer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stats returns the completion statistics for one message type.
func (p *Prioritizer) Stats(t MessageType) TypeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stats[t]; ok {
		return *s
	}
	return TypeStats{}
}

func (p *Prioritizer) Status() QueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	byLevel := make(map[core.Level]int, 5)
	for _, l := range core.Levels() {
		byLevel[l] = 0
	}
	for _, m := range p.queue {
		byLevel[m.Level]++
	}
	var rate float64
	if p.finished > 0 {
		rate = float64(p.succeeded) / float64(p.finished)
	}
	return QueueStatus{
		QueueLength: p.queue.Len(),
		InFlight:    len(p.inflight),
		ByLevel:     byLevel,
		Enqueued:    p.enqueued,
		Dequeued:    p.dequeued,
		Completed:   p.finished,
		Succeeded:   p.succeeded,
		Expired:     p.expired,
		Dropped:     p.dropped,
		SuccessRate: rate,
	}
}

// messageHeap implements heap.Interface ordered by (priority, seq).
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	m := x.(*Message)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	*h = old[:n-1]
	return m
}
