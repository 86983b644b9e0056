package messaging

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/logging"
)

var ErrAlreadyRegistered = errors.New("agent already registered")
var ErrNotRegistered = errors.New("agent not registered")

// Router delivers messages between agents.
type Router interface {
	// Route enqueues a message into the target agent's inbox
	Route(from, to string, t MessageType, content any, opts ...EnqueueOption) (string, error)
	// Broadcast enqueues a copy for every registered agent except the sender
	Broadcast(from string, t MessageType, content any, opts ...EnqueueOption) (map[string]string, error)
}

// Broker routes messages to per-agent prioritizers.
// inboxes is a map where keys are agent IDs and values are their prioritizers
type Broker struct {
	inboxes map[string]*Prioritizer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewBroker creates a new message broker
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		inboxes: make(map[string]*Prioritizer),
		logger:  logging.OrNop(logger),
	}
}

// Register attaches an agent's prioritizer
func (b *Broker) Register(p *Prioritizer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[p.AgentID()]; exists {
		return fmt.Errorf("messaging: register %s: %w", p.AgentID(), ErrAlreadyRegistered)
	}
	b.inboxes[p.AgentID()] = p
	return nil
}

// Unregister detaches an agent's prioritizer
func (b *Broker) Unregister(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[agentID]; !exists {
		return fmt.Errorf("messaging: unregister %s: %w", agentID, ErrNotRegistered)
	}
	delete(b.inboxes, agentID)
	return nil
}

// Inbox returns the prioritizer registered for agentID.
func (b *Broker) Inbox(agentID string) (*Prioritizer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.inboxes[agentID]
	return p, ok
}

// Agents lists registered agent ids in sorted order.
func (b *Broker) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Route enqueues into the target's prioritizer. An unknown target is not an
// error: a locally synthesized id is returned and the message goes nowhere.
func (b *Broker) Route(from, to string, t MessageType, content any, opts ...EnqueueOption) (string, error) {
	p, ok := b.Inbox(to)
	if !ok {
		id := "local-" + uuid.New().String()
		b.logger.Warn("no inbox for target agent, message not delivered",
			zap.String("from", from),
			zap.String("to", to),
			zap.String("type", string(t)),
			zap.String("id", id))
		return id, nil
	}
	return p.Enqueue(from, t, content, opts...)
}

// Broadcast sends to every registered agent except the sender. It returns the
// message id assigned in each recipient's inbox.
func (b *Broker) Broadcast(from string, t MessageType, content any, opts ...EnqueueOption) (map[string]string, error) {
	ids := make(map[string]string)
	var errs []error
	for _, agentID := range b.Agents() {
		if agentID == from { // Don't send to self
			continue
		}
		id, err := b.Route(from, agentID, t, content, opts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids[agentID] = id
	}
	return ids, errors.Join(errs...)
}

func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxes = make(map[string]*Prioritizer)
}
