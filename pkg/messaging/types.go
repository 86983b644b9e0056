package messaging

import (
	"time"

	"github.com/boristopalov/quorum/pkg/core"
)

// MessageType classifies a message. The set is open-ended; unknown types get
// the default base priority.
type MessageType string

const (
	TypeCommand      MessageType = "command"
	TypeQuery        MessageType = "query"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeUpdate       MessageType = "update"
	TypeHeartbeat    MessageType = "heartbeat"
)

// ReadyStatus says whether a queued message may be handed out.
type ReadyStatus string

const (
	StatusPendingDependencies ReadyStatus = "pending_dependencies"
	StatusReady               ReadyStatus = "ready"
)

// Message represents a unit of work sent from one agent to another
type Message struct {
	ID        string
	From      string      // Agent ID of sender
	To        string      // Agent ID of the receiving prioritizer
	Type      MessageType // Drives the base priority
	Content   any         // Opaque payload
	Urgency   *float64    // Optional, clamped to [0,1]
	Relevance *float64    // Optional, clamped to [0,1]
	Metadata  map[string]any

	Priority float64    // Lower is processed sooner
	Level    core.Level // Bucket derived from Priority

	CreatedAt    time.Time
	ExpiresAt    time.Time // Zero means never
	Dependencies []string
	Status       ReadyStatus
	Attempts     int
	StartedAt    time.Time
	Outcome      *Outcome

	seq   uint64
	index int
}

// Outcome is the terminal result reported through Complete.
type Outcome struct {
	Success      bool
	ResponseTime time.Duration
	CompletedAt  time.Time
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

func (m *Message) clone() Message {
	c := *m
	c.Dependencies = append([]string(nil), m.Dependencies...)
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	return c
}

// EnqueueOption sets optional message fields at enqueue time.
type EnqueueOption func(*Message)

func WithID(id string) EnqueueOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithUrgency(u float64) EnqueueOption {
	return func(m *Message) {
		m.Urgency = &u
	}
}

func WithRelevance(r float64) EnqueueOption {
	return func(m *Message) {
		m.Relevance = &r
	}
}

// WithExpiry sets an absolute expiry instant.
func WithExpiry(t time.Time) EnqueueOption {
	return func(m *Message) {
		m.ExpiresAt = t
	}
}

// WithTTL sets the expiry relative to the enqueue time.
func WithTTL(d time.Duration) EnqueueOption {
	return func(m *Message) {
		m.ExpiresAt = m.CreatedAt.Add(d)
	}
}

func WithDependencies(ids ...string) EnqueueOption {
	return func(m *Message) {
		m.Dependencies = append(m.Dependencies, ids...)
	}
}

func WithMetadata(md map[string]any) EnqueueOption {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// PriorityRule adjusts a computed base priority for one message type.
type PriorityRule func(base float64, source string, metadata map[string]any) float64

// TypeStats are running per-type completion statistics.
type TypeStats struct {
	Count        int
	Successes    int
	TotalLatency time.Duration
}

// SuccessRate returns Successes/Count, or 0 with no completions.
func (s TypeStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Count)
}

// AverageLatency returns the mean response time.
func (s TypeStats) AverageLatency() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Count)
}

// QueueStatus is a point-in-time view of a prioritizer.
type QueueStatus struct {
	QueueLength int
	InFlight    int
	ByLevel     map[core.Level]int
	Enqueued    int
	Dequeued    int
	Completed   int
	Succeeded   int
	Expired     int
	Dropped     int
	SuccessRate float64
}
