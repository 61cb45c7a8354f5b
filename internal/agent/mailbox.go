package agent

import (
	"sync"
	"time"
)

// Message is what agents gossip to their neighbors.
type Message struct {
	From    string    `json:"from"`
	Cycle   int       `json:"cycle"`
	Score   float64   `json:"score"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// DefaultMailboxSize bounds an agent's inbox.
const DefaultMailboxSize = 64

// Mailbox is a bounded inbox. Senders never block: when the box is full
// the oldest message is dropped.
type Mailbox struct {
	agentID string
	pending []Message
	limit   int
	dropped int
	mu      sync.Mutex
}

func NewMailbox(agentID string, limit int) *Mailbox {
	if limit <= 0 {
		limit = DefaultMailboxSize
	}
	return &Mailbox{agentID: agentID, limit: limit}
}

func (m *Mailbox) AgentID() string {
	return m.agentID
}

func (m *Mailbox) Enqueue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) >= m.limit {
		m.pending = m.pending[1:]
		m.dropped++
	}
	m.pending = append(m.pending, msg)
}

// Drain removes and returns every pending message.
func (m *Mailbox) Drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Dropped returns how many messages were discarded because the box was full.
func (m *Mailbox) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
