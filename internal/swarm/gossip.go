package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// NATSGossip carries neighbor messages over the bus. Every registered
// mailbox listens on its own inbox topic for the run.
type NATSGossip struct {
	client *natsbus.Client
	runID  string
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSGossip(client *natsbus.Client, runID string, logger *slog.Logger) *NATSGossip {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSGossip{client: client, runID: runID, logger: logger}
}

func (g *NATSGossip) Register(box *agent.Mailbox) error {
	topic := natsbus.TopicAgentInbox(g.runID, box.AgentID())
	sub, err := g.client.Subscribe(topic, func(msg *nats.Msg) {
		var m agent.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			g.logger.Warn("invalid gossip message", "agent", box.AgentID(), "error", err)
			return
		}
		box.Enqueue(m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	return nil
}

func (g *NATSGossip) Send(_ context.Context, to string, msg agent.Message) error {
	return g.client.PublishJSON(natsbus.TopicAgentInbox(g.runID, to), msg)
}

// Close drops every inbox subscription.
func (g *NATSGossip) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
}
