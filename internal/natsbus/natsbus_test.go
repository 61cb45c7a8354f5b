package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func newTestClient(t *testing.T, bus *Bus) *Client {
	t.Helper()
	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Fatalf("expected a bound port, got %d", bus.Port())
	}
}

func TestBusWithDataDir(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	bus.Close()
}

func TestPubSub(t *testing.T) {
	client := newTestClient(t, newTestBus(t))

	received := make(chan string, 1)
	_, err := client.Subscribe(TopicAgentInbox("run1", "a1"), func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish(TopicAgentInbox("run1", "a1"), []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSONMatchesEventsWildcard(t *testing.T) {
	client := newTestClient(t, newTestBus(t))

	received := make(chan map[string]any, 1)
	_, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		var m map[string]any
		json.Unmarshal(msg.Data, &m)
		received <- m
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON(TopicEventsSwarm("run1"), map[string]any{"type": "swarm_started"}); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case m := <-received:
		if m["type"] != "swarm_started" {
			t.Errorf("unexpected payload %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRequestJSON(t *testing.T) {
	client := newTestClient(t, newTestBus(t))

	_, err := client.Subscribe(TopicIPC, func(msg *nats.Msg) {
		msg.Respond([]byte(`{"ok":true,"echo":` + string(msg.Data) + `}`))
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	var resp struct {
		OK   bool           `json:"ok"`
		Echo map[string]int `json:"echo"`
	}
	if err := client.RequestJSON(TopicIPC, map[string]int{"n": 3}, &resp, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !resp.OK || resp.Echo["n"] != 3 {
		t.Errorf("unexpected reply %+v", resp)
	}
}
