package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/swarm"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--type", "analysis", "--description", "dig into it", "--priority", "2"},
			want: map[string]string{"type": "analysis", "description": "dig into it", "priority": "2"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--type"},
			want: map[string]string{},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--n", "3"},
			want: map[string]string{"n": "3"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-n", "3"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

// startResponder runs a bus whose IPC topic answers with reply and records
// the commands it receives.
type recorder struct {
	mu   sync.Mutex
	cmds []swarm.IPCCommand
}

func (r *recorder) commands() []swarm.IPCCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]swarm.IPCCommand(nil), r.cmds...)
}

func startResponder(t *testing.T, reply func(swarm.IPCCommand) swarm.IPCResponse) (*natsbus.Client, *recorder) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	rec := &recorder{}
	_, err = client.Subscribe(natsbus.TopicIPC, func(msg *nats.Msg) {
		var cmd swarm.IPCCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("bad command: %v", err)
			return
		}
		rec.mu.Lock()
		rec.cmds = append(rec.cmds, cmd)
		rec.mu.Unlock()
		data, _ := json.Marshal(reply(cmd))
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return client, rec
}

func TestAddCommand(t *testing.T) {
	client, got := startResponder(t, func(swarm.IPCCommand) swarm.IPCResponse {
		return swarm.IPCResponse{OK: true, ID: "task-1"}
	})

	var out bytes.Buffer
	err := run(client, &out, "add", []string{"--type", "analysis", "--description", "look closer", "--priority", "2"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out.String(), "task-1") {
		t.Errorf("unexpected output %q", out.String())
	}

	cmds := got.commands()
	if len(cmds) != 1 || cmds[0].Type != "add_task" {
		t.Fatalf("unexpected commands %+v", cmds)
	}
	var req swarm.AddTaskRequest
	if err := json.Unmarshal(cmds[0].Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != "analysis" || req.Description != "look closer" || req.Priority != 2 {
		t.Errorf("unexpected payload %+v", req)
	}
}

func TestAddCommandValidation(t *testing.T) {
	client, got := startResponder(t, func(swarm.IPCCommand) swarm.IPCResponse {
		return swarm.IPCResponse{OK: true}
	})

	var out bytes.Buffer
	if err := run(client, &out, "add", []string{"--type", "analysis"}); err == nil {
		t.Error("expected error without description")
	}
	if err := run(client, &out, "add", []string{"--type", "analysis", "--description", "x", "--priority", "high"}); err == nil {
		t.Error("expected error for bad priority")
	}
	if cmds := got.commands(); len(cmds) != 0 {
		t.Errorf("invalid input reached the swarm: %+v", cmds)
	}
}

func TestErrorReplies(t *testing.T) {
	client, _ := startResponder(t, func(cmd swarm.IPCCommand) swarm.IPCResponse {
		return swarm.IPCResponse{Error: "unknown task type: bogus"}
	})

	var out bytes.Buffer
	err := run(client, &out, "add", []string{"--type", "bogus", "--description", "x"})
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Errorf("expected swarm error, got %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	client, _ := startResponder(t, func(swarm.IPCCommand) swarm.IPCResponse {
		return swarm.IPCResponse{OK: true, Status: &swarm.StatusReport{
			RunID:   "run-1",
			Mode:    "queue",
			Running: true,
			Results: 3,
			Best:    &memory.Entry{Producer: "agent-2", Score: 0.75},
			Tasks:   map[queue.Status]int{queue.StatusPending: 4},
			Agents:  []agent.Status{{ID: "agent-0", Role: "manager", State: agent.StateWaiting, Cycle: 2}},
			Stalled: []string{"agent-1"},
		}}
	})

	var out bytes.Buffer
	if err := run(client, &out, "status", nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"run-1", "running", "best 0.75 by agent-2", "pending: 4", "agent-0", "manager", "Stalled: agent-1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status missing %q:\n%s", want, out.String())
		}
	}
}

func TestTopAndStopCommands(t *testing.T) {
	client, got := startResponder(t, func(cmd swarm.IPCCommand) swarm.IPCResponse {
		if cmd.Type == "top_results" {
			return swarm.IPCResponse{OK: true, Results: []memory.Entry{{Producer: "agent-1", Score: 0.9, Content: "answer"}}}
		}
		return swarm.IPCResponse{OK: true}
	})

	var out bytes.Buffer
	if err := run(client, &out, "top", []string{"--n", "1"}); err != nil {
		t.Fatalf("top: %v", err)
	}
	if !strings.Contains(out.String(), "answer") || !strings.Contains(out.String(), "0.90") {
		t.Errorf("unexpected top output %q", out.String())
	}
	if err := run(client, &out, "top", []string{"--n", "zero"}); err == nil {
		t.Error("expected error for bad n")
	}

	if err := run(client, &out, "stop", nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cmds := got.commands()
	if last := cmds[len(cmds)-1]; last.Type != "stop" {
		t.Errorf("expected stop command, got %s", last.Type)
	}

	if err := run(client, &out, "bogus", nil); err == nil {
		t.Error("expected error for unknown command")
	}
}
