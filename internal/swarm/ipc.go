package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
)

const ipcTimeout = 5 * time.Second

func (c *Coordinator) listenIPC() error {
	if c.deps.Client == nil {
		return nil
	}
	sub, err := c.deps.Client.Subscribe(natsbus.TopicIPC, c.handleIPC)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	c.mu.Lock()
	c.ipcSub = sub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Warn("invalid IPC command", "error", err)
		c.respondIPC(msg, IPCResponse{Error: "invalid command"})
		return
	}

	c.logger.Info("IPC command received", "type", cmd.Type)

	ctx, cancel := context.WithTimeout(context.Background(), ipcTimeout)
	defer cancel()

	switch cmd.Type {
	case "add_task":
		c.ipcAddTask(ctx, msg, cmd.Payload)
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			c.respondIPC(msg, IPCResponse{Error: err.Error()})
			return
		}
		c.respondIPC(msg, IPCResponse{OK: true, Status: &st})
	case "top_results":
		var req TopResultsRequest
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &req); err != nil {
				c.respondIPC(msg, IPCResponse{Error: "invalid payload"})
				return
			}
		}
		if req.N <= 0 {
			req.N = 5
		}
		entries, err := c.TopResults(ctx, req.N)
		if err != nil {
			c.respondIPC(msg, IPCResponse{Error: err.Error()})
			return
		}
		c.respondIPC(msg, IPCResponse{OK: true, Results: entries})
	case "stop":
		c.requestStop()
		c.respondIPC(msg, IPCResponse{OK: true})
	default:
		c.logger.Warn("unknown IPC command", "type", cmd.Type)
		c.respondIPC(msg, IPCResponse{Error: "unknown command: " + cmd.Type})
	}
}

func (c *Coordinator) ipcAddTask(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req AddTaskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.respondIPC(msg, IPCResponse{Error: "invalid payload"})
		return
	}
	t, err := queue.ParseTaskType(req.Type)
	if err != nil {
		c.respondIPC(msg, IPCResponse{Error: err.Error()})
		return
	}
	id, err := c.AddTask(ctx, queue.Task{Type: t, Description: req.Description, Priority: req.Priority})
	if err != nil {
		c.respondIPC(msg, IPCResponse{Error: err.Error()})
		return
	}
	c.respondIPC(msg, IPCResponse{OK: true, ID: id})
}

func (c *Coordinator) respondIPC(msg *nats.Msg, resp IPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Error("failed to respond to IPC", "error", err)
	}
}
