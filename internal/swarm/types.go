package swarm

import (
	"encoding/json"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queue"
)

// Reasons a run ends.
const (
	ReasonTimeout   = "timeout"
	ReasonTerminal  = "terminal_task"
	ReasonAllDone   = "agents_finished"
	ReasonStopped   = "stopped"
	ReasonCancelled = "cancelled"
)

// Event types published on the bus.
const (
	EventSwarmStarted  = "swarm_started"
	EventAgentCycle    = "agent_cycle"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventSwarmFinished = "swarm_finished"
)

type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Summary describes a finished run.
type Summary struct {
	RunID    string               `json:"run_id"`
	Mode     string               `json:"mode"`
	Reason   string               `json:"reason"`
	Duration time.Duration        `json:"duration"`
	Best     *memory.Entry        `json:"best,omitempty"`
	Results  int                  `json:"results"`
	Tasks    map[queue.Status]int `json:"tasks"`
	Agents   []agent.Status       `json:"agents"`
}

// StatusReport is a live view of a running swarm.
type StatusReport struct {
	RunID     string               `json:"run_id"`
	Mode      string               `json:"mode"`
	Running   bool                 `json:"running"`
	StartedAt time.Time            `json:"started_at"`
	Uptime    string               `json:"uptime"`
	Best      *memory.Entry        `json:"best,omitempty"`
	Results   int                  `json:"results"`
	Tasks     map[queue.Status]int `json:"tasks"`
	Agents    []agent.Status       `json:"agents"`
	// Stalled lists running agents that stopped reporting.
	Stalled   []string             `json:"stalled,omitempty"`
}

// IPCCommand is a control request sent by hivectl on natsbus.TopicIPC.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AddTaskRequest is the payload of an add_task command.
type AddTaskRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// TopResultsRequest is the payload of a top_results command.
type TopResultsRequest struct {
	N int `json:"n"`
}

// IPCResponse wraps every reply. Error is set when the command failed.
type IPCResponse struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	ID      string         `json:"id,omitempty"`
	Status  *StatusReport  `json:"status,omitempty"`
	Results []memory.Entry `json:"results,omitempty"`
}
