// Package agent runs the per-agent supervised execution loop. A Supervisor
// claims tasks (or works a fixed goal), runs each unit of work under a
// watchdog and shares the outcome with its neighbors and the swarm.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queue"
)

type State string

const (
	StateInit      State = "INIT"
	StateWaiting   State = "WAITING_FOR_TASK"
	StateExecuting State = "EXECUTING"
	StateSuccess   State = "SUCCESS"
	StateStuck     State = "STUCK"
	StateRestart   State = "RESTART"
	StateStopped   State = "STOPPED"
)

type Mode string

const (
	// ModePull claims work from the task queue.
	ModePull Mode = "queue"
	// ModeGoal works a fixed global goal every cycle.
	ModeGoal Mode = "topology"
)

// ErrExecutionTimeout marks a unit of work abandoned by the watchdog.
var ErrExecutionTimeout = errors.New("execution timeout")

// ErrNoResult fails a task whose unit of work scored zero, such as an empty
// engine reply.
var ErrNoResult = errors.New("no result")

// Input is everything a unit of work may read. It is a snapshot; writing to
// it has no effect outside the unit.
type Input struct {
	AgentID string
	Role    string
	Cycle   int
	Task    *queue.Task
	Goal    string
	// Memory holds the agent's private top entries, neighbor gossip included.
	Memory []memory.Entry
	// Shared holds the swarm's current top results.
	Shared    []memory.Entry
	Evaluator engine.Evaluator
}

// Objective returns the text the unit should work on.
func (in Input) Objective() string {
	if in.Task != nil {
		return in.Task.Description
	}
	return in.Goal
}

type Outcome struct {
	Score      float64
	Content    string
	Evaluation string
	// Subtasks are enqueued by the supervisor once the unit returned.
	Subtasks []queue.Task
}

// Text joins the content and the evaluation, when there is one.
func (o Outcome) Text() string {
	if o.Evaluation == "" {
		return o.Content
	}
	return o.Content + "\n" + o.Evaluation
}

// Strategy is the role specific behavior plugged into a Supervisor.
// Perform may be abandoned by the watchdog while still running, so it must
// only touch what it receives in Input.
type Strategy interface {
	Perform(ctx context.Context, in Input) (Outcome, error)
	Share(ctx context.Context, out Outcome, p Publisher)
}

// Publisher is handed to Strategy.Share to spread an outcome.
type Publisher interface {
	ToNeighbors(ctx context.Context, score float64, content string)
	ToStore(ctx context.Context, score float64, content string)
}

// DefaultSharing sends successful outcomes to the neighbors and the store;
// failed ones (score <= 0) only to the store.
type DefaultSharing struct{}

func (DefaultSharing) Share(ctx context.Context, out Outcome, p Publisher) {
	if out.Score > 0 {
		p.ToNeighbors(ctx, out.Score, out.Text())
	}
	p.ToStore(ctx, out.Score, out.Text())
}

// TaskSource is the part of the task queue a supervisor needs.
type TaskSource interface {
	Notify() <-chan struct{}
	GetTask(ctx context.Context, role, agentID string) (queue.Task, bool, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id, reason string) error
	AddTask(ctx context.Context, t queue.Task) (string, error)
}

// ResultSink is the part of the shared result store a supervisor needs.
type ResultSink interface {
	AddEntry(ctx context.Context, score float64, producer string, cycle int, content string) (memory.Entry, error)
	TopN(ctx context.Context, n int) ([]memory.Entry, error)
}

// Gossip delivers messages to other agents' mailboxes.
type Gossip interface {
	Send(ctx context.Context, to string, msg Message) error
}

// LocalGossip delivers in process.
type LocalGossip struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

func NewLocalGossip() *LocalGossip {
	return &LocalGossip{boxes: make(map[string]*Mailbox)}
}

func (g *LocalGossip) Register(box *Mailbox) {
	g.mu.Lock()
	g.boxes[box.AgentID()] = box
	g.mu.Unlock()
}

func (g *LocalGossip) Send(_ context.Context, to string, msg Message) error {
	g.mu.RLock()
	box, ok := g.boxes[to]
	g.mu.RUnlock()
	if !ok {
		return errors.New("no mailbox for " + to)
	}
	box.Enqueue(msg)
	return nil
}

// CycleReport describes one finished cycle.
type CycleReport struct {
	AgentID  string  `json:"agent_id"`
	Role     string  `json:"role"`
	Cycle    int     `json:"cycle"`
	TaskID   string  `json:"task_id,omitempty"`
	TaskType string  `json:"task_type,omitempty"`
	Outcome  string  `json:"outcome"`
	Score    float64 `json:"score"`
	Millis   int64   `json:"duration_ms"`
}
