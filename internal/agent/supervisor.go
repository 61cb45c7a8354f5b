package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/topology"
)

const (
	DefaultCycleTimeout = 120 * time.Second
	DefaultBackoff      = time.Second
	DefaultMemorySize   = 4
	DefaultSharedView   = 10
)

type Config struct {
	ID         string
	Role       string
	Mode       Mode
	Goal       string
	Coordinate topology.Coordinate
	// MaxCycles stops the supervisor after that many attempts; 0 means no
	// limit.
	MaxCycles    int
	CycleTimeout time.Duration
	Backoff      time.Duration
	MemorySize   int
	SharedView   int
}

type Deps struct {
	Strategy  Strategy
	Queue     TaskSource
	Shared    ResultSink
	Gossip    Gossip
	Inbox     *Mailbox
	Neighbors []string
	// NewEvaluator builds the agent's private evaluator. It is called again
	// whenever the watchdog abandons a unit of work.
	NewEvaluator func() engine.Evaluator
	Tracker      *Tracker
	Metrics      *metrics.Collector
	OnCycle      func(CycleReport)
	Logger       *slog.Logger
}

type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	memory *memory.Store

	mu        sync.Mutex
	status    Status
	evaluator engine.Evaluator
	step      string
}

func NewSupervisor(cfg Config, deps Deps) *Supervisor {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.SharedView <= 0 {
		cfg.SharedView = DefaultSharedView
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePull
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Inbox == nil {
		deps.Inbox = NewMailbox(cfg.ID, 0)
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker()
	}

	s := &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("agent", cfg.ID, "role", cfg.Role),
		memory: memory.NewBounded(cfg.MemorySize),
	}
	s.status = Status{ID: cfg.ID, Role: cfg.Role, State: StateInit, StartedAt: time.Now()}
	if cfg.Coordinate != nil {
		s.status.Coordinate = cfg.Coordinate.String()
	}
	return s
}

func (s *Supervisor) ID() string   { return s.cfg.ID }
func (s *Supervisor) Role() string { return s.cfg.Role }

// Status returns a snapshot of the supervisor's progress.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run loops until stop is closed, ctx is done or the cycle limit is
// reached. Stop is observed between cycles only; a running unit of work
// always finishes or times out first.
func (s *Supervisor) Run(ctx context.Context, stop <-chan struct{}) {
	s.deps.Metrics.AgentStarted()
	defer s.deps.Metrics.AgentStopped()
	defer s.setState(StateStopped, "")

	s.resetEvaluator()
	s.setState(StateInit, "")
	s.logger.Debug("supervisor started", "mode", s.cfg.Mode)

	for {
		if stopped(ctx, stop) {
			s.logger.Debug("supervisor stopping", "cycle", s.cycleCount())
			return
		}
		if s.cfg.MaxCycles > 0 && s.cycleCount() >= s.cfg.MaxCycles {
			s.logger.Info("cycle limit reached", "cycle", s.cycleCount())
			return
		}

		s.drainInbox(ctx)

		if s.cfg.Mode == ModeGoal {
			s.runCycle(ctx, nil)
			continue
		}

		s.setState(StateWaiting, "")
		s.setStep("get_task")
		notify := s.deps.Queue.Notify()
		task, ok, err := s.deps.Queue.GetTask(ctx, s.cfg.Role, s.cfg.ID)
		if err != nil {
			if errors.Is(err, queue.ErrContention) {
				s.deps.Metrics.Contention("queue")
			}
			s.logger.Warn("claim failed", "cycle", s.cycleCount(), "step", s.currentStep(), "error", err)
			s.backoff(ctx, stop, nil)
			continue
		}
		if !ok {
			s.backoff(ctx, stop, notify)
			continue
		}
		s.runCycle(ctx, &task)
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// backoff waits up to the configured interval, returning early when a task
// is added or the supervisor is told to stop.
func (s *Supervisor) backoff(ctx context.Context, stop <-chan struct{}, notify <-chan struct{}) {
	timer := time.NewTimer(s.cfg.Backoff)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	case <-stop:
	case <-ctx.Done():
	}
}

func (s *Supervisor) runCycle(ctx context.Context, task *queue.Task) {
	cycle := s.nextCycle()
	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	s.setState(StateExecuting, taskID)
	s.setStep("perform_task")

	in := Input{
		AgentID:   s.cfg.ID,
		Role:      s.cfg.Role,
		Cycle:     cycle,
		Task:      task,
		Goal:      s.cfg.Goal,
		Evaluator: s.currentEvaluator(),
	}
	in.Memory, _ = s.memory.TopN(ctx, s.cfg.MemorySize)
	if s.deps.Shared != nil {
		shared, err := s.deps.Shared.TopN(ctx, s.cfg.SharedView)
		if err != nil {
			s.logger.Warn("read shared results", "cycle", cycle, "step", s.currentStep(), "error", err)
		}
		in.Shared = shared
	}

	start := time.Now()
	out, err := s.execute(ctx, in)
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		outcome = "timeout"
		s.setState(StateStuck, taskID)
		s.logger.Error("stuck, restarting execution context", "cycle", cycle, "step", s.currentStep(), "task", taskID, "budget", s.cfg.CycleTimeout)
		s.deps.Metrics.WatchdogFired(s.cfg.Role)
		s.resetEvaluator()
		s.setState(StateRestart, taskID)
		out = Outcome{Score: 0, Content: fmt.Sprintf("%s: %v after %s", in.Objective(), ErrExecutionTimeout, s.cfg.CycleTimeout)}
		s.finishTask(ctx, task, cycle, err)
	case err != nil:
		outcome = "failed"
		s.logger.Error("unit of work failed", "cycle", cycle, "step", s.currentStep(), "task", taskID, "error", err)
		out = Outcome{Score: 0, Content: fmt.Sprintf("%s: %v", in.Objective(), err)}
		s.finishTask(ctx, task, cycle, err)
	case task != nil && out.Score <= 0:
		outcome = "failed"
		s.logger.Warn("unit of work produced no usable result", "cycle", cycle, "step", s.currentStep(), "task", taskID)
		out.Score = 0
		cause := ErrNoResult
		if line := firstLine(out.Content); line != "" {
			cause = fmt.Errorf("%w: %s", ErrNoResult, line)
		}
		s.finishTask(ctx, task, cycle, cause)
	default:
		s.setState(StateSuccess, taskID)
		s.submitSubtasks(ctx, cycle, out.Subtasks)
		s.finishTask(ctx, task, cycle, nil)
	}
	out.Score = memory.ClampScore(out.Score)

	s.setStep("share")
	s.deps.Strategy.Share(ctx, out, &publisher{s: s, cycle: cycle})
	s.deps.Metrics.Cycle(s.cfg.Role, outcome, elapsed)
	s.recordOutcome(outcome)

	if s.deps.OnCycle != nil {
		r := CycleReport{
			AgentID: s.cfg.ID,
			Role:    s.cfg.Role,
			Cycle:   cycle,
			TaskID:  taskID,
			Outcome: outcome,
			Score:   out.Score,
			Millis:  elapsed.Milliseconds(),
		}
		if task != nil {
			r.TaskType = string(task.Type)
		}
		s.deps.OnCycle(r)
	}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

type unitResult struct {
	out Outcome
	err error
}

// execute runs one unit of work in its own goroutine and waits at most
// CycleTimeout for it. An abandoned unit keeps running detached; its
// result channel is buffered so it never blocks.
func (s *Supervisor) execute(ctx context.Context, in Input) (Outcome, error) {
	uctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	done := make(chan unitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitResult{err: &engine.ExternalServiceError{Service: "strategy", Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		out, err := s.deps.Strategy.Perform(uctx, in)
		done <- unitResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-uctx.Done():
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, ErrExecutionTimeout
	}
}

func (s *Supervisor) submitSubtasks(ctx context.Context, cycle int, subtasks []queue.Task) {
	if len(subtasks) == 0 || s.deps.Queue == nil {
		return
	}
	s.setStep("add_subtasks")
	added := 0
	for _, t := range subtasks {
		if _, err := s.deps.Queue.AddTask(ctx, t); err != nil {
			s.logger.Warn("subtask rejected", "cycle", cycle, "step", s.currentStep(), "type", t.Type, "error", err)
			continue
		}
		added++
	}
	s.logger.Info("subtasks added", "cycle", cycle, "count", added, "proposed", len(subtasks))
}

func (s *Supervisor) finishTask(ctx context.Context, task *queue.Task, cycle int, cause error) {
	if task == nil || s.deps.Queue == nil {
		return
	}
	s.setStep("finish_task")
	var err error
	if cause == nil {
		err = s.deps.Queue.CompleteTask(ctx, task.ID)
	} else {
		err = s.deps.Queue.FailTask(ctx, task.ID, cause.Error())
	}
	if err != nil {
		s.logger.Warn("finish task", "cycle", cycle, "step", s.currentStep(), "task", task.ID, "error", err)
	}
}

// drainInbox moves neighbor messages into the private top-K memory.
func (s *Supervisor) drainInbox(ctx context.Context) {
	s.setStep("retrieve_messages")
	if dropped := s.deps.Inbox.Dropped(); dropped > 0 {
		s.mu.Lock()
		delta := dropped - s.status.Dropped
		s.status.Dropped = dropped
		s.mu.Unlock()
		if delta > 0 {
			s.logger.Warn("inbox overflowed", "cycle", s.cycleCount(), "dropped", delta)
			s.deps.Metrics.GossipDropped(s.cfg.Role, delta)
		}
	}
	for _, msg := range s.deps.Inbox.Drain() {
		if _, err := s.memory.AddEntry(ctx, msg.Score, msg.From, msg.Cycle, msg.Content); err != nil {
			s.logger.Warn("store message", "cycle", s.cycleCount(), "step", s.currentStep(), "from", msg.From, "error", err)
		}
	}
}

// Memory returns the agent's private top entries.
func (s *Supervisor) Memory(ctx context.Context) ([]memory.Entry, error) {
	return s.memory.TopN(ctx, s.cfg.MemorySize)
}

func (s *Supervisor) resetEvaluator() {
	if s.deps.NewEvaluator == nil {
		return
	}
	ev := s.deps.NewEvaluator()
	s.mu.Lock()
	s.evaluator = ev
	s.mu.Unlock()
}

func (s *Supervisor) currentEvaluator() engine.Evaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluator
}

func (s *Supervisor) nextCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycle++
	return s.status.Cycle
}

func (s *Supervisor) cycleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Cycle
}

func (s *Supervisor) setStep(step string) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *Supervisor) currentStep() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Supervisor) setState(state State, taskID string) {
	s.mu.Lock()
	s.status.State = state
	s.status.TaskID = taskID
	st := s.status
	s.mu.Unlock()
	s.deps.Tracker.Set(st)
}

func (s *Supervisor) recordOutcome(outcome string) {
	s.mu.Lock()
	switch outcome {
	case "success":
		s.status.Successes++
	case "timeout":
		s.status.Timeouts++
		s.status.Failures++
	default:
		s.status.Failures++
	}
	st := s.status
	s.mu.Unlock()
	s.deps.Tracker.Set(st)
}

type publisher struct {
	s     *Supervisor
	cycle int
}

func (p *publisher) ToNeighbors(ctx context.Context, score float64, content string) {
	s := p.s
	if s.deps.Gossip == nil {
		return
	}
	msg := Message{From: s.cfg.ID, Cycle: p.cycle, Score: score, Content: content, SentAt: time.Now()}
	for _, n := range s.deps.Neighbors {
		if err := s.deps.Gossip.Send(ctx, n, msg); err != nil {
			s.logger.Warn("send to neighbor", "cycle", p.cycle, "step", "share", "to", n, "error", err)
		}
	}
}

func (p *publisher) ToStore(ctx context.Context, score float64, content string) {
	s := p.s
	if s.deps.Shared == nil {
		return
	}
	if strings.TrimSpace(content) == "" {
		content = "(empty result)"
	}
	if _, err := s.deps.Shared.AddEntry(ctx, score, s.cfg.ID, p.cycle, content); err != nil {
		if errors.Is(err, memory.ErrContention) {
			s.deps.Metrics.Contention("results")
		}
		s.logger.Warn("record result", "cycle", p.cycle, "step", "share", "error", err)
	}
}
