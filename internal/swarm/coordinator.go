// Package swarm wires the task queue, the shared result store, the
// topology and one supervisor per agent into a single run, and decides
// when that run is over.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/topology"
)

const reportDescription = "Prepare a final report about the global goal."

type Deps struct {
	Engine  engine.Engine
	Store   *store.Store
	Client  *natsbus.Client
	Metrics *metrics.Collector
	Logger  *slog.Logger
	// Strategies replaces the built-in strategy for the named roles. The
	// factory is called once per agent.
	Strategies map[string]StrategyFactory
}

// StrategyFactory builds the strategy of one agent.
type StrategyFactory func(agentID string) agent.Strategy

type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	runID  string
	mode   agent.Mode
	logger *slog.Logger

	queue       *queue.Queue
	tasks       *meteredQueue
	shared      *memory.Store
	results     *meteredResults
	topo        *topology.Topology
	roles       map[string]string
	tracker     *agent.Tracker
	supervisors []*agent.Supervisor
	files       *memory.FileMirror
	natsGossip  *NATSGossip
	ipcSub      *nats.Subscription

	terminalType queue.TaskType

	stop     chan struct{}
	stopOnce sync.Once
	terminal chan struct{}
	termOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	reportDue bool
	summary   *Summary
}

// New builds a swarm from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Engine == nil {
		return nil, errors.New("swarm: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	perms, err := cfg.Permissions()
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	c := &Coordinator{
		cfg:          cfg,
		deps:         deps,
		runID:        runID,
		mode:         agent.Mode(cfg.Swarm.Mode),
		logger:       deps.Logger.With("run", runID[:8]),
		tracker:      agent.NewTracker(),
		terminalType: queue.TaskType(cfg.Swarm.TerminalTaskType),
		stop:         make(chan struct{}),
		terminal:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	var qmirror queue.Mirror
	if deps.Store != nil {
		qmirror = store.TaskMirror{Store: deps.Store, RunID: runID}
	}
	c.queue = queue.New(queue.Options{
		Permissions: perms,
		LockTimeout: cfg.Swarm.LockTimeout,
		Mirror:      qmirror,
		Logger:      c.logger,
	})
	c.queue.OnFinish(c.onTaskFinished)
	c.tasks = &meteredQueue{Queue: c.queue, metrics: deps.Metrics}

	var mirrors []memory.Mirror
	if deps.Store != nil {
		mirrors = append(mirrors, store.ResultMirror{Store: deps.Store, RunID: runID})
	}
	if cfg.Store.ResultsFile != "" {
		fm, err := memory.OpenFileMirror(cfg.Store.ResultsFile)
		if err != nil {
			return nil, err
		}
		c.files = fm
		mirrors = append(mirrors, fm)
	}
	c.shared = memory.New(memory.Options{
		LockTimeout: cfg.Swarm.LockTimeout,
		Mirrors:     mirrors,
		Logger:      c.logger,
	})
	c.results = &meteredResults{Store: c.shared, metrics: deps.Metrics}

	if err := c.buildAgents(perms); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) buildAgents(perms queue.Permissions) error {
	shape := topology.Shape(c.cfg.Swarm.Shape)
	n := shape.Size()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i)
	}
	topo, err := topology.New(shape, ids)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	c.topo = topo

	var rng *rand.Rand
	if seed := c.cfg.Swarm.Seed; seed != 0 {
		rng = rand.New(rand.NewPCG(seed, seed))
	}
	roles, err := topology.AssignRoles(n, c.cfg.Swarm.RoleWeights, rng)
	if err != nil {
		return fmt.Errorf("assign roles: %w", err)
	}

	var gossip agent.Gossip
	local := agent.NewLocalGossip()
	if c.cfg.Swarm.Transport == "nats" {
		if c.deps.Client == nil {
			return errors.New("swarm.transport is nats but no bus client was given")
		}
		c.natsGossip = NewNATSGossip(c.deps.Client, c.runID, c.logger)
		gossip = c.natsGossip
	} else {
		gossip = local
	}

	var newEvaluator func() engine.Evaluator
	if c.cfg.Engine.Evaluate {
		goal := c.goalText()
		newEvaluator = func() engine.Evaluator {
			return engine.NewGradingEvaluator(c.deps.Engine, goal, c.cfg.Engine.MaxTokens)
		}
	} else if c.mode == agent.ModeGoal {
		c.logger.Warn("topology mode without an evaluator, every result scores the same",
			"score", agent.DefaultScore)
	}

	c.roles = make(map[string]string, n)
	for i, id := range ids {
		role := roles[i]
		c.roles[id] = role

		box := agent.NewMailbox(id, c.cfg.Swarm.MailboxSize)
		if c.natsGossip != nil {
			if err := c.natsGossip.Register(box); err != nil {
				return err
			}
		} else {
			local.Register(box)
		}

		var strategy agent.Strategy
		if build, ok := c.deps.Strategies[role]; ok {
			strategy = build(id)
		}
		if strategy == nil {
			strategy = agent.ForRole(role, c.mode, c.deps.Engine, c.cfg.Engine.MaxTokens, perms.Subtasks())
		}
		coord, _ := topo.Coordinate(id)

		c.supervisors = append(c.supervisors, agent.NewSupervisor(agent.Config{
			ID:           id,
			Role:         role,
			Mode:         c.mode,
			Goal:         c.goalText(),
			Coordinate:   coord,
			MaxCycles:    c.cfg.Swarm.MaxCycles,
			CycleTimeout: c.cfg.Swarm.CycleTimeout,
			Backoff:      c.cfg.Swarm.Backoff,
			MemorySize:   c.cfg.Swarm.MemorySize,
			SharedView:   c.cfg.Swarm.SharedView,
		}, agent.Deps{
			Strategy:     strategy,
			Queue:        c.tasks,
			Shared:       c.results,
			Gossip:       gossip,
			Inbox:        box,
			Neighbors:    topo.Neighbors(id),
			NewEvaluator: newEvaluator,
			Tracker:      c.tracker,
			Metrics:      c.deps.Metrics,
			OnCycle:      c.onCycle,
			Logger:       c.logger,
		}))
	}
	return nil
}

// goalText is what agents and evaluators are told the run is about.
func (c *Coordinator) goalText() string {
	if c.cfg.Task.GlobalGoal != "" {
		return strings.TrimSpace(c.cfg.Task.GlobalGoal)
	}
	return strings.Join(c.cfg.Goals(), "\n")
}

func (c *Coordinator) RunID() string { return c.runID }

func (c *Coordinator) Topology() *topology.Topology { return c.topo }

// Roles maps agent id to role.
func (c *Coordinator) Roles() map[string]string {
	out := make(map[string]string, len(c.roles))
	for id, r := range c.roles {
		out[id] = r
	}
	return out
}

// Run starts the swarm and blocks until it is over.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if err := c.Start(ctx); err != nil {
		return Summary{}, err
	}
	return c.Wait(ctx)
}

// Start seeds the initial tasks and launches every supervisor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("swarm already started")
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	if c.deps.Store != nil {
		err := c.deps.Store.SaveRun(&store.Run{
			ID:        c.runID,
			Mode:      string(c.mode),
			Goal:      c.goalText(),
			Status:    store.RunRunning,
			Agents:    len(c.supervisors),
			StartedAt: c.startedAt.UTC(),
		})
		if err != nil {
			close(c.done)
			return err
		}
	}

	if c.mode == agent.ModePull {
		if err := c.seed(ctx); err != nil {
			close(c.done)
			return err
		}
	}

	if err := c.listenIPC(); err != nil {
		c.logger.Warn("ipc unavailable", "error", err)
	}

	var g errgroup.Group
	for _, s := range c.supervisors {
		g.Go(func() error {
			s.Run(ctx, c.stop)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(c.done)
	}()

	c.logger.Info("swarm started", "mode", c.mode, "agents", len(c.supervisors), "shape", c.cfg.Swarm.Shape)
	c.publish(natsbus.TopicEventsSwarm(c.runID), EventSwarmStarted, map[string]any{
		"mode":   c.mode,
		"agents": len(c.supervisors),
		"shape":  c.cfg.Swarm.Shape,
		"roles":  c.roles,
	})
	return nil
}

// seed adds one breakdown task per goal and a single report task.
func (c *Coordinator) seed(ctx context.Context) error {
	global := strings.TrimSpace(c.cfg.Task.GlobalGoal)
	for _, goal := range c.cfg.Goals() {
		var sb strings.Builder
		if role := strings.TrimSpace(c.cfg.Task.Role); role != "" {
			fmt.Fprintf(&sb, "Act as:\n%s\n", role)
		}
		if global != "" && global != strings.TrimSpace(goal) {
			fmt.Fprintf(&sb, "Global goal:\n%s\n", global)
		}
		fmt.Fprintf(&sb, "Your specific task is:\n%s", strings.TrimSpace(goal))

		if _, err := c.tasks.AddTask(ctx, queue.Task{
			Type:        queue.TypeBreakdown,
			Priority:    c.cfg.Swarm.GoalPriority,
			Description: sb.String(),
		}); err != nil {
			return fmt.Errorf("seed goal: %w", err)
		}
	}
	if err := c.addReport(ctx); err != nil {
		return fmt.Errorf("seed report: %w", err)
	}
	return nil
}

func (c *Coordinator) addReport(ctx context.Context) error {
	_, err := c.tasks.AddTask(ctx, queue.Task{
		Type:        queue.TypeReport,
		Priority:    c.cfg.Swarm.ReportPriority,
		Description: reportDescription,
	})
	return err
}

// Wait blocks until the run ends: the swarm timeout elapses, the terminal
// task completes with nothing left outstanding, every supervisor returns,
// Stop is requested or ctx is done. It then stops and joins the
// supervisors and returns the run summary.
func (c *Coordinator) Wait(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	started, startedAt := c.started, c.startedAt
	c.mu.Unlock()
	if !started {
		return Summary{}, errors.New("swarm not started")
	}

	timer := time.NewTimer(max(c.cfg.Swarm.Timeout-time.Since(startedAt), 0))
	defer timer.Stop()

	var reason string
	select {
	case <-timer.C:
		reason = ReasonTimeout
	case <-c.terminal:
		reason = ReasonTerminal
	case <-c.done:
		reason = ReasonAllDone
	case <-c.stop:
		reason = ReasonStopped
	case <-ctx.Done():
		reason = ReasonCancelled
	}
	if reason == ReasonAllDone {
		select {
		case <-c.stop:
			reason = ReasonStopped
		default:
			if ctx.Err() != nil {
				reason = ReasonCancelled
			}
		}
	}

	c.logger.Info("swarm stopping", "reason", reason)
	c.Stop()
	return c.finish(reason), nil
}

// Stop tells every supervisor to stop after its current cycle and waits for
// all of them. Calling it more than once is fine.
func (c *Coordinator) Stop() {
	c.requestStop()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Coordinator) requestStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Coordinator) finish(reason string) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summary != nil {
		return *c.summary
	}

	ctx := context.Background()
	sum := Summary{
		RunID:    c.runID,
		Mode:     string(c.mode),
		Reason:   reason,
		Duration: time.Since(c.startedAt),
		Results:  c.shared.Len(),
		Agents:   c.tracker.List(),
	}
	if best, ok, err := c.shared.Best(ctx); err != nil {
		c.logger.Warn("read best result", "error", err)
	} else if ok {
		sum.Best = &best
	}
	if stats, err := c.queue.Stats(ctx); err != nil {
		c.logger.Warn("read queue stats", "error", err)
	} else {
		sum.Tasks = stats
	}
	c.summary = &sum

	if c.deps.Store != nil {
		var score *float64
		content := ""
		if sum.Best != nil {
			score = &sum.Best.Score
			content = sum.Best.Content
		}
		if err := c.deps.Store.FinishRun(c.runID, store.RunFinished, reason, score, content); err != nil {
			c.logger.Error("save run result", "error", err)
		}
	}

	data := map[string]any{
		"reason":      reason,
		"duration_ms": sum.Duration.Milliseconds(),
		"results":     sum.Results,
		"tasks":       sum.Tasks,
	}
	if sum.Best != nil {
		data["best_score"] = sum.Best.Score
		data["best_producer"] = sum.Best.Producer
	}
	c.publish(natsbus.TopicEventsSwarm(c.runID), EventSwarmFinished, data)
	c.logger.Info("swarm finished", "reason", reason, "duration", sum.Duration.Round(time.Millisecond), "results", sum.Results)

	c.release()
	return sum
}

func (c *Coordinator) release() {
	if c.ipcSub != nil {
		_ = c.ipcSub.Unsubscribe()
		c.ipcSub = nil
	}
	if c.natsGossip != nil {
		c.natsGossip.Close()
	}
	if c.files != nil {
		if err := c.files.Close(); err != nil {
			c.logger.Warn("close results file", "error", err)
		}
		c.files = nil
	}
}

// Status returns a live view of the run.
func (c *Coordinator) Status(ctx context.Context) (StatusReport, error) {
	c.mu.Lock()
	started, startedAt, finished := c.started, c.startedAt, c.summary != nil
	c.mu.Unlock()

	st := StatusReport{
		RunID:     c.runID,
		Mode:      string(c.mode),
		Running:   started && !finished,
		StartedAt: startedAt,
		Results:   c.shared.Len(),
		Agents:    c.tracker.List(),
	}
	if started {
		st.Uptime = time.Since(startedAt).Round(time.Second).String()
		if !finished {
			st.Stalled = c.tracker.ListIdle(c.stallAfter())
		}
	}
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Tasks = stats
	best, ok, err := c.shared.Best(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.Best = &best
	}
	return st, nil
}

// stallAfter is how long a running agent may stay silent before it is
// listed as stalled. A healthy supervisor reports at least once per cycle
// budget plus backoff.
func (c *Coordinator) stallAfter() time.Duration {
	budget := c.cfg.Swarm.CycleTimeout
	if budget <= 0 {
		budget = agent.DefaultCycleTimeout
	}
	return 2*budget + c.cfg.Swarm.Backoff
}

// AddTask enqueues a task into the running swarm.
func (c *Coordinator) AddTask(ctx context.Context, t queue.Task) (string, error) {
	return c.tasks.AddTask(ctx, t)
}

func (c *Coordinator) TopResults(ctx context.Context, n int) ([]memory.Entry, error) {
	return c.shared.TopN(ctx, n)
}

func (c *Coordinator) Tasks(ctx context.Context) ([]queue.Task, error) {
	return c.queue.Snapshot(ctx)
}

func (c *Coordinator) onCycle(r agent.CycleReport) {
	c.publish(natsbus.TopicEventsAgent(r.AgentID), EventAgentCycle, map[string]any{
		"agent_id":    r.AgentID,
		"role":        r.Role,
		"cycle":       r.Cycle,
		"task_id":     r.TaskID,
		"task_type":   r.TaskType,
		"outcome":     r.Outcome,
		"score":       r.Score,
		"duration_ms": r.Millis,
	})
}

// onTaskFinished publishes the transition and tracks the terminal task. The
// run only ends on the terminal type once nothing else is outstanding; a
// report finished early is queued again when the queue next drains.
func (c *Coordinator) onTaskFinished(t queue.Task) {
	c.deps.Metrics.TaskFinished(string(t.Type), string(t.Status))

	event := EventTaskCompleted
	switch t.Status {
	case queue.StatusFailed:
		event = EventTaskFailed
	case queue.StatusCancelled:
		event = EventTaskCancelled
	}
	c.publish(natsbus.TopicEventsTask(c.runID), event, map[string]any{
		"task_id":  t.ID,
		"type":     t.Type,
		"priority": t.Priority,
		"agent_id": t.ClaimedBy,
		"reason":   t.Reason,
	})

	if c.terminalType == "" || c.mode != agent.ModePull {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summary != nil {
		return
	}

	ctx := context.Background()
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.logger.Warn("read queue stats", "error", err)
		return
	}
	outstanding := stats[queue.StatusPending] + stats[queue.StatusClaimed]

	if t.Type == c.terminalType {
		if t.Status == queue.StatusCompleted && outstanding == 0 {
			c.logger.Info("terminal task completed", "task", t.ID, "agent", t.ClaimedBy)
			c.termOnce.Do(func() { close(c.terminal) })
			return
		}
		c.reportDue = true
	}
	if c.reportDue && outstanding == 0 {
		c.reportDue = false
		if err := c.addTerminal(ctx); err != nil {
			c.logger.Warn("requeue terminal task", "error", err)
		}
	}
}

func (c *Coordinator) addTerminal(ctx context.Context) error {
	if c.terminalType == queue.TypeReport {
		return c.addReport(ctx)
	}
	_, err := c.tasks.AddTask(ctx, queue.Task{
		Type:        c.terminalType,
		Priority:    c.cfg.Swarm.ReportPriority,
		Description: c.goalText(),
	})
	return err
}

func (c *Coordinator) publish(topic, eventType string, data map[string]any) {
	if c.deps.Client == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		RunID:     c.runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	if err := c.deps.Client.PublishJSON(topic, ev); err != nil {
		c.logger.Debug("publish event", "type", eventType, "error", err)
	}
}

// meteredQueue counts every task added, subtasks included.
type meteredQueue struct {
	*queue.Queue
	metrics *metrics.Collector
}

func (q *meteredQueue) AddTask(ctx context.Context, t queue.Task) (string, error) {
	id, err := q.Queue.AddTask(ctx, t)
	if err == nil {
		q.metrics.TaskAdded(string(t.Type))
	}
	return id, err
}

type meteredResults struct {
	*memory.Store
	metrics *metrics.Collector
}

func (r *meteredResults) AddEntry(ctx context.Context, score float64, producer string, cycle int, content string) (memory.Entry, error) {
	e, err := r.Store.AddEntry(ctx, score, producer, cycle, content)
	if err != nil {
		return e, err
	}
	if best, ok, berr := r.Store.Best(ctx); berr == nil && ok {
		r.metrics.ResultRecorded(best.Score)
	}
	return e, nil
}
