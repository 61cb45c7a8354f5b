// Package scheduler seeds tasks into a running swarm on cron, interval or
// one-shot schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/schedule"
)

const DefaultPollInterval = time.Second

// TaskAdder receives the tasks that fall due.
type TaskAdder interface {
	AddTask(ctx context.Context, t queue.Task) (string, error)
}

type Options struct {
	PollInterval time.Duration
	// Client, when set, gets a schedule_fired event for every seeded task.
	Client *natsbus.Client
	Logger *slog.Logger
	Now    func() time.Time
}

type entry struct {
	name  string
	sched schedule.Schedule
	task  queue.Task
	next  time.Time
}

type Scheduler struct {
	adder        TaskAdder
	natsClient   *natsbus.Client
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	entries []*entry
}

func New(adder TaskAdder, cfgs []config.ScheduleConfig, opts Options) (*Scheduler, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		adder:        adder,
		natsClient:   opts.Client,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		now:          opts.Now,
	}

	now := s.now()
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i)
		}
		sched, err := schedule.Parse(c.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		typ, err := queue.ParseTaskType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		next, ok := sched.Next(now)
		if !ok {
			s.logger.Warn("schedule has no future run, skipping", "name", name, "schedule", sched)
			continue
		}
		s.entries = append(s.entries, &entry{
			name:  name,
			sched: sched,
			task:  queue.Task{Type: typ, Description: c.Description, Priority: c.Priority},
			next:  next,
		})
	}
	return s, nil
}

// Len returns the number of schedules that still have a run ahead.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.pollInterval, "schedules", s.Len())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.next.After(now) {
			kept = append(kept, e)
			continue
		}
		due = append(due, e)
		if next, ok := e.sched.Next(now); ok {
			e.next = next
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.mu.Unlock()

	for _, e := range due {
		s.execute(ctx, e)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	id, err := s.adder.AddTask(ctx, e.task)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled task rejected", "name", e.name, "type", e.task.Type, "error", err)
	} else {
		s.logger.Info("scheduled task added", "name", e.name, "task", id, "type", e.task.Type)
	}
	s.publishFiredEvent(e, id, status)
}

func (s *Scheduler) publishFiredEvent(e *entry, taskID, status string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"name":     e.name,
			"schedule": e.sched.String(),
			"task_id":  taskID,
			"status":   status,
		},
	}
	_ = s.natsClient.PublishJSON(natsbus.TopicEventsScheduler, event)
}
