package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/queue"
)

type fakeAdder struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (f *fakeAdder) AddTask(_ context.Context, t queue.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, t)
	return "id", nil
}

func (f *fakeAdder) descriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.tasks {
		out = append(out, t.Description)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollFiresDueSchedules(t *testing.T) {
	ref := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	clk := &clock{now: ref}
	adder := &fakeAdder{}

	s, err := New(adder, []config.ScheduleConfig{
		{Name: "tick", Schedule: "@every 1m", Type: "analysis", Description: "tick", Priority: 10},
		{Name: "once", Schedule: "@at 2026-01-01T08:00:30Z", Type: "summarisation", Description: "once", Priority: 20},
		{Name: "daily", Schedule: "0 9 * * *", Type: "report_preparation", Description: "daily", Priority: 30},
	}, Options{Logger: quietLogger(), Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 schedules, got %d", s.Len())
	}

	ctx := context.Background()
	s.poll(ctx)
	if got := adder.descriptions(); len(got) != 0 {
		t.Fatalf("nothing should be due yet, got %v", got)
	}

	clk.Set(ref.Add(30 * time.Second))
	s.poll(ctx)
	if got := adder.descriptions(); len(got) != 1 || got[0] != "once" {
		t.Fatalf("expected the one-shot to fire, got %v", got)
	}
	if s.Len() != 2 {
		t.Fatalf("expected the one-shot to be dropped, %d schedules left", s.Len())
	}

	clk.Set(ref.Add(time.Minute))
	s.poll(ctx)
	if got := adder.descriptions(); len(got) != 2 || got[1] != "tick" {
		t.Fatalf("expected the interval to fire, got %v", got)
	}

	clk.Set(ref.Add(time.Hour))
	s.poll(ctx)
	got := adder.descriptions()
	if len(got) != 4 {
		t.Fatalf("expected interval and cron to fire, got %v", got)
	}
	fired := map[string]bool{got[2]: true, got[3]: true}
	if !fired["tick"] || !fired["daily"] {
		t.Errorf("expected tick and daily, got %v", got[2:])
	}

	adder.mu.Lock()
	task := adder.tasks[0]
	adder.mu.Unlock()
	if task.Type != queue.TypeSummarisation || task.Priority != 20 {
		t.Errorf("unexpected seeded task %+v", task)
	}
}

func TestNewRejectsInvalidSchedules(t *testing.T) {
	adder := &fakeAdder{}
	if _, err := New(adder, []config.ScheduleConfig{{Schedule: "nope", Type: "analysis"}}, Options{}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New(adder, []config.ScheduleConfig{{Schedule: "@every 1m", Type: "juggling"}}, Options{}); err == nil {
		t.Error("expected error for unknown task type")
	}
}

func TestPastOneShotIsSkipped(t *testing.T) {
	clk := &clock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New(&fakeAdder{}, []config.ScheduleConfig{
		{Schedule: "@at 2026-01-01T00:00:00Z", Type: "analysis", Description: "late"},
	}, Options{Logger: quietLogger(), Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected past one-shot to be skipped, got %d", s.Len())
	}
}

func TestRejectedTaskKeepsSchedule(t *testing.T) {
	ref := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	clk := &clock{now: ref}
	adder := &fakeAdder{err: errors.New("queue full")}

	s, err := New(adder, []config.ScheduleConfig{
		{Schedule: "@every 1m", Type: "analysis", Description: "tick"},
	}, Options{Logger: quietLogger(), Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clk.Set(ref.Add(time.Minute))
	s.poll(context.Background())
	if s.Len() != 1 {
		t.Fatalf("expected the interval to survive a rejected task, got %d", s.Len())
	}
}

func TestStartStopsWithContext(t *testing.T) {
	adder := &fakeAdder{}
	s, err := New(adder, []config.ScheduleConfig{
		{Schedule: "@every 20ms", Type: "analysis", Description: "tick"},
	}, Options{PollInterval: 5 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if len(adder.descriptions()) == 0 {
		t.Error("expected at least one seeded task")
	}
}
