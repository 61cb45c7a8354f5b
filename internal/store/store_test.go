package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.SaveRun(&Run{ID: id, Mode: "queue", Goal: "goal", Status: RunRunning, Agents: 4, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("save run: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1")

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != RunRunning || got.Agents != 4 || got.FinishedAt != nil || got.BestScore != nil {
		t.Errorf("unexpected run %+v", got)
	}

	best := 0.9
	if err := s.FinishRun("run-1", RunFinished, "timeout", &best, "the answer"); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got.Status != RunFinished || got.Reason != "timeout" || got.BestContent != "the answer" {
		t.Errorf("unexpected finished run %+v", got)
	}
	if got.BestScore == nil || *got.BestScore != 0.9 {
		t.Errorf("expected best score 0.9, got %v", got.BestScore)
	}
	if got.FinishedAt == nil {
		t.Error("expected finished_at")
	}

	missing, err := s.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing run, got %v, %v", missing, err)
	}

	newTestRun(t, s, "run-2")
	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestTaskMirror(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1")

	q := queue.New(queue.Options{
		Permissions: queue.Permissions{"analyst": {queue.TypeAnalysis}},
		Mirror:      TaskMirror{Store: s, RunID: "run-1"},
	})
	ctx := t.Context()

	first, err := q.AddTask(ctx, queue.Task{Type: queue.TypeAnalysis, Priority: 50, Description: "first"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.AddTask(ctx, queue.Task{Type: queue.TypeAnalysis, Priority: 10, Description: "second"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, ok, _ := q.GetTask(ctx, "analyst", "a1"); !ok {
		t.Fatal("expected a task")
	}
	if err := q.CompleteTask(ctx, first); err != nil {
		t.Fatalf("complete: %v", err)
	}

	tasks, err := s.ListTasks("run-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != first || tasks[0].Status != queue.StatusCompleted || tasks[0].ClaimedBy != "a1" {
		t.Errorf("unexpected mirrored task %+v", tasks[0])
	}
	if tasks[0].CompletedAt.IsZero() || tasks[0].ClaimedAt.IsZero() {
		t.Errorf("expected claim and completion times, got %+v", tasks[0])
	}
	if tasks[1].Status != queue.StatusPending || !tasks[1].ClaimedAt.IsZero() {
		t.Errorf("unexpected pending task %+v", tasks[1])
	}
}

func TestResultMirror(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1")

	log := memory.NewLog(ResultMirror{Store: s, RunID: "run-1"})
	ctx := t.Context()
	for i, sc := range []float64{0.2, 0.9, 0.5, 0.9} {
		if _, err := log.AddEntry(ctx, sc, "agent", i, "content"); err != nil {
			t.Fatalf("add entry: %v", err)
		}
	}

	top, err := s.TopResults("run-1", 3)
	if err != nil {
		t.Fatalf("top results: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 results, got %d", len(top))
	}
	if top[0].Score != 0.9 || top[0].Cycle != 3 || top[1].Cycle != 1 || top[2].Score != 0.5 {
		t.Errorf("unexpected order %+v", top)
	}

	other, _ := s.TopResults("run-2", 3)
	if len(other) != 0 {
		t.Errorf("results leaked across runs: %+v", other)
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "openai", Description: "engine key", Value: []byte("cipher"), Nonce: []byte("nonce")}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("openai")
	if err != nil || got == nil {
		t.Fatalf("get secret: %v %v", got, err)
	}
	if string(got.Value) != "cipher" || got.Description != "engine key" {
		t.Errorf("unexpected secret %+v", got)
	}

	if err := s.SaveSecret(&Secret{Name: "openai", Value: []byte("new"), Nonce: []byte("n2")}); err != nil {
		t.Fatalf("overwrite secret: %v", err)
	}
	ct, nonce, err := s.SecretValue("openai")
	if err != nil || string(ct) != "new" || string(nonce) != "n2" {
		t.Errorf("unexpected secret value %q %q %v", ct, nonce, err)
	}

	list, _ := s.ListSecrets()
	if len(list) != 1 {
		t.Errorf("expected 1 secret, got %d", len(list))
	}

	if err := s.DeleteSecret("openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.SecretValue("openai"); err == nil {
		t.Error("expected error for deleted secret")
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1")

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(path); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	copied, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copied.Close()
	if r, err := copied.GetRun("run-1"); err != nil || r == nil {
		t.Fatalf("run missing from snapshot: %v %v", r, err)
	}

	if err := s.Snapshot(path); err == nil {
		t.Error("expected error when the target exists")
	}
}
