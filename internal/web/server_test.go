package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type fakeSource struct {
	status  swarm.StatusReport
	entries []memory.Entry
	tasks   []queue.Task
	err     error
	asked   int
}

func (f *fakeSource) Status(context.Context) (swarm.StatusReport, error) {
	return f.status, f.err
}

func (f *fakeSource) TopResults(_ context.Context, n int) ([]memory.Entry, error) {
	f.asked = n
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[:min(n, len(f.entries))], nil
}

func (f *fakeSource) Tasks(context.Context) ([]queue.Task, error) {
	return f.tasks, f.err
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status: swarm.StatusReport{RunID: "run-1", Mode: "queue", Running: true, Stalled: []string{"agent-2"}},
		entries: []memory.Entry{
			{ID: "e1", Producer: "agent-0", Score: 0.9, Content: "best"},
			{ID: "e2", Producer: "agent-1", Score: 0.5, Content: "ok"},
		},
		tasks: []queue.Task{
			{ID: "t1", Type: queue.TypeBreakdown, Status: queue.StatusCompleted},
			{ID: "t2", Type: queue.TypeAnalysis, Status: queue.StatusPending},
		},
	}
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(newFakeSource(), nil, nil, nil, config.WebConfig{}, "v1.2.3")

	var body struct {
		Version string             `json:"version"`
		Swarm   swarm.StatusReport `json:"swarm"`
	}
	if code := getJSON(t, s.Handler(), "/api/status", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Version != "v1.2.3" || body.Swarm.RunID != "run-1" || !body.Swarm.Running {
		t.Errorf("unexpected status %+v", body)
	}
	if len(body.Swarm.Stalled) != 1 || body.Swarm.Stalled[0] != "agent-2" {
		t.Errorf("stalled agents missing from status: %+v", body.Swarm.Stalled)
	}
}

func TestResultsEndpoint(t *testing.T) {
	src := newFakeSource()
	h := NewServer(src, nil, nil, nil, config.WebConfig{}, "dev").Handler()

	var entries []memory.Entry
	if code := getJSON(t, h, "/api/results?n=1", &entries); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Errorf("unexpected entries %+v", entries)
	}

	getJSON(t, h, "/api/results", &entries)
	if src.asked != defaultResults {
		t.Errorf("expected default of %d, asked for %d", defaultResults, src.asked)
	}
	getJSON(t, h, "/api/results?n=100000", &entries)
	if src.asked != maxResults {
		t.Errorf("expected cap of %d, asked for %d", maxResults, src.asked)
	}

	for _, bad := range []string{"0", "-3", "many"} {
		if code := getJSON(t, h, "/api/results?n="+bad, nil); code != http.StatusBadRequest {
			t.Errorf("n=%s: expected 400, got %d", bad, code)
		}
	}
}

func TestTasksEndpoint(t *testing.T) {
	h := NewServer(newFakeSource(), nil, nil, nil, config.WebConfig{}, "dev").Handler()

	var tasks []queue.Task
	if code := getJSON(t, h, "/api/tasks", &tasks); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	getJSON(t, h, "/api/tasks?status=pending", &tasks)
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Errorf("unexpected filtered tasks %+v", tasks)
	}
}

func TestSourceErrors(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("lock contention")
	h := NewServer(src, nil, nil, nil, config.WebConfig{}, "dev").Handler()

	for _, path := range []string{"/api/status", "/api/results", "/api/tasks"} {
		if code := getJSON(t, h, path, nil); code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, code)
		}
	}
	if code := getJSON(t, h, "/api/runs", nil); code != http.StatusNotFound {
		t.Errorf("runs without store: expected 404, got %d", code)
	}
}

func TestBasicAuth(t *testing.T) {
	h := NewServer(newFakeSource(), nil, nil, nil, config.WebConfig{Auth: "secret"}, "dev").Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with password, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("hive")
	m.TaskAdded("analysis")
	h := NewServer(newFakeSource(), nil, m, nil, config.WebConfig{}, "dev").Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hive_") {
		t.Errorf("expected hive metrics, got %s", body)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, s *Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestWebSocketBroadcast(t *testing.T) {
	s := NewServer(newFakeSource(), nil, nil, nil, config.WebConfig{}, "dev")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv, s)

	s.hub.Broadcast(Event{Type: "agent_cycle", RunID: "run-1", Data: map[string]any{"cycle": 3}})
	ev := readEvent(t, conn)
	if ev.Type != "agent_cycle" || ev.RunID != "run-1" || ev.Data["cycle"] != float64(3) {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestEventsForwardedFromBus(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	s := NewServer(newFakeSource(), client, nil, nil, config.WebConfig{}, "dev")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	if err := s.subscribeEvents(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv, s)

	err = client.PublishJSON(natsbus.TopicEventsSwarm("run-9"), Event{Type: "swarm_finished", RunID: "run-9", Data: map[string]any{"reason": "timeout"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != "swarm_finished" || ev.Data["reason"] != "timeout" {
		t.Errorf("unexpected event %+v", ev)
	}
}
