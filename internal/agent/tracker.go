package agent

import (
	"sort"
	"sync"
	"time"
)

type Status struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Coordinate string    `json:"coordinate,omitempty"`
	State      State     `json:"state"`
	Cycle      int       `json:"cycle"`
	TaskID     string    `json:"task_id,omitempty"`
	Successes  int       `json:"successes"`
	Failures   int       `json:"failures"`
	Timeouts   int       `json:"timeouts"`
	Dropped    int       `json:"dropped"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// Tracker keeps the latest status of every supervisor for reporting.
type Tracker struct {
	agents map[string]*Status
	mu     sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[string]*Status),
	}
}

func (t *Tracker) Set(st Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.LastActive = time.Now()
	t.agents[st.ID] = &st
}

func (t *Tracker) Get(id string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.agents[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// List returns all statuses ordered by agent id.
func (t *Tracker) List() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.agents))
	for _, st := range t.agents {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListIdle returns running agents that have not reported for longer than
// timeout.
func (t *Tracker) ListIdle(timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []string
	now := time.Now()
	for id, st := range t.agents {
		if st.State == StateStopped {
			continue
		}
		if now.Sub(st.LastActive) > timeout {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}
