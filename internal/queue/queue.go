// Package queue implements the priority task pool that agents claim work
// from. Pending tasks are served by priority (highest first) and then by
// insertion order, filtered to the task types the claiming role may take.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/lock"
)

// ErrContention is returned when the queue lock could not be acquired
// within the configured bound.
var ErrContention = lock.ErrContention

// Mirror receives a copy of every task whenever its status changes. It is
// called while the queue lock is held.
type Mirror interface {
	MirrorTask(t Task) error
}

type Options struct {
	Permissions Permissions
	LockTimeout time.Duration
	Mirror      Mirror
	Logger      *slog.Logger
	Now         func() time.Time
}

type Queue struct {
	lock       *lock.Timed
	perms      Permissions
	registered map[TaskType]bool
	mirror     Mirror
	logger     *slog.Logger
	now        func() time.Time

	tasks   map[string]*item
	pending map[TaskType]*taskHeap
	seq     uint64

	notifyMu sync.Mutex
	notify   chan struct{}

	obsMu     sync.RWMutex
	observers []observer
}

type observer struct {
	fn  func(Task)
	any bool
}

func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		lock:       lock.New(opts.LockTimeout),
		perms:      opts.Permissions,
		registered: opts.Permissions.Registered(),
		mirror:     opts.Mirror,
		logger:     opts.Logger,
		now:        opts.Now,
		tasks:      make(map[string]*item),
		pending:    make(map[TaskType]*taskHeap),
		notify:     make(chan struct{}),
	}
	return q
}

// AddTask validates and enqueues a task as pending under a freshly
// generated id, which is returned. Any id on t is ignored.
func (q *Queue) AddTask(ctx context.Context, t Task) (string, error) {
	if err := q.validate(t); err != nil {
		return "", err
	}

	if err := q.lock.Acquire(ctx); err != nil {
		q.logger.Warn("queue lock not acquired", "op", "add_task", "error", err)
		return "", fmt.Errorf("add task: %w", err)
	}

	t.ID = uuid.New().String()

	t.Description = strings.TrimSpace(t.Description)
	t.Status = StatusPending
	t.AddedAt = q.now()
	t.ClaimedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.ClaimedBy = ""
	t.Reason = ""

	q.seq++
	it := &item{task: t, seq: q.seq, index: -1}
	q.tasks[t.ID] = it
	h, ok := q.pending[t.Type]
	if !ok {
		h = &taskHeap{}
		q.pending[t.Type] = h
	}
	heap.Push(h, it)
	q.mirrorLocked(it.task)
	q.lock.Release()

	q.signal()
	return t.ID, nil
}

func (q *Queue) validate(t Task) error {
	if !t.Type.Known() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", t.Type)}
	}
	if !q.registered[t.Type] {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("type %q is not registered to any role", t.Type)}
	}
	if strings.TrimSpace(t.Description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d outside %d..%d", t.Priority, MinPriority, MaxPriority)}
	}
	return nil
}

// GetTask claims the best pending task permitted to role on behalf of
// agentID. The boolean is false when nothing matches; callers back off.
func (q *Queue) GetTask(ctx context.Context, role, agentID string) (Task, bool, error) {
	allowed := q.perms.Allowed(role)
	if len(allowed) == 0 {
		return Task{}, false, nil
	}

	if err := q.lock.Acquire(ctx); err != nil {
		q.logger.Warn("queue lock not acquired", "op", "get_task", "agent", agentID, "error", err)
		return Task{}, false, fmt.Errorf("get task: %w", err)
	}
	defer q.lock.Release()

	var (
		best  *item
		bestH *taskHeap
	)
	for _, tt := range allowed {
		h := q.pending[tt]
		if h == nil || h.Len() == 0 {
			continue
		}
		top := (*h)[0]
		if best == nil || top.before(best) {
			best, bestH = top, h
		}
	}
	if best == nil {
		return Task{}, false, nil
	}

	heap.Remove(bestH, best.index)
	best.task.Status = StatusClaimed
	best.task.ClaimedAt = q.now()
	best.task.ClaimedBy = agentID
	q.mirrorLocked(best.task)
	return best.task, true, nil
}

// CompleteTask moves a claimed task to completed. Unknown ids and tasks in
// any other state are logged and reported, never fatal.
func (q *Queue) CompleteTask(ctx context.Context, id string) error {
	t, err := q.finish(ctx, id, StatusCompleted, "")
	if err != nil {
		return err
	}
	q.notifyObservers(t)
	return nil
}

// FailTask moves a claimed task to failed with the given reason.
func (q *Queue) FailTask(ctx context.Context, id, reason string) error {
	t, err := q.finish(ctx, id, StatusFailed, reason)
	if err != nil {
		return err
	}
	q.notifyObservers(t)
	return nil
}

func (q *Queue) finish(ctx context.Context, id string, to Status, reason string) (Task, error) {
	if err := q.lock.Acquire(ctx); err != nil {
		q.logger.Warn("queue lock not acquired", "op", "finish_task", "task", id, "error", err)
		return Task{}, fmt.Errorf("finish task: %w", err)
	}
	defer q.lock.Release()

	it, ok := q.tasks[id]
	if !ok {
		q.logger.Warn("finish unknown task", "task", id, "status", to)
		return Task{}, fmt.Errorf("finish task %s: %w", id, ErrUnknownTask)
	}
	if it.task.Status != StatusClaimed {
		q.logger.Warn("finish task in wrong state", "task", id, "status", it.task.Status, "to", to)
		return Task{}, fmt.Errorf("finish task %s from %s: %w", id, it.task.Status, ErrInvalidTransition)
	}

	it.task.Status = to
	it.task.CompletedAt = q.now()
	it.task.Reason = reason
	q.mirrorLocked(it.task)
	return it.task, nil
}

// CancelTask withdraws a pending task.
func (q *Queue) CancelTask(ctx context.Context, id string) error {
	if err := q.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	it, ok := q.tasks[id]
	if !ok {
		q.lock.Release()
		return fmt.Errorf("cancel task %s: %w", id, ErrUnknownTask)
	}
	if it.task.Status != StatusPending {
		q.lock.Release()
		return fmt.Errorf("cancel task %s from %s: %w", id, it.task.Status, ErrInvalidTransition)
	}
	heap.Remove(q.pending[it.task.Type], it.index)
	it.task.Status = StatusCancelled
	it.task.CompletedAt = q.now()
	q.mirrorLocked(it.task)
	t := it.task
	q.lock.Release()

	q.notifyObservers(t)
	return nil
}

// Get returns a copy of the task with the given id.
func (q *Queue) Get(ctx context.Context, id string) (Task, bool, error) {
	if err := q.lock.Acquire(ctx); err != nil {
		return Task{}, false, fmt.Errorf("get task: %w", err)
	}
	defer q.lock.Release()

	it, ok := q.tasks[id]
	if !ok {
		return Task{}, false, nil
	}
	return it.task, true, nil
}

// Snapshot returns copies of all tasks in insertion order.
func (q *Queue) Snapshot(ctx context.Context) ([]Task, error) {
	if err := q.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}
	items := make([]*item, 0, len(q.tasks))
	for _, it := range q.tasks {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Task, len(items))
	for i, it := range items {
		out[i] = it.task
	}
	q.lock.Release()
	return out, nil
}

// Stats counts tasks per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	if err := q.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer q.lock.Release()

	out := make(map[Status]int)
	for _, it := range q.tasks {
		out[it.task.Status]++
	}
	return out, nil
}

// Notify returns a channel that is closed the next time a task is added.
// Take it before calling GetTask so an addition in between is not missed.
func (q *Queue) Notify() <-chan struct{} {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	return q.notify
}

// WaitForTask blocks until a task is added, d elapses or ctx is done. It
// reports whether a task was added.
func (q *Queue) WaitForTask(ctx context.Context, d time.Duration) bool {
	ch := q.Notify()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) signal() {
	q.notifyMu.Lock()
	close(q.notify)
	q.notify = make(chan struct{})
	q.notifyMu.Unlock()
}

// OnComplete registers fn to be called, outside the queue lock, with every
// task that transitions to completed.
func (q *Queue) OnComplete(fn func(Task)) {
	q.obsMu.Lock()
	q.observers = append(q.observers, observer{fn: fn})
	q.obsMu.Unlock()
}

// OnFinish is like OnComplete but also sees failed and cancelled tasks.
func (q *Queue) OnFinish(fn func(Task)) {
	q.obsMu.Lock()
	q.observers = append(q.observers, observer{fn: fn, any: true})
	q.obsMu.Unlock()
}

func (q *Queue) notifyObservers(t Task) {
	q.obsMu.RLock()
	obs := q.observers
	q.obsMu.RUnlock()
	for _, o := range obs {
		if o.any || t.Status == StatusCompleted {
			o.fn(t)
		}
	}
}

func (q *Queue) mirrorLocked(t Task) {
	if q.mirror == nil {
		return
	}
	if err := q.mirror.MirrorTask(t); err != nil {
		q.logger.Error("mirror task", "task", t.ID, "status", t.Status, "error", err)
	}
}

type item struct {
	task  Task
	seq   uint64
	index int
}

func (a *item) before(b *item) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

type taskHeap []*item

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
