// Package memory holds scored results produced by agents. A Store runs
// either as a bounded top-K memory, private to one agent, or as an
// unbounded append log shared by the whole swarm.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/lock"
)

var ErrContention = lock.ErrContention

type Entry struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer"`
	Cycle    int       `json:"cycle"`
	Score    float64   `json:"score"`
	Content  string    `json:"content"`
	AddedAt  time.Time `json:"added_at"`
	Seq      uint64    `json:"seq"`
}

// Mirror persists entries as they are appended. It is called while the
// store lock is held, so writes are serialized with in-memory mutation.
type Mirror interface {
	AppendEntry(e Entry) error
}

type Options struct {
	// Capacity > 0 selects bounded mode.
	Capacity    int
	LockTimeout time.Duration
	Mirrors     []Mirror
	Logger      *slog.Logger
	Now         func() time.Time
}

type Store struct {
	lock     *lock.Timed
	capacity int
	mirrors  []Mirror
	logger   *slog.Logger
	now      func() time.Time

	entries []Entry
	best    Entry
	hasBest bool
	seq     uint64
	total   uint64
}

func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		lock:     lock.New(opts.LockTimeout),
		capacity: opts.Capacity,
		mirrors:  opts.Mirrors,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// NewBounded returns a top-K store that keeps the k highest scored entries.
func NewBounded(k int) *Store {
	if k < 1 {
		k = 1
	}
	return New(Options{Capacity: k})
}

// NewLog returns an unbounded append log.
func NewLog(mirrors ...Mirror) *Store {
	return New(Options{Mirrors: mirrors})
}

func (s *Store) Bounded() bool {
	return s.capacity > 0
}

// AddEntry records a result. Scores are clamped into [0,1] and NaN counts
// as 0. The best entry is updated when the new score is strictly higher.
func (s *Store) AddEntry(ctx context.Context, score float64, producer string, cycle int, content string) (Entry, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		s.logger.Warn("memory lock not acquired", "producer", producer, "cycle", cycle, "error", err)
		return Entry{}, fmt.Errorf("add entry: %w", err)
	}
	defer s.lock.Release()

	s.seq++
	s.total++
	e := Entry{
		ID:       uuid.New().String(),
		Producer: producer,
		Cycle:    cycle,
		Score:    ClampScore(score),
		Content:  content,
		AddedAt:  s.now(),
		Seq:      s.seq,
	}
	s.entries = append(s.entries, e)
	if !s.hasBest || e.Score > s.best.Score {
		s.best = e
		s.hasBest = true
	}
	if s.capacity > 0 && len(s.entries) > s.capacity {
		s.evictLowest()
	}

	for _, m := range s.mirrors {
		if err := m.AppendEntry(e); err != nil {
			s.logger.Error("mirror entry", "producer", producer, "cycle", cycle, "error", err)
		}
	}
	return e, nil
}

// evictLowest drops the lowest scored entry, the oldest one on ties.
func (s *Store) evictLowest() {
	idx := 0
	for i := 1; i < len(s.entries); i++ {
		if s.entries[i].Score < s.entries[idx].Score {
			idx = i
		}
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
}

// Best returns the highest scored entry seen so far.
func (s *Store) Best(ctx context.Context) (Entry, bool, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		return Entry{}, false, fmt.Errorf("best entry: %w", err)
	}
	defer s.lock.Release()
	return s.best, s.hasBest, nil
}

// TopN returns up to n entries by score descending, the most recent first
// among equal scores.
func (s *Store) TopN(ctx context.Context, n int) ([]Entry, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("top entries: %w", err)
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	s.lock.Release()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Seq > out[j].Seq
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// Entries returns the retained entries in insertion order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer s.lock.Release()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	if err := s.lock.Acquire(context.Background()); err != nil {
		return 0
	}
	defer s.lock.Release()
	return len(s.entries)
}

// Total returns how many entries were ever added, evicted ones included.
func (s *Store) Total() uint64 {
	if err := s.lock.Acquire(context.Background()); err != nil {
		return 0
	}
	defer s.lock.Release()
	return s.total
}

func ClampScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
