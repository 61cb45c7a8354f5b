package store

import (
	"fmt"

	"github.com/mtzanidakis/hive/internal/memory"
)

func (s *Store) AppendResult(runID string, e memory.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO results (run_id, id, seq, producer, cycle, score, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.ID, e.Seq, e.Producer, e.Cycle, e.Score, e.Content, e.AddedAt)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// TopResults returns a run's highest scored results, most recent first
// among equal scores.
func (s *Store) TopResults(runID string, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, seq, producer, cycle, score, content, created_at
		FROM results WHERE run_id = ?
		ORDER BY score DESC, seq DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("top results: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var e memory.Entry
		if err := rows.Scan(&e.ID, &e.Seq, &e.Producer, &e.Cycle, &e.Score, &e.Content, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResultMirror adapts the store to memory.Mirror for one run.
type ResultMirror struct {
	Store *Store
	RunID string
}

func (m ResultMirror) AppendEntry(e memory.Entry) error {
	return m.Store.AppendResult(m.RunID, e)
}
