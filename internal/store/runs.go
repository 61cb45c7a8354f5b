package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

type Run struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Goal        string     `json:"goal"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Agents      int        `json:"agents"`
	BestScore   *float64   `json:"best_score,omitempty"`
	BestContent string     `json:"best_content,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, goal, status, reason, agents, best_score, best_content, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			agents = excluded.agents,
			best_score = excluded.best_score,
			best_content = excluded.best_content,
			finished_at = excluded.finished_at`,
		r.ID, r.Mode, r.Goal, r.Status, nullString(r.Reason), r.Agents, r.BestScore, nullString(r.BestContent), r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// FinishRun records the final status and best result of a run.
func (s *Store) FinishRun(id, status, reason string, bestScore *float64, bestContent string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, reason = ?, best_score = ?, best_content = ?, finished_at = ?
		WHERE id = ?`,
		status, nullString(reason), bestScore, nullString(bestContent), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, mode, goal, status, reason, agents, best_score, best_content, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, mode, goal, status, reason, agents, best_score, best_content, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(s scanner) (*Run, error) {
	r := &Run{}
	var reason, bestContent sql.NullString
	var bestScore sql.NullFloat64
	var finished sql.NullTime
	err := s.Scan(&r.ID, &r.Mode, &r.Goal, &r.Status, &reason, &r.Agents, &bestScore, &bestContent, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	r.Reason = reason.String
	r.BestContent = bestContent.String
	if bestScore.Valid {
		v := bestScore.Float64
		r.BestScore = &v
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
