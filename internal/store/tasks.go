package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/queue"
)

// SaveTask upserts the current state of a queue task.
func (s *Store) SaveTask(runID string, t queue.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (run_id, id, priority, type, description, status, claimed_by, reason, added_at, claimed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			status = excluded.status,
			claimed_by = excluded.claimed_by,
			reason = excluded.reason,
			claimed_at = excluded.claimed_at,
			completed_at = excluded.completed_at`,
		runID, t.ID, t.Priority, string(t.Type), t.Description, string(t.Status),
		nullString(t.ClaimedBy), nullString(t.Reason), t.AddedAt, nullTime(t.ClaimedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListTasks returns a run's tasks in the order they were added.
func (s *Store) ListTasks(runID string) ([]queue.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, priority, type, description, status, claimed_by, reason, added_at, claimed_at, completed_at
		FROM tasks WHERE run_id = ? ORDER BY added_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []queue.Task
	for rows.Next() {
		var (
			t                 queue.Task
			typ, status       string
			claimedBy, reason sql.NullString
			claimed, done     sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Priority, &typ, &t.Description, &status, &claimedBy, &reason, &t.AddedAt, &claimed, &done); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Type = queue.TaskType(typ)
		t.Status = queue.Status(status)
		t.ClaimedBy = claimedBy.String
		t.Reason = reason.String
		t.ClaimedAt = claimed.Time
		t.CompletedAt = done.Time
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskMirror adapts the store to queue.Mirror for one run.
type TaskMirror struct {
	Store *Store
	RunID string
}

func (m TaskMirror) MirrorTask(t queue.Task) error {
	return m.Store.SaveTask(m.RunID, t)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
