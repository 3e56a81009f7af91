package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// AppendTransition records a transition history entry outside of a
// status commit, used for attempted transitions that were denied.
func (s *Store) AppendTransition(ctx context.Context, rec *models.TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO transition_history (id, task_id, from_status, to_status, trigger, actor, guard_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.TaskID, rec.FromStatus, rec.ToStatus, rec.Trigger, rec.Actor,
		marshalJSON(rec.GuardResults, "[]"), rec.CreatedAt)
	return err
}

// ListTransitions returns a task's transition history, newest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string, limit int) ([]*models.TransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, from_status, to_status, trigger, actor, guard_results, created_at
		FROM transition_history WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// CountRecentSelfTransitions counts how many consecutive most-recent
// history entries for a task are exactly from->to. The count stops at
// the first entry that is any other transition.
func (s *Store) CountRecentSelfTransitions(ctx context.Context, taskID, from, to string) (int, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT from_status, to_status FROM transition_history
		WHERE task_id = ? ORDER BY created_at DESC, id DESC`), taskID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var f, t string
		if err := rows.Scan(&f, &t); err != nil {
			return 0, err
		}
		if f != from || t != to {
			break
		}
		count++
	}
	return count, rows.Err()
}

func scanTransition(rows *sql.Rows) (*models.TransitionRecord, error) {
	rec := &models.TransitionRecord{}
	var guards string
	err := rows.Scan(&rec.ID, &rec.TaskID, &rec.FromStatus, &rec.ToStatus, &rec.Trigger,
		&rec.Actor, &guards, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(guards), &rec.GuardResults)
	return rec, nil
}
