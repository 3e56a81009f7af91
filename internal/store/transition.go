package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// CommitTransition atomically applies a status change: the task row, the
// transition history entry, and the status_change event land in one
// transaction or not at all.
func (s *Store) CommitTransition(ctx context.Context, task *models.Task, rec *models.TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := models.Now()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`), rec.ToStatus, now, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO transition_history (id, task_id, from_status, to_status, trigger, actor, guard_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.TaskID, rec.FromStatus, rec.ToStatus, rec.Trigger, rec.Actor,
		marshalJSON(rec.GuardResults, "[]"), rec.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_events (id, task_id, category, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), uuid.New().String(), task.ID, models.EventStatusChange, models.SeverityInfo,
		fmt.Sprintf("%s → %s", rec.FromStatus, rec.ToStatus),
		marshalJSON(map[string]any{
			"from":    rec.FromStatus,
			"to":      rec.ToStatus,
			"trigger": rec.Trigger,
			"actor":   rec.Actor,
		}, "{}"), rec.CreatedAt)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	// Mutate the caller's task only once the commit is durable.
	task.Status = rec.ToStatus
	task.UpdatedAt = now
	return nil
}
