package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// AppendEvent records a task event.
func (s *Store) AppendEvent(ctx context.Context, e *models.TaskEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_events (id, task_id, category, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.TaskID, e.Category, e.Severity, e.Message, marshalJSON(e.Data, "{}"), e.CreatedAt)
	return err
}

// ListEvents returns a task's events, newest first. A zero cursor means
// start from the newest; otherwise only events strictly older than the
// cursor are returned.
func (s *Store) ListEvents(ctx context.Context, taskID string, before int64, limit int) ([]*models.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, task_id, category, severity, message, data, created_at
		FROM task_events WHERE task_id = ?`
	args := []any{taskID}
	if before > 0 {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// ListEventsByCategory returns a task's events of one category, newest first.
func (s *Store) ListEventsByCategory(ctx context.Context, taskID, category string, limit int) ([]*models.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, category, severity, message, data, created_at
		FROM task_events WHERE task_id = ? AND category = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), taskID, category, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.TaskEvent, error) {
	var result []*models.TaskEvent
	for rows.Next() {
		e := &models.TaskEvent{}
		var data string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Category, &e.Severity, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(data), &e.Data)
		result = append(result, e)
	}
	return result, rows.Err()
}
