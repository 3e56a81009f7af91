package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// RecordActivity appends an entry to the cross-entity activity stream.
func (s *Store) RecordActivity(ctx context.Context, a *models.ActivityEntry) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO activity_log (id, action, entity_type, entity_id, summary, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.Action, a.EntityType, a.EntityID, a.Summary, marshalJSON(a.Data, "{}"), a.CreatedAt)
	return err
}

// ListActivity returns recent activity entries, newest first, optionally
// filtered by entity.
func (s *Store) ListActivity(ctx context.Context, entityType, entityID string, limit int) ([]*models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, entity_type, entity_id, summary, data, created_at FROM activity_log`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
		if entityID != "" {
			query += ` AND entity_id = ?`
			args = append(args, entityID)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ActivityEntry
	for rows.Next() {
		a := &models.ActivityEntry{}
		var data string
		if err := rows.Scan(&a.ID, &a.Action, &a.EntityType, &a.EntityID, &a.Summary, &data, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(data), &a.Data)
		result = append(result, a)
	}
	return result, rows.Err()
}
