package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// AddArtifact attaches a durable output to a task.
func (s *Store) AddArtifact(ctx context.Context, a *models.TaskArtifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_artifacts (id, task_id, type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), a.ID, a.TaskID, a.Type, marshalJSON(a.Data, "{}"), a.CreatedAt)
	return err
}

// ListArtifacts returns a task's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]*models.TaskArtifact, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, type, data, created_at
		FROM task_artifacts WHERE task_id = ? ORDER BY created_at DESC, id DESC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TaskArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// LatestArtifact returns the most recent artifact of a type for a task.
func (s *Store) LatestArtifact(ctx context.Context, taskID, artifactType string) (*models.TaskArtifact, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, type, data, created_at
		FROM task_artifacts WHERE task_id = ? AND type = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), taskID, artifactType)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s for task %s: %w", artifactType, taskID, ErrNotFound)
	}
	return a, err
}

func scanArtifact(row rowScanner) (*models.TaskArtifact, error) {
	a := &models.TaskArtifact{}
	var data string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Type, &data, &a.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(data), &a.Data)
	return a, nil
}
