package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// CreatePipeline inserts a new pipeline after validating it.
func (s *Store) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := models.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pipelines (id, name, task_type, statuses, transitions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Name, p.TaskType, marshalJSON(p.Statuses, "[]"), marshalJSON(p.Transitions, "[]"), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetPipeline retrieves a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	return s.getPipeline(ctx, `id = ?`, id)
}

// GetPipelineByTaskType retrieves the pipeline registered for a task type.
func (s *Store) GetPipelineByTaskType(ctx context.Context, taskType string) (*models.Pipeline, error) {
	return s.getPipeline(ctx, `task_type = ?`, taskType)
}

func (s *Store) getPipeline(ctx context.Context, where string, arg any) (*models.Pipeline, error) {
	p := &models.Pipeline{}
	var statuses, transitions string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, task_type, statuses, transitions, created_at, updated_at
		FROM pipelines WHERE `+where), arg).
		Scan(&p.ID, &p.Name, &p.TaskType, &statuses, &transitions, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statuses), &p.Statuses); err != nil {
		return nil, fmt.Errorf("pipeline %s: corrupt statuses: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(transitions), &p.Transitions); err != nil {
		return nil, fmt.Errorf("pipeline %s: corrupt transitions: %w", p.ID, err)
	}
	return p, nil
}

// ListPipelines returns all pipelines ordered by name.
func (s *Store) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, task_type, statuses, transitions, created_at, updated_at
		FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Pipeline
	for rows.Next() {
		p := &models.Pipeline{}
		var statuses, transitions string
		if err := rows.Scan(&p.ID, &p.Name, &p.TaskType, &statuses, &transitions, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(statuses), &p.Statuses)
		_ = json.Unmarshal([]byte(transitions), &p.Transitions)
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdatePipeline replaces a pipeline definition.
func (s *Store) UpdatePipeline(ctx context.Context, p *models.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = models.Now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pipelines SET name = ?, task_type = ?, statuses = ?, transitions = ?, updated_at = ?
		WHERE id = ?
	`), p.Name, p.TaskType, marshalJSON(p.Statuses, "[]"), marshalJSON(p.Transitions, "[]"), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeletePipeline deletes a pipeline. Fails while tasks still reference it.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pipelines WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return nil
}

// EnsurePipeline inserts a pipeline unless its task type already exists.
// Used for seeding the built-in pipelines at startup.
func (s *Store) EnsurePipeline(ctx context.Context, p *models.Pipeline) error {
	existing, err := s.GetPipelineByTaskType(ctx, p.TaskType)
	if err == nil && existing != nil {
		return nil
	}
	return s.CreatePipeline(ctx, p)
}
