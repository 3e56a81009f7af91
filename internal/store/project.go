package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := models.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (id, name, path, description, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Name, p.Path, p.Description, marshalJSON(p.Config, "{}"), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProject(ctx, `id = ?`, id)
}

// GetProjectByPath retrieves a project by its repository path.
func (s *Store) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	return s.getProject(ctx, `path = ?`, path)
}

func (s *Store) getProject(ctx context.Context, where string, arg any) (*models.Project, error) {
	p := &models.Project{}
	var config string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, path, description, config, created_at, updated_at
		FROM projects WHERE `+where), arg).
		Scan(&p.ID, &p.Name, &p.Path, &p.Description, &config, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(config), &p.Config)
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, path, description, config, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		p := &models.Project{}
		var config string
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Description, &config, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(config), &p.Config)
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProject updates an existing project.
func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = models.Now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE projects SET name = ?, path = ?, description = ?, config = ?, updated_at = ?
		WHERE id = ?
	`), p.Name, p.Path, p.Description, marshalJSON(p.Config, "{}"), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject deletes a project; tasks, runs, events, and artifacts
// cascade via foreign keys.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateFeature inserts a new feature.
func (s *Store) CreateFeature(ctx context.Context, f *models.Feature) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := models.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO features (id, project_id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), f.ID, f.ProjectID, f.Title, f.Description, f.Status, f.CreatedAt, f.UpdatedAt)
	return err
}

// GetFeature retrieves a feature by ID.
func (s *Store) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	f := &models.Feature{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, project_id, title, description, status, created_at, updated_at
		FROM features WHERE id = ?`), id).
		Scan(&f.ID, &f.ProjectID, &f.Title, &f.Description, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFeature deletes a feature. Linked tasks are detached
// (feature_id set to null by the FK), never deleted.
func (s *Store) DeleteFeature(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM features WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	return nil
}
