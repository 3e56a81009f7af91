package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/tracing"
)

const taskColumns = `id, project_id, pipeline_id, COALESCE(feature_id, ''), title, description, status,
	priority, tags, parent_task_id, assignee, pr_link, branch_name, metadata, created_at, updated_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := models.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	var featureID any
	if t.FeatureID != "" {
		featureID = t.FeatureID
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, project_id, pipeline_id, feature_id, title, description, status, priority, tags, parent_task_id, assignee, pr_link, branch_name, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.ProjectID, t.PipelineID, featureID, t.Title, t.Description, t.Status, t.Priority,
		marshalJSON(t.Tags, "[]"), t.ParentTaskID, t.Assignee, t.PRLink, t.BranchName,
		marshalJSON(t.Metadata, "{}"), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTask updates all mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = models.Now()
	var featureID any
	if t.FeatureID != "" {
		featureID = t.FeatureID
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET project_id = ?, pipeline_id = ?, feature_id = ?, title = ?, description = ?,
			status = ?, priority = ?, tags = ?, parent_task_id = ?, assignee = ?,
			pr_link = ?, branch_name = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), t.ProjectID, t.PipelineID, featureID, t.Title, t.Description, t.Status, t.Priority,
		marshalJSON(t.Tags, "[]"), t.ParentTaskID, t.Assignee, t.PRLink, t.BranchName,
		marshalJSON(t.Metadata, "{}"), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask deletes a task; dependencies, runs, events, phases, prompts,
// and artifacts cascade via foreign keys.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTasks returns all tasks in a project, newest first.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("taskpilot-db").Start(ctx, "db.ListTasks")
	defer span.End()
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListTasksByStatus returns all tasks in a project with a given status.
func (s *Store) ListTasksByStatus(ctx context.Context, projectID, status string) ([]*models.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ? ORDER BY created_at DESC`), projectID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// CountTasksByStatus returns a status -> count map for a project.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AddDependency records that taskID is blocked on dependsOn. Self-loops
// are rejected.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("task %s cannot depend on itself", taskID)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)
	`), taskID, dependsOn)
	return err
}

// RemoveDependency removes a dependency edge.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOn string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?
	`), taskID, dependsOn)
	return err
}

// ListDependencies returns the tasks that taskID depends on.
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]*models.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumnsPrefixed("t")+`
		FROM tasks t
		JOIN task_dependencies d ON d.depends_on_task_id = t.id
		WHERE d.task_id = ?`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func taskColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.project_id, ` + alias + `.pipeline_id, COALESCE(` + alias + `.feature_id, ''), ` +
		alias + `.title, ` + alias + `.description, ` + alias + `.status, ` + alias + `.priority, ` + alias + `.tags, ` +
		alias + `.parent_task_id, ` + alias + `.assignee, ` + alias + `.pr_link, ` + alias + `.branch_name, ` +
		alias + `.metadata, ` + alias + `.created_at, ` + alias + `.updated_at`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var tags, metadata string
	err := row.Scan(&t.ID, &t.ProjectID, &t.PipelineID, &t.FeatureID, &t.Title, &t.Description,
		&t.Status, &t.Priority, &tags, &t.ParentTaskID, &t.Assignee, &t.PRLink, &t.BranchName,
		&metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
