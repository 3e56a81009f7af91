package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

const runColumns = `id, task_id, agent_type, mode, status, output, outcome, payload, exit_code,
	started_at, completed_at, cost_input_tokens, cost_output_tokens, prompt`

// CreateRun inserts a new agent run record.
func (s *Store) CreateRun(ctx context.Context, r *models.AgentRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}
	if r.StartedAt == 0 {
		r.StartedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_runs (id, task_id, agent_type, mode, status, output, outcome, payload, exit_code, started_at, completed_at, cost_input_tokens, cost_output_tokens, prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.TaskID, r.AgentType, r.Mode, r.Status, r.Output, r.Outcome,
		marshalJSON(r.Payload, "{}"), r.ExitCode, r.StartedAt, r.CompletedAt,
		r.CostInputTokens, r.CostOutputTokens, r.Prompt)
	return err
}

// GetRun retrieves an agent run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// UpdateRun updates a run record in place.
func (s *Store) UpdateRun(ctx context.Context, r *models.AgentRun) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs SET status = ?, output = ?, outcome = ?, payload = ?, exit_code = ?,
			completed_at = ?, cost_input_tokens = ?, cost_output_tokens = ?, prompt = ?
		WHERE id = ?
	`), r.Status, r.Output, r.Outcome, marshalJSON(r.Payload, "{}"), r.ExitCode,
		r.CompletedAt, r.CostInputTokens, r.CostOutputTokens, r.Prompt, r.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// ListRunsByTask returns all runs for a task, newest first.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*models.AgentRun, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? ORDER BY started_at DESC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// ListRunsByStatus returns all runs with a given status, newest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status string) ([]*models.AgentRun, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE status = ? ORDER BY started_at DESC`), status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// CountRunningByTask counts runs currently in the running state for a task.
func (s *Store) CountRunningByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM agent_runs WHERE task_id = ? AND status = ?`), taskID, models.RunStatusRunning).Scan(&n)
	return n, err
}

// MarkRunningInterrupted moves every running run to interrupted. Called
// once at startup to settle runs orphaned by a previous process.
func (s *Store) MarkRunningInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs SET status = ?, completed_at = ? WHERE status = ?
	`), models.RunStatusInterrupted, models.Now(), models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SumRunCosts returns total input/output token usage across all runs for
// a project's tasks.
func (s *Store) SumRunCosts(ctx context.Context, projectID string) (input, output int64, err error) {
	err = s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COALESCE(SUM(r.cost_input_tokens), 0), COALESCE(SUM(r.cost_output_tokens), 0)
		FROM agent_runs r JOIN tasks t ON t.id = r.task_id
		WHERE t.project_id = ?`), projectID).Scan(&input, &output)
	return input, output, err
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	r := &models.AgentRun{}
	var payload string
	var completedAt sql.NullInt64
	err := row.Scan(&r.ID, &r.TaskID, &r.AgentType, &r.Mode, &r.Status, &r.Output, &r.Outcome,
		&payload, &r.ExitCode, &r.StartedAt, &completedAt, &r.CostInputTokens, &r.CostOutputTokens, &r.Prompt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Int64
	}
	_ = json.Unmarshal([]byte(payload), &r.Payload)
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]*models.AgentRun, error) {
	var result []*models.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CreatePhase inserts a new task phase record.
func (s *Store) CreatePhase(ctx context.Context, p *models.TaskPhase) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.PhaseActive
	}
	if p.StartedAt == 0 {
		p.StartedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_phases (id, task_id, phase, status, agent_run_id, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.TaskID, p.Phase, p.Status, p.AgentRunID, p.StartedAt, p.CompletedAt)
	return err
}

// CompletePhase settles a phase to completed or failed.
func (s *Store) CompletePhase(ctx context.Context, id, status string) error {
	now := models.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_phases SET status = ?, completed_at = ? WHERE id = ?
	`), status, now, id)
	return err
}

// ListPhasesByTask returns all phases for a task, newest first.
func (s *Store) ListPhasesByTask(ctx context.Context, taskID string) ([]*models.TaskPhase, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, phase, status, agent_run_id, started_at, completed_at
		FROM task_phases WHERE task_id = ? ORDER BY started_at DESC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TaskPhase
	for rows.Next() {
		p := &models.TaskPhase{}
		var completedAt sql.NullInt64
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Phase, &p.Status, &p.AgentRunID, &p.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.Int64
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
