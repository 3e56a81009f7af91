package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/models"
)

const promptColumns = `id, task_id, agent_run_id, prompt_type, payload, COALESCE(response, ''), status,
	resume_outcome, created_at, answered_at`

// CreatePrompt records a pending human-in-the-loop prompt.
func (s *Store) CreatePrompt(ctx context.Context, p *models.PendingPrompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.PromptPending
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pending_prompts (id, task_id, agent_run_id, prompt_type, payload, status, resume_outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.TaskID, p.AgentRunID, p.PromptType, marshalJSON(p.Payload, "{}"), p.Status, p.ResumeOutcome, p.CreatedAt)
	return err
}

// GetPrompt retrieves a prompt by ID.
func (s *Store) GetPrompt(ctx context.Context, id string) (*models.PendingPrompt, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM pending_prompts WHERE id = ?`), id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListPendingPrompts returns a task's unanswered prompts, oldest first.
func (s *Store) ListPendingPrompts(ctx context.Context, taskID string) ([]*models.PendingPrompt, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM pending_prompts
		WHERE task_id = ? AND status = ? ORDER BY created_at ASC`), taskID, models.PromptPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PendingPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AnswerPrompt stores the response and flips the prompt to answered.
// Returns ErrNotFound if the prompt does not exist or is already settled.
func (s *Store) AnswerPrompt(ctx context.Context, id string, response map[string]any) (*models.PendingPrompt, error) {
	now := models.Now()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pending_prompts SET response = ?, status = ?, answered_at = ?
		WHERE id = ? AND status = ?
	`), marshalJSON(response, "{}"), models.PromptAnswered, now, id, models.PromptPending)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("pending prompt %s: %w", id, ErrNotFound)
	}
	return s.GetPrompt(ctx, id)
}

// ExpirePrompts marks every pending prompt for a task as expired. Used
// when a task is reset or a fresh agent run supersedes the old question.
func (s *Store) ExpirePrompts(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pending_prompts SET status = ? WHERE task_id = ? AND status = ?
	`), models.PromptExpired, taskID, models.PromptPending)
	return err
}

func scanPrompt(row rowScanner) (*models.PendingPrompt, error) {
	p := &models.PendingPrompt{}
	var payload, response string
	var answeredAt sql.NullInt64
	err := row.Scan(&p.ID, &p.TaskID, &p.AgentRunID, &p.PromptType, &payload, &response,
		&p.Status, &p.ResumeOutcome, &p.CreatedAt, &answeredAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(payload), &p.Payload)
	if response != "" {
		_ = json.Unmarshal([]byte(response), &p.Response)
	}
	if answeredAt.Valid {
		p.AnsweredAt = &answeredAt.Int64
	}
	return p, nil
}
