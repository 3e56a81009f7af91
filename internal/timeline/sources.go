package timeline

import (
	"context"
	"fmt"

	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/store"
)

// Sources builds the full default source set over a store.
func Sources(st *store.Store) []Source {
	return []Source{
		&eventSource{st: st},
		&activitySource{st: st},
		&transitionSource{st: st},
		&runSource{st: st},
		&phaseSource{st: st},
		&artifactSource{st: st},
		&promptSource{st: st},
		&categorySource{st: st, category: models.EventGit},
		&categorySource{st: st, category: models.EventGithub},
	}
}

type eventSource struct {
	st *store.Store
}

func (s *eventSource) Name() string { return "events" }

func (s *eventSource) Collect(ctx context.Context, taskID string, before int64, limit int) ([]Item, error) {
	events, err := s.st.ListEvents(ctx, taskID, before, limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(events))
	for _, e := range events {
		items = append(items, Item{
			ID:        e.ID,
			Timestamp: e.CreatedAt,
			Source:    s.Name(),
			Severity:  e.Severity,
			Title:     e.Message,
			Data:      e.Data,
		})
	}
	return items, nil
}

// categorySource re-reads task_events filtered to one category, so git
// and github activity appear as their own timeline streams.
type categorySource struct {
	st       *store.Store
	category string
}

func (s *categorySource) Name() string { return s.category }

func (s *categorySource) Collect(ctx context.Context, taskID string, _ int64, limit int) ([]Item, error) {
	events, err := s.st.ListEventsByCategory(ctx, taskID, s.category, limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(events))
	for _, e := range events {
		items = append(items, Item{
			ID:        e.ID,
			Timestamp: e.CreatedAt,
			Source:    s.Name(),
			Severity:  e.Severity,
			Title:     e.Message,
			Data:      e.Data,
		})
	}
	return items, nil
}

type activitySource struct {
	st *store.Store
}

func (s *activitySource) Name() string { return "activity" }

func (s *activitySource) Collect(ctx context.Context, taskID string, _ int64, limit int) ([]Item, error) {
	entries, err := s.st.ListActivity(ctx, "task", taskID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(entries))
	for _, a := range entries {
		title := a.Action
		if a.Summary != "" {
			title = fmt.Sprintf("%s: %s", a.Action, a.Summary)
		}
		items = append(items, Item{
			ID:        a.ID,
			Timestamp: a.CreatedAt,
			Source:    s.Name(),
			Title:     title,
			Data:      a.Data,
		})
	}
	return items, nil
}

type transitionSource struct {
	st *store.Store
}

func (s *transitionSource) Name() string { return "transitions" }

func (s *transitionSource) Collect(ctx context.Context, taskID string, _ int64, limit int) ([]Item, error) {
	records, err := s.st.ListTransitions(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(records))
	for _, r := range records {
		items = append(items, Item{
			ID:        r.ID,
			Timestamp: r.CreatedAt,
			Source:    s.Name(),
			Title:     fmt.Sprintf("%s -> %s", r.FromStatus, r.ToStatus),
			Data: map[string]any{
				"trigger": r.Trigger,
				"actor":   r.Actor,
			},
		})
	}
	return items, nil
}

type runSource struct {
	st *store.Store
}

func (s *runSource) Name() string { return "runs" }

func (s *runSource) Collect(ctx context.Context, taskID string, _ int64, _ int) ([]Item, error) {
	runs, err := s.st.ListRunsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(runs))
	for _, r := range runs {
		severity := ""
		if r.Status == models.RunStatusFailed {
			severity = models.SeverityError
		}
		items = append(items, Item{
			ID:        r.ID,
			Timestamp: r.StartedAt,
			Source:    s.Name(),
			Severity:  severity,
			Title:     fmt.Sprintf("%s %s run %s", r.AgentType, r.Mode, r.Status),
			Data: map[string]any{
				"outcome":  r.Outcome,
				"exitCode": r.ExitCode,
			},
		})
	}
	return items, nil
}

type phaseSource struct {
	st *store.Store
}

func (s *phaseSource) Name() string { return "phases" }

func (s *phaseSource) Collect(ctx context.Context, taskID string, _ int64, _ int) ([]Item, error) {
	phases, err := s.st.ListPhasesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(phases))
	for _, p := range phases {
		items = append(items, Item{
			ID:        p.ID,
			Timestamp: p.StartedAt,
			Source:    s.Name(),
			Title:     fmt.Sprintf("phase %s %s", p.Phase, p.Status),
			Data:      map[string]any{"agentRunId": p.AgentRunID},
		})
	}
	return items, nil
}

type artifactSource struct {
	st *store.Store
}

func (s *artifactSource) Name() string { return "artifacts" }

func (s *artifactSource) Collect(ctx context.Context, taskID string, _ int64, _ int) ([]Item, error) {
	artifacts, err := s.st.ListArtifacts(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(artifacts))
	for _, a := range artifacts {
		items = append(items, Item{
			ID:        a.ID,
			Timestamp: a.CreatedAt,
			Source:    s.Name(),
			Title:     fmt.Sprintf("%s artifact added", a.Type),
			Data:      a.Data,
		})
	}
	return items, nil
}

type promptSource struct {
	st *store.Store
}

func (s *promptSource) Name() string { return "prompts" }

func (s *promptSource) Collect(ctx context.Context, taskID string, _ int64, _ int) ([]Item, error) {
	prompts, err := s.st.ListPendingPrompts(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(prompts))
	for _, p := range prompts {
		items = append(items, Item{
			ID:        p.ID,
			Timestamp: p.CreatedAt,
			Source:    s.Name(),
			Severity:  models.SeverityWarning,
			Title:     fmt.Sprintf("waiting for input (%s)", p.PromptType),
			Data:      p.Payload,
		})
	}
	return items, nil
}
