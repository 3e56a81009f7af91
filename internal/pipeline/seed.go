package pipeline

import (
	"context"

	"github.com/taskpilot/taskpilot/internal/models"
)

// Seeder persists the built-in pipelines without overwriting existing
// definitions.
type Seeder interface {
	EnsurePipeline(ctx context.Context, p *models.Pipeline) error
}

// SeedBuiltins inserts the four built-in pipelines if their task types
// are not already registered.
func SeedBuiltins(ctx context.Context, s Seeder) error {
	for _, p := range BuiltinPipelines() {
		if err := s.EnsurePipeline(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinPipelines returns fresh copies of the built-in definitions.
func BuiltinPipelines() []*models.Pipeline {
	return []*models.Pipeline{
		simplePipeline(),
		featurePipeline(),
		bugPipeline(),
		agentPipeline(),
	}
}

func simplePipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Simple",
		TaskType: "simple",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open", Color: "gray"},
			{Name: "in_progress", Label: "In Progress", Color: "blue"},
			{Name: "done", Label: "Done", Color: "green", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "in_progress", Trigger: models.TriggerManual, Label: "Start"},
			{From: "in_progress", To: "done", Trigger: models.TriggerManual, Label: "Finish"},
			{From: "in_progress", To: "open", Trigger: models.TriggerManual, Label: "Reopen"},
		},
	}
}

func featurePipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Feature",
		TaskType: "feature",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open", Color: "gray"},
			{Name: "in_progress", Label: "In Progress", Color: "blue"},
			{Name: "in_review", Label: "In Review", Color: "purple"},
			{Name: "done", Label: "Done", Color: "green", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "in_progress", Trigger: models.TriggerManual, Label: "Start",
				Guards: []models.GuardRef{{Name: "dependencies_resolved"}}},
			{From: "in_progress", To: "in_review", Trigger: models.TriggerManual, Label: "Submit for review",
				Guards: []models.GuardRef{{Name: "has_pr"}}},
			{From: "in_review", To: "in_progress", Trigger: models.TriggerManual, Label: "Request changes"},
			{From: "in_review", To: "done", Trigger: models.TriggerManual, Label: "Approve and merge",
				Hooks: []models.HookRef{
					{Name: "merge_pr", Policy: models.PolicyRequired},
					{Name: "notify", Policy: models.PolicyFireAndForget, Params: map[string]any{
						"titleTemplate": "PR merged",
						"bodyTemplate":  "{{.Task.Title}} merged to the default branch",
					}},
				}},
		},
	}
}

func bugPipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Bug",
		TaskType: "bug",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open", Color: "gray"},
			{Name: "investigating", Label: "Investigating", Color: "yellow"},
			{Name: "fixing", Label: "Fixing", Color: "blue"},
			{Name: "verifying", Label: "Verifying", Color: "purple"},
			{Name: "done", Label: "Done", Color: "green", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "investigating", Trigger: models.TriggerManual, Label: "Investigate"},
			{From: "investigating", To: "fixing", Trigger: models.TriggerManual, Label: "Start fix"},
			{From: "investigating", To: "done", Trigger: models.TriggerManual, Label: "Cannot reproduce"},
			{From: "fixing", To: "verifying", Trigger: models.TriggerManual, Label: "Verify",
				Guards: []models.GuardRef{{Name: "has_pr"}}},
			{From: "verifying", To: "fixing", Trigger: models.TriggerManual, Label: "Fix incomplete"},
			{From: "verifying", To: "done", Trigger: models.TriggerManual, Label: "Verified",
				Hooks: []models.HookRef{{Name: "merge_pr", Policy: models.PolicyRequired}}},
		},
	}
}

func agentPipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Agent",
		TaskType: "agent",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open", Color: "gray"},
			{Name: "planning", Label: "Planning", Color: "yellow"},
			{Name: "plan_review", Label: "Plan Review", Color: "orange"},
			{Name: "implementing", Label: "Implementing", Color: "blue"},
			{Name: "pr_review", Label: "PR Review", Color: "purple"},
			{Name: "needs_info", Label: "Needs Info", Color: "red"},
			{Name: "done", Label: "Done", Color: "green", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "planning", Trigger: models.TriggerManual, Label: "Start planning",
				Guards: []models.GuardRef{{Name: "dependencies_resolved"}, {Name: "no_running_agent"}},
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "plan", "agentType": "claude-code",
				}}}},
			{From: "planning", To: "plan_review", Trigger: models.TriggerAgent, AgentOutcome: "plan_complete"},
			{From: "planning", To: "needs_info", Trigger: models.TriggerAgent, AgentOutcome: "needs_info",
				Hooks: []models.HookRef{{Name: "create_prompt", Params: map[string]any{
					"resumeOutcome": "info_provided",
				}}}},
			// A failed run retries in place until the attempt cap trips.
			{From: "planning", To: "planning", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Guards: []models.GuardRef{{Name: "max_retries", Params: map[string]any{"max": 3}}},
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "plan", "agentType": "claude-code",
				}}}},
			{From: "needs_info", To: "planning", Trigger: models.TriggerAgent, AgentOutcome: "info_provided",
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "plan", "agentType": "claude-code",
				}}}},
			{From: "plan_review", To: "implementing", Trigger: models.TriggerManual, Label: "Approve plan",
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "implement", "agentType": "claude-code",
				}}}},
			{From: "plan_review", To: "planning", Trigger: models.TriggerManual, Label: "Revise plan",
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "plan", "agentType": "claude-code",
				}}}},
			{From: "implementing", To: "pr_review", Trigger: models.TriggerAgent, AgentOutcome: "pr_ready",
				Hooks: []models.HookRef{
					{Name: "push_and_create_pr"},
					{Name: "notify", Policy: models.PolicyFireAndForget, Params: map[string]any{
						"titleTemplate": "PR ready for review",
						"bodyTemplate":  "{{.Task.Title}} is ready for review",
					}},
				}},
			{From: "implementing", To: "implementing", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Guards: []models.GuardRef{{Name: "max_retries", Params: map[string]any{"max": 3}}},
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "implement", "agentType": "claude-code",
				}}}},
			{From: "implementing", To: "needs_info", Trigger: models.TriggerAgent, AgentOutcome: "needs_info",
				Hooks: []models.HookRef{{Name: "create_prompt", Params: map[string]any{
					"resumeOutcome": "info_provided",
				}}}},
			{From: "needs_info", To: "implementing", Trigger: models.TriggerAgent, AgentOutcome: "info_provided",
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "implement", "agentType": "claude-code",
				}}}},
			{From: "pr_review", To: "done", Trigger: models.TriggerManual, Label: "Approve and merge",
				Guards: []models.GuardRef{{Name: "has_pr"}},
				Hooks:  []models.HookRef{{Name: "merge_pr", Policy: models.PolicyRequired}}},
			{From: "pr_review", To: "implementing", Trigger: models.TriggerManual, Label: "Request changes",
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{{Name: "start_agent", Params: map[string]any{
					"mode": "implement", "agentType": "claude-code",
				}}}},
		},
	}
}
