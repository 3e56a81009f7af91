package pipeline

import (
	"context"
	"fmt"

	"github.com/taskpilot/taskpilot/internal/models"
)

// RegisterBuiltinGuards installs the standard guard set on an engine.
func RegisterBuiltinGuards(e *Engine, s Store) {
	e.RegisterGuard("has_pr", guardHasPR)
	e.RegisterGuard("dependencies_resolved", guardDependenciesResolved(s))
	e.RegisterGuard("no_running_agent", guardNoRunningAgent(s))
	e.RegisterGuard("max_retries", guardMaxRetries(s))
}

func guardHasPR(_ context.Context, in GuardInput) models.GuardResult {
	if in.Task.PRLink == "" {
		return models.GuardResult{Allowed: false, Reason: "Task must have a PR link"}
	}
	return models.GuardResult{Allowed: true}
}

func guardDependenciesResolved(s Store) GuardFunc {
	return func(ctx context.Context, in GuardInput) models.GuardResult {
		deps, err := s.ListDependencies(ctx, in.Task.ID)
		if err != nil {
			return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("failed to load dependencies: %v", err)}
		}
		for _, dep := range deps {
			p, err := s.GetPipeline(ctx, dep.PipelineID)
			if err != nil {
				return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("failed to load pipeline for dependency %s: %v", dep.ID, err)}
			}
			if !p.IsFinalStatus(dep.Status) {
				return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("dependency %q is not done", dep.Title)}
			}
		}
		return models.GuardResult{Allowed: true}
	}
}

func guardNoRunningAgent(s Store) GuardFunc {
	return func(ctx context.Context, in GuardInput) models.GuardResult {
		n, err := s.CountRunningByTask(ctx, in.Task.ID)
		if err != nil {
			return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("failed to check running agents: %v", err)}
		}
		if n > 0 {
			return models.GuardResult{Allowed: false, Reason: "An agent is already running for this task"}
		}
		return models.GuardResult{Allowed: true}
	}
}

func guardMaxRetries(s Store) GuardFunc {
	return func(ctx context.Context, in GuardInput) models.GuardResult {
		max := paramInt(in.Params, "max", 3)
		n, err := s.CountRecentSelfTransitions(ctx, in.Task.ID, in.Transition.From, in.Transition.To)
		if err != nil {
			return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("failed to count retries: %v", err)}
		}
		// n committed self-loops means n+1 attempts have already run; max
		// caps total attempts, not loops.
		if n+1 >= max {
			return models.GuardResult{Allowed: false, Reason: fmt.Sprintf("retry limit of %d reached", max)}
		}
		return models.GuardResult{Allowed: true}
	}
}

// paramInt reads an integer parameter that may arrive as a float after a
// JSON round trip.
func paramInt(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
