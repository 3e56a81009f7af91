// Package agent runs external coding agents against per-task worktrees,
// persisting run records and feeding outcomes back into the pipeline.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/models"
)

// RunContext is everything an implementation needs to do one unit of
// agent work.
type RunContext struct {
	Task        *models.Task
	Project     *models.Project
	Mode        string
	Workdir     string
	TaskContext string
}

// RunResult is what an implementation hands back when its process exits.
type RunResult struct {
	ExitCode         int
	Output           string
	Outcome          string
	Payload          map[string]any
	CostInputTokens  int64
	CostOutputTokens int64
	Prompt           string
}

// Implementation is one agent backend. Execute blocks until the agent
// process exits or ctx is cancelled.
type Implementation interface {
	Type() string
	IsAvailable() bool
	BuildPrompt(rc RunContext) string
	Execute(ctx context.Context, rc RunContext, cfg config.AgentSettings, onOutput func(string)) (*RunResult, error)
}

// Registry holds the known agent implementations keyed by type.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]Implementation
}

// NewRegistry creates an empty implementation registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]Implementation)}
}

// Register adds or replaces an implementation.
func (r *Registry) Register(impl Implementation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[impl.Type()] = impl
}

// Get resolves an implementation by type.
func (r *Registry) Get(agentType string) (Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	return impl, nil
}

// Types returns the registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.impls))
	for t := range r.impls {
		types = append(types, t)
	}
	return types
}
