package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/agent"
	"github.com/taskpilot/taskpilot/internal/bus"
	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/gitops"
	"github.com/taskpilot/taskpilot/internal/httpapi"
	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/notify"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/scm"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/timeline"
	"github.com/taskpilot/taskpilot/internal/workflow"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

// services bundles everything main needs a handle on after wiring.
type services struct {
	engine   *pipeline.Engine
	agents   *agent.Service
	workflow *workflow.Service
	api      *httpapi.Server
}

// provideServices wires the engine, the agent runner, the workflow
// facade, and the HTTP API together.
func provideServices(st *store.Store, eventBus bus.Bus, log *logger.Logger) (*services, error) {
	settings, err := config.LoadSettings("")
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	engine := pipeline.New(st, log)
	pipeline.RegisterBuiltinGuards(engine, st)

	registry := agent.NewRegistry()
	registry.Register(agent.NewClaudeCode(log))
	registry.Register(agent.NewPRReviewer(log))
	if settings.Checks.Build != "" {
		registry.Register(agent.NewScripted("check-build", settings.Checks.Build))
	}
	if settings.Checks.Lint != "" {
		registry.Register(agent.NewScripted("check-lint", settings.Checks.Lint))
	}
	if settings.Checks.Test != "" {
		registry.Register(agent.NewScripted("check-test", settings.Checks.Test))
	}

	worktreesPathFor := func(p *models.Project) string {
		if p.Config.WorktreesPath != "" {
			return p.Config.WorktreesPath
		}
		return settings.WorktreesPath
	}

	agentWorktrees := func(p *models.Project) (agent.WorktreeManager, error) {
		return worktree.NewManager(p.Path, worktreesPathFor(p), log)
	}
	agents := agent.NewService(st, registry, engine, agentWorktrees,
		config.LoadSettings, eventBus, settings.MaxConcurrentAgents, log)

	notifier := notify.New(settings.Notify, log)

	workflowWorktrees := func(p *models.Project) (workflow.Worktrees, error) {
		return worktree.NewManager(p.Path, worktreesPathFor(p), log)
	}
	gitFactory := func(dir string) workflow.GitClient { return gitops.New(dir) }

	wf := workflow.NewService(st, engine, agents, workflowWorktrees,
		gitFactory, scm.NewGHClient(), notifier, eventBus, config.LoadSettings, log)
	workflow.RegisterBuiltinHooks(engine, wf)

	tl := timeline.NewService(log, timeline.Sources(st)...)
	api := httpapi.NewServer(wf, tl, eventBus, log)

	return &services{engine: engine, agents: agents, workflow: wf, api: api}, nil
}

// reconcile settles state orphaned by a previous process: runs still
// marked running become interrupted, and stale worktree locks clear.
func reconcile(ctx context.Context, st *store.Store, svcs *services, log *logger.Logger) {
	if n, err := st.MarkRunningInterrupted(ctx); err != nil {
		log.WithError(err).Warn("failed to reconcile orphaned runs")
	} else if n > 0 {
		log.Info("marked orphaned runs interrupted", zap.Int64("count", n))
	}

	projects, err := st.ListProjects(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to list projects for worktree cleanup")
		return
	}
	for _, p := range projects {
		manager, err := worktree.NewManager(p.Path, p.Config.WorktreesPath, log)
		if err != nil {
			log.WithError(err).Warn("failed to open worktree manager", zap.String("project", p.ID))
			continue
		}
		if err := manager.Cleanup(ctx); err != nil {
			log.WithError(err).Warn("worktree cleanup failed", zap.String("project", p.ID))
		}
	}
}
