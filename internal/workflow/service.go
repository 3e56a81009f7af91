// Package workflow is the single entry point for external callers: task
// CRUD, transitions, agent lifecycle, prompt responses, and PR merges.
package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/scm"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

// AgentService is the agent lifecycle surface the workflow delegates to.
type AgentService interface {
	Execute(ctx context.Context, taskID, mode, agentType string, onOutput func(string)) (*models.AgentRun, error)
	Stop(ctx context.Context, runID string) error
}

// Worktrees is the per-project worktree surface. Satisfied by
// *worktree.Manager.
type Worktrees interface {
	Get(ctx context.Context, taskID string) (*worktree.Worktree, error)
	Lock(ctx context.Context, taskID string) error
	Unlock(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error
}

// WorktreeFactory yields the worktree manager for a project.
type WorktreeFactory func(project *models.Project) (Worktrees, error)

// GitClient is the per-directory git surface hooks use. Satisfied by
// *gitops.Client.
type GitClient interface {
	Fetch(ctx context.Context) error
	Rebase(ctx context.Context, onto string) error
	Diff(ctx context.Context, from, to string) (string, error)
	Push(ctx context.Context, branch string, force bool) error
	Pull(ctx context.Context) error
	CurrentBranch(ctx context.Context) (string, error)
}

// GitFactory yields a git client rooted at a directory.
type GitFactory func(dir string) GitClient

// Notifier delivers user-facing notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Publisher pushes entity updates to the event bus so UI clients can
// react without polling.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Service orchestrates stores, the pipeline engine, the agent service,
// and the git surfaces.
type Service struct {
	store        *store.Store
	engine       *pipeline.Engine
	agents       AgentService
	worktrees    WorktreeFactory
	git          GitFactory
	platform     scm.Platform
	notifier     Notifier
	publisher    Publisher
	loadSettings func(projectPath string) (*config.Settings, error)
	logger       *logger.Logger
}

// NewService wires the workflow façade. notifier, platform, and
// publisher may be nil when the host has none configured.
func NewService(st *store.Store, engine *pipeline.Engine, agents AgentService, worktrees WorktreeFactory, git GitFactory, platform scm.Platform, notifier Notifier, publisher Publisher, loadSettings func(string) (*config.Settings, error), log *logger.Logger) *Service {
	if loadSettings == nil {
		loadSettings = config.LoadSettings
	}
	return &Service{
		store:        st,
		engine:       engine,
		agents:       agents,
		worktrees:    worktrees,
		git:          git,
		platform:     platform,
		notifier:     notifier,
		publisher:    publisher,
		loadSettings: loadSettings,
		logger:       log.WithFields(zap.String("component", "workflow")),
	}
}

func (s *Service) publish(subject string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(subject, payload); err != nil {
		s.logger.WithError(err).Debug("bus publish failed", zap.String("subject", subject))
	}
}

// Engine exposes the pipeline engine for transition introspection.
func (s *Service) Engine() *pipeline.Engine {
	return s.engine
}

// Store exposes the backing store for read paths (timeline, HTTP API).
func (s *Service) Store() *store.Store {
	return s.store
}

// CreateTaskRequest describes a new task. TaskType selects the pipeline
// when PipelineID is empty; both empty falls back to the project's
// default pipeline.
type CreateTaskRequest struct {
	ProjectID    string
	PipelineID   string
	TaskType     string
	FeatureID    string
	Title        string
	Description  string
	Priority     int
	Tags         []string
	ParentTaskID string
	BranchName   string
}

// CreateTask creates a task in its pipeline's initial status.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	p, err := s.resolvePipeline(ctx, project, req.PipelineID, req.TaskType)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ProjectID:    project.ID,
		PipelineID:   p.ID,
		FeatureID:    req.FeatureID,
		Title:        req.Title,
		Description:  req.Description,
		Status:       p.InitialStatus(),
		Priority:     req.Priority,
		Tags:         req.Tags,
		ParentTaskID: req.ParentTaskID,
		BranchName:   req.BranchName,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.recordActivity(ctx, "task_created", "task", task.ID, task.Title, nil)
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   task.ID,
		Category: models.EventSystem,
		Message:  "task created",
	})
	s.publish("task.updated", task)
	return task, nil
}

func (s *Service) resolvePipeline(ctx context.Context, project *models.Project, pipelineID, taskType string) (*models.Pipeline, error) {
	if pipelineID != "" {
		return s.store.GetPipeline(ctx, pipelineID)
	}
	if taskType != "" {
		return s.store.GetPipelineByTaskType(ctx, taskType)
	}
	settings, err := s.loadSettings(project.Path)
	if err != nil {
		return nil, err
	}
	return s.store.GetPipelineByTaskType(ctx, settings.DefaultPipeline)
}

// UpdateTask persists edits to task fields other than status. Status
// changes go through TransitionTask.
func (s *Service) UpdateTask(ctx context.Context, task *models.Task) error {
	existing, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if task.Status != existing.Status {
		return fmt.Errorf("status cannot be edited directly; use a transition")
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.recordActivity(ctx, "task_updated", "task", task.ID, task.Title, nil)
	s.publish("task.updated", task)
	return nil
}

// DeleteTask removes a task and its history. The worktree is cleaned up
// best-effort first; git failures never block the delete.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.cleanupWorktree(ctx, task)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.recordActivity(ctx, "task_deleted", "task", taskID, task.Title, nil)
	s.publish("task.deleted", map[string]any{"taskId": taskID})
	return nil
}

// ResetTask returns a task to its pipeline's initial status, expiring
// pending prompts and discarding the worktree.
func (s *Service) ResetTask(ctx context.Context, taskID, actor string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}

	if err := s.store.ExpirePrompts(ctx, taskID); err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Warn("failed to expire prompts on reset")
	}
	s.cleanupWorktree(ctx, task)

	initial := p.InitialStatus()
	if task.Status != initial {
		rec := &models.TransitionRecord{
			TaskID:     task.ID,
			FromStatus: task.Status,
			ToStatus:   initial,
			Trigger:    models.TriggerManual,
			Actor:      actor,
		}
		if err := s.store.CommitTransition(ctx, task, rec); err != nil {
			return nil, err
		}
	}
	task.PRLink = ""
	task.BranchName = ""
	delete(task.Metadata, "prMerged")
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.recordActivity(ctx, "task_reset", "task", taskID, task.Title, nil)
	s.publish("task.updated", task)
	return task, nil
}

// TransitionTask moves a task to toStatus via a manual transition.
func (s *Service) TransitionTask(ctx context.Context, taskID, toStatus, actor string) pipeline.Result {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return pipeline.Result{Err: err}
	}
	res := s.engine.ExecuteTransition(ctx, task, toStatus, pipeline.Context{
		Trigger: models.TriggerManual,
		Actor:   actor,
	})
	if res.Success {
		s.recordActivity(ctx, "task_transitioned", "task", taskID, task.Title, map[string]any{
			"to":    res.Task.Status,
			"actor": actor,
		})
		s.publish("task.transitioned", map[string]any{
			"taskId": taskID,
			"to":     res.Task.Status,
			"actor":  actor,
		})
		if p, err := s.store.GetPipeline(ctx, res.Task.PipelineID); err == nil && p.IsFinalStatus(res.Task.Status) {
			s.cleanupWorktree(ctx, res.Task)
		}
	}
	return res
}

// StartAgent launches an agent run for a task.
func (s *Service) StartAgent(ctx context.Context, taskID, mode, agentType string, onOutput func(string)) (*models.AgentRun, error) {
	run, err := s.agents.Execute(ctx, taskID, mode, agentType, onOutput)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, "agent_started", "task", taskID, mode, map[string]any{
		"runId":     run.ID,
		"agentType": run.AgentType,
	})
	return run, nil
}

// StopAgent cancels a running agent.
func (s *Service) StopAgent(ctx context.Context, runID string) error {
	if err := s.agents.Stop(ctx, runID); err != nil {
		return err
	}
	s.recordActivity(ctx, "agent_stopped", "agent_run", runID, "", nil)
	return nil
}

// RespondToPrompt answers a pending prompt and, when the prompt carries
// a resume outcome, dispatches the matching agent transition.
func (s *Service) RespondToPrompt(ctx context.Context, promptID string, response map[string]any) (*models.PendingPrompt, error) {
	prompt, err := s.store.AnswerPrompt(ctx, promptID, response)
	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, "prompt_answered", "task", prompt.TaskID, prompt.PromptType, map[string]any{
		"promptId": prompt.ID,
	})
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   prompt.TaskID,
		Category: models.EventSystem,
		Message:  "prompt answered",
		Data:     map[string]any{"promptId": prompt.ID},
	})

	if prompt.ResumeOutcome == "" {
		return prompt, nil
	}

	task, err := s.store.GetTask(ctx, prompt.TaskID)
	if err != nil {
		return prompt, err
	}
	transitions, err := s.engine.GetValidTransitions(ctx, task, models.TriggerAgent)
	if err != nil {
		return prompt, err
	}
	// Several transitions can share the resume outcome; the first one
	// declared wins.
	for _, t := range transitions {
		if t.AgentOutcome != prompt.ResumeOutcome {
			continue
		}
		res := s.engine.ExecuteTransition(ctx, task, t.To, pipeline.Context{
			Trigger: models.TriggerAgent,
			Data:    map[string]any{"outcome": prompt.ResumeOutcome, "response": response},
		})
		if res.Err != nil {
			s.logger.WithTaskID(task.ID).WithError(res.Err).Warn("resume transition failed")
		}
		break
	}
	return prompt, nil
}

// DashboardStats summarizes the whole instance for the UI landing page.
type DashboardStats struct {
	Projects       int            `json:"projects"`
	TasksByStatus  map[string]int `json:"tasksByStatus"`
	TotalTasks     int            `json:"totalTasks"`
	RunningAgents  int            `json:"runningAgents"`
	PendingPrompts int            `json:"pendingPrompts"`
	InputTokens    int64          `json:"inputTokens"`
	OutputTokens   int64          `json:"outputTokens"`
}

// GetDashboardStats aggregates task, run, and cost counters across all
// projects.
func (s *Service) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		Projects:      len(projects),
		TasksByStatus: make(map[string]int),
	}
	for _, p := range projects {
		counts, err := s.store.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			stats.TasksByStatus[status] += n
			stats.TotalTasks += n
		}
		in, out, err := s.store.SumRunCosts(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		stats.InputTokens += in
		stats.OutputTokens += out

		tasks, err := s.store.ListTasks(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			prompts, err := s.store.ListPendingPrompts(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			stats.PendingPrompts += len(prompts)
		}
	}

	running, err := s.store.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	stats.RunningAgents = len(running)
	return stats, nil
}

// MergePR merges a task's pull request. The worktree is removed before
// the merge so the platform's branch deletion can clean the local branch,
// then the task is advanced to the pipeline's first final status.
func (s *Service) MergePR(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if merged, _ := task.Metadata["prMerged"].(bool); merged {
		s.finalizeAfterMerge(ctx, task)
		return nil
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	artifact, err := s.store.LatestArtifact(ctx, taskID, models.ArtifactPR)
	if err != nil {
		return fmt.Errorf("task %s has no PR to merge: %w", taskID, err)
	}
	prURL, _ := artifact.Data["url"].(string)
	if prURL == "" {
		prURL = task.PRLink
	}
	if prURL == "" {
		return fmt.Errorf("task %s has no PR URL", taskID)
	}
	if s.platform == nil {
		return fmt.Errorf("no SCM platform configured")
	}

	// Remove the checkout first; a live worktree pins the local branch.
	s.cleanupWorktree(ctx, task)

	if err := s.platform.MergePR(ctx, project.Path, prURL); err != nil {
		_ = s.store.AppendEvent(ctx, &models.TaskEvent{
			TaskID:   taskID,
			Category: models.EventGithub,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("merge failed: %v", err),
			Data:     map[string]any{"pr": prURL},
		})
		return err
	}
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   taskID,
		Category: models.EventGithub,
		Message:  "PR merged",
		Data:     map[string]any{"pr": prURL},
	})
	s.recordActivity(ctx, "pr_merged", "task", taskID, task.Title, map[string]any{"pr": prURL})

	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata["prMerged"] = true
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Warn("failed to persist merge marker")
	}

	s.pullAfterMerge(ctx, project)
	s.finalizeAfterMerge(ctx, task)
	return nil
}

// pullAfterMerge optionally refreshes the project's default branch.
func (s *Service) pullAfterMerge(ctx context.Context, project *models.Project) {
	pull := project.Config.PullMainAfterMerge
	if !pull {
		settings, err := s.loadSettings(project.Path)
		if err == nil {
			pull = settings.PullMainAfterMerge
		}
	}
	if !pull || s.git == nil {
		return
	}
	if err := s.git(project.Path).Pull(ctx); err != nil {
		s.logger.WithError(err).Warn("post-merge pull failed")
		s.recordActivity(ctx, "git_pull_failed", "project", project.ID,
			fmt.Sprintf("post-merge pull failed: %v", err), nil)
	}
}

// finalizeAfterMerge attempts the manual transition into the pipeline's
// first final status. A missing transition is not an error.
func (s *Service) finalizeAfterMerge(ctx context.Context, task *models.Task) {
	p, err := s.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return
	}
	final, ok := p.FirstFinalStatus()
	if !ok || task.Status == final.Name {
		return
	}
	res := s.engine.ExecuteTransition(ctx, task, final.Name, pipeline.Context{
		Trigger: models.TriggerManual,
		Actor:   "system:merge",
	})
	if !res.Success {
		s.logger.WithTaskID(task.ID).Info("no final transition after merge")
	}
}

// cleanupWorktree unlocks and deletes a task's worktree, swallowing all
// failures.
func (s *Service) cleanupWorktree(ctx context.Context, task *models.Task) {
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return
	}
	manager, err := s.worktrees(project)
	if err != nil {
		return
	}
	if err := manager.Unlock(ctx, task.ID); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Debug("worktree unlock failed")
	}
	if err := manager.Delete(ctx, task.ID); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Debug("worktree delete failed")
	}
}

func (s *Service) recordActivity(ctx context.Context, action, entityType, entityID, summary string, data map[string]any) {
	if err := s.store.RecordActivity(ctx, &models.ActivityEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Summary:    summary,
		Data:       data,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to record activity")
	}
}
