package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

// Store is the persistence surface the agent service needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateRun(ctx context.Context, r *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	UpdateRun(ctx context.Context, r *models.AgentRun) error
	CreatePhase(ctx context.Context, p *models.TaskPhase) error
	CompletePhase(ctx context.Context, id, status string) error
	AppendEvent(ctx context.Context, e *models.TaskEvent) error
}

// TransitionDispatcher dispatches outcome-driven transitions. Satisfied
// by the pipeline engine.
type TransitionDispatcher interface {
	ExecuteTransition(ctx context.Context, task *models.Task, toStatus string, tctx pipeline.Context) pipeline.Result
	GetValidTransitions(ctx context.Context, task *models.Task, trigger string) ([]models.Transition, error)
}

// WorktreeManager is the per-project worktree surface the service uses.
// Satisfied by *worktree.Manager.
type WorktreeManager interface {
	Get(ctx context.Context, taskID string) (*worktree.Worktree, error)
	Create(ctx context.Context, branch, taskID string) (*worktree.Worktree, error)
	Lock(ctx context.Context, taskID string) error
	Unlock(ctx context.Context, taskID string) error
}

// WorktreeFactory yields a worktree manager for a project.
type WorktreeFactory func(project *models.Project) (WorktreeManager, error)

// SettingsLoader resolves effective settings for a project path.
type SettingsLoader func(projectPath string) (*config.Settings, error)

// Publisher pushes live run updates to subscribers (websocket bridge).
type Publisher interface {
	Publish(subject string, payload any) error
}

// runHandle tracks one in-flight run's cancellation state.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason string // cancelled, timed_out, interrupted; empty = natural exit
}

func (h *runHandle) trip(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *runHandle) tripReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Service runs agents against task worktrees. One run per Execute call;
// parallel runs across tasks are admitted up to maxConcurrentAgents.
type Service struct {
	store        Store
	registry     *Registry
	dispatcher   TransitionDispatcher
	worktrees    WorktreeFactory
	loadSettings SettingsLoader
	publisher    Publisher
	logger       *logger.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	handles map[string]*runHandle
}

// NewService creates the agent service. maxConcurrent <= 0 means no
// admission limit.
func NewService(store Store, registry *Registry, dispatcher TransitionDispatcher, worktrees WorktreeFactory, loadSettings SettingsLoader, publisher Publisher, maxConcurrent int, log *logger.Logger) *Service {
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if loadSettings == nil {
		loadSettings = config.LoadSettings
	}
	return &Service{
		store:        store,
		registry:     registry,
		dispatcher:   dispatcher,
		worktrees:    worktrees,
		loadSettings: loadSettings,
		publisher:    publisher,
		logger:       log.WithFields(zap.String("component", "agent-service")),
		sem:          sem,
		handles:      make(map[string]*runHandle),
	}
}

// Execute starts an agent for a task and returns the running record
// immediately. The agent process runs asynchronously; completion drives
// an outcome-based auto-transition.
func (s *Service) Execute(ctx context.Context, taskID, mode, agentType string, onOutput func(string)) (*models.AgentRun, error) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("max concurrent agents reached")
	}
	run, err := s.startRun(ctx, taskID, mode, agentType, onOutput)
	if err != nil && s.sem != nil {
		s.sem.Release(1)
	}
	return run, err
}

func (s *Service) startRun(ctx context.Context, taskID, mode, agentType string, onOutput func(string)) (*models.AgentRun, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	settings, err := s.loadSettings(project.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	if agentType == "" {
		agentType = project.Config.DefaultAgentType
	}
	if agentType == "" {
		agentType = settings.DefaultAgentType
	}
	impl, err := s.registry.Get(agentType)
	if err != nil {
		return nil, err
	}
	if !impl.IsAvailable() {
		return nil, fmt.Errorf("agent %s is not available on this machine", agentType)
	}

	wt, err := s.ensureWorktree(ctx, task, project, settings)
	if err != nil {
		return nil, err
	}

	run := &models.AgentRun{
		TaskID:    task.ID,
		AgentType: agentType,
		Mode:      mode,
		Status:    models.RunStatusRunning,
		StartedAt: models.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	phase := &models.TaskPhase{
		TaskID:     task.ID,
		Phase:      mode,
		Status:     models.PhaseActive,
		AgentRunID: run.ID,
		StartedAt:  run.StartedAt,
	}
	if err := s.store.CreatePhase(ctx, phase); err != nil {
		return nil, fmt.Errorf("failed to create phase record: %w", err)
	}

	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   task.ID,
		Category: models.EventAgent,
		Message:  fmt.Sprintf("agent %s started (%s)", agentType, mode),
		Data:     map[string]any{"runId": run.ID, "mode": mode, "agentType": agentType},
	})
	if s.publisher != nil {
		_ = s.publisher.Publish("agent.run.started", run)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[run.ID] = handle
	s.mu.Unlock()

	timeout := settings.AgentTimeoutFor(agentType)
	timer := time.AfterFunc(timeout, func() { handle.trip(models.RunStatusTimedOut) })

	rc := RunContext{Task: task, Project: project, Mode: mode, Workdir: wt.Path}
	cfg := settings.Agents[agentType]

	go func() {
		defer close(handle.done)
		defer timer.Stop()
		defer s.release(run.ID)
		s.runAgent(runCtx, impl, rc, cfg, run, phase, handle, onOutput)
	}()

	return run, nil
}

// ensureWorktree reuses the task's checkout or creates one on a fresh
// branch, and locks it for the duration of the run.
func (s *Service) ensureWorktree(ctx context.Context, task *models.Task, project *models.Project, settings *config.Settings) (*worktree.Worktree, error) {
	manager, err := s.worktrees(project)
	if err != nil {
		return nil, err
	}

	wt, err := manager.Get(ctx, task.ID)
	if err != nil {
		branch := task.BranchName
		if branch == "" {
			branch = settings.Git.BranchPrefix + task.ID
		}
		wt, err = manager.Create(ctx, branch, task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create worktree: %w", err)
		}
		if task.BranchName == "" {
			task.BranchName = branch
			if err := s.store.UpdateTask(ctx, task); err != nil {
				s.logger.WithTaskID(task.ID).WithError(err).Warn("failed to persist branch name")
			}
		}
	}

	if err := manager.Lock(ctx, task.ID); err != nil {
		s.logger.WithTaskID(task.ID).WithError(err).Warn("failed to lock worktree")
	}
	return wt, nil
}

// runAgent is the asynchronous half of Execute: run the implementation,
// settle the run and phase records, then dispatch the auto-transition.
func (s *Service) runAgent(ctx context.Context, impl Implementation, rc RunContext, cfg config.AgentSettings, run *models.AgentRun, phase *models.TaskPhase, handle *runHandle, onOutput func(string)) {
	emit := func(chunk string) {
		if onOutput != nil {
			onOutput(chunk)
		}
		if s.publisher != nil {
			_ = s.publisher.Publish("agent.output."+run.ID, map[string]any{
				"runId":  run.ID,
				"taskId": run.TaskID,
				"chunk":  chunk,
			})
		}
	}

	result, execErr := impl.Execute(ctx, rc, cfg, emit)
	if result == nil {
		result = &RunResult{ExitCode: 1, Outcome: OutcomeFailed}
		if execErr != nil {
			result.Output = execErr.Error()
		}
	}

	settleCtx := context.WithoutCancel(ctx)
	s.settle(settleCtx, run, phase, result, handle.tripReason())
	if s.publisher != nil {
		_ = s.publisher.Publish("agent.run.completed", run)
	}
	s.dispatchOutcome(settleCtx, run)
	s.unlockWorktree(settleCtx, rc)
}

// settle writes the terminal run and phase records. Cancellation source
// wins over exit code when both apply.
func (s *Service) settle(ctx context.Context, run *models.AgentRun, phase *models.TaskPhase, result *RunResult, tripReason string) {
	status := models.RunStatusCompleted
	switch {
	case tripReason != "":
		status = tripReason
	case result.ExitCode != 0:
		status = models.RunStatusFailed
	}

	outcome := result.Outcome
	payload := result.Payload
	if tripReason != "" && outcome == "" {
		outcome = OutcomeFailed
	}
	if err := ValidatePayload(outcome, payload); err != nil {
		_ = s.store.AppendEvent(ctx, &models.TaskEvent{
			TaskID:   run.TaskID,
			Category: models.EventAgent,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("outcome payload invalid, dropped: %v", err),
			Data:     map[string]any{"runId": run.ID, "outcome": outcome},
		})
		payload = nil
	}

	now := models.Now()
	run.Status = status
	run.Output = result.Output
	run.Outcome = outcome
	run.Payload = payload
	run.ExitCode = result.ExitCode
	run.CompletedAt = &now
	run.CostInputTokens = result.CostInputTokens
	run.CostOutputTokens = result.CostOutputTokens
	run.Prompt = result.Prompt
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.WithRunID(run.ID).WithError(err).Error("failed to settle run record")
	}

	phaseStatus := models.PhaseCompleted
	if status != models.RunStatusCompleted {
		phaseStatus = models.PhaseFailed
	}
	if err := s.store.CompletePhase(ctx, phase.ID, phaseStatus); err != nil {
		s.logger.WithRunID(run.ID).WithError(err).Error("failed to settle phase record")
	}

	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   run.TaskID,
		Category: models.EventAgent,
		Severity: severityFor(status),
		Message:  fmt.Sprintf("agent run %s: %s", status, outcome),
		Data:     map[string]any{"runId": run.ID, "outcome": outcome, "exitCode": run.ExitCode},
	})

	if payload != nil {
		s.persistStructuredOutput(ctx, run.TaskID, outcome, payload)
	}
}

// persistStructuredOutput stores a validated schema-bearing payload on
// the task so the UI can render it without replaying run output.
func (s *Service) persistStructuredOutput(ctx context.Context, taskID, outcome string, payload map[string]any) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata[outcome] = payload
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.WithTaskID(taskID).WithError(err).Warn("failed to persist structured output")
	}
}

// dispatchOutcome loads the fresh task and fires the first agent-trigger
// transition matching the run's outcome. No match means no transition.
func (s *Service) dispatchOutcome(ctx context.Context, run *models.AgentRun) {
	if run.Outcome == "" {
		return
	}
	task, err := s.store.GetTask(ctx, run.TaskID)
	if err != nil {
		s.logger.WithRunID(run.ID).WithError(err).Error("failed to reload task for auto-transition")
		return
	}
	transitions, err := s.dispatcher.GetValidTransitions(ctx, task, models.TriggerAgent)
	if err != nil {
		s.logger.WithRunID(run.ID).WithError(err).Error("failed to list agent transitions")
		return
	}
	for _, t := range transitions {
		if t.AgentOutcome != run.Outcome {
			continue
		}
		res := s.dispatcher.ExecuteTransition(ctx, task, t.To, pipeline.Context{
			Trigger: models.TriggerAgent,
			Actor:   "agent:" + run.AgentType,
			Data:    map[string]any{"outcome": run.Outcome, "payload": run.Payload, "runId": run.ID},
		})
		if res.Err != nil {
			s.logger.WithRunID(run.ID).WithError(res.Err).Warn("auto-transition failed")
		}
		return
	}
}

func (s *Service) unlockWorktree(ctx context.Context, rc RunContext) {
	manager, err := s.worktrees(rc.Project)
	if err != nil {
		return
	}
	if err := manager.Unlock(ctx, rc.Task.ID); err != nil {
		s.logger.WithTaskID(rc.Task.ID).WithError(err).Warn("failed to unlock worktree")
	}
}

func (s *Service) release(runID string) {
	s.mu.Lock()
	delete(s.handles, runID)
	s.mu.Unlock()
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Stop cancels a running agent; the run settles to cancelled.
func (s *Service) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	handle, ok := s.handles[runID]
	s.mu.Unlock()
	if !ok {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if models.RunTerminal(run.Status) {
			return nil
		}
		return fmt.Errorf("run %s has no cancellation handle", runID)
	}
	handle.trip(models.RunStatusCancelled)
	return nil
}

// WaitForCompletion blocks until the run reaches a terminal status or
// ctx is done.
func (s *Service) WaitForCompletion(ctx context.Context, runID string) error {
	s.mu.Lock()
	handle, ok := s.handles[runID]
	s.mu.Unlock()
	if !ok {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if models.RunTerminal(run.Status) {
			return nil
		}
		return fmt.Errorf("run %s is running but has no handle", runID)
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown trips every in-flight run with interrupted and waits for them
// to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.trip(models.RunStatusInterrupted)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func severityFor(status string) string {
	switch status {
	case models.RunStatusCompleted:
		return models.SeverityInfo
	case models.RunStatusCancelled, models.RunStatusInterrupted:
		return models.SeverityWarning
	default:
		return models.SeverityError
	}
}
