// Package pipeline implements the guarded state machine that advances
// tasks through their pipeline's transition table.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	CommitTransition(ctx context.Context, task *models.Task, rec *models.TransitionRecord) error
	AppendEvent(ctx context.Context, e *models.TaskEvent) error
	CountRecentSelfTransitions(ctx context.Context, taskID, from, to string) (int, error)
	CountRunningByTask(ctx context.Context, taskID string) (int, error)
	ListDependencies(ctx context.Context, taskID string) ([]*models.Task, error)
}

// Context carries the who and why of a transition request.
type Context struct {
	Trigger string
	Actor   string
	Data    map[string]any
}

// Outcome returns ctx.Data["outcome"] as a string, if present.
func (c Context) Outcome() string {
	if c.Data == nil {
		return ""
	}
	s, _ := c.Data["outcome"].(string)
	return s
}

// GuardInput is handed to guard functions.
type GuardInput struct {
	Task       *models.Task
	Pipeline   *models.Pipeline
	Transition models.Transition
	Params     map[string]any
	Ctx        Context
}

// GuardFunc decides whether a transition may proceed.
type GuardFunc func(ctx context.Context, in GuardInput) models.GuardResult

// HookInput is handed to hook functions after a transition commits.
type HookInput struct {
	Task       *models.Task
	Pipeline   *models.Pipeline
	Transition models.Transition
	Params     map[string]any
	Ctx        Context
}

// HookFunc runs a post-commit side effect.
type HookFunc func(ctx context.Context, in HookInput) error

// HookFailure records one failed hook on an otherwise successful transition.
type HookFailure struct {
	Hook   string `json:"hook"`
	Policy string `json:"policy"`
	Error  string `json:"error"`
}

// Result is the outcome of an executeTransition call. Success refers to
// the state change alone; hook failures never revoke it.
type Result struct {
	Success       bool
	Task          *models.Task
	Err           error
	GuardFailures []models.GuardResult
	HookFailures  []HookFailure
}

// maxAutoChain caps consecutive automatic transitions so a cyclic
// pipeline definition cannot spin the engine forever.
const maxAutoChain = 8

// Engine advances tasks through their pipeline, enforcing guards and
// scheduling hooks. Guard and hook registries are name-keyed; registering
// an existing name replaces it.
type Engine struct {
	store Store
	log   *logger.Logger

	mu     sync.RWMutex
	guards map[string]GuardFunc
	hooks  map[string]HookFunc

	// detached tracks fire_and_forget hooks for clean shutdown.
	detached sync.WaitGroup
}

// New creates a pipeline engine with empty registries.
func New(store Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		log:    log,
		guards: make(map[string]GuardFunc),
		hooks:  make(map[string]HookFunc),
	}
}

// RegisterGuard registers or replaces a guard by name.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards[name] = fn
}

// RegisterHook registers or replaces a hook by name.
func (e *Engine) RegisterHook(name string, fn HookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[name] = fn
}

func (e *Engine) guard(name string) (GuardFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.guards[name]
	return fn, ok
}

func (e *Engine) hook(name string) (HookFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.hooks[name]
	return fn, ok
}

// GetValidTransitions returns the transitions leaving the task's current
// status, optionally filtered by trigger.
func (e *Engine) GetValidTransitions(ctx context.Context, task *models.Task, trigger string) ([]models.Transition, error) {
	p, err := e.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	var out []models.Transition
	for _, t := range p.Transitions {
		if t.From != task.Status {
			continue
		}
		if trigger != "" && t.Trigger != trigger {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ExecuteTransition moves a task to toStatus if its pipeline allows it.
// On success the committed transition's hooks are scheduled, then any
// chain of automatic transitions from the new status is attempted.
func (e *Engine) ExecuteTransition(ctx context.Context, task *models.Task, toStatus string, tctx Context) Result {
	if tctx.Trigger == "" {
		tctx.Trigger = models.TriggerManual
	}
	res := e.executeOne(ctx, task, toStatus, tctx)
	if !res.Success {
		return res
	}

	// Follow automatic transitions declared from the status we landed on.
	current := res.Task
	for i := 0; i < maxAutoChain; i++ {
		next, ok := e.selectAutomatic(ctx, current)
		if !ok {
			break
		}
		auto := e.executeOne(ctx, current, next.To, Context{Trigger: models.TriggerAutomatic, Actor: tctx.Actor})
		if !auto.Success {
			break
		}
		res.Task = auto.Task
		res.HookFailures = append(res.HookFailures, auto.HookFailures...)
		current = auto.Task
	}
	return res
}

func (e *Engine) selectAutomatic(ctx context.Context, task *models.Task) (models.Transition, bool) {
	p, err := e.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return models.Transition{}, false
	}
	for _, t := range p.Transitions {
		if t.From == task.Status && t.Trigger == models.TriggerAutomatic {
			return t, true
		}
	}
	return models.Transition{}, false
}

func (e *Engine) executeOne(ctx context.Context, task *models.Task, toStatus string, tctx Context) Result {
	p, err := e.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return Result{Err: err}
	}

	transition, ok := e.selectTransition(p, task.Status, toStatus, tctx)
	if !ok {
		return Result{Err: fmt.Errorf("no transition from %s to %s for trigger %s", task.Status, toStatus, tctx.Trigger)}
	}

	results, denied := e.evaluateGuards(ctx, task, p, transition, tctx)
	if denied != nil {
		e.log.WithTaskID(task.ID).WithFields(
			zap.String("from", task.Status),
			zap.String("to", toStatus),
			zap.String("guard", denied.Guard),
		).Info("transition denied by guard")
		return Result{GuardFailures: []models.GuardResult{*denied}}
	}

	rec := &models.TransitionRecord{
		TaskID:       task.ID,
		FromStatus:   task.Status,
		ToStatus:     transition.To,
		Trigger:      tctx.Trigger,
		Actor:        tctx.Actor,
		GuardResults: results,
	}
	if err := e.store.CommitTransition(ctx, task, rec); err != nil {
		return Result{Err: fmt.Errorf("failed to commit transition: %w", err)}
	}

	e.log.WithTaskID(task.ID).WithFields(
		zap.String("from", rec.FromStatus),
		zap.String("to", rec.ToStatus),
		zap.String("trigger", rec.Trigger),
	).Info("transition committed")

	failures := e.runHooks(ctx, task, p, transition, tctx)
	return Result{Success: true, Task: task, HookFailures: failures}
}

// selectTransition picks the first declared transition matching from, to,
// trigger, and (for agent triggers) the outcome carried in the context.
func (e *Engine) selectTransition(p *models.Pipeline, from, to string, tctx Context) (models.Transition, bool) {
	outcome := tctx.Outcome()
	for _, t := range p.Transitions {
		if t.From != from || t.To != to || t.Trigger != tctx.Trigger {
			continue
		}
		if t.AgentOutcome != "" && t.AgentOutcome != outcome {
			continue
		}
		return t, true
	}
	return models.Transition{}, false
}

// evaluateGuards runs the transition's guards in declaration order and
// stops at the first denial. Unknown guards deny.
func (e *Engine) evaluateGuards(ctx context.Context, task *models.Task, p *models.Pipeline, t models.Transition, tctx Context) ([]models.GuardResult, *models.GuardResult) {
	var results []models.GuardResult
	for _, ref := range t.Guards {
		fn, ok := e.guard(ref.Name)
		if !ok {
			r := models.GuardResult{Guard: ref.Name, Allowed: false, Reason: fmt.Sprintf("unknown guard %q", ref.Name)}
			results = append(results, r)
			return results, &r
		}
		r := fn(ctx, GuardInput{Task: task, Pipeline: p, Transition: t, Params: ref.Params, Ctx: tctx})
		r.Guard = ref.Name
		results = append(results, r)
		if !r.Allowed {
			return results, &r
		}
	}
	return results, nil
}

// runHooks executes the transition's hooks in declaration order after the
// commit. Unknown hook names are skipped.
func (e *Engine) runHooks(ctx context.Context, task *models.Task, p *models.Pipeline, t models.Transition, tctx Context) []HookFailure {
	var failures []HookFailure
	for _, ref := range t.Hooks {
		fn, ok := e.hook(ref.Name)
		if !ok {
			continue
		}
		in := HookInput{Task: task, Pipeline: p, Transition: t, Params: ref.Params, Ctx: tctx}
		policy := ref.EffectivePolicy()

		if policy == models.PolicyFireAndForget {
			e.runDetached(ctx, ref.Name, fn, in)
			continue
		}

		if err := e.invokeHook(ctx, fn, in); err != nil {
			failures = append(failures, HookFailure{Hook: ref.Name, Policy: policy, Error: err.Error()})
			e.recordHookFailure(ctx, task.ID, ref.Name, policy, err)
		}
	}
	return failures
}

func (e *Engine) runDetached(ctx context.Context, name string, fn HookFunc, in HookInput) {
	detachedCtx := context.WithoutCancel(ctx)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		if err := e.invokeHook(detachedCtx, fn, in); err != nil {
			e.log.WithTaskID(in.Task.ID).WithError(err).Error(fmt.Sprintf("detached hook %s failed", name))
			_ = e.store.AppendEvent(detachedCtx, &models.TaskEvent{
				TaskID:   in.Task.ID,
				Category: models.EventSystem,
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("hook %s failed: %v", name, err),
			})
		}
	}()
}

func (e *Engine) invokeHook(ctx context.Context, fn HookFunc, in HookInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

func (e *Engine) recordHookFailure(ctx context.Context, taskID, hook, policy string, hookErr error) {
	severity := models.SeverityWarning
	if policy == models.PolicyRequired {
		severity = models.SeverityError
	}
	e.log.WithTaskID(taskID).WithError(hookErr).Warn(fmt.Sprintf("hook %s failed (policy %s)", hook, policy))
	_ = e.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   taskID,
		Category: models.EventSystem,
		Severity: severity,
		Message:  fmt.Sprintf("hook %s failed: %v", hook, hookErr),
		Data:     map[string]any{"hook": hook, "policy": policy},
	})
}

// Wait blocks until all detached hooks have finished. Used on shutdown
// and in tests.
func (e *Engine) Wait() {
	e.detached.Wait()
}
