package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/models"
)

type fakeStore struct {
	mu          sync.Mutex
	pipelines   map[string]*models.Pipeline
	tasks       map[string]*models.Task
	history     []*models.TransitionRecord
	events      []*models.TaskEvent
	deps        map[string][]*models.Task
	runningByID map[string]int
	commitErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pipelines:   make(map[string]*models.Pipeline),
		tasks:       make(map[string]*models.Task),
		deps:        make(map[string][]*models.Task),
		runningByID: make(map[string]int),
	}
}

func (f *fakeStore) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[id]
	if !ok {
		return nil, errors.New("pipeline not found")
	}
	return p, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	return t, nil
}

func (f *fakeStore) CommitTransition(_ context.Context, task *models.Task, rec *models.TransitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	task.Status = rec.ToStatus
	f.tasks[task.ID] = task
	f.history = append(f.history, rec)
	f.events = append(f.events, &models.TaskEvent{
		TaskID:   task.ID,
		Category: models.EventStatusChange,
		Message:  rec.FromStatus + " -> " + rec.ToStatus,
	})
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e *models.TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) CountRecentSelfTransitions(_ context.Context, taskID, from, to string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for i := len(f.history) - 1; i >= 0; i-- {
		rec := f.history[i]
		if rec.TaskID != taskID {
			continue
		}
		if rec.FromStatus != from || rec.ToStatus != to {
			break
		}
		count++
	}
	return count, nil
}

func (f *fakeStore) CountRunningByTask(_ context.Context, taskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runningByID[taskID], nil
}

func (f *fakeStore) ListDependencies(_ context.Context, taskID string) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps[taskID], nil
}

func (f *fakeStore) eventCount(category string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Category == category {
			n++
		}
	}
	return n
}

func testPipeline() *models.Pipeline {
	return &models.Pipeline{
		ID:       "p1",
		Name:     "Test",
		TaskType: "test",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open"},
			{Name: "in_progress", Label: "In Progress"},
			{Name: "in_review", Label: "In Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "in_progress", Trigger: models.TriggerManual},
			{From: "in_progress", To: "in_review", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "has_pr"}}},
			{From: "in_progress", To: "in_review", Trigger: models.TriggerAgent, AgentOutcome: "pr_ready"},
			{From: "in_progress", To: "open", Trigger: models.TriggerAgent, AgentOutcome: "failed"},
			{From: "in_review", To: "done", Trigger: models.TriggerManual},
		},
	}
}

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	e := New(store, log)
	RegisterBuiltinGuards(e, store)
	return e
}

func seedTask(store *fakeStore, status string) *models.Task {
	task := &models.Task{ID: "t1", ProjectID: "proj", PipelineID: "p1", Title: "Test task", Status: status}
	store.tasks[task.ID] = task
	store.pipelines["p1"] = testPipeline()
	return task
}

func TestExecuteTransitionCommits(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "open")
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{Actor: "user"})

	require.True(t, res.Success)
	assert.Equal(t, "in_progress", res.Task.Status)
	require.Len(t, store.history, 1)
	assert.Equal(t, "open", store.history[0].FromStatus)
	assert.Equal(t, "in_progress", store.history[0].ToStatus)
	assert.Equal(t, models.TriggerManual, store.history[0].Trigger)
	assert.Equal(t, 1, store.eventCount(models.EventStatusChange))
}

func TestExecuteTransitionForbidden(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "open")
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "done", Context{})

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no transition from open to done for trigger manual")
	assert.Equal(t, "open", task.Status)
	assert.Empty(t, store.history)
}

func TestGuardDenialBlocksTransition(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "in_progress")
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_review", Context{})

	assert.False(t, res.Success)
	assert.NoError(t, res.Err)
	require.Len(t, res.GuardFailures, 1)
	assert.Equal(t, "has_pr", res.GuardFailures[0].Guard)
	assert.Equal(t, "Task must have a PR link", res.GuardFailures[0].Reason)
	assert.Equal(t, "in_progress", task.Status)
	assert.Empty(t, store.history)
}

func TestGuardPassesWithPRLink(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "in_progress")
	task.PRLink = "https://example.com/pr/1"
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_review", Context{})

	require.True(t, res.Success)
	require.Len(t, store.history, 1)
	require.Len(t, store.history[0].GuardResults, 1)
	assert.True(t, store.history[0].GuardResults[0].Allowed)
}

func TestAgentOutcomeSelectsTransition(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "in_progress")
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "open", Context{
		Trigger: models.TriggerAgent,
		Data:    map[string]any{"outcome": "failed"},
	})

	require.True(t, res.Success)
	assert.Equal(t, "open", res.Task.Status)
}

func TestAgentOutcomeMismatchIsForbidden(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "in_progress")
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_review", Context{
		Trigger: models.TriggerAgent,
		Data:    map[string]any{"outcome": "something_else"},
	})

	assert.False(t, res.Success)
	require.Error(t, res.Err)
}

func TestUnknownGuardDenies(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Guards = []models.GuardRef{{Name: "does_not_exist"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Contains(t, res.GuardFailures[0].Reason, "unknown guard")
}

func TestUnknownHookIsIgnored(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "not_registered"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	assert.Empty(t, res.HookFailures)
}

func TestBestEffortHookFailureKeepsTransition(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "boom"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)
	e.RegisterHook("boom", func(context.Context, HookInput) error {
		return errors.New("hook exploded")
	})

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	assert.Equal(t, "in_progress", task.Status)
	require.Len(t, res.HookFailures, 1)
	assert.Equal(t, "boom", res.HookFailures[0].Hook)
	assert.Equal(t, models.PolicyBestEffort, res.HookFailures[0].Policy)
	assert.Equal(t, 1, store.eventCount(models.EventSystem))
}

func TestRequiredHookFailureDoesNotRollBack(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "boom", Policy: models.PolicyRequired}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)
	e.RegisterHook("boom", func(context.Context, HookInput) error {
		return errors.New("merge failed")
	})

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	assert.Equal(t, "in_progress", task.Status)
	require.Len(t, res.HookFailures, 1)
	assert.Equal(t, models.PolicyRequired, res.HookFailures[0].Policy)
}

func TestFireAndForgetHookErrorsNeverSurface(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "bg", Policy: models.PolicyFireAndForget}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	started := make(chan struct{})
	e.RegisterHook("bg", func(context.Context, HookInput) error {
		close(started)
		return errors.New("background failure")
	})

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	assert.Empty(t, res.HookFailures)
	<-started
	e.Wait()
	assert.Equal(t, 1, store.eventCount(models.EventSystem))
}

func TestHookPanicIsRecovered(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "panicky"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)
	e.RegisterHook("panicky", func(context.Context, HookInput) error {
		panic("oops")
	})

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	require.Len(t, res.HookFailures, 1)
	assert.Contains(t, res.HookFailures[0].Error, "hook panicked")
}

func TestHooksRunInDeclarationOrder(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Hooks = []models.HookRef{{Name: "first"}, {Name: "second"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	var order []string
	e.RegisterHook("first", func(context.Context, HookInput) error {
		order = append(order, "first")
		return nil
	})
	e.RegisterHook("second", func(context.Context, HookInput) error {
		order = append(order, "second")
		return nil
	})

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	require.True(t, res.Success)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestNoRunningAgentGuard(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Guards = []models.GuardRef{{Name: "no_running_agent"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	store.runningByID[task.ID] = 1
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})

	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Equal(t, "no_running_agent", res.GuardFailures[0].Guard)
}

func TestDependenciesResolvedGuard(t *testing.T) {
	store := newFakeStore()
	p := testPipeline()
	p.Transitions[0].Guards = []models.GuardRef{{Name: "dependencies_resolved"}}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	store.deps[task.ID] = []*models.Task{
		{ID: "dep1", PipelineID: "p1", Title: "Blocking work", Status: "in_progress"},
	}
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "in_progress", Context{})
	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Contains(t, res.GuardFailures[0].Reason, "Blocking work")

	store.deps[task.ID][0].Status = "done"
	res = e.ExecuteTransition(context.Background(), task, "in_progress", Context{})
	assert.True(t, res.Success)
}

func TestMaxRetriesGuard(t *testing.T) {
	store := newFakeStore()
	p := &models.Pipeline{
		ID:       "p1",
		TaskType: "retry",
		Statuses: []models.PipelineStatus{
			{Name: "working", Label: "Working"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "working", To: "working", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Guards: []models.GuardRef{{Name: "max_retries", Params: map[string]any{"max": 3}}}},
		},
	}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "working"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	failed := Context{Trigger: models.TriggerAgent, Data: map[string]any{"outcome": "failed"}}

	// Three attempts total: the run before the first loop plus two
	// retries. The third loop would start a fourth and is denied.
	for i := 0; i < 2; i++ {
		res := e.ExecuteTransition(context.Background(), task, "working", failed)
		require.True(t, res.Success, "retry %d should pass", i+1)
	}

	res := e.ExecuteTransition(context.Background(), task, "working", failed)
	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Contains(t, res.GuardFailures[0].Reason, "retry limit")
	require.Len(t, store.history, 2)
	assert.Equal(t, "working", task.Status)
}

func TestAutomaticChainFollowsCommit(t *testing.T) {
	store := newFakeStore()
	p := &models.Pipeline{
		ID:       "p1",
		TaskType: "auto",
		Statuses: []models.PipelineStatus{
			{Name: "open", Label: "Open"},
			{Name: "staged", Label: "Staged"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "staged", Trigger: models.TriggerManual},
			{From: "staged", To: "done", Trigger: models.TriggerAutomatic},
		},
	}
	store.pipelines["p1"] = p
	task := &models.Task{ID: "t1", PipelineID: "p1", Status: "open"}
	store.tasks[task.ID] = task
	e := newTestEngine(t, store)

	res := e.ExecuteTransition(context.Background(), task, "staged", Context{})

	require.True(t, res.Success)
	assert.Equal(t, "done", res.Task.Status)
	require.Len(t, store.history, 2)
	assert.Equal(t, models.TriggerAutomatic, store.history[1].Trigger)
}

func TestGetValidTransitions(t *testing.T) {
	store := newFakeStore()
	task := seedTask(store, "in_progress")
	e := newTestEngine(t, store)

	all, err := e.GetValidTransitions(context.Background(), task, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	manual, err := e.GetValidTransitions(context.Background(), task, models.TriggerManual)
	require.NoError(t, err)
	assert.Len(t, manual, 1)

	agent, err := e.GetValidTransitions(context.Background(), task, models.TriggerAgent)
	require.NoError(t, err)
	assert.Len(t, agent, 2)
}

func TestSeededPipelinesValidate(t *testing.T) {
	for _, p := range BuiltinPipelines() {
		assert.NoError(t, p.Validate(), "pipeline %s", p.TaskType)
	}
}

func TestSeededAgentPipelineShape(t *testing.T) {
	var agent *models.Pipeline
	for _, p := range BuiltinPipelines() {
		if p.TaskType == "agent" {
			agent = p
		}
	}
	require.NotNil(t, agent)
	assert.Equal(t, "open", agent.InitialStatus())
	final, ok := agent.FirstFinalStatus()
	require.True(t, ok)
	assert.Equal(t, "done", final.Name)

	// Every agent-triggered transition names an outcome.
	for _, tr := range agent.Transitions {
		if tr.Trigger == models.TriggerAgent {
			assert.NotEmpty(t, tr.AgentOutcome)
		}
	}

	find := func(from, to, outcome string) *models.Transition {
		for i := range agent.Transitions {
			tr := &agent.Transitions[i]
			if tr.From == from && tr.To == to && tr.AgentOutcome == outcome {
				return tr
			}
		}
		return nil
	}

	// Failures retry in place, capped, and relaunch the agent.
	for _, status := range []string{"planning", "implementing"} {
		retry := find(status, status, "failed")
		require.NotNil(t, retry, "missing retry loop on %s", status)
		require.Len(t, retry.Guards, 1)
		assert.Equal(t, "max_retries", retry.Guards[0].Name)
		require.Len(t, retry.Hooks, 1)
		assert.Equal(t, "start_agent", retry.Hooks[0].Name)
	}

	// needs_info resumes to both working statuses and the pausing
	// transition arms the prompt with the matching resume outcome.
	for _, status := range []string{"planning", "implementing"} {
		resume := find("needs_info", status, "info_provided")
		require.NotNil(t, resume, "missing resume to %s", status)
		require.Len(t, resume.Hooks, 1)
		assert.Equal(t, "start_agent", resume.Hooks[0].Name)

		pause := find(status, "needs_info", "needs_info")
		require.NotNil(t, pause, "missing pause from %s", status)
		require.Len(t, pause.Hooks, 1)
		assert.Equal(t, "create_prompt", pause.Hooks[0].Name)
		assert.Equal(t, "info_provided", pause.Hooks[0].Params["resumeOutcome"])
	}
}
