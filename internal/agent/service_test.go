package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

type svcStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	runs   map[string]*models.AgentRun
	phases map[string]*models.TaskPhase
	events []*models.TaskEvent
}

func newSvcStore() *svcStore {
	return &svcStore{
		tasks:  make(map[string]*models.Task),
		runs:   make(map[string]*models.AgentRun),
		phases: make(map[string]*models.TaskPhase),
	}
}

func (f *svcStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	copied := *t
	return &copied, nil
}

func (f *svcStore) UpdateTask(_ context.Context, t *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *svcStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	return &models.Project{ID: id, Name: "test", Path: "/tmp/test-project"}, nil
}

func (f *svcStore) CreateRun(_ context.Context, r *models.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = "run-" + r.TaskID
	}
	copied := *r
	f.runs[r.ID] = &copied
	return nil
}

func (f *svcStore) GetRun(_ context.Context, id string) (*models.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	copied := *r
	return &copied, nil
}

func (f *svcStore) UpdateRun(_ context.Context, r *models.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *r
	f.runs[r.ID] = &copied
	return nil
}

func (f *svcStore) CreatePhase(_ context.Context, p *models.TaskPhase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = "phase-" + p.TaskID
	}
	copied := *p
	f.phases[p.ID] = &copied
	return nil
}

func (f *svcStore) CompletePhase(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.phases[id]; ok {
		p.Status = status
	}
	return nil
}

func (f *svcStore) AppendEvent(_ context.Context, e *models.TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeDispatcher struct {
	mu          sync.Mutex
	transitions []models.Transition
	dispatched  []pipeline.Context
}

func (f *fakeDispatcher) ExecuteTransition(_ context.Context, task *models.Task, toStatus string, tctx pipeline.Context) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, tctx)
	task.Status = toStatus
	return pipeline.Result{Success: true, Task: task}
}

func (f *fakeDispatcher) GetValidTransitions(_ context.Context, task *models.Task, trigger string) ([]models.Transition, error) {
	var out []models.Transition
	for _, t := range f.transitions {
		if t.From == task.Status && t.Trigger == trigger {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeDispatcher) dispatchedOutcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.dispatched {
		out = append(out, d.Outcome())
	}
	return out
}

type fakeWorktrees struct {
	mu       sync.Mutex
	dir      string
	created  []string
	locked   map[string]bool
	existing map[string]*worktree.Worktree
}

func (f *fakeWorktrees) Get(_ context.Context, taskID string) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wt, ok := f.existing[taskID]; ok {
		return wt, nil
	}
	return nil, worktree.ErrWorktreeNotFound
}

func (f *fakeWorktrees) Create(_ context.Context, branch, taskID string) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, taskID)
	wt := &worktree.Worktree{TaskID: taskID, Path: f.dir, Branch: branch}
	f.existing[taskID] = wt
	return wt, nil
}

func (f *fakeWorktrees) Lock(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[taskID] = true
	return nil
}

func (f *fakeWorktrees) Unlock(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[taskID] = false
	return nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		DefaultAgentType: "script",
		AgentTimeout:     30,
		Git:              config.GitSettings{BranchPrefix: "agent/"},
		Agents:           map[string]config.AgentSettings{},
	}
}

func newTestService(t *testing.T, store *svcStore, dispatcher *fakeDispatcher, impl Implementation, maxConcurrent int) (*Service, *fakeWorktrees) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(impl)

	wts := &fakeWorktrees{
		dir:      t.TempDir(),
		locked:   make(map[string]bool),
		existing: make(map[string]*worktree.Worktree),
	}
	factory := func(*models.Project) (WorktreeManager, error) { return wts, nil }
	loader := func(string) (*config.Settings, error) { return testSettings(), nil }

	svc := NewService(store, registry, dispatcher, factory, loader, nil, maxConcurrent, log)
	return svc, wts
}

func seedSvcTask(store *svcStore, status string) *models.Task {
	task := &models.Task{ID: "t1", ProjectID: "proj", PipelineID: "p1", Title: "Test task", Status: status}
	store.tasks[task.ID] = task
	return task
}

func TestExecuteCompletesAndDispatchesOutcome(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	dispatcher := &fakeDispatcher{transitions: []models.Transition{
		{From: "implementing", To: "pr_review", Trigger: models.TriggerAgent, AgentOutcome: OutcomePRReady},
	}}
	impl := NewScripted("script", `echo 'OUTCOME: pr_ready'`)
	svc, wts := newTestService(t, store, dispatcher, impl, 0)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)
	assert.Equal(t, OutcomePRReady, settled.Outcome)
	assert.Equal(t, 0, settled.ExitCode)
	require.NotNil(t, settled.CompletedAt)

	assert.Equal(t, []string{OutcomePRReady}, dispatcher.dispatchedOutcomes())
	assert.Contains(t, wts.created, "t1")
	assert.False(t, wts.locked["t1"], "worktree unlocked after run")
}

func TestExecuteFailureOutcome(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	dispatcher := &fakeDispatcher{transitions: []models.Transition{
		{From: "implementing", To: "implementing", Trigger: models.TriggerAgent, AgentOutcome: OutcomeFailed},
	}}
	impl := NewScripted("script", "exit 3")
	svc, _ := newTestService(t, store, dispatcher, impl, 0)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, settled.Status)
	assert.Equal(t, OutcomeFailed, settled.Outcome)
	assert.Equal(t, 3, settled.ExitCode)
	assert.Equal(t, []string{OutcomeFailed}, dispatcher.dispatchedOutcomes())
}

func TestExecuteStreamsOutput(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", `echo one; echo two`)
	svc, _ := newTestService(t, store, &fakeDispatcher{}, impl, 0)

	var mu sync.Mutex
	var chunks []string
	run, err := svc.Execute(context.Background(), "t1", "implement", "script", func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	mu.Lock()
	joined := strings.Join(chunks, "")
	mu.Unlock()
	assert.Contains(t, joined, "one")
	assert.Contains(t, joined, "two")
}

func TestStopSettlesCancelled(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", "sleep 30")
	svc, _ := newTestService(t, store, &fakeDispatcher{}, impl, 0)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)

	// Give the subprocess a moment to start before cancelling.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, svc.Stop(context.Background(), run.ID))
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, settled.Status)
	assert.Equal(t, OutcomeFailed, settled.Outcome)
}

func TestTimeoutSettlesTimedOut(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", "sleep 30")

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	registry := NewRegistry()
	registry.Register(impl)
	wts := &fakeWorktrees{dir: t.TempDir(), locked: make(map[string]bool), existing: make(map[string]*worktree.Worktree)}
	settings := testSettings()
	settings.Agents["script"] = config.AgentSettings{Timeout: 1}
	svc := NewService(store, registry, &fakeDispatcher{},
		func(*models.Project) (WorktreeManager, error) { return wts, nil },
		func(string) (*config.Settings, error) { return settings, nil },
		nil, 0, log)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimedOut, settled.Status)
}

func TestShutdownInterruptsRuns(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", "sleep 30")
	svc, _ := newTestService(t, store, &fakeDispatcher{}, impl, 0)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, svc.Shutdown(context.Background()))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, settled.Status)
}

func TestMaxConcurrentAdmission(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	other := &models.Task{ID: "t2", ProjectID: "proj", PipelineID: "p1", Title: "Other", Status: "implementing"}
	store.tasks[other.ID] = other

	impl := NewScripted("script", "sleep 30")
	svc, _ := newTestService(t, store, &fakeDispatcher{}, impl, 1)

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)

	_, err = svc.Execute(context.Background(), "t2", "implement", "script", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max concurrent agents")

	require.NoError(t, svc.Stop(context.Background(), run.ID))
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	// Slot is released after the first run settles.
	run2, err := svc.Execute(context.Background(), "t2", "implement", "script", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(context.Background(), run2.ID))
	require.NoError(t, svc.WaitForCompletion(context.Background(), run2.ID))
}

func TestInvalidPayloadDroppedOutcomeKept(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "planning")
	dispatcher := &fakeDispatcher{transitions: []models.Transition{
		{From: "planning", To: "needs_info", Trigger: models.TriggerAgent, AgentOutcome: OutcomeNeedsInfo},
	}}
	// needs_info without questions: payload must be dropped, outcome kept.
	impl := NewScripted("script", `echo 'OUTCOME: {"outcome": "needs_info", "questions": []}'`)
	svc, _ := newTestService(t, store, dispatcher, impl, 0)

	run, err := svc.Execute(context.Background(), "t1", "plan", "script", nil)
	require.NoError(t, err)
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	settled, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsInfo, settled.Outcome)
	assert.Nil(t, settled.Payload)
	assert.Equal(t, []string{OutcomeNeedsInfo}, dispatcher.dispatchedOutcomes())

	warned := false
	store.mu.Lock()
	for _, e := range store.events {
		if e.Severity == models.SeverityWarning && strings.Contains(e.Message, "payload invalid") {
			warned = true
		}
	}
	store.mu.Unlock()
	assert.True(t, warned)
}

func TestExecuteReusesExistingWorktree(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", "true")
	svc, wts := newTestService(t, store, &fakeDispatcher{}, impl, 0)
	wts.existing["t1"] = &worktree.Worktree{TaskID: "t1", Path: wts.dir, Branch: "agent/t1"}

	run, err := svc.Execute(context.Background(), "t1", "implement", "script", nil)
	require.NoError(t, err)
	require.NoError(t, svc.WaitForCompletion(context.Background(), run.ID))

	assert.Empty(t, wts.created)
}

func TestExecuteUnknownAgentType(t *testing.T) {
	store := newSvcStore()
	seedSvcTask(store, "implementing")
	impl := NewScripted("script", "true")
	svc, _ := newTestService(t, store, &fakeDispatcher{}, impl, 0)

	_, err := svc.Execute(context.Background(), "t1", "implement", "no-such-agent", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent type")
}
