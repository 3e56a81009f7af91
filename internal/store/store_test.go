package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/db"
	"github.com/taskpilot/taskpilot/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	writer, reader, err := db.Open(filepath.Join(t.TempDir(), "taskpilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(writer, reader) })

	st, err := New(writer, reader)
	require.NoError(t, err)
	return st
}

func seedProjectAndPipeline(t *testing.T, st *Store) (*models.Project, *models.Pipeline) {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{Name: "widgets", Path: t.TempDir()}
	require.NoError(t, st.CreateProject(ctx, project))

	p := &models.Pipeline{
		Name:     "Simple",
		TaskType: "simple",
		Statuses: []models.PipelineStatus{
			{Name: "open"},
			{Name: "in_progress"},
			{Name: "done", IsFinal: true},
		},
		Transitions: []models.Transition{
			{From: "open", To: "in_progress", Trigger: models.TriggerManual},
			{From: "in_progress", To: "done", Trigger: models.TriggerManual},
		},
	}
	require.NoError(t, st.CreatePipeline(ctx, p))
	return project, p
}

func seedTask(t *testing.T, st *Store) *models.Task {
	t.Helper()
	project, p := seedProjectAndPipeline(t, st)
	task := &models.Task{
		ProjectID:  project.ID,
		PipelineID: p.ID,
		Title:      "add pagination",
		Status:     "open",
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "add pagination", got.Title)
	assert.Equal(t, "open", got.Status)
	assert.NotZero(t, got.CreatedAt)

	got.Description = "cursor based"
	got.Tags = []string{"backend"}
	got.Metadata = map[string]any{"prMerged": true}
	require.NoError(t, st.UpdateTask(ctx, got))

	got, err = st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend"}, got.Tags)
	assert.Equal(t, true, got.Metadata["prMerged"])
}

func TestTaskNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateTask(ctx, &models.Task{ID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.DeleteTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTaskCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	require.NoError(t, st.CreateRun(ctx, &models.AgentRun{TaskID: task.ID, AgentType: "claude-code", Mode: "plan"}))
	require.NoError(t, st.AppendEvent(ctx, &models.TaskEvent{TaskID: task.ID, Category: models.EventSystem, Message: "hi"}))
	require.NoError(t, st.AddArtifact(ctx, &models.TaskArtifact{TaskID: task.ID, Type: models.ArtifactDiff}))
	require.NoError(t, st.CreatePrompt(ctx, &models.PendingPrompt{TaskID: task.ID, PromptType: "needs_info"}))

	require.NoError(t, st.DeleteTask(ctx, task.ID))

	runs, err := st.ListRunsByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
	events, err := st.ListEvents(ctx, task.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	artifacts, err := st.ListArtifacts(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	prompts, err := st.ListPendingPrompts(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestCommitTransitionIsAtomic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	rec := &models.TransitionRecord{
		TaskID:     task.ID,
		FromStatus: "open",
		ToStatus:   "in_progress",
		Trigger:    models.TriggerManual,
		Actor:      "user:alice",
	}
	require.NoError(t, st.CommitTransition(ctx, task, rec))
	assert.Equal(t, "in_progress", task.Status)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)

	history, err := st.ListTransitions(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "user:alice", history[0].Actor)

	events, err := st.ListEventsByCategory(ctx, task.ID, models.EventStatusChange, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "open → in_progress", events[0].Message)
	assert.Equal(t, "in_progress", events[0].Data["to"])
}

func TestCommitTransitionMissingTaskLeavesNoHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ghost := &models.Task{ID: "ghost", Status: "open"}

	err := st.CommitTransition(ctx, ghost, &models.TransitionRecord{
		TaskID: "ghost", FromStatus: "open", ToStatus: "done", Trigger: models.TriggerManual,
	})
	require.ErrorIs(t, err, ErrNotFound)
	// The in-memory task is untouched when the commit does not land.
	assert.Equal(t, "open", ghost.Status)
	assert.Zero(t, ghost.UpdatedAt)

	history, err := st.ListTransitions(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCountRecentSelfTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	record := func(from, to string) {
		require.NoError(t, st.AppendTransition(ctx, &models.TransitionRecord{
			TaskID: task.ID, FromStatus: from, ToStatus: to, Trigger: models.TriggerAutomatic,
		}))
	}
	record("open", "in_progress")
	record("in_progress", "in_progress")
	record("in_progress", "in_progress")

	n, err := st.CountRecentSelfTransitions(ctx, task.ID, "in_progress", "in_progress")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A different transition on top resets the streak.
	record("in_progress", "done")
	n, err = st.CountRecentSelfTransitions(ctx, task.ID, "in_progress", "in_progress")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAnswerPromptOnlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	prompt := &models.PendingPrompt{
		TaskID:        task.ID,
		PromptType:    "needs_info",
		Payload:       map[string]any{"question": "which db?"},
		ResumeOutcome: "plan_complete",
	}
	require.NoError(t, st.CreatePrompt(ctx, prompt))

	answered, err := st.AnswerPrompt(ctx, prompt.ID, map[string]any{"answer": "postgres"})
	require.NoError(t, err)
	assert.Equal(t, models.PromptAnswered, answered.Status)
	assert.NotNil(t, answered.AnsweredAt)
	assert.Equal(t, "postgres", answered.Response["answer"])

	_, err = st.AnswerPrompt(ctx, prompt.ID, map[string]any{"answer": "mysql"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpirePrompts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	require.NoError(t, st.CreatePrompt(ctx, &models.PendingPrompt{TaskID: task.ID, PromptType: "needs_info"}))
	require.NoError(t, st.CreatePrompt(ctx, &models.PendingPrompt{TaskID: task.ID, PromptType: "options_proposed"}))

	require.NoError(t, st.ExpirePrompts(ctx, task.ID))

	pending, err := st.ListPendingPrompts(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkRunningInterrupted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	running := &models.AgentRun{TaskID: task.ID, AgentType: "claude-code", Mode: "implement"}
	require.NoError(t, st.CreateRun(ctx, running))
	finished := &models.AgentRun{TaskID: task.ID, AgentType: "claude-code", Mode: "plan", Status: models.RunStatusCompleted}
	require.NoError(t, st.CreateRun(ctx, finished))

	n, err := st.MarkRunningInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = st.GetRun(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestDependencies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, p := seedProjectAndPipeline(t, st)

	mk := func(title string) *models.Task {
		task := &models.Task{ProjectID: project.ID, PipelineID: p.ID, Title: title, Status: "open"}
		require.NoError(t, st.CreateTask(ctx, task))
		return task
	}
	a, b := mk("a"), mk("b")

	require.Error(t, st.AddDependency(ctx, a.ID, a.ID))

	require.NoError(t, st.AddDependency(ctx, a.ID, b.ID))
	// Duplicate edges are ignored.
	require.NoError(t, st.AddDependency(ctx, a.ID, b.ID))

	deps, err := st.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].ID)

	require.NoError(t, st.RemoveDependency(ctx, a.ID, b.ID))
	deps, err = st.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestLatestArtifact(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	first := &models.TaskArtifact{TaskID: task.ID, Type: models.ArtifactPR, Data: map[string]any{"url": "one"}, CreatedAt: 100}
	second := &models.TaskArtifact{TaskID: task.ID, Type: models.ArtifactPR, Data: map[string]any{"url": "two"}, CreatedAt: 200}
	require.NoError(t, st.AddArtifact(ctx, first))
	require.NoError(t, st.AddArtifact(ctx, second))

	got, err := st.LatestArtifact(ctx, task.ID, models.ArtifactPR)
	require.NoError(t, err)
	assert.Equal(t, "two", got.Data["url"])

	_, err = st.LatestArtifact(ctx, task.ID, models.ArtifactDiff)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEventsKeyset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	for _, ts := range []int64{100, 200, 300} {
		require.NoError(t, st.AppendEvent(ctx, &models.TaskEvent{
			TaskID: task.ID, Category: models.EventSystem,
			Message: "e", CreatedAt: ts, Severity: models.SeverityInfo,
		}))
	}

	page, err := st.ListEvents(ctx, task.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(300), page[0].CreatedAt)

	page, err = st.ListEvents(ctx, task.ID, page[len(page)-1].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(100), page[0].CreatedAt)
}

func TestCountTasksByStatusAndRunCosts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, p := seedProjectAndPipeline(t, st)

	for _, status := range []string{"open", "open", "done"} {
		require.NoError(t, st.CreateTask(ctx, &models.Task{
			ProjectID: project.ID, PipelineID: p.ID, Title: "t", Status: status,
		}))
	}
	counts, err := st.CountTasksByStatus(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["open"])
	assert.Equal(t, 1, counts["done"])

	tasks, err := st.ListTasks(ctx, project.ID)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	require.NoError(t, st.CreateRun(ctx, &models.AgentRun{
		TaskID: tasks[0].ID, AgentType: "claude-code", Mode: "plan",
		CostInputTokens: 1200, CostOutputTokens: 400,
	}))

	in, out, err := st.SumRunCosts(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), in)
	assert.Equal(t, int64(400), out)
}

func TestPipelineByTaskType(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, p := seedProjectAndPipeline(t, st)

	got, err := st.GetPipelineByTaskType(ctx, "simple")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "open", got.InitialStatus())

	_, err = st.GetPipelineByTaskType(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsurePipelineIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &models.Pipeline{
		Name:     "Docs",
		TaskType: "docs",
		Statuses: []models.PipelineStatus{{Name: "draft"}, {Name: "published", IsFinal: true}},
		Transitions: []models.Transition{
			{From: "draft", To: "published", Trigger: models.TriggerManual},
		},
	}
	require.NoError(t, st.EnsurePipeline(ctx, p))
	require.NoError(t, st.EnsurePipeline(ctx, p))

	all, err := st.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteFeatureDetachesTasks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, p := seedProjectAndPipeline(t, st)

	feature := &models.Feature{ProjectID: project.ID, Title: "pagination epic"}
	require.NoError(t, st.CreateFeature(ctx, feature))

	task := &models.Task{
		ProjectID:  project.ID,
		PipelineID: p.ID,
		FeatureID:  feature.ID,
		Title:      "add cursor param",
		Status:     "in_progress",
	}
	require.NoError(t, st.CreateTask(ctx, task))

	require.NoError(t, st.DeleteFeature(ctx, feature.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FeatureID)
	assert.Equal(t, "in_progress", got.Status)

	_, err = st.GetFeature(ctx, feature.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteProjectCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, st)

	require.NoError(t, st.CreateRun(ctx, &models.AgentRun{TaskID: task.ID, AgentType: "claude-code", Mode: "implement"}))
	require.NoError(t, st.AppendEvent(ctx, &models.TaskEvent{TaskID: task.ID, Category: models.EventSystem, Message: "created"}))

	require.NoError(t, st.DeleteProject(ctx, task.ProjectID))

	_, err := st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := st.ListRunsByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
	events, err := st.ListEvents(ctx, task.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
