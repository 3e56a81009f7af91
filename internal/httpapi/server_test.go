package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/bus"
	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/db"
	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/timeline"
	"github.com/taskpilot/taskpilot/internal/workflow"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

type noopAgents struct{}

func (noopAgents) Execute(_ context.Context, taskID, mode, agentType string, _ func(string)) (*models.AgentRun, error) {
	return &models.AgentRun{ID: "run-" + taskID, TaskID: taskID, Mode: mode, AgentType: agentType, Status: models.RunStatusRunning}, nil
}

func (noopAgents) Stop(context.Context, string) error { return nil }

type noopWorktrees struct{}

func (noopWorktrees) Get(_ context.Context, taskID string) (*worktree.Worktree, error) {
	return nil, worktree.ErrWorktreeNotFound
}
func (noopWorktrees) Lock(context.Context, string) error   { return nil }
func (noopWorktrees) Unlock(context.Context, string) error { return nil }
func (noopWorktrees) Delete(context.Context, string) error { return nil }

type apiHarness struct {
	srv     *httptest.Server
	store   *store.Store
	bus     bus.Bus
	project *models.Project
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	writer, reader, err := db.Open(filepath.Join(t.TempDir(), "taskpilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(writer, reader) })

	st, err := store.New(writer, reader)
	require.NoError(t, err)
	require.NoError(t, pipeline.SeedBuiltins(context.Background(), st))

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	eng := pipeline.New(st, log)
	pipeline.RegisterBuiltinGuards(eng, st)

	settings := &config.Settings{DefaultPipeline: "simple", DefaultBranch: "main"}
	wf := workflow.NewService(st, eng, noopAgents{},
		func(*models.Project) (workflow.Worktrees, error) { return noopWorktrees{}, nil },
		nil, nil, nil, nil,
		func(string) (*config.Settings, error) { return settings, nil },
		log)
	workflow.RegisterBuiltinHooks(eng, wf)

	b := bus.NewMemory(log)
	tl := timeline.NewService(log, timeline.Sources(st)...)

	server := NewServer(wf, tl, b, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	h := &apiHarness{srv: srv, store: st, bus: b}
	h.project = &models.Project{Name: "widgets", Path: t.TempDir()}
	require.NoError(t, st.CreateProject(context.Background(), h.project))
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *apiHarness) createTask(t *testing.T, taskType string) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"projectId": h.project.ID,
		"taskType":  taskType,
		"title":     "add pagination",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestTaskLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "simple")

	resp, body := h.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "open", body["status"])

	resp, body = h.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/transition", map[string]any{
		"to": "in_progress", "actor": "user:alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := body["task"].(map[string]any)
	assert.Equal(t, "in_progress", task["status"])

	resp, _ = h.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransitionRejectsUndeclared(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "simple")

	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/transition", map[string]any{
		"to": "done",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "no transition")
}

func TestListValidTransitions(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "simple")

	resp, body := h.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/transitions?trigger=manual", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	transitions := body["transitions"].([]any)
	require.Len(t, transitions, 1)
	first := transitions[0].(map[string]any)
	assert.Equal(t, "in_progress", first["to"])
}

func TestStartAgentRequiresMode(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "agent")

	resp, _ := h.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/agent", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/agent", map[string]any{"mode": "plan"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
}

func TestTimelineEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "simple")
	h.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/transition", map[string]any{"to": "in_progress"})

	resp, body := h.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/timeline?limit=20", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	assert.NotEmpty(t, items)
}

func TestPipelineImportExport(t *testing.T) {
	h := newAPIHarness(t)
	payload := map[string]any{
		"name":     "Docs",
		"taskType": "docs",
		"statuses": []map[string]any{
			{"name": "draft"},
			{"name": "published", "isFinal": true},
		},
		"transitions": []map[string]any{
			{"from": "draft", "to": "published", "trigger": "manual"},
		},
	}
	resp, body := h.do(t, http.MethodPost, "/api/v1/pipelines", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/pipelines/"+id+"/export?format=yaml", nil)
	require.NoError(t, err)
	exportResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = exportResp.Body.Close() }()
	require.Equal(t, http.StatusOK, exportResp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(exportResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "taskType: docs")
}

func TestPipelineImportRejectsInvalid(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/v1/pipelines", map[string]any{
		"name":     "Broken",
		"taskType": "broken",
		"statuses": []map[string]any{{"name": "a"}},
		"transitions": []map[string]any{
			{"from": "a", "to": "missing", "trigger": "manual"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, fmt.Sprint(body["error"]), "unknown to status")
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.createTask(t, "simple")

	resp, body := h.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["totalTasks"])
}

func TestRunOutputWebsocket(t *testing.T) {
	h := newAPIHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/runs/run-1/output"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Give the server a moment to register the bus subscription.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.bus.Publish("agent.output.run-1", map[string]any{"chunk": "hello"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "hello", msg["chunk"])
}
