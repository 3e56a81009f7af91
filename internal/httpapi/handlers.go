package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/workflow"
)

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.workflow.GetDashboardStats(c.Request.Context())
	if err != nil {
		s.handleError(c, err, "compute stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Projects

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.workflow.Store().ListProjects(c.Request.Context())
	if err != nil {
		s.handleError(c, err, "list projects")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

type createProjectRequest struct {
	Name        string               `json:"name"`
	Path        string               `json:"path"`
	Description string               `json:"description"`
	Config      models.ProjectConfig `json:"config"`
}

func (s *Server) createProject(c *gin.Context) {
	var body createProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" || body.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and path are required"})
		return
	}
	project := &models.Project{
		Name:        body.Name,
		Path:        body.Path,
		Description: body.Description,
		Config:      body.Config,
	}
	if err := s.workflow.Store().CreateProject(c.Request.Context(), project); err != nil {
		s.handleError(c, err, "create project")
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.workflow.Store().GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get project")
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) updateProject(c *gin.Context) {
	project, err := s.workflow.Store().GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get project")
		return
	}
	if err := c.ShouldBindJSON(project); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project.ID = c.Param("id")
	if err := s.workflow.Store().UpdateProject(c.Request.Context(), project); err != nil {
		s.handleError(c, err, "update project")
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.workflow.Store().DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		s.handleError(c, err, "delete project")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Tasks

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.workflow.Store().ListTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "list tasks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

type createTaskRequest struct {
	ProjectID    string   `json:"projectId"`
	PipelineID   string   `json:"pipelineId"`
	TaskType     string   `json:"taskType"`
	FeatureID    string   `json:"featureId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Tags         []string `json:"tags"`
	ParentTaskID string   `json:"parentTaskId"`
}

func (s *Server) createTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.ProjectID == "" || body.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and title are required"})
		return
	}
	task, err := s.workflow.CreateTask(c.Request.Context(), workflow.CreateTaskRequest{
		ProjectID:    body.ProjectID,
		PipelineID:   body.PipelineID,
		TaskType:     body.TaskType,
		FeatureID:    body.FeatureID,
		Title:        body.Title,
		Description:  body.Description,
		Priority:     body.Priority,
		Tags:         body.Tags,
		ParentTaskID: body.ParentTaskID,
	})
	if err != nil {
		s.handleError(c, err, "create task")
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.workflow.Store().GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) updateTask(c *gin.Context) {
	task, err := s.workflow.Store().GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get task")
		return
	}
	if err := c.ShouldBindJSON(task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	task.ID = c.Param("id")
	if err := s.workflow.UpdateTask(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.workflow.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		s.handleError(c, err, "delete task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type transitionRequest struct {
	To    string `json:"to"`
	Actor string `json:"actor"`
}

func (s *Server) transitionTask(c *gin.Context) {
	var body transitionRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}
	if body.Actor == "" {
		body.Actor = "user"
	}
	res := s.workflow.TransitionTask(c.Request.Context(), c.Param("id"), body.To, body.Actor)
	if res.Err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": res.Err.Error()})
		return
	}
	if !res.Success {
		c.JSON(http.StatusConflict, gin.H{
			"error":         "transition denied",
			"guardFailures": res.GuardFailures,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":         res.Task,
		"hookFailures": res.HookFailures,
	})
}

func (s *Server) listValidTransitions(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := s.workflow.Store().GetTask(ctx, c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get task")
		return
	}
	transitions, err := s.workflow.Engine().GetValidTransitions(ctx, task, c.Query("trigger"))
	if err != nil {
		s.handleError(c, err, "list transitions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (s *Server) listHistory(c *gin.Context) {
	limit := int(queryInt64(c, "limit"))
	history, err := s.workflow.Store().ListTransitions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.handleError(c, err, "list history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) resetTask(c *gin.Context) {
	task, err := s.workflow.ResetTask(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		s.handleError(c, err, "reset task")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) mergeTask(c *gin.Context) {
	if err := s.workflow.MergePR(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type startAgentRequest struct {
	Mode      string `json:"mode"`
	AgentType string `json:"agentType"`
}

func (s *Server) startAgent(c *gin.Context) {
	var body startAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
		return
	}
	run, err := s.workflow.StartAgent(c.Request.Context(), c.Param("id"), body.Mode, body.AgentType, nil)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.workflow.Store().ListRunsByTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "list runs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.workflow.Store().GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get run")
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) stopRun(c *gin.Context) {
	if err := s.workflow.StopAgent(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Prompts

func (s *Server) listPrompts(c *gin.Context) {
	prompts, err := s.workflow.Store().ListPendingPrompts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "list prompts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts, "total": len(prompts)})
}

func (s *Server) getPrompt(c *gin.Context) {
	prompt, err := s.workflow.Store().GetPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get prompt")
		return
	}
	c.JSON(http.StatusOK, prompt)
}

type respondRequest struct {
	Response map[string]any `json:"response"`
}

func (s *Server) respondToPrompt(c *gin.Context) {
	var body respondRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	prompt, err := s.workflow.RespondToPrompt(c.Request.Context(), c.Param("id"), body.Response)
	if err != nil {
		s.handleError(c, err, "respond to prompt")
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// Events, artifacts, timeline

func (s *Server) listEvents(c *gin.Context) {
	before := queryInt64(c, "before")
	limit := int(queryInt64(c, "limit"))
	events, err := s.workflow.Store().ListEvents(c.Request.Context(), c.Param("id"), before, limit)
	if err != nil {
		s.handleError(c, err, "list events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) listArtifacts(c *gin.Context) {
	artifacts, err := s.workflow.Store().ListArtifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "list artifacts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) getTimeline(c *gin.Context) {
	cursor := queryInt64(c, "cursor")
	limit := int(queryInt64(c, "limit"))
	items, err := s.timeline.Get(c.Request.Context(), c.Param("id"), cursor, limit)
	if err != nil {
		s.handleError(c, err, "load timeline")
		return
	}
	next := int64(0)
	if len(items) > 0 {
		next = items[len(items)-1].Timestamp
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "nextCursor": next})
}

// Dependencies

type dependencyRequest struct {
	DependsOn string `json:"dependsOn"`
}

func (s *Server) addDependency(c *gin.Context) {
	var body dependencyRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.DependsOn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dependsOn is required"})
		return
	}
	if err := s.workflow.Store().AddDependency(c.Request.Context(), c.Param("id"), body.DependsOn); err != nil {
		s.handleError(c, err, "add dependency")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

func (s *Server) removeDependency(c *gin.Context) {
	if err := s.workflow.Store().RemoveDependency(c.Request.Context(), c.Param("id"), c.Param("dep")); err != nil {
		s.handleError(c, err, "remove dependency")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Pipelines

func (s *Server) listPipelines(c *gin.Context) {
	pipelines, err := s.workflow.Store().ListPipelines(c.Request.Context())
	if err != nil {
		s.handleError(c, err, "list pipelines")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines, "total": len(pipelines)})
}

func (s *Server) getPipeline(c *gin.Context) {
	p, err := s.workflow.Store().GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get pipeline")
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) importPipeline(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	p, err := models.ImportPipeline(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.workflow.Store().CreatePipeline(c.Request.Context(), p); err != nil {
		s.handleError(c, err, "create pipeline")
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) exportPipeline(c *gin.Context) {
	p, err := s.workflow.Store().GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "get pipeline")
		return
	}
	if c.Query("format") == "yaml" {
		data, err := models.ExportPipelineYAML(p)
		if err != nil {
			s.handleError(c, err, "export pipeline")
			return
		}
		c.Data(http.StatusOK, "application/yaml", data)
		return
	}
	data, err := models.ExportPipelineJSON(p)
	if err != nil {
		s.handleError(c, err, "export pipeline")
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func actorFrom(c *gin.Context) string {
	if actor := c.Query("actor"); actor != "" {
		return actor
	}
	return "user"
}

func queryInt64(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
