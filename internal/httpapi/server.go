// Package httpapi exposes the orchestrator over REST plus a websocket
// stream for live agent output.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/bus"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/timeline"
	"github.com/taskpilot/taskpilot/internal/workflow"
)

// Server holds the handler dependencies.
type Server struct {
	workflow *workflow.Service
	timeline *timeline.Service
	bus      bus.Bus
	logger   *logger.Logger
}

// NewServer creates the API server.
func NewServer(wf *workflow.Service, tl *timeline.Service, b bus.Bus, log *logger.Logger) *Server {
	return &Server{
		workflow: wf,
		timeline: tl,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "httpapi")),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", s.getStats)

		v1.GET("/projects", s.listProjects)
		v1.POST("/projects", s.createProject)
		v1.GET("/projects/:id", s.getProject)
		v1.PUT("/projects/:id", s.updateProject)
		v1.DELETE("/projects/:id", s.deleteProject)
		v1.GET("/projects/:id/tasks", s.listTasks)

		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.PUT("/tasks/:id", s.updateTask)
		v1.DELETE("/tasks/:id", s.deleteTask)
		v1.POST("/tasks/:id/transition", s.transitionTask)
		v1.GET("/tasks/:id/transitions", s.listValidTransitions)
		v1.GET("/tasks/:id/history", s.listHistory)
		v1.POST("/tasks/:id/reset", s.resetTask)
		v1.POST("/tasks/:id/merge", s.mergeTask)
		v1.POST("/tasks/:id/agent", s.startAgent)
		v1.GET("/tasks/:id/runs", s.listRuns)
		v1.GET("/tasks/:id/prompts", s.listPrompts)
		v1.GET("/tasks/:id/events", s.listEvents)
		v1.GET("/tasks/:id/artifacts", s.listArtifacts)
		v1.GET("/tasks/:id/timeline", s.getTimeline)
		v1.POST("/tasks/:id/dependencies", s.addDependency)
		v1.DELETE("/tasks/:id/dependencies/:dep", s.removeDependency)

		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/stop", s.stopRun)

		v1.GET("/prompts/:id", s.getPrompt)
		v1.POST("/prompts/:id/respond", s.respondToPrompt)

		v1.GET("/pipelines", s.listPipelines)
		v1.POST("/pipelines", s.importPipeline)
		v1.GET("/pipelines/:id", s.getPipeline)
		v1.GET("/pipelines/:id/export", s.exportPipeline)
	}

	r.GET("/ws/runs/:id/output", s.streamRunOutput)
	return r
}

// handleError maps store errors to HTTP statuses.
func (s *Server) handleError(c *gin.Context, err error, action string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.WithError(err).Error("request failed", zap.String("action", action))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
}
