// Package httpapi exposes the orchestrator over HTTP and WebSocket. It is a
// thin adapter: every handler delegates to the task, interaction and log
// services, and the push channel mirrors the event log and UI bus.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"seed/internal/auditlog"
	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/interaction"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/uibus"
)

// RuntimeInfo answers the getRuntime query.
type RuntimeInfo interface {
	Profiles() []string
	RunningTasks() []string
}

// Deps wires the server to the core services.
type Deps struct {
	Tasks        *task.Service
	Interactions *interaction.Service
	Events       *eventlog.Log
	Audits       *auditlog.Log
	Bus          *uibus.Bus
	Runtime      RuntimeInfo
	Logger       logging.Logger
	// Token guards every endpoint when non-empty.
	Token string
}

// Server is the HTTP facade.
type Server struct {
	deps   Deps
	logger logging.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{deps: deps, logger: logging.OrNop(deps.Logger), engine: engine}
	s.routes()
	return s
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("HTTP API listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	api := s.engine.Group("/api", s.auth())
	api.GET("/tasks", s.listTasks)
	api.POST("/tasks", s.createTask)
	api.GET("/tasks/:id", s.getTask)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.POST("/tasks/:id/pause", s.pauseTask)
	api.POST("/tasks/:id/resume", s.resumeTask)
	api.POST("/tasks/:id/instructions", s.addInstruction)
	api.GET("/tasks/:id/interaction", s.getPendingInteraction)
	api.POST("/tasks/:id/interactions/:interactionId/respond", s.respondToInteraction)
	api.GET("/events", s.getEvents)
	api.GET("/audit", s.getAudit)
	api.GET("/runtime", s.getRuntime)
	s.engine.GET("/ws", s.auth(), s.websocket)
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Token == "" {
			c.Next()
			return
		}
		token := c.GetHeader("Authorization")
		if token == "Bearer "+s.deps.Token || c.Query("token") == s.deps.Token {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Tasks.ListTasks()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Title         string `json:"title" binding:"required"`
	Intent        string `json:"intent"`
	Priority      string `json:"priority"`
	AgentID       string `json:"agentId" binding:"required"`
	ParentTaskID  string `json:"parentTaskId"`
	AuthorActorID string `json:"authorActorId"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, err := s.deps.Tasks.CreateTask(task.CreateTaskInput{
		Title:         req.Title,
		Intent:        req.Intent,
		Priority:      event.Priority(req.Priority),
		AgentID:       req.AgentID,
		ParentTaskID:  req.ParentTaskID,
		AuthorActorID: actorOrDefault(req.AuthorActorID),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskId": taskID})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.deps.Tasks.GetTask(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type actorRequest struct {
	Reason        string `json:"reason"`
	AuthorActorID string `json:"authorActorId"`
}

func (s *Server) cancelTask(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.deps.Tasks.CancelTask(c.Param("id"), req.Reason, actorOrDefault(req.AuthorActorID)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

func (s *Server) pauseTask(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.deps.Tasks.PauseTask(c.Param("id"), actorOrDefault(req.AuthorActorID)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeTask(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.deps.Tasks.ResumeTask(c.Param("id"), actorOrDefault(req.AuthorActorID)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

type instructionRequest struct {
	Instruction   string `json:"instruction" binding:"required"`
	AuthorActorID string `json:"authorActorId"`
}

func (s *Server) addInstruction(c *gin.Context) {
	var req instructionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Tasks.AddInstruction(c.Param("id"), req.Instruction, actorOrDefault(req.AuthorActorID)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

func (s *Server) getPendingInteraction(c *gin.Context) {
	pending, err := s.deps.Interactions.GetPendingInteraction(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

type respondRequest struct {
	SelectedOptionID string `json:"selectedOptionId"`
	InputValue       string `json:"inputValue"`
	AuthorActorID    string `json:"authorActorId"`
}

func (s *Server) respondToInteraction(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.deps.Interactions.RespondToInteraction(c.Param("id"), c.Param("interactionId"), interaction.Response{
		SelectedOptionID: req.SelectedOptionID,
		InputValue:       req.InputValue,
		AuthorActorID:    actorOrDefault(req.AuthorActorID),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "responded"})
}

func (s *Server) getEvents(c *gin.Context) {
	afterID, _ := strconv.ParseInt(c.Query("afterId"), 10, 64)
	streamID := c.Query("streamId")

	var (
		events []event.Stored
		err    error
	)
	if streamID != "" {
		events, err = s.deps.Events.ReadStream(streamID, 1)
		if err == nil && afterID > 0 {
			filtered := events[:0]
			for _, ev := range events {
				if ev.ID > afterID {
					filtered = append(filtered, ev)
				}
			}
			events = filtered
		}
	} else {
		events, err = s.deps.Events.ReadAll(afterID)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	taskID := c.Query("taskId")

	var (
		entries []auditlog.Entry
		err     error
	)
	if taskID != "" {
		entries, err = s.deps.Audits.ReadByTask(taskID)
	} else {
		entries, err = s.deps.Audits.ReadAll(0)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) getRuntime(c *gin.Context) {
	if s.deps.Runtime == nil {
		c.JSON(http.StatusOK, gin.H{"agents": []string{}, "running": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":  s.deps.Runtime.Profiles(),
		"running": s.deps.Runtime.RunningTasks(),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch sharederrors.KindOf(err) {
	case sharederrors.KindValidation, sharederrors.KindInvalidPath:
		status = http.StatusBadRequest
	case sharederrors.KindNotFound:
		status = http.StatusNotFound
	case sharederrors.KindConflict:
		status = http.StatusConflict
	case sharederrors.KindTimeout, sharederrors.KindLockTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "human:api"
	}
	return actorID
}
