// Package adminhttp serves the daemon's admin API: health, Prometheus
// metrics, task inspection and control, event replay and the WebSocket
// event feed.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bazelment/yoloswe/taskengine/orchestrator"
	"github.com/bazelment/yoloswe/taskengine/task"
)

// Tasks is the orchestrator surface the server needs.
type Tasks interface {
	Start(ctx context.Context, req task.Request) (bool, error)
	Stream(ctx context.Context, taskID string, afterID int64) (iter.Seq2[task.StoredEvent, error], error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	SubmitAnswer(taskID, toolUseID string, answers map[string]string) error
	Task(taskID string) (task.Info, bool)
	Tasks() []task.Info
}

// Options configure the server.
type Options struct {
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
	// Feed, when set, is mounted at /ws.
	Feed http.Handler
	// Prepare adjusts start requests before they reach the orchestrator,
	// e.g. to resolve a provider by id.
	Prepare func(req *task.Request) error
}

// Server is the admin HTTP server.
type Server struct {
	tasks  Tasks
	opts   Options
	router *gin.Engine
	srv    *http.Server
}

type errorResponse struct {
	Error string `json:"error"`
}

type startResponse struct {
	TaskID  string `json:"taskId"`
	Started bool   `json:"started"`
}

type answerRequest struct {
	Answers   map[string]string `json:"answers"`
	ToolUseID string            `json:"toolUseId" binding:"required"`
}

// New builds the server. Call Serve or use Handler directly.
func New(tasks Tasks, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{tasks: tasks, opts: opts, router: gin.New()}
	s.router.Use(gin.Recovery(), s.logRequests)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	if s.opts.Feed != nil {
		r.GET("/ws", gin.WrapH(s.opts.Feed))
	}

	tasks := r.Group("/tasks")
	tasks.GET("", s.listTasks)
	tasks.POST("", s.startTask)
	tasks.GET("/:id", s.getTask)
	tasks.GET("/:id/events", s.streamEvents)
	tasks.POST("/:id/cancel", s.cancelTask)
	tasks.POST("/:id/answers", s.submitAnswer)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.opts.Logger.Debug("admin request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"elapsed", time.Since(start))
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.opts.Logger.Info("admin server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listTasks(c *gin.Context) {
	infos := s.tasks.Tasks()
	if infos == nil {
		infos = []task.Info{}
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getTask(c *gin.Context) {
	info, ok := s.tasks.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) startTask(c *gin.Context) {
	var req task.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if s.opts.Prepare != nil {
		if err := s.opts.Prepare(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	started, err := s.tasks.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	c.JSON(status, startResponse{TaskID: req.TaskID, Started: started})
}

// streamEvents writes the task's events as newline-delimited JSON,
// starting after ?after=K, until the task is final or the client leaves.
func (s *Server) streamEvents(c *gin.Context) {
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "after must be a non-negative integer"})
			return
		}
		after = n
	}
	seq, err := s.tasks.Stream(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	enc.SetEscapeHTML(false)
	for ev, err := range seq {
		if err != nil {
			return
		}
		if err := enc.Encode(ev); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) cancelTask(c *gin.Context) {
	ok, err := s.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *Server) submitAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.tasks.SubmitAnswer(c.Param("id"), req.ToolUseID, req.Answers); err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidRequest), errors.Is(err, orchestrator.ErrUnknownEngine):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrAnswerUnsupported), errors.Is(err, task.ErrNoInput):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
