// Package server exposes the HTTP API: trace ingestion, raw capture intake,
// and management of projects, tasks, implementations, graders, and
// evaluation configs.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/ingest"
	"github.com/promptloom/promptloom/internal/metrics"
	"github.com/promptloom/promptloom/store"
)

// Server routes API requests to the ingest pipeline and the store.
type Server struct {
	engine  *gin.Engine
	ingest  *ingest.Service
	store   store.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	// defaultEvalPct seeds trace_evaluation_percentage on evaluation
	// configs created without one.
	defaultEvalPct float64
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the registry served at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithEvaluationPercentage sets the sampling percentage inherited by
// evaluation configs that do not carry their own.
func WithEvaluationPercentage(pct float64) Option {
	return func(s *Server) {
		s.defaultEvalPct = pct
	}
}

// New builds the router with the full middleware stack and all routes
// registered. The returned server is ready to serve via Handler.
func New(st store.Store, svc *ingest.Service, opts ...Option) *Server {
	s := &Server{
		ingest:  svc,
		store:   st,
		log:     zap.NewNop(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(
		requestID(),
		requestLogger(s.log),
		recovery(s.log),
		otelgin.Middleware("promptloom"),
		cors(),
	)
	s.engine = engine
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.engine.Group("/api/v1")

	api.POST("/http-traces", s.createHTTPTrace)

	api.POST("/traces", s.createTrace)
	api.GET("/traces", s.listTraces)
	api.GET("/traces/:id", s.getTrace)
	api.GET("/traces/:id/executions", s.listTraceExecutions)

	api.POST("/projects", s.createProject)
	api.GET("/projects", s.listProjects)

	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PATCH("/tasks/:id", s.updateTask)
	api.GET("/tasks/:id/implementations", s.listTaskImplementations)

	api.POST("/implementations", s.createImplementation)
	api.GET("/implementations/:id", s.getImplementation)
	api.DELETE("/implementations/:id", s.deleteImplementation)

	api.POST("/graders", s.createGrader)
	api.GET("/graders", s.listGraders)

	api.POST("/evaluation-configs", s.createEvaluationConfig)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
