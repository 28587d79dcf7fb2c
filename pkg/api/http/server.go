package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/internal/application/runs"
	"github.com/aescanero/rowflow/internal/application/workers"
	"github.com/aescanero/rowflow/internal/pipeline"
	"github.com/aescanero/rowflow/pkg/ports"
)

// RunManager is the run lifecycle the API exposes. *runs.Manager
// implements it.
type RunManager interface {
	Pipelines() []string
	Pipeline(name string) (*pipeline.Definition, error)
	Submit(ctx context.Context, req runs.SubmitRequest) (string, error)
	Resume(ctx context.Context, runID string) error
	GetStatus(ctx context.Context, runID string) (runs.RunView, error)
	List() []runs.RunView
	Cancel(ctx context.Context, runID string) error
}

// WorkerPool reports worker status. *workers.Pool implements it.
type WorkerPool interface {
	GetStatus() map[string]workers.WorkerStatus
	Health() *workers.HealthMonitor
}

// StreamHandler serves a run's event stream.
type StreamHandler interface {
	HandleRunStream(c *gin.Context)
}

// Server represents the HTTP API server
type Server struct {
	router *gin.Engine
	server *http.Server
	runs   RunManager
	audit  ports.AuditReader
	pool   WorkerPool
	token  string
	logger *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port int
	Runs RunManager
	// Audit serves node state and outcome queries. Optional.
	Audit ports.AuditReader
	// Workers backs the health check and worker listing. Optional.
	Workers WorkerPool
	// Gatherer is served on /metrics, the default registry when nil.
	Gatherer prometheus.Gatherer
	// APIToken, when set, is required as a bearer token on /api/v1.
	APIToken string
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		runs:   cfg.Runs,
		audit:  cfg.Audit,
		pool:   cfg.Workers,
		token:  cfg.APIToken,
		logger: logger,
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(cfg *Config) {
	s.router.GET("/health", s.handleHealth)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	v1.Use(AuthMiddleware(s.token))
	{
		v1.GET("/pipelines", s.handleListPipelines)
		v1.GET("/pipelines/:name", s.handleGetPipeline)

		v1.POST("/runs", s.handleSubmitRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.POST("/runs/:id/resume", s.handleResumeRun)
		v1.GET("/runs/:id/node-states", s.handleListNodeStates)
		v1.GET("/runs/:id/outcomes", s.handleListOutcomes)

		v1.GET("/workers", s.handleListWorkers)
	}
}

// SetupWebSocket adds the run event stream to the server
func (s *Server) SetupWebSocket(handler StreamHandler) {
	s.router.GET("/api/v1/runs/:id/ws", AuthMiddleware(s.token), handler.HandleRunStream)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
