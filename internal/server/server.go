// Package server exposes flows, decisions, health and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
	"github.com/vietddude/reflow/internal/interaction"
	"github.com/vietddude/reflow/internal/log"
)

// FlowRunner starts flows in the background.
type FlowRunner interface {
	// Submit starts plan and returns its flow id without waiting.
	Submit(plan *domain.FlowPlan) (string, error)
	// Running reports whether flowID is still executing.
	Running(flowID string) bool
}

// Config wires the server to the rest of the system. Inbox may be nil when
// operator decisions are not taken over HTTP.
type Config struct {
	Port    int
	Runner  FlowRunner
	Results storage.ResultRepository
	Inbox   interaction.Inbox
	Checks  map[string]storage.HealthChecker
	Logger  *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// Server implements the HTTP API.
type Server struct {
	runner  FlowRunner
	results storage.ResultRepository
	inbox   interaction.Inbox
	checks  map[string]storage.HealthChecker
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		runner:  cfg.Runner,
		results: cfg.Results,
		inbox:   cfg.Inbox,
		checks:  cfg.Checks,
		logger:  log.OrDefault(cfg.Logger),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetupRoutes configures and returns the HTTP router.
func (s *Server) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)
	router.GET("/health/detailed", s.handleDetailed)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	flows := router.Group("/flows")
	{
		flows.GET("", s.listFlows)
		flows.POST("", s.startFlow)
		flows.GET("/:flowID", s.getFlow)
	}

	decisions := router.Group("/decisions")
	{
		decisions.GET("", s.listDecisions)
		decisions.POST("/:requestID", s.answerDecision)
	}

	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func abort(c *gin.Context, status int, err error) {
	c.JSON(status, ErrorResponse{Error: err.Error(), Status: status})
}
