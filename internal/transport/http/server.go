// Package http provides the push-only transport: an echo server exposing the
// inbound session API, the SSE event stream, health and metrics.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/service"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/transport"
	"github.com/xiaot623/gogo/agui/internal/transport/ratelimit"
)

const apiKeyHeader = "X-API-Key"

// Server is the HTTP server.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	svc     *service.Service
	hub     *stream.Hub
	inbound *transport.Inbound
	limiter *ratelimit.Limiter
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, svc *service.Service, hub *stream.Hub, limiter *ratelimit.Limiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		inbound: transport.NewInbound(svc),
		limiter: limiter,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := s.echo.Group("/v1")
	if s.cfg.APIKey != "" {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:" + apiKeyHeader + ",query:api_key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == s.cfg.APIKey, nil
			},
		}))
	}
	limited := ratelimit.Middleware(s.limiter, "http", func(c echo.Context) string {
		return c.Param("session_id")
	})

	v1.POST("/sessions", s.handleCreateSession, limited)
	v1.GET("/sessions/:session_id", s.handleGetSession)
	v1.DELETE("/sessions/:session_id", s.handleEndSession, limited)
	v1.POST("/sessions/:session_id/input", s.handleSubmitInput, limited)
	v1.GET("/sessions/:session_id/events", s.handleListEvents)
	v1.GET("/sessions/:session_id/events/stream", s.handleStream)
	v1.GET("/sessions/:session_id/runs", s.handleListRuns)
	v1.POST("/sessions/:session_id/runs/:run_id/cancel", s.handleCancelRun, limited)
	v1.POST("/sessions/:session_id/runs/:run_id/interrupts", s.handleRequestInterrupt, limited)
	v1.POST("/sessions/:session_id/runs/:run_id/output", s.handleAgentOutput)
	v1.GET("/sessions/:session_id/interrupts", s.handlePendingInterrupts)
	v1.POST("/sessions/:session_id/interrupts/:interrupt_id/answer", s.handleAnswerInterrupt, limited)
	v1.GET("/runs/:run_id/tool_calls", s.handleListToolCalls)
	v1.GET("/tools", s.handleListTools)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"sessions":    s.svc.SessionCount(),
		"streams":     s.hub.GetSessionCount(),
		"connections": s.hub.GetConnectionCount(),
	})
}

// errorStatus maps orchestrator errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{
		"error": err.Error(),
		"code":  transport.ErrorCode(err),
	})
}
