// Package server exposes the flow engine over HTTP and streams flow
// notifications to WebSocket clients.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

// Server implements the HTTP command surface of the engine
type Server struct {
	svc     *engine.Service
	hub     *Hub
	metrics *api.MetricsNotifier
	logger  *slog.Logger
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

var (
	ErrInvalidJSON  = errors.New("invalid JSON")
	ErrInvalidQuery = errors.New("invalid query parameter")
)

// NewServer creates a server over svc. hub and metrics may be nil, in which
// case /ws and the metrics part of /stats are unavailable.
func NewServer(svc *engine.Service, hub *Hub, metrics *api.MetricsNotifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, hub: hub, metrics: metrics, logger: logger}
}

// SetupRoutes configures and returns the HTTP router with all endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/ws", s.handleWebSocket)

	flows := router.Group("/flows")
	{
		flows.GET("", s.queryFlows)
		flows.POST("", s.startFlow)
		flows.POST("/fire", s.fireFlow)
		flows.POST("/cleanup", s.cleanupFlows)
		flows.POST("/recover", s.recoverFlows)

		flows.GET("/:flowID", s.getFlow)
		flows.GET("/:flowID/timeline", s.getTimeline)
		flows.POST("/:flowID/trigger", s.triggerFlow)
		flows.POST("/:flowID/resume", s.resumeFlow)
		flows.POST("/:flowID/retry", s.retryFlow)
		flows.POST("/:flowID/pause", s.pauseFlow)
		flows.POST("/:flowID/cancel", s.cancelFlow)
		flows.PUT("/:flowID/resume-config", s.setResumeConfig)
	}

	return router
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidTransition),
		errors.Is(err, api.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, api.ErrValidation),
		errors.Is(err, ErrInvalidJSON),
		errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Status: status})
}

func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return false
	}
	return true
}
