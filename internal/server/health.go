package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/stepflow/pkg/api"
)

// StatsResponse combines stored flow statistics with live counters
type StatsResponse struct {
	Statistics api.Statistics       `json:"statistics"`
	Metrics    *api.MetricsSnapshot `json:"metrics,omitempty"`
	Clients    int                  `json:"clients"`
}

func (s *Server) handleHealth(c *gin.Context) {
	report, err := s.svc.Health(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleStats(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		w, err := time.ParseDuration(raw)
		if err != nil || w < 0 {
			s.writeError(c, fmt.Errorf("%w: window must be a non-negative duration", ErrInvalidQuery))
			return
		}
		window = w
	}

	stats, err := s.svc.Statistics(c.Request.Context(), window)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := StatsResponse{Statistics: stats}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp.Metrics = &snap
	}
	if s.hub != nil {
		resp.Clients = s.hub.Clients()
	}
	c.JSON(http.StatusOK, resp)
}
