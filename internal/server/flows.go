package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

type (
	// StartRequest starts, fires or triggers a flow
	StartRequest struct {
		FlowType      string         `json:"flowType" binding:"required"`
		Data          map[string]any `json:"data,omitempty"`
		FlowID        string         `json:"flowId,omitempty"`
		UserID        string         `json:"userId,omitempty"`
		CorrelationID string         `json:"correlationId,omitempty"`
	}

	// FlowResponse carries the result of a synchronous execution. Error is
	// set when the flow ran but did not succeed.
	FlowResponse struct {
		Result api.FlowResult `json:"result"`
		Error  string         `json:"error,omitempty"`
	}

	// AcceptedResponse is returned for work handed to the background workers
	AcceptedResponse struct {
		FlowID string `json:"flowId"`
	}

	CancelRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	CleanupResponse struct {
		Deleted int `json:"deleted"`
	}
)

const defaultPauseReason = "manual"

func (s *Server) startFlow(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}

	res, err := s.svc.Start(c.Request.Context(), req.FlowType, req.Data, req.options()...)
	s.writeResult(c, res, err)
}

func (s *Server) fireFlow(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}

	id, _, err := s.svc.Fire(c.Request.Context(), req.FlowType, req.Data, req.options()...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{FlowID: id})
}

func (s *Server) triggerFlow(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}

	res, err := s.svc.Trigger(c.Request.Context(), c.Param("flowID"), req.FlowType, req.Data)
	s.writeResult(c, res, err)
}

func (s *Server) getFlow(c *gin.Context) {
	st, err := s.svc.Status(c.Request.Context(), c.Param("flowID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getTimeline(c *gin.Context) {
	events, err := s.svc.Timeline(c.Request.Context(), c.Param("flowID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []api.TimelineEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) resumeFlow(c *gin.Context) {
	cond := &api.ResumeCondition{}
	if !s.bindJSON(c, cond) {
		return
	}

	id := c.Param("flowID")
	ch, err := s.svc.Resume(c.Request.Context(), id, cond)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeCompletion(c, id, ch)
}

func (s *Server) retryFlow(c *gin.Context) {
	id := c.Param("flowID")
	ch, err := s.svc.Retry(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeCompletion(c, id, ch)
}

func (s *Server) pauseFlow(c *gin.Context) {
	cond := &api.PauseCondition{}
	if !s.bindJSON(c, cond) {
		return
	}
	if cond.Reason == "" {
		cond.Reason = defaultPauseReason
	}

	id := c.Param("flowID")
	if err := s.svc.Pause(c.Request.Context(), id, cond); err != nil {
		s.writeError(c, err)
		return
	}
	s.getFlow(c)
}

func (s *Server) cancelFlow(c *gin.Context) {
	var req CancelRequest
	if !s.bindJSON(c, &req) {
		return
	}

	if err := s.svc.Cancel(c.Request.Context(), c.Param("flowID"), req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	s.getFlow(c)
}

func (s *Server) setResumeConfig(c *gin.Context) {
	cfg := &api.ResumeConfig{}
	if err := c.ShouldBindJSON(cfg); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}

	if err := s.svc.SetResumeCondition(c.Request.Context(), c.Param("flowID"), cfg); err != nil {
		s.writeError(c, err)
		return
	}
	s.getFlow(c)
}

func (s *Server) queryFlows(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	page, err := s.svc.Query(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []api.FlowSummary{}
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) cleanupFlows(c *gin.Context) {
	olderThan, err := time.ParseDuration(c.Query("older_than"))
	if err != nil || olderThan < 0 {
		s.writeError(c, fmt.Errorf("%w: older_than must be a non-negative duration", ErrInvalidQuery))
		return
	}

	n, err := s.svc.Cleanup(c.Request.Context(), olderThan)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{Deleted: n})
}

func (s *Server) recoverFlows(c *gin.Context) {
	report, err := s.svc.RestoreFlowRuntime(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeResult answers a synchronous execution. Errors raised before the
// flow existed map to an error status; a flow that ran and failed is
// still a 200 carrying its result.
func (s *Server) writeResult(c *gin.Context, res api.FlowResult, err error) {
	if err != nil && res.FlowID == "" {
		s.writeError(c, err)
		return
	}
	resp := FlowResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// writeCompletion waits for the re-entered flow when ?wait=true, otherwise
// it acknowledges the submission.
func (s *Server) writeCompletion(c *gin.Context, id string, ch <-chan engine.Completion) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, AcceptedResponse{FlowID: id})
		return
	}

	select {
	case done := <-ch:
		s.writeResult(c, done.Result, done.Err)
	case <-c.Request.Context().Done():
		s.writeError(c, context.Cause(c.Request.Context()))
	}
}

func (r *StartRequest) options() []engine.StartOption {
	var opts []engine.StartOption
	if r.FlowID != "" {
		opts = append(opts, engine.WithFlowID(r.FlowID))
	}
	if r.UserID != "" {
		opts = append(opts, engine.WithUserID(r.UserID))
	}
	if r.CorrelationID != "" {
		opts = append(opts, engine.WithCorrelationID(r.CorrelationID))
	}
	return opts
}

func parseQuery(c *gin.Context) (api.FlowQuery, error) {
	q := api.FlowQuery{
		FlowType:    c.Query("type"),
		UserID:      c.Query("user"),
		PauseReason: c.Query("pause_reason"),
	}

	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			q.Statuses = append(q.Statuses, api.FlowStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}

	var err error
	if q.CreatedFrom, err = parseTime(c, "from"); err != nil {
		return q, err
	}
	if q.CreatedTo, err = parseTime(c, "to"); err != nil {
		return q, err
	}
	if q.Offset, err = parseInt(c, "offset"); err != nil {
		return q, err
	}
	if q.Limit, err = parseInt(c, "limit"); err != nil {
		return q, err
	}
	return q, nil
}

func parseTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, key, err)
	}
	return &t, nil
}

func parseInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidQuery, key)
	}
	return n, nil
}
