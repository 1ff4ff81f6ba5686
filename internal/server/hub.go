package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

type (
	// Hub fans flow notifications out to connected WebSocket clients. It
	// implements api.Notifier so it can sit in the engine's notifier chain.
	Hub struct {
		mu      sync.RWMutex
		clients map[*subscriber]struct{}
		logger  *slog.Logger
	}

	// Message is one notification as sent over the wire
	Message struct {
		Type      string         `json:"type"`
		FlowID    string         `json:"flowId"`
		FlowType  string         `json:"flowType"`
		Status    api.FlowStatus `json:"status"`
		Step      string         `json:"step,omitempty"`
		StepState api.StepStatus `json:"stepStatus,omitempty"`
		Error     string         `json:"error,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	subscriber struct {
		send chan []byte

		mu     sync.RWMutex
		flowID string
	}
)

const (
	MessageFlowStatus = "flow_status"
	MessageStepStatus = "step_status"
	MessageFlowError  = "flow_error"

	subscriberBufferSize = 64
)

var _ api.Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		logger:  logger,
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) FlowStatusChanged(_ context.Context, flow *api.FlowState) {
	h.broadcast(Message{
		Type:      MessageFlowStatus,
		FlowID:    flow.FlowID,
		FlowType:  flow.FlowType,
		Status:    flow.Status,
		Step:      flow.CurrentStepName(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) StepStatusChanged(_ context.Context, flow *api.FlowState, step api.StepState) {
	h.broadcast(Message{
		Type:      MessageStepStatus,
		FlowID:    flow.FlowID,
		FlowType:  flow.FlowType,
		Status:    flow.Status,
		Step:      step.Name,
		StepState: step.Status,
		Error:     step.Error,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) FlowError(_ context.Context, flow *api.FlowState, err error) {
	msg := Message{
		Type:      MessageFlowError,
		FlowID:    flow.FlowID,
		FlowType:  flow.FlowType,
		Status:    flow.Status,
		Step:      flow.CurrentStepName(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	h.broadcast(msg)
}

func (h *Hub) subscribe(flowID string) *subscriber {
	sub := &subscriber{
		send:   make(chan []byte, subscriberBufferSize),
		flowID: flowID,
	}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
	h.mu.Unlock()
}

// broadcast never blocks the engine: a subscriber whose buffer is full
// misses the message.
func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("notification_encode_failed",
			slog.String("flow_id", msg.FlowID),
			slog.Any("error", err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.clients {
		if !sub.matches(msg.FlowID) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("notification_dropped",
				slog.String("flow_id", msg.FlowID),
				slog.String("type", msg.Type),
			)
		}
	}
}

func (s *subscriber) matches(flowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flowID == "" || s.flowID == flowID
}

func (s *subscriber) setFlowID(flowID string) {
	s.mu.Lock()
	s.flowID = flowID
	s.mu.Unlock()
}
