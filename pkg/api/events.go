package api

import "time"

// EventType identifies a flow timeline event.
type EventType string

const (
	EventFlowCreated   EventType = "flow.created"
	EventFlowStarted   EventType = "flow.started"
	EventFlowPaused    EventType = "flow.paused"
	EventFlowResumed   EventType = "flow.resumed"
	EventFlowRetried   EventType = "flow.retried"
	EventFlowCompleted EventType = "flow.completed"
	EventFlowFailed    EventType = "flow.failed"
	EventFlowCancelled EventType = "flow.cancelled"
	EventFlowRestored  EventType = "flow.restored"

	EventStepReplayed  EventType = "step.replayed"
	EventFlowTriggered EventType = "flow.triggered"
)

// TimelineEvent is an append-only history record kept on the flow document.
// Keep Data small: it is persisted with every save.
type TimelineEvent struct {
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	Step    string         `json:"step,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
