package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTask is returned for tasks missing the fields their type needs.
var ErrInvalidTask = errors.New("invalid task")

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskStartFlow creates a new flow of FlowType from Data and runs it.
	TaskStartFlow TaskType = "start-flow"
	// TaskExecuteFlow re-enters the execution loop of an existing flow
	// (after a resume, a retry or a restore).
	TaskExecuteFlow TaskType = "execute-flow"
)

// Task represents a unit of work for the dispatcher.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// For execute-flow tasks
	FlowID string `json:"flowId,omitempty"`

	// For start-flow tasks
	FlowType      string         `json:"flowType,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ParentFlowID  string         `json:"parentFlowId,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Validate checks that t carries what its type needs: a flow type for
// start-flow tasks and a flow id for execute-flow tasks.
func (t Task) Validate() error {
	switch t.Type {
	case TaskStartFlow:
		if t.FlowType == "" {
			return fmt.Errorf("%w: start-flow task without flow type", ErrInvalidTask)
		}
	case TaskExecuteFlow:
		if t.FlowID == "" {
			return fmt.Errorf("%w: execute-flow task without flow id", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, t.Type)
	}
	return nil
}

// Queue carries tasks from Submit to the dispatcher's workers.
type Queue interface {
	// Enqueue adds t, giving up when ctx is done.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Task, error)

	// Len reports roughly how many tasks are waiting.
	Len() int
}
