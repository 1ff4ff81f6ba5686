package taskqueue

import (
	"context"
)

// defaultCapacity bounds the in-memory queue when no capacity is given.
const defaultCapacity = 1024

// InMemoryQueue keeps tasks in a bounded channel. Enqueue blocks while the
// queue is full. Queued tasks die with the process; RestoreFlowRuntime
// re-submits whatever the store still holds as running.
type InMemoryQueue struct {
	tasks chan Task
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryQueue{tasks: make(chan Task, capacity)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.tasks <- t:
		return nil
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t := <-q.tasks:
		return &t, nil
	}
}

func (q *InMemoryQueue) Len() int { return len(q.tasks) }
