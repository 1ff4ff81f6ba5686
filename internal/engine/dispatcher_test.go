package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestDispatcherProcessOneDeliversCompletion(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(4)
	d := NewDispatcher(q, func(_ context.Context, task *taskqueue.Task) (api.FlowResult, error) {
		return api.FlowResult{FlowID: task.FlowID, Status: api.FlowCompleted, Success: true}, nil
	}, nil)

	ch, err := d.Submit(ctx, taskqueue.Task{Type: taskqueue.TaskExecuteFlow, FlowID: "f-1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending task, got %d", d.Pending())
	}

	processed, err := d.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne: processed=%v err=%v", processed, err)
	}

	c := waitCompletion(t, ch)
	if c.FlowID != "f-1" || c.Result.Status != api.FlowCompleted || c.Err != nil {
		t.Fatalf("unexpected completion: %+v", c)
	}
	if c.TaskID == "" {
		t.Fatalf("expected a generated task id")
	}
}

func TestDispatcherReportsHandlerErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	d := NewDispatcher(taskqueue.NewInMemoryQueue(1), func(context.Context, *taskqueue.Task) (api.FlowResult, error) {
		return api.FlowResult{}, boom
	}, nil)

	ch, err := d.Submit(ctx, taskqueue.Task{Type: taskqueue.TaskExecuteFlow, FlowID: "f-2"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := d.ProcessOne(ctx); err != nil {
		t.Fatalf("handler errors must not be returned, got %v", err)
	}

	c := waitCompletion(t, ch)
	if !errors.Is(c.Err, boom) {
		t.Fatalf("expected handler error on completion, got %v", c.Err)
	}
	if c.FlowID != "f-2" {
		t.Fatalf("expected the task's flow id, got %q", c.FlowID)
	}
}

func TestDispatcherWorkersAndStop(t *testing.T) {
	var handled atomic.Int32
	d := NewDispatcher(taskqueue.NewInMemoryQueue(16), func(_ context.Context, task *taskqueue.Task) (api.FlowResult, error) {
		handled.Add(1)
		return api.FlowResult{FlowID: task.FlowID}, nil
	}, nil)

	if err := d.StartWorkers(context.Background(), 3); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if err := d.StartWorkers(context.Background(), 1); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}

	var chans []<-chan Completion
	for i := 0; i < 5; i++ {
		ch, err := d.Submit(context.Background(), taskqueue.Task{Type: taskqueue.TaskExecuteFlow, FlowID: "f"})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		waitCompletion(t, ch)
	}
	if handled.Load() != 5 {
		t.Fatalf("expected 5 handled tasks, got %d", handled.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("second Stop must be a no-op, got %v", err)
	}
}

func TestDispatcherStopWaitsForRunningTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	d := NewDispatcher(taskqueue.NewInMemoryQueue(1), func(ctx context.Context, _ *taskqueue.Task) (api.FlowResult, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return api.FlowResult{}, ctx.Err()
		}
		finished.Store(true)
		return api.FlowResult{}, nil
	}, nil)

	if err := d.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if _, err := d.Submit(context.Background(), taskqueue.Task{Type: taskqueue.TaskExecuteFlow, FlowID: "f-3"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("running task should finish with a live context")
	}
}
