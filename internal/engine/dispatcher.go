package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Completion reports the outcome of a submitted task.
type Completion struct {
	TaskID string
	FlowID string
	Result api.FlowResult
	Err    error
}

// TaskHandler executes one dequeued task.
type TaskHandler func(ctx context.Context, t *taskqueue.Task) (api.FlowResult, error)

// Dispatcher is a worker pool over a task queue. Submit returns a channel
// that receives the task's Completion once a worker has handled it in
// this process.
type Dispatcher struct {
	queue   taskqueue.Queue
	handle  TaskHandler
	logger  *slog.Logger
	backoff time.Duration

	waitMu  sync.Mutex
	waiters map[string]chan Completion

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewDispatcher(queue taskqueue.Queue, handle TaskHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   queue,
		handle:  handle,
		logger:  logger,
		backoff: 100 * time.Millisecond,
		waiters: make(map[string]chan Completion),
	}
}

// Submit enqueues t and returns its completion channel. The channel is
// buffered, so nobody has to read it.
func (d *Dispatcher) Submit(ctx context.Context, t taskqueue.Task) (<-chan Completion, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}

	ch := make(chan Completion, 1)
	d.waitMu.Lock()
	d.waiters[t.ID] = ch
	d.waitMu.Unlock()

	if err := d.queue.Enqueue(ctx, t); err != nil {
		d.waitMu.Lock()
		delete(d.waiters, t.ID)
		d.waitMu.Unlock()
		return nil, err
	}
	return ch, nil
}

// ProcessOne dequeues and handles a single task.
//
// It returns (processed=false, err=nil) only if Dequeue returned no task.
// Handler failures are reported on the completion channel and logged; they
// are not returned.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	task, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	// In-flight flows finish even when the workers are stopped.
	res, herr := d.handle(context.WithoutCancel(ctx), task)

	flowID := res.FlowID
	if flowID == "" {
		flowID = task.FlowID
	}
	if herr != nil {
		d.logger.Warn("task_failed",
			slog.String("task_id", task.ID),
			slog.String("task_type", string(task.Type)),
			slog.String("flow_id", flowID),
			slog.Any("error", herr),
		)
	}

	d.complete(Completion{TaskID: task.ID, FlowID: flowID, Result: res, Err: herr})
	return true, nil
}

func (d *Dispatcher) complete(c Completion) {
	d.waitMu.Lock()
	ch, ok := d.waiters[c.TaskID]
	delete(d.waiters, c.TaskID)
	d.waitMu.Unlock()

	if ok {
		ch <- c
		close(ch)
	}
}

// StartWorkers starts concurrency worker goroutines that call ProcessOne
// until Stop is called.
func (d *Dispatcher) StartWorkers(ctx context.Context, concurrency int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return errors.New("dispatcher already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer d.wg.Done()
			d.work(ctx)
		}()
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		_, err := d.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		// Keep going so a flaky queue doesn't kill the worker.
		d.logger.Error("dispatcher_worker_error", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff):
		}
	}
}

// Stop cancels the workers and waits for running tasks to finish, or for
// ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the approximate number of queued tasks.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
