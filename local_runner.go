package stepflow

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner bundles an in-memory Service and its workers to provide a
// simple "local runner" for development and tests.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner()
//	stepflow.NewDefinition("my-flow").Step(...).MustRegister(runner.Registry())
//
//	_ = runner.StartWorkers(ctx)
//	defer runner.Stop()
//
//	res, err := runner.Start(ctx, "my-flow", input)
//	res, err = runner.ResumeAndWait(ctx, res.FlowID, nil)
type LocalRunner struct {
	*Service

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores, with
// an optional notifier.
func NewLocalRunner(n ...Notifier) *LocalRunner {
	var notifier Notifier
	if len(n) > 0 {
		notifier = NewCompositeNotifier(n...)
	}
	return &LocalRunner{Service: NewInMemoryService(notifier)}
}

// StartWorkers starts the background workers. Calling it twice without
// Stop returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	if err := r.Service.Run(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop stops the workers and waits for running flows to return.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	_ = r.Service.Stop(context.Background())
}

// FireAndWait starts a flow on the workers and waits for its outcome.
func (r *LocalRunner) FireAndWait(ctx context.Context, flowType string, data any, opts ...StartOption) (FlowResult, error) {
	_, ch, err := r.Service.Fire(ctx, flowType, data, opts...)
	if err != nil {
		return FlowResult{}, err
	}
	return wait(ctx, ch)
}

// ResumeAndWait resumes a paused flow and waits until it parks again or
// finishes.
func (r *LocalRunner) ResumeAndWait(ctx context.Context, id string, cond *ResumeCondition) (FlowResult, error) {
	ch, err := r.Service.Resume(ctx, id, cond)
	if err != nil {
		return FlowResult{}, err
	}
	return wait(ctx, ch)
}

// RetryAndWait retries a failed flow and waits for its outcome.
func (r *LocalRunner) RetryAndWait(ctx context.Context, id string) (FlowResult, error) {
	ch, err := r.Service.Retry(ctx, id)
	if err != nil {
		return FlowResult{}, err
	}
	return wait(ctx, ch)
}

func wait(ctx context.Context, ch <-chan Completion) (FlowResult, error) {
	select {
	case c := <-ch:
		return c.Result, c.Err
	case <-ctx.Done():
		return FlowResult{}, ctx.Err()
	}
}
