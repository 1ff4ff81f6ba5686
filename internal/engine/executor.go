package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/stepflow/internal/idempotency"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Launcher starts flows declared as triggered by a step. It returns the id
// of the new flow without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, parent api.FlowInfo, flowType string, data map[string]any) (string, error)
}

// ExecutorConfig describes how to construct an Executor. Nil fields get
// in-memory or no-op defaults.
type ExecutorConfig struct {
	Store    persistence.FlowStore
	Cache    idempotency.Cache
	CacheTTL time.Duration
	Notifier api.Notifier
	Services api.ServiceProvider
	Launcher Launcher
	Logger   *slog.Logger
}

// Executor runs the control loop of flows and implements their lifecycle
// transitions. It holds no per-flow state.
type Executor struct {
	store    persistence.FlowStore
	cache    idempotency.Cache
	cacheTTL time.Duration
	notifier api.Notifier
	services api.ServiceProvider
	launcher Launcher
	logger   *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		store:    cfg.Store,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		notifier: cfg.Notifier,
		services: cfg.Services,
		launcher: cfg.Launcher,
		logger:   cfg.Logger,
	}
	if e.store == nil {
		e.store = persistence.NewInMemoryStore()
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = idempotency.DefaultTTL
	}
	if e.cache == nil {
		e.cache = idempotency.NewMemoryCache(e.cacheTTL)
	}
	if e.notifier == nil {
		e.notifier = api.NoopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// PanicError is a recovered panic from step code.
type PanicError struct {
	Value any
	Stack string
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: string(debug.Stack())}
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

type nopScope struct{}

func (nopScope) Get(string) (any, bool) { return nil, false }
func (nopScope) Close() error           { return nil }

func (e *Executor) openScope(ctx context.Context) (api.ServiceScope, error) {
	if e.services == nil {
		return nopScope{}, nil
	}
	scope, err := e.services.NewScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire services: %w", err)
	}
	if scope == nil {
		return nopScope{}, nil
	}
	return scope, nil
}

func (e *Executor) closeScope(f *Flow, scope api.ServiceScope) {
	if err := scope.Close(); err != nil {
		e.logger.Warn("service_scope_close_failed", slog.String("flow_id", f.ID()), slog.Any("error", err))
	}
}

// locked runs fn holding the flow's execution lock and a service scope
// acquired for this call only.
func (e *Executor) locked(ctx context.Context, f *Flow, fn func(scope api.ServiceScope) error) error {
	f.execMu.Lock()
	defer f.execMu.Unlock()

	scope, err := e.openScope(ctx)
	if err != nil {
		return err
	}
	defer e.closeScope(f, scope)

	return fn(scope)
}

func runnable(st api.FlowStatus) bool {
	switch st {
	case api.FlowReady, api.FlowInitializing, api.FlowRunning:
		return true
	}
	return false
}

// Execute runs f from its current step until it completes, pauses, fails
// or is cancelled. Paused and terminal flows are returned unchanged.
func (e *Executor) Execute(ctx context.Context, f *Flow) (api.FlowResult, error) {
	f.execMu.Lock()
	defer f.execMu.Unlock()

	if !runnable(f.Status()) {
		return f.Result(), nil
	}

	scope, err := e.openScope(ctx)
	if err != nil {
		return e.fail(ctx, f, err)
	}
	defer e.closeScope(f, scope)

	return e.run(ctx, f, scope)
}

func (e *Executor) run(ctx context.Context, f *Flow, scope api.ServiceScope) (res api.FlowResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = e.fail(ctx, f, newPanicError(r))
		}
	}()

	started := e.startRunning(f)
	if err := f.Persist(ctx, e.store); err != nil {
		return e.fail(ctx, f, err)
	}
	if started {
		e.notifyStatus(ctx, f)
		e.logger.Info("flow_started", slog.String("flow_id", f.ID()), slog.String("flow_type", f.def.Type))
	}

	steps := f.def.Steps
	for idx := f.currentIndex(); idx < len(steps); {
		if ctx.Err() != nil || f.CancelRequested() {
			return e.cancelled(ctx, f, "execution cancelled")
		}

		f.setCurrent(idx)
		ref := topRef(idx)
		if f.stepRecord(ref).Status.Done() {
			idx++
			continue
		}

		out, err := e.executeStep(ctx, f, scope, ref, &steps[idx], nil)
		if err != nil {
			return e.fail(ctx, f, err)
		}
		if err := f.Persist(ctx, e.store); err != nil {
			return e.fail(ctx, f, err)
		}
		e.notifyStep(ctx, f, ref)

		if out.paused {
			e.notifyStatus(ctx, f)
			e.logger.Info("flow_paused",
				slog.String("flow_id", f.ID()),
				slog.String("step", steps[idx].Name),
			)
			return f.Result(), nil
		}
		idx = out.next
	}

	return e.complete(ctx, f)
}

// startRunning moves a Ready or Initializing flow to Running and reports
// whether it did. A flow re-entered after resume or retry is already
// Running.
func (e *Executor) startRunning(f *Flow) bool {
	started := false
	f.mutate(func(st *api.FlowState) {
		now := time.Now().UTC()
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		if st.Status == api.FlowRunning {
			return
		}
		st.Status = api.FlowRunning
		appendEvent(st, api.EventFlowStarted, "", "", nil)
		started = true
	})
	return started
}

func (e *Executor) complete(ctx context.Context, f *Flow) (api.FlowResult, error) {
	f.mutate(func(st *api.FlowState) {
		now := time.Now().UTC()
		st.Status = api.FlowCompleted
		st.CompletedAt = &now
		appendEvent(st, api.EventFlowCompleted, "", "", nil)
	})
	if err := f.Persist(context.WithoutCancel(ctx), e.store); err != nil {
		e.logger.Error("persist_failed", slog.String("flow_id", f.ID()), slog.Any("error", err))
		return f.Result(), err
	}
	e.notifyStatus(ctx, f)
	e.logger.Info("flow_completed", slog.String("flow_id", f.ID()), slog.String("flow_type", f.def.Type))
	return f.Result(), nil
}

func (e *Executor) cancelled(ctx context.Context, f *Flow, reason string) (api.FlowResult, error) {
	f.mutate(func(st *api.FlowState) {
		now := time.Now().UTC()
		st.Status = api.FlowCancelled
		st.CompletedAt = &now
		appendEvent(st, api.EventFlowCancelled, st.CurrentStepName(), reason, nil)
	})
	if err := f.Persist(context.WithoutCancel(ctx), e.store); err != nil {
		e.logger.Error("persist_failed", slog.String("flow_id", f.ID()), slog.Any("error", err))
	}
	e.notifyStatus(ctx, f)
	e.logger.Info("flow_cancelled", slog.String("flow_id", f.ID()), slog.String("reason", reason))
	return f.Result(), nil
}

// fail is the single failure boundary of a flow.
func (e *Executor) fail(ctx context.Context, f *Flow, cause error) (api.FlowResult, error) {
	var data map[string]any
	var pe *PanicError
	if errors.As(cause, &pe) {
		data = map[string]any{"stack": pe.Stack}
	}

	f.mutate(func(st *api.FlowState) {
		now := time.Now().UTC()
		st.Status = api.FlowFailed
		st.LastError = cause.Error()
		st.CompletedAt = &now
		if i := st.CurrentStepIndex; i >= 0 && i < len(st.Steps) {
			if rec := &st.Steps[i]; rec.Status == api.StepInProgress || rec.Status == api.StepPending {
				rec.Status = api.StepFailed
				rec.Error = cause.Error()
			}
		}
		appendEvent(st, api.EventFlowFailed, st.CurrentStepName(), cause.Error(), data)
	})
	if err := f.Persist(context.WithoutCancel(ctx), e.store); err != nil {
		e.logger.Error("persist_failed", slog.String("flow_id", f.ID()), slog.Any("error", err))
	}

	snap := f.Snapshot()
	api.SafeNotify(func() { e.notifier.FlowError(ctx, snap, cause) })
	api.SafeNotify(func() { e.notifier.FlowStatusChanged(ctx, snap) })
	return f.Result(), cause
}

func (e *Executor) notifyStatus(ctx context.Context, f *Flow) {
	snap := f.Snapshot()
	api.SafeNotify(func() { e.notifier.FlowStatusChanged(ctx, snap) })
}

func (e *Executor) notifyStep(ctx context.Context, f *Flow, ref stepRef) {
	snap := f.Snapshot()
	rec := f.stepRecord(ref)
	api.SafeNotify(func() { e.notifier.StepStatusChanged(ctx, snap, rec) })
}

// Resume continues a paused flow with cond.Data merged into the flow data.
// A step parked by its own PauseCondition re-enters with that condition
// cleared; after an external pause the condition is checked again.
// Running the flow again is left to the caller.
func (e *Executor) Resume(ctx context.Context, f *Flow, cond *api.ResumeCondition) error {
	var (
		reason string
		data   map[string]any
	)
	if cond != nil {
		reason = cond.Reason
		normalized, err := api.NormalizeData(cond.Data)
		if err != nil {
			return err
		}
		data = normalized
	}

	return e.locked(ctx, f, func(api.ServiceScope) error {
		if st := f.Status(); st != api.FlowPaused {
			return fmt.Errorf("%w: flow %s is %s, not paused", api.ErrInvalidTransition, f.ID(), st)
		}

		f.mutate(func(st *api.FlowState) {
			st.Status = api.FlowRunning
			st.PauseReason = ""
			st.PauseMessage = ""
			st.PauseData = nil
			st.PausedAt = nil
			st.ActiveResumeConfig = nil
			for k, v := range data {
				st.Data[k] = v
			}
			rec := &st.Steps[st.CurrentStepIndex]
			if rec.ExternalPause {
				rec.ExternalPause = false
			} else {
				rec.PauseCleared = true
			}
			if rec.Status == api.StepPaused {
				rec.Status = api.StepPending
			}
			appendEvent(st, api.EventFlowResumed, rec.Name, reason, nil)
		})
		if err := f.Persist(ctx, e.store); err != nil {
			return err
		}
		e.notifyStatus(ctx, f)
		e.logger.Info("flow_resumed", slog.String("flow_id", f.ID()), slog.String("reason", reason))
		return nil
	})
}

// Retry makes a failed flow runnable again at the failed step. Only that
// step's record is reset; earlier results stay as they are.
func (e *Executor) Retry(ctx context.Context, f *Flow) error {
	return e.locked(ctx, f, func(api.ServiceScope) error {
		if st := f.Status(); st != api.FlowFailed {
			return fmt.Errorf("%w: flow %s is %s, not failed", api.ErrInvalidTransition, f.ID(), st)
		}

		f.cancelRequested.Store(false)
		f.mutate(func(st *api.FlowState) {
			st.Status = api.FlowRunning
			st.LastError = ""
			st.CompletedAt = nil
			rec := &st.Steps[st.CurrentStepIndex]
			rec.Status = api.StepPending
			rec.Result = nil
			rec.Error = ""
			rec.StartedAt = nil
			rec.CompletedAt = nil
			appendEvent(st, api.EventFlowRetried, rec.Name, "", nil)
		})
		if err := f.Persist(ctx, e.store); err != nil {
			return err
		}
		e.notifyStatus(ctx, f)
		e.logger.Info("flow_retried", slog.String("flow_id", f.ID()), slog.Int("step_index", f.currentIndex()))
		return nil
	})
}

// Pause parks a flow that is not running a step right now at its current
// step.
func (e *Executor) Pause(ctx context.Context, f *Flow, cond *api.PauseCondition) error {
	if cond == nil {
		return fmt.Errorf("%w: pause condition is required", api.ErrValidation)
	}
	return e.locked(ctx, f, func(api.ServiceScope) error {
		if st := f.Status(); !runnable(st) {
			return fmt.Errorf("%w: flow %s is %s", api.ErrInvalidTransition, f.ID(), st)
		}

		idx := f.currentIndex()
		sd := &f.def.Steps[idx]
		f.enterPause(idx, cond, f.resolveResumeConfig(sd, cond), true)
		if err := f.Persist(ctx, e.store); err != nil {
			return err
		}
		e.notifyStatus(ctx, f)
		e.logger.Info("flow_paused", slog.String("flow_id", f.ID()), slog.String("step", sd.Name), slog.String("reason", cond.Reason))
		return nil
	})
}

// Cancel stops f. A running execution notices before its next step; a
// parked flow is cancelled right away.
func (e *Executor) Cancel(ctx context.Context, f *Flow, reason string) error {
	f.RequestCancel()
	return e.locked(ctx, f, func(api.ServiceScope) error {
		st := f.Status()
		if st == api.FlowCancelled {
			return nil
		}
		if st.IsTerminal() {
			f.cancelRequested.Store(false)
			return fmt.Errorf("%w: flow %s is already %s", api.ErrInvalidTransition, f.ID(), st)
		}
		if reason == "" {
			reason = "cancelled by request"
		}
		_, err := e.cancelled(ctx, f, reason)
		return err
	})
}

// SetResumeConfig replaces the active resume configuration of a paused
// flow.
func (e *Executor) SetResumeConfig(ctx context.Context, f *Flow, cfg *api.ResumeConfig) error {
	return e.locked(ctx, f, func(api.ServiceScope) error {
		if st := f.Status(); st != api.FlowPaused {
			return fmt.Errorf("%w: flow %s is %s, not paused", api.ErrInvalidTransition, f.ID(), st)
		}
		f.mutate(func(st *api.FlowState) { st.ActiveResumeConfig = cfg.Clone() })
		return f.Persist(ctx, e.store)
	})
}
