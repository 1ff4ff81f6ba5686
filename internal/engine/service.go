package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/petrijr/stepflow/internal/idempotency"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Config describes how to construct a Service. Nil fields get in-memory
// or no-op defaults.
type Config struct {
	Registry *Registry
	Store    persistence.FlowStore
	Cache    idempotency.Cache
	CacheTTL time.Duration
	Queue    taskqueue.Queue
	Notifier api.Notifier
	Services api.ServiceProvider
	Logger   *slog.Logger

	// Workers is the number of dispatcher workers started by Run.
	Workers int
	// EvictAfter is how long terminal flows stay in the runtime store.
	EvictAfter time.Duration
}

// Service is the orchestration façade: it creates, loads, executes and
// commands flows, and restores in-flight flows after a crash.
type Service struct {
	registry   *Registry
	store      persistence.FlowStore
	executor   *Executor
	runtime    *RuntimeStore
	dispatcher *Dispatcher
	logger     *slog.Logger
	workers    int

	loads singleflight.Group
}

var _ Launcher = (*Service)(nil)

func NewService(cfg Config) *Service {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewInMemoryQueue(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	s := &Service{
		registry: cfg.Registry,
		store:    cfg.Store,
		runtime:  NewRuntimeStore(cfg.EvictAfter),
		logger:   cfg.Logger,
		workers:  cfg.Workers,
	}
	s.executor = NewExecutor(ExecutorConfig{
		Store:    cfg.Store,
		Cache:    cfg.Cache,
		CacheTTL: cfg.CacheTTL,
		Notifier: cfg.Notifier,
		Services: cfg.Services,
		Launcher: s,
		Logger:   cfg.Logger,
	})
	s.dispatcher = NewDispatcher(cfg.Queue, s.handleTask, cfg.Logger)
	return s
}

func (s *Service) Registry() *Registry          { return s.registry }
func (s *Service) Runtime() *RuntimeStore       { return s.runtime }
func (s *Service) Store() persistence.FlowStore { return s.store }

// Run starts the dispatcher workers that execute fired, resumed, retried
// and restored flows.
func (s *Service) Run(ctx context.Context) error {
	return s.dispatcher.StartWorkers(ctx, s.workers)
}

// Stop stops the workers, waiting for running flows until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	return s.dispatcher.Stop(ctx)
}

// Start creates a flow of flowType from a fresh definition and executes it
// synchronously. A caller-chosen flow id that already names a flow fails
// with ErrConflict.
func (s *Service) Start(ctx context.Context, flowType string, data any, opts ...StartOption) (api.FlowResult, error) {
	if id := collectOptions(opts).flowID; id != "" {
		if err := s.checkFlowID(ctx, id); err != nil {
			s.logger.Warn("flow_start_rejected", slog.String("flow_id", id), slog.Any("error", err))
			return api.FlowResult{}, err
		}
	}

	f, err := NewFlow(s.registry, flowType, data, opts...)
	if err != nil {
		s.logger.Error("flow_start_failed", slog.String("flow_type", flowType), slog.Any("error", err))
		return api.FlowResult{}, err
	}

	f.mutate(func(st *api.FlowState) { st.Status = api.FlowInitializing })
	if s.runtime.Add(f) != f {
		return api.FlowResult{}, fmt.Errorf("%w: flow %s already exists", api.ErrConflict, f.ID())
	}
	if err := f.Persist(ctx, s.store); err != nil {
		s.logger.Error("flow_start_failed", slog.String("flow_id", f.ID()), slog.Any("error", err))
		return api.FlowResult{}, err
	}

	return s.execute(ctx, f)
}

// checkFlowID fails with ErrConflict when id names a live or stored flow.
func (s *Service) checkFlowID(ctx context.Context, id string) error {
	if _, live := s.runtime.Get(id); live {
		return fmt.Errorf("%w: flow %s already exists", api.ErrConflict, id)
	}
	_, err := s.store.GetFlow(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: flow %s already exists", api.ErrConflict, id)
	case errors.Is(err, api.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("check flow id %s: %w", id, err)
	}
}

func (s *Service) execute(ctx context.Context, f *Flow) (api.FlowResult, error) {
	res, err := s.executor.Execute(ctx, f)
	s.runtime.Track(f)
	if err != nil {
		s.logger.Error("flow_execution_failed",
			slog.String("flow_id", f.ID()),
			slog.String("flow_type", f.def.Type),
			slog.Any("error", err),
		)
	}
	return res, err
}

// Fire starts a flow in the background. It returns the id the flow will
// have and a channel receiving its outcome.
func (s *Service) Fire(ctx context.Context, flowType string, data any, opts ...StartOption) (string, <-chan Completion, error) {
	if _, err := s.registry.Resolve(flowType); err != nil {
		return "", nil, err
	}
	normalized, err := api.NormalizeData(data)
	if err != nil {
		return "", nil, err
	}

	o := collectOptions(opts)
	if o.flowID == "" {
		o.flowID = uuid.NewString()
	} else if err := s.checkFlowID(ctx, o.flowID); err != nil {
		return "", nil, err
	}

	ch, err := s.dispatcher.Submit(ctx, taskqueue.Task{
		Type:          taskqueue.TaskStartFlow,
		FlowID:        o.flowID,
		FlowType:      flowType,
		Data:          normalized,
		UserID:        o.userID,
		CorrelationID: o.correlationID,
		ParentFlowID:  o.parentFlowID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("submit flow %s: %w", o.flowID, err)
	}
	return o.flowID, ch, nil
}

// Trigger starts a child of parentID and waits for it. The child shares the
// parent's user and extends its correlation id.
func (s *Service) Trigger(ctx context.Context, parentID, flowType string, data any) (api.FlowResult, error) {
	parent, err := s.GetFlowByID(ctx, parentID)
	if err != nil {
		return api.FlowResult{}, err
	}
	return s.Start(ctx, flowType, data, childOptions(parent.Info())...)
}

// Launch fires a child flow for a step's triggered flows.
func (s *Service) Launch(ctx context.Context, parent api.FlowInfo, flowType string, data map[string]any) (string, error) {
	id, _, err := s.Fire(ctx, flowType, data, childOptions(parent)...)
	return id, err
}

func childOptions(parent api.FlowInfo) []StartOption {
	childID := uuid.NewString()
	return []StartOption{
		WithFlowID(childID),
		WithUserID(parent.UserID),
		WithCorrelationID(parent.CorrelationID + "/" + childID),
		WithParentFlow(parent.FlowID),
	}
}

// GetFlowByID returns the live flow, loading and restoring it from the
// store when it is not in memory.
func (s *Service) GetFlowByID(ctx context.Context, id string) (*Flow, error) {
	if f, ok := s.runtime.Get(id); ok {
		return f, nil
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		if f, ok := s.runtime.Get(id); ok {
			return f, nil
		}
		stored, err := s.store.GetFlow(ctx, id)
		if err != nil {
			return nil, err
		}
		f, err := FromState(s.registry, stored)
		if err != nil {
			return nil, err
		}
		return s.runtime.Add(f), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Flow), nil
}

// Resume records the resume of a paused flow and submits its re-entry.
func (s *Service) Resume(ctx context.Context, id string, cond *api.ResumeCondition) (<-chan Completion, error) {
	f, err := s.GetFlowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Resume(ctx, f, cond); err != nil {
		return nil, err
	}
	return s.submitExecute(ctx, f)
}

// Retry records the retry of a failed flow and submits its re-entry at the
// failed step.
func (s *Service) Retry(ctx context.Context, id string) (<-chan Completion, error) {
	f, err := s.GetFlowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Retry(ctx, f); err != nil {
		return nil, err
	}
	s.runtime.Track(f)
	return s.submitExecute(ctx, f)
}

// Pause parks a flow at its current step.
func (s *Service) Pause(ctx context.Context, id string, cond *api.PauseCondition) error {
	f, err := s.GetFlowByID(ctx, id)
	if err != nil {
		return err
	}
	return s.executor.Pause(ctx, f, cond)
}

// Cancel cancels a flow that has not reached a terminal status.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	f, err := s.GetFlowByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.executor.Cancel(ctx, f, reason); err != nil {
		return err
	}
	s.runtime.Track(f)
	return nil
}

// SetResumeCondition stores what is needed to resume a paused flow later.
func (s *Service) SetResumeCondition(ctx context.Context, id string, cfg *api.ResumeConfig) error {
	f, err := s.GetFlowByID(ctx, id)
	if err != nil {
		return err
	}
	return s.executor.SetResumeConfig(ctx, f, cfg)
}

func (s *Service) submitExecute(ctx context.Context, f *Flow) (<-chan Completion, error) {
	ch, err := s.dispatcher.Submit(ctx, taskqueue.Task{Type: taskqueue.TaskExecuteFlow, FlowID: f.ID()})
	if err != nil {
		return nil, fmt.Errorf("submit flow %s: %w", f.ID(), err)
	}
	return ch, nil
}

func (s *Service) handleTask(ctx context.Context, t *taskqueue.Task) (api.FlowResult, error) {
	switch t.Type {
	case taskqueue.TaskStartFlow:
		// A redelivered start task finds the flow it created; any other
		// flow under that id belongs to someone else.
		f, err := s.GetFlowByID(ctx, t.FlowID)
		switch {
		case err == nil:
			if f.startTaskID() != t.ID || f.def.Type != t.FlowType {
				return api.FlowResult{FlowID: t.FlowID}, fmt.Errorf("%w: flow %s already exists", api.ErrConflict, t.FlowID)
			}
			return s.execute(ctx, f)
		case !errors.Is(err, api.ErrNotFound):
			return api.FlowResult{FlowID: t.FlowID}, err
		}
		return s.Start(ctx, t.FlowType, t.Data,
			WithFlowID(t.FlowID),
			WithUserID(t.UserID),
			WithCorrelationID(t.CorrelationID),
			WithParentFlow(t.ParentFlowID),
			withStartTask(t.ID),
		)

	case taskqueue.TaskExecuteFlow:
		f, err := s.GetFlowByID(ctx, t.FlowID)
		if err != nil {
			return api.FlowResult{FlowID: t.FlowID}, err
		}
		return s.execute(ctx, f)

	default:
		return api.FlowResult{}, fmt.Errorf("unknown task type %q", t.Type)
	}
}
