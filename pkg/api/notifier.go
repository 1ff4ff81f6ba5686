package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Notifier receives flow and step status changes from the engine.
//
// Every callback gets a snapshot of the flow state, so implementations may
// keep or forward it. Notifications are best effort: the engine recovers
// panics and never fails a flow because of a notifier. Implementations
// should be fast; heavy work belongs on a separate goroutine.
type Notifier interface {
	// FlowStatusChanged is called after each flow-level transition.
	FlowStatusChanged(ctx context.Context, flow *FlowState)

	// StepStatusChanged is called after a step reaches a new status.
	StepStatusChanged(ctx context.Context, flow *FlowState, step StepState)

	// FlowError is called when a flow fails.
	FlowError(ctx context.Context, flow *FlowState, err error)
}

// NoopNotifier is the default when no notifier is configured.
type NoopNotifier struct{}

func (NoopNotifier) FlowStatusChanged(context.Context, *FlowState)            {}
func (NoopNotifier) StepStatusChanged(context.Context, *FlowState, StepState) {}
func (NoopNotifier) FlowError(context.Context, *FlowState, error)             {}

// CompositeNotifier fans out to several notifiers in order.
type CompositeNotifier struct {
	notifiers []Notifier
}

// NewCompositeNotifier forwards to each non-nil notifier in ns.
func NewCompositeNotifier(ns ...Notifier) Notifier {
	filtered := make([]Notifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopNotifier{}
	case 1:
		return filtered[0]
	}
	return &CompositeNotifier{notifiers: filtered}
}

func (c *CompositeNotifier) FlowStatusChanged(ctx context.Context, flow *FlowState) {
	for _, n := range c.notifiers {
		SafeNotify(func() { n.FlowStatusChanged(ctx, flow) })
	}
}

func (c *CompositeNotifier) StepStatusChanged(ctx context.Context, flow *FlowState, step StepState) {
	for _, n := range c.notifiers {
		SafeNotify(func() { n.StepStatusChanged(ctx, flow, step) })
	}
}

func (c *CompositeNotifier) FlowError(ctx context.Context, flow *FlowState, err error) {
	for _, n := range c.notifiers {
		SafeNotify(func() { n.FlowError(ctx, flow, err) })
	}
}

// SafeNotify runs fn and swallows any panic it raises.
func SafeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Warn("notifier_panic", slog.Any("panic", r))
		}
	}()
	fn()
}

// LoggingNotifier writes structured logs using log/slog.
type LoggingNotifier struct {
	Logger *slog.Logger
}

// NewLoggingNotifier logs flow and step transitions to logger, or to
// slog.Default() when logger is nil.
func NewLoggingNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{Logger: logger}
}

func (n *LoggingNotifier) FlowStatusChanged(ctx context.Context, flow *FlowState) {
	level := slog.LevelInfo
	if flow.Status == FlowFailed {
		level = slog.LevelWarn
	}
	n.Logger.Log(ctx, level, "flow_status_changed",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.FlowID),
		slog.String("status", string(flow.Status)),
		slog.String("step", flow.CurrentStepName()),
	)
}

func (n *LoggingNotifier) StepStatusChanged(ctx context.Context, flow *FlowState, step StepState) {
	n.Logger.DebugContext(ctx, "step_status_changed",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.FlowID),
		slog.String("step", step.Name),
		slog.String("status", string(step.Status)),
	)
}

func (n *LoggingNotifier) FlowError(ctx context.Context, flow *FlowState, err error) {
	n.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.FlowID),
		slog.String("step", flow.CurrentStepName()),
		slog.Any("error", err),
	)
}

// MetricsNotifier collects simple counters and the average step duration.
// Combine it with other notifiers via NewCompositeNotifier.
type MetricsNotifier struct {
	flowsStarted   atomic.Int64
	flowsCompleted atomic.Int64
	flowsFailed    atomic.Int64
	flowsCancelled atomic.Int64
	flowsPaused    atomic.Int64
	stepsCompleted atomic.Int64
	stepsFailed    atomic.Int64
	totalStepNanos atomic.Int64
}

// MetricsSnapshot is an immutable copy of MetricsNotifier counters.
type MetricsSnapshot struct {
	FlowsStarted   int64 `json:"flowsStarted"`
	FlowsCompleted int64 `json:"flowsCompleted"`
	FlowsFailed    int64 `json:"flowsFailed"`
	FlowsCancelled int64 `json:"flowsCancelled"`
	FlowsPaused    int64 `json:"flowsPaused"`

	StepsCompleted  int64         `json:"stepsCompleted"`
	StepsFailed     int64         `json:"stepsFailed"`
	AvgStepDuration time.Duration `json:"avgStepDuration"`
}

func (m *MetricsNotifier) FlowStatusChanged(_ context.Context, flow *FlowState) {
	switch flow.Status {
	case FlowRunning:
		m.flowsStarted.Add(1)
	case FlowCompleted:
		m.flowsCompleted.Add(1)
	case FlowFailed:
		m.flowsFailed.Add(1)
	case FlowCancelled:
		m.flowsCancelled.Add(1)
	case FlowPaused:
		m.flowsPaused.Add(1)
	}
}

func (m *MetricsNotifier) StepStatusChanged(_ context.Context, _ *FlowState, step StepState) {
	switch step.Status {
	case StepCompleted:
		m.stepsCompleted.Add(1)
		if step.StartedAt != nil && step.CompletedAt != nil {
			m.totalStepNanos.Add(step.CompletedAt.Sub(*step.StartedAt).Nanoseconds())
		}
	case StepFailed:
		m.stepsFailed.Add(1)
	}
}

func (m *MetricsNotifier) FlowError(context.Context, *FlowState, error) {}

// Snapshot returns the current counters.
func (m *MetricsNotifier) Snapshot() MetricsSnapshot {
	steps := m.stepsCompleted.Load()
	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(m.totalStepNanos.Load() / steps)
	}
	return MetricsSnapshot{
		FlowsStarted:    m.flowsStarted.Load(),
		FlowsCompleted:  m.flowsCompleted.Load(),
		FlowsFailed:     m.flowsFailed.Load(),
		FlowsCancelled:  m.flowsCancelled.Load(),
		FlowsPaused:     m.flowsPaused.Load(),
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}
