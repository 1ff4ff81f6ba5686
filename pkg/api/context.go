package api

import (
	"context"
	"log/slog"
)

// FlowInfo identifies the flow an ExecutionContext belongs to.
type FlowInfo struct {
	FlowID        string
	FlowType      string
	UserID        string
	CorrelationID string
	ParentFlowID  string
}

// ExecutionContext is handed to step bodies, conditions and selectors.
//
// Data is a snapshot taken when the context was built. Writes to it are
// not reflected in the flow; bodies return new values through StepResult.
type ExecutionContext struct {
	ctx    context.Context
	info   FlowInfo
	step   string
	data   map[string]any
	scope  ServiceScope
	logger *slog.Logger
}

// NewExecutionContext builds a context over a data snapshot. scope and
// logger may be nil.
func NewExecutionContext(ctx context.Context, info FlowInfo, step string, data map[string]any, scope ServiceScope, logger *slog.Logger) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	if data == nil {
		data = map[string]any{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionContext{ctx: ctx, info: info, step: step, data: data, scope: scope, logger: logger}
}

// WithStep returns a copy of ec scoped to another step name.
func (ec *ExecutionContext) WithStep(step string) *ExecutionContext {
	cp := *ec
	cp.step = step
	return &cp
}

// WithData returns a copy of ec reading from another data snapshot.
func (ec *ExecutionContext) WithData(data map[string]any) *ExecutionContext {
	cp := *ec
	cp.data = data
	return &cp
}

func (ec *ExecutionContext) Context() context.Context { return ec.ctx }
func (ec *ExecutionContext) Info() FlowInfo            { return ec.info }
func (ec *ExecutionContext) FlowID() string            { return ec.info.FlowID }
func (ec *ExecutionContext) FlowType() string          { return ec.info.FlowType }
func (ec *ExecutionContext) UserID() string            { return ec.info.UserID }
func (ec *ExecutionContext) CorrelationID() string     { return ec.info.CorrelationID }
func (ec *ExecutionContext) StepName() string          { return ec.step }
func (ec *ExecutionContext) Data() map[string]any      { return ec.data }
func (ec *ExecutionContext) Logger() *slog.Logger {
	return ec.logger.With(slog.String("flow_id", ec.info.FlowID), slog.String("step", ec.step))
}

// Get returns a top-level data value.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	v, ok := ec.data[key]
	return v, ok
}

// GetString returns a top-level string value, or "" when absent or not a
// string.
func (ec *ExecutionContext) GetString(key string) string {
	s, _ := ec.data[key].(string)
	return s
}

// GetFloat returns a top-level numeric value. Data restored from storage
// holds numbers as float64.
func (ec *ExecutionContext) GetFloat(key string) (float64, bool) {
	switch v := ec.data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Service looks up a handle in the scope acquired for the current call.
func (ec *ExecutionContext) Service(name string) (any, bool) {
	if ec.scope == nil {
		return nil, false
	}
	return ec.scope.Get(name)
}
