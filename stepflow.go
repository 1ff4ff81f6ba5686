package stepflow

import (
	"log/slog"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Service        = engine.Service
	Config         = engine.Config
	Registry       = engine.Registry
	Completion     = engine.Completion
	StartOption    = engine.StartOption
	RestoreReport  = engine.RestoreReport
	FlowDefinition = api.FlowDefinition
	StepDefinition = api.StepDefinition
	BranchDef      = api.BranchDefinition
	DynamicConfig  = api.DynamicBranchingConfig
	TriggeredFlow  = api.TriggeredFlow
	DataDependency = api.DataDependency
	DataType       = api.DataType

	ExecutionContext = api.ExecutionContext
	StepFunc         = api.StepFunc
	ConditionFunc    = api.ConditionFunc
	PauseFunc        = api.PauseFunc
	StepResult       = api.StepResult

	FlowState       = api.FlowState
	FlowResult      = api.FlowResult
	FlowStatus      = api.FlowStatus
	StepStatus      = api.StepStatus
	StepState       = api.StepState
	PauseCondition  = api.PauseCondition
	ResumeCondition = api.ResumeCondition
	ResumeConfig    = api.ResumeConfig
	FlowQuery       = api.FlowQuery
	FlowPage        = api.FlowPage

	Notifier        = api.Notifier
	MetricsNotifier = api.MetricsNotifier
	MetricsSnapshot = api.MetricsSnapshot
	NoopNotifier    = api.NoopNotifier
	ServiceProvider = api.ServiceProvider
	StaticServices  = api.StaticServices
)

// Re-export constructors and option helpers.

var (
	NewRegistry          = engine.NewRegistry
	NewLoggingNotifier   = api.NewLoggingNotifier
	NewCompositeNotifier = api.NewCompositeNotifier
	WithFlowID           = engine.WithFlowID
	WithUserID           = engine.WithUserID
	WithCorrelationID    = engine.WithCorrelationID
	Succeeded            = api.Succeeded
	Failed               = api.Failed
	SelectItems          = api.SelectItems
)

// Re-export status values and sentinel errors for convenience.

const (
	FlowReady        = api.FlowReady
	FlowInitializing = api.FlowInitializing
	FlowRunning      = api.FlowRunning
	FlowPaused       = api.FlowPaused
	FlowCompleted    = api.FlowCompleted
	FlowFailed       = api.FlowFailed
	FlowCancelled    = api.FlowCancelled

	StepPending    = api.StepPending
	StepInProgress = api.StepInProgress
	StepSkipped    = api.StepSkipped
	StepPaused     = api.StepPaused
	StepCompleted  = api.StepCompleted
	StepFailed     = api.StepFailed

	StrategySequential    = api.StrategySequential
	StrategyParallel      = api.StrategyParallel
	StrategyRoundRobin    = api.StrategyRoundRobin
	StrategyBatched       = api.StrategyBatched
	StrategyPriorityBased = api.StrategyPriorityBased

	TypeAny    = api.TypeAny
	TypeString = api.TypeString
	TypeNumber = api.TypeNumber
	TypeBool   = api.TypeBool
	TypeObject = api.TypeObject
	TypeArray  = api.TypeArray
)

var (
	ErrValidation          = api.ErrValidation
	ErrNotFound            = api.ErrNotFound
	ErrExecution           = api.ErrExecution
	ErrJumpLimitExceeded   = api.ErrJumpLimitExceeded
	ErrConcurrencyConflict = api.ErrConcurrencyConflict
	ErrRestoration         = api.ErrRestoration
	ErrInvalidTransition   = api.ErrInvalidTransition
	ErrConflict            = api.ErrConflict
)

// NewService returns a Service for cfg. Nil collaborators default to the
// in-memory implementations. Call Run before using Fire, Resume or Retry.
func NewService(cfg Config) *Service {
	return engine.NewService(cfg)
}

// NewInMemoryService returns a Service that keeps everything in process
// memory, with the given notifier (may be nil).
func NewInMemoryService(n Notifier) *Service {
	return engine.NewService(Config{Notifier: n, Logger: slog.Default()})
}
