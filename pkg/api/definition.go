package api

import (
	"fmt"
	"time"
)

// StepFunc is the body of a step. A nil result or a result with
// Success=false is treated as a failure.
type StepFunc func(ec *ExecutionContext) (*StepResult, error)

// ConditionFunc decides whether a step or branch applies.
type ConditionFunc func(ec *ExecutionContext) bool

// PauseFunc returns a non-nil PauseCondition when the flow should park
// before running the step body.
type PauseFunc func(ec *ExecutionContext) *PauseCondition

// DataSelector produces the items a dynamic branching step fans out over.
type DataSelector func(ec *ExecutionContext) ([]any, error)

// StepFactory builds one generated sub-step for an item.
type StepFactory func(item any, index int) StepDefinition

// ExecutionStrategy controls how generated sub-steps are run.
type ExecutionStrategy string

const (
	StrategySequential    ExecutionStrategy = "Sequential"
	StrategyParallel      ExecutionStrategy = "Parallel"
	StrategyRoundRobin    ExecutionStrategy = "RoundRobin"
	StrategyBatched       ExecutionStrategy = "Batched"
	StrategyPriorityBased ExecutionStrategy = "PriorityBased"
)

// DefaultMaxConcurrency is the batch size used by the Batched strategy when
// MaxConcurrency is not set.
const DefaultMaxConcurrency = 4

// DefaultMaxJumps bounds a JumpTo loop when MaxJumps is not set.
const DefaultMaxJumps = 100

// FlowDefinition is an immutable template describing a flow type.
type FlowDefinition struct {
	// Type is the stable logical identifier stored with every flow
	// document. It must not depend on Go type names.
	Type        string
	Description string
	Steps       []StepDefinition

	// ResumeConfig is the flow-level default used when a pause condition
	// and its step carry none.
	ResumeConfig *ResumeConfig
}

// StepDefinition describes a single named unit of work.
type StepDefinition struct {
	Name             string
	Condition        ConditionFunc
	DataDependencies []DataDependency
	Body             StepFunc

	// IsIdempotent enables result caching keyed by the dependency data.
	IsIdempotent bool

	// AllowFailure lets the flow continue when the body fails.
	AllowFailure bool

	Branches         []BranchDefinition
	DynamicBranching *DynamicBranchingConfig

	// JumpTo names the step to continue with after this one succeeds.
	// MaxJumps bounds how often the jump may be taken; zero means
	// DefaultMaxJumps.
	JumpTo   string
	MaxJumps int

	PauseCondition PauseFunc
	ResumeConfig   *ResumeConfig

	TriggeredFlows []TriggeredFlow

	// Priority and Resource are read by the PriorityBased and RoundRobin
	// strategies on generated sub-steps.
	Priority int
	Resource string
}

// BranchDefinition is an alternative group of sub-steps.
type BranchDefinition struct {
	Name      string
	Condition ConditionFunc
	IsDefault bool
	Steps     []StepDefinition
}

// DynamicBranchingConfig generates sub-steps from flow data at runtime.
type DynamicBranchingConfig struct {
	Selector DataSelector
	Factory  StepFactory
	Strategy ExecutionStrategy

	// MaxConcurrency is the batch size for StrategyBatched.
	MaxConcurrency int
	// BatchDelay is waited between batches.
	BatchDelay time.Duration

	// BranchName overrides the name of the generated branch. Defaults to
	// "<step>:dynamic".
	BranchName string
}

// TriggeredFlow starts another flow type once the declaring step succeeds.
type TriggeredFlow struct {
	FlowType string
	Data     func(ec *ExecutionContext) map[string]any
}

// DataDependency requires Key to be present in the flow data with Type.
type DataDependency struct {
	Key  string   `json:"key"`
	Type DataType `json:"type"`
}

// PauseCondition describes why a flow parks at a step.
type PauseCondition struct {
	Reason       string         `json:"reason"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ResumeConfig *ResumeConfig  `json:"resumeConfig,omitempty"`
}

// ResumeCondition accompanies an external resume. Data is merged into the
// flow data before execution continues.
type ResumeCondition struct {
	Reason string         `json:"reason,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ResumeConfig holds what an operator or integration needs to resume a
// paused flow later.
type ResumeConfig struct {
	Trigger   string         `json:"trigger,omitempty"`
	EventName string         `json:"eventName,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (c *DynamicBranchingConfig) branchName(step string) string {
	if c.BranchName != "" {
		return c.BranchName
	}
	return step + ":dynamic"
}

// GeneratedBranchName returns the branch name dynamic sub-steps of step are
// recorded under.
func (s *StepDefinition) GeneratedBranchName() string {
	if s.DynamicBranching == nil {
		return ""
	}
	return s.DynamicBranching.branchName(s.Name)
}

// IsLeaf reports whether the step declares no branching, jump or pause
// behaviour. Branch sub-steps must be leaves.
func (s *StepDefinition) IsLeaf() bool {
	return len(s.Branches) == 0 && s.DynamicBranching == nil && s.JumpTo == "" && s.PauseCondition == nil
}

// JumpLimit returns MaxJumps, or DefaultMaxJumps when unset.
func (s *StepDefinition) JumpLimit() int {
	if s.MaxJumps > 0 {
		return s.MaxJumps
	}
	return DefaultMaxJumps
}

// StepIndex returns the index of the named top-level step, or -1.
func (d *FlowDefinition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Validate checks structural rules: a type, at least one step, unique step
// names, resolvable jump targets and unique branch names per step.
func (d *FlowDefinition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: flow type is required", ErrValidation)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: flow %q must have at least one step", ErrValidation, d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("%w: flow %q step %d has no name", ErrValidation, d.Type, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: flow %q has duplicate step %q", ErrValidation, d.Type, s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := validateBranches(d.Type, s); err != nil {
			return err
		}
		if s.DynamicBranching != nil {
			if s.DynamicBranching.Selector == nil || s.DynamicBranching.Factory == nil {
				return fmt.Errorf("%w: step %q dynamic branching needs a selector and a factory", ErrValidation, s.Name)
			}
		}
	}
	for i := range d.Steps {
		if t := d.Steps[i].JumpTo; t != "" {
			if _, ok := seen[t]; !ok {
				return fmt.Errorf("%w: step %q jumps to unknown step %q", ErrValidation, d.Steps[i].Name, t)
			}
		}
	}
	return nil
}

func validateBranches(flowType string, s *StepDefinition) error {
	names := make(map[string]struct{}, len(s.Branches))
	for _, b := range s.Branches {
		if b.Name == "" {
			return fmt.Errorf("%w: flow %q step %q has an unnamed branch", ErrValidation, flowType, s.Name)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("%w: flow %q step %q has duplicate branch %q", ErrValidation, flowType, s.Name, b.Name)
		}
		names[b.Name] = struct{}{}
		sub := make(map[string]struct{}, len(b.Steps))
		for i := range b.Steps {
			bs := &b.Steps[i]
			if _, dup := sub[bs.Name]; dup || bs.Name == "" {
				return fmt.Errorf("%w: branch %q of step %q has a missing or duplicate sub-step name %q", ErrValidation, b.Name, s.Name, bs.Name)
			}
			sub[bs.Name] = struct{}{}
			if !bs.IsLeaf() {
				return fmt.Errorf("%w: sub-step %q of branch %q cannot branch, jump or pause", ErrValidation, bs.Name, b.Name)
			}
		}
	}
	return nil
}
