package stepflow

import (
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// DefinitionBuilder provides a fluent API for defining flow types:
//
//	def := stepflow.NewDefinition("onboarding").
//	    Step("createAccount", createAccount).
//	    Step("approve", approve, stepflow.PauseWhen(needsApproval)).
//	    Step("sendWelcome", sendWelcome, stepflow.AllowFailure())
//
//	if err := def.Register(svc.Registry()); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := svc.Start(ctx, def.Type(), input)
type DefinitionBuilder struct {
	def api.FlowDefinition
}

// StepOption customizes a step appended by DefinitionBuilder.Step.
type StepOption func(*api.StepDefinition)

// NewDefinition creates a new builder for flowType.
func NewDefinition(flowType string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: api.FlowDefinition{
			Type:  flowType,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// Type returns the flow type.
func (b *DefinitionBuilder) Type() string {
	return b.def.Type
}

// Describe sets the human readable description.
func (b *DefinitionBuilder) Describe(text string) *DefinitionBuilder {
	b.def.Description = text
	return b
}

// ResumeWith sets the flow-level default resume configuration.
func (b *DefinitionBuilder) ResumeWith(cfg ResumeConfig) *DefinitionBuilder {
	c := cfg
	b.def.ResumeConfig = &c
	return b
}

// Step appends a step running fn.
func (b *DefinitionBuilder) Step(name string, fn StepFunc, opts ...StepOption) *DefinitionBuilder {
	if name == "" {
		panic("stepflow: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("stepflow: step %q has nil function", name))
	}
	return b.add(api.StepDefinition{Name: name, Body: fn}, opts)
}

// StepWithRetry appends a step whose body is retried in place according to
// retry before the step is considered failed.
func (b *DefinitionBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy, opts ...StepOption) *DefinitionBuilder {
	if fn == nil {
		panic(fmt.Sprintf("stepflow: step %q has nil function", name))
	}
	return b.Step(name, WithRetry(fn, retry), opts...)
}

// Branch appends a step that runs the first branch whose condition holds,
// or the default branch.
func (b *DefinitionBuilder) Branch(name string, branches ...BranchDef) *DefinitionBuilder {
	if name == "" {
		panic("stepflow: step name must not be empty")
	}
	return b.add(api.StepDefinition{Name: name, Branches: branches}, nil)
}

// FanOut appends a step that generates one sub-step per selected item and
// runs them with cfg.Strategy.
func (b *DefinitionBuilder) FanOut(name string, cfg DynamicConfig, opts ...StepOption) *DefinitionBuilder {
	if name == "" {
		panic("stepflow: step name must not be empty")
	}
	c := cfg
	return b.add(api.StepDefinition{Name: name, DynamicBranching: &c}, opts)
}

func (b *DefinitionBuilder) add(step api.StepDefinition, opts []StepOption) *DefinitionBuilder {
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Build validates and returns a copy of the definition.
func (b *DefinitionBuilder) Build() (*FlowDefinition, error) {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Register registers the built definition with reg.
func (b *DefinitionBuilder) Register(reg *Registry) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return reg.RegisterDefinition(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *DefinitionBuilder) MustRegister(reg *Registry) {
	if err := b.Register(reg); err != nil {
		panic(err)
	}
}

// When runs the step only if cond holds; otherwise it is skipped.
func When(cond ConditionFunc) StepOption {
	return func(s *api.StepDefinition) { s.Condition = cond }
}

// Requires declares that key must be present in the flow data with type t.
func Requires(key string, t DataType) StepOption {
	return func(s *api.StepDefinition) {
		s.DataDependencies = append(s.DataDependencies, api.DataDependency{Key: key, Type: t})
	}
}

// Idempotent caches the step result keyed by its data dependencies.
func Idempotent() StepOption {
	return func(s *api.StepDefinition) { s.IsIdempotent = true }
}

// AllowFailure lets the flow continue when the step fails.
func AllowFailure() StepOption {
	return func(s *api.StepDefinition) { s.AllowFailure = true }
}

// JumpTo continues at step after this one succeeds, at most maxJumps times.
func JumpTo(step string, maxJumps int) StepOption {
	return func(s *api.StepDefinition) {
		s.JumpTo = step
		s.MaxJumps = maxJumps
	}
}

// PauseWhen parks the flow before the step body whenever fn returns a
// condition.
func PauseWhen(fn PauseFunc) StepOption {
	return func(s *api.StepDefinition) { s.PauseCondition = fn }
}

// ResumeVia sets the step-level resume configuration.
func ResumeVia(cfg ResumeConfig) StepOption {
	return func(s *api.StepDefinition) {
		c := cfg
		s.ResumeConfig = &c
	}
}

// Triggers fires a flowType child flow after the step succeeds. data may be
// nil, in which case the child starts with a copy of the flow data.
func Triggers(flowType string, data func(ec *ExecutionContext) map[string]any) StepOption {
	return func(s *api.StepDefinition) {
		s.TriggeredFlows = append(s.TriggeredFlows, api.TriggeredFlow{FlowType: flowType, Data: data})
	}
}

// Prioritized sets the priority and resource read by the PriorityBased and
// RoundRobin strategies on generated sub-steps.
func Prioritized(priority int, resource string) StepOption {
	return func(s *api.StepDefinition) {
		s.Priority = priority
		s.Resource = resource
	}
}
