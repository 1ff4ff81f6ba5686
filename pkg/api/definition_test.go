package api

import (
	"errors"
	"testing"
)

func okStep(name string) StepDefinition {
	return StepDefinition{
		Name: name,
		Body: func(*ExecutionContext) (*StepResult, error) { return Succeeded(nil), nil },
	}
}

func TestFlowDefinition_Validate(t *testing.T) {
	tests := map[string]struct {
		def     FlowDefinition
		wantErr bool
	}{
		"valid": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{okStep("a"), okStep("b")}},
		},
		"missing type": {
			def:     FlowDefinition{Steps: []StepDefinition{okStep("a")}},
			wantErr: true,
		},
		"no steps": {
			def:     FlowDefinition{Type: "order"},
			wantErr: true,
		},
		"duplicate step": {
			def:     FlowDefinition{Type: "order", Steps: []StepDefinition{okStep("a"), okStep("a")}},
			wantErr: true,
		},
		"unknown jump target": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{
				{Name: "a", JumpTo: "nope", MaxJumps: 1},
			}},
			wantErr: true,
		},
		"backward jump": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{
				okStep("a"),
				{Name: "b", JumpTo: "a", MaxJumps: 2},
			}},
		},
		"duplicate branch": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{
				{Name: "a", Branches: []BranchDefinition{{Name: "x"}, {Name: "x"}}},
			}},
			wantErr: true,
		},
		"jumping sub-step": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{
				{Name: "a", Branches: []BranchDefinition{{Name: "x", IsDefault: true, Steps: []StepDefinition{
					{Name: "x1", JumpTo: "a"},
				}}}},
			}},
			wantErr: true,
		},
		"dynamic without factory": {
			def: FlowDefinition{Type: "order", Steps: []StepDefinition{
				{Name: "a", DynamicBranching: &DynamicBranchingConfig{Selector: SelectItems("items")}},
			}},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStepDefinition_GeneratedBranchName(t *testing.T) {
	s := StepDefinition{Name: "fanout", DynamicBranching: &DynamicBranchingConfig{}}
	if got := s.GeneratedBranchName(); got != "fanout:dynamic" {
		t.Fatalf("got %q", got)
	}
	s.DynamicBranching.BranchName = "items"
	if got := s.GeneratedBranchName(); got != "items" {
		t.Fatalf("got %q", got)
	}
	if got := (&StepDefinition{Name: "plain"}).GeneratedBranchName(); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}

func TestStepError_UnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("db down")
	err := error(NewStepError(ErrExecution, "f1", "charge", cause))

	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != "charge" {
		t.Fatalf("expected *StepError with step, got %v", err)
	}
}
