package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SetData returns a step that writes values into the flow data.
func SetData(values map[string]any) StepFunc {
	return func(*api.ExecutionContext) (*api.StepResult, error) {
		return api.Succeeded(api.CloneData(values)), nil
	}
}

// SleepStep returns a step that waits for d or until the flow is
// cancelled.
func SleepStep(d time.Duration) StepFunc {
	return func(ec *api.ExecutionContext) (*api.StepResult, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ec.Context().Done():
			return nil, ec.Context().Err()
		case <-t.C:
			return api.Succeeded(nil), nil
		}
	}
}

// TypedStep wraps a strongly-typed function into a StepFunc. The flow data
// is decoded into I and the returned O, which must encode as a JSON
// object, is merged back into the flow data.
//
//	stepflow.TypedStep(func(ctx context.Context, in Order) (Shipment, error) { ... })
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return func(ec *api.ExecutionContext) (*api.StepResult, error) {
		var in I
		raw, err := json.Marshal(ec.Data())
		if err != nil {
			return nil, fmt.Errorf("encode step input: %w", err)
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode step input: %w", err)
		}

		out, err := fn(ec.Context(), in)
		if err != nil {
			return nil, err
		}

		data, err := api.NormalizeData(out)
		if err != nil {
			return nil, err
		}
		return api.Succeeded(data), nil
	}
}
