package stepflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

func newTestContext(ctx context.Context) *api.ExecutionContext {
	return api.NewExecutionContext(ctx, api.FlowInfo{FlowID: "f-1", FlowType: "t"}, "step", nil, nil, nil)
}

// Ensure non-positive maxAttempts is normalized to 1.
func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	p := Retry(0).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(0), got %d", p.MaxAttempts)
	}

	p = Retry(-5).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(-5), got %d", p.MaxAttempts)
	}
}

// Ensure WithExponentialBackoff wires fields correctly and default multiplier is applied.
func TestRetry_WithExponentialBackoff_UsesDefaults(t *testing.T) {
	initial := 100 * time.Millisecond
	maxBackoff := 2 * time.Second

	p := Retry(3).
		WithExponentialBackoff(initial, 0, maxBackoff).
		Policy()

	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff != initial || p.MaxBackoff != maxBackoff {
		t.Fatalf("unexpected backoff bounds: %+v", p)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected BackoffMultiplier=2.0 (default), got %v", p.BackoffMultiplier)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := Retry(5).WithExponentialBackoff(10*time.Millisecond, 3, 50*time.Millisecond).Policy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 10 * time.Millisecond},
		{2, 30 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{4, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	c := Retry(3).WithConstantBackoff(5 * time.Millisecond).Policy()
	if c.Delay(1) != 5*time.Millisecond || c.Delay(3) != 5*time.Millisecond {
		t.Fatalf("expected constant delay, got %v and %v", c.Delay(1), c.Delay(3))
	}

	if d := Retry(3).Immediate().Policy().Delay(2); d != 0 {
		t.Fatalf("expected no delay for Immediate, got %v", d)
	}
}

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	fn := WithRetry(func(*api.ExecutionContext) (*api.StepResult, error) {
		calls++
		switch calls {
		case 1:
			return nil, errors.New("transient")
		case 2:
			return api.Failed("not yet"), nil
		}
		return api.Succeeded(map[string]any{"ok": true}), nil
	}, Retry(3).Immediate().Policy())

	res, err := fn(newTestContext(context.Background()))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || res.Data["ok"] != true {
		t.Fatalf("unexpected outcome: calls=%d res=%+v", calls, res)
	}
}

func TestWithRetry_ReturnsLastFailure(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	fn := WithRetry(func(*api.ExecutionContext) (*api.StepResult, error) {
		calls++
		return nil, boom
	}, Retry(2).WithConstantBackoff(time.Millisecond).Policy())

	if _, err := fn(newTestContext(context.Background())); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWithRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fn := WithRetry(func(*api.ExecutionContext) (*api.StepResult, error) {
		calls++
		cancel()
		return nil, errors.New("fail")
	}, Retry(5).WithConstantBackoff(time.Hour).Policy())

	if _, err := fn(newTestContext(ctx)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
