package stepflow

import (
	"log/slog"
	"math"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RetryPolicy controls in-place retries of a step body. The flow only sees
// the outcome of the last attempt.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// RetryBuilder assembles a RetryPolicy for DefinitionBuilder.StepWithRetry.
// Its methods return modified copies.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts calls of the body in total.
// Values below 1 mean a single call.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// wait by multiplier (2 when not positive) up to limit. A non-positive limit
// leaves the wait uncapped.
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff, r.policy.MaxBackoff, r.policy.BackoffMultiplier = initial, limit, multiplier
	return r
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff, r.policy.MaxBackoff, r.policy.BackoffMultiplier = delay, 0, 1
	return r
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff, r.policy.MaxBackoff, r.policy.BackoffMultiplier = 0, 0, 0
	return r
}

func (r RetryBuilder) Policy() RetryPolicy { return r.policy }

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// WithRetry wraps fn so that a failing attempt is retried according to
// policy. A result with Success=false counts as a failure. Retries stop
// early when the step's context is done.
func WithRetry(fn StepFunc, policy RetryPolicy) StepFunc {
	attempts := max(policy.MaxAttempts, 1)
	return func(ec *api.ExecutionContext) (*api.StepResult, error) {
		var (
			res *api.StepResult
			err error
		)
		for attempt := 1; ; attempt++ {
			res, err = fn(ec)
			if err == nil && res != nil && res.Success {
				return res, nil
			}
			if attempt >= attempts {
				return res, err
			}

			ec.Logger().Warn("step_retry",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)

			delay := policy.Delay(attempt)
			if delay <= 0 {
				if ctxErr := ec.Context().Err(); ctxErr != nil {
					return res, ctxErr
				}
				continue
			}
			t := time.NewTimer(delay)
			select {
			case <-ec.Context().Done():
				t.Stop()
				return res, ec.Context().Err()
			case <-t.C:
			}
		}
	}
}
