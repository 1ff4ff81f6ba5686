package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestSequentialFlowCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "three-steps",
		Steps: []api.StepDefinition{
			setStep("a", "a", 1),
			setStep("b", "b", 2),
			setStep("c", "c", 3),
		},
	})

	res, err := env.svc.Start(ctx, "three-steps", map[string]any{"seed": "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != api.FlowCompleted || !res.Success {
		t.Fatalf("expected completed result, got %+v", res)
	}

	st, err := env.svc.Status(ctx, res.FlowID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.CurrentStepIndex != 2 {
		t.Fatalf("expected CurrentStepIndex 2, got %d", st.CurrentStepIndex)
	}
	if st.Data["a"] != float64(1) || st.Data["c"] != float64(3) || st.Data["seed"] != "x" {
		t.Fatalf("unexpected data: %v", st.Data)
	}
	if st.StartedAt == nil || st.CompletedAt == nil {
		t.Fatalf("expected start and completion times")
	}

	// One snapshot per step, each taken after the step settled.
	saves := env.store.savesOf(res.FlowID)
	for i, name := range []string{"a", "b", "c"} {
		found := false
		for _, s := range saves {
			if s.Steps[i].Status != api.StepCompleted {
				continue
			}
			if i+1 < len(s.Steps) && s.Steps[i+1].Status != api.StepPending {
				continue
			}
			found = true
			break
		}
		if !found {
			t.Fatalf("no snapshot after step %q", name)
		}
	}
	if last := saves[len(saves)-1]; last.Status != api.FlowCompleted {
		t.Fatalf("expected last snapshot COMPLETED, got %s", last.Status)
	}
}

func TestPauseConditionParksFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, approvalDefinition(nil))

	res, err := env.svc.Start(ctx, "approval", map[string]any{"amount": 500})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != api.FlowPaused || res.Success {
		t.Fatalf("expected paused result, got %+v", res)
	}

	st, _ := env.svc.Status(ctx, res.FlowID)
	if st.Status != api.FlowPaused {
		t.Fatalf("expected PAUSED, got %s", st.Status)
	}
	if got := stepStatus(st, "approve"); got != api.StepPaused {
		t.Fatalf("expected approve PAUSED, got %s", got)
	}
	if got := stepStatus(st, "notify"); got != api.StepPending {
		t.Fatalf("expected notify PENDING, got %s", got)
	}
	if st.CurrentStepIndex != 1 {
		t.Fatalf("expected CurrentStepIndex 1, got %d", st.CurrentStepIndex)
	}
	if st.PauseReason != "approval" || st.PauseMessage != "needs manager approval" || st.PausedAt == nil {
		t.Fatalf("pause fields not populated: %+v", st)
	}
	if st.PauseData["level"] != "manager" {
		t.Fatalf("expected pause data, got %v", st.PauseData)
	}
	if st.ActiveResumeConfig == nil || st.ActiveResumeConfig.EventName != "manager.approved" {
		t.Fatalf("expected resume config from condition, got %+v", st.ActiveResumeConfig)
	}
	if !hasEvent(st, api.EventFlowPaused) {
		t.Fatalf("expected a paused event")
	}
	statuses := env.notifier.statusList()
	if statuses[len(statuses)-1] != api.FlowPaused {
		t.Fatalf("expected last notification PAUSED, got %v", statuses)
	}
}

// approvalDefinition pauses at "approve" until the data says approved.
func approvalDefinition(approveCalls *atomic.Int32) *api.FlowDefinition {
	return &api.FlowDefinition{
		Type: "approval",
		Steps: []api.StepDefinition{
			setStep("submit", "submitted", true),
			{
				Name: "approve",
				PauseCondition: func(ec *api.ExecutionContext) *api.PauseCondition {
					if ec.GetString("approved") == "yes" {
						return nil
					}
					return &api.PauseCondition{
						Reason:       "approval",
						Message:      "needs manager approval",
						Data:         map[string]any{"level": "manager"},
						ResumeConfig: &api.ResumeConfig{EventName: "manager.approved"},
					}
				},
				Body: func(ec *api.ExecutionContext) (*api.StepResult, error) {
					if approveCalls != nil {
						approveCalls.Add(1)
					}
					return api.Succeeded(map[string]any{"approvedBy": ec.GetString("manager")}), nil
				},
			},
			setStep("notify", "notified", true),
		},
	}
}

func TestStepFailureFailsFlow(t *testing.T) {
	ctx := context.Background()
	declined := errors.New("card declined")
	var shipped atomic.Bool

	env := newTestEnv(t, &api.FlowDefinition{
		Type: "checkout",
		Steps: []api.StepDefinition{
			{
				Name: "charge",
				Body: func(*api.ExecutionContext) (*api.StepResult, error) { return nil, declined },
			},
			{
				Name: "ship",
				Body: func(*api.ExecutionContext) (*api.StepResult, error) {
					shipped.Store(true)
					return api.Succeeded(nil), nil
				},
			},
		},
	})

	res, err := env.svc.Start(ctx, "checkout", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, api.ErrExecution) || !errors.Is(err, declined) {
		t.Fatalf("expected ErrExecution wrapping the cause, got %v", err)
	}
	if res.Status != api.FlowFailed || res.Success {
		t.Fatalf("expected failed result, got %+v", res)
	}

	st, _ := env.svc.Status(ctx, res.FlowID)
	if !strings.Contains(st.LastError, "card declined") {
		t.Fatalf("expected LastError to mention the cause, got %q", st.LastError)
	}
	if got := stepStatus(st, "charge"); got != api.StepFailed {
		t.Fatalf("expected charge FAILED, got %s", got)
	}
	if got := stepStatus(st, "ship"); got != api.StepPending {
		t.Fatalf("expected ship PENDING, got %s", got)
	}
	if shipped.Load() {
		t.Fatalf("ship must not run after a failed step")
	}
	if !hasEvent(st, api.EventFlowFailed) {
		t.Fatalf("expected a failed event")
	}
	if len(env.notifier.errs) != 1 {
		t.Fatalf("expected one error notification, got %d", len(env.notifier.errs))
	}
}

func TestAllowFailureContinues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "best-effort",
		Steps: []api.StepDefinition{
			{
				Name:         "optional",
				AllowFailure: true,
				Body: func(*api.ExecutionContext) (*api.StepResult, error) {
					return api.Failed("service unavailable"), nil
				},
			},
			setStep("required", "done", true),
		},
	})

	res, err := env.svc.Start(ctx, "best-effort", nil)
	require.NoError(t, err)
	require.Equal(t, api.FlowCompleted, res.Status)

	st, _ := env.svc.Status(ctx, res.FlowID)
	require.Equal(t, api.StepFailed, stepStatus(st, "optional"))
	require.Equal(t, "service unavailable", st.Steps[0].Error)
	require.Equal(t, api.StepCompleted, stepStatus(st, "required"))
}

func TestConditionSkipsStep(t *testing.T) {
	ctx := context.Background()
	var ran atomic.Bool
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "conditional",
		Steps: []api.StepDefinition{
			{
				Name:      "vip-only",
				Condition: func(ec *api.ExecutionContext) bool { return ec.GetString("tier") == "vip" },
				Body: func(*api.ExecutionContext) (*api.StepResult, error) {
					ran.Store(true)
					return api.Succeeded(nil), nil
				},
			},
			setStep("all", "done", true),
		},
	})

	res, err := env.svc.Start(ctx, "conditional", map[string]any{"tier": "basic"})
	require.NoError(t, err)
	require.Equal(t, api.FlowCompleted, res.Status)
	require.False(t, ran.Load())

	st, _ := env.svc.Status(ctx, res.FlowID)
	require.Equal(t, api.StepSkipped, stepStatus(st, "vip-only"))
}

func TestDataDependencies(t *testing.T) {
	def := &api.FlowDefinition{
		Type: "priced",
		Steps: []api.StepDefinition{{
			Name:             "quote",
			DataDependencies: []api.DataDependency{{Key: "amount", Type: api.TypeNumber}},
			Body: func(ec *api.ExecutionContext) (*api.StepResult, error) {
				amount, _ := ec.GetFloat("amount")
				return api.Succeeded(map[string]any{"total": amount * 2}), nil
			},
		}},
	}

	tests := map[string]struct {
		data    map[string]any
		wantErr bool
	}{
		"present":  {data: map[string]any{"amount": 21}},
		"missing":  {data: map[string]any{}, wantErr: true},
		"mismatch": {data: map[string]any{"amount": "ten"}, wantErr: true},
	}

	env := newTestEnv(t, def)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := env.svc.Start(context.Background(), "priced", tc.data)
			if !tc.wantErr {
				require.NoError(t, err)
				require.Equal(t, float64(42), res.Data["total"])
				return
			}
			require.ErrorIs(t, err, api.ErrValidation)
			require.Equal(t, api.FlowFailed, res.Status)
		})
	}
}

func TestPanicIsRecoveredWithStack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "panicky",
		Steps: []api.StepDefinition{{
			Name: "boom",
			Body: func(*api.ExecutionContext) (*api.StepResult, error) { panic("kaboom") },
		}},
	})

	res, err := env.svc.Start(ctx, "panicky", nil)
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a PanicError, got %v", err)
	}
	if res.Status != api.FlowFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}

	st, _ := env.svc.Status(ctx, res.FlowID)
	ev := st.Events[len(st.Events)-1]
	if ev.Type != api.EventFlowFailed {
		t.Fatalf("expected last event %s, got %s", api.EventFlowFailed, ev.Type)
	}
	stack, _ := ev.Data["stack"].(string)
	if !strings.Contains(stack, "goroutine") {
		t.Fatalf("expected a stack trace in the failed event, got %q", stack)
	}
}

func TestJumpLimitFailsAndResetsCounter(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "spin",
		Steps: []api.StepDefinition{{
			Name:     "poll",
			JumpTo:   "poll",
			MaxJumps: 3,
			Body: func(*api.ExecutionContext) (*api.StepResult, error) {
				calls.Add(1)
				return api.Succeeded(nil), nil
			},
		}},
	})

	res, err := env.svc.Start(ctx, "spin", nil)
	if !errors.Is(err, api.ErrJumpLimitExceeded) {
		t.Fatalf("expected ErrJumpLimitExceeded, got %v", err)
	}
	if res.Status != api.FlowFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 attempts (3 jumps + 1), got %d", got)
	}

	st, _ := env.svc.Status(ctx, res.FlowID)
	if st.Steps[0].CurrentJumps != 0 {
		t.Fatalf("expected the jump counter to reset, got %d", st.Steps[0].CurrentJumps)
	}
	if st.Steps[0].Status != api.StepFailed {
		t.Fatalf("expected poll FAILED, got %s", st.Steps[0].Status)
	}
}

func TestConditionalLoopRunsUntilConditionFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &api.FlowDefinition{
		Type: "counter",
		Steps: []api.StepDefinition{
			{
				Name: "inc",
				Body: func(ec *api.ExecutionContext) (*api.StepResult, error) {
					n, _ := ec.GetFloat("count")
					return api.Succeeded(map[string]any{"count": n + 1}), nil
				},
			},
			{
				Name: "again",
				Condition: func(ec *api.ExecutionContext) bool {
					n, _ := ec.GetFloat("count")
					return n < 3
				},
				JumpTo:   "inc",
				MaxJumps: 5,
			},
			setStep("done", "finished", true),
		},
	})

	res, err := env.svc.Start(ctx, "counter", nil)
	require.NoError(t, err)
	require.Equal(t, api.FlowCompleted, res.Status)
	require.Equal(t, float64(3), res.Data["count"])

	st, _ := env.svc.Status(ctx, res.FlowID)
	require.Equal(t, 2, st.Steps[1].CurrentJumps)
	require.Equal(t, api.StepSkipped, st.Steps[1].Status)
	require.Equal(t, api.StepCompleted, st.Steps[2].Status)
}

func TestCancelStopsBeforeNextStep(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	env := newTestEnv(t, &api.FlowDefinition{
		Type: "slow",
		Steps: []api.StepDefinition{
			{
				Name: "wait",
				Body: func(*api.ExecutionContext) (*api.StepResult, error) {
					close(started)
					<-release
					return api.Succeeded(nil), nil
				},
			},
			{
				Name: "after",
				Body: func(*api.ExecutionContext) (*api.StepResult, error) {
					secondRan.Store(true)
					return api.Succeeded(nil), nil
				},
			},
		},
	})

	type outcome struct {
		res api.FlowResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.svc.Start(ctx, "slow", nil, WithFlowID("slow-1"))
		done <- outcome{res, err}
	}()

	<-started
	f, err := env.svc.GetFlowByID(ctx, "slow-1")
	require.NoError(t, err)
	f.RequestCancel()
	close(release)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, api.FlowCancelled, out.res.Status)
	require.False(t, secondRan.Load())

	// The in-flight step finished normally.
	st, _ := env.svc.Status(ctx, "slow-1")
	require.Equal(t, api.StepCompleted, stepStatus(st, "wait"))
	require.True(t, hasEvent(st, api.EventFlowCancelled))

	require.NoError(t, env.svc.Cancel(ctx, "slow-1", "again"))
}

func TestServiceScopeIsFreshPerCall(t *testing.T) {
	ctx := context.Background()
	var opened, closed atomic.Int32
	provider := api.ServiceProviderFunc(func(context.Context) (api.ServiceScope, error) {
		opened.Add(1)
		return &countingScope{closed: &closed, handles: map[string]any{"tax": 0.2}}, nil
	})

	svc := NewService(Config{Services: provider})
	require.NoError(t, svc.Registry().RegisterDefinition(&api.FlowDefinition{
		Type: "taxed",
		Steps: []api.StepDefinition{{
			Name: "tax",
			Body: func(ec *api.ExecutionContext) (*api.StepResult, error) {
				rate, ok := ec.Service("tax")
				if !ok {
					return api.Failed("no tax service"), nil
				}
				return api.Succeeded(map[string]any{"rate": rate}), nil
			},
		}},
	}))

	for i := 0; i < 2; i++ {
		res, err := svc.Start(ctx, "taxed", nil)
		require.NoError(t, err)
		require.Equal(t, 0.2, res.Data["rate"])
	}
	require.Equal(t, int32(2), opened.Load())
	require.Equal(t, int32(2), closed.Load())
}

type countingScope struct {
	closed  *atomic.Int32
	handles map[string]any
}

func (s *countingScope) Get(name string) (any, bool) {
	v, ok := s.handles[name]
	return v, ok
}

func (s *countingScope) Close() error {
	s.closed.Add(1)
	return nil
}
