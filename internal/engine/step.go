package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/internal/idempotency"
	"github.com/petrijr/stepflow/pkg/api"
)

type stepOutcome struct {
	next   int
	paused bool
}

// executeStep runs one step (or branch sub-step) through its state
// machine. Any error leaves the record Failed.
func (e *Executor) executeStep(ctx context.Context, f *Flow, scope api.ServiceScope, ref stepRef, sd *api.StepDefinition, guard *writeGuard) (out stepOutcome, err error) {
	out.next = ref.top + 1
	ec := f.execContext(ctx, scope, sd.Name, e.logger)
	logger := ec.Logger()

	defer func() {
		if r := recover(); r != nil {
			err = api.NewStepError(api.ErrExecution, f.ID(), sd.Name, newPanicError(r))
		}
		if err != nil {
			msg := err.Error()
			f.updateStep(ref, func(rec *api.StepState) {
				now := time.Now().UTC()
				rec.Status = api.StepFailed
				rec.Error = msg
				rec.CompletedAt = &now
			})
		}
	}()

	if sd.Condition != nil && !sd.Condition(ec) {
		f.updateStep(ref, func(rec *api.StepState) {
			now := time.Now().UTC()
			rec.Status = api.StepSkipped
			rec.CompletedAt = &now
		})
		logger.Debug("step_skipped")
		return out, nil
	}

	if err := checkDependencies(sd, ec.Data()); err != nil {
		return out, api.NewStepError(api.ErrValidation, f.ID(), sd.Name, err)
	}

	f.updateStep(ref, func(rec *api.StepState) {
		rec.Status = api.StepInProgress
		rec.Error = ""
		if rec.StartedAt == nil {
			now := time.Now().UTC()
			rec.StartedAt = &now
		}
	})

	if ref.isTop() && sd.PauseCondition != nil && !f.stepRecord(ref).PauseCleared {
		if cond := sd.PauseCondition(ec); cond != nil {
			f.enterPause(ref.top, cond, f.resolveResumeConfig(sd, cond), false)
			out.paused = true
			return out, nil
		}
	}

	var key string
	if sd.IsIdempotent {
		key = e.idempotencyKey(ec, sd)
		if res, hit := e.lookup(ctx, key, logger); hit {
			if err := f.applyResult(ref, sd.Name, res, guard); err != nil {
				return out, api.NewStepError(api.ErrConcurrencyConflict, f.ID(), sd.Name, err)
			}
			f.mutate(func(st *api.FlowState) {
				appendEvent(st, api.EventStepReplayed, sd.Name, "", map[string]any{"key": key})
			})
			markCompleted(f, ref)
			logger.Info("step_replayed")
			return out, nil
		}
	}

	if sd.Body != nil {
		res, err := callBody(sd.Body, ec)
		if err == nil {
			res, err = checkResult(res)
		}
		if err != nil {
			if !sd.AllowFailure {
				return out, api.NewStepError(api.ErrExecution, f.ID(), sd.Name, err)
			}
			f.updateStep(ref, func(rec *api.StepState) {
				now := time.Now().UTC()
				rec.Status = api.StepFailed
				rec.Error = err.Error()
				rec.Result = res.Clone()
				rec.CompletedAt = &now
			})
			logger.Warn("step_failed_allowed", slog.Any("error", err))
			return out, nil
		}
		if err := f.applyResult(ref, sd.Name, res, guard); err != nil {
			return out, api.NewStepError(api.ErrConcurrencyConflict, f.ID(), sd.Name, err)
		}
		if sd.IsIdempotent {
			if err := e.cache.Put(ctx, key, res, e.cacheTTL); err != nil {
				logger.Warn("idempotency_store_failed", slog.Any("error", err))
			}
		}
	}

	if ref.isTop() && len(sd.Branches) > 0 {
		if err := e.runStaticBranches(ctx, f, scope, ref, sd, ec); err != nil {
			return out, err
		}
	}

	if ref.isTop() && sd.DynamicBranching != nil {
		if err := e.runDynamicBranch(ctx, f, scope, ref, sd, ec); err != nil {
			return out, err
		}
	}

	if len(sd.TriggeredFlows) > 0 {
		e.launchTriggered(ctx, f, sd, ec.WithData(f.dataSnapshot()), logger)
	}

	if ref.isTop() && sd.JumpTo != "" {
		target, err := e.jump(f, ref, sd)
		if err != nil {
			return out, err
		}
		out.next = target
		return out, nil
	}

	markCompleted(f, ref)
	return out, nil
}

func markCompleted(f *Flow, ref stepRef) {
	f.updateStep(ref, func(rec *api.StepState) {
		if rec.Status != api.StepInProgress {
			return
		}
		now := time.Now().UTC()
		rec.Status = api.StepCompleted
		rec.CompletedAt = &now
	})
}

func checkDependencies(sd *api.StepDefinition, data map[string]any) error {
	for _, dep := range sd.DataDependencies {
		v, ok := data[dep.Key]
		if !ok {
			return fmt.Errorf("missing data %q", dep.Key)
		}
		if !dep.Type.Matches(v) {
			return fmt.Errorf("data %q is not of type %s", dep.Key, dep.Type)
		}
	}
	return nil
}

func callBody(body api.StepFunc, ec *api.ExecutionContext) (res *api.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, newPanicError(r)
		}
	}()
	return body(ec)
}

// checkResult rejects missing and unsuccessful results and normalizes the
// result data to its JSON shape.
func checkResult(res *api.StepResult) (*api.StepResult, error) {
	if res == nil {
		return nil, errors.New("step returned no result")
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "step reported failure"
		}
		return res, errors.New(msg)
	}
	data, err := api.NormalizeData(res.Data)
	if err != nil {
		return res, err
	}
	out := *res
	out.Data = data
	return &out, nil
}

func (e *Executor) idempotencyKey(ec *api.ExecutionContext, sd *api.StepDefinition) string {
	deps := make(map[string]any, len(sd.DataDependencies))
	for _, dep := range sd.DataDependencies {
		deps[dep.Key] = ec.Data()[dep.Key]
	}
	key, degraded := idempotency.Key(ec.FlowID(), sd.Name, ec.UserID(), deps)
	if degraded {
		ec.Logger().Warn("idempotency_key_degraded", slog.String("key", key))
	}
	return key
}

func (e *Executor) lookup(ctx context.Context, key string, logger *slog.Logger) (*api.StepResult, bool) {
	res, hit, err := e.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("idempotency_lookup_failed", slog.Any("error", err))
		return nil, false
	}
	if !hit || res == nil {
		return nil, false
	}
	return res, true
}

// runStaticBranches runs the first branch whose condition holds or that is
// the default. A branch chosen by an earlier attempt stays chosen.
func (e *Executor) runStaticBranches(ctx context.Context, f *Flow, scope api.ServiceScope, ref stepRef, sd *api.StepDefinition, ec *api.ExecutionContext) error {
	ec = ec.WithData(f.dataSnapshot())

	chosen := -1
	rec := f.stepRecord(ref)
	for i := range sd.Branches {
		if rec.Branches[i].Selected {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		for i := range sd.Branches {
			b := &sd.Branches[i]
			if b.IsDefault || (b.Condition != nil && b.Condition(ec)) {
				chosen = i
				break
			}
		}
	}
	if chosen < 0 {
		ec.Logger().Debug("no_branch_matched")
		return nil
	}

	f.updateStep(ref, func(rec *api.StepState) {
		for i := range sd.Branches {
			b := &rec.Branches[i]
			b.Selected = i == chosen
			if b.Selected {
				continue
			}
			for k := range b.Steps {
				if b.Steps[k].Status == api.StepPending {
					b.Steps[k].Status = api.StepSkipped
				}
			}
		}
	})

	branch := &sd.Branches[chosen]
	for k := range branch.Steps {
		sub := stepRef{top: ref.top, branch: chosen, sub: k}
		if f.stepRecord(sub).Status.Done() {
			continue
		}
		_, err := e.executeStep(ctx, f, scope, sub, &branch.Steps[k], nil)
		e.notifyStep(ctx, f, sub)
		if err != nil {
			return err
		}
	}
	return nil
}

// runDynamicBranch generates sub-steps from the selected items, records
// them as a branch and runs them with the configured strategy.
func (e *Executor) runDynamicBranch(ctx context.Context, f *Flow, scope api.ServiceScope, ref stepRef, sd *api.StepDefinition, ec *api.ExecutionContext) error {
	cfg := sd.DynamicBranching
	items, err := cfg.Selector(ec.WithData(f.dataSnapshot()))
	if err != nil {
		return api.NewStepError(api.ErrExecution, f.ID(), sd.Name, fmt.Errorf("select items: %w", err))
	}

	name := sd.GeneratedBranchName()
	defs := make([]api.StepDefinition, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		d := cfg.Factory(item, i)
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s[%d]", name, i)
		}
		if _, dup := seen[d.Name]; dup {
			return api.NewStepError(api.ErrValidation, f.ID(), sd.Name, fmt.Errorf("generated sub-step %q is not unique", d.Name))
		}
		seen[d.Name] = struct{}{}
		defs[i] = d
	}

	bi, idx := f.ensureDynamicBranch(ref, name, defs)
	if err := f.Persist(ctx, e.store); err != nil {
		return err
	}

	jobs := make([]subStep, 0, len(defs))
	for i := range defs {
		sub := stepRef{top: ref.top, branch: bi, sub: idx[i]}
		if f.stepRecord(sub).Status.Done() {
			continue
		}
		jobs = append(jobs, subStep{def: &defs[i], ref: sub})
	}
	ec.Logger().Debug("dynamic_branch_started",
		slog.String("branch", name),
		slog.String("strategy", string(cfg.Strategy)),
		slog.Int("sub_steps", len(defs)),
		slog.Int("pending", len(jobs)),
	)
	return e.runStrategy(ctx, f, scope, cfg, jobs)
}

func (e *Executor) launchTriggered(ctx context.Context, f *Flow, sd *api.StepDefinition, ec *api.ExecutionContext, logger *slog.Logger) {
	for _, tf := range sd.TriggeredFlows {
		if e.launcher == nil {
			logger.Warn("trigger_skipped", slog.String("flow_type", tf.FlowType), slog.String("reason", "no launcher"))
			continue
		}
		var data map[string]any
		if tf.Data != nil {
			data = tf.Data(ec)
		}
		childID, err := e.launcher.Launch(ctx, f.Info(), tf.FlowType, data)
		if err != nil {
			logger.Warn("trigger_failed", slog.String("flow_type", tf.FlowType), slog.Any("error", err))
			continue
		}
		f.mutate(func(st *api.FlowState) {
			appendEvent(st, api.EventFlowTriggered, sd.Name, "", map[string]any{
				"flowType": tf.FlowType,
				"flowId":   childID,
			})
		})
	}
}

// jump enforces the step's jump bound and returns the index to continue
// with. Exceeding the bound resets the counter and fails the step.
func (e *Executor) jump(f *Flow, ref stepRef, sd *api.StepDefinition) (int, error) {
	target := f.def.StepIndex(sd.JumpTo)
	if target < 0 {
		return 0, api.NewStepError(api.ErrValidation, f.ID(), sd.Name, fmt.Errorf("unknown jump target %q", sd.JumpTo))
	}

	limit := sd.JumpLimit()
	exceeded := false
	f.updateStep(ref, func(rec *api.StepState) {
		if rec.CurrentJumps >= limit {
			rec.CurrentJumps = 0
			exceeded = true
			return
		}
		rec.CurrentJumps++
	})
	if exceeded {
		return 0, api.NewStepError(api.ErrJumpLimitExceeded, f.ID(), sd.Name, fmt.Errorf("more than %d jumps to %q", limit, sd.JumpTo))
	}

	markCompleted(f, ref)
	if target <= ref.top {
		f.resetRange(target, ref.top)
	}
	return target, nil
}
