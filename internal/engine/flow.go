package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// StartOption customizes the identity of a new flow.
type StartOption func(*startOptions)

type startOptions struct {
	flowID        string
	userID        string
	correlationID string
	parentFlowID  string
	startTaskID   string
}

func collectOptions(opts []StartOption) startOptions {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithFlowID uses id instead of a generated one.
func WithFlowID(id string) StartOption {
	return func(o *startOptions) { o.flowID = id }
}

// WithUserID records the user the flow runs for. The user id is part of
// every idempotency key.
func WithUserID(id string) StartOption {
	return func(o *startOptions) { o.userID = id }
}

// WithCorrelationID sets the correlation id. It defaults to the flow id.
func WithCorrelationID(id string) StartOption {
	return func(o *startOptions) { o.correlationID = id }
}

// WithParentFlow marks the flow as started by another flow.
func WithParentFlow(id string) StartOption {
	return func(o *startOptions) { o.parentFlowID = id }
}

func withStartTask(id string) StartOption {
	return func(o *startOptions) { o.startTaskID = id }
}

// Flow binds an immutable definition to the runtime state of one instance.
//
// execMu serializes the public operations (execute, resume, retry, pause,
// cancel); a second caller waits. mu guards state and is held only for
// short reads and writes, so concurrent sub-steps and persistence never
// race on the state.
type Flow struct {
	def *api.FlowDefinition

	execMu    sync.Mutex
	persistMu sync.Mutex

	mu    sync.Mutex
	state *api.FlowState

	cancelRequested atomic.Bool
}

// NewFlow resolves a fresh definition for flowType and builds a Ready flow
// carrying data.
func NewFlow(reg *Registry, flowType string, data any, opts ...StartOption) (*Flow, error) {
	def, err := reg.Resolve(flowType)
	if err != nil {
		return nil, err
	}
	initial, err := api.NormalizeData(data)
	if err != nil {
		return nil, err
	}

	o := collectOptions(opts)
	if o.flowID == "" {
		o.flowID = uuid.NewString()
	}
	if o.correlationID == "" {
		o.correlationID = o.flowID
	}

	now := time.Now().UTC()
	st := &api.FlowState{
		FlowID:        o.flowID,
		FlowType:      def.Type,
		CorrelationID: o.correlationID,
		ParentFlowID:  o.parentFlowID,
		UserID:        o.userID,
		StartTaskID:   o.startTaskID,
		Status:        api.FlowReady,
		Data:          initial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	appendEvent(st, api.EventFlowCreated, "", "", nil)

	f := &Flow{def: def, state: st}
	if err := f.Initialize(); err != nil {
		return nil, err
	}
	return f, nil
}

// FromState rebuilds a live flow from a stored document. Step records are
// matched to a fresh definition by name; a paused flow re-evaluates its
// pause condition to recover the active resume configuration.
func FromState(reg *Registry, stored *api.FlowState) (*Flow, error) {
	if stored == nil {
		return nil, fmt.Errorf("%w: nil flow document", api.ErrRestoration)
	}
	def, err := reg.Resolve(stored.FlowType)
	if err != nil {
		return nil, fmt.Errorf("%w: flow %s: %w", api.ErrRestoration, stored.FlowID, err)
	}

	st := stored.Clone()
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	f := &Flow{def: def, state: st}
	if err := f.Initialize(); err != nil {
		return nil, err
	}
	if st.Status == api.FlowPaused {
		f.recoverResumeConfig()
	}
	return f, nil
}

// Initialize builds the step records from the definition when the state
// has none, otherwise it reconciles the existing records with the
// definition. Calling it again is harmless.
func (f *Flow) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.state.Steps) == 0 {
		f.state.Steps = buildRecords(f.def)
		return nil
	}

	recs, err := reconcileRecords(f.def, f.state.Steps)
	if err != nil {
		return fmt.Errorf("flow %s: %w", f.state.FlowID, err)
	}
	f.state.Steps = recs

	switch f.state.Status {
	case api.FlowRunning, api.FlowPaused:
		if f.state.CurrentStepIndex < 0 || f.state.CurrentStepIndex >= len(recs) {
			return fmt.Errorf("%w: flow %s has step index %d out of range", api.ErrRestoration, f.state.FlowID, f.state.CurrentStepIndex)
		}
	}
	return nil
}

func (f *Flow) recoverResumeConfig() {
	f.mu.Lock()
	idx := f.state.CurrentStepIndex
	if f.state.ActiveResumeConfig != nil || idx < 0 || idx >= len(f.def.Steps) {
		f.mu.Unlock()
		return
	}
	sd := &f.def.Steps[idx]
	ec := api.NewExecutionContext(context.Background(), f.infoLocked(), sd.Name, api.CloneData(f.state.Data), nil, nil)
	f.mu.Unlock()

	var cond *api.PauseCondition
	if sd.PauseCondition != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Default().Warn("pause_condition_panic", slog.String("flow_id", f.ID()), slog.Any("panic", r))
					cond = nil
				}
			}()
			cond = sd.PauseCondition(ec)
		}()
	}

	if cfg := f.resolveResumeConfig(sd, cond); cfg != nil {
		f.mutate(func(st *api.FlowState) { st.ActiveResumeConfig = cfg })
	}
}

func (f *Flow) startTaskID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.StartTaskID
}

// Persist writes a snapshot of the state to store and bumps Version.
func (f *Flow) Persist(ctx context.Context, store persistence.FlowStore) error {
	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	f.mu.Lock()
	f.state.Version++
	f.state.UpdatedAt = time.Now().UTC()
	snap := f.state.Clone()
	f.mu.Unlock()

	if err := store.SaveFlow(ctx, snap); err != nil {
		return fmt.Errorf("persist flow %s: %w", snap.FlowID, err)
	}
	return nil
}

// RequestCancel asks a running execution to stop before its next step.
func (f *Flow) RequestCancel() { f.cancelRequested.Store(true) }

// CancelRequested reports whether RequestCancel was called.
func (f *Flow) CancelRequested() bool { return f.cancelRequested.Load() }

// ID returns the flow id. It never changes.
func (f *Flow) ID() string { return f.state.FlowID }

// Definition returns the definition the flow was built from.
func (f *Flow) Definition() *api.FlowDefinition { return f.def }

// Snapshot returns a deep copy of the current state.
func (f *Flow) Snapshot() *api.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *Flow) Status() api.FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Status
}

func (f *Flow) Info() api.FlowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoLocked()
}

func (f *Flow) infoLocked() api.FlowInfo {
	return api.FlowInfo{
		FlowID:        f.state.FlowID,
		FlowType:      f.state.FlowType,
		UserID:        f.state.UserID,
		CorrelationID: f.state.CorrelationID,
		ParentFlowID:  f.state.ParentFlowID,
	}
}

// Result projects the current state into a FlowResult.
func (f *Flow) Result() api.FlowResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.state
	res := api.FlowResult{
		FlowID:  st.FlowID,
		Status:  st.Status,
		Success: st.Status == api.FlowCompleted,
		Data:    api.CloneData(st.Data),
	}
	switch st.Status {
	case api.FlowFailed:
		res.Message = st.LastError
	case api.FlowPaused:
		res.Message = st.PauseReason
	}
	return res
}

func (f *Flow) mutate(fn func(st *api.FlowState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.state)
	f.state.UpdatedAt = time.Now().UTC()
}

func (f *Flow) currentIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.CurrentStepIndex
}

func (f *Flow) setCurrent(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.CurrentStepIndex = idx
}

func (f *Flow) dataSnapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return api.CloneData(f.state.Data)
}

func (f *Flow) execContext(ctx context.Context, scope api.ServiceScope, step string, logger *slog.Logger) *api.ExecutionContext {
	f.mu.Lock()
	info := f.infoLocked()
	data := api.CloneData(f.state.Data)
	f.mu.Unlock()
	return api.NewExecutionContext(ctx, info, step, data, scope, logger)
}

// stepRef locates a runtime record: a top-level step, or a sub-step inside
// one of its branches.
type stepRef struct {
	top    int
	branch int
	sub    int
}

func topRef(i int) stepRef { return stepRef{top: i, branch: -1} }

func (r stepRef) isTop() bool { return r.branch < 0 }

func (f *Flow) recordLocked(ref stepRef) *api.StepState {
	rec := &f.state.Steps[ref.top]
	if ref.isTop() {
		return rec
	}
	return &rec.Branches[ref.branch].Steps[ref.sub]
}

func (f *Flow) stepRecord(ref stepRef) api.StepState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked(ref).Clone()
}

func (f *Flow) updateStep(ref stepRef, fn func(rec *api.StepState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.recordLocked(ref))
	f.state.UpdatedAt = time.Now().UTC()
}

// applyResult merges normalized result data into the flow data and stores
// the result on the record. With a guard, keys already written by another
// sub-step of the same fan-out are rejected before anything is merged.
func (f *Flow) applyResult(ref stepRef, step string, res *api.StepResult, guard *writeGuard) error {
	if guard != nil {
		if err := guard.claim(step, res.Data); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range res.Data {
		f.state.Data[k] = v
	}
	f.recordLocked(ref).Result = res.Clone()
	f.state.UpdatedAt = time.Now().UTC()
	return nil
}

// enterPause parks the flow at step idx. external marks a pause requested
// from outside rather than by the step's PauseCondition.
func (f *Flow) enterPause(idx int, cond *api.PauseCondition, cfg *api.ResumeConfig, external bool) {
	now := time.Now().UTC()
	f.mutate(func(st *api.FlowState) {
		st.CurrentStepIndex = idx
		st.Steps[idx].Status = api.StepPaused
		st.Steps[idx].ExternalPause = external
		st.Status = api.FlowPaused
		st.PausedAt = &now
		st.PauseReason = cond.Reason
		st.PauseMessage = cond.Message
		st.PauseData = api.CloneData(cond.Data)
		st.ActiveResumeConfig = cfg
		appendEvent(st, api.EventFlowPaused, st.Steps[idx].Name, cond.Message, map[string]any{"reason": cond.Reason})
	})
}

// resolveResumeConfig picks the condition's config, then the step's, then
// the definition's.
func (f *Flow) resolveResumeConfig(sd *api.StepDefinition, cond *api.PauseCondition) *api.ResumeConfig {
	switch {
	case cond != nil && cond.ResumeConfig != nil:
		return cond.ResumeConfig.Clone()
	case sd.ResumeConfig != nil:
		return sd.ResumeConfig.Clone()
	default:
		return f.def.ResumeConfig.Clone()
	}
}

// resetRange returns the records of steps from..to to Pending so a
// backward jump re-runs them. Jump counters survive the reset.
func (f *Flow) resetRange(from, to int) {
	f.mutate(func(st *api.FlowState) {
		for i := from; i <= to; i++ {
			jumps := st.Steps[i].CurrentJumps
			st.Steps[i] = freshRecord(&f.def.Steps[i])
			st.Steps[i].CurrentJumps = jumps
		}
	})
}

// ensureDynamicBranch records the generated branch of the step at ref and
// returns its index plus the record index of each generated sub-step.
// Records that already exist (re-entry, restore) are kept.
func (f *Flow) ensureDynamicBranch(ref stepRef, name string, defs []api.StepDefinition) (int, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := f.recordLocked(ref)
	bi := findBranch(rec.Branches, name)
	if bi < 0 {
		rec.Branches = append(rec.Branches, api.BranchState{Name: name, Dynamic: true})
		bi = len(rec.Branches) - 1
	}
	branch := &rec.Branches[bi]
	branch.Selected = true

	idx := make([]int, len(defs))
	for i := range defs {
		k := findStep(branch.Steps, defs[i].Name)
		if k < 0 {
			branch.Steps = append(branch.Steps, api.StepState{Name: defs[i].Name, Status: api.StepPending})
			k = len(branch.Steps) - 1
		}
		idx[i] = k
	}
	f.state.UpdatedAt = time.Now().UTC()
	return bi, idx
}

func appendEvent(st *api.FlowState, typ api.EventType, step, msg string, data map[string]any) {
	st.Events = append(st.Events, api.TimelineEvent{
		Type:    typ,
		At:      time.Now().UTC(),
		Step:    step,
		Message: msg,
		Data:    data,
	})
}

func buildRecords(def *api.FlowDefinition) []api.StepState {
	out := make([]api.StepState, len(def.Steps))
	for i := range def.Steps {
		out[i] = freshRecord(&def.Steps[i])
	}
	return out
}

func freshRecord(sd *api.StepDefinition) api.StepState {
	rec := api.StepState{Name: sd.Name, Status: api.StepPending}
	for _, b := range sd.Branches {
		bs := api.BranchState{Name: b.Name, Steps: make([]api.StepState, len(b.Steps))}
		for i := range b.Steps {
			bs.Steps[i] = api.StepState{Name: b.Steps[i].Name, Status: api.StepPending}
		}
		rec.Branches = append(rec.Branches, bs)
	}
	return rec
}

// reconcileRecords copies stored records onto fresh ones built from def.
// Generated branches are re-added before statuses are copied, so restored
// sub-step statuses have a record to land on.
func reconcileRecords(def *api.FlowDefinition, stored []api.StepState) ([]api.StepState, error) {
	fresh := buildRecords(def)
	for _, s := range stored {
		i := def.StepIndex(s.Name)
		if i < 0 {
			return nil, fmt.Errorf("%w: step %q is not part of flow %q", api.ErrRestoration, s.Name, def.Type)
		}
		sd := &def.Steps[i]
		rec := &fresh[i]

		for _, b := range s.Branches {
			if !b.Dynamic || findBranch(rec.Branches, b.Name) >= 0 {
				continue
			}
			if sd.DynamicBranching == nil {
				return nil, fmt.Errorf("%w: step %q has no dynamic branching for branch %q", api.ErrRestoration, s.Name, b.Name)
			}
			placeholder := api.BranchState{Name: b.Name, Dynamic: true, Steps: make([]api.StepState, len(b.Steps))}
			for k, sub := range b.Steps {
				placeholder.Steps[k] = api.StepState{Name: sub.Name, Status: api.StepPending}
			}
			rec.Branches = append(rec.Branches, placeholder)
		}

		if err := copyRecord(rec, s); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

func copyRecord(dst *api.StepState, src api.StepState) error {
	src = src.Clone()
	dst.Status = src.Status
	dst.Result = src.Result
	dst.CurrentJumps = src.CurrentJumps
	dst.PauseCleared = src.PauseCleared
	dst.ExternalPause = src.ExternalPause
	dst.Error = src.Error
	dst.StartedAt = src.StartedAt
	dst.CompletedAt = src.CompletedAt

	for _, b := range src.Branches {
		j := findBranch(dst.Branches, b.Name)
		if j < 0 {
			return fmt.Errorf("%w: step %q has no branch %q", api.ErrRestoration, dst.Name, b.Name)
		}
		target := &dst.Branches[j]
		target.Selected = b.Selected
		for _, sub := range b.Steps {
			k := findStep(target.Steps, sub.Name)
			if k < 0 {
				return fmt.Errorf("%w: branch %q of step %q has no sub-step %q", api.ErrRestoration, b.Name, dst.Name, sub.Name)
			}
			if err := copyRecord(&target.Steps[k], sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func findBranch(branches []api.BranchState, name string) int {
	for i := range branches {
		if branches[i].Name == name {
			return i
		}
	}
	return -1
}

func findStep(steps []api.StepState, name string) int {
	for i := range steps {
		if steps[i].Name == name {
			return i
		}
	}
	return -1
}
