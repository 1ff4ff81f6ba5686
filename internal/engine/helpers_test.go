package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// recordingStore keeps a copy of every saved document.
type recordingStore struct {
	*persistence.InMemoryStore

	mu    sync.Mutex
	saves []*api.FlowState
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryStore: persistence.NewInMemoryStore()}
}

func (s *recordingStore) SaveFlow(ctx context.Context, flow *api.FlowState) error {
	s.mu.Lock()
	s.saves = append(s.saves, flow.Clone())
	s.mu.Unlock()
	return s.InMemoryStore.SaveFlow(ctx, flow)
}

func (s *recordingStore) savesOf(id string) []*api.FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.FlowState
	for _, st := range s.saves {
		if st.FlowID == id {
			out = append(out, st)
		}
	}
	return out
}

// fakeNotifier records every callback.
type fakeNotifier struct {
	mu sync.Mutex

	statuses []api.FlowStatus
	steps    []api.StepState
	errs     []error
}

func (n *fakeNotifier) FlowStatusChanged(_ context.Context, flow *api.FlowState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, flow.Status)
}

func (n *fakeNotifier) StepStatusChanged(_ context.Context, _ *api.FlowState, step api.StepState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.steps = append(n.steps, step)
}

func (n *fakeNotifier) FlowError(_ context.Context, _ *api.FlowState, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *fakeNotifier) statusList() []api.FlowStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]api.FlowStatus(nil), n.statuses...)
}

type testEnv struct {
	svc      *Service
	store    *recordingStore
	notifier *fakeNotifier
}

// newTestEnv builds a Service over a recording in-memory store with the
// given definitions registered and its workers running.
func newTestEnv(t *testing.T, defs ...*api.FlowDefinition) *testEnv {
	t.Helper()

	env := &testEnv{store: newRecordingStore(), notifier: &fakeNotifier{}}
	env.svc = NewService(Config{
		Store:    env.store,
		Notifier: env.notifier,
		Workers:  2,
	})
	for _, def := range defs {
		if err := env.svc.Registry().RegisterDefinition(def); err != nil {
			t.Fatalf("RegisterDefinition(%s) failed: %v", def.Type, err)
		}
	}

	if err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.svc.Stop(ctx)
	})
	return env
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for completion")
		return Completion{}
	}
}

func setStep(name, key string, value any) api.StepDefinition {
	return api.StepDefinition{
		Name: name,
		Body: func(*api.ExecutionContext) (*api.StepResult, error) {
			return api.Succeeded(map[string]any{key: value}), nil
		},
	}
}

func stepStatus(st *api.FlowState, name string) api.StepStatus {
	for _, s := range st.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

func stepRecord(st *api.FlowState, name string) api.StepState {
	for _, s := range st.Steps {
		if s.Name == name {
			return s
		}
	}
	return api.StepState{}
}

func hasEvent(st *api.FlowState, typ api.EventType) bool {
	for _, ev := range st.Events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
