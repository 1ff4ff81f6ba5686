package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a goroutine-safe FlowStore backed by a map of encoded
// documents. Storing the encoded form keeps callers from sharing memory
// with the store, the same way a durable backend behaves.
type InMemoryStore struct {
	mu    sync.RWMutex
	flows map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows: make(map[string][]byte),
	}
}

var _ FlowStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveFlow(_ context.Context, flow *api.FlowState) error {
	data, err := EncodeFlow(flow)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[flow.FlowID] = data
	return nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, id string) (*api.FlowState, error) {
	s.mu.RLock()
	data, ok := s.flows[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrFlowNotFound
	}
	return DecodeFlow(data)
}

func (s *InMemoryStore) ListFlowsByStatus(_ context.Context, statuses ...api.FlowStatus) ([]*api.FlowState, error) {
	all, err := s.decodeAll()
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return all, nil
	}
	out := make([]*api.FlowState, 0, len(all))
	for _, f := range all {
		if slices.Contains(statuses, f.Status) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *InMemoryStore) QueryFlows(_ context.Context, q api.FlowQuery) (api.FlowPage, error) {
	all, err := s.decodeAll()
	if err != nil {
		return api.FlowPage{}, err
	}
	return pageOf(all, q), nil
}

func (s *InMemoryStore) DeleteFlows(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := s.flows[id]; ok {
			delete(s.flows, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) decodeAll() ([]*api.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.FlowState, 0, len(s.flows))
	for _, data := range s.flows {
		f, err := DecodeFlow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
