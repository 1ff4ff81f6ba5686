package engine

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Status returns a snapshot of the flow. Live flows are read from memory,
// others straight from the store.
func (s *Service) Status(ctx context.Context, id string) (*api.FlowState, error) {
	if f, ok := s.runtime.Get(id); ok {
		return f.Snapshot(), nil
	}
	return s.store.GetFlow(ctx, id)
}

// Timeline returns the events recorded on the flow, oldest first.
func (s *Service) Timeline(ctx context.Context, id string) ([]api.TimelineEvent, error) {
	st, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Events, nil
}

func (s *Service) Query(ctx context.Context, q api.FlowQuery) (api.FlowPage, error) {
	return s.store.QueryFlows(ctx, q)
}

// Cleanup deletes completed flows last updated more than olderThan ago and
// returns how many were removed.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	before := time.Now().UTC().Add(-olderThan)
	q := api.FlowQuery{
		Statuses:      []api.FlowStatus{api.FlowCompleted},
		UpdatedBefore: &before,
		Limit:         api.MaxQueryLimit,
	}

	total := 0
	for {
		page, err := s.store.QueryFlows(ctx, q)
		if err != nil {
			return total, err
		}
		if len(page.Items) == 0 {
			return total, nil
		}

		ids := make([]string, len(page.Items))
		for i, item := range page.Items {
			ids[i] = item.FlowID
		}
		n, err := s.store.DeleteFlows(ctx, ids...)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			s.runtime.Remove(id)
		}
		total += n

		if len(page.Items) < q.Limit || n == 0 {
			return total, nil
		}
	}
}

// Health reports running and paused counts, recent failures and whether
// the engine is within its thresholds.
func (s *Service) Health(ctx context.Context) (api.HealthReport, error) {
	report, err := persistence.Health(ctx, s.store, time.Now().UTC())
	if err != nil {
		return api.HealthReport{}, err
	}
	report.LiveFlows = s.runtime.Len()
	return report, nil
}

// Statistics aggregates flows created within window. A zero window covers
// every stored flow.
func (s *Service) Statistics(ctx context.Context, window time.Duration) (api.Statistics, error) {
	return persistence.ComputeStatistics(ctx, s.store, window, time.Now().UTC())
}
