package persistence

import (
	"context"
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// ErrFlowNotFound is returned when no document exists for a flow id. It
// matches api.ErrNotFound with errors.Is.
var ErrFlowNotFound = fmt.Errorf("flow %w", api.ErrNotFound)

// FlowStore persists flow documents. SaveFlow is an upsert of the whole
// document; stores never merge partial updates.
type FlowStore interface {
	SaveFlow(ctx context.Context, flow *api.FlowState) error
	GetFlow(ctx context.Context, id string) (*api.FlowState, error)

	// ListFlowsByStatus returns every flow in one of statuses. With no
	// statuses it returns every stored flow.
	ListFlowsByStatus(ctx context.Context, statuses ...api.FlowStatus) ([]*api.FlowState, error)

	// QueryFlows returns one page of summaries, newest first.
	QueryFlows(ctx context.Context, q api.FlowQuery) (api.FlowPage, error)

	// DeleteFlows removes the given flows and reports how many existed.
	DeleteFlows(ctx context.Context, ids ...string) (int, error)
}

// AllStatuses lists every flow status. Index-based stores iterate it to
// keep their status sets consistent.
var AllStatuses = []api.FlowStatus{
	api.FlowReady,
	api.FlowInitializing,
	api.FlowRunning,
	api.FlowPaused,
	api.FlowCompleted,
	api.FlowFailed,
	api.FlowCancelled,
}
