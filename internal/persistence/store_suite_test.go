package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/pkg/api"
)

// FlowStoreSuite runs the same contract tests against every backend.
// Backend test files embed it and set newStore.
type FlowStoreSuite struct {
	suite.Suite
	ctx      context.Context
	newStore func() FlowStore
	store    FlowStore
}

func (s *FlowStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func sampleFlow(id, flowType string, status api.FlowStatus, created time.Time) *api.FlowState {
	return &api.FlowState{
		FlowID:           id,
		FlowType:         flowType,
		UserID:           "user-1",
		Status:           status,
		CurrentStepIndex: 1,
		Steps: []api.StepState{
			{Name: "validate", Status: api.StepCompleted, Result: &api.StepResult{Success: true, Data: map[string]any{"ok": true}}},
			{Name: "charge", Status: api.StepPending, Branches: []api.BranchState{
				{Name: "charge:dynamic", Dynamic: true, Steps: []api.StepState{{Name: "item-0", Status: api.StepCompleted}}},
			}},
		},
		Data:      map[string]any{"orderId": "o-1", "amount": 12.5, "items": []any{"a", "b"}},
		Events:    []api.TimelineEvent{{Type: api.EventFlowCreated, At: created}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (s *FlowStoreSuite) TestSaveGetRoundTrip() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	in := sampleFlow("flow-1", "order", api.FlowRunning, now)

	s.Require().NoError(s.store.SaveFlow(s.ctx, in))

	got, err := s.store.GetFlow(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal(in.FlowID, got.FlowID)
	s.Equal(api.FlowRunning, got.Status)
	s.Equal(1, got.CurrentStepIndex)
	s.Equal("o-1", got.Data["orderId"])
	s.Equal(12.5, got.Data["amount"])
	s.Equal([]any{"a", "b"}, got.Data["items"])
	s.Require().Len(got.Steps, 2)
	s.Equal(true, got.Steps[0].Result.Data["ok"])
	s.Require().Len(got.Steps[1].Branches, 1)
	s.True(got.Steps[1].Branches[0].Dynamic)
	s.Equal("item-0", got.Steps[1].Branches[0].Steps[0].Name)
	s.True(now.Equal(got.CreatedAt))
}

func (s *FlowStoreSuite) TestSaveIsUpsert() {
	now := time.Now().UTC()
	f := sampleFlow("flow-up", "order", api.FlowRunning, now)
	s.Require().NoError(s.store.SaveFlow(s.ctx, f))

	f.Status = api.FlowPaused
	f.PauseReason = "approval"
	f.Version = 2
	s.Require().NoError(s.store.SaveFlow(s.ctx, f))

	got, err := s.store.GetFlow(s.ctx, "flow-up")
	s.Require().NoError(err)
	s.Equal(api.FlowPaused, got.Status)
	s.Equal("approval", got.PauseReason)
	s.Equal(int64(2), got.Version)

	running, err := s.store.ListFlowsByStatus(s.ctx, api.FlowRunning)
	s.Require().NoError(err)
	s.Empty(running, "status index must move with the document")
}

func (s *FlowStoreSuite) TestGetMissingReturnsNotFound() {
	_, err := s.store.GetFlow(s.ctx, "does-not-exist")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrFlowNotFound))
	s.True(errors.Is(err, api.ErrNotFound))
}

func (s *FlowStoreSuite) TestListFlowsByStatus() {
	now := time.Now().UTC()
	for i, st := range []api.FlowStatus{api.FlowRunning, api.FlowPaused, api.FlowCompleted, api.FlowReady} {
		s.Require().NoError(s.store.SaveFlow(s.ctx, sampleFlow(fmt.Sprintf("flow-%d", i), "order", st, now)))
	}

	restorable, err := s.store.ListFlowsByStatus(s.ctx, api.RestorableStatuses...)
	s.Require().NoError(err)
	s.Len(restorable, 3)

	all, err := s.store.ListFlowsByStatus(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 4)
}

func (s *FlowStoreSuite) TestQueryFlowsFiltersAndPages() {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		f := sampleFlow(fmt.Sprintf("q-%d", i), "order", api.FlowCompleted, base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.store.SaveFlow(s.ctx, f))
	}
	other := sampleFlow("q-other", "refund", api.FlowPaused, base)
	other.UserID = "user-2"
	other.PauseReason = "approval"
	s.Require().NoError(s.store.SaveFlow(s.ctx, other))

	page, err := s.store.QueryFlows(s.ctx, api.FlowQuery{FlowType: "order", Limit: 2})
	s.Require().NoError(err)
	s.Equal(5, page.Total)
	s.Require().Len(page.Items, 2)
	s.Equal("q-4", page.Items[0].FlowID, "newest first")
	s.Equal("q-3", page.Items[1].FlowID)

	page, err = s.store.QueryFlows(s.ctx, api.FlowQuery{FlowType: "order", Offset: 4, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page.Items, 1)
	s.Equal("q-0", page.Items[0].FlowID)

	page, err = s.store.QueryFlows(s.ctx, api.FlowQuery{Statuses: []api.FlowStatus{api.FlowPaused}, UserID: "user-2", PauseReason: "approval"})
	s.Require().NoError(err)
	s.Require().Len(page.Items, 1)
	s.Equal("q-other", page.Items[0].FlowID)
	s.Equal("charge", page.Items[0].CurrentStep)

	from := base.Add(2 * time.Minute)
	page, err = s.store.QueryFlows(s.ctx, api.FlowQuery{CreatedFrom: &from})
	s.Require().NoError(err)
	s.Equal(3, page.Total)
}

func (s *FlowStoreSuite) TestDeleteFlows() {
	now := time.Now().UTC()
	s.Require().NoError(s.store.SaveFlow(s.ctx, sampleFlow("d-1", "order", api.FlowCompleted, now)))
	s.Require().NoError(s.store.SaveFlow(s.ctx, sampleFlow("d-2", "order", api.FlowFailed, now)))

	n, err := s.store.DeleteFlows(s.ctx, "d-1", "missing")
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.GetFlow(s.ctx, "d-1")
	s.True(errors.Is(err, ErrFlowNotFound))

	all, err := s.store.ListFlowsByStatus(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 1)

	n, err = s.store.DeleteFlows(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}
