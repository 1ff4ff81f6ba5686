package persistence

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/petrijr/stepflow/pkg/api"
)

// EncodeFlow serializes a flow document. Flow data is JSON-shaped, so the
// document round-trips through every backend without type registration.
func EncodeFlow(flow *api.FlowState) ([]byte, error) {
	if flow == nil {
		return nil, fmt.Errorf("encode flow: nil state")
	}
	b, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("encode flow %s: %w", flow.FlowID, err)
	}
	return b, nil
}

// DecodeFlow parses a document written by EncodeFlow.
func DecodeFlow(data []byte) (*api.FlowState, error) {
	if len(data) == 0 {
		return nil, ErrFlowNotFound
	}
	var st api.FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	return &st, nil
}

// sortNewestFirst orders by CreatedAt descending, then FlowID descending,
// matching the ORDER BY used by the SQL stores.
func sortNewestFirst(flows []*api.FlowState) {
	sort.SliceStable(flows, func(i, j int) bool {
		a, b := flows[i], flows[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.FlowID > b.FlowID
	})
}

// pageOf filters, sorts and pages flows in memory. Used by stores whose
// native query language cannot express every FlowQuery filter.
func pageOf(flows []*api.FlowState, q api.FlowQuery) api.FlowPage {
	q = q.Normalized()

	matched := make([]*api.FlowState, 0, len(flows))
	for _, f := range flows {
		if q.Matches(f) {
			matched = append(matched, f)
		}
	}
	sortNewestFirst(matched)

	page := api.FlowPage{Total: len(matched), Offset: q.Offset, Limit: q.Limit, Items: []api.FlowSummary{}}
	if q.Offset >= len(matched) {
		return page
	}
	end := min(q.Offset+q.Limit, len(matched))
	for _, f := range matched[q.Offset:end] {
		page.Items = append(page.Items, f.Summary())
	}
	return page
}
