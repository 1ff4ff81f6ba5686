package api

import (
	"slices"
	"time"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000

	// HealthFailureWindow is how far back Health counts failed flows.
	HealthFailureWindow = 15 * time.Minute
	// HealthMaxRecentFailures and HealthMaxPaused are the thresholds at
	// which the engine reports itself unhealthy.
	HealthMaxRecentFailures = 10
	HealthMaxPaused         = 100
)

// FlowQuery filters stored flows. Zero-valued fields do not filter.
type FlowQuery struct {
	Statuses    []FlowStatus `json:"statuses,omitempty"`
	FlowType    string       `json:"flowType,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	PauseReason string       `json:"pauseReason,omitempty"`
	CreatedFrom *time.Time   `json:"createdFrom,omitempty"`
	CreatedTo   *time.Time   `json:"createdTo,omitempty"`

	// UpdatedBefore selects flows not touched since the given time.
	UpdatedBefore *time.Time `json:"updatedBefore,omitempty"`

	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// Normalized clamps Offset and Limit into their allowed ranges.
func (q FlowQuery) Normalized() FlowQuery {
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return q
}

// Matches reports whether s passes every filter of q. Backends that cannot
// push a filter down to their query language use it in memory.
func (q FlowQuery) Matches(s *FlowState) bool {
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
		return false
	}
	if q.FlowType != "" && s.FlowType != q.FlowType {
		return false
	}
	if q.UserID != "" && s.UserID != q.UserID {
		return false
	}
	if q.PauseReason != "" && s.PauseReason != q.PauseReason {
		return false
	}
	if q.CreatedFrom != nil && s.CreatedAt.Before(*q.CreatedFrom) {
		return false
	}
	if q.CreatedTo != nil && s.CreatedAt.After(*q.CreatedTo) {
		return false
	}
	if q.UpdatedBefore != nil && !s.UpdatedAt.Before(*q.UpdatedBefore) {
		return false
	}
	return true
}

// FlowPage is one page of query results, newest first.
type FlowPage struct {
	Items  []FlowSummary `json:"items"`
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

// HealthReport summarizes the engine's current load.
type HealthReport struct {
	Healthy        bool      `json:"healthy"`
	Running        int       `json:"running"`
	Paused         int       `json:"paused"`
	RecentFailures int       `json:"recentFailures"`
	LiveFlows      int       `json:"liveFlows"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// Statistics aggregates flows created within a window.
type Statistics struct {
	Window         time.Duration      `json:"window"`
	Total          int                `json:"total"`
	ByStatus       map[FlowStatus]int `json:"byStatus"`
	ByType         map[string]int     `json:"byType"`
	FailureReasons map[string]int     `json:"failureReasons"`
	SuccessRate    float64            `json:"successRate"`
	AvgDuration    time.Duration      `json:"avgDuration"`
}
