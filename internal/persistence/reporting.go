package persistence

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Health counts running and paused flows and the failures of the last
// api.HealthFailureWindow. The engine is unhealthy once either threshold
// is reached.
func Health(ctx context.Context, store FlowStore, now time.Time) (api.HealthReport, error) {
	flows, err := store.ListFlowsByStatus(ctx, api.FlowRunning, api.FlowPaused, api.FlowFailed)
	if err != nil {
		return api.HealthReport{}, err
	}

	report := api.HealthReport{CheckedAt: now}
	cutoff := now.Add(-api.HealthFailureWindow)
	for _, f := range flows {
		switch f.Status {
		case api.FlowRunning:
			report.Running++
		case api.FlowPaused:
			report.Paused++
		case api.FlowFailed:
			at := f.UpdatedAt
			if f.CompletedAt != nil {
				at = *f.CompletedAt
			}
			if !at.Before(cutoff) {
				report.RecentFailures++
			}
		}
	}
	report.Healthy = report.RecentFailures < api.HealthMaxRecentFailures && report.Paused < api.HealthMaxPaused
	return report, nil
}

// ComputeStatistics aggregates flows created within window before now. A
// zero window covers every stored flow.
func ComputeStatistics(ctx context.Context, store FlowStore, window time.Duration, now time.Time) (api.Statistics, error) {
	flows, err := store.ListFlowsByStatus(ctx)
	if err != nil {
		return api.Statistics{}, err
	}

	stats := api.Statistics{
		Window:         window,
		ByStatus:       map[api.FlowStatus]int{},
		ByType:         map[string]int{},
		FailureReasons: map[string]int{},
	}

	var terminal, completed int
	var totalDuration time.Duration
	for _, f := range flows {
		if window > 0 && f.CreatedAt.Before(now.Add(-window)) {
			continue
		}
		stats.Total++
		stats.ByStatus[f.Status]++
		stats.ByType[f.FlowType]++

		if f.Status.IsTerminal() {
			terminal++
		}
		switch f.Status {
		case api.FlowCompleted:
			completed++
			if f.StartedAt != nil && f.CompletedAt != nil {
				totalDuration += f.CompletedAt.Sub(*f.StartedAt)
			}
		case api.FlowFailed:
			reason := f.LastError
			if reason == "" {
				reason = "unknown"
			}
			stats.FailureReasons[reason]++
		}
	}

	if terminal > 0 {
		stats.SuccessRate = float64(completed) / float64(terminal)
	}
	if completed > 0 {
		stats.AvgDuration = totalDuration / time.Duration(completed)
	}
	return stats, nil
}
