package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestHealth_ThresholdsAndWindow(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	now := time.Now()

	save := func(id string, st api.FlowStatus, completed time.Time) {
		f := sampleFlow(id, "order", st, now.Add(-time.Hour))
		f.CompletedAt = &completed
		f.UpdatedAt = completed
		require.NoError(t, store.SaveFlow(ctx, f))
	}

	save("r-1", api.FlowRunning, now)
	save("p-1", api.FlowPaused, now)
	for i := 0; i < 9; i++ {
		save(fmt.Sprintf("f-%d", i), api.FlowFailed, now.Add(-time.Minute))
	}
	save("f-old", api.FlowFailed, now.Add(-time.Hour))

	report, err := Health(ctx, store, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Running)
	assert.Equal(t, 1, report.Paused)
	assert.Equal(t, 9, report.RecentFailures)
	assert.True(t, report.Healthy)

	save("f-9", api.FlowFailed, now)
	report, err = Health(ctx, store, now)
	require.NoError(t, err)
	assert.Equal(t, 10, report.RecentFailures)
	assert.False(t, report.Healthy)
}

func TestHealth_TooManyPaused(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	now := time.Now()
	for i := 0; i < api.HealthMaxPaused; i++ {
		require.NoError(t, store.SaveFlow(ctx, sampleFlow(fmt.Sprintf("p-%d", i), "order", api.FlowPaused, now)))
	}

	report, err := Health(ctx, store, now)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
}

func TestComputeStatistics(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	now := time.Now()

	done := func(id, flowType string, st api.FlowStatus, d time.Duration, lastErr string) {
		f := sampleFlow(id, flowType, st, now.Add(-time.Minute))
		start := now.Add(-time.Minute)
		end := start.Add(d)
		f.StartedAt = &start
		f.CompletedAt = &end
		f.LastError = lastErr
		require.NoError(t, store.SaveFlow(ctx, f))
	}
	done("c-1", "order", api.FlowCompleted, 2*time.Second, "")
	done("c-2", "order", api.FlowCompleted, 4*time.Second, "")
	done("f-1", "refund", api.FlowFailed, time.Second, "card declined")
	done("x-1", "refund", api.FlowCancelled, time.Second, "")
	require.NoError(t, store.SaveFlow(ctx, sampleFlow("old", "order", api.FlowCompleted, now.Add(-48*time.Hour))))

	stats, err := ComputeStatistics(ctx, store, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[api.FlowCompleted])
	assert.Equal(t, 2, stats.ByType["refund"])
	assert.Equal(t, 1, stats.FailureReasons["card declined"])
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.0001)
	assert.Equal(t, 3*time.Second, stats.AvgDuration)

	all, err := ComputeStatistics(ctx, store, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
}
