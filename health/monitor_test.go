package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestMonitor(t *testing.T, thresholds *types.HealthThresholds) *Monitor {
	t.Helper()

	configManager, err := config.NewStaticManager(&types.ServiceConfig{
		Name:    "test-cache",
		Version: "0.0.1",
		Health:  &types.HealthConfig{Enabled: true, Thresholds: thresholds},
	})
	require.NoError(t, err)

	monitor, err := NewMonitor(context.Background(), configManager, logger.NewZapWrapper(zap.NewNop()))
	require.NoError(t, err)
	return monitor
}

func strictThresholds() *types.HealthThresholds {
	return &types.HealthThresholds{
		MaxMemoryBytes:        1000,
		MaxDiskBytes:          5000,
		MinHitRate:            0.5,
		MaxRetrievalTime:      50 * time.Millisecond,
		MaxEvictionsPerMinute: 10,
	}
}

func TestEvaluate_HealthyStats(t *testing.T) {
	monitor := newTestMonitor(t, strictThresholds())

	evaluation := monitor.Evaluate(types.CacheStatistics{
		Hits:             90,
		Misses:           10,
		HitRate:          0.9,
		MemoryBytes:      500,
		DiskBytes:        1000,
		AvgRetrievalTime: time.Millisecond,
	})

	assert.True(t, evaluation.Healthy)
	assert.Empty(t, evaluation.Issues)
}

func TestEvaluate_NilThresholdsAlwaysHealthy(t *testing.T) {
	monitor := newTestMonitor(t, nil)

	evaluation := monitor.Evaluate(types.CacheStatistics{
		MemoryBytes: 1 << 40,
		HitRate:     0.01,
	})

	assert.True(t, evaluation.Healthy)
}

func TestEvaluate_Issues(t *testing.T) {
	cases := []struct {
		name  string
		stats types.CacheStatistics
		issue types.HealthIssue
	}{
		{"memory over budget", types.CacheStatistics{MemoryBytes: 2000}, types.IssueHighMemoryUsage},
		{"disk over budget", types.CacheStatistics{DiskBytes: 9000}, types.IssueHighDiskUsage},
		{"low hit rate", types.CacheStatistics{Hits: 1, Misses: 9, HitRate: 0.1}, types.IssueLowHitRate},
		{"slow retrieval", types.CacheStatistics{AvgRetrievalTime: time.Second}, types.IssueSlowRetrieval},
		{"corruption observed", types.CacheStatistics{CorruptedEntries: 3}, types.IssueCorruptedEntries},
		{"eviction churn", types.CacheStatistics{EvictionsPerMinute: 100}, types.IssueExcessiveEvictions},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			monitor := newTestMonitor(t, strictThresholds())

			evaluation := monitor.Evaluate(tc.stats)

			assert.False(t, evaluation.Healthy)
			assert.Contains(t, evaluation.Issues, tc.issue)
			assert.Len(t, evaluation.Recommendations, len(evaluation.Issues))
		})
	}
}

func TestEvaluate_HitRateIgnoredWithoutTraffic(t *testing.T) {
	monitor := newTestMonitor(t, strictThresholds())

	// A cold cache has no hit rate to judge.
	evaluation := monitor.Evaluate(types.CacheStatistics{HitRate: 0})

	assert.True(t, evaluation.Healthy)
}

func TestEvaluate_MultipleIssuesAccumulate(t *testing.T) {
	monitor := newTestMonitor(t, strictThresholds())

	evaluation := monitor.Evaluate(types.CacheStatistics{
		MemoryBytes:      2000,
		DiskBytes:        9000,
		CorruptedEntries: 1,
	})

	assert.False(t, evaluation.Healthy)
	assert.Len(t, evaluation.Issues, 3)
}

func TestCheck_AggregatesCheckers(t *testing.T) {
	monitor := newTestMonitor(t, nil)
	require.NoError(t, monitor.Start())
	defer monitor.Stop()

	monitor.RegisterChecker("ok", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	monitor.RegisterChecker("broken", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
	})

	report := monitor.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 1, report.Summary.Unhealthy)
	assert.Equal(t, "test-cache", report.Service.Name)
	assert.Equal(t, "down", report.Checks["broken"].Message)
}

func TestCheck_PanickingCheckerIsUnhealthy(t *testing.T) {
	monitor := newTestMonitor(t, nil)
	require.NoError(t, monitor.Start())
	defer monitor.Stop()

	monitor.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("boom")
	})

	report := monitor.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["panics"].Message, "panicked")
}

func TestMonitor_Lifecycle(t *testing.T) {
	monitor := newTestMonitor(t, nil)

	assert.False(t, monitor.IsRunning())
	require.NoError(t, monitor.Start())
	assert.True(t, monitor.IsRunning())
	assert.ErrorIs(t, monitor.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, monitor.Stop())
	assert.False(t, monitor.IsRunning())
}
