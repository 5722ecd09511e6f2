package metrics

import (
	"context"
	"time"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// NewMetricsManager returns a prometheus-backed manager when metrics
// are enabled and a no-op manager otherwise, so callers never need nil
// checks.
func NewMetricsManager(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return NewNoopMetrics(), nil
	}

	return NewPrometheusMetrics(ctx, logger, config)
}

type noopMetrics struct{}

func NewNoopMetrics() types.MetricsManager {
	return &noopMetrics{}
}

func (n *noopMetrics) Start() error    { return nil }
func (n *noopMetrics) Stop() error     { return nil }
func (n *noopMetrics) IsRunning() bool { return true }

func (n *noopMetrics) Counter(name string, labels map[string]string) types.Counter {
	return noopCounter{}
}

func (n *noopMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	return noopGauge{}
}

func (n *noopMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return noopHistogram{}
}

func (n *noopMetrics) GetMetrics() ([]byte, error) {
	return utils.Marshal([]types.MetricValue{})
}

func (n *noopMetrics) GetStats() ([]byte, error) {
	return utils.Marshal(types.MetricsStats{LastUpdate: time.Now()})
}

type noopCounter struct{}

func (noopCounter) Inc()              {}
func (noopCounter) Add(float64)       {}
func (noopCounter) Get() float64      { return 0 }

type noopGauge struct{}

func (noopGauge) Set(float64)    {}
func (noopGauge) Inc()           {}
func (noopGauge) Dec()           {}
func (noopGauge) Add(float64)    {}
func (noopGauge) Sub(float64)    {}
func (noopGauge) Get() float64   { return 0 }

type noopHistogram struct{}

func (noopHistogram) Observe(float64)            {}
func (noopHistogram) ObserveDuration(time.Time)  {}
func (noopHistogram) GetCount() uint64           { return 0 }
func (noopHistogram) GetSum() float64            { return 0 }
