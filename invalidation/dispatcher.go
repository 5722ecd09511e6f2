package invalidation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
)

// Dispatcher maps domain triggers to entry purges through the policy
// registry. Unknown triggers are rejected, never silently ignored.
type Dispatcher struct {
	logger   types.Logger
	registry *policy.Registry
	store    types.EntryStore
	metrics  types.MetricsManager
}

func NewDispatcher(logger types.Logger, registry *policy.Registry, store types.EntryStore, metrics types.MetricsManager) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		store:    store,
		metrics:  metrics,
	}
}

// Dispatch purges every kind mapped to the trigger, including the
// transitive dependency closure.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger types.Trigger) error {
	kinds, err := d.registry.GetInvalidationKinds(trigger)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := d.store.InvalidateAll(ctx, kinds...); err != nil {
		return types.WrapError(err, "invalidation failed")
	}

	d.logger.Info("Invalidation dispatched",
		zap.String("trigger", string(trigger)),
		zap.Int("kinds", len(kinds)),
		zap.Duration("duration", time.Since(start)))

	if d.metrics != nil {
		d.metrics.Counter("cache_invalidations_total", map[string]string{
			"trigger": string(trigger),
		}).Inc()
	}

	return nil
}

// InvalidateEntry purges a single (kind, id) without trigger mapping.
func (d *Dispatcher) InvalidateEntry(ctx context.Context, kind types.DataKind, id string) error {
	return d.store.Invalidate(ctx, kind, id)
}
