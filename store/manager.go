package store

import (
	"context"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

var customTierCreators = make(map[string]types.PersistentTierCreator)

// RegisterPersistentTier registers a custom persistent backend under the
// given type name, selectable from configuration.
func RegisterPersistentTier(tierName string, creator types.PersistentTierCreator) {
	customTierCreators[tierName] = creator
}

// NewEntryStore assembles the two-tier store. The persistent tier is
// returned alongside so the owner can schedule its cleanup; it is nil
// when persistence is disabled.
func NewEntryStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, broker types.ChangeBroker, policyFor func(kind types.DataKind) types.Policy) (types.EntryStore, types.PersistentTier, error) {
	storeConfig := config.GetConfig().Store
	if storeConfig == nil || storeConfig.Memory == nil {
		return nil, nil, types.ErrStoreIsDisabled
	}

	memory := NewMemoryTier(ctx, logger, storeConfig.Memory)

	persistent, err := newPersistentTier(ctx, logger, storeConfig.Persistent)
	if err != nil {
		return nil, nil, err
	}

	impl := newCompositeStore(ctx, logger, storeConfig, memory, persistent, broker)
	impl.SetPolicyResolver(policyFor)

	return newInstrumentedEntryStore(logger, metrics, impl), persistent, nil
}

func newPersistentTier(ctx context.Context, logger types.Logger, config *types.PersistentTierConfig) (types.PersistentTier, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	switch config.Type {
	case "clover":
		return NewCloverTier(ctx, logger, config)
	case "sqlite":
		return NewSQLiteTier(ctx, logger, config)
	case "redis":
		return NewRedisTier(ctx, logger, config)
	default:
		if creator, exists := customTierCreators[config.Type]; exists {
			return creator(config)
		}
		return nil, types.Errorf(types.ErrTierTypeUnknown, "type: %s", config.Type)
	}
}

type instrumentedEntryStore struct {
	impl    types.EntryStore
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedEntryStore(logger types.Logger, metrics types.MetricsManager, impl types.EntryStore) types.EntryStore {
	return &instrumentedEntryStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (ies *instrumentedEntryStore) Get(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	start := time.Now()
	entry, err := ies.impl.Get(ctx, kind, id)
	duration := time.Since(start)

	result := "hit"
	if err != nil {
		result = "miss"
	}

	ies.recordMetric("get", result, duration)
	return entry, err
}

func (ies *instrumentedEntryStore) Put(ctx context.Context, kind types.DataKind, id string, payload []byte, policy types.Policy) error {
	start := time.Now()
	err := ies.impl.Put(ctx, kind, id, payload, policy)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	ies.recordMetric("put", result, duration)
	return err
}

func (ies *instrumentedEntryStore) Invalidate(ctx context.Context, kind types.DataKind, id string) error {
	start := time.Now()
	err := ies.impl.Invalidate(ctx, kind, id)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	ies.recordMetric("invalidate", result, duration)
	return err
}

func (ies *instrumentedEntryStore) InvalidateAll(ctx context.Context, kinds ...types.DataKind) error {
	start := time.Now()
	err := ies.impl.InvalidateAll(ctx, kinds...)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	ies.recordMetric("invalidate_all", result, duration)
	return err
}

func (ies *instrumentedEntryStore) SetSyncStatus(ctx context.Context, kind types.DataKind, id string, status types.SyncStatus, retryCount int) error {
	return ies.impl.SetSyncStatus(ctx, kind, id, status, retryCount)
}

func (ies *instrumentedEntryStore) Snapshot() []*types.Entry {
	return ies.impl.Snapshot()
}

func (ies *instrumentedEntryStore) Stats() types.CacheStatistics {
	return ies.impl.Stats()
}

func (ies *instrumentedEntryStore) Start() error {
	start := time.Now()
	err := ies.impl.Start()
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	ies.recordMetric("start", result, duration)

	return err
}

func (ies *instrumentedEntryStore) Stop() error {
	return ies.impl.Stop()
}

func (ies *instrumentedEntryStore) IsRunning() bool {
	return ies.impl.IsRunning()
}

func (ies *instrumentedEntryStore) recordMetric(operation, result string, duration time.Duration) {
	opCounter := ies.metrics.Counter("cache_store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := ies.metrics.Histogram("cache_store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}
