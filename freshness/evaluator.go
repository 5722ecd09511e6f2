package freshness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const backgroundRefreshTimeout = 30 * time.Second

// Evaluator classifies cached entries against their policy and resolves
// reads: fresh entries are served as-is, stale entries are served while
// a background refresh runs, expired entries block on a refetch.
// Concurrent refetches of the same (kind, id) collapse into one remote
// call.
type Evaluator struct {
	ctx      context.Context
	logger   types.Logger
	store    types.EntryStore
	fetcher  types.Fetcher
	registry *policy.Registry
	broker   types.ChangeBroker
	group    singleflight.Group
}

func NewEvaluator(ctx context.Context, logger types.Logger, store types.EntryStore, fetcher types.Fetcher, registry *policy.Registry, broker types.ChangeBroker) (*Evaluator, error) {
	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	return &Evaluator{
		ctx:      ctx,
		logger:   logger,
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		broker:   broker,
	}, nil
}

// Classify is a pure function of the entry age and the policy.
func (e *Evaluator) Classify(entry *types.Entry, policy types.Policy, now time.Time) types.Freshness {
	age := entry.Age(now)

	if age >= policy.TTL {
		return types.FreshnessExpired
	}

	if policy.RefreshThreshold > 0 && age >= policy.TTL-policy.RefreshThreshold {
		return types.FreshnessStaleRefresh
	}

	return types.FreshnessFresh
}

// Resolve returns the payload for (kind, id), fetching from the remote
// when the cache cannot serve. A failed refetch of an expired entry
// falls back to the stale payload; ErrFetchFailed surfaces only when
// nothing cached remains.
func (e *Evaluator) Resolve(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	if !e.registry.KindEnabled(kind) {
		// Session disabled this kind: pass through without caching.
		return e.fetcher.Fetch(ctx, kind, id)
	}

	entry, err := e.store.Get(ctx, kind, id)
	if err != nil {
		if !types.IsError(err, types.ErrEntryNotFound) {
			return nil, err
		}
		return e.fetchAndStore(ctx, kind, id)
	}

	pol := e.registry.GetPolicy(kind)

	switch e.Classify(entry, pol, time.Now()) {
	case types.FreshnessFresh:
		return entry.Payload, nil

	case types.FreshnessStaleRefresh:
		e.refreshInBackground(kind, id)
		return entry.Payload, nil

	default:
		payload, fetchErr := e.fetchAndStore(ctx, kind, id)
		if fetchErr == nil {
			return payload, nil
		}

		e.logger.Warn("Refetch failed, serving stale payload",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Duration("age", entry.Age(time.Now())),
			zap.Error(types.ErrStaleServed),
			zap.NamedError("cause", fetchErr))
		return entry.Payload, nil
	}
}

// RefreshNow forces a refetch regardless of freshness, collapsing with
// any refresh already in flight.
func (e *Evaluator) RefreshNow(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	return e.fetchAndStore(ctx, kind, id)
}

func (e *Evaluator) fetchAndStore(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	key := utils.EntryKey(string(kind), id)

	ch := e.group.DoChan(key, func() (interface{}, error) {
		// The shared call outlives any single caller's context.
		fetchCtx, cancel := context.WithTimeout(e.ctx, backgroundRefreshTimeout)
		defer cancel()

		payload, err := e.fetcher.Fetch(fetchCtx, kind, id)
		if err != nil {
			return nil, types.Errorf(types.ErrFetchFailed, "%s: %v", key, err)
		}

		if err := e.store.Put(fetchCtx, kind, id, payload, e.registry.GetPolicy(kind)); err != nil {
			e.logger.Error("Failed to cache fetched payload",
				zap.String("kind", string(kind)),
				zap.String("id", id),
				zap.Error(err))
		}

		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "resolve cancelled")
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]byte), nil
	}
}

func (e *Evaluator) refreshInBackground(kind types.DataKind, id string) {
	go func() {
		refreshCtx, cancel := context.WithTimeout(e.ctx, backgroundRefreshTimeout)
		defer cancel()

		if _, err := e.fetchAndStore(refreshCtx, kind, id); err != nil {
			// The caller already got the stale payload; next read
			// retries.
			e.logger.Debug("Background refresh failed",
				zap.String("kind", string(kind)),
				zap.String("id", id),
				zap.Error(err))
			return
		}

		e.publishRefresh(kind, id)
	}()
}

func (e *Evaluator) publishRefresh(kind types.DataKind, id string) {
	if e.broker == nil {
		return
	}

	event := &types.ChangeEvent{
		Op:        types.ChangeOpRefresh,
		Kind:      kind,
		ID:        id,
		Timestamp: time.Now(),
		Source:    "freshness",
		MessageID: uuid.New().String(),
	}

	if err := e.broker.Publish(event); err != nil {
		e.logger.Debug("Refresh event publish failed", zap.Error(err))
	}
}
