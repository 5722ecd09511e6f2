package store

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const lockShardCount = 32

// CompositeStore chains the memory tier and the optional persistent
// tier. Reads fall through memory to the persistent tier and promote
// what they find; writes land in memory and, when the policy says so,
// in the persistent tier. Mutations on the same (kind, id) are
// serialized through a lock shard.
type CompositeStore struct {
	ctx        context.Context
	logger     types.Logger
	config     *types.StoreConfig
	memory     *MemoryTier
	persistent types.PersistentTier
	broker     types.ChangeBroker
	policyFor  func(kind types.DataKind) types.Policy
	locks      [lockShardCount]sync.Mutex
	state      atomic.Value

	startedAt       time.Time
	corrupted       uint64
	failedSyncs     uint64
	retrievalNanos  int64
	retrievalCount  int64
}

func newCompositeStore(ctx context.Context, logger types.Logger, config *types.StoreConfig, memory *MemoryTier, persistent types.PersistentTier, broker types.ChangeBroker) *CompositeStore {
	cs := &CompositeStore{
		ctx:        ctx,
		logger:     logger,
		config:     config,
		memory:     memory,
		persistent: persistent,
		broker:     broker,
	}

	cs.policyFor = func(types.DataKind) types.Policy {
		return types.Policy{TTL: config.DefaultTTL}
	}

	memory.SetRemovalObserver(func(op types.ChangeOp, kind types.DataKind, id string, size int64) {
		cs.publish(op, kind, id, size)
	})

	cs.state.Store(TierStateStopped)
	return cs
}

// SetPolicyResolver wires the policy lookup used when entries are
// promoted from the persistent tier. Must be called before Start.
func (cs *CompositeStore) SetPolicyResolver(fn func(kind types.DataKind) types.Policy) {
	if fn != nil {
		cs.policyFor = fn
	}
}

func (cs *CompositeStore) Start() error {
	if !cs.transitionState(TierStateStopped, TierStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if cs.getState() == TierStateStarting {
			cs.setState(TierStateRunning)
		}
	}()

	if err := cs.memory.Start(); err != nil {
		return err
	}

	if cs.persistent != nil {
		if err := cs.persistent.Start(); err != nil {
			// A broken persistent tier degrades to memory-only
			// operation instead of refusing to serve.
			cs.logger.Error("Persistent tier failed to start, continuing memory-only",
				zap.Error(err))
			cs.persistent = nil
		}
	}

	cs.startedAt = time.Now()
	cs.logger.Info("Entry store started",
		zap.Bool("persistent", cs.persistent != nil))
	return nil
}

func (cs *CompositeStore) Stop() error {
	if !cs.transitionState(TierStateRunning, TierStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cs.setState(TierStateStopped)
	}()

	if cs.persistent != nil {
		if err := cs.persistent.Stop(); err != nil {
			cs.logger.Error("Persistent tier stop failed", zap.Error(err))
		}
	}

	if err := cs.memory.Stop(); err != nil {
		return err
	}

	cs.logger.Info("Entry store stopped gracefully")
	return nil
}

func (cs *CompositeStore) IsRunning() bool {
	return cs.getState() == TierStateRunning
}

func (cs *CompositeStore) Get(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	if kind == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	start := time.Now()
	defer cs.trackRetrieval(start)

	if entry, ok := cs.memory.Get(kind, id); ok {
		return entry, nil
	}

	if cs.persistent == nil {
		return nil, types.ErrEntryNotFound
	}

	entry, err := cs.persistent.Load(ctx, kind, id)
	if err != nil {
		if types.IsError(err, types.ErrEntryCorrupted) {
			atomic.AddUint64(&cs.corrupted, 1)
			cs.logger.Warn("Corrupted persistent entry treated as miss",
				zap.String("kind", string(kind)),
				zap.String("id", id))
			return nil, types.ErrEntryNotFound
		}
		if types.IsError(err, types.ErrEntryNotFound) {
			return nil, err
		}
		return nil, types.WrapError(err, "persistent tier load failed")
	}

	// Promote so the next read stays in memory. Age carries over: the
	// freshness of a promoted entry is judged from its original write.
	if err := cs.memory.Set(entry, cs.policyFor(kind)); err != nil {
		cs.logger.Warn("Failed to promote entry to memory", zap.Error(err))
	}

	return entry, nil
}

func (cs *CompositeStore) Put(ctx context.Context, kind types.DataKind, id string, payload []byte, policy types.Policy) error {
	if kind == "" {
		return types.ErrEntryKeyEmpty
	}

	lock := cs.lockFor(kind, id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	entry := &types.Entry{
		Kind:         kind,
		ID:           id,
		Payload:      payload,
		SizeBytes:    int64(len(payload)),
		CreatedAt:    now,
		LastAccessed: now,
		Persistent:   policy.Persist && cs.persistent != nil,
		SyncStatus:   types.SyncStatusSynced,
	}

	if err := cs.memory.Set(entry, policy); err != nil {
		return err
	}

	if entry.Persistent {
		if err := cs.persistent.Store(ctx, entry, policy); err != nil {
			// Memory tier already holds the value; persistence is
			// best-effort.
			cs.logger.Error("Persistent tier store failed",
				zap.String("kind", string(kind)),
				zap.String("id", id),
				zap.Error(err))
		}
	}

	cs.publish(types.ChangeOpPut, kind, id, entry.SizeBytes)
	return nil
}

func (cs *CompositeStore) Invalidate(ctx context.Context, kind types.DataKind, id string) error {
	if kind == "" {
		return types.ErrEntryKeyEmpty
	}

	lock := cs.lockFor(kind, id)
	lock.Lock()
	removed := cs.memory.Delete(kind, id)
	lock.Unlock()

	if cs.persistent != nil {
		go cs.removePersistent(kind, id)
	}

	if removed {
		cs.publish(types.ChangeOpInvalidate, kind, id, 0)
	}

	return nil
}

func (cs *CompositeStore) InvalidateAll(ctx context.Context, kinds ...types.DataKind) error {
	for _, kind := range kinds {
		// A kind spans every shard, so the purge holds all of them;
		// otherwise a concurrent Put could interleave with the sweep of
		// its own key.
		cs.lockAllShards()
		cs.memory.DeleteKind(kind)
		cs.unlockAllShards()

		if cs.persistent != nil {
			go cs.removePersistentKind(kind)
		}

		cs.publish(types.ChangeOpInvalidate, kind, "", 0)
	}

	return nil
}

func (cs *CompositeStore) lockAllShards() {
	for i := range cs.locks {
		cs.locks[i].Lock()
	}
}

func (cs *CompositeStore) unlockAllShards() {
	for i := range cs.locks {
		cs.locks[i].Unlock()
	}
}

func (cs *CompositeStore) SetSyncStatus(ctx context.Context, kind types.DataKind, id string, status types.SyncStatus, retryCount int) error {
	if kind == "" {
		return types.ErrEntryKeyEmpty
	}

	lock := cs.lockFor(kind, id)
	lock.Lock()
	defer lock.Unlock()

	if !cs.memory.SetSyncMeta(kind, id, status, retryCount) {
		return types.ErrEntryNotFound
	}

	if status == types.SyncStatusFailed {
		atomic.AddUint64(&cs.failedSyncs, 1)
	}

	// The persistent copy carries the new status forward across
	// restarts. Peek keeps this maintenance read out of the hit-rate
	// and LRU bookkeeping.
	if cs.persistent != nil {
		if entry, ok := cs.memory.Peek(kind, id); ok && entry.Persistent {
			if err := cs.persistent.Store(ctx, entry, cs.policyFor(kind)); err != nil {
				cs.logger.Warn("Failed to persist sync status",
					zap.String("kind", string(kind)),
					zap.String("id", id),
					zap.Error(err))
			}
		}
	}

	return nil
}

func (cs *CompositeStore) Snapshot() []*types.Entry {
	return cs.memory.Snapshot()
}

func (cs *CompositeStore) Stats() types.CacheStatistics {
	hits, misses, evictions, _ := cs.memory.Counters()

	stats := types.CacheStatistics{
		Hits:             hits,
		Misses:           misses,
		MemoryBytes:      cs.memory.UsedBytes(),
		MemoryEntries:    cs.memory.Len(),
		Evictions:        evictions,
		CorruptedEntries: atomic.LoadUint64(&cs.corrupted),
		FailedSyncs:      int(atomic.LoadUint64(&cs.failedSyncs)),
		CollectedAt:      time.Now(),
	}

	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
		stats.MissRate = float64(misses) / float64(total)
	}

	if minutes := time.Since(cs.startedAt).Minutes(); minutes > 0 {
		stats.EvictionsPerMinute = float64(evictions) / minutes
	}

	if count := atomic.LoadInt64(&cs.retrievalCount); count > 0 {
		stats.AvgRetrievalTime = time.Duration(atomic.LoadInt64(&cs.retrievalNanos) / count)
	}

	if cs.persistent != nil {
		sizeCtx, cancel := context.WithTimeout(cs.ctx, 2*time.Second)
		defer cancel()

		if bytes, entries, err := cs.persistent.Size(sizeCtx); err == nil {
			stats.DiskBytes = bytes
			stats.DiskEntries = entries
		} else {
			cs.logger.Debug("Persistent tier size unavailable", zap.Error(err))
		}
	}

	return stats
}

func (cs *CompositeStore) removePersistent(kind types.DataKind, id string) {
	ctx, cancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer cancel()

	if err := cs.persistent.Remove(ctx, kind, id); err != nil {
		cs.logger.Error("Persistent tier remove failed",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err))
	}
}

func (cs *CompositeStore) removePersistentKind(kind types.DataKind) {
	ctx, cancel := context.WithTimeout(cs.ctx, 10*time.Second)
	defer cancel()

	if err := cs.persistent.RemoveKind(ctx, kind); err != nil {
		cs.logger.Error("Persistent tier remove kind failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (cs *CompositeStore) publish(op types.ChangeOp, kind types.DataKind, id string, size int64) {
	if cs.broker == nil {
		return
	}

	event := &types.ChangeEvent{
		Op:        op,
		Kind:      kind,
		ID:        id,
		SizeBytes: size,
		Timestamp: time.Now(),
		Source:    "store",
		MessageID: uuid.New().String(),
	}

	if err := cs.broker.Publish(event); err != nil {
		cs.logger.Debug("Change event publish failed", zap.Error(err))
	}
}

func (cs *CompositeStore) trackRetrieval(start time.Time) {
	atomic.AddInt64(&cs.retrievalNanos, int64(time.Since(start)))
	atomic.AddInt64(&cs.retrievalCount, 1)
}

func (cs *CompositeStore) lockFor(kind types.DataKind, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(utils.EntryKey(string(kind), id)))
	return &cs.locks[h.Sum32()%lockShardCount]
}

func (cs *CompositeStore) getState() TierState {
	return cs.state.Load().(TierState)
}

func (cs *CompositeStore) setState(newState TierState) bool {
	currentState := cs.getState()
	return cs.state.CompareAndSwap(currentState, newState)
}

func (cs *CompositeStore) transitionState(from, to TierState) bool {
	return cs.state.CompareAndSwap(from, to)
}
