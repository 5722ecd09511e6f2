package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	// Memory usage is reduced to this fraction of the configured max
	// once an eviction pass starts, so back-to-back puts do not thrash
	// the index lock.
	evictionHysteresis = 0.9

	defaultCleanupInterval = 5 * time.Minute
	defaultStaleGrace      = time.Hour
)

type memoryEntry struct {
	entry        *types.Entry
	policy       types.Policy
	expiresAt    time.Time
	purgeAt      time.Time
	lastAccessed atomic.Int64
	accessCount  atomic.Int64
}

// MemoryTier is the O(1) first tier. Expired entries are still served
// (the freshness evaluator decides what to do with them) and are only
// destroyed by the background sweep once past their stale grace.
type MemoryTier struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *types.MemoryTierConfig
	logger      types.Logger
	data        map[string]*memoryEntry
	usedBytes   int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	mu          sync.RWMutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	staleGrace  time.Duration
	onRemove    func(op types.ChangeOp, kind types.DataKind, id string, size int64)
}

func NewMemoryTier(ctx context.Context, logger types.Logger, config *types.MemoryTierConfig) *MemoryTier {
	tierCtx, cancel := context.WithCancel(ctx)

	staleGrace := defaultStaleGrace
	if config.StaleGrace != "" {
		if parsed, err := time.ParseDuration(config.StaleGrace); err == nil && parsed > 0 {
			staleGrace = parsed
		} else {
			logger.Warn("Invalid stale grace, using default",
				zap.String("stale_grace", config.StaleGrace))
		}
	}

	tier := &MemoryTier{
		ctx:         tierCtx,
		cancel:      cancel,
		config:      config,
		logger:      logger,
		data:        make(map[string]*memoryEntry),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		staleGrace:  staleGrace,
	}

	tier.state.Store(MemoryStateStopped)

	return tier
}

// SetRemovalObserver wires the synchronous change notification for
// sweep and eviction removals. Must be called before Start.
func (m *MemoryTier) SetRemovalObserver(fn func(op types.ChangeOp, kind types.DataKind, id string, size int64)) {
	m.onRemove = fn
}

func (m *MemoryTier) Get(kind types.DataKind, id string) (*types.Entry, bool) {
	key := utils.EntryKey(string(kind), id)

	m.mu.RLock()
	me, exists := m.data[key]
	m.mu.RUnlock()

	if !exists {
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	now := time.Now()
	me.lastAccessed.Store(now.UnixNano())
	me.accessCount.Add(1)

	atomic.AddUint64(&m.hits, 1)

	return me.materialize(), true
}

// Peek returns the entry without touching hit/miss counters or access
// bookkeeping. Background maintenance reads go through here so they do
// not skew hit-rate statistics or LRU recency.
func (m *MemoryTier) Peek(kind types.DataKind, id string) (*types.Entry, bool) {
	key := utils.EntryKey(string(kind), id)

	m.mu.RLock()
	me, exists := m.data[key]
	m.mu.RUnlock()

	if !exists {
		return nil, false
	}
	return me.materialize(), true
}

func (m *MemoryTier) Set(entry *types.Entry, policy types.Policy) error {
	if entry == nil || entry.Kind == "" {
		return types.ErrEntryKeyEmpty
	}

	key := utils.EntryKey(string(entry.Kind), entry.ID)
	now := time.Now()

	me := &memoryEntry{
		entry:     entry,
		policy:    policy,
		expiresAt: entry.CreatedAt.Add(policy.TTL),
	}
	me.purgeAt = me.expiresAt.Add(m.staleGrace)
	me.lastAccessed.Store(now.UnixNano())
	me.accessCount.Store(entry.AccessCount)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.data[key]; exists {
		m.usedBytes -= old.entry.SizeBytes
	}

	m.data[key] = me
	m.usedBytes += entry.SizeBytes

	if m.overCapacityUnsafe() {
		m.evictUnsafe(key)
	}

	return nil
}

func (m *MemoryTier) Delete(kind types.DataKind, id string) bool {
	key := utils.EntryKey(string(kind), id)

	m.mu.Lock()
	defer m.mu.Unlock()

	me, exists := m.data[key]
	if !exists {
		return false
	}

	m.usedBytes -= me.entry.SizeBytes
	delete(m.data, key)
	return true
}

// DeleteKind removes every entry of the kind and returns the ids that
// were present.
func (m *MemoryTier) DeleteKind(kind types.DataKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for key, me := range m.data {
		if me.entry.Kind != kind {
			continue
		}
		m.usedBytes -= me.entry.SizeBytes
		delete(m.data, key)
		removed = append(removed, me.entry.ID)
	}
	return removed
}

func (m *MemoryTier) SetSyncMeta(kind types.DataKind, id string, status types.SyncStatus, retryCount int) bool {
	key := utils.EntryKey(string(kind), id)

	m.mu.Lock()
	defer m.mu.Unlock()

	me, exists := m.data[key]
	if !exists {
		return false
	}

	me.entry.SyncStatus = status
	me.entry.RetryCount = retryCount
	return true
}

func (m *MemoryTier) Snapshot() []*types.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*types.Entry, 0, len(m.data))
	for _, me := range m.data {
		entries = append(entries, me.materialize())
	}
	return entries
}

func (m *MemoryTier) UsedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedBytes
}

func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryTier) Counters() (hits, misses, evictions, expirations uint64) {
	return atomic.LoadUint64(&m.hits),
		atomic.LoadUint64(&m.misses),
		atomic.LoadUint64(&m.evictions),
		atomic.LoadUint64(&m.expirations)
}

func (m *MemoryTier) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory tier is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	go m.startCleanupRoutine()

	m.logger.Info("Memory tier started",
		zap.Int64("max_bytes", m.config.MaxBytes),
		zap.Int("max_entries", m.config.MaxEntries))
	return nil
}

func (m *MemoryTier) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory tier is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	select {
	case m.stopCleanup <- struct{}{}:
	case <-time.After(time.Second):
	}

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.mu.Lock()
	entriesCount := len(m.data)
	m.data = make(map[string]*memoryEntry)
	m.usedBytes = 0
	m.mu.Unlock()

	m.logger.Info("Memory tier stopped", zap.Int("cleared_entries", entriesCount))
	return nil
}

func (m *MemoryTier) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryTier) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryTier) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryTier) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryTier) overCapacityUnsafe() bool {
	if m.config.MaxBytes > 0 && m.usedBytes > m.config.MaxBytes {
		return true
	}
	if m.config.MaxEntries > 0 && len(m.data) > m.config.MaxEntries {
		return true
	}
	return false
}

// evictUnsafe removes least-recently-accessed entries until usage falls
// to the hysteresis watermark. The entry written by the current put is
// never selected.
func (m *MemoryTier) evictUnsafe(protectedKey string) {
	targetBytes := int64(float64(m.config.MaxBytes) * evictionHysteresis)
	targetEntries := int(float64(m.config.MaxEntries) * evictionHysteresis)

	for {
		overBytes := m.config.MaxBytes > 0 && m.usedBytes > targetBytes
		overEntries := m.config.MaxEntries > 0 && len(m.data) > targetEntries
		if !overBytes && !overEntries {
			return
		}

		victimKey := m.findLRUVictimUnsafe(protectedKey)
		if victimKey == "" {
			return
		}

		me := m.data[victimKey]
		m.usedBytes -= me.entry.SizeBytes
		delete(m.data, victimKey)
		atomic.AddUint64(&m.evictions, 1)

		if m.onRemove != nil {
			m.onRemove(types.ChangeOpEvict, me.entry.Kind, me.entry.ID, me.entry.SizeBytes)
		}
	}
}

func (m *MemoryTier) findLRUVictimUnsafe(protectedKey string) string {
	var victimKey string
	var oldest int64

	for key, me := range m.data {
		if key == protectedKey {
			continue
		}
		accessed := me.lastAccessed.Load()
		if victimKey == "" || accessed < oldest {
			victimKey = key
			oldest = accessed
		}
	}

	return victimKey
}

func (m *MemoryTier) sweep() {
	now := time.Now()

	m.mu.Lock()

	type removal struct {
		kind types.DataKind
		id   string
		size int64
	}
	var removed []removal

	for key, me := range m.data {
		if now.After(me.purgeAt) {
			m.usedBytes -= me.entry.SizeBytes
			delete(m.data, key)
			removed = append(removed, removal{me.entry.Kind, me.entry.ID, me.entry.SizeBytes})
		}
	}
	m.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	atomic.AddUint64(&m.expirations, uint64(len(removed)))

	for _, r := range removed {
		if m.onRemove != nil {
			m.onRemove(types.ChangeOpExpire, r.kind, r.id, r.size)
		}
	}

	m.logger.Debug("Sweep completed", zap.Int("expired_entries", len(removed)))
}

func (m *MemoryTier) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval := defaultCleanupInterval
	if m.config.CleanupInterval != "" {
		parsed, err := time.ParseDuration(m.config.CleanupInterval)
		if err != nil {
			m.logger.Error("Invalid cleanup interval, using default 5m",
				zap.String("interval", m.config.CleanupInterval),
				zap.Error(err))
		} else {
			cleanupInterval = parsed
		}
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-m.stopCleanup:
			m.logger.Debug("Cleanup routine stopped by signal")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// materialize returns a caller-owned copy of the entry with access
// bookkeeping folded in; the payload slice is shared and treated as
// immutable.
func (me *memoryEntry) materialize() *types.Entry {
	copied := *me.entry
	copied.LastAccessed = time.Unix(0, me.lastAccessed.Load())
	copied.AccessCount = me.accessCount.Load()
	return &copied
}
