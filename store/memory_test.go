package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestMemoryTier(t *testing.T, config *types.MemoryTierConfig) *MemoryTier {
	t.Helper()

	if config == nil {
		config = &types.MemoryTierConfig{}
	}

	tier := NewMemoryTier(context.Background(), logger.NewZapWrapper(zap.NewNop()), config)
	require.NoError(t, tier.Start())
	t.Cleanup(func() {
		if tier.IsRunning() {
			_ = tier.Stop()
		}
	})
	return tier
}

func testEntry(kind types.DataKind, id string, size int64) *types.Entry {
	return &types.Entry{
		Kind:       kind,
		ID:         id,
		Payload:    make([]byte, size),
		SizeBytes:  size,
		CreatedAt:  time.Now(),
		SyncStatus: types.SyncStatusSynced,
	}
}

func TestMemoryTier_SetGet(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	entry := testEntry(types.KindPets, "pet-1", 64)
	require.NoError(t, tier.Set(entry, types.Policy{TTL: time.Hour}))

	got, ok := tier.Get(types.KindPets, "pet-1")
	require.True(t, ok)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.EqualValues(t, 1, got.AccessCount)

	_, ok = tier.Get(types.KindPets, "pet-2")
	assert.False(t, ok)

	hits, misses, _, _ := tier.Counters()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
}

func TestMemoryTier_PeekSkipsBookkeeping(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 64), types.Policy{TTL: time.Hour}))

	peeked, ok := tier.Peek(types.KindPets, "pet-1")
	require.True(t, ok)
	assert.EqualValues(t, 0, peeked.AccessCount)

	_, ok = tier.Peek(types.KindPets, "missing")
	assert.False(t, ok)

	// Neither the hit nor the miss reached the counters.
	hits, misses, _, _ := tier.Counters()
	assert.EqualValues(t, 0, hits)
	assert.EqualValues(t, 0, misses)

	// A real read still counts.
	got, ok := tier.Get(types.KindPets, "pet-1")
	require.True(t, ok)
	assert.EqualValues(t, 1, got.AccessCount)

	hits, _, _, _ = tier.Counters()
	assert.EqualValues(t, 1, hits)
}

func TestMemoryTier_SetRejectsEmptyKind(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	err := tier.Set(&types.Entry{}, types.Policy{TTL: time.Hour})
	assert.ErrorIs(t, err, types.ErrEntryKeyEmpty)
}

func TestMemoryTier_ExpiredEntryStillServed(t *testing.T) {
	tier := newTestMemoryTier(t, &types.MemoryTierConfig{StaleGrace: "1h"})

	entry := testEntry(types.KindScans, "scan-1", 32)
	entry.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, tier.Set(entry, types.Policy{TTL: time.Hour}))

	// Past its ttl but within grace: the tier keeps serving it and the
	// freshness layer decides what happens next.
	got, ok := tier.Get(types.KindScans, "scan-1")
	require.True(t, ok)
	assert.Equal(t, entry.Payload, got.Payload)
}

func TestMemoryTier_SweepPurgesPastGrace(t *testing.T) {
	tier := newTestMemoryTier(t, &types.MemoryTierConfig{StaleGrace: "1ms", CleanupInterval: "1h"})

	var observed []types.ChangeOp
	tier.SetRemovalObserver(func(op types.ChangeOp, kind types.DataKind, id string, size int64) {
		observed = append(observed, op)
	})

	entry := testEntry(types.KindScans, "scan-1", 32)
	entry.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, tier.Set(entry, types.Policy{TTL: time.Minute}))

	tier.sweep()

	_, ok := tier.Get(types.KindScans, "scan-1")
	assert.False(t, ok)
	assert.Equal(t, []types.ChangeOp{types.ChangeOpExpire}, observed)

	_, _, _, expirations := tier.Counters()
	assert.EqualValues(t, 1, expirations)
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	tier := newTestMemoryTier(t, &types.MemoryTierConfig{MaxEntries: 3})

	var evicted []string
	tier.SetRemovalObserver(func(op types.ChangeOp, kind types.DataKind, id string, size int64) {
		if op == types.ChangeOpEvict {
			evicted = append(evicted, id)
		}
	})

	policy := types.Policy{TTL: time.Hour}
	for i := 0; i < 3; i++ {
		require.NoError(t, tier.Set(testEntry(types.KindPets, fmt.Sprintf("pet-%d", i), 16), policy))
		time.Sleep(2 * time.Millisecond)
	}

	// Touch pet-0 so pet-1 becomes the coldest entry.
	_, ok := tier.Get(types.KindPets, "pet-0")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-3", 16), policy))

	assert.Contains(t, evicted, "pet-1")

	_, ok = tier.Get(types.KindPets, "pet-0")
	assert.True(t, ok)
	_, ok = tier.Get(types.KindPets, "pet-3")
	assert.True(t, ok)
}

func TestMemoryTier_ByteCapacityEviction(t *testing.T) {
	tier := newTestMemoryTier(t, &types.MemoryTierConfig{MaxBytes: 100})

	policy := types.Policy{TTL: time.Hour}
	require.NoError(t, tier.Set(testEntry(types.KindPets, "a", 60), policy))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, tier.Set(testEntry(types.KindPets, "b", 60), policy))

	// The put that pushed usage over capacity must survive.
	_, ok := tier.Get(types.KindPets, "b")
	assert.True(t, ok)
	assert.LessOrEqual(t, tier.UsedBytes(), int64(100))

	_, _, evictions, _ := tier.Counters()
	assert.EqualValues(t, 1, evictions)
}

func TestMemoryTier_DeleteKind(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	policy := types.Policy{TTL: time.Hour}
	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 16), policy))
	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-2", 16), policy))
	require.NoError(t, tier.Set(testEntry(types.KindScans, "scan-1", 16), policy))

	removed := tier.DeleteKind(types.KindPets)
	assert.ElementsMatch(t, []string{"pet-1", "pet-2"}, removed)

	assert.Equal(t, 1, tier.Len())
	_, ok := tier.Get(types.KindScans, "scan-1")
	assert.True(t, ok)
}

func TestMemoryTier_SetSyncMeta(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 16), types.Policy{TTL: time.Hour}))

	assert.True(t, tier.SetSyncMeta(types.KindPets, "pet-1", types.SyncStatusPending, 2))
	assert.False(t, tier.SetSyncMeta(types.KindPets, "missing", types.SyncStatusPending, 0))

	got, ok := tier.Get(types.KindPets, "pet-1")
	require.True(t, ok)
	assert.Equal(t, types.SyncStatusPending, got.SyncStatus)
	assert.Equal(t, 2, got.RetryCount)
}

func TestMemoryTier_ReplaceAccountsBytes(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 100), types.Policy{TTL: time.Hour}))
	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 40), types.Policy{TTL: time.Hour}))

	assert.Equal(t, int64(40), tier.UsedBytes())
	assert.Equal(t, 1, tier.Len())
}

func TestMemoryTier_StopClearsData(t *testing.T) {
	tier := newTestMemoryTier(t, nil)

	require.NoError(t, tier.Set(testEntry(types.KindPets, "pet-1", 16), types.Policy{TTL: time.Hour}))
	require.NoError(t, tier.Stop())

	assert.Equal(t, 0, tier.Len())
	assert.False(t, tier.IsRunning())
	assert.ErrorIs(t, tier.Stop(), types.ErrServerNotRunning)
}
