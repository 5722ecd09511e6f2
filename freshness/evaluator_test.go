package freshness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*types.Entry
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*types.Entry)}
}

func (s *fakeStore) key(kind types.DataKind, id string) string {
	return string(kind) + "/" + id
}

func (s *fakeStore) seed(kind types.DataKind, id string, payload []byte, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.key(kind, id)] = &types.Entry{
		Kind:      kind,
		ID:        id,
		Payload:   payload,
		SizeBytes: int64(len(payload)),
		CreatedAt: time.Now().Add(-age),
	}
}

func (s *fakeStore) Get(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[s.key(kind, id)]
	if !ok {
		return nil, types.ErrEntryNotFound
	}
	return entry, nil
}

func (s *fakeStore) Put(ctx context.Context, kind types.DataKind, id string, payload []byte, pol types.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.entries[s.key(kind, id)] = &types.Entry{
		Kind:      kind,
		ID:        id,
		Payload:   payload,
		SizeBytes: int64(len(payload)),
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *fakeStore) Invalidate(ctx context.Context, kind types.DataKind, id string) error { return nil }
func (s *fakeStore) InvalidateAll(ctx context.Context, kinds ...types.DataKind) error     { return nil }
func (s *fakeStore) SetSyncStatus(ctx context.Context, kind types.DataKind, id string, status types.SyncStatus, retryCount int) error {
	return nil
}
func (s *fakeStore) Snapshot() []*types.Entry      { return nil }
func (s *fakeStore) Stats() types.CacheStatistics  { return types.CacheStatistics{} }
func (s *fakeStore) Start() error                  { return nil }
func (s *fakeStore) Stop() error                   { return nil }
func (s *fakeStore) IsRunning() bool               { return true }

type countingFetcher struct {
	calls   atomic.Int64
	payload []byte
	err     error
	gate    chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func newTestEvaluator(t *testing.T, store types.EntryStore, fetcher types.Fetcher) *Evaluator {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	registry, err := policy.NewRegistry(log, map[types.DataKind]types.Policy{
		types.KindScans: {TTL: 1800 * time.Second, RefreshThreshold: 180 * time.Second},
	})
	require.NoError(t, err)

	evaluator, err := NewEvaluator(context.Background(), log, store, fetcher, registry, nil)
	require.NoError(t, err)
	return evaluator
}

func TestNewEvaluator_NilFetcher(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	registry, err := policy.NewRegistry(log, nil)
	require.NoError(t, err)

	_, err = NewEvaluator(context.Background(), log, newFakeStore(), nil, registry, nil)
	assert.ErrorIs(t, err, types.ErrFetcherIsNil)
}

func TestClassify(t *testing.T) {
	evaluator := newTestEvaluator(t, newFakeStore(), &countingFetcher{})
	pol := types.Policy{TTL: 1800 * time.Second, RefreshThreshold: 180 * time.Second}
	now := time.Now()

	cases := []struct {
		name string
		age  time.Duration
		want types.Freshness
	}{
		{"well inside ttl", 1700 * time.Second, types.FreshnessFresh},
		{"inside refresh window", 1750 * time.Second, types.FreshnessStaleRefresh},
		{"at ttl", 1800 * time.Second, types.FreshnessExpired},
		{"past ttl", 1900 * time.Second, types.FreshnessExpired},
		{"brand new", 0, types.FreshnessFresh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := &types.Entry{CreatedAt: now.Add(-tc.age)}
			assert.Equal(t, tc.want, evaluator.Classify(entry, pol, now))
		})
	}
}

func TestClassify_ZeroThresholdNeverStale(t *testing.T) {
	evaluator := newTestEvaluator(t, newFakeStore(), &countingFetcher{})
	pol := types.Policy{TTL: time.Hour}
	now := time.Now()

	entry := &types.Entry{CreatedAt: now.Add(-59 * time.Minute)}
	assert.Equal(t, types.FreshnessFresh, evaluator.Classify(entry, pol, now))
}

func TestResolve_MissFetchesAndStores(t *testing.T) {
	store := newFakeStore()
	fetcher := &countingFetcher{payload: []byte("fetched")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("fetched"), payload)
	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.Equal(t, 1, store.putCount())
}

func TestResolve_FreshServedWithoutFetch(t *testing.T) {
	store := newFakeStore()
	store.seed(types.KindScans, "scan-1", []byte("cached"), 10*time.Minute)
	fetcher := &countingFetcher{payload: []byte("fetched")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), payload)
	assert.EqualValues(t, 0, fetcher.calls.Load())
}

func TestResolve_StaleServedWhileRefreshing(t *testing.T) {
	store := newFakeStore()
	store.seed(types.KindScans, "scan-1", []byte("cached"), 1750*time.Second)
	fetcher := &countingFetcher{payload: []byte("refreshed")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), payload)

	// The refresh happens behind the caller's back.
	assert.Eventually(t, func() bool {
		return store.putCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResolve_ExpiredBlocksOnFetch(t *testing.T) {
	store := newFakeStore()
	store.seed(types.KindScans, "scan-1", []byte("old"), 1900*time.Second)
	fetcher := &countingFetcher{payload: []byte("new")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), payload)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestResolve_ExpiredFallsBackToStaleOnFetchFailure(t *testing.T) {
	store := newFakeStore()
	store.seed(types.KindScans, "scan-1", []byte("old"), 1900*time.Second)
	fetcher := &countingFetcher{err: errors.New("remote down")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), payload)
}

func TestResolve_MissWithFetchFailure(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("remote down")}
	evaluator := newTestEvaluator(t, newFakeStore(), fetcher)

	_, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFetchFailed)
}

func TestResolve_ConcurrentFetchesCollapse(t *testing.T) {
	store := newFakeStore()
	fetcher := &countingFetcher{payload: []byte("shared"), gate: make(chan struct{})}
	evaluator := newTestEvaluator(t, store, fetcher)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
		}(i)
	}

	// Let every caller pile onto the in-flight fetch before releasing it.
	assert.Eventually(t, func() bool {
		return fetcher.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestResolve_DisabledKindBypassesCache(t *testing.T) {
	store := newFakeStore()
	fetcher := &countingFetcher{payload: []byte("direct")}
	evaluator := newTestEvaluator(t, store, fetcher)

	require.NoError(t, evaluator.registry.SetSessionConfig(&types.UserCacheConfig{
		EnabledKinds: []types.DataKind{types.KindPets},
	}))

	payload, err := evaluator.Resolve(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), payload)
	assert.Equal(t, 0, store.putCount())
}

func TestRefreshNow_ForcesFetch(t *testing.T) {
	store := newFakeStore()
	store.seed(types.KindScans, "scan-1", []byte("cached"), time.Minute)
	fetcher := &countingFetcher{payload: []byte("forced")}
	evaluator := newTestEvaluator(t, store, fetcher)

	payload, err := evaluator.RefreshNow(context.Background(), types.KindScans, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("forced"), payload)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}
