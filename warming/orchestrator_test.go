package warming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/freshness"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
)

type missStore struct{}

func (missStore) Get(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	return nil, types.ErrEntryNotFound
}
func (missStore) Put(ctx context.Context, kind types.DataKind, id string, payload []byte, pol types.Policy) error {
	return nil
}
func (missStore) Invalidate(ctx context.Context, kind types.DataKind, id string) error { return nil }
func (missStore) InvalidateAll(ctx context.Context, kinds ...types.DataKind) error     { return nil }
func (missStore) SetSyncStatus(ctx context.Context, kind types.DataKind, id string, status types.SyncStatus, retryCount int) error {
	return nil
}
func (missStore) Snapshot() []*types.Entry     { return nil }
func (missStore) Stats() types.CacheStatistics { return types.CacheStatistics{} }
func (missStore) Start() error                 { return nil }
func (missStore) Stop() error                  { return nil }
func (missStore) IsRunning() bool              { return true }

type planFetcher struct {
	mu      sync.Mutex
	fetched []types.DataKind
	failing map[types.DataKind]bool

	// gate blocks fetches until closed; with gateKind set only that
	// kind is held back.
	gate     chan struct{}
	gateKind types.DataKind
}

func (f *planFetcher) Fetch(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	if f.gate != nil && (f.gateKind == "" || f.gateKind == kind) {
		<-f.gate
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, kind)
	failing := f.failing[kind]
	f.mu.Unlock()

	if failing {
		return nil, errors.New("remote down")
	}
	return []byte("warm"), nil
}

func (f *planFetcher) count(kind types.DataKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fetched := range f.fetched {
		if fetched == kind {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T, config *types.WarmingConfig, fetcher *planFetcher) *Orchestrator {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	registry, err := policy.NewRegistry(log, nil)
	require.NoError(t, err)

	evaluator, err := freshness.NewEvaluator(context.Background(), log, missStore{}, fetcher, registry, nil)
	require.NoError(t, err)

	return NewOrchestrator(context.Background(), log, config, evaluator, nil)
}

func defaultPlan() []types.WarmupItem {
	return []types.WarmupItem{
		{Kind: types.KindCurrentUser, Priority: types.PriorityCritical, Condition: types.PreloadAuthenticated},
		{Kind: types.KindPets, Priority: types.PriorityCritical, Condition: types.PreloadAuthenticated},
		{Kind: types.KindScans, Priority: types.PriorityHigh, Condition: types.PreloadAuthenticated},
		{Kind: types.KindIngredients, Priority: types.PriorityMedium, Condition: types.PreloadAlways},
		{Kind: types.KindBrands, Priority: types.PriorityLow, Condition: types.PreloadAlways},
	}
}

func waitForPhase(t *testing.T, orchestrator *Orchestrator, phase types.HydrationPhase) {
	t.Helper()

	assert.Eventually(t, func() bool {
		return orchestrator.Phase() == phase
	}, 3*time.Second, 5*time.Millisecond)
}

func TestHydrate_Disabled(t *testing.T) {
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: false}, &planFetcher{})

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseComplete, result.Phase)
	assert.Empty(t, result.Results)
}

func TestHydrate_ReturnsAfterCriticalTier(t *testing.T) {
	fetcher := &planFetcher{}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: defaultPlan()}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: true})
	require.NoError(t, err)

	// Hydrate hands back the critical tier; the rest loads on.
	assert.Equal(t, types.PhaseBackground, result.Phase)
	assert.Len(t, result.Results, 2)
	assert.True(t, orchestrator.Ready())

	waitForPhase(t, orchestrator, types.PhaseComplete)
	assert.Equal(t, 1, fetcher.count(types.KindBrands))
}

func TestHydrate_CriticalGatesReadinessOnly(t *testing.T) {
	fetcher := &planFetcher{gate: make(chan struct{}), gateKind: types.KindBrands}
	plan := []types.WarmupItem{
		{Kind: types.KindCurrentUser, Priority: types.PriorityCritical, Condition: types.PreloadAlways},
		{Kind: types.KindBrands, Priority: types.PriorityLow, Condition: types.PreloadAlways},
	}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: plan}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{})
	require.NoError(t, err)

	// The low tier is still held back, yet the cache is ready to serve.
	assert.Equal(t, types.PhaseBackground, result.Phase)
	assert.True(t, orchestrator.Ready())
	assert.Equal(t, 1, fetcher.count(types.KindCurrentUser))
	assert.Equal(t, 0, fetcher.count(types.KindBrands))

	close(fetcher.gate)
	waitForPhase(t, orchestrator, types.PhaseComplete)
	assert.Equal(t, 1, fetcher.count(types.KindBrands))
}

func TestHydrate_NonCriticalFailureIsPartial(t *testing.T) {
	fetcher := &planFetcher{failing: map[types.DataKind]bool{types.KindBrands: true}}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: defaultPlan()}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: true})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBackground, result.Phase)

	waitForPhase(t, orchestrator, types.PhaseCompletePartial)
	assert.True(t, orchestrator.Ready())
}

func TestHydrate_PartialCriticalFailureStillCompletes(t *testing.T) {
	fetcher := &planFetcher{failing: map[types.DataKind]bool{types.KindCurrentUser: true}}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: defaultPlan()}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: true})
	require.NoError(t, err)

	assert.Equal(t, types.PhaseBackground, result.Phase)
	assert.True(t, orchestrator.Ready())

	waitForPhase(t, orchestrator, types.PhaseCompletePartial)
}

func TestHydrate_CriticalTierFailureAborts(t *testing.T) {
	fetcher := &planFetcher{failing: map[types.DataKind]bool{
		types.KindCurrentUser: true,
		types.KindPets:        true,
	}}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: defaultPlan()}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: true})
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrHydrationFailed))
	assert.Equal(t, types.PhaseFailed, result.Phase)
	assert.False(t, orchestrator.Ready())

	// Lower tiers never ran.
	waitForPhase(t, orchestrator, types.PhaseFailed)
	assert.Equal(t, 0, fetcher.count(types.KindIngredients))
}

func TestHydrate_UnauthenticatedSkipsUserKinds(t *testing.T) {
	fetcher := &planFetcher{}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: defaultPlan()}, fetcher)

	_, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: false})
	require.NoError(t, err)

	waitForPhase(t, orchestrator, types.PhaseComplete)
	assert.Equal(t, 0, fetcher.count(types.KindCurrentUser))
	assert.Equal(t, 0, fetcher.count(types.KindScans))
	assert.Equal(t, 1, fetcher.count(types.KindIngredients))
	assert.Equal(t, 1, fetcher.count(types.KindBrands))
}

func TestHydrate_NeverConditionSkips(t *testing.T) {
	fetcher := &planFetcher{}
	plan := []types.WarmupItem{
		{Kind: types.KindBrands, Priority: types.PriorityLow, Condition: types.PreloadNever},
	}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: plan}, fetcher)

	result, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{})
	require.NoError(t, err)
	assert.Empty(t, result.Results)

	waitForPhase(t, orchestrator, types.PhaseComplete)
	assert.Equal(t, 0, fetcher.count(types.KindBrands))
}

func TestHydrate_PriorityOrdering(t *testing.T) {
	fetcher := &planFetcher{}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Concurrency: 1, Plan: defaultPlan()}, fetcher)

	_, err := orchestrator.Hydrate(context.Background(), types.SessionInfo{Authenticated: true})
	require.NoError(t, err)

	waitForPhase(t, orchestrator, types.PhaseComplete)

	position := make(map[types.DataKind]int)
	fetcher.mu.Lock()
	for i, kind := range fetcher.fetched {
		position[kind] = i
	}
	fetcher.mu.Unlock()

	assert.Less(t, position[types.KindCurrentUser], position[types.KindScans])
	assert.Less(t, position[types.KindScans], position[types.KindIngredients])
	assert.Less(t, position[types.KindIngredients], position[types.KindBrands])
}

func TestHydrate_ConcurrentCallsJoin(t *testing.T) {
	fetcher := &planFetcher{gate: make(chan struct{})}
	plan := []types.WarmupItem{
		{Kind: types.KindIngredients, Priority: types.PriorityCritical, Condition: types.PreloadAlways},
	}
	orchestrator := newTestOrchestrator(t, &types.WarmingConfig{Enabled: true, Plan: plan}, fetcher)

	var wg sync.WaitGroup
	results := make([]*types.HydrationResult, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = orchestrator.Hydrate(context.Background(), types.SessionInfo{})
		}(i)
	}

	assert.Eventually(t, func() bool {
		return orchestrator.Phase() == types.PhaseHydrating
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, 1, fetcher.count(types.KindIngredients))
	assert.Same(t, results[0], results[1])
}
