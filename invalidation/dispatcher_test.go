package invalidation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
)

type purgeRecorder struct {
	mu          sync.Mutex
	kindPurges  []types.DataKind
	entryPurges []string
}

func (p *purgeRecorder) Get(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	return nil, types.ErrEntryNotFound
}

func (p *purgeRecorder) Put(ctx context.Context, kind types.DataKind, id string, payload []byte, pol types.Policy) error {
	return nil
}

func (p *purgeRecorder) Invalidate(ctx context.Context, kind types.DataKind, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entryPurges = append(p.entryPurges, string(kind)+"/"+id)
	return nil
}

func (p *purgeRecorder) InvalidateAll(ctx context.Context, kinds ...types.DataKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kindPurges = append(p.kindPurges, kinds...)
	return nil
}

func (p *purgeRecorder) SetSyncStatus(ctx context.Context, kind types.DataKind, id string, status types.SyncStatus, retryCount int) error {
	return nil
}
func (p *purgeRecorder) Snapshot() []*types.Entry     { return nil }
func (p *purgeRecorder) Stats() types.CacheStatistics { return types.CacheStatistics{} }
func (p *purgeRecorder) Start() error                 { return nil }
func (p *purgeRecorder) Stop() error                  { return nil }
func (p *purgeRecorder) IsRunning() bool              { return true }

func newTestDispatcher(t *testing.T) (*Dispatcher, *purgeRecorder) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	registry, err := policy.NewRegistry(log, nil)
	require.NoError(t, err)

	recorder := &purgeRecorder{}
	return NewDispatcher(log, registry, recorder, nil), recorder
}

func TestDispatch_PetDataChangedCascades(t *testing.T) {
	dispatcher, recorder := newTestDispatcher(t)

	require.NoError(t, dispatcher.Dispatch(context.Background(), types.TriggerPetDataChanged))

	assert.ElementsMatch(t, []types.DataKind{
		types.KindPets,
		types.KindPetDetails,
		types.KindScans,
		types.KindScanHistory,
	}, recorder.kindPurges)
}

func TestDispatch_ScanCompleted(t *testing.T) {
	dispatcher, recorder := newTestDispatcher(t)

	require.NoError(t, dispatcher.Dispatch(context.Background(), types.TriggerScanCompleted))

	assert.ElementsMatch(t, []types.DataKind{
		types.KindScans,
		types.KindScanHistory,
	}, recorder.kindPurges)
}

func TestDispatch_LogoutClearsUserScopedKinds(t *testing.T) {
	dispatcher, recorder := newTestDispatcher(t)

	require.NoError(t, dispatcher.Dispatch(context.Background(), types.TriggerLogout))

	assert.Contains(t, recorder.kindPurges, types.KindCurrentUser)
	assert.Contains(t, recorder.kindPurges, types.KindSessionStatus)
	// Reference data survives a logout.
	assert.NotContains(t, recorder.kindPurges, types.KindIngredients)
	assert.NotContains(t, recorder.kindPurges, types.KindBrands)
}

func TestDispatch_UnknownTrigger(t *testing.T) {
	dispatcher, recorder := newTestDispatcher(t)

	err := dispatcher.Dispatch(context.Background(), types.Trigger("mystery"))
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrTriggerUnknown))
	assert.Empty(t, recorder.kindPurges)
}

func TestInvalidateEntry(t *testing.T) {
	dispatcher, recorder := newTestDispatcher(t)

	require.NoError(t, dispatcher.InvalidateEntry(context.Background(), types.KindPetDetails, "pet-7"))

	assert.Equal(t, []string{"pet_details/pet-7"}, recorder.entryPurges)
}
