package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestManager(t *testing.T) types.CronManager {
	t.Helper()

	configManager, err := config.NewStaticManager(&types.ServiceConfig{
		Name:    "test-cache",
		Version: "0.0.1",
		Cron:    &types.CronConfig{Enabled: true, Timezone: "UTC"},
	})
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), configManager, logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)
	return manager
}

func TestAdd_Validation(t *testing.T) {
	manager := newTestManager(t)

	assert.ErrorIs(t, manager.Add("", "* * * * * *", func() {}), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("job", "", func() {}), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, manager.Add("job", "* * * * * *", nil), types.ErrCronJobIsNil)

	err := manager.Add("job", "not a cron spec", func() {})
	require.Error(t, err)
}

func TestAdd_DuplicateName(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Add("job", "* * * * * *", func() {}))
	assert.ErrorIs(t, manager.Add("job", "* * * * * *", func() {}), types.ErrCronJobExists)
}

func TestRemove(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Add("job", "* * * * * *", func() {}))
	require.NoError(t, manager.Remove("job"))

	// Removing frees the name for reuse; removing again is a no-op.
	require.NoError(t, manager.Remove("job"))
	assert.NoError(t, manager.Add("job", "* * * * * *", func() {}))
}

func TestJobExecution(t *testing.T) {
	manager := newTestManager(t)

	var runs atomic.Int32
	require.NoError(t, manager.Add("ticker", "* * * * * *", func() {
		runs.Add(1)
	}))

	require.NoError(t, manager.Start())
	defer manager.Stop()

	assert.True(t, manager.IsRunning())
	assert.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Start())
	assert.ErrorIs(t, manager.Start(), types.ErrCronIsRunning)
	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())

	// Jobs cannot be scheduled after shutdown.
	assert.ErrorIs(t, manager.Add("late", "* * * * * *", func() {}), types.ErrCronSchedulerStopped)
}
