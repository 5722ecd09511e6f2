package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/freshness"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const syncJobName = "cache_sync"

type CoordinatorState int32

const (
	CoordinatorStateStopped CoordinatorState = iota
	CoordinatorStateStarting
	CoordinatorStateRunning
	CoordinatorStateStopping
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 5 * time.Minute
	defaultMaxRetries  = 5
)

type Report struct {
	Synced    int `json:"synced"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Backoff   int `json:"backoff"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

type retryRecord struct {
	attempts    int
	nextAttempt time.Time
}

// Coordinator reconciles cached entries with the remote on a schedule
// and on application resume. The remote copy wins for every entry
// except those whose local changes are still pending upload; such
// entries are deferred untouched. Failing keys back off exponentially
// and are marked failed once the retry budget runs out; a failed entry
// is never picked up by the coordinator again — only an explicit
// refresh or invalidation recovers it.
type Coordinator struct {
	ctx       context.Context
	logger    types.Logger
	config    *types.SyncConfig
	store     types.EntryStore
	evaluator *freshness.Evaluator
	registry  *policy.Registry
	cron      types.CronManager
	metrics   types.MetricsManager

	retries map[string]*retryRecord
	mu      sync.Mutex
	state   atomic.Value
}

func NewCoordinator(ctx context.Context, logger types.Logger, config *types.SyncConfig, store types.EntryStore, evaluator *freshness.Evaluator, registry *policy.Registry, cron types.CronManager, metrics types.MetricsManager) *Coordinator {
	c := &Coordinator{
		ctx:       ctx,
		logger:    logger,
		config:    config,
		store:     store,
		evaluator: evaluator,
		registry:  registry,
		cron:      cron,
		metrics:   metrics,
		retries:   make(map[string]*retryRecord),
	}

	c.state.Store(CoordinatorStateStopped)
	return c
}

func (c *Coordinator) Start() error {
	if c.config == nil || !c.config.Enabled {
		return types.ErrSyncIsDisabled
	}

	if !c.transitionState(CoordinatorStateStopped, CoordinatorStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == CoordinatorStateStarting {
			c.setState(CoordinatorStateRunning)
		}
	}()

	if c.cron != nil {
		err := c.cron.Add(syncJobName, c.config.Schedule, func() {
			syncCtx, cancel := context.WithTimeout(c.ctx, time.Minute)
			defer cancel()

			if _, err := c.SyncNow(syncCtx); err != nil {
				c.logger.Error("Scheduled sync failed", zap.Error(err))
			}
		})
		if err != nil {
			c.setState(CoordinatorStateStopped)
			return types.WrapError(err, "failed to schedule sync job")
		}
	}

	c.logger.Info("Sync coordinator started",
		zap.String("schedule", c.config.Schedule))
	return nil
}

func (c *Coordinator) Stop() error {
	if !c.transitionState(CoordinatorStateRunning, CoordinatorStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(CoordinatorStateStopped)
	}()

	if c.cron != nil {
		if err := c.cron.Remove(syncJobName); err != nil {
			c.logger.Warn("Failed to remove sync job", zap.Error(err))
		}
	}

	c.logger.Info("Sync coordinator stopped gracefully")
	return nil
}

func (c *Coordinator) IsRunning() bool {
	return c.getState() == CoordinatorStateRunning
}

// OnResume runs a sync pass when the application returns to the
// foreground; cached data may have gone stale while suspended.
func (c *Coordinator) OnResume(ctx context.Context) (*Report, error) {
	c.logger.Debug("Resume detected, starting sync pass")
	return c.SyncNow(ctx)
}

// SyncNow walks the current snapshot and reconciles every entry that
// needs it: unsynced entries and entries past their refresh threshold.
// Fresh synced entries and session-disabled kinds are left alone.
// Entries with pending local changes are deferred; keys inside their
// backoff window wait for the window to elapse, and keys whose retry
// budget ran out are never attempted again.
func (c *Coordinator) SyncNow(ctx context.Context) (*Report, error) {
	if c.config == nil || !c.config.Enabled {
		return nil, types.ErrSyncIsDisabled
	}

	report := &Report{}
	start := time.Now()

	for _, entry := range c.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return report, types.WrapError(err, "sync cancelled")
		}

		if !c.registry.KindEnabled(entry.Kind) {
			report.Skipped++
			continue
		}

		if entry.SyncStatus == types.SyncStatusFailed {
			report.Exhausted++
			continue
		}

		if entry.SyncStatus == types.SyncStatusPending {
			report.Deferred++
			continue
		}

		if entry.SyncStatus == types.SyncStatusSynced &&
			c.evaluator.Classify(entry, c.registry.GetPolicy(entry.Kind), time.Now()) == types.FreshnessFresh {
			report.Skipped++
			continue
		}

		key := utils.EntryKey(string(entry.Kind), entry.ID)
		if c.retryExhausted(key) {
			report.Exhausted++
			continue
		}
		if !c.attemptAllowed(key) {
			report.Backoff++
			continue
		}

		if _, err := c.evaluator.RefreshNow(ctx, entry.Kind, entry.ID); err != nil {
			c.recordFailure(ctx, entry, key, err, report)
			continue
		}

		c.clearRetries(key)
		if err := c.store.SetSyncStatus(ctx, entry.Kind, entry.ID, types.SyncStatusSynced, 0); err != nil && !types.IsError(err, types.ErrEntryNotFound) {
			c.logger.Warn("Failed to mark entry synced",
				zap.String("key", key),
				zap.Error(err))
		}
		report.Synced++
	}

	c.logger.Info("Sync pass completed",
		zap.Int("synced", report.Synced),
		zap.Int("deferred", report.Deferred),
		zap.Int("skipped", report.Skipped),
		zap.Int("backoff", report.Backoff),
		zap.Int("failed", report.Failed),
		zap.Int("exhausted", report.Exhausted),
		zap.Duration("duration", time.Since(start)))

	if c.metrics != nil {
		c.metrics.Counter("cache_sync_passes_total", nil).Inc()
		c.metrics.Gauge("cache_sync_failed_entries", nil).Set(float64(report.Failed))
	}

	return report, nil
}

func (c *Coordinator) attemptAllowed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.retries[key]
	if !exists {
		return true
	}
	return time.Now().After(rec.nextAttempt)
}

// retryExhausted reports whether the key's retry budget ran out. Such
// keys are excluded from every future pass regardless of their backoff
// window.
func (c *Coordinator) retryExhausted(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.retries[key]
	return exists && rec.attempts >= c.maxRetries()
}

func (c *Coordinator) maxRetries() int {
	if c.config.MaxRetries > 0 {
		return c.config.MaxRetries
	}
	return defaultMaxRetries
}

func (c *Coordinator) recordFailure(ctx context.Context, entry *types.Entry, key string, cause error, report *Report) {
	c.mu.Lock()

	rec, exists := c.retries[key]
	if !exists {
		rec = &retryRecord{}
		c.retries[key] = rec
	}

	rec.attempts++
	rec.nextAttempt = time.Now().Add(c.backoffFor(rec.attempts))
	attempts := rec.attempts

	c.mu.Unlock()

	report.Failed++

	if attempts >= c.maxRetries() {
		c.logger.Error("Sync retry budget exhausted",
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Error(types.ErrSyncRetryExhausted),
			zap.NamedError("cause", cause))

		if err := c.store.SetSyncStatus(ctx, entry.Kind, entry.ID, types.SyncStatusFailed, attempts); err != nil && !types.IsError(err, types.ErrEntryNotFound) {
			c.logger.Warn("Failed to mark entry failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	c.logger.Debug("Sync attempt failed, backing off",
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if err := c.store.SetSyncStatus(ctx, entry.Kind, entry.ID, entry.SyncStatus, attempts); err != nil && !types.IsError(err, types.ErrEntryNotFound) {
		c.logger.Warn("Failed to record retry count", zap.String("key", key), zap.Error(err))
	}
}

// backoffFor doubles per attempt from the base, capped at the maximum.
func (c *Coordinator) backoffFor(attempts int) time.Duration {
	base := c.config.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := c.config.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}

	backoff := base
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func (c *Coordinator) clearRetries(key string) {
	c.mu.Lock()
	delete(c.retries, key)
	c.mu.Unlock()
}

func (c *Coordinator) getState() CoordinatorState {
	return c.state.Load().(CoordinatorState)
}

func (c *Coordinator) setState(newState CoordinatorState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Coordinator) transitionState(from, to CoordinatorState) bool {
	return c.state.CompareAndSwap(from, to)
}
