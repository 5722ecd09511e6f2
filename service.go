package saicache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/admin"
	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/cron"
	"github.com/saiset-co/sai-cache/events"
	"github.com/saiset-co/sai-cache/fetch"
	"github.com/saiset-co/sai-cache/freshness"
	"github.com/saiset-co/sai-cache/health"
	"github.com/saiset-co/sai-cache/invalidation"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/store"
	"github.com/saiset-co/sai-cache/syncer"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/warming"
)

const persistentCleanupJob = "persistent_cleanup"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service is the cache subsystem facade: it owns every component and
// exposes the operations the embedding application calls.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger

	configManager types.ConfigManager
	registry      *policy.Registry
	entryStore    types.EntryStore
	persistent    types.PersistentTier
	fetcher       types.Fetcher
	evaluator     *freshness.Evaluator
	dispatcher    *invalidation.Dispatcher
	orchestrator  *warming.Orchestrator
	coordinator   *syncer.Coordinator
	monitor       *health.Monitor
	broker        types.ChangeBroker
	cronManager   types.CronManager
	metricsMgr    types.MetricsManager
	adminServer   *admin.Server

	state atomic.Value
}

// NewService builds the subsystem from a YAML config file. The fetcher
// connects the cache to its source of truth; passing nil selects the
// HTTP fetcher built from the remote section of the config.
func NewService(ctx context.Context, configPath string, fetcher types.Fetcher) (*Service, error) {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, configManager, fetcher)
}

// NewServiceWithConfig builds the subsystem from an in-code config.
func NewServiceWithConfig(ctx context.Context, serviceConfig *types.ServiceConfig, fetcher types.Fetcher) (*Service, error) {
	configManager, err := config.NewStaticManager(serviceConfig)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, configManager, fetcher)
}

func assemble(ctx context.Context, configManager types.ConfigManager, fetcher types.Fetcher) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)
	serviceConfig := configManager.GetConfig()

	log, err := logger.NewDefaultLogger(serviceConfig.Logger)
	if err != nil {
		cancel()
		return nil, err
	}

	registry, err := policy.NewRegistry(log, serviceConfig.Policies)
	if err != nil {
		cancel()
		return nil, err
	}

	metricsMgr, err := metrics.NewMetricsManager(serviceCtx, log, serviceConfig.Metrics)
	if err != nil {
		cancel()
		return nil, err
	}

	broker, err := events.NewChangeBroker(serviceCtx, serviceConfig.Events, log, metricsMgr)
	if err != nil {
		cancel()
		return nil, err
	}

	entryStore, persistent, err := store.NewEntryStore(serviceCtx, configManager, log, metricsMgr, broker, registry.GetPolicy)
	if err != nil {
		cancel()
		return nil, err
	}

	if fetcher == nil {
		remoteFetcher, err := fetch.NewRemoteFetcher(serviceConfig.Remote, log)
		if err != nil {
			cancel()
			return nil, err
		}
		fetcher = remoteFetcher
	}

	evaluator, err := freshness.NewEvaluator(serviceCtx, log, entryStore, fetcher, registry, broker)
	if err != nil {
		cancel()
		return nil, err
	}

	cronManager, err := cron.NewManager(serviceCtx, configManager, log, metricsMgr)
	if err != nil {
		cancel()
		return nil, err
	}

	monitor, err := health.NewMonitor(serviceCtx, configManager, log)
	if err != nil {
		cancel()
		return nil, err
	}

	service := &Service{
		ctx:           serviceCtx,
		cancel:        cancel,
		logger:        log,
		configManager: configManager,
		registry:      registry,
		entryStore:    entryStore,
		persistent:    persistent,
		fetcher:       fetcher,
		evaluator:     evaluator,
		dispatcher:    invalidation.NewDispatcher(log, registry, entryStore, metricsMgr),
		orchestrator:  warming.NewOrchestrator(serviceCtx, log, serviceConfig.Warming, evaluator, metricsMgr),
		coordinator:   syncer.NewCoordinator(serviceCtx, log, serviceConfig.Sync, entryStore, evaluator, registry, cronManager, metricsMgr),
		monitor:       monitor,
		broker:        broker,
		cronManager:   cronManager,
		metricsMgr:    metricsMgr,
	}

	service.adminServer = admin.NewServer(serviceCtx, log, serviceConfig.Admin, entryStore, monitor, metricsMgr)
	service.registerHealthCheckers()
	service.state.Store(StateStopped)

	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Cache service is already running")
		return types.ErrServiceIsRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	serviceConfig := s.configManager.GetConfig()

	if err := s.metricsMgr.Start(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start metrics")
	}

	if s.broker != nil {
		if err := s.broker.Start(); err != nil {
			s.logger.Error("Failed to start change broker, continuing without events", zap.Error(err))
			s.broker = nil
		}
	}

	if err := s.entryStore.Start(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start entry store")
	}

	if serviceConfig.Health != nil && serviceConfig.Health.Enabled {
		if err := s.monitor.Start(); err != nil {
			s.logger.Error("Failed to start health monitor", zap.Error(err))
		}
	}

	if serviceConfig.Cron == nil || serviceConfig.Cron.Enabled {
		if err := s.cronManager.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	if serviceConfig.Sync != nil && serviceConfig.Sync.Enabled {
		if err := s.coordinator.Start(); err != nil {
			s.logger.Error("Failed to start sync coordinator", zap.Error(err))
		}
	}

	s.schedulePersistentCleanup(serviceConfig)

	if serviceConfig.Admin != nil && serviceConfig.Admin.Enabled {
		if err := s.adminServer.Start(); err != nil {
			s.logger.Error("Failed to start admin server", zap.Error(err))
		}
	}

	s.logger.Info("Cache service started",
		zap.String("name", serviceConfig.Name),
		zap.String("version", serviceConfig.Version))
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Cache service is not running")
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	// Reverse start order; each stop failure is logged, not fatal.
	if s.adminServer.IsRunning() {
		if err := s.adminServer.Stop(); err != nil {
			s.logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}

	if s.coordinator.IsRunning() {
		if err := s.coordinator.Stop(); err != nil {
			s.logger.Error("Failed to stop sync coordinator", zap.Error(err))
		}
	}

	if s.cronManager.IsRunning() {
		if err := s.cronManager.Stop(); err != nil {
			s.logger.Error("Failed to stop cron manager", zap.Error(err))
		}
	}

	if s.monitor.IsRunning() {
		if err := s.monitor.Stop(); err != nil {
			s.logger.Error("Failed to stop health monitor", zap.Error(err))
		}
	}

	if err := s.entryStore.Stop(); err != nil {
		s.logger.Error("Failed to stop entry store", zap.Error(err))
	}

	if s.broker != nil && s.broker.IsRunning() {
		if err := s.broker.Stop(); err != nil {
			s.logger.Error("Failed to stop change broker", zap.Error(err))
		}
	}

	if err := s.metricsMgr.Stop(); err != nil {
		s.logger.Error("Failed to stop metrics", zap.Error(err))
	}

	s.logger.Info("Cache service stopped gracefully")
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Get resolves a payload through the freshness evaluator.
func (s *Service) Get(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	return s.evaluator.Resolve(ctx, kind, id)
}

// Put stores a locally produced payload and marks it pending until the
// next sync pass confirms the remote accepted it.
func (s *Service) Put(ctx context.Context, kind types.DataKind, id string, payload []byte) error {
	if err := s.entryStore.Put(ctx, kind, id, payload, s.registry.GetPolicy(kind)); err != nil {
		return err
	}
	return s.entryStore.SetSyncStatus(ctx, kind, id, types.SyncStatusPending, 0)
}

// Refresh forces a refetch of (kind, id) from the remote.
func (s *Service) Refresh(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	return s.evaluator.RefreshNow(ctx, kind, id)
}

// Invalidate dispatches a domain trigger.
func (s *Service) Invalidate(ctx context.Context, trigger types.Trigger) error {
	return s.dispatcher.Dispatch(ctx, trigger)
}

// InvalidateEntry purges a single entry.
func (s *Service) InvalidateEntry(ctx context.Context, kind types.DataKind, id string) error {
	return s.dispatcher.InvalidateEntry(ctx, kind, id)
}

// Hydrate runs the warmup plan for the given session, returning once
// the critical tier has loaded; lower tiers continue in the background.
func (s *Service) Hydrate(ctx context.Context, session types.SessionInfo) (*types.HydrationResult, error) {
	return s.orchestrator.Hydrate(ctx, session)
}

// HydrationPhase reports the current warming phase.
func (s *Service) HydrationPhase() types.HydrationPhase {
	return s.orchestrator.Phase()
}

// Ready reports whether hydration has completed far enough to serve.
func (s *Service) Ready() bool {
	return s.orchestrator.Ready()
}

// SyncNow triggers an immediate sync pass.
func (s *Service) SyncNow(ctx context.Context) (*syncer.Report, error) {
	return s.coordinator.SyncNow(ctx)
}

// OnResume handles the application returning to the foreground: a sync
// pass reconciles whatever went stale while suspended.
func (s *Service) OnResume(ctx context.Context) error {
	if !s.coordinator.IsRunning() {
		return nil
	}

	_, err := s.coordinator.OnResume(ctx)
	return err
}

// OnLogout clears all user-scoped data and session overrides.
func (s *Service) OnLogout(ctx context.Context) error {
	if err := s.dispatcher.Dispatch(ctx, types.TriggerLogout); err != nil {
		return err
	}
	return s.registry.SetSessionConfig(nil)
}

// SetSessionConfig installs per-session cache overrides.
func (s *Service) SetSessionConfig(sessionConfig *types.UserCacheConfig) error {
	return s.registry.SetSessionConfig(sessionConfig)
}

// Subscribe attaches a handler to the change feed for the given op.
func (s *Service) Subscribe(op types.ChangeOp, handler types.ChangeHandler) error {
	if s.broker == nil {
		return types.ErrEventsNotInitialized
	}
	return s.broker.Subscribe(op, handler)
}

// Stats returns current cache statistics.
func (s *Service) Stats() types.CacheStatistics {
	return s.entryStore.Stats()
}

// Evaluate runs the health evaluation against current statistics.
func (s *Service) Evaluate() types.Evaluation {
	return s.monitor.Evaluate(s.entryStore.Stats())
}

// Health runs all registered health checks.
func (s *Service) Health(ctx context.Context) types.HealthReport {
	return s.monitor.Check(ctx)
}

func (s *Service) registerHealthCheckers() {
	s.monitor.RegisterChecker("store", func(ctx context.Context) types.HealthCheck {
		if !s.entryStore.IsRunning() {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "entry store not running"}
		}

		evaluation := s.monitor.Evaluate(s.entryStore.Stats())
		if !evaluation.Healthy {
			issues := make([]string, 0, len(evaluation.Issues))
			for _, issue := range evaluation.Issues {
				issues = append(issues, string(issue))
			}
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: "thresholds exceeded",
				Details: map[string]interface{}{"issues": issues},
			}
		}

		return types.HealthCheck{Status: types.StatusHealthy}
	})

	s.monitor.RegisterChecker("remote", func(ctx context.Context) types.HealthCheck {
		remoteFetcher, ok := s.fetcher.(*fetch.RemoteFetcher)
		if !ok {
			return types.HealthCheck{Status: types.StatusUnknown, Message: "custom fetcher"}
		}

		state := remoteFetcher.BreakerState()
		if state == "open" {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: "circuit breaker open",
			}
		}

		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"breaker": state},
		}
	})

	s.monitor.RegisterChecker("warming", func(ctx context.Context) types.HealthCheck {
		phase := s.orchestrator.Phase()
		if phase == types.PhaseFailed {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "hydration failed"}
		}
		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"phase": string(phase)},
		}
	})
}

func (s *Service) schedulePersistentCleanup(serviceConfig *types.ServiceConfig) {
	if s.persistent == nil {
		return
	}

	persistentConfig := serviceConfig.Store.Persistent
	if persistentConfig == nil || persistentConfig.CleanupSchedule == "" {
		return
	}

	err := s.cronManager.Add(persistentCleanupJob, persistentConfig.CleanupSchedule, func() {
		if !s.persistent.IsRunning() {
			return
		}

		cleanupCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
		defer cancel()

		removed, err := s.persistent.Cleanup(cleanupCtx, persistentConfig.MaxAge, persistentConfig.MaxBytes)
		if err != nil {
			s.logger.Error("Persistent cleanup failed", zap.Error(err))
			return
		}

		if removed > 0 {
			s.logger.Info("Persistent cleanup completed", zap.Int("removed", removed))
		}
	})
	if err != nil {
		s.logger.Error("Failed to schedule persistent cleanup", zap.Error(err))
	}
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
