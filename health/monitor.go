package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Monitor struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	checkers        map[string]types.HealthChecker
	results         map[string]types.HealthCheck
	thresholds      *types.HealthThresholds
	startTime       time.Time
	mu              sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
	checkTimeout    time.Duration
}

func NewMonitor(ctx context.Context, config types.ConfigManager, logger types.Logger) (*Monitor, error) {
	monitorCtx, cancel := context.WithCancel(ctx)

	var thresholds *types.HealthThresholds
	if healthConfig := config.GetConfig().Health; healthConfig != nil {
		thresholds = healthConfig.Thresholds
	}

	monitor := &Monitor{
		ctx:             monitorCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		checkers:        make(map[string]types.HealthChecker),
		results:         make(map[string]types.HealthCheck),
		thresholds:      thresholds,
		shutdownTimeout: 10 * time.Second,
		checkTimeout:    5 * time.Second,
	}

	monitor.state.Store(StateStopped)

	return monitor, nil
}

func (hm *Monitor) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

func (hm *Monitor) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(checkCtx)
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				result := hm.executeCheck(gCtx, name, checker)

				resultMu.Lock()
				results[name] = result
				resultMu.Unlock()
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-checkCtx.Done():
			hm.logger.Warn("Health check timeout, some checks may not have completed")
		default:
			hm.logger.Error("Error during health checks", zap.Error(err))
		}
	}

	hm.mu.Lock()
	hm.results = results
	hm.mu.Unlock()

	return hm.buildReport(results)
}

// Evaluate compares cache statistics against the configured thresholds.
// It is a pure function of its inputs: no I/O, no clock reads beyond
// what the statistics already carry.
func (hm *Monitor) Evaluate(stats types.CacheStatistics) types.Evaluation {
	evaluation := types.Evaluation{Healthy: true}

	thresholds := hm.thresholds
	if thresholds == nil {
		return evaluation
	}

	addIssue := func(issue types.HealthIssue, recommendation string) {
		evaluation.Healthy = false
		evaluation.Issues = append(evaluation.Issues, issue)
		evaluation.Recommendations = append(evaluation.Recommendations, recommendation)
	}

	if thresholds.MaxMemoryBytes > 0 && stats.MemoryBytes > thresholds.MaxMemoryBytes {
		addIssue(types.IssueHighMemoryUsage,
			fmt.Sprintf("memory usage %d exceeds %d bytes, lower TTLs or reduce enabled kinds", stats.MemoryBytes, thresholds.MaxMemoryBytes))
	}

	if thresholds.MaxDiskBytes > 0 && stats.DiskBytes > thresholds.MaxDiskBytes {
		addIssue(types.IssueHighDiskUsage,
			fmt.Sprintf("disk usage %d exceeds %d bytes, tighten the persistent cleanup schedule", stats.DiskBytes, thresholds.MaxDiskBytes))
	}

	if thresholds.MinHitRate > 0 && stats.Hits+stats.Misses > 0 && stats.HitRate < thresholds.MinHitRate {
		addIssue(types.IssueLowHitRate,
			fmt.Sprintf("hit rate %.2f below %.2f, extend TTLs or warm more kinds", stats.HitRate, thresholds.MinHitRate))
	}

	if thresholds.MaxRetrievalTime > 0 && stats.AvgRetrievalTime > thresholds.MaxRetrievalTime {
		addIssue(types.IssueSlowRetrieval,
			fmt.Sprintf("average retrieval %s above %s, check persistent tier latency", stats.AvgRetrievalTime, thresholds.MaxRetrievalTime))
	}

	if stats.CorruptedEntries > 0 {
		addIssue(types.IssueCorruptedEntries,
			fmt.Sprintf("%d corrupted entries purged, inspect the persistent tier medium", stats.CorruptedEntries))
	}

	if thresholds.MaxEvictionsPerMinute > 0 && stats.EvictionsPerMinute > thresholds.MaxEvictionsPerMinute {
		addIssue(types.IssueExcessiveEvictions,
			fmt.Sprintf("%.1f evictions per minute above %.1f, raise the memory budget", stats.EvictionsPerMinute, thresholds.MaxEvictionsPerMinute))
	}

	return evaluation
}

func (hm *Monitor) Start() error {
	if !hm.transitionState(StateStopped, StateStarting) {
		hm.logger.Warn("Health monitor is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if hm.getState() == StateStarting {
			hm.setState(StateRunning)
		}
	}()

	hm.startTime = time.Now()

	hm.logger.Info("Health monitor started")
	return nil
}

func (hm *Monitor) Stop() error {
	if !hm.transitionState(StateRunning, StateStopping) {
		hm.logger.Warn("Health monitor is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		hm.setState(StateStopped)
		hm.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), hm.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hm.mu.Lock()
		defer hm.mu.Unlock()
		hm.checkers = make(map[string]types.HealthChecker)
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			hm.logger.Warn("Health monitor stop timeout, some components may not have stopped gracefully")
		default:
			hm.logger.Error("Error during health monitor shutdown", zap.Error(err))
		}
	} else {
		hm.logger.Info("Health monitor stopped gracefully")
	}

	return nil
}

func (hm *Monitor) IsRunning() bool {
	return hm.getState() == StateRunning
}

func (hm *Monitor) getState() State {
	return hm.state.Load().(State)
}

func (hm *Monitor) setState(newState State) bool {
	currentState := hm.getState()
	return hm.state.CompareAndSwap(currentState, newState)
}

func (hm *Monitor) transitionState(from, to State) bool {
	return hm.state.CompareAndSwap(from, to)
}

func (hm *Monitor) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Name:      name,
					Status:    types.StatusUnhealthy,
					Message:   fmt.Sprintf("Health check panicked: %v", r),
					LastCheck: time.Now(),
					Duration:  time.Since(start),
				}
			}
		}()

		result := checker(checkCtx)
		result.Name = name
		result.LastCheck = time.Now()
		result.Duration = time.Since(start)
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result
	case <-hm.ctx.Done():
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnhealthy,
			Message:   "Health monitor shutting down",
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}
	case <-checkCtx.Done():
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnhealthy,
			Message:   "Health check timeout",
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}
	}
}

func (hm *Monitor) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	config := hm.config.GetConfig()

	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		case types.StatusUnknown:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service: types.ServiceInfo{
			Name:    config.Name,
			Version: config.Version,
		},
		Checks:  results,
		Summary: summary,
	}
}
