package warming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/freshness"
	"github.com/saiset-co/sai-cache/types"
)

const (
	defaultConcurrency     = 4
	defaultCriticalTimeout = 15 * time.Second
)

type hydration struct {
	// criticalDone closes once the critical tier has loaded (or the
	// whole pass failed); critical and err are set before the close.
	criticalDone chan struct{}
	critical     *types.HydrationResult
	err          error

	done chan struct{}
}

// Orchestrator preloads the cache according to the warmup plan.
// Priority tiers run strictly in order; kinds inside a tier load with
// bounded concurrency. Only the critical tier gates readiness: Hydrate
// returns once it has loaded, and the lower tiers continue in the
// background. A second Hydrate call while one is in flight joins the
// running operation instead of starting another.
type Orchestrator struct {
	ctx       context.Context
	logger    types.Logger
	config    *types.WarmingConfig
	evaluator *freshness.Evaluator
	metrics   types.MetricsManager

	mu       sync.Mutex
	phase    types.HydrationPhase
	inflight *hydration
}

func NewOrchestrator(ctx context.Context, logger types.Logger, config *types.WarmingConfig, evaluator *freshness.Evaluator, metrics types.MetricsManager) *Orchestrator {
	return &Orchestrator{
		ctx:       ctx,
		logger:    logger,
		config:    config,
		evaluator: evaluator,
		metrics:   metrics,
		phase:     types.PhaseIdle,
	}
}

func (o *Orchestrator) Phase() types.HydrationPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Ready reports whether the critical tier has been loaded, i.e. the
// application can start serving. Lower tiers still loading do not hold
// readiness back.
func (o *Orchestrator) Ready() bool {
	switch o.Phase() {
	case types.PhaseBackground, types.PhaseComplete, types.PhaseCompletePartial:
		return true
	default:
		return false
	}
}

// Hydrate runs the warmup plan and blocks until the critical tier has
// loaded or ctx is cancelled; the remaining tiers keep loading in the
// background and land in Phase. Joining callers observe the shared
// result.
func (o *Orchestrator) Hydrate(ctx context.Context, session types.SessionInfo) (*types.HydrationResult, error) {
	if o.config == nil || !o.config.Enabled {
		return &types.HydrationResult{Phase: types.PhaseComplete, StartedAt: time.Now()}, nil
	}

	o.mu.Lock()
	if o.inflight != nil {
		h := o.inflight
		o.mu.Unlock()

		o.logger.Debug("Hydration already in flight, joining")
		return o.wait(ctx, h)
	}

	h := &hydration{
		criticalDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	o.inflight = h
	o.phase = types.PhaseHydrating
	o.mu.Unlock()

	go o.run(h, session)

	return o.wait(ctx, h)
}

func (o *Orchestrator) wait(ctx context.Context, h *hydration) (*types.HydrationResult, error) {
	select {
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "hydration wait cancelled")
	case <-h.criticalDone:
		return h.critical, h.err
	}
}

func (o *Orchestrator) setPhase(phase types.HydrationPhase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}

func (o *Orchestrator) run(h *hydration, session types.SessionInfo) {
	startedAt := time.Now()
	result := &types.HydrationResult{StartedAt: startedAt}

	defer func() {
		result.Duration = time.Since(startedAt)

		o.mu.Lock()
		o.phase = result.Phase
		o.inflight = nil
		o.mu.Unlock()

		close(h.done)

		o.logger.Info("Hydration finished",
			zap.String("phase", string(result.Phase)),
			zap.Int("kinds", len(result.Results)),
			zap.Duration("duration", result.Duration))

		if o.metrics != nil {
			o.metrics.Counter("cache_hydrations_total", map[string]string{
				"phase": string(result.Phase),
			}).Inc()
			o.metrics.Histogram("cache_hydration_duration_seconds",
				[]float64{0.1, 0.5, 1, 5, 15, 60},
				nil,
			).Observe(result.Duration.Seconds())
		}
	}()

	tiers := o.planByPriority(session)

	criticalResults := o.loadTier(types.PriorityCritical, tiers[types.PriorityCritical])
	result.Results = append(result.Results, criticalResults...)

	if allFailed(criticalResults) {
		// Nothing critical loaded; the cache cannot claim readiness
		// and the lower tiers are not attempted.
		result.Phase = types.PhaseFailed
		h.err = types.Errorf(types.ErrHydrationFailed, "critical tier failed entirely")
		h.critical = snapshotOf(result, types.PhaseFailed)
		close(h.criticalDone)
		return
	}

	// The critical tier landed: unblock waiters and keep loading the
	// lower tiers in the background.
	h.critical = snapshotOf(result, types.PhaseBackground)
	o.setPhase(types.PhaseBackground)
	close(h.criticalDone)

	for _, priority := range []types.WarmupPriority{
		types.PriorityHigh,
		types.PriorityMedium,
		types.PriorityLow,
	} {
		kinds := tiers[priority]
		if len(kinds) == 0 {
			continue
		}

		result.Results = append(result.Results, o.loadTier(priority, kinds)...)
	}

	result.Phase = types.PhaseComplete
	for _, r := range result.Results {
		if !r.OK {
			result.Phase = types.PhaseCompletePartial
			break
		}
	}
}

// snapshotOf returns an immutable copy for waiters; the live result
// keeps growing while the lower tiers load.
func snapshotOf(r *types.HydrationResult, phase types.HydrationPhase) *types.HydrationResult {
	copied := *r
	copied.Phase = phase
	copied.Results = append([]types.KindLoadResult(nil), r.Results...)
	copied.Duration = time.Since(r.StartedAt)
	return &copied
}

func (o *Orchestrator) loadTier(priority types.WarmupPriority, kinds []types.DataKind) []types.KindLoadResult {
	tierCtx := o.ctx
	if priority == types.PriorityCritical {
		timeout := o.config.CriticalTimeout
		if timeout <= 0 {
			timeout = defaultCriticalTimeout
		}
		var cancel context.CancelFunc
		tierCtx, cancel = context.WithTimeout(o.ctx, timeout)
		defer cancel()
	}

	concurrency := o.config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make([]types.KindLoadResult, len(kinds))

	g, gCtx := errgroup.WithContext(tierCtx)
	g.SetLimit(concurrency)

	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			start := time.Now()
			_, err := o.evaluator.Resolve(gCtx, kind, "")

			results[i] = types.KindLoadResult{
				Kind:     kind,
				OK:       err == nil,
				Duration: time.Since(start),
				Err:      err,
			}

			if err != nil {
				o.logger.Warn("Warmup load failed",
					zap.String("kind", string(kind)),
					zap.String("priority", priority.String()),
					zap.Error(err))
			}

			// Tier members are independent; one failure never cancels
			// the siblings.
			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (o *Orchestrator) planByPriority(session types.SessionInfo) map[types.WarmupPriority][]types.DataKind {
	tiers := make(map[types.WarmupPriority][]types.DataKind)

	for _, item := range o.config.Plan {
		if !conditionMet(item.Condition, session) {
			continue
		}
		tiers[item.Priority] = append(tiers[item.Priority], item.Kind)
	}

	return tiers
}

func conditionMet(condition types.PreloadCondition, session types.SessionInfo) bool {
	switch condition {
	case types.PreloadNever:
		return false
	case types.PreloadAuthenticated:
		return session.Authenticated
	default:
		return true
	}
}

func allFailed(results []types.KindLoadResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.OK {
			return false
		}
	}
	return true
}
