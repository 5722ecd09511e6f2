package policy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const (
	// DefaultTTL applies to kinds with no registered policy.
	DefaultTTL              = 30 * time.Minute
	DefaultRefreshThreshold = 3 * time.Minute

	// Durations above these are accepted but logged as configuration
	// warnings.
	maxSaneTTL       = 7 * 24 * time.Hour
	maxSaneThreshold = time.Hour
)

type Registry struct {
	logger   types.Logger
	policies map[types.DataKind]types.Policy
	triggers map[types.Trigger][]types.DataKind
	deps     map[types.DataKind][]types.DataKind
	mu       sync.RWMutex
	session  *types.UserCacheConfig
}

func NewRegistry(logger types.Logger, overrides map[types.DataKind]types.Policy) (*Registry, error) {
	r := &Registry{
		logger:   logger,
		policies: defaultPolicies(),
		triggers: defaultTriggers(),
		deps:     defaultDependencies(),
	}

	for kind, policy := range overrides {
		if err := r.validate(kind, policy); err != nil {
			return nil, err
		}
		r.policies[kind] = policy
	}

	return r, nil
}

func defaultPolicies() map[types.DataKind]types.Policy {
	return map[types.DataKind]types.Policy{
		types.KindCurrentUser:   {TTL: 30 * time.Minute, RefreshThreshold: 5 * time.Minute, Persist: true},
		types.KindUserProfile:   {TTL: 30 * time.Minute, RefreshThreshold: 5 * time.Minute, Persist: true},
		types.KindPets:          {TTL: time.Hour, RefreshThreshold: 10 * time.Minute, Persist: true},
		types.KindPetDetails:    {TTL: time.Hour, RefreshThreshold: 10 * time.Minute, Persist: true},
		types.KindScans:         {TTL: 15 * time.Minute, RefreshThreshold: 3 * time.Minute, Persist: true},
		types.KindScanHistory:   {TTL: time.Hour, RefreshThreshold: 10 * time.Minute, Persist: true, Compress: true, CompressionLevel: 6},
		types.KindIngredients:   {TTL: 24 * time.Hour, RefreshThreshold: time.Hour, Persist: true, Compress: true, CompressionLevel: 9},
		types.KindBrands:        {TTL: 24 * time.Hour, RefreshThreshold: time.Hour, Persist: true, Compress: true, CompressionLevel: 9},
		types.KindSessionStatus: {TTL: 5 * time.Minute, RefreshThreshold: time.Minute, Persist: false},
		types.KindSystemHealth:  {TTL: time.Minute, RefreshThreshold: 15 * time.Second, Persist: false},
		types.KindSystemMetrics: {TTL: time.Minute, RefreshThreshold: 15 * time.Second, Persist: false},
	}
}

func defaultTriggers() map[types.Trigger][]types.DataKind {
	return map[types.Trigger][]types.DataKind{
		types.TriggerLogout: {
			types.KindCurrentUser,
			types.KindUserProfile,
			types.KindPets,
			types.KindScans,
			types.KindScanHistory,
			types.KindSessionStatus,
		},
		types.TriggerLogin: {
			types.KindCurrentUser,
			types.KindUserProfile,
			types.KindSessionStatus,
		},
		types.TriggerProfileUpdated: {
			types.KindCurrentUser,
			types.KindUserProfile,
		},
		types.TriggerPetDataChanged: {
			types.KindPets,
		},
		types.TriggerScanCompleted: {
			types.KindScans,
			types.KindScanHistory,
		},
		types.TriggerSubscriptionChanged: {
			types.KindCurrentUser,
			types.KindSessionStatus,
		},
		types.TriggerReferenceUpdated: {
			types.KindIngredients,
			types.KindBrands,
		},
	}
}

// defaultDependencies lists kinds whose entries derive from another
// kind; invalidating the parent cascades to them.
func defaultDependencies() map[types.DataKind][]types.DataKind {
	return map[types.DataKind][]types.DataKind{
		types.KindPets:        {types.KindPetDetails, types.KindScans},
		types.KindScans:       {types.KindScanHistory},
		types.KindCurrentUser: {types.KindUserProfile},
	}
}

// GetPolicy always resolves: unknown kinds fall back to the default
// policy rather than returning an absent value.
func (r *Registry) GetPolicy(kind types.DataKind) types.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if session := r.session; session != nil {
		if policy, ok := session.CustomPolicies[kind]; ok {
			return policy
		}
	}

	if policy, ok := r.policies[kind]; ok {
		return policy
	}

	return types.Policy{
		TTL:              DefaultTTL,
		RefreshThreshold: DefaultRefreshThreshold,
		Persist:          false,
	}
}

func (r *Registry) GetRefreshInterval(kind types.DataKind) time.Duration {
	policy := r.GetPolicy(kind)
	interval := policy.TTL - policy.RefreshThreshold
	if interval <= 0 {
		interval = policy.TTL
	}
	return interval
}

// GetInvalidationKinds resolves a trigger to its kind set including the
// transitive dependency closure.
func (r *Registry) GetInvalidationKinds(trigger types.Trigger) ([]types.DataKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roots, ok := r.triggers[trigger]
	if !ok {
		return nil, types.Errorf(types.ErrTriggerUnknown, "trigger: %s", trigger)
	}

	seen := make(map[types.DataKind]bool, len(roots))
	closure := make([]types.DataKind, 0, len(roots))

	var visit func(kind types.DataKind)
	visit = func(kind types.DataKind) {
		if seen[kind] {
			return
		}
		seen[kind] = true
		closure = append(closure, kind)
		for _, dep := range r.deps[kind] {
			visit(dep)
		}
	}

	for _, kind := range roots {
		visit(kind)
	}

	return closure, nil
}

// SetSessionConfig installs per-session overrides; passing nil clears
// them. Custom policies are validated the same way as static ones.
func (r *Registry) SetSessionConfig(config *types.UserCacheConfig) error {
	if config != nil {
		for kind, policy := range config.CustomPolicies {
			if err := r.validate(kind, policy); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.session = config
	r.mu.Unlock()

	return nil
}

func (r *Registry) SessionConfig() *types.UserCacheConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// KindEnabled reports whether the session allows caching this kind; an
// absent session or empty enabled list permits everything.
func (r *Registry) KindEnabled(kind types.DataKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.session == nil || len(r.session.EnabledKinds) == 0 {
		return true
	}

	for _, enabled := range r.session.EnabledKinds {
		if enabled == kind {
			return true
		}
	}
	return false
}

func (r *Registry) validate(kind types.DataKind, policy types.Policy) error {
	if policy.TTL <= 0 {
		return types.Errorf(types.ErrPolicyInvalid, "kind %s: ttl must be positive", kind)
	}
	if policy.RefreshThreshold < 0 {
		return types.Errorf(types.ErrPolicyInvalid, "kind %s: refresh threshold must not be negative", kind)
	}
	if policy.RefreshThreshold >= policy.TTL {
		return types.Errorf(types.ErrPolicyInvalid, "kind %s: refresh threshold must be below ttl", kind)
	}

	if policy.TTL > maxSaneTTL {
		r.logger.Warn("Unusually large TTL configured",
			zap.String("kind", string(kind)),
			zap.Duration("ttl", policy.TTL))
	}
	if policy.RefreshThreshold > maxSaneThreshold {
		r.logger.Warn("Unusually large refresh threshold configured",
			zap.String("kind", string(kind)),
			zap.Duration("refresh_threshold", policy.RefreshThreshold))
	}

	return nil
}
