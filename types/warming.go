package types

import (
	"time"
)

type HydrationPhase string

const (
	PhaseIdle HydrationPhase = "idle"
	// PhaseHydrating covers the critical tier; once it lands the phase
	// moves to PhaseBackground while the lower tiers keep loading.
	PhaseHydrating       HydrationPhase = "hydrating"
	PhaseBackground      HydrationPhase = "background"
	PhaseComplete        HydrationPhase = "complete"
	PhaseCompletePartial HydrationPhase = "complete_partial"
	PhaseFailed          HydrationPhase = "failed"
)

type WarmupPriority int

const (
	PriorityCritical WarmupPriority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p WarmupPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// PreloadCondition is an enumerated predicate evaluated by the warming
// orchestrator; plans never carry executable closures.
type PreloadCondition string

const (
	PreloadAlways        PreloadCondition = "always"
	PreloadAuthenticated PreloadCondition = "authenticated"
	PreloadNever         PreloadCondition = "never"
)

type WarmupItem struct {
	Kind      DataKind         `yaml:"kind" json:"kind"`
	Priority  WarmupPriority   `yaml:"priority" json:"priority"`
	Condition PreloadCondition `yaml:"condition" json:"condition"`
}

type KindLoadResult struct {
	Kind     DataKind      `json:"kind"`
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration_ms"`
	Err      error         `json:"-"`
}

type HydrationResult struct {
	Phase     HydrationPhase   `json:"phase"`
	Results   []KindLoadResult `json:"results"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

type SessionInfo struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
}
