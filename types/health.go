package types

import (
	"context"
	"time"
)

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

type HealthStatus string

type HealthMonitor interface {
	LifecycleManager
	RegisterChecker(name string, checker HealthChecker)
	Check(ctx context.Context) HealthReport
	Evaluate(stats CacheStatistics) Evaluation
}

type HealthChecker func(ctx context.Context) HealthCheck

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Service   ServiceInfo            `json:"service"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// HealthIssue is the closed set of conditions the monitor reports.
type HealthIssue string

const (
	IssueHighMemoryUsage    HealthIssue = "high_memory_usage"
	IssueHighDiskUsage      HealthIssue = "high_disk_usage"
	IssueLowHitRate         HealthIssue = "low_hit_rate"
	IssueSlowRetrieval      HealthIssue = "slow_retrieval"
	IssueCorruptedEntries   HealthIssue = "corrupted_entries"
	IssueExcessiveEvictions HealthIssue = "excessive_evictions"
)

type HealthThresholds struct {
	MaxMemoryBytes        int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxDiskBytes          int64         `yaml:"max_disk_bytes" json:"max_disk_bytes"`
	MinHitRate            float64       `yaml:"min_hit_rate" json:"min_hit_rate"`
	MaxRetrievalTime      time.Duration `yaml:"max_retrieval_time" json:"max_retrieval_time"`
	MaxEvictionsPerMinute float64       `yaml:"max_evictions_per_minute" json:"max_evictions_per_minute"`
}

type Evaluation struct {
	Healthy         bool          `json:"healthy"`
	Issues          []HealthIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

type CacheStatistics struct {
	Hits              uint64        `json:"hits"`
	Misses            uint64        `json:"misses"`
	HitRate           float64       `json:"hit_rate"`
	MissRate          float64       `json:"miss_rate"`
	MemoryBytes       int64         `json:"memory_bytes"`
	MemoryEntries     int           `json:"memory_entries"`
	DiskBytes         int64         `json:"disk_bytes"`
	DiskEntries       int           `json:"disk_entries"`
	Evictions         uint64        `json:"evictions"`
	EvictionsPerMinute float64      `json:"evictions_per_minute"`
	CorruptedEntries  uint64        `json:"corrupted_entries"`
	FailedSyncs       int           `json:"failed_syncs"`
	AvgRetrievalTime  time.Duration `json:"avg_retrieval_time"`
	CollectedAt       time.Time     `json:"collected_at"`
}
