package types

import (
	"context"
	"time"
)

// DataKind identifies a logical category of cached data, not a single
// instance. Per-instance entries are addressed by (kind, id).
type DataKind string

const (
	KindCurrentUser   DataKind = "current_user"
	KindUserProfile   DataKind = "user_profile"
	KindPets          DataKind = "pets"
	KindPetDetails    DataKind = "pet_details"
	KindScans         DataKind = "scans"
	KindScanHistory   DataKind = "scan_history"
	KindIngredients   DataKind = "ingredients"
	KindBrands        DataKind = "brands"
	KindSessionStatus DataKind = "session_status"
	KindSystemHealth  DataKind = "system_health"
	KindSystemMetrics DataKind = "system_metrics"
)

type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPending     SyncStatus = "pending"
	SyncStatusFailed      SyncStatus = "failed"
	SyncStatusNeverSynced SyncStatus = "never_synced"
)

type Entry struct {
	Kind         DataKind   `json:"kind"`
	ID           string     `json:"id,omitempty"`
	Payload      []byte     `json:"payload"`
	SizeBytes    int64      `json:"size_bytes"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int64      `json:"access_count"`
	Persistent   bool       `json:"persistent"`
	SyncStatus   SyncStatus `json:"sync_status"`
	RetryCount   int        `json:"retry_count"`
}

func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

type Policy struct {
	TTL              time.Duration `yaml:"ttl" json:"ttl"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" json:"refresh_threshold"`
	Persist          bool          `yaml:"persist" json:"persist"`
	Compress         bool          `yaml:"compress" json:"compress"`
	CompressionLevel int           `yaml:"compression_level" json:"compression_level"`
}

type Freshness int

const (
	FreshnessFresh Freshness = iota
	FreshnessStaleRefresh
	FreshnessExpired
)

func (f Freshness) String() string {
	switch f {
	case FreshnessFresh:
		return "fresh"
	case FreshnessStaleRefresh:
		return "stale_refresh"
	case FreshnessExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Trigger is a domain event mapped by the policy registry to a set of
// kinds to purge.
type Trigger string

const (
	TriggerLogout            Trigger = "logout"
	TriggerLogin             Trigger = "login"
	TriggerProfileUpdated    Trigger = "profile_updated"
	TriggerPetDataChanged    Trigger = "pet_data_changed"
	TriggerScanCompleted     Trigger = "scan_completed"
	TriggerSubscriptionChanged Trigger = "subscription_changed"
	TriggerReferenceUpdated  Trigger = "reference_updated"
)

type RefreshStrategy string

const (
	RefreshAggressive   RefreshStrategy = "aggressive"
	RefreshBalanced     RefreshStrategy = "balanced"
	RefreshConservative RefreshStrategy = "conservative"
)

// UserCacheConfig holds per-session overrides; everything else in the
// cache configuration is immutable for the process lifetime.
type UserCacheConfig struct {
	EnabledKinds    []DataKind          `json:"enabled_kinds"`
	CustomPolicies  map[DataKind]Policy `json:"custom_policies"`
	RefreshStrategy RefreshStrategy     `json:"refresh_strategy"`
	MaxMemoryBytes  int64               `json:"max_memory_bytes"`
	MaxDiskBytes    int64               `json:"max_disk_bytes"`
}

type EntryStore interface {
	LifecycleManager
	Get(ctx context.Context, kind DataKind, id string) (*Entry, error)
	Put(ctx context.Context, kind DataKind, id string, payload []byte, policy Policy) error
	Invalidate(ctx context.Context, kind DataKind, id string) error
	InvalidateAll(ctx context.Context, kinds ...DataKind) error
	SetSyncStatus(ctx context.Context, kind DataKind, id string, status SyncStatus, retryCount int) error
	Snapshot() []*Entry
	Stats() CacheStatistics
}

// PersistentTier is the storage backend behind the memory tier.
// Load returns ErrEntryCorrupted for records that fail checksum or
// decode; callers treat that as a miss after the tier purges the record.
type PersistentTier interface {
	LifecycleManager
	Load(ctx context.Context, kind DataKind, id string) (*Entry, error)
	Store(ctx context.Context, entry *Entry, policy Policy) error
	Remove(ctx context.Context, kind DataKind, id string) error
	RemoveKind(ctx context.Context, kind DataKind) error
	Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (int, error)
	Size(ctx context.Context) (bytes int64, entries int, err error)
}

type PersistentTierCreator func(config interface{}) (PersistentTier, error)

// Fetcher is the contract to the remote source of truth.
type Fetcher interface {
	Fetch(ctx context.Context, kind DataKind, id string) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, kind DataKind, id string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, kind DataKind, id string) ([]byte, error) {
	return f(ctx, kind, id)
}

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job func()) error
	Remove(jobName string) error
}
