package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// flexDuration decodes YAML durations in the human form ("30m", "1h30m")
// or as integer nanoseconds.
type flexDuration time.Duration

func (d *flexDuration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = flexDuration(asInt)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}

	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}

	*d = flexDuration(parsed)
	return nil
}

// The UnmarshalYAML implementations below exist because yaml.v3 cannot
// decode "30m" into a time.Duration. Fields absent from the document
// keep whatever value the target already holds, so loader defaults
// survive the merge.

func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL              *flexDuration `yaml:"ttl"`
		RefreshThreshold *flexDuration `yaml:"refresh_threshold"`
		Persist          *bool         `yaml:"persist"`
		Compress         *bool         `yaml:"compress"`
		CompressionLevel *int          `yaml:"compression_level"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.TTL != nil {
		p.TTL = time.Duration(*raw.TTL)
	}
	if raw.RefreshThreshold != nil {
		p.RefreshThreshold = time.Duration(*raw.RefreshThreshold)
	}
	if raw.Persist != nil {
		p.Persist = *raw.Persist
	}
	if raw.Compress != nil {
		p.Compress = *raw.Compress
	}
	if raw.CompressionLevel != nil {
		p.CompressionLevel = *raw.CompressionLevel
	}
	return nil
}

func (c *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Memory     *MemoryTierConfig     `yaml:"memory"`
		Persistent *PersistentTierConfig `yaml:"persistent"`
		DefaultTTL *flexDuration         `yaml:"default_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Memory != nil {
		c.Memory = raw.Memory
	}
	if raw.Persistent != nil {
		c.Persistent = raw.Persistent
	}
	if raw.DefaultTTL != nil {
		c.DefaultTTL = time.Duration(*raw.DefaultTTL)
	}
	return nil
}

func (c *PersistentTierConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled         *bool         `yaml:"enabled"`
		Type            *string       `yaml:"type"`
		Path            *string       `yaml:"path"`
		MaxBytes        *int64        `yaml:"max_bytes"`
		MaxAge          *flexDuration `yaml:"max_age"`
		CleanupSchedule *string       `yaml:"cleanup_schedule"`
		Config          interface{}   `yaml:"config"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.Type != nil {
		c.Type = *raw.Type
	}
	if raw.Path != nil {
		c.Path = *raw.Path
	}
	if raw.MaxBytes != nil {
		c.MaxBytes = *raw.MaxBytes
	}
	if raw.MaxAge != nil {
		c.MaxAge = time.Duration(*raw.MaxAge)
	}
	if raw.CleanupSchedule != nil {
		c.CleanupSchedule = *raw.CleanupSchedule
	}
	if raw.Config != nil {
		c.Config = raw.Config
	}
	return nil
}

func (c *RemoteConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL        *string               `yaml:"base_url"`
		Timeout        *flexDuration         `yaml:"timeout"`
		MaxRetries     *int                  `yaml:"max_retries"`
		CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.BaseURL != nil {
		c.BaseURL = *raw.BaseURL
	}
	if raw.Timeout != nil {
		c.Timeout = time.Duration(*raw.Timeout)
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.CircuitBreaker != nil {
		c.CircuitBreaker = raw.CircuitBreaker
	}
	return nil
}

func (c *CircuitBreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled          *bool         `yaml:"enabled"`
		FailureThreshold *int          `yaml:"failure_threshold"`
		RecoveryTimeout  *flexDuration `yaml:"recovery_timeout"`
		HalfOpenRequests *int          `yaml:"half_open_requests"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.FailureThreshold != nil {
		c.FailureThreshold = *raw.FailureThreshold
	}
	if raw.RecoveryTimeout != nil {
		c.RecoveryTimeout = time.Duration(*raw.RecoveryTimeout)
	}
	if raw.HalfOpenRequests != nil {
		c.HalfOpenRequests = *raw.HalfOpenRequests
	}
	return nil
}

func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled     *bool         `yaml:"enabled"`
		Schedule    *string       `yaml:"schedule"`
		MaxRetries  *int          `yaml:"max_retries"`
		BackoffBase *flexDuration `yaml:"backoff_base"`
		BackoffMax  *flexDuration `yaml:"backoff_max"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.Schedule != nil {
		c.Schedule = *raw.Schedule
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.BackoffBase != nil {
		c.BackoffBase = time.Duration(*raw.BackoffBase)
	}
	if raw.BackoffMax != nil {
		c.BackoffMax = time.Duration(*raw.BackoffMax)
	}
	return nil
}

func (c *WarmingConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled         *bool         `yaml:"enabled"`
		Concurrency     *int          `yaml:"concurrency"`
		CriticalTimeout *flexDuration `yaml:"critical_timeout"`
		Plan            []WarmupItem  `yaml:"plan"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.Concurrency != nil {
		c.Concurrency = *raw.Concurrency
	}
	if raw.CriticalTimeout != nil {
		c.CriticalTimeout = time.Duration(*raw.CriticalTimeout)
	}
	if raw.Plan != nil {
		c.Plan = raw.Plan
	}
	return nil
}

func (t *HealthThresholds) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxMemoryBytes        *int64        `yaml:"max_memory_bytes"`
		MaxDiskBytes          *int64        `yaml:"max_disk_bytes"`
		MinHitRate            *float64      `yaml:"min_hit_rate"`
		MaxRetrievalTime      *flexDuration `yaml:"max_retrieval_time"`
		MaxEvictionsPerMinute *float64      `yaml:"max_evictions_per_minute"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxMemoryBytes != nil {
		t.MaxMemoryBytes = *raw.MaxMemoryBytes
	}
	if raw.MaxDiskBytes != nil {
		t.MaxDiskBytes = *raw.MaxDiskBytes
	}
	if raw.MinHitRate != nil {
		t.MinHitRate = *raw.MinHitRate
	}
	if raw.MaxRetrievalTime != nil {
		t.MaxRetrievalTime = time.Duration(*raw.MaxRetrievalTime)
	}
	if raw.MaxEvictionsPerMinute != nil {
		t.MaxEvictionsPerMinute = *raw.MaxEvictionsPerMinute
	}
	return nil
}
