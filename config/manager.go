package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	configPath  string
	loader      *Loader
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewStaticManager wraps an already-built config, for embedders that
// construct configuration in code rather than from a file.
func NewStaticManager(config *types.ServiceConfig) (*ConfigurationManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	cm := &ConfigurationManager{
		loader: NewLoader(),
	}
	merged := cm.loader.Defaults()
	mergeConfig(merged, config)

	if err := cm.loader.validator.Struct(merged); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	cm.config.Store(merged)
	return cm, nil
}

func (cm *ConfigurationManager) Load() error {
	config, err := cm.loader.LoadFromFile(cm.configPath)
	if err != nil {
		return err
	}

	cm.config.Store(config)
	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func mergeConfig(dst, src *types.ServiceConfig) {
	dst.Name = src.Name
	dst.Version = src.Version

	if src.Logger != nil {
		dst.Logger = src.Logger
	}
	if src.Store != nil {
		if src.Store.Memory != nil {
			dst.Store.Memory = src.Store.Memory
		}
		if src.Store.Persistent != nil {
			dst.Store.Persistent = src.Store.Persistent
		}
		if src.Store.DefaultTTL > 0 {
			dst.Store.DefaultTTL = src.Store.DefaultTTL
		}
	}
	if src.Remote != nil {
		dst.Remote = src.Remote
	}
	if src.Sync != nil {
		dst.Sync = src.Sync
	}
	if src.Warming != nil {
		dst.Warming = src.Warming
	}
	if src.Health != nil {
		dst.Health = src.Health
	}
	if src.Metrics != nil {
		dst.Metrics = src.Metrics
	}
	if src.Events != nil {
		dst.Events = src.Events
	}
	if src.Admin != nil {
		dst.Admin = src.Admin
	}
	if src.Cron != nil {
		dst.Cron = src.Cron
	}
	if src.Policies != nil {
		dst.Policies = src.Policies
	}
}
