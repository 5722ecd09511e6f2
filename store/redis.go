package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type RedisTierConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
}

// RedisTier keeps persistent entries in a redis instance, used when the
// cache must survive process restarts but local disk is unavailable.
type RedisTier struct {
	client    *redis.Client
	logger    types.Logger
	config    *types.PersistentTierConfig
	keyPrefix string
	maxAge    time.Duration
	state     atomic.Value
}

func NewRedisTier(ctx context.Context, logger types.Logger, config *types.PersistentTierConfig) (types.PersistentTier, error) {
	var redisConfig RedisTierConfig
	if err := utils.UnmarshalConfig(config.Config, &redisConfig); err != nil {
		return nil, types.WrapError(err, "failed to parse redis tier config")
	}

	if redisConfig.Addr == "" {
		redisConfig.Addr = "localhost:6379"
	}
	if redisConfig.KeyPrefix == "" {
		redisConfig.KeyPrefix = "cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
		PoolSize: redisConfig.PoolSize,
	})

	tier := &RedisTier{
		client:    client,
		logger:    logger,
		config:    config,
		keyPrefix: redisConfig.KeyPrefix,
		maxAge:    config.MaxAge,
	}

	tier.state.Store(TierStateStopped)
	return tier, nil
}

func (r *RedisTier) Start() error {
	if !r.transitionState(TierStateStopped, TierStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if r.getState() == TierStateStarting {
			r.setState(TierStateRunning)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.setState(TierStateStopped)
		return types.WrapError(err, "failed to ping redis")
	}

	r.logger.Info("Redis tier started", zap.String("prefix", r.keyPrefix))
	return nil
}

func (r *RedisTier) Stop() error {
	if !r.transitionState(TierStateRunning, TierStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		r.setState(TierStateStopped)
	}()

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis tier stopped gracefully")
	return nil
}

func (r *RedisTier) IsRunning() bool {
	return r.getState() == TierStateRunning
}

func (r *RedisTier) Load(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(kind, id)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrEntryNotFound
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to get entry")
	}

	var rec record
	if err := utils.Unmarshal(data, &rec); err != nil {
		r.purge(ctx, kind, id)
		return nil, types.Errorf(types.ErrEntryCorrupted, "record decode failed: %v", err)
	}

	entry, err := decodeRecord(&rec)
	if err != nil {
		r.purge(ctx, kind, id)
		return nil, err
	}

	return entry, nil
}

func (r *RedisTier) Store(ctx context.Context, entry *types.Entry, policy types.Policy) error {
	rec, err := encodeRecord(entry, policy)
	if err != nil {
		return err
	}

	data, err := utils.Marshal(rec)
	if err != nil {
		return types.WrapError(err, "failed to marshal record")
	}

	// maxAge doubles as the redis expiration so aged records vanish
	// without a cleanup pass.
	if err := r.client.Set(ctx, r.entryKey(entry.Kind, entry.ID), data, r.maxAge).Err(); err != nil {
		return types.WrapError(err, "failed to set entry")
	}

	return nil
}

func (r *RedisTier) Remove(ctx context.Context, kind types.DataKind, id string) error {
	if err := r.client.Del(ctx, r.entryKey(kind, id)).Err(); err != nil {
		return types.WrapError(err, "failed to delete entry")
	}
	return nil
}

func (r *RedisTier) RemoveKind(ctx context.Context, kind types.DataKind) error {
	keys, err := r.kindKeys(ctx, kind)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return types.WrapError(err, "failed to delete kind")
	}
	return nil
}

// Cleanup enforces maxBytes only; age expiry is handled by the per-key
// redis TTL set on store.
func (r *RedisTier) Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	type candidate struct {
		key       string
		size      int64
		createdAt int64
	}

	var candidates []candidate
	var total int64

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var rec record
		if err := utils.Unmarshal(data, &rec); err != nil {
			r.client.Del(ctx, key)
			continue
		}

		candidates = append(candidates, candidate{key, rec.SizeBytes, rec.CreatedAt})
		total += rec.SizeBytes
	}
	if err := iter.Err(); err != nil {
		return 0, types.WrapError(err, "failed to scan entries")
	}

	if total <= maxBytes {
		return 0, nil
	}

	// Oldest first until under budget.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].createdAt < candidates[i].createdAt {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	removed := 0
	for _, c := range candidates {
		if total <= maxBytes {
			break
		}
		if err := r.client.Del(ctx, c.key).Err(); err != nil {
			r.logger.Error("Failed to delete oversized entry",
				zap.String("key", c.key),
				zap.Error(err))
			continue
		}
		total -= c.size
		removed++
	}

	return removed, nil
}

func (r *RedisTier) Size(ctx context.Context) (int64, int, error) {
	var total int64
	count := 0

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}

		var rec record
		if err := utils.Unmarshal(data, &rec); err != nil {
			continue
		}

		total += rec.SizeBytes
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, 0, types.WrapError(err, "failed to scan entries")
	}

	return total, count, nil
}

func (r *RedisTier) entryKey(kind types.DataKind, id string) string {
	return r.keyPrefix + utils.EntryKey(string(kind), id)
}

func (r *RedisTier) kindKeys(ctx context.Context, kind types.DataKind) ([]string, error) {
	var keys []string

	// Kind-only entries have no id suffix, so both patterns are needed.
	patterns := []string{
		r.keyPrefix + string(kind),
		r.keyPrefix + string(kind) + "/*",
	}

	for _, pattern := range patterns {
		iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, types.WrapError(err, "failed to scan kind keys")
		}
	}

	return keys, nil
}

func (r *RedisTier) purge(ctx context.Context, kind types.DataKind, id string) {
	if err := r.Remove(ctx, kind, id); err != nil {
		r.logger.Error("Failed to purge corrupted entry",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err))
	}
}

func (r *RedisTier) getState() TierState {
	return r.state.Load().(TierState)
}

func (r *RedisTier) setState(newState TierState) bool {
	currentState := r.getState()
	return r.state.CompareAndSwap(currentState, newState)
}

func (r *RedisTier) transitionState(from, to TierState) bool {
	return r.state.CompareAndSwap(from, to)
}
