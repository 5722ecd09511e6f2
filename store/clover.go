package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const cloverCollection = "cache_entries"

type TierState int32

const (
	TierStateStopped TierState = iota
	TierStateStarting
	TierStateRunning
	TierStateStopping
)

// CloverTier keeps persistent entries in an embedded clover document
// store, one document per (kind, id).
type CloverTier struct {
	db     *clover.DB
	logger types.Logger
	config *types.PersistentTierConfig
	state  atomic.Value
}

func NewCloverTier(ctx context.Context, logger types.Logger, config *types.PersistentTierConfig) (types.PersistentTier, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover store")
	}

	tier := &CloverTier{
		db:     db,
		logger: logger,
		config: config,
	}

	tier.state.Store(TierStateStopped)
	return tier, nil
}

func (c *CloverTier) Start() error {
	if !c.transitionState(TierStateStopped, TierStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == TierStateStarting {
			c.setState(TierStateRunning)
		}
	}()

	exists, err := c.db.HasCollection(cloverCollection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := c.db.CreateCollection(cloverCollection); err != nil {
			return types.WrapError(err, "failed to create collection")
		}
	}

	c.logger.Info("Clover tier started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverTier) Stop() error {
	if !c.transitionState(TierStateRunning, TierStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(TierStateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}

	c.logger.Info("Clover tier stopped gracefully")
	return nil
}

func (c *CloverTier) IsRunning() bool {
	return c.getState() == TierStateRunning
}

func (c *CloverTier) Load(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	doc, err := c.query(kind, id).FindFirst()
	if err != nil {
		return nil, types.WrapError(err, "failed to query entry")
	}

	if doc == nil {
		return nil, types.ErrEntryNotFound
	}

	raw, ok := doc.Get("data").(string)
	if !ok {
		c.purge(kind, id)
		return nil, types.ErrEntryCorrupted
	}

	var rec record
	if err := utils.Unmarshal([]byte(raw), &rec); err != nil {
		c.purge(kind, id)
		return nil, types.Errorf(types.ErrEntryCorrupted, "record decode failed: %v", err)
	}

	entry, err := decodeRecord(&rec)
	if err != nil {
		c.purge(kind, id)
		return nil, err
	}

	return entry, nil
}

func (c *CloverTier) Store(ctx context.Context, entry *types.Entry, policy types.Policy) error {
	rec, err := encodeRecord(entry, policy)
	if err != nil {
		return err
	}

	data, err := utils.Marshal(rec)
	if err != nil {
		return types.WrapError(err, "failed to marshal record")
	}

	doc := clover.NewDocument()
	doc.Set("internal_id", uuid.New().String())
	doc.Set("kind", string(entry.Kind))
	doc.Set("entry_id", entry.ID)
	doc.Set("data", utils.BytesToString(data))
	doc.Set("size_bytes", entry.SizeBytes)
	doc.Set("created_at", entry.CreatedAt.UnixNano())

	// Replace-then-insert keeps one document per key.
	if err := c.query(entry.Kind, entry.ID).Delete(); err != nil {
		return types.WrapError(err, "failed to replace entry")
	}

	if err := c.db.Insert(cloverCollection, doc); err != nil {
		return types.WrapError(err, "failed to insert entry")
	}

	return nil
}

func (c *CloverTier) Remove(ctx context.Context, kind types.DataKind, id string) error {
	if err := c.query(kind, id).Delete(); err != nil {
		return types.WrapError(err, "failed to delete entry")
	}
	return nil
}

func (c *CloverTier) RemoveKind(ctx context.Context, kind types.DataKind) error {
	err := c.db.Query(cloverCollection).
		Where(clover.Field("kind").Eq(string(kind))).
		Delete()
	if err != nil {
		return types.WrapError(err, "failed to delete kind")
	}
	return nil
}

// Cleanup drops records older than maxAge, then the oldest remaining
// records until total size falls under maxBytes. Driven by schedule,
// independent of the memory eviction pass.
func (c *CloverTier) Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (int, error) {
	removed := 0

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixNano()
		query := c.db.Query(cloverCollection).Where(clover.Field("created_at").Lt(cutoff))

		count, err := query.Count()
		if err != nil {
			return 0, types.WrapError(err, "failed to count aged entries")
		}

		if count > 0 {
			if err := query.Delete(); err != nil {
				return 0, types.WrapError(err, "failed to delete aged entries")
			}
			removed += count
		}
	}

	if maxBytes <= 0 {
		return removed, nil
	}

	docs, err := c.db.Query(cloverCollection).
		Sort(clover.SortOption{Field: "created_at", Direction: 1}).
		FindAll()
	if err != nil {
		return removed, types.WrapError(err, "failed to list entries")
	}

	var total int64
	for _, doc := range docs {
		total += docSize(doc)
	}

	for _, doc := range docs {
		if total <= maxBytes {
			break
		}

		kind, _ := doc.Get("kind").(string)
		entryID, _ := doc.Get("entry_id").(string)
		if err := c.query(types.DataKind(kind), entryID).Delete(); err != nil {
			c.logger.Error("Failed to delete oversized entry",
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}

		total -= docSize(doc)
		removed++
	}

	return removed, nil
}

func (c *CloverTier) Size(ctx context.Context) (int64, int, error) {
	docs, err := c.db.Query(cloverCollection).FindAll()
	if err != nil {
		return 0, 0, types.WrapError(err, "failed to list entries")
	}

	var total int64
	for _, doc := range docs {
		total += docSize(doc)
	}

	return total, len(docs), nil
}

func (c *CloverTier) query(kind types.DataKind, id string) *clover.Query {
	return c.db.Query(cloverCollection).
		Where(clover.Field("kind").Eq(string(kind)).And(clover.Field("entry_id").Eq(id)))
}

func (c *CloverTier) purge(kind types.DataKind, id string) {
	if err := c.query(kind, id).Delete(); err != nil {
		c.logger.Error("Failed to purge corrupted entry",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err))
	}
}

func docSize(doc *clover.Document) int64 {
	switch v := doc.Get("size_bytes").(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (c *CloverTier) getState() TierState {
	return c.state.Load().(TierState)
}

func (c *CloverTier) setState(newState TierState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverTier) transitionState(from, to TierState) bool {
	return c.state.CompareAndSwap(from, to)
}
