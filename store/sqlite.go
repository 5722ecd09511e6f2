package store

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	kind        TEXT NOT NULL,
	entry_id    TEXT NOT NULL DEFAULT '',
	data        BLOB NOT NULL,
	size_bytes  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (kind, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries (created_at);
`

// SQLiteTier keeps persistent entries in an embedded sqlite database,
// the usual choice when the cache shares a file with other app state.
type SQLiteTier struct {
	db     *sql.DB
	logger types.Logger
	config *types.PersistentTierConfig
	state  atomic.Value
}

func NewSQLiteTier(ctx context.Context, logger types.Logger, config *types.PersistentTierConfig) (types.PersistentTier, error) {
	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite store")
	}

	tier := &SQLiteTier{
		db:     db,
		logger: logger,
		config: config,
	}

	tier.state.Store(TierStateStopped)
	return tier, nil
}

func (s *SQLiteTier) Start() error {
	if !s.transitionState(TierStateStopped, TierStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == TierStateStarting {
			s.setState(TierStateRunning)
		}
	}()

	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return types.WrapError(err, "failed to create schema")
	}

	s.logger.Info("SQLite tier started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteTier) Stop() error {
	if !s.transitionState(TierStateRunning, TierStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(TierStateStopped)
	}()

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite store")
	}

	s.logger.Info("SQLite tier stopped gracefully")
	return nil
}

func (s *SQLiteTier) IsRunning() bool {
	return s.getState() == TierStateRunning
}

func (s *SQLiteTier) Load(ctx context.Context, kind types.DataKind, id string) (*types.Entry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM cache_entries WHERE kind = ? AND entry_id = ?",
		string(kind), id).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, types.ErrEntryNotFound
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to query entry")
	}

	var rec record
	if err := utils.Unmarshal(data, &rec); err != nil {
		s.purge(ctx, kind, id)
		return nil, types.Errorf(types.ErrEntryCorrupted, "record decode failed: %v", err)
	}

	entry, err := decodeRecord(&rec)
	if err != nil {
		s.purge(ctx, kind, id)
		return nil, err
	}

	return entry, nil
}

func (s *SQLiteTier) Store(ctx context.Context, entry *types.Entry, policy types.Policy) error {
	rec, err := encodeRecord(entry, policy)
	if err != nil {
		return err
	}

	data, err := utils.Marshal(rec)
	if err != nil {
		return types.WrapError(err, "failed to marshal record")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (kind, entry_id, data, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, entry_id) DO UPDATE SET
		 data = excluded.data, size_bytes = excluded.size_bytes, created_at = excluded.created_at`,
		string(entry.Kind), entry.ID, data, entry.SizeBytes, entry.CreatedAt.UnixNano())
	if err != nil {
		return types.WrapError(err, "failed to upsert entry")
	}

	return nil
}

func (s *SQLiteTier) Remove(ctx context.Context, kind types.DataKind, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE kind = ? AND entry_id = ?",
		string(kind), id)
	if err != nil {
		return types.WrapError(err, "failed to delete entry")
	}
	return nil
}

func (s *SQLiteTier) RemoveKind(ctx context.Context, kind types.DataKind) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE kind = ?", string(kind))
	if err != nil {
		return types.WrapError(err, "failed to delete kind")
	}
	return nil
}

func (s *SQLiteTier) Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (int, error) {
	removed := 0

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixNano()
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE created_at < ?", cutoff)
		if err != nil {
			return 0, types.WrapError(err, "failed to delete aged entries")
		}
		if affected, err := res.RowsAffected(); err == nil {
			removed += int(affected)
		}
	}

	if maxBytes <= 0 {
		return removed, nil
	}

	for {
		total, _, err := s.Size(ctx)
		if err != nil {
			return removed, err
		}
		if total <= maxBytes {
			return removed, nil
		}

		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE rowid IN
			 (SELECT rowid FROM cache_entries ORDER BY created_at ASC LIMIT 16)`)
		if err != nil {
			return removed, types.WrapError(err, "failed to delete oversized entries")
		}

		affected, err := res.RowsAffected()
		if err != nil || affected == 0 {
			return removed, nil
		}
		removed += int(affected)
	}
}

func (s *SQLiteTier) Size(ctx context.Context) (int64, int, error) {
	var total sql.NullInt64
	var count int

	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries").
		Scan(&total, &count)
	if err != nil {
		return 0, 0, types.WrapError(err, "failed to measure store")
	}

	return total.Int64, count, nil
}

func (s *SQLiteTier) purge(ctx context.Context, kind types.DataKind, id string) {
	if err := s.Remove(ctx, kind, id); err != nil {
		s.logger.Error("Failed to purge corrupted entry",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err))
	}
}

func (s *SQLiteTier) getState() TierState {
	return s.state.Load().(TierState)
}

func (s *SQLiteTier) setState(newState TierState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *SQLiteTier) transitionState(from, to TierState) bool {
	return s.state.CompareAndSwap(from, to)
}
