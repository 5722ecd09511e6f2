package store

import (
	"bytes"
	"io"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// record is the envelope written to a persistent tier. The checksum is
// taken over the raw payload before compression, so corruption is
// detected whichever form the record was stored in.
type record struct {
	Kind         string `json:"kind"`
	ID           string `json:"id,omitempty"`
	Payload      []byte `json:"payload"`
	Compressed   bool   `json:"compressed"`
	Checksum     string `json:"checksum"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    int64  `json:"created_at"`
	LastAccessed int64  `json:"last_accessed"`
	AccessCount  int64  `json:"access_count"`
	SyncStatus   string `json:"sync_status"`
	RetryCount   int    `json:"retry_count"`
}

func encodeRecord(entry *types.Entry, policy types.Policy) (*record, error) {
	payload := entry.Payload
	compressed := false

	if policy.Compress && len(payload) > 0 {
		var buf bytes.Buffer
		level := policy.CompressionLevel
		if level <= 0 {
			level = brotli.DefaultCompression
		}

		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(payload); err != nil {
			return nil, types.WrapError(err, "failed to compress payload")
		}
		if err := w.Close(); err != nil {
			return nil, types.WrapError(err, "failed to finish compression")
		}

		// Incompressible payloads are stored raw.
		if buf.Len() < len(payload) {
			payload = buf.Bytes()
			compressed = true
		}
	}

	return &record{
		Kind:         string(entry.Kind),
		ID:           entry.ID,
		Payload:      payload,
		Compressed:   compressed,
		Checksum:     utils.Checksum(entry.Payload),
		SizeBytes:    entry.SizeBytes,
		CreatedAt:    entry.CreatedAt.UnixNano(),
		LastAccessed: entry.LastAccessed.UnixNano(),
		AccessCount:  entry.AccessCount,
		SyncStatus:   string(entry.SyncStatus),
		RetryCount:   entry.RetryCount,
	}, nil
}

func decodeRecord(r *record) (*types.Entry, error) {
	if r.Kind == "" {
		return nil, types.ErrEntryCorrupted
	}

	payload := r.Payload
	if r.Compressed {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, types.Errorf(types.ErrEntryCorrupted, "decompression failed: %v", err)
		}
		payload = decompressed
	}

	if !utils.VerifyChecksum(payload, r.Checksum) {
		return nil, types.Errorf(types.ErrEntryCorrupted, "checksum mismatch for %s/%s", r.Kind, r.ID)
	}

	syncStatus := types.SyncStatus(r.SyncStatus)
	if syncStatus == "" {
		syncStatus = types.SyncStatusNeverSynced
	}

	return &types.Entry{
		Kind:         types.DataKind(r.Kind),
		ID:           r.ID,
		Payload:      payload,
		SizeBytes:    r.SizeBytes,
		CreatedAt:    time.Unix(0, r.CreatedAt),
		LastAccessed: time.Unix(0, r.LastAccessed),
		AccessCount:  r.AccessCount,
		Persistent:   true,
		SyncStatus:   syncStatus,
		RetryCount:   r.RetryCount,
	}, nil
}
