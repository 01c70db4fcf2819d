package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/errs"
)

// Version of the manifest record format.
const Version = "1.0.0"

// BackupTypeFull is the only backup type the engine produces.
const BackupTypeFull = "full"

// ChunkDescriptor describes one written chunk.
type ChunkDescriptor struct {
	ID         int     `json:"chunk/id"`
	TxRange    TxRange `json:"chunk/tx-range"`
	MaxEID     int64   `json:"chunk/max-eid"`
	DatomCount int64   `json:"chunk/datom-count"`
	SizeBytes  int64   `json:"chunk/size-bytes"`
	Checksum   string  `json:"chunk/checksum"`
	StorageKey string  `json:"chunk/storage-key"`
	ETag       string  `json:"chunk/etag,omitempty"`
}

// Timing records when the backup ran.
type Timing struct {
	BackupStarted   time.Time `json:"backup-started"`
	BackupCompleted time.Time `json:"backup-completed"`
	DurationSeconds float64   `json:"duration-seconds"`
}

// Manifest is the per-backup metadata record. Written once after all chunks
// land, then read-only; the sibling completion marker is the commit point.
// Example:
//
//	m, err := manifest.Read(ctx, store, manifest.Key(prefix, dbID, backupID))
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("backup %s holds %d datoms\n", m.BackupID, m.DatomCount)
type Manifest struct {
	BackupID      string            `json:"backup/id"`
	BackupType    string            `json:"backup/type"`
	CreatedAt     time.Time         `json:"backup/created-at"`
	Completed     bool              `json:"backup/completed"`
	BackupVersion string            `json:"backup/version"`
	DatabaseID    string            `json:"database/id"`
	FormatVersion string            `json:"format/version"`
	Compression   string            `json:"format/compression"`
	DatomCount    int64             `json:"stats/datom-count"`
	ChunkCount    int64             `json:"stats/chunk-count"`
	SizeBytes     int64             `json:"stats/size-bytes"`
	TxRange       TxRange           `json:"stats/tx-range"`
	MaxEID        int64             `json:"stats/max-eid"`
	MaxTx         int64             `json:"stats/max-tx"`
	Chunks        []ChunkDescriptor `json:"chunks"`
	Timing        Timing            `json:"timing"`

	// Extra holds keys written by newer versions; preserved on rewrite.
	Extra map[string]json.RawMessage `json:"-"`
}

// AggregateTxRange returns the manifest-level range, folding over chunk
// descriptors when the aggregate field is absent. When the aggregate is
// present the per-chunk ranges are not consulted.
func (m *Manifest) AggregateTxRange() TxRange {
	if m.TxRange.Valid {
		return m.TxRange
	}
	var r TxRange
	for _, c := range m.Chunks {
		r = r.Union(c.TxRange)
	}
	return r
}

// AggregateMaxEID folds chunk descriptors when the manifest field is zero.
func (m *Manifest) AggregateMaxEID() int64 {
	if m.MaxEID != 0 {
		return m.MaxEID
	}
	var max int64
	for _, c := range m.Chunks {
		if c.MaxEID > max {
			max = c.MaxEID
		}
	}
	return max
}

// AggregateMaxTx folds chunk descriptors when the manifest field is zero.
func (m *Manifest) AggregateMaxTx() int64 {
	if m.MaxTx != 0 {
		return m.MaxTx
	}
	r := m.AggregateTxRange()
	if r.Valid {
		return r.Max
	}
	return 0
}

// Encode renders the manifest as pretty-printed JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return MarshalRecord(m, m.Extra)
}

// Decode parses a manifest, preserving unrecognized keys.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	extra, err := UnmarshalRecord(data, &m)
	if err != nil {
		return nil, errs.New(errs.Data, "manifest.decode", err)
	}
	m.Extra = extra
	return &m, nil
}

// Write stores the manifest at key.
func Write(ctx context.Context, store blob.Store, key string, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if _, err := store.Put(ctx, key, data, "application/json", nil); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Read loads and parses the manifest at key.
func Read(ctx context.Context, store blob.Store, key string) (*Manifest, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Decode(data)
}
