package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/errs"
)

// TotalChunksUnknown marks a checkpoint written before the snapshot
// iterator has been exhausted, when the chunk count is not yet known.
const TotalChunksUnknown = -1

// Checkpoint is the mutable per-operation progress record. It is
// overwritten in place during a run; on success a final write marks it
// completed and it is left in place.
type Checkpoint struct {
	Version     string    `json:"checkpoint/version"`
	Operation   string    `json:"checkpoint/operation"`
	BackupID    string    `json:"checkpoint/backup-id"`
	StartedAt   time.Time `json:"checkpoint/started-at"`
	UpdatedAt   time.Time `json:"checkpoint/updated-at"`
	TotalChunks int       `json:"progress/total-chunks"`
	Completed   bool      `json:"progress/completed"`
	CurrentChunk int      `json:"progress/current-chunk"`
	// CompletedChunks is a set; serialized sorted for stable output.
	CompletedChunks []int             `json:"state/completed-chunks"`
	FailedChunks    map[string]string `json:"state/failed-chunks,omitempty"`
	RetryCount      int               `json:"resume/retry-count"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewCheckpoint returns a checkpoint for a freshly started operation.
func NewCheckpoint(operation, backupID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Version:     Version,
		Operation:   operation,
		BackupID:    backupID,
		StartedAt:   now,
		UpdatedAt:   now,
		TotalChunks: TotalChunksUnknown,
	}
}

// MarkChunk records chunk id as completed.
func (c *Checkpoint) MarkChunk(id int) {
	for _, existing := range c.CompletedChunks {
		if existing == id {
			return
		}
	}
	c.CompletedChunks = append(c.CompletedChunks, id)
}

// Encode renders the checkpoint as pretty-printed JSON with the completed
// set sorted.
func (c *Checkpoint) Encode() ([]byte, error) {
	sort.Ints(c.CompletedChunks)
	return MarshalRecord(c, c.Extra)
}

// DecodeCheckpoint parses a checkpoint, preserving unrecognized keys.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	extra, err := UnmarshalRecord(data, &c)
	if err != nil {
		return nil, errs.New(errs.Data, "checkpoint.decode", err)
	}
	c.Extra = extra
	return &c, nil
}

// WriteCheckpoint stores the checkpoint at key, stamping UpdatedAt.
func WriteCheckpoint(ctx context.Context, store blob.Store, key string, c *Checkpoint) error {
	c.UpdatedAt = time.Now().UTC()
	data, err := c.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if _, err := store.Put(ctx, key, data, "application/json", nil); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads the checkpoint at key; a missing key returns nil.
func ReadCheckpoint(ctx context.Context, store blob.Store, key string) (*Checkpoint, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return DecodeCheckpoint(data)
}
