package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/datomvault/errs"
	"github.com/gurre/datomvault/kvstore"
)

// CheckpointKey is the reserved key inside the source store that holds the
// GC checkpoint. It is part of the on-disk contract: at most one GC runs
// per store, and the sweep never considers this key a candidate.
const CheckpointKey = "gc/checkpoint"

// Stats accumulates mark-phase progress counters.
type Stats struct {
	CommitsWalked int64 `json:"commits-walked"`
}

// Checkpoint is the persisted state of an in-progress GC. It is overwritten
// in place during the mark phase and deleted after a successful sweep.
type Checkpoint struct {
	GCID              string    `json:"gc-id"`
	StartedAt         time.Time `json:"started-at"`
	LastCheckpoint    time.Time `json:"last-checkpoint"`
	Visited           []string  `json:"visited"`
	Reachable         []string  `json:"reachable"`
	PendingBranches   []string  `json:"pending-branches"`
	CompletedBranches []string  `json:"completed-branches"`
	CurrentBranch     string    `json:"current-branch,omitempty"`
	Stats             Stats     `json:"stats"`
}

func newCheckpoint(gcID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{GCID: gcID, StartedAt: now, LastCheckpoint: now}
}

// loadCheckpoint reads the checkpoint from the reserved key; nil if none.
func loadCheckpoint(ctx context.Context, store kvstore.Store) (*Checkpoint, error) {
	data, err := store.Get(ctx, CheckpointKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read gc checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errs.New(errs.Data, "gc.checkpoint", err)
	}
	return &cp, nil
}

func writeCheckpoint(ctx context.Context, store kvstore.Store, cp *Checkpoint) error {
	sort.Strings(cp.Visited)
	sort.Strings(cp.Reachable)
	sort.Strings(cp.CompletedBranches)
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode gc checkpoint: %w", err)
	}
	if err := store.Put(ctx, CheckpointKey, data); err != nil {
		return fmt.Errorf("failed to write gc checkpoint: %w", err)
	}
	return nil
}

func deleteCheckpoint(ctx context.Context, store kvstore.Store) error {
	if err := store.Delete(ctx, []string{CheckpointKey}); err != nil {
		return fmt.Errorf("failed to delete gc checkpoint: %w", err)
	}
	return nil
}

// Status returns the current GC checkpoint, or nil when no GC is in
// progress.
func Status(ctx context.Context, store kvstore.Store) (*Checkpoint, error) {
	return loadCheckpoint(ctx, store)
}
