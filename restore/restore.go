// Package restore implements the restore engine: it fetches backup chunks,
// verifies checksums, and merges the chunk streams back into transaction
// order before bulk-loading the target. Every chunk is fetched and decoded
// when the merge is primed, and each chunk's decoded datoms stay resident
// until its stream is drained, so memory grows with the backup size, not
// only with the chunk count.
package restore

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/codec"
	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/db"
	"github.com/gurre/datomvault/errs"
	"github.com/gurre/datomvault/manifest"
)

// Progress stages reported to the progress callback.
const (
	StageStarted         = "started"
	StageDownloading     = "downloading"
	StageProcessed       = "processed"
	StageTransacting     = "transacting"
	StageLoadingEntities = "loading-entities"
	StageCompleted       = "completed"
	StageFailed          = "failed"
)

// Progress is a point-in-time snapshot passed to the progress callback.
type Progress struct {
	Stage           string
	BackupID        string
	ChunksProcessed int64
	DatomsRestored  int64
}

// Options configures a restore run.
type Options struct {
	// DatabaseID names the database inside the store prefix. Required.
	DatabaseID string
	// Prefix is the root key prefix in the blob store.
	Prefix string
	// DisableChecksumVerify skips the per-chunk SHA-256 check. Verification
	// is on by default.
	DisableChecksumVerify bool
	// InitialTx is the platform's built-in initial transaction id; datoms
	// carrying it are not re-applied. Default datom.Tx0.
	InitialTx int64
	// BatchSize is the bulk-load batch size. Default 10000.
	BatchSize int
	// Progress, if set, is invoked at stage transitions.
	Progress func(Progress)
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
}

func (o *Options) applyDefaults() error {
	if o.DatabaseID == "" {
		return fmt.Errorf("database id is required")
	}
	if o.InitialTx == 0 {
		o.InitialTx = datom.Tx0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return nil
}

// Result is the structured outcome of a restore run.
type Result struct {
	Success         bool   `json:"success"`
	BackupID        string `json:"backup-id"`
	DatomsRestored  int64  `json:"datoms-restored"`
	ChunksProcessed int64  `json:"chunks-processed"`
	DurationMS      int64  `json:"duration-ms"`
	Error           string `json:"error,omitempty"`
}

// chunkCursor lazily yields the datoms of one chunk. The chunk bytes are
// fetched, verified, and decoded on the first pull.
type chunkCursor struct {
	store       blob.Store
	datoms      []datom.Datom
	compression string
	desc        manifest.ChunkDescriptor
	pos         int
	verify      bool
	fetched     bool
}

func (c *chunkCursor) next(ctx context.Context) (datom.Datom, bool, error) {
	if !c.fetched {
		if err := c.fetch(ctx); err != nil {
			return datom.Datom{}, false, err
		}
	}
	if c.pos >= len(c.datoms) {
		c.datoms = nil
		return datom.Datom{}, false, nil
	}
	d := c.datoms[c.pos]
	c.pos++
	return d, true, nil
}

func (c *chunkCursor) fetch(ctx context.Context) error {
	c.fetched = true
	payload, err := c.store.Get(ctx, c.desc.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to fetch chunk %d: %w", c.desc.ID, err)
	}
	if c.verify {
		if got := codec.Checksum(payload); got != c.desc.Checksum {
			return errs.Newf(errs.Data, "restore",
				"checksum mismatch for chunk %d: expected %s, got %s", c.desc.ID, c.desc.Checksum, got)
		}
	}
	chunk, err := codec.DecodeChunk(payload, c.compression)
	if err != nil {
		return err
	}
	if chunk.ID != c.desc.ID {
		return errs.Newf(errs.Data, "restore",
			"chunk id mismatch: descriptor %d, payload %d", c.desc.ID, chunk.ID)
	}
	c.datoms = chunk.Datoms
	return nil
}

// mergeItem is one heap entry: the head datom of a cursor.
type mergeItem struct {
	cursor *chunkCursor
	head   datom.Datom
}

// mergeHeap is a min-heap keyed by the restore merge order. It holds at
// most one datom per chunk stream; the cursors behind it hold their decoded
// chunks.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return datom.Less(h[i].head, h[j].head) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)         { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Run restores backupID from store into target. The target is expected to
// be empty; on failure it is left in whatever partial state was applied.
// Example:
//
//	res := restore.Run(ctx, conn, store, "20260801-120000-a1b2c3",
//	    restore.Options{DatabaseID: "library"})
func Run(ctx context.Context, target db.BulkLoader, store blob.Store, backupID string, opts Options) Result {
	started := time.Now()
	res := Result{BackupID: backupID}
	if err := opts.applyDefaults(); err != nil {
		res.Error = err.Error()
		return res
	}
	log := opts.Logger.WithFields(logrus.Fields{
		"database_id": opts.DatabaseID,
		"backup_id":   backupID,
	})

	report := func(stage string) {
		if opts.Progress != nil {
			opts.Progress(Progress{
				Stage:           stage,
				BackupID:        backupID,
				ChunksProcessed: res.ChunksProcessed,
				DatomsRestored:  res.DatomsRestored,
			})
		}
	}

	report(StageStarted)
	err := run(ctx, target, store, backupID, opts, &res, report, log)
	res.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		report(StageFailed)
		log.WithError(err).Error("restore failed")
		return res
	}
	res.Success = true
	report(StageCompleted)
	log.WithFields(logrus.Fields{
		"datoms": res.DatomsRestored,
		"chunks": res.ChunksProcessed,
	}).Info("restore completed")
	return res
}

func run(ctx context.Context, target db.BulkLoader, store blob.Store, backupID string,
	opts Options, res *Result, report func(string), log logrus.FieldLogger) error {
	m, err := manifest.Read(ctx, store, manifest.Key(opts.Prefix, opts.DatabaseID, backupID))
	if err != nil {
		return err
	}
	log.WithField("chunks", len(m.Chunks)).Info("restore started")

	// Restore the id high-water marks before loading so allocation in the
	// target never collides with restored entities.
	if err := target.SetMaxIDs(ctx, m.AggregateMaxEID(), m.AggregateMaxTx()); err != nil {
		return fmt.Errorf("failed to set max ids: %w", err)
	}

	report(StageDownloading)
	h := make(mergeHeap, 0, len(m.Chunks))
	for _, desc := range m.Chunks {
		cur := &chunkCursor{
			store:       store,
			desc:        desc,
			compression: m.Compression,
			verify:      !opts.DisableChecksumVerify,
		}
		d, ok, err := cur.next(ctx)
		if err != nil {
			return err
		}
		res.ChunksProcessed++
		if ok {
			h = append(h, mergeItem{cursor: cur, head: d})
		}
	}
	heap.Init(&h)
	report(StageProcessed)

	report(StageTransacting)
	batch := make([]datom.Datom, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		report(StageLoadingEntities)
		if err := target.LoadEntities(ctx, batch); err != nil {
			return fmt.Errorf("failed to load entities: %w", err)
		}
		res.DatomsRestored += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := heap.Pop(&h).(mergeItem)
		// The source stores its built-in schema under the initial
		// transaction; the target wrote its own copy on creation.
		if item.head.Tx != opts.InitialTx {
			batch = append(batch, item.head)
			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		d, ok, err := item.cursor.next(ctx)
		if err != nil {
			return err
		}
		if ok {
			heap.Push(&h, mergeItem{cursor: item.cursor, head: d})
		}
	}
	return flush()
}
