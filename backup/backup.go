// Package backup implements the streaming chunked backup engine: it
// partitions a snapshot datom iterator into chunks, encodes, compresses,
// checksums, and uploads them in parallel, then finalizes the manifest and
// the completion marker.
package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/codec"
	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/db"
	"github.com/gurre/datomvault/manifest"
)

// Options configures a backup run.
type Options struct {
	// DatabaseID names the database inside the store prefix. Required.
	DatabaseID string
	// Prefix is the root key prefix in the blob store.
	Prefix string
	// ChunkSizeBytes is the approximate target chunk size. Default 64 MiB.
	ChunkSizeBytes int
	// BytesPerDatom is the coarse per-datom size estimate used to turn
	// ChunkSizeBytes into a datom count. A tunable, not a promise about
	// final size. Default 100.
	BytesPerDatom int
	// Compression is "gzip" or "none". Default gzip.
	Compression string
	// Parallel is the number of chunks encoded and uploaded concurrently.
	// Default 4.
	Parallel int
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
}

func (o *Options) applyDefaults() error {
	if o.DatabaseID == "" {
		return fmt.Errorf("database id is required")
	}
	if o.ChunkSizeBytes <= 0 {
		o.ChunkSizeBytes = 64 << 20
	}
	if o.BytesPerDatom <= 0 {
		o.BytesPerDatom = 100
	}
	if o.Compression == "" {
		o.Compression = codec.CompressionGzip
	}
	if o.Compression != codec.CompressionGzip && o.Compression != codec.CompressionNone {
		return fmt.Errorf("unknown compression %q", o.Compression)
	}
	if o.Parallel <= 0 {
		o.Parallel = 4
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return nil
}

// Result is the structured outcome of a backup run.
type Result struct {
	Success        bool   `json:"success"`
	BackupID       string `json:"backup-id"`
	DatomCount     int64  `json:"datom-count"`
	ChunkCount     int64  `json:"chunk-count"`
	MaxEID         int64  `json:"max-eid"`
	MaxTx          int64  `json:"max-tx"`
	TotalSizeBytes int64  `json:"total-size-bytes"`
	DurationMS     int64  `json:"duration-ms"`
	Path           string `json:"path"`
	Error          string `json:"error,omitempty"`
}

var idPattern = regexp.MustCompile(`^\d{8}-\d{6}-[0-9a-f]{6}$`)

// NewID generates a time-ordered backup id: YYYYMMDD-HHMMSS-<6 hex> in UTC.
func NewID(now time.Time) string {
	var entropy [3]byte
	_, _ = rand.Read(entropy[:])
	return now.UTC().Format("20060102-150405") + "-" + hex.EncodeToString(entropy[:])
}

// ValidID reports whether s has the backup id shape.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// stats is the aggregate record shared by the chunk workers. All mutation
// happens under the mutex.
type stats struct {
	mu          sync.Mutex
	datomCount  int64
	chunkCount  int64
	sizeBytes   int64
	txRange     manifest.TxRange
	maxEID      int64
	maxTx       int64
	descriptors map[int]manifest.ChunkDescriptor
}

func (s *stats) record(desc manifest.ChunkDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datomCount += desc.DatomCount
	s.chunkCount++
	s.sizeBytes += desc.SizeBytes
	s.txRange = s.txRange.Union(desc.TxRange)
	if desc.MaxEID > s.maxEID {
		s.maxEID = desc.MaxEID
	}
	if desc.TxRange.Valid && desc.TxRange.Max > s.maxTx {
		s.maxTx = desc.TxRange.Max
	}
	s.descriptors[desc.ID] = desc
}

// Run performs a full backup of source into store. The snapshot iterator is
// consumed once, left to right; only the chunks currently being written are
// resident in memory.
// Example:
//
//	res := backup.Run(ctx, conn, store, backup.Options{DatabaseID: "library"})
//	if !res.Success {
//	    return errors.New(res.Error)
//	}
func Run(ctx context.Context, source db.SnapshotSource, store blob.Store, opts Options) Result {
	started := time.Now()
	if err := opts.applyDefaults(); err != nil {
		return Result{Error: err.Error()}
	}
	backupID := NewID(started)
	log := opts.Logger.WithFields(logrus.Fields{
		"database_id": opts.DatabaseID,
		"backup_id":   backupID,
	})

	res, err := run(ctx, source, store, opts, backupID, started, log)
	res.BackupID = backupID
	res.Path = manifest.BackupPrefix(opts.Prefix, opts.DatabaseID, backupID)
	res.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		log.WithError(err).Error("backup failed")
		return res
	}
	res.Success = true
	log.WithFields(logrus.Fields{
		"datoms": res.DatomCount,
		"chunks": res.ChunkCount,
		"bytes":  res.TotalSizeBytes,
	}).Info("backup completed")
	return res
}

func run(ctx context.Context, source db.SnapshotSource, store blob.Store, opts Options,
	backupID string, started time.Time, log logrus.FieldLogger) (Result, error) {
	it, err := source.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open snapshot: %w", err)
	}
	log.Info("backup started")

	datomsPerChunk := opts.ChunkSizeBytes / opts.BytesPerDatom
	if datomsPerChunk < 1 {
		datomsPerChunk = 1
	}
	checkpointKey := manifest.CheckpointKey(opts.Prefix, opts.DatabaseID, backupID)
	cp := manifest.NewCheckpoint("backup", backupID)
	if err := manifest.WriteCheckpoint(ctx, store, checkpointKey, cp); err != nil {
		return Result{}, err
	}

	agg := &stats{descriptors: make(map[int]manifest.ChunkDescriptor)}
	ext := codec.Ext(opts.Compression)
	nextChunk := 0
	exhausted := false

	type pending struct {
		datoms []datom.Datom
		id     int
	}
	for !exhausted {
		// Materialize up to Parallel chunks; this is the only place whole
		// chunks are resident.
		batch := make([]pending, 0, opts.Parallel)
		for len(batch) < opts.Parallel {
			chunk := make([]datom.Datom, 0, datomsPerChunk)
			for len(chunk) < datomsPerChunk && it.Next() {
				chunk = append(chunk, it.Datom())
			}
			if err := it.Err(); err != nil {
				return Result{}, fmt.Errorf("snapshot iteration failed: %w", err)
			}
			if len(chunk) == 0 {
				exhausted = true
				break
			}
			batch = append(batch, pending{datoms: chunk, id: nextChunk})
			nextChunk++
			if len(chunk) < datomsPerChunk {
				exhausted = true
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range batch {
			g.Go(func() error {
				desc, err := writeChunk(gctx, store, opts, backupID, p.id, p.datoms, ext)
				if err != nil {
					return err
				}
				agg.record(desc)
				log.WithFields(logrus.Fields{
					"chunk":  p.id,
					"datoms": desc.DatomCount,
					"bytes":  desc.SizeBytes,
				}).Debug("chunk written")
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}

		agg.mu.Lock()
		for id := range agg.descriptors {
			cp.MarkChunk(id)
		}
		agg.mu.Unlock()
		cp.CurrentChunk = nextChunk
		if err := manifest.WriteCheckpoint(ctx, store, checkpointKey, cp); err != nil {
			return Result{}, err
		}
	}

	// Assemble the manifest with descriptors in id order.
	agg.mu.Lock()
	chunks := make([]manifest.ChunkDescriptor, 0, len(agg.descriptors))
	for i := 0; i < nextChunk; i++ {
		chunks = append(chunks, agg.descriptors[i])
	}
	m := &manifest.Manifest{
		BackupID:      backupID,
		BackupType:    manifest.BackupTypeFull,
		CreatedAt:     started.UTC(),
		Completed:     true,
		BackupVersion: manifest.Version,
		DatabaseID:    opts.DatabaseID,
		FormatVersion: codec.FormatVersion,
		Compression:   opts.Compression,
		DatomCount:    agg.datomCount,
		ChunkCount:    agg.chunkCount,
		SizeBytes:     agg.sizeBytes,
		TxRange:       agg.txRange,
		MaxEID:        agg.maxEID,
		MaxTx:         agg.maxTx,
		Chunks:        chunks,
	}
	agg.mu.Unlock()
	completed := time.Now()
	m.Timing = manifest.Timing{
		BackupStarted:   started.UTC(),
		BackupCompleted: completed.UTC(),
		DurationSeconds: completed.Sub(started).Seconds(),
	}

	if err := manifest.Write(ctx, store, manifest.Key(opts.Prefix, opts.DatabaseID, backupID), m); err != nil {
		return Result{}, err
	}
	// The marker is the commit point: everything before it is provisional.
	if err := manifest.WriteMarker(ctx, store, opts.Prefix, opts.DatabaseID, backupID); err != nil {
		return Result{}, err
	}

	cp.Completed = true
	cp.TotalChunks = nextChunk
	if err := manifest.WriteCheckpoint(ctx, store, checkpointKey, cp); err != nil {
		return Result{}, err
	}

	return Result{
		DatomCount:     m.DatomCount,
		ChunkCount:     m.ChunkCount,
		MaxEID:         m.MaxEID,
		MaxTx:          m.MaxTx,
		TotalSizeBytes: m.SizeBytes,
	}, nil
}

// writeChunk encodes, compresses, checksums, and uploads one chunk, and
// returns its descriptor.
func writeChunk(ctx context.Context, store blob.Store, opts Options, backupID string,
	id int, datoms []datom.Datom, ext string) (manifest.ChunkDescriptor, error) {
	var txRange manifest.TxRange
	var maxEID int64
	for _, d := range datoms {
		txRange = txRange.Extend(d.Tx)
		if d.E > maxEID && d.A != datom.TxInstant {
			maxEID = d.E
		}
	}

	payload, checksum, err := codec.EncodeChunk(id, datoms, opts.Compression)
	if err != nil {
		return manifest.ChunkDescriptor{}, err
	}
	key := manifest.ChunkKey(opts.Prefix, opts.DatabaseID, backupID, id, ext)
	contentType := "application/json"
	if opts.Compression == codec.CompressionGzip {
		contentType = "application/gzip"
	}
	etag, err := store.Put(ctx, key, payload, contentType, nil)
	if err != nil {
		return manifest.ChunkDescriptor{}, fmt.Errorf("failed to write chunk %d: %w", id, err)
	}
	return manifest.ChunkDescriptor{
		ID:         id,
		TxRange:    txRange,
		MaxEID:     maxEID,
		DatomCount: int64(len(datoms)),
		SizeBytes:  int64(len(payload)),
		Checksum:   checksum,
		StorageKey: key,
		ETag:       etag,
	}, nil
}
