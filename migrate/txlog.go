package migrate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gurre/s3streamer"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/codec"
	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/errs"
)

// Entry is one captured source transaction, persisted as a single
// line-delimited record.
type Entry struct {
	Timestamp time.Time
	TxData    []datom.Datom
	TxID      int64
}

// wireEntry is the serialized shape of an Entry.
type wireEntry struct {
	TxID      int64           `json:"tx-id"`
	Timestamp time.Time       `json:"timestamp"`
	TxData    json.RawMessage `json:"tx-data"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	data, err := codec.MarshalDatoms(e.TxData)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEntry{TxID: e.TxID, Timestamp: e.Timestamp, TxData: data})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	datoms, err := codec.UnmarshalDatoms(w.TxData)
	if err != nil {
		return err
	}
	*e = Entry{TxID: w.TxID, Timestamp: w.Timestamp, TxData: datoms}
	return nil
}

// Log is the captured-transaction log: append-only under a writer mutex,
// replayed in file order.
type Log interface {
	// Append serializes and writes one entry. Safe for concurrent use.
	Append(entry Entry) error
	// Sync flushes buffered entries to durable storage.
	Sync(ctx context.Context) error
	// Replay invokes fn for every entry past the first skip entries, in
	// file order.
	Replay(ctx context.Context, skip int64, fn func(Entry) error) error
	Close() error
}

// FileLog implements Log over a local append-only file.
type FileLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

var _ Log = (*FileLog)(nil)

// NewFileLog opens (or creates) the log at path for appending.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	return &FileLog{f: f, path: path}, nil
}

func (l *FileLog) Append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errs.New(errs.Data, "txlog.append", err)
	}
	line = append(line, '\n')
	// One writer at a time so records never interleave.
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("failed to append transaction log: %w", err)
	}
	return nil
}

func (l *FileLog) Sync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Sync()
}

func (l *FileLog) Replay(ctx context.Context, skip int64, fn func(Entry) error) error {
	l.mu.Lock()
	if l.f != nil {
		_ = l.f.Sync()
	}
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var index int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		index++
		if index <= skip {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return errs.New(errs.Data, "txlog.replay", fmt.Errorf("record %d: %w", index, err))
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read transaction log: %w", err)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// S3Log implements Log for migrations whose backup dir lives in S3: entries
// accumulate in a local spool file and are uploaded on Sync; replay streams
// the uploaded object line by line so the whole log is never resident.
type S3Log struct {
	spool    *FileLog
	uploader blob.Store
	streamer s3streamer.Streamer
	bucket   string
	key      string
}

var _ Log = (*S3Log)(nil)

// NewS3Log creates an S3-backed log. uploader must be a blob store on the
// same bucket the streamer reads from.
func NewS3Log(streamer s3streamer.Streamer, uploader blob.Store, bucket, key, spoolPath string) (*S3Log, error) {
	spool, err := NewFileLog(spoolPath)
	if err != nil {
		return nil, err
	}
	return &S3Log{
		spool:    spool,
		uploader: uploader,
		streamer: streamer,
		bucket:   bucket,
		key:      key,
	}, nil
}

func (l *S3Log) Append(entry Entry) error {
	return l.spool.Append(entry)
}

// Sync uploads the spool as the log object.
func (l *S3Log) Sync(ctx context.Context) error {
	if err := l.spool.Sync(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(l.spool.path)
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}
	if _, err := l.uploader.Put(ctx, l.key, data, "application/x-ndjson", nil); err != nil {
		return fmt.Errorf("failed to upload transaction log: %w", err)
	}
	return nil
}

func (l *S3Log) Replay(ctx context.Context, skip int64, fn func(Entry) error) error {
	if info, err := os.Stat(l.spool.path); err == nil && info.Size() > 0 {
		// The local spool is authoritative while this process owns the log.
		return l.spool.Replay(ctx, skip, fn)
	}
	var index int64
	err := l.streamer.Stream(ctx, l.bucket, l.key, 0, func(line []byte, byteOffset int64) error {
		index++
		if index <= skip {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return errs.New(errs.Data, "txlog.replay", fmt.Errorf("record %d: %w", index, err))
		}
		return fn(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to stream transaction log: %w", err)
	}
	return nil
}

func (l *S3Log) Close() error {
	return l.spool.Close()
}
