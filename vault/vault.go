// Package vault is the thin top-level API over the engines: backup, list,
// verify, cleanup, restore, live migration, and garbage collection.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gurre/datomvault/backup"
	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/db"
	"github.com/gurre/datomvault/gc"
	"github.com/gurre/datomvault/kvstore"
	"github.com/gurre/datomvault/manifest"
	"github.com/gurre/datomvault/migrate"
	"github.com/gurre/datomvault/restore"
)

// Backup snapshots source into store. See backup.Options for knobs.
func Backup(ctx context.Context, source db.SnapshotSource, store blob.Store, opts backup.Options) backup.Result {
	return backup.Run(ctx, source, store, opts)
}

// Restore loads backupID from store into target. See restore.Options.
func Restore(ctx context.Context, target db.BulkLoader, store blob.Store, backupID string, opts restore.Options) restore.Result {
	return restore.Run(ctx, target, store, backupID, opts)
}

// GC runs a mark-and-sweep pass over the content-addressed source store.
func GC(ctx context.Context, store kvstore.Store, opts gc.Options) gc.Result {
	return gc.Run(ctx, store, opts)
}

// BackupInfo summarizes one backup for listings.
type BackupInfo struct {
	CreatedAt  time.Time `json:"created-at"`
	BackupID   string    `json:"backup-id"`
	DatomCount int64     `json:"datom-count"`
	ChunkCount int64     `json:"chunk-count"`
	SizeBytes  int64     `json:"size-bytes"`
	Completed  bool      `json:"completed"`
}

// ListBackups enumerates the backups of a database, newest first. A backup
// whose completion marker is missing is reported with Completed=false.
func ListBackups(ctx context.Context, store blob.Store, prefix, databaseID string) ([]BackupInfo, error) {
	ids, err := backupIDs(ctx, store, prefix, databaseID)
	if err != nil {
		return nil, err
	}
	var infos []BackupInfo
	for _, id := range ids {
		info := BackupInfo{BackupID: id}
		m, err := manifest.Read(ctx, store, manifest.Key(prefix, databaseID, id))
		if err == nil {
			info.CreatedAt = m.CreatedAt
			info.DatomCount = m.DatomCount
			info.ChunkCount = m.ChunkCount
			info.SizeBytes = m.SizeBytes
		} else if !errors.Is(err, blob.ErrNotFound) {
			return nil, err
		}
		completed, err := manifest.HasMarker(ctx, store, prefix, databaseID, id)
		if err != nil {
			return nil, err
		}
		info.Completed = completed
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].BackupID > infos[j].BackupID })
	return infos, nil
}

// VerifyResult reports chunk existence for one backup.
type VerifyResult struct {
	Success          bool   `json:"success"`
	BackupID         string `json:"backup-id"`
	AllChunksPresent bool   `json:"all-chunks-present"`
	ChunkCount       int    `json:"chunk-count"`
	MissingChunks    []int  `json:"missing-chunks,omitempty"`
	Completed        bool   `json:"completed"`
	Error            string `json:"error,omitempty"`
}

// VerifyBackup checks that every chunk the manifest lists exists in the
// store. It checks existence only; checksums are verified on restore.
func VerifyBackup(ctx context.Context, store blob.Store, prefix, databaseID, backupID string) VerifyResult {
	res := VerifyResult{BackupID: backupID}
	m, err := manifest.Read(ctx, store, manifest.Key(prefix, databaseID, backupID))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ChunkCount = len(m.Chunks)
	for _, chunk := range m.Chunks {
		exists, err := store.Head(ctx, chunk.StorageKey)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if !exists {
			res.MissingChunks = append(res.MissingChunks, chunk.ID)
		}
	}
	res.AllChunksPresent = len(res.MissingChunks) == 0
	completed, err := manifest.HasMarker(ctx, store, prefix, databaseID, backupID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Completed = completed
	res.Success = true
	return res
}

// CleanupResult reports which incomplete backups were removed.
type CleanupResult struct {
	Success          bool     `json:"success"`
	CleanedCount     int      `json:"cleaned-count"`
	CleanedBackupIDs []string `json:"cleaned-backup-ids,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// CleanupIncomplete deletes backups that never got a completion marker and
// are older than the threshold. Age comes from the manifest when readable,
// otherwise from the newest object under the backup prefix.
func CleanupIncomplete(ctx context.Context, store blob.Store, prefix, databaseID string, olderThan time.Duration) CleanupResult {
	res := CleanupResult{}
	ids, err := backupIDs(ctx, store, prefix, databaseID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	cutoff := time.Now().Add(-olderThan)
	for _, id := range ids {
		completed, err := manifest.HasMarker(ctx, store, prefix, databaseID, id)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if completed {
			continue
		}
		age, err := backupAge(ctx, store, prefix, databaseID, id)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if age.After(cutoff) {
			continue
		}
		objects, err := store.List(ctx, manifest.BackupPrefix(prefix, databaseID, id)+"/")
		if err != nil {
			res.Error = err.Error()
			return res
		}
		for _, obj := range objects {
			if err := store.Delete(ctx, obj.Key); err != nil {
				res.Error = err.Error()
				return res
			}
		}
		res.CleanedCount++
		res.CleanedBackupIDs = append(res.CleanedBackupIDs, id)
	}
	res.Success = true
	return res
}

// backupIDs lists the backup-id path segments under a database prefix.
func backupIDs(ctx context.Context, store blob.Store, prefix, databaseID string) ([]string, error) {
	dbPrefix := manifest.BackupPrefix(prefix, databaseID, "")
	if dbPrefix != "" {
		dbPrefix += "/"
	}
	objects, err := store.List(ctx, dbPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, dbPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || !backup.ValidID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// backupAge determines when a backup started.
func backupAge(ctx context.Context, store blob.Store, prefix, databaseID, id string) (time.Time, error) {
	m, err := manifest.Read(ctx, store, manifest.Key(prefix, databaseID, id))
	if err == nil && !m.CreatedAt.IsZero() {
		return m.CreatedAt, nil
	}
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return time.Time{}, err
	}
	objects, err := store.List(ctx, manifest.BackupPrefix(prefix, databaseID, id)+"/")
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	for _, obj := range objects {
		if obj.LastModified.After(newest) {
			newest = obj.LastModified
		}
	}
	if newest.IsZero() {
		return time.Time{}, fmt.Errorf("backup %s has no objects", id)
	}
	return newest, nil
}

// MigrateConfig wires a live migration through the backup and restore
// engines.
type MigrateConfig struct {
	// Store is the backup dir holding the base backup, the migration
	// manifest, and the transaction log.
	Store blob.Store
	// Prefix is the backup key prefix inside Store.
	Prefix string
	// DatabaseID names the source database. Required.
	DatabaseID string
	// Target identifies the migration target.
	Target migrate.TargetConfig
	// Connect ensures the target exists and connects to it. Required.
	Connect migrate.Connector
	// Log is the captured-transaction log. Required.
	Log migrate.Log
	// MigrationID resumes an existing migration when set.
	MigrationID string
	// Progress, CompleteCallback, VerifyTransactions: see migrate.Options.
	Progress           func(migrate.State)
	CompleteCallback   func()
	VerifyTransactions bool
	Logger             logrus.FieldLogger
}

// funcs builds the engine closures the coordinator depends on.
func (c MigrateConfig) funcs() (migrate.BackupFunc, migrate.RestoreFunc) {
	backupFn := func(ctx context.Context, src db.SnapshotSource) (string, error) {
		res := backup.Run(ctx, src, c.Store, backup.Options{
			DatabaseID: c.DatabaseID,
			Prefix:     c.Prefix,
			Logger:     c.Logger,
		})
		if !res.Success {
			return "", errors.New(res.Error)
		}
		return res.BackupID, nil
	}
	restoreFn := func(ctx context.Context, target db.BulkLoader, backupID string) error {
		res := restore.Run(ctx, target, c.Store, backupID, restore.Options{
			DatabaseID: c.DatabaseID,
			Prefix:     c.Prefix,
			Logger:     c.Logger,
		})
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}
	return backupFn, restoreFn
}

func (c MigrateConfig) options() migrate.Options {
	return migrate.Options{
		MigrationID:        c.MigrationID,
		DatabaseID:         c.DatabaseID,
		Target:             c.Target,
		Progress:           c.Progress,
		CompleteCallback:   c.CompleteCallback,
		VerifyTransactions: c.VerifyTransactions,
		Logger:             c.Logger,
	}
}

// LiveMigrate starts (or resumes) a live migration of source and returns
// the write router once the migration is ready to finalize.
func LiveMigrate(ctx context.Context, source db.Conn, cfg MigrateConfig) (*migrate.Router, error) {
	backupFn, restoreFn := cfg.funcs()
	m, err := migrate.New(source, cfg.Store, cfg.Log, cfg.Connect, backupFn, restoreFn, cfg.options())
	if err != nil {
		return nil, err
	}
	return m.Run(ctx)
}

// RecoverMigration resumes an interrupted migration from its manifest.
func RecoverMigration(ctx context.Context, source db.Conn, cfg MigrateConfig) (*migrate.Router, error) {
	backupFn, restoreFn := cfg.funcs()
	return migrate.Recover(ctx, source, cfg.Store, cfg.Log, cfg.Connect, backupFn, restoreFn, cfg.options())
}
