package migrate

import (
	"context"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/db"
	"github.com/gurre/datomvault/errs"
)

// Recover locates the migration for a database and resumes it from
// whatever state it was interrupted in. A completed migration yields a
// pass-through router to the target; a failed one surfaces the recorded
// error.
// Example:
//
//	router, err := migrate.Recover(ctx, source, store, log, connect,
//	    backupFn, restoreFn, migrate.Options{DatabaseID: "library"})
func Recover(ctx context.Context, source db.Conn, store blob.Store, log Log,
	connect Connector, backupFn BackupFunc, restoreFn RestoreFunc, opts Options) (*Router, error) {
	man, err := locate(ctx, store, opts)
	if err != nil {
		return nil, err
	}
	opts.MigrationID = man.MigrationID
	if opts.Target.DatabaseID == "" {
		opts.Target.DatabaseID = man.TargetConfig["database-id"]
	}
	m, err := New(source, store, log, connect, backupFn, restoreFn, opts)
	if err != nil {
		return nil, err
	}
	// Run handles every state: terminal manifests short-circuit, an
	// interrupted backup re-runs, and later states re-install the listener
	// and drain the log suffix past the last applied transaction.
	return m.Run(ctx)
}

// locate finds the migration to recover: the active one if any, otherwise
// the most recently started.
func locate(ctx context.Context, store blob.Store, opts Options) (*Manifest, error) {
	if opts.MigrationID != "" {
		return readManifest(ctx, store, opts.DatabaseID, opts.MigrationID)
	}
	if active, err := findActive(ctx, store, opts.DatabaseID); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}
	manifests, err := listManifests(ctx, store, opts.DatabaseID)
	if err != nil {
		return nil, err
	}
	var latest *Manifest
	for _, m := range manifests {
		if latest == nil || m.StartedAt.After(latest.StartedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, errs.Newf(errs.Logic, "migrate.recover",
			"no migration found for database %s", opts.DatabaseID)
	}
	return latest, nil
}
