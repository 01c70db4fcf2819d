// Package migrate implements the live migration coordinator: concurrent
// capture of ongoing writes while a base snapshot is backed up and restored
// to a target store, followed by log replay and cutover via a write router.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/errs"
	"github.com/gurre/datomvault/manifest"
)

// State is the migration lifecycle state.
type State string

const (
	StateInitializing    State = "initializing"
	StateBackup          State = "backup"
	StateRestore         State = "restore"
	StateCatchingUp      State = "catching-up"
	StateReadyToFinalize State = "ready-to-finalize"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateArchived        State = "archived"
)

// Terminal reports whether the state is immutable.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateArchived
}

// stageRank orders the forward states for resume logic.
func (s State) stageRank() int {
	switch s {
	case StateInitializing:
		return 0
	case StateBackup:
		return 1
	case StateRestore:
		return 2
	case StateCatchingUp:
		return 3
	case StateReadyToFinalize:
		return 4
	case StateCompleted:
		return 5
	}
	return -1
}

// Stats tracks captured and applied transaction counts.
type Stats struct {
	Captured int64 `json:"transactions-captured"`
	Applied  int64 `json:"transactions-applied"`
	Pending  int64 `json:"transactions-pending"`
	Errors   int64 `json:"transactions-errors"`
}

// Manifest is the migration state record. Terminal states are immutable.
type Manifest struct {
	MigrationID        string            `json:"migration-id"`
	State              State             `json:"state"`
	SourceConfig       map[string]string `json:"source-config,omitempty"`
	TargetConfig       map[string]string `json:"target-config,omitempty"`
	DatabaseID         string            `json:"database/id"`
	StartedAt          time.Time         `json:"started-at"`
	CompletedAt        *time.Time        `json:"completed-at,omitempty"`
	ArchivedAt         *time.Time        `json:"archived-at,omitempty"`
	InitialBackupID    string            `json:"initial-backup-id,omitempty"`
	TransactionLogPath string            `json:"transaction-log-path"`
	LastAppliedTx      int64             `json:"last-applied-tx"`
	LastError          string            `json:"last-error,omitempty"`
	Stats              Stats             `json:"stats"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ManifestFile and LogFile are the file names inside a migration prefix.
const (
	ManifestFile = "migration-manifest.json"
	LogFile      = "transactions.json"
)

// MigrationsPrefix returns <database-id>/migrations inside the backup dir.
func MigrationsPrefix(databaseID string) string {
	return databaseID + "/migrations"
}

// ManifestKey returns the manifest key for a migration.
func ManifestKey(databaseID, migrationID string) string {
	return MigrationsPrefix(databaseID) + "/" + migrationID + "/" + ManifestFile
}

// LogKey returns the transaction log key for a migration.
func LogKey(databaseID, migrationID string) string {
	return MigrationsPrefix(databaseID) + "/" + migrationID + "/" + LogFile
}

// writeManifest stores the record, refusing to mutate a terminal state
// already on disk.
func writeManifest(ctx context.Context, store blob.Store, m *Manifest) error {
	existing, err := readManifest(ctx, store, m.DatabaseID, m.MigrationID)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	if existing != nil && existing.State.Terminal() && existing.State != m.State {
		return errs.Newf(errs.Logic, "migrate",
			"migration %s is %s and cannot change state", m.MigrationID, existing.State)
	}
	data, err := manifest.MarshalRecord(m, m.Extra)
	if err != nil {
		return fmt.Errorf("failed to encode migration manifest: %w", err)
	}
	key := ManifestKey(m.DatabaseID, m.MigrationID)
	if _, err := store.Put(ctx, key, data, "application/json", nil); err != nil {
		return fmt.Errorf("failed to write migration manifest: %w", err)
	}
	return nil
}

// readManifest loads one migration manifest; blob.ErrNotFound if absent.
func readManifest(ctx context.Context, store blob.Store, databaseID, migrationID string) (*Manifest, error) {
	data, err := store.Get(ctx, ManifestKey(databaseID, migrationID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	extra, err := manifest.UnmarshalRecord(data, &m)
	if err != nil {
		return nil, errs.New(errs.Data, "migrate.manifest", err)
	}
	m.Extra = extra
	return &m, nil
}

// listManifests returns every migration manifest for a database.
func listManifests(ctx context.Context, store blob.Store, databaseID string) ([]*Manifest, error) {
	objects, err := store.List(ctx, MigrationsPrefix(databaseID)+"/")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/"+ManifestFile) {
			continue
		}
		data, err := store.Get(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		var m Manifest
		extra, err := manifest.UnmarshalRecord(data, &m)
		if err != nil {
			return nil, errs.New(errs.Data, "migrate.manifest", err)
		}
		m.Extra = extra
		manifests = append(manifests, &m)
	}
	return manifests, nil
}

// findActive returns the single non-terminal migration, or nil.
func findActive(ctx context.Context, store blob.Store, databaseID string) (*Manifest, error) {
	manifests, err := listManifests(ctx, store, databaseID)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if !m.State.Terminal() {
			return m, nil
		}
	}
	return nil, nil
}
