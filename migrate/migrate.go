package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/db"
	"github.com/gurre/datomvault/errs"
)

// TargetConfig identifies the migration target database.
type TargetConfig struct {
	DatabaseID string            `json:"database-id"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// Connector ensures the target database exists (creating it if absent) and
// returns a connection to it.
type Connector func(ctx context.Context, cfg TargetConfig) (db.Conn, error)

// BackupFunc performs a full backup of source and returns its backup id.
// The coordinator depends on this function type rather than the backup
// engine directly.
type BackupFunc func(ctx context.Context, source db.SnapshotSource) (string, error)

// RestoreFunc restores backupID into target.
type RestoreFunc func(ctx context.Context, target db.BulkLoader, backupID string) error

// Options configures a live migration.
type Options struct {
	// MigrationID resumes an existing migration when it names one;
	// otherwise a new id is generated.
	MigrationID string
	// DatabaseID names the source database. Required.
	DatabaseID string
	// Target identifies the database the migration moves writes to.
	Target TargetConfig
	// Progress, if set, is invoked at every state transition.
	Progress func(State)
	// CompleteCallback, if set, runs after the migration reaches completed.
	CompleteCallback func()
	// VerifyTransactions logs an error after the final drain when the
	// capture goroutine failed to append any transaction to the log.
	VerifyTransactions bool
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
}

// appliedPersistInterval is how many replayed transactions are applied
// between manifest rewrites during catch-up.
const appliedPersistInterval = 100

// Migrator orchestrates a live migration: capture, backup, restore,
// catch-up, and cutover.
type Migrator struct {
	source  db.Conn
	store   blob.Store
	log     Log
	connect Connector
	backup  BackupFunc
	restore RestoreFunc
	opts    Options

	man    *Manifest
	cap    *capture
	target db.Conn
	logger logrus.FieldLogger
}

// New assembles a Migrator. store is the backup dir; log is the captured
// transaction log (file- or S3-backed).
func New(source db.Conn, store blob.Store, log Log, connect Connector,
	backupFn BackupFunc, restoreFn RestoreFunc, opts Options) (*Migrator, error) {
	if opts.DatabaseID == "" {
		return nil, fmt.Errorf("database id is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Migrator{
		source:  source,
		store:   store,
		log:     log,
		connect: connect,
		backup:  backupFn,
		restore: restoreFn,
		opts:    opts,
		logger:  opts.Logger,
	}, nil
}

// Manifest returns the current migration record. Nil before Run.
func (m *Migrator) Manifest() *Manifest { return m.man }

// Run drives the migration to ready-to-finalize and returns the router.
// If the named migration is already completed it returns a pass-through
// router to the target; if it failed, it surfaces the error.
func (m *Migrator) Run(ctx context.Context) (*Router, error) {
	router, err := m.run(ctx)
	if err != nil {
		if m.cap != nil {
			_ = m.source.Unlisten("migrate-" + m.opts.MigrationID)
			m.cap.stop()
		}
		if m.man != nil && !m.man.State.Terminal() {
			m.man.State = StateFailed
			m.man.LastError = err.Error()
			if saveErr := writeManifest(ctx, m.store, m.man); saveErr != nil {
				m.logger.WithError(saveErr).Error("failed to record migration failure")
			}
			m.reportState(StateFailed)
		}
	}
	return router, err
}

func (m *Migrator) run(ctx context.Context) (*Router, error) {
	if err := m.resolveIdentity(ctx); err != nil {
		return nil, err
	}
	m.logger = m.opts.Logger.WithFields(logrus.Fields{
		"migration_id": m.opts.MigrationID,
		"database_id":  m.opts.DatabaseID,
	})

	// Terminal manifests short-circuit: completed migrations get a
	// pass-through router, failed ones surface the recorded error.
	if m.man != nil && m.man.State.Terminal() {
		switch m.man.State {
		case StateCompleted, StateArchived:
			target, err := m.connect(ctx, m.opts.Target)
			if err != nil {
				return nil, err
			}
			return &Router{target: target, finalized: true}, nil
		default:
			return nil, errs.Newf(errs.Logic, "migrate",
				"migration %s failed: %s", m.man.MigrationID, m.man.LastError)
		}
	}

	if m.man == nil {
		m.man = &Manifest{
			MigrationID:        m.opts.MigrationID,
			State:              StateInitializing,
			DatabaseID:         m.opts.DatabaseID,
			TargetConfig:       map[string]string{"database-id": m.opts.Target.DatabaseID},
			StartedAt:          time.Now().UTC(),
			TransactionLogPath: LogKey(m.opts.DatabaseID, m.opts.MigrationID),
		}
		if err := writeManifest(ctx, m.store, m.man); err != nil {
			return nil, err
		}
		m.reportState(StateInitializing)
	}
	m.logger.WithField("state", m.man.State).Info("migration started")

	// Capture begins before the snapshot so no transaction can fall between
	// the backup and the log.
	m.cap = newCapture(m.log, m.logger)
	listenerID := "migrate-" + m.opts.MigrationID
	if err := m.source.Listen(listenerID, func(report db.TxReport) {
		m.cap.submit(report)
	}); err != nil {
		m.cap.stop()
		return nil, fmt.Errorf("failed to install transaction listener: %w", err)
	}

	if m.man.InitialBackupID == "" {
		if err := m.setState(ctx, StateBackup); err != nil {
			return nil, err
		}
		backupID, err := m.backup(ctx, m.source)
		if err != nil {
			return nil, fmt.Errorf("base backup failed: %w", err)
		}
		m.man.InitialBackupID = backupID
		if err := writeManifest(ctx, m.store, m.man); err != nil {
			return nil, err
		}
	}

	target, err := m.connect(ctx, m.opts.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect target: %w", err)
	}
	m.target = target

	// A run interrupted at restore or later resumes by draining the log
	// suffix only; the base restore is re-run just when it never started.
	if m.man.State.stageRank() < StateRestore.stageRank() {
		if err := m.setState(ctx, StateRestore); err != nil {
			return nil, err
		}
		if err := m.restore(ctx, target, m.man.InitialBackupID); err != nil {
			return nil, fmt.Errorf("base restore failed: %w", err)
		}
	}

	if err := m.setState(ctx, StateCatchingUp); err != nil {
		return nil, err
	}
	if err := m.drainLog(ctx); err != nil {
		return nil, err
	}

	if err := m.setState(ctx, StateReadyToFinalize); err != nil {
		return nil, err
	}
	m.logger.WithField("applied", m.man.Stats.Applied).Info("migration ready to finalize")
	return &Router{source: m.source, target: m.target, log: m.log, migrator: m}, nil
}

// resolveIdentity picks the migration id and loads an existing manifest,
// refusing to start while a different migration is active.
func (m *Migrator) resolveIdentity(ctx context.Context) error {
	if m.opts.MigrationID != "" {
		man, err := readManifest(ctx, m.store, m.opts.DatabaseID, m.opts.MigrationID)
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
		m.man = man
	}
	if m.man == nil {
		active, err := findActive(ctx, m.store, m.opts.DatabaseID)
		if err != nil {
			return err
		}
		if active != nil && active.MigrationID != m.opts.MigrationID {
			return errs.Newf(errs.Logic, "migrate",
				"migration %s is already active (%s)", active.MigrationID, active.State)
		}
		if m.opts.MigrationID == "" {
			m.opts.MigrationID = uuid.NewString()
		}
	}
	return nil
}

// drainLog replays captured transactions against the target in file order,
// deduplicating by tx id: entries can appear twice because both the
// listener and the router write them.
func (m *Migrator) drainLog(ctx context.Context) error {
	if err := m.log.Sync(ctx); err != nil {
		return err
	}
	seen := make(map[int64]struct{})
	sinceSave := 0
	err := m.log.Replay(ctx, 0, func(entry Entry) error {
		if entry.TxID <= m.man.LastAppliedTx {
			return nil
		}
		if _, dup := seen[entry.TxID]; dup {
			return nil
		}
		seen[entry.TxID] = struct{}{}

		if err := m.applyEntry(ctx, entry); err != nil {
			m.man.Stats.Errors++
			return fmt.Errorf("failed to apply transaction %d: %w", entry.TxID, err)
		}
		m.man.LastAppliedTx = entry.TxID
		m.man.Stats.Applied++
		sinceSave++
		if sinceSave >= appliedPersistInterval {
			sinceSave = 0
			return writeManifest(ctx, m.store, m.man)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.man.Stats.Captured = m.cap.captured.Load()
	m.man.Stats.Pending = 0
	return writeManifest(ctx, m.store, m.man)
}

// applyEntry loads one captured transaction into the target with its
// original transaction id, keeping the tuple sets identical.
func (m *Migrator) applyEntry(ctx context.Context, entry Entry) error {
	if err := m.target.LoadEntities(ctx, entry.TxData); err != nil {
		return err
	}
	var maxEID int64
	for _, d := range entry.TxData {
		if d.E > maxEID && d.A != datom.TxInstant {
			maxEID = d.E
		}
	}
	return m.target.SetMaxIDs(ctx, maxEID, entry.TxID)
}

// finalize stops capture, drains the log suffix, and marks the migration
// completed. Called through Router.Finalize.
func (m *Migrator) finalize(ctx context.Context) error {
	listenerID := "migrate-" + m.opts.MigrationID
	if err := m.source.Unlisten(listenerID); err != nil {
		return err
	}
	m.cap.stop()

	if err := m.drainLog(ctx); err != nil {
		return err
	}
	if m.opts.VerifyTransactions && m.cap.errors.Load() > 0 {
		m.logger.WithField("capture_errors", m.cap.errors.Load()).
			Error("capture reported errors; router-side duplicates covered the replay")
	}

	now := time.Now().UTC()
	m.man.CompletedAt = &now
	if err := m.setState(ctx, StateCompleted); err != nil {
		return err
	}
	m.logger.WithField("applied", m.man.Stats.Applied).Info("migration completed")
	if m.opts.CompleteCallback != nil {
		m.opts.CompleteCallback()
	}
	return nil
}

func (m *Migrator) setState(ctx context.Context, state State) error {
	if m.man.State == state {
		return nil
	}
	m.man.State = state
	if err := writeManifest(ctx, m.store, m.man); err != nil {
		return err
	}
	m.reportState(state)
	return nil
}

func (m *Migrator) reportState(state State) {
	if m.opts.Progress != nil {
		m.opts.Progress(state)
	}
}
