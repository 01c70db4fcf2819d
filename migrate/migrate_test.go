package migrate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurre/datomvault/blob"
	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/db"
)

// harness wires a migrator against in-memory source/target databases with a
// fake backup/restore pair that copies the snapshot directly.
type harness struct {
	source *db.MemDB
	target *db.MemDB
	store  *blob.MemoryStore
	log    Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, err := NewFileLog(filepath.Join(t.TempDir(), "transactions.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return &harness{
		source: db.NewMemDB(),
		target: db.NewMemDB(),
		store:  blob.NewMemoryStore(),
		log:    log,
	}
}

func (h *harness) connector() Connector {
	return func(ctx context.Context, cfg TargetConfig) (db.Conn, error) {
		return h.target, nil
	}
}

// backupFn snapshots the source into an in-memory register keyed by a fake
// backup id; restoreFn plays it back. The coordinator only sees the
// function types, exactly as with the real engines.
func (h *harness) funcs(t *testing.T) (BackupFunc, RestoreFunc) {
	t.Helper()
	snapshots := make(map[string][]datom.Datom)
	var n int
	backupFn := func(ctx context.Context, source db.SnapshotSource) (string, error) {
		it, err := source.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		var datoms []datom.Datom
		for it.Next() {
			datoms = append(datoms, it.Datom())
		}
		n++
		id := fmt.Sprintf("base-%d", n)
		snapshots[id] = datoms
		return id, nil
	}
	restoreFn := func(ctx context.Context, target db.BulkLoader, backupID string) error {
		datoms, ok := snapshots[backupID]
		if !ok {
			return fmt.Errorf("unknown backup %s", backupID)
		}
		var maxEID, maxTx int64
		for _, d := range datoms {
			if d.E > maxEID {
				maxEID = d.E
			}
			if d.Tx > maxTx {
				maxTx = d.Tx
			}
		}
		if err := target.SetMaxIDs(ctx, maxEID, maxTx); err != nil {
			return err
		}
		return target.LoadEntities(ctx, datoms)
	}
	return backupFn, restoreFn
}

func (h *harness) migrator(t *testing.T, opts Options) *Migrator {
	t.Helper()
	if opts.DatabaseID == "" {
		opts.DatabaseID = "library"
	}
	if opts.Target.DatabaseID == "" {
		opts.Target.DatabaseID = "library-new"
	}
	backupFn, restoreFn := h.funcs(t)
	m, err := New(h.source, h.store, h.log, h.connector(), backupFn, restoreFn, opts)
	require.NoError(t, err)
	return m
}

func seedSource(t *testing.T, source *db.MemDB, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := source.Transact(ctx, []datom.Datom{
			{E: int64(i + 1), A: "book/title", V: fmt.Sprintf("Book %d", i), Added: true},
		})
		require.NoError(t, err)
	}
}

func assertSameDatomSet(t *testing.T, source, target *db.MemDB) {
	t.Helper()
	want := source.Datoms()
	got := target.Datoms()
	sort.Slice(want, func(i, j int) bool { return datom.Less(want[i], want[j]) })
	sort.Slice(got, func(i, j int) bool { return datom.Less(got[i], got[j]) })
	require.Equal(t, len(want), len(got), "tuple set sizes differ")
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.E, g.E)
		assert.Equal(t, w.A, g.A)
		assert.Equal(t, w.Tx, g.Tx)
		assert.Equal(t, w.Added, g.Added)
	}
}

func TestLiveMigration_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 3)

	var states []State
	completed := false
	m := h.migrator(t, Options{
		Progress:         func(s State) { states = append(states, s) },
		CompleteCallback: func() { completed = true },
	})
	router, err := m.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, router)
	assert.Equal(t, StateReadyToFinalize, m.Manifest().State)

	// Writes keep flowing through the router while the migration is ready
	// to finalize; they land on the source and get captured.
	var lastTx int64
	for i := 0; i < 5; i++ {
		report, err := router.Apply(ctx, []datom.Datom{
			{E: int64(100 + i), A: "book/title", V: fmt.Sprintf("Late %d", i), Added: true},
		})
		require.NoError(t, err)
		require.Greater(t, report.TxID, lastTx, "transactions commit in order")
		lastTx = report.TxID
	}

	require.NoError(t, router.Finalize(ctx))
	assert.True(t, router.Finalized())
	assert.True(t, completed)
	assert.Equal(t, StateCompleted, m.Manifest().State)
	require.NotNil(t, m.Manifest().CompletedAt)

	// The target holds the base snapshot plus exactly the five late
	// transactions, in commit order.
	assertSameDatomSet(t, h.source, h.target)
	assert.Equal(t, lastTx, m.Manifest().LastAppliedTx)

	assert.Equal(t, []State{
		StateInitializing, StateBackup, StateRestore,
		StateCatchingUp, StateReadyToFinalize, StateCompleted,
	}, states)

	// Post-cutover writes route to the target only.
	_, err = router.Apply(ctx, []datom.Datom{
		{E: 999, A: "book/title", V: "After", Added: true},
	})
	require.NoError(t, err)
	assert.Len(t, h.target.DatomsByAttr("book/title"), 9)
	assert.Len(t, h.source.DatomsByAttr("book/title"), 8)
}

func TestLiveMigration_DuplicateCaptureDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 2)

	m := h.migrator(t, Options{})
	router, err := m.Run(ctx)
	require.NoError(t, err)

	// Router writes go to the log twice: once via the listener, once from
	// the router itself. Replay must apply them once.
	_, err = router.Apply(ctx, []datom.Datom{
		{E: 50, A: "book/title", V: "Once", Added: true},
	})
	require.NoError(t, err)
	require.NoError(t, router.Finalize(ctx))

	assertSameDatomSet(t, h.source, h.target)
	assert.Len(t, h.target.DatomsByAttr("book/title"), 3)
}

func TestSecondActiveMigrationRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 1)

	first := h.migrator(t, Options{})
	router, err := first.Run(ctx)
	require.NoError(t, err)

	second := h.migrator(t, Options{})
	_, err = second.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	// Cleanly finish the first so the source listener goes away.
	require.NoError(t, router.Finalize(ctx))
}

func TestCompletedMigrationReturnsPassthrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 1)

	m := h.migrator(t, Options{MigrationID: "mig-1"})
	router, err := m.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, router.Finalize(ctx))

	again := h.migrator(t, Options{MigrationID: "mig-1"})
	passthrough, err := again.Run(ctx)
	require.NoError(t, err)
	assert.True(t, passthrough.Finalized())

	before := len(h.target.Datoms())
	_, err = passthrough.Apply(ctx, []datom.Datom{
		{E: 7, A: "book/title", V: "Direct", Added: true},
	})
	require.NoError(t, err)
	assert.Greater(t, len(h.target.Datoms()), before)
}

func TestFailedMigrationSurfacesError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 1)

	m := h.migrator(t, Options{MigrationID: "mig-bad"})
	backupFn := func(ctx context.Context, source db.SnapshotSource) (string, error) {
		return "", fmt.Errorf("snapshot exploded")
	}
	_, restoreFn := h.funcs(t)
	failing, err := New(h.source, h.store, h.log, h.connector(), backupFn, restoreFn, m.opts)
	require.NoError(t, err)

	_, err = failing.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, failing.Manifest().State)

	// A failed migration refuses to restart under the same id.
	retry := h.migrator(t, Options{MigrationID: "mig-bad"})
	_, err = retry.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestRecover_ResumesInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedSource(t, h.source, 2)

	m := h.migrator(t, Options{MigrationID: "mig-r"})
	_, err := m.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReadyToFinalize, m.Manifest().State)

	// Simulate a process restart: the old listener and capture are gone.
	require.NoError(t, h.source.Unlisten("migrate-mig-r"))
	m.cap.stop()

	backupFn, restoreFn := h.funcs(t)
	router, err := Recover(ctx, h.source, h.store, h.log, h.connector(), backupFn, restoreFn, Options{
		DatabaseID: "library",
		Target:     TargetConfig{DatabaseID: "library-new"},
	})
	require.NoError(t, err)
	require.NoError(t, router.Finalize(ctx))
	assertSameDatomSet(t, h.source, h.target)
}

func TestManifestTerminalStateImmutable(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	man := &Manifest{
		MigrationID: "mig-x",
		State:       StateCompleted,
		DatabaseID:  "library",
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, writeManifest(ctx, store, man))

	man.State = StateCatchingUp
	err := writeManifest(ctx, store, man)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot change state")
}
