package gc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurre/datomvault/kvstore"
)

// seedStore builds a small content-addressed graph:
//
//	branches/main -> commits/c2 -> commits/c1
//	c2 roots: idx/r2 -> {idx/shared, idx/n2}
//	c1 roots: idx/r1 -> {idx/shared, idx/n1}
//
// plus `garbage` unreferenced keys.
func seedStore(t *testing.T, garbage int, c1Age, c2Age time.Duration) *kvstore.Memory {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory()
	g := kvstore.NewGraph(store)

	require.NoError(t, g.WriteIndexNode(ctx, "idx/r1", []string{"idx/shared", "idx/n1"}))
	require.NoError(t, g.WriteIndexNode(ctx, "idx/r2", []string{"idx/shared", "idx/n2"}))
	for _, leaf := range []string{"idx/shared", "idx/n1", "idx/n2"} {
		require.NoError(t, store.Put(ctx, leaf, []byte(leaf)))
	}
	require.NoError(t, g.WriteCommit(ctx, "commits/c1", kvstore.Commit{
		Timestamp: time.Now().Add(-c1Age),
		Roots:     []string{"idx/r1"},
	}))
	require.NoError(t, g.WriteCommit(ctx, "commits/c2", kvstore.Commit{
		Timestamp: time.Now().Add(-c2Age),
		Parents:   []string{"commits/c1"},
		Roots:     []string{"idx/r2"},
	}))
	require.NoError(t, g.WriteBranch(ctx, "main", "commits/c2"))

	for i := 0; i < garbage; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("idx/garbage-%d", i), []byte("old")))
	}
	return store
}

func TestRun_DryRunThenLive(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 10, time.Hour, time.Minute)
	before := store.Len()

	dry := Run(ctx, store, Options{})
	require.True(t, dry.Success, dry.Error)
	assert.EqualValues(t, 10, dry.WouldDeleteCount)
	assert.EqualValues(t, 0, dry.DeletedCount)
	assert.Equal(t, before, store.Len(), "dry run must not delete anything")

	live := Run(ctx, store, Options{Live: true})
	require.True(t, live.Success, live.Error)
	assert.EqualValues(t, 10, live.DeletedCount)
	assert.EqualValues(t, 0, live.WouldDeleteCount)
	assert.Equal(t, dry.ReachableCount, live.ReachableCount,
		"reachable set must not change between dry run and live run")
	assert.Equal(t, before-10, store.Len())

	// Everything reachable survived.
	for _, key := range []string{
		"branches/main", "commits/c1", "commits/c2",
		"idx/r1", "idx/r2", "idx/shared", "idx/n1", "idx/n2",
	} {
		_, err := store.Get(ctx, key)
		assert.NoError(t, err, "reachable key %s was deleted", key)
	}

	// The checkpoint is gone after success.
	cp, err := Status(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRun_RetentionBoundsTheWalk(t *testing.T) {
	ctx := context.Background()
	// Head commit is recent, parent is ten days old.
	store := seedStore(t, 0, 10*24*time.Hour, time.Minute)

	res := Run(ctx, store, Options{Live: true, RetentionDays: Retention(7)})
	require.True(t, res.Success, res.Error)
	// The recent head pulls its parent in; the old parent's roots stay
	// pinned even though the parent itself is out of range.
	for _, key := range []string{"commits/c1", "idx/r1", "idx/n1"} {
		_, err := store.Get(ctx, key)
		assert.NoError(t, err, "expected %s to survive", key)
	}

	// With a zero-day window only the head commit is walked.
	store2 := seedStore(t, 0, 10*24*time.Hour, time.Hour)
	res2 := Run(ctx, store2, Options{Live: true, RetentionDays: Retention(0)})
	require.True(t, res2.Success, res2.Error)
	if _, err := store2.Get(ctx, "commits/c1"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("expected out-of-range parent commit to be swept, got %v", err)
	}
	if _, err := store2.Get(ctx, "idx/n1"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("expected out-of-range subtree to be swept, got %v", err)
	}
	// Nodes shared with the live index survive.
	_, err := store2.Get(ctx, "idx/shared")
	assert.NoError(t, err)
}

// deleteFailOnce makes the first sweep delete fail so the run dies after
// mark completed and persisted its checkpoint.
type deleteFailOnce struct {
	*kvstore.Memory
	failed bool
}

func (d *deleteFailOnce) Delete(ctx context.Context, keys []string) error {
	if !d.failed {
		d.failed = true
		return errors.New("connection reset by peer")
	}
	return d.Memory.Delete(ctx, keys)
}

func TestRun_ResumeAfterInterruption(t *testing.T) {
	ctx := context.Background()
	baselineStore := seedStore(t, 5, time.Hour, time.Minute)
	baseline := Run(ctx, baselineStore, Options{})
	require.True(t, baseline.Success, baseline.Error)

	store := seedStore(t, 5, time.Hour, time.Minute)
	flaky := &deleteFailOnce{Memory: store}

	first := Run(ctx, flaky, Options{Live: true})
	require.False(t, first.Success)
	assert.False(t, first.Resumed)

	// The interruption left the checkpoint behind.
	cp, err := Status(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, first.GCID, cp.GCID)
	assert.Contains(t, cp.CompletedBranches, "main")

	second := Run(ctx, flaky, Options{Live: true})
	require.True(t, second.Success, second.Error)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.GCID, second.GCID, "resume keeps the claimed gc-id")
	assert.Equal(t, baseline.ReachableCount, second.ReachableCount,
		"resumed run must converge to the uninterrupted reachable set")
	assert.Equal(t, baseline.WouldDeleteCount, second.DeletedCount)

	cp, err = Status(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRun_ForceNewDiscardsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 2, time.Hour, time.Minute)
	flaky := &deleteFailOnce{Memory: store}

	first := Run(ctx, flaky, Options{Live: true})
	require.False(t, first.Success)

	res := Run(ctx, flaky, Options{ForceNew: true})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Resumed)
	assert.NotEqual(t, first.GCID, res.GCID)
}

func TestRun_CheckpointKeyNeverSwept(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, 3, time.Hour, time.Minute)

	// Dry-run candidates count only the garbage, never the reserved key the
	// mark phase itself writes.
	res := Run(ctx, store, Options{})
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 3, res.WouldDeleteCount)
}

func TestRun_EmptyStore(t *testing.T) {
	res := Run(context.Background(), kvstore.NewMemory(), Options{Live: true})
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 0, res.ReachableCount)
	assert.EqualValues(t, 0, res.DeletedCount)
}
