// Package gc implements the resumable mark-and-sweep garbage collector over
// the content-addressed store: a checkpointed reachability walk from the
// named branches followed by a batched parallel sweep of everything else.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/datomvault/kvstore"
)

// checkpointTimeInterval caps how long mark progress can go unpersisted,
// independent of the commit-count interval.
const checkpointTimeInterval = 30 * time.Second

// Options configures a GC run.
type Options struct {
	// Live enables the destructive sweep. The default is a dry run that
	// only reports what would be deleted.
	Live bool
	// RetentionDays bounds how far back the commit walk follows parents.
	// Nil means the default of 7 days; Retention(0) walks only the branch
	// heads.
	RetentionDays *int
	// BatchSize is the sweep delete batch size; 0 selects the backend
	// default.
	BatchSize int
	// ParallelBatches is the number of delete batches in flight; 0 selects
	// the backend default.
	ParallelBatches int
	// CheckpointInterval is the number of commits between mark checkpoints.
	// Default 100. A 30-second timer persists earlier regardless.
	CheckpointInterval int
	// ForceNew discards an existing checkpoint instead of resuming it.
	ForceNew bool
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
}

// Retention is a convenience for setting Options.RetentionDays.
func Retention(days int) *int { return &days }

func (o *Options) applyDefaults() {
	if o.RetentionDays == nil {
		o.RetentionDays = Retention(7)
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 100
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Result is the structured outcome of a GC run.
type Result struct {
	Success          bool   `json:"success"`
	GCID             string `json:"gc-id"`
	ReachableCount   int64  `json:"reachable-count"`
	DeletedCount     int64  `json:"deleted-count"`
	WouldDeleteCount int64  `json:"would-delete-count"`
	DurationMS       int64  `json:"duration-ms"`
	Resumed          bool   `json:"resumed"`
	Error            string `json:"error,omitempty"`
}

// Run executes a GC pass over store: resumable mark, then batched sweep.
// Any failure leaves the checkpoint in place so the next call resumes.
// Example:
//
//	res := gc.Run(ctx, store, gc.Options{Live: true, RetentionDays: gc.Retention(7)})
func Run(ctx context.Context, store kvstore.Store, opts Options) Result {
	started := time.Now()
	opts.applyDefaults()
	res := Result{}
	if err := run(ctx, store, opts, &res); err != nil {
		res.Error = err.Error()
		opts.Logger.WithError(err).Error("gc failed")
	} else {
		res.Success = true
	}
	res.DurationMS = time.Since(started).Milliseconds()
	return res
}

func run(ctx context.Context, store kvstore.Store, opts Options, res *Result) error {
	cp, err := loadCheckpoint(ctx, store)
	if err != nil {
		return err
	}
	if cp != nil && opts.ForceNew {
		if err := deleteCheckpoint(ctx, store); err != nil {
			return err
		}
		cp = nil
	}
	graph := kvstore.NewGraph(store)

	if cp == nil {
		cp = newCheckpoint(uuid.NewString())
		branches, err := graph.Branches(ctx)
		if err != nil {
			return err
		}
		for _, b := range branches {
			cp.PendingBranches = append(cp.PendingBranches, b.Name)
		}
	} else {
		res.Resumed = true
	}
	res.GCID = cp.GCID
	log := opts.Logger.WithField("gc_id", cp.GCID)
	log.WithFields(logrus.Fields{
		"backend":        store.Backend().String(),
		"retention_days": *opts.RetentionDays,
		"live":           opts.Live,
		"resumed":        res.Resumed,
	}).Info("gc started")

	reachable, err := mark(ctx, graph, cp, opts, log)
	if err != nil {
		return err
	}
	res.ReachableCount = int64(len(reachable))

	deleted, wouldDelete, err := sweep(ctx, store, reachable, opts, log)
	if err != nil {
		return err
	}
	res.DeletedCount = deleted
	res.WouldDeleteCount = wouldDelete

	if err := deleteCheckpoint(ctx, store); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"reachable":    res.ReachableCount,
		"deleted":      deleted,
		"would_delete": wouldDelete,
	}).Info("gc completed")
	return nil
}

// mark walks the commit DAG from every pending branch, accumulating the
// reachable set and persisting checkpoints as it goes.
func mark(ctx context.Context, graph *kvstore.Graph, cp *Checkpoint, opts Options,
	log logrus.FieldLogger) (map[string]struct{}, error) {
	store := graph.Store()
	cutoff := time.Now().Add(-time.Duration(*opts.RetentionDays) * 24 * time.Hour)

	visited := toSet(cp.Visited)
	reachable := toSet(cp.Reachable)
	completed := toSet(cp.CompletedBranches)

	// Branch pointers themselves are always reachable.
	branches, err := graph.Branches(ctx)
	if err != nil {
		return nil, err
	}
	heads := make(map[string]string, len(branches))
	for _, b := range branches {
		reachable[kvstore.BranchKey(b.Name)] = struct{}{}
		heads[b.Name] = b.Head
	}

	commitsSinceCheckpoint := 0
	lastPersist := time.Now()
	persist := func() error {
		cp.Visited = fromSet(visited)
		cp.Reachable = fromSet(reachable)
		cp.LastCheckpoint = time.Now().UTC()
		lastPersist = time.Now()
		commitsSinceCheckpoint = 0
		return writeCheckpoint(ctx, store, cp)
	}

	for _, branch := range cp.PendingBranches {
		if _, done := completed[branch]; done {
			continue
		}
		head, ok := heads[branch]
		if !ok {
			// Branch deleted since the checkpoint was taken.
			completed[branch] = struct{}{}
			continue
		}
		cp.CurrentBranch = branch
		blog := log.WithField("branch", branch)
		blog.Debug("marking branch")

		stack := []string{head}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			key := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			reachable[key] = struct{}{}

			commit, err := graph.Commit(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("branch %s: %w", branch, err)
			}
			for _, root := range commit.Roots {
				marked, err := graph.Mark(ctx, root)
				if err != nil {
					if errors.Is(err, kvstore.ErrNotReady) {
						// An unflushed index contributes nothing yet.
						continue
					}
					return nil, fmt.Errorf("branch %s: %w", branch, err)
				}
				for k := range marked {
					reachable[k] = struct{}{}
				}
			}
			// Parents are followed only while the walked commit is inside
			// the retention window; the head itself is always walked.
			if commit.Timestamp.After(cutoff) {
				stack = append(stack, commit.Parents...)
			}

			cp.Stats.CommitsWalked++
			commitsSinceCheckpoint++
			if commitsSinceCheckpoint >= opts.CheckpointInterval ||
				time.Since(lastPersist) >= checkpointTimeInterval {
				if err := persist(); err != nil {
					return nil, err
				}
			}
		}

		completed[branch] = struct{}{}
		cp.CompletedBranches = fromSet(completed)
		cp.CurrentBranch = ""
		if err := persist(); err != nil {
			return nil, err
		}
		blog.WithField("reachable", len(reachable)).Debug("branch marked")
	}
	return reachable, nil
}

// sweep enumerates all keys and deletes those outside the reachable set in
// parallel batches, never touching anything written after the sweep
// timestamp.
func sweep(ctx context.Context, store kvstore.Store, reachable map[string]struct{},
	opts Options, log logrus.FieldLogger) (deleted, wouldDelete int64, err error) {
	batchSize, parallelBatches := kvstore.Tuning(store.Backend())
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}
	if opts.ParallelBatches > 0 {
		parallelBatches = opts.ParallelBatches
	}

	ts := time.Now()
	infos, err := store.Keys(ctx)
	if err != nil {
		return 0, 0, err
	}
	var candidates []string
	for _, info := range infos {
		if _, ok := reachable[info.Key]; ok {
			continue
		}
		// The checkpoint key belongs to this run; writes after the sweep
		// fence belong to someone else.
		if info.Key == CheckpointKey || !info.LastModified.Before(ts) {
			continue
		}
		candidates = append(candidates, info.Key)
	}
	log.WithFields(logrus.Fields{
		"candidates":       len(candidates),
		"batch_size":       batchSize,
		"parallel_batches": parallelBatches,
	}).Info("sweep started")

	if !opts.Live {
		return 0, int64(len(candidates)), nil
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	var processed atomic.Int64
	var lastDecile atomic.Int64
	total := int64(len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelBatches)
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		g.Go(func() error {
			if err := store.Delete(gctx, batch); err != nil {
				return err
			}
			done := processed.Add(int64(len(batch)))
			decile := done * 10 / total
			if prev := lastDecile.Load(); decile > prev && lastDecile.CompareAndSwap(prev, decile) {
				log.WithField("percent", decile*10).Info("sweep progress")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return processed.Load(), 0, err
	}
	return total, 0, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	items := make([]string, 0, len(set))
	for item := range set {
		items = append(items, item)
	}
	return items
}
