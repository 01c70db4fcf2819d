package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/db"
)

// Router is the write entry point returned by a live migration. Before
// finalization it applies transactions to the source (with parallel
// capture); after finalization it applies them directly to the target.
// Example:
//
//	router, err := migrator.Run(ctx)
//	report, err := router.Apply(ctx, txData)
//	...
//	err = router.Finalize(ctx)
type Router struct {
	mu        sync.Mutex
	source    db.Transactor
	target    db.Conn
	log       Log
	migrator  *Migrator
	finalized bool
}

// Apply routes one transaction according to the current migration state.
func (r *Router) Apply(ctx context.Context, tx []datom.Datom) (db.TxReport, error) {
	r.mu.Lock()
	finalized := r.finalized
	r.mu.Unlock()

	if finalized {
		return r.target.Transact(ctx, tx)
	}
	report, err := r.source.Transact(ctx, tx)
	if err != nil {
		return report, err
	}
	// Also written here, not just by the listener, to defend against
	// listener gaps. Replay deduplicates by tx id.
	if r.log != nil {
		entry := Entry{TxID: report.TxID, Timestamp: report.Timestamp, TxData: report.TxData}
		if err := r.log.Append(entry); err != nil {
			return report, fmt.Errorf("transaction %d applied but not captured: %w", report.TxID, err)
		}
	}
	return report, nil
}

// Finalize stops capture, drains the remaining log into the target, and
// marks the migration completed. After it returns, Apply writes to the
// target.
func (r *Router) Finalize(ctx context.Context) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.migrator != nil {
		if err := r.migrator.finalize(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.finalized = true
	r.mu.Unlock()
	return nil
}

// Finalized reports whether cutover has happened.
func (r *Router) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}
