// Package db defines the interfaces through which the engines talk to the
// Datalog database. The database itself is an external collaborator: it
// exposes a snapshot datom iterator, a bulk loader, a transaction listener
// hook, and a transact entry point. MemDB provides an in-memory
// implementation for tests.
package db

import (
	"context"
	"time"

	"github.com/gurre/datomvault/datom"
)

// Iterator is a lazy, once-traversable ordered sequence of datoms
// representing a consistent view of the source.
// Example:
//
//	it, err := conn.Snapshot(ctx)
//	for it.Next() {
//	    d := it.Datom()
//	    // ...
//	}
//	if err := it.Err(); err != nil {
//	    return err
//	}
type Iterator interface {
	Next() bool
	Datom() datom.Datom
	Err() error
}

// SnapshotSource produces snapshot iterators.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Iterator, error)
}

// TxReport describes one committed transaction.
type TxReport struct {
	Timestamp time.Time
	TxData    []datom.Datom
	TxID      int64
}

// Transactor applies a transaction. The store assigns the transaction id
// and stamps the db/txInstant datom.
type Transactor interface {
	Transact(ctx context.Context, tx []datom.Datom) (TxReport, error)
}

// BulkLoader accepts raw datom tuples without re-running transaction
// semantics, plus restoration of the id high-water marks.
type BulkLoader interface {
	LoadEntities(ctx context.Context, batch []datom.Datom) error
	SetMaxIDs(ctx context.Context, maxEID, maxTx int64) error
}

// Listener registers transaction observers. Callbacks run on the store's
// transaction path: they must be fast and must not re-enter the store.
type Listener interface {
	Listen(id string, fn func(TxReport)) error
	Unlisten(id string) error
}

// Conn is the full set of capabilities the engines need from a database.
type Conn interface {
	SnapshotSource
	Transactor
	BulkLoader
	Listener
}
