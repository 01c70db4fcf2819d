package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gurre/datomvault/datom"
)

// MemDB is an in-memory Conn holding an append-ordered datom log; Snapshot
// serves a sorted copy of it.
// It is used by the test suites and as a reference for the collaborator
// contract.
type MemDB struct {
	mu        sync.Mutex
	datoms    []datom.Datom
	listeners map[string]func(TxReport)
	maxEID    int64
	maxTx     int64
}

var _ Conn = (*MemDB)(nil)

// NewMemDB returns an empty database whose next transaction id follows the
// built-in initial transaction.
func NewMemDB() *MemDB {
	return &MemDB{
		listeners: make(map[string]func(TxReport)),
		maxTx:     datom.Tx0,
	}
}

// Transact assigns the next transaction id, stamps the db/txInstant datom
// first, appends the datoms, and fans the report out to listeners on the
// calling goroutine.
func (m *MemDB) Transact(ctx context.Context, tx []datom.Datom) (TxReport, error) {
	if err := ctx.Err(); err != nil {
		return TxReport{}, err
	}
	m.mu.Lock()
	m.maxTx++
	txID := m.maxTx
	now := time.Now().UTC()

	txData := make([]datom.Datom, 0, len(tx)+1)
	txData = append(txData, datom.Datom{E: txID, A: datom.TxInstant, V: now, Tx: txID, Added: true})
	for _, d := range tx {
		if !datom.ValidValue(d.V) {
			m.maxTx--
			m.mu.Unlock()
			return TxReport{}, fmt.Errorf("unsupported value type %T for attribute %s", d.V, d.A)
		}
		d.Tx = txID
		if d.E > m.maxEID {
			m.maxEID = d.E
		}
		txData = append(txData, d)
	}
	m.datoms = append(m.datoms, txData...)
	report := TxReport{TxID: txID, TxData: txData, Timestamp: now}

	fns := make([]func(TxReport), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(report)
	}
	return report, nil
}

// memIterator walks a sorted copy of the datom log.
type memIterator struct {
	datoms []datom.Datom
	pos    int
}

func (it *memIterator) Next() bool {
	if it.pos >= len(it.datoms) {
		return false
	}
	it.pos++
	return true
}

func (it *memIterator) Datom() datom.Datom { return it.datoms[it.pos-1] }

func (it *memIterator) Err() error { return nil }

// Snapshot returns an iterator over a consistent copy of the log sorted by
// entity, then attribute, then tx. Values are not compared; datoms that tie
// on all three keep their log order.
func (m *MemDB) Snapshot(ctx context.Context) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	cp := make([]datom.Datom, len(m.datoms))
	copy(cp, m.datoms)
	m.mu.Unlock()

	sort.SliceStable(cp, func(i, j int) bool {
		a, b := cp[i], cp[j]
		if a.E != b.E {
			return a.E < b.E
		}
		if a.A != b.A {
			return a.A < b.A
		}
		return a.Tx < b.Tx
	})
	return &memIterator{datoms: cp}, nil
}

// LoadEntities appends raw datom tuples without transaction semantics.
func (m *MemDB) LoadEntities(ctx context.Context, batch []datom.Datom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range batch {
		if d.E > m.maxEID && d.A != datom.TxInstant {
			m.maxEID = d.E
		}
		if d.Tx > m.maxTx {
			m.maxTx = d.Tx
		}
		m.datoms = append(m.datoms, d)
	}
	return nil
}

// SetMaxIDs restores the id high-water marks.
func (m *MemDB) SetMaxIDs(ctx context.Context, maxEID, maxTx int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxEID > m.maxEID {
		m.maxEID = maxEID
	}
	if maxTx > m.maxTx {
		m.maxTx = maxTx
	}
	return nil
}

// Listen registers a transaction observer under id.
func (m *MemDB) Listen(id string, fn func(TxReport)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[id]; exists {
		return fmt.Errorf("listener %q already registered", id)
	}
	m.listeners[id] = fn
	return nil
}

// Unlisten removes a transaction observer.
func (m *MemDB) Unlisten(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
	return nil
}

// Datoms returns a copy of the full log. Test helper.
func (m *MemDB) Datoms() []datom.Datom {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]datom.Datom, len(m.datoms))
	copy(cp, m.datoms)
	return cp
}

// DatomsByAttr returns all datoms whose attribute matches. Test helper.
func (m *MemDB) DatomsByAttr(attr datom.Keyword) []datom.Datom {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datom.Datom
	for _, d := range m.datoms {
		if d.A == attr {
			out = append(out, d)
		}
	}
	return out
}

// MaxIDs returns the current high-water marks. Test helper.
func (m *MemDB) MaxIDs() (maxEID, maxTx int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxEID, m.maxTx
}
