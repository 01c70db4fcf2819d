// Package datom defines the datom data model: the five-tuple unit of state
// in the source database, its heterogeneous value types, and the ordering
// used when merging datoms back in transaction order.
package datom

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tx0 is the transaction id the platform reserves for its built-in schema.
// Datoms carrying this id are never re-applied on restore because the target
// database writes its own copy of the built-in schema on creation.
const Tx0 = int64(536870912)

// Keyword is a symbolic name, such as an attribute identifier.
// Stored without a leading colon, e.g. "book/title" or "db/txInstant".
type Keyword string

// TxInstant is the attribute that carries a transaction's wall-clock
// timestamp. Within a transaction it must be applied before any other datom.
const TxInstant = Keyword("db/txInstant")

// Ref is an entity-id value that references another entity. It is a distinct
// type so the codec can round-trip it separately from plain integers.
type Ref int64

// Value is a datom value. Supported dynamic types:
//
//	string, int64, float64, bool, time.Time, uuid.UUID, Keyword, Ref
//
// Example:
//
//	d := datom.Datom{E: 1, A: "book/title", V: "The Hobbit", Tx: 536870913, Added: true}
type Value any

// Datom is a single (entity, attribute, value, transaction, added) tuple.
// Fields are ordered largest-to-smallest for memory alignment.
type Datom struct {
	V     Value   // Heterogeneous value (16 bytes - interface)
	A     Keyword // Attribute identifier (16 bytes - string header)
	E     int64   // Entity id (8 bytes)
	Tx    int64   // Transaction id (8 bytes)
	Added bool    // Assertion vs retraction (1 byte)
}

// Compare orders datoms for the restore merge: by transaction ascending,
// then the db/txInstant datom first within a transaction, then by entity,
// then by attribute. Returns a negative value if a sorts before b, zero if
// they tie, positive otherwise.
func Compare(a, b Datom) int {
	if a.Tx != b.Tx {
		if a.Tx < b.Tx {
			return -1
		}
		return 1
	}
	// The transaction timestamp must land before the rest of its transaction.
	aInst := a.A == TxInstant
	bInst := b.A == TxInstant
	if aInst != bInst {
		if aInst {
			return -1
		}
		return 1
	}
	if a.E != b.E {
		if a.E < b.E {
			return -1
		}
		return 1
	}
	return strings.Compare(string(a.A), string(b.A))
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b Datom) bool {
	return Compare(a, b) < 0
}

// ValidValue reports whether v is one of the supported value types.
func ValidValue(v Value) bool {
	switch v.(type) {
	case string, int64, float64, bool, time.Time, uuid.UUID, Keyword, Ref:
		return true
	}
	return false
}
