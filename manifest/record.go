// Package manifest implements the textual metadata layer: the per-backup
// manifest, chunk descriptors, and the mutable operation checkpoint. Records
// are pretty-printed self-describing key/value maps; readers accept any key
// order and unknown keys survive a rewrite.
package manifest

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// MarshalRecord serializes a record, merging preserved unknown keys back in
// and pretty-printing the result with stable key order: struct field order
// when there are no extras, sorted keys once extras are merged in.
func MarshalRecord(v any, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return json.MarshalIndent(v, "", "  ")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.MarshalIndent(merged, "", "  ")
}

// UnmarshalRecord decodes data into v and returns the keys v did not
// recognize, so a rewrite can carry them forward.
func UnmarshalRecord(data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	knownData, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &known); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, raw := range all {
		if _, ok := known[k]; !ok {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = raw
		}
	}
	return extra, nil
}

// TxRange is a closed [min-tx, max-tx] interval. Some writers historically
// emitted [null null]; the reader tolerates that and reports Valid=false.
type TxRange struct {
	Min   int64
	Max   int64
	Valid bool
}

// NewTxRange returns a valid range.
func NewTxRange(min, max int64) TxRange {
	return TxRange{Min: min, Max: max, Valid: true}
}

// Extend widens the range to include tx.
func (r TxRange) Extend(tx int64) TxRange {
	if !r.Valid {
		return NewTxRange(tx, tx)
	}
	if tx < r.Min {
		r.Min = tx
	}
	if tx > r.Max {
		r.Max = tx
	}
	return r
}

// Union merges two ranges.
func (r TxRange) Union(other TxRange) TxRange {
	if !other.Valid {
		return r
	}
	if !r.Valid {
		return other
	}
	if other.Min < r.Min {
		r.Min = other.Min
	}
	if other.Max > r.Max {
		r.Max = other.Max
	}
	return r
}

func (r TxRange) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("[null,null]"), nil
	}
	return []byte(fmt.Sprintf("[%d,%d]", r.Min, r.Max)), nil
}

func (r *TxRange) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = TxRange{}
		return nil
	}
	var parts [2]*int64
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return fmt.Errorf("invalid tx-range: %w", err)
	}
	if parts[0] == nil || parts[1] == nil {
		*r = TxRange{}
		return nil
	}
	*r = TxRange{Min: *parts[0], Max: *parts[1], Valid: true}
	return nil
}
