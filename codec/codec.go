// Package codec implements the binary chunk payload: a self-describing
// tagged encoding of a datom chunk, GZIP compression, and the SHA-256
// checksum computed over the compressed bytes.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/errs"
)

// ChunkType tags every encoded chunk record.
const ChunkType = "datom-chunk"

// FormatVersion is the chunk payload format version.
const FormatVersion = "1.0.0"

// Compression algorithms accepted for chunk payloads.
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// gzipLevel balances ratio against backup throughput.
const gzipLevel = 6

// Chunk is the decoded form of one chunk payload.
type Chunk struct {
	Type    string        `json:"format/type"`
	Version string        `json:"format/version"`
	ID      int           `json:"chunk/id"`
	Datoms  []datom.Datom `json:"datoms"`
}

// wireDatom is the on-wire five-element tuple.
type wireDatom [5]json.RawMessage

// encodeValue converts a datom value to its wire form. Types JSON would
// mangle (doubles, instants, UUIDs, keywords, refs) are wrapped in tagged
// objects so they decode back to the same dynamic type.
func encodeValue(v datom.Value) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int64:
		return val, nil
	case bool:
		return val, nil
	case float64:
		// Always tagged: an untagged 1.0 would come back as the integer 1.
		return map[string]any{"tag": "double", "value": val}, nil
	case time.Time:
		return map[string]any{"tag": "inst", "value": val.UTC().Format(time.RFC3339Nano)}, nil
	case uuid.UUID:
		return map[string]any{"tag": "uuid", "value": val.String()}, nil
	case datom.Keyword:
		return map[string]any{"tag": "kw", "value": string(val)}, nil
	case datom.Ref:
		return map[string]any{"tag": "ref", "value": int64(val)}, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// taggedValue is the wrapper object for tagged wire values.
type taggedValue struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value"`
}

func decodeInt(raw json.RawMessage) (int64, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, err
	}
	return strconv.ParseInt(num.String(), 10, 64)
}

// decodeValue restores a wire value to its dynamic type. Untagged numbers
// are always integers; anything fractional arrives tagged.
func decodeValue(raw json.RawMessage) (datom.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, err
		}
		return b, nil
	case '{':
		var tv taggedValue
		if err := json.Unmarshal(trimmed, &tv); err != nil {
			return nil, err
		}
		switch tv.Tag {
		case "double":
			var num json.Number
			if err := json.Unmarshal(tv.Value, &num); err != nil {
				return nil, err
			}
			f, err := num.Float64()
			if err != nil {
				return nil, err
			}
			return f, nil
		case "inst":
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, err
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, err
			}
			return t, nil
		case "uuid":
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, err
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			return id, nil
		case "kw":
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, err
			}
			return datom.Keyword(s), nil
		case "ref":
			n, err := decodeInt(tv.Value)
			if err != nil {
				return nil, err
			}
			return datom.Ref(n), nil
		}
		return nil, fmt.Errorf("unknown value tag %q", tv.Tag)
	default:
		n, err := decodeInt(trimmed)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

func marshalDatom(d datom.Datom) (wireDatom, error) {
	var w wireDatom
	v, err := encodeValue(d.V)
	if err != nil {
		return w, err
	}
	parts := []any{d.E, string(d.A), v, d.Tx, d.Added}
	for i, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return w, err
		}
		w[i] = raw
	}
	return w, nil
}

func unmarshalDatom(w wireDatom) (datom.Datom, error) {
	var d datom.Datom
	e, err := decodeInt(w[0])
	if err != nil {
		return d, fmt.Errorf("entity: %w", err)
	}
	var attr string
	if err := json.Unmarshal(w[1], &attr); err != nil {
		return d, fmt.Errorf("attribute: %w", err)
	}
	v, err := decodeValue(w[2])
	if err != nil {
		return d, fmt.Errorf("value: %w", err)
	}
	tx, err := decodeInt(w[3])
	if err != nil {
		return d, fmt.Errorf("tx: %w", err)
	}
	var added bool
	if err := json.Unmarshal(w[4], &added); err != nil {
		return d, fmt.Errorf("added: %w", err)
	}
	return datom.Datom{E: e, A: datom.Keyword(attr), V: v, Tx: tx, Added: added}, nil
}

// MarshalDatoms encodes a datom slice in the wire tuple form, for use in
// line-delimited records such as the migration transaction log.
func MarshalDatoms(datoms []datom.Datom) (json.RawMessage, error) {
	wire := make([]wireDatom, 0, len(datoms))
	for _, d := range datoms {
		w, err := marshalDatom(d)
		if err != nil {
			return nil, errs.New(errs.Data, "codec.encode", err)
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

// UnmarshalDatoms decodes a wire tuple array produced by MarshalDatoms.
func UnmarshalDatoms(raw json.RawMessage) ([]datom.Datom, error) {
	var wire []wireDatom
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errs.New(errs.Data, "codec.decode", err)
	}
	datoms := make([]datom.Datom, 0, len(wire))
	for i, w := range wire {
		d, err := unmarshalDatom(w)
		if err != nil {
			return nil, errs.New(errs.Data, "codec.decode", fmt.Errorf("datom %d: %w", i, err))
		}
		datoms = append(datoms, d)
	}
	return datoms, nil
}

// wireChunk mirrors Chunk with datoms in wire form.
type wireChunk struct {
	Type    string      `json:"format/type"`
	Version string      `json:"format/version"`
	ID      int         `json:"chunk/id"`
	Datoms  []wireDatom `json:"datoms"`
}

// EncodeChunk serializes and compresses a chunk and returns the on-wire
// bytes together with the hex SHA-256 of those bytes.
// Example:
//
//	payload, sum, err := codec.EncodeChunk(0, datoms, codec.CompressionGzip)
func EncodeChunk(id int, datoms []datom.Datom, compression string) ([]byte, string, error) {
	wc := wireChunk{
		Type:    ChunkType,
		Version: FormatVersion,
		ID:      id,
		Datoms:  make([]wireDatom, 0, len(datoms)),
	}
	for _, d := range datoms {
		w, err := marshalDatom(d)
		if err != nil {
			return nil, "", errs.New(errs.Data, "codec.encode", fmt.Errorf("chunk %d: %w", id, err))
		}
		wc.Datoms = append(wc.Datoms, w)
	}
	encoded, err := json.Marshal(wc)
	if err != nil {
		return nil, "", errs.New(errs.Data, "codec.encode", fmt.Errorf("chunk %d: %w", id, err))
	}

	compressed, err := Compress(encoded, compression)
	if err != nil {
		return nil, "", err
	}
	return compressed, Checksum(compressed), nil
}

// DecodeChunk decompresses and decodes a chunk payload, validating the
// format tag and version.
func DecodeChunk(payload []byte, compression string) (*Chunk, error) {
	encoded, err := Decompress(payload, compression)
	if err != nil {
		return nil, err
	}
	var wc wireChunk
	if err := json.Unmarshal(encoded, &wc); err != nil {
		return nil, errs.New(errs.Data, "codec.decode", err)
	}
	if wc.Type != ChunkType {
		return nil, errs.Newf(errs.Data, "codec.decode", "invalid chunk type %q, expected %q", wc.Type, ChunkType)
	}
	if wc.Version != FormatVersion {
		return nil, errs.Newf(errs.Data, "codec.decode", "unsupported chunk version %q", wc.Version)
	}
	c := &Chunk{Type: wc.Type, Version: wc.Version, ID: wc.ID, Datoms: make([]datom.Datom, 0, len(wc.Datoms))}
	for i, w := range wc.Datoms {
		d, err := unmarshalDatom(w)
		if err != nil {
			return nil, errs.New(errs.Data, "codec.decode", fmt.Errorf("chunk %d datom %d: %w", wc.ID, i, err))
		}
		c.Datoms = append(c.Datoms, d)
	}
	return c, nil
}

// Compress applies the named compression algorithm to data.
func Compress(data []byte, compression string) ([]byte, error) {
	switch compression {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzipLevel)
		if err != nil {
			return nil, errs.New(errs.Data, "codec.compress", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, errs.New(errs.Data, "codec.compress", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errs.New(errs.Data, "codec.compress", err)
		}
		return buf.Bytes(), nil
	}
	return nil, errs.Newf(errs.Data, "codec.compress", "unknown compression %q", compression)
}

// Decompress reverses Compress.
func Decompress(data []byte, compression string) ([]byte, error) {
	switch compression {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errs.New(errs.Data, "codec.decompress", err)
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errs.New(errs.Data, "codec.decompress", err)
		}
		return out, nil
	}
	return nil, errs.Newf(errs.Data, "codec.decompress", "unknown compression %q", compression)
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ext returns the chunk file extension for a compression algorithm.
func Ext(compression string) string {
	if compression == CompressionGzip {
		return ".json.gz"
	}
	return ".json"
}
