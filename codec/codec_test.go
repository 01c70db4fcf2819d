package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gurre/datomvault/datom"
	"github.com/gurre/datomvault/errs"
)

func sampleDatoms(t *testing.T) []datom.Datom {
	t.Helper()
	id := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	when := time.Date(2026, 7, 1, 12, 30, 0, 123456000, time.UTC)
	return []datom.Datom{
		{E: 1, A: "book/title", V: "The Hobbit", Tx: 536870913, Added: true},
		{E: 1, A: "book/year", V: int64(1937), Tx: 536870913, Added: true},
		{E: 1, A: "book/rating", V: 4.5, Tx: 536870913, Added: true},
		{E: 1, A: "book/available", V: true, Tx: 536870913, Added: true},
		{E: 1, A: "book/added-at", V: when, Tx: 536870913, Added: true},
		{E: 1, A: "book/isbn-uuid", V: id, Tx: 536870913, Added: true},
		{E: 1, A: "book/genre", V: datom.Keyword("genre/fantasy"), Tx: 536870913, Added: true},
		{E: 1, A: "book/author", V: datom.Ref(2), Tx: 536870914, Added: true},
		{E: 1, A: "book/rating", V: 4.5, Tx: 536870915, Added: false},
	}
}

func TestChunkRoundTrip(t *testing.T) {
	datoms := sampleDatoms(t)
	payload, checksum, err := EncodeChunk(7, datoms, CompressionGzip)
	if err != nil {
		t.Fatalf("failed to encode chunk: %v", err)
	}
	if checksum != Checksum(payload) {
		t.Errorf("checksum does not match payload")
	}

	chunk, err := DecodeChunk(payload, CompressionGzip)
	if err != nil {
		t.Fatalf("failed to decode chunk: %v", err)
	}
	if chunk.ID != 7 {
		t.Errorf("chunk id mismatch: got %d, want 7", chunk.ID)
	}
	if chunk.Type != ChunkType || chunk.Version != FormatVersion {
		t.Errorf("format tag mismatch: %s %s", chunk.Type, chunk.Version)
	}
	if len(chunk.Datoms) != len(datoms) {
		t.Fatalf("datom count mismatch: got %d, want %d", len(chunk.Datoms), len(datoms))
	}
	for i, want := range datoms {
		got := chunk.Datoms[i]
		if got.E != want.E || got.A != want.A || got.Tx != want.Tx || got.Added != want.Added {
			t.Errorf("datom %d mismatch: got %+v, want %+v", i, got, want)
		}
		if wantTime, ok := want.V.(time.Time); ok {
			if !got.V.(time.Time).Equal(wantTime) {
				t.Errorf("datom %d time mismatch: got %v, want %v", i, got.V, wantTime)
			}
			continue
		}
		if got.V != want.V {
			t.Errorf("datom %d value mismatch: got %v (%T), want %v (%T)", i, got.V, got.V, want.V, want.V)
		}
	}
}

func TestDoubleNotNarrowed(t *testing.T) {
	// 1.0 would come back as the integer 1 from an untagged codec.
	datoms := []datom.Datom{{E: 1, A: "m/weight", V: 1.0, Tx: 536870913, Added: true}}
	payload, _, err := EncodeChunk(0, datoms, CompressionNone)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	chunk, err := DecodeChunk(payload, CompressionNone)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	v, ok := chunk.Datoms[0].V.(float64)
	if !ok {
		t.Fatalf("expected float64, got %T", chunk.Datoms[0].V)
	}
	if v != 1.0 {
		t.Errorf("got %v, want 1.0", v)
	}
}

func TestLargeIntegerPrecision(t *testing.T) {
	// Beyond float64's 53-bit mantissa; a float-roundtripping decoder
	// would corrupt it.
	big := int64(9007199254740993)
	datoms := []datom.Datom{{E: big, A: "m/count", V: big, Tx: 536870913, Added: true}}
	payload, _, err := EncodeChunk(0, datoms, CompressionNone)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	chunk, err := DecodeChunk(payload, CompressionNone)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if chunk.Datoms[0].E != big {
		t.Errorf("entity id corrupted: got %d", chunk.Datoms[0].E)
	}
	if chunk.Datoms[0].V.(int64) != big {
		t.Errorf("value corrupted: got %v", chunk.Datoms[0].V)
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	payload, err := Compress([]byte(`{"format/type":"not-a-chunk","format/version":"1.0.0","chunk/id":0,"datoms":[]}`), CompressionGzip)
	if err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	_, err = DecodeChunk(payload, CompressionGzip)
	if err == nil {
		t.Fatal("expected decode error for wrong chunk type")
	}
	if errs.Classify(err) != errs.Data {
		t.Errorf("expected data error, got %s", errs.Classify(err))
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	payload, err := Compress([]byte(`{"format/type":"datom-chunk","format/version":"9.0.0","chunk/id":0,"datoms":[]}`), CompressionGzip)
	if err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	if _, err := DecodeChunk(payload, CompressionGzip); err == nil {
		t.Fatal("expected decode error for unsupported version")
	}
}

func TestDecodeCorruptPayload(t *testing.T) {
	_, err := DecodeChunk([]byte("not gzip at all"), CompressionGzip)
	if err == nil {
		t.Fatal("expected error for corrupt payload")
	}
	var typed *errs.Error
	if !errors.As(err, &typed) || typed.Kind != errs.Data {
		t.Errorf("expected typed data error, got %v", err)
	}
}

func TestCompressionNonePassthrough(t *testing.T) {
	data := []byte("hello")
	out, err := Compress(data, CompressionNone)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("expected passthrough, got %q", out)
	}
	back, err := Decompress(out, CompressionNone)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(back) != "hello" {
		t.Errorf("expected passthrough, got %q", back)
	}
}

func TestUnknownCompression(t *testing.T) {
	if _, err := Compress([]byte("x"), "zstd"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
	if !strings.Contains(Ext(CompressionGzip), ".gz") {
		t.Errorf("expected gzip extension, got %s", Ext(CompressionGzip))
	}
	if Ext(CompressionNone) != ".json" {
		t.Errorf("expected plain extension, got %s", Ext(CompressionNone))
	}
}

func TestMarshalDatomsRoundTrip(t *testing.T) {
	datoms := sampleDatoms(t)
	raw, err := MarshalDatoms(datoms)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	back, err := UnmarshalDatoms(raw)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(back) != len(datoms) {
		t.Fatalf("count mismatch: got %d, want %d", len(back), len(datoms))
	}
	if back[7].V != datom.Ref(2) {
		t.Errorf("ref value mismatch: got %v (%T)", back[7].V, back[7].V)
	}
}
