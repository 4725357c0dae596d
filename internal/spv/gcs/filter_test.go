package gcs

import (
	"bytes"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

func blockHash(b byte) []byte {
	h := make([]byte, 32)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestBuildEmptyFilter(t *testing.T) {
	f, err := Build(spvtypes.FilterBasicBIP158, blockHash(1), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if f.N != 0 {
		t.Fatalf("expected N=0, got %d", f.N)
	}
	enc := f.Encoded()
	if len(enc) != 1 || enc[0] != 0x00 {
		t.Fatalf("expected single 0x00 byte prefix, got %x", enc)
	}
	matched, err := f.Match([][]byte{[]byte("nothing")})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no matches against empty filter, got %v", matched)
	}
}

func TestRoundTripMatch(t *testing.T) {
	elems := [][]byte{
		[]byte("script-a"),
		[]byte("script-b"),
		[]byte("script-c"),
		[]byte("script-d"),
	}
	bh := blockHash(7)
	f, err := Build(spvtypes.FilterBasicBIP158, bh, elems)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	encoded := f.Encoded()
	decoded, err := DecodeEncoded(spvtypes.FilterBasicBIP158, bh, encoded)
	if err != nil {
		t.Fatalf("DecodeEncoded: %v", err)
	}

	queries := [][]byte{elems[1], []byte("not-present"), elems[3]}
	matched, err := decoded.Match(queries)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := map[int]bool{0: true, 2: true}
	if len(matched) != len(want) {
		t.Fatalf("expected 2 matches, got %v", matched)
	}
	for _, m := range matched {
		if !want[m] {
			t.Fatalf("unexpected match index %d", m)
		}
	}
}

func TestHeaderChainLaw(t *testing.T) {
	f, err := Build(spvtypes.FilterBasicBIP158, blockHash(1), [][]byte{[]byte("x")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	encoded := f.Encoded()
	fh := FilterHash(encoded)
	var prevHeader [32]byte
	h1 := Header(fh, prevHeader)
	h2 := Header(fh, prevHeader)
	if h1 != h2 {
		t.Fatalf("Header must be deterministic")
	}
	// H = dsha256(dsha256(filter) || previous-header)
	want := dsha256(append(append([]byte{}, fh[:]...), prevHeader[:]...))
	if h1 != want {
		t.Fatalf("header does not follow chain law")
	}
}

func TestSipHashDeterministic(t *testing.T) {
	k0, k1 := siphashKey(blockHash(3))
	a := siphash24(k0, k1, []byte("hello"))
	b := siphash24(k0, k1, []byte("hello"))
	if a != b {
		t.Fatalf("siphash24 must be deterministic")
	}
	c := siphash24(k0, k1, []byte("world"))
	if a == c {
		t.Fatalf("different inputs should (overwhelmingly likely) hash differently")
	}
}

func TestGolombRoundTrip(t *testing.T) {
	sorted := []uint64{3, 3, 10, 42, 42, 1000, 1000000}
	// drop repeated values before encoding
	dedup := make([]uint64, 0, len(sorted))
	var prev uint64
	for i, v := range sorted {
		if i == 0 || v != prev {
			dedup = append(dedup, v)
		}
		prev = v
	}
	enc := encodeGolomb(dedup, 19)
	dec, err := decodeGolomb(enc, 19, uint64(len(dedup)))
	if err != nil {
		t.Fatalf("decodeGolomb: %v", err)
	}
	if !equalU64(dec, dedup) {
		t.Fatalf("round trip mismatch: got %v want %v", dec, dedup)
	}
}

func TestBitReaderEOF(t *testing.T) {
	r := &bitReader{data: []byte{0xff}}
	for i := 0; i < 8; i++ {
		if _, err := r.readBit(); err != nil {
			t.Fatalf("unexpected EOF at bit %d", i)
		}
	}
	if _, err := r.readBit(); err == nil {
		t.Fatalf("expected EOF past end of stream")
	}
}

func equalU64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000} {
		var buf bytes.Buffer
		writeVarInt(&buf, n)
		r := bytes.NewReader(buf.Bytes())
		got, err := readVarInt(r)
		if err != nil {
			t.Fatalf("readVarInt(%d): %v", n, err)
		}
		if got != n {
			t.Fatalf("varint round trip: got %d want %d", got, n)
		}
	}
}
