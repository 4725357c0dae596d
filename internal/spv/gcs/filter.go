// Package gcs implements the Golomb-coded-set filter codec (component
// D): SipHash-2-4 element hashing, Golomb-Rice delta encoding, filter
// construction/matching, and the cfheader chain-hash law. Grounded
// directly on spec §4.4/§6.1 — no GCS or BIP-158 library exists
// anywhere in the example pack (see DESIGN.md).
package gcs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

// Filter is a constructed or decoded Golomb-coded set.
type Filter struct {
	P    uint8
	M    uint64
	N    uint64 // element count
	K0   uint64
	K1   uint64
	data []byte // golomb-rice body, no count prefix (the "compressed" form)
}

// Build constructs a GCS filter over elements, keyed by blockHash, for
// the given filter type.
func Build(ft spvtypes.FilterType, blockHash []byte, elements [][]byte) (*Filter, error) {
	p, m, ok := ft.Params()
	if !ok {
		return nil, fmt.Errorf("gcs: unsupported filter type %v", ft)
	}
	k0, k1 := siphashKey(blockHash)

	// Dedup (a filter is a *set*; repeated elements collapse), so N and
	// the N*M hash range Match uses both count distinct elements.
	seen := make(map[string]struct{}, len(elements))
	unique := make([][]byte, 0, len(elements))
	for _, e := range elements {
		if _, dup := seen[string(e)]; !dup {
			seen[string(e)] = struct{}{}
			unique = append(unique, e)
		}
	}
	n := uint64(len(unique))
	if n == 0 {
		return &Filter{P: p, M: m, N: 0, K0: k0, K1: k1, data: nil}, nil
	}

	f := n * m
	reduced := make([]uint64, 0, n)
	for _, e := range unique {
		reduced = append(reduced, hashToRange(k0, k1, e, f))
	}
	sort.Slice(reduced, func(i, j int) bool { return reduced[i] < reduced[j] })

	return &Filter{
		P:    p,
		M:    m,
		N:    n,
		K0:   k0,
		K1:   k1,
		data: encodeGolomb(reduced, p),
	}, nil
}

// Decode reverses Build's golomb-rice body into the sorted reduced
// value stream (without re-running SipHash), used by Match.
func (f *Filter) decode() ([]uint64, error) {
	if f.N == 0 {
		return nil, nil
	}
	vals, err := decodeGolomb(f.data, f.P, f.N)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w: %v", spvtypes.ErrFilterDecode, err)
	}
	return vals, nil
}

// Match tests a query set against the filter via linear merge. It
// returns the subset of queries that matched (by their original
// index), per §4.4 "return an iterator over matched queries".
func (f *Filter) Match(queries [][]byte) ([]int, error) {
	if f.N == 0 || len(queries) == 0 {
		return nil, nil
	}
	stream, err := f.decode()
	if err != nil {
		return nil, err
	}

	fRange := f.N * f.M
	type qv struct {
		idx int
		val uint64
	}
	qvs := make([]qv, len(queries))
	for i, q := range queries {
		qvs[i] = qv{idx: i, val: hashToRange(f.K0, f.K1, q, fRange)}
	}
	sort.Slice(qvs, func(i, j int) bool { return qvs[i].val < qvs[j].val })

	var matched []int
	si := 0
	for _, q := range qvs {
		for si < len(stream) && stream[si] < q.val {
			si++
		}
		if si < len(stream) && stream[si] == q.val {
			matched = append(matched, q.idx)
		}
	}
	return matched, nil
}

// MatchAny reports whether any query hits, without building the full
// match list — used by the scanner's cheap "any hit?" probe.
func (f *Filter) MatchAny(queries [][]byte) (bool, error) {
	m, err := f.Match(queries)
	if err != nil {
		return false, err
	}
	return len(m) > 0, nil
}

// Compressed returns the raw golomb-rice bit stream with no count
// prefix.
func (f *Filter) Compressed() []byte {
	return append([]byte(nil), f.data...)
}

// Encoded returns the persisted form: a var-int element count prefix
// followed by the golomb-rice bit stream.
func (f *Filter) Encoded() []byte {
	var buf bytes.Buffer
	writeVarInt(&buf, f.N)
	buf.Write(f.data)
	return buf.Bytes()
}

// DecodeEncoded parses the persisted (count-prefixed) form back into a
// Filter, given the filter type and the block hash used to key it.
func DecodeEncoded(ft spvtypes.FilterType, blockHash []byte, encoded []byte) (*Filter, error) {
	p, m, ok := ft.Params()
	if !ok {
		return nil, fmt.Errorf("gcs: unsupported filter type %v", ft)
	}
	buf := bytes.NewReader(encoded)
	n, err := readVarInt(buf)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w: %v", spvtypes.ErrFilterDecode, err)
	}
	k0, k1 := siphashKey(blockHash)
	rest := make([]byte, buf.Len())
	_, _ = buf.Read(rest)
	return &Filter{P: p, M: m, N: n, K0: k0, K1: k1, data: rest}, nil
}

// FilterHash is dsha256(encoded-filter), per §6.1.
func FilterHash(encoded []byte) spvtypesHash {
	return dsha256(encoded)
}

// Header computes H = dsha256(filterHash || previousHeader), the
// cfheader chain-hash law of §4.4/§8.1.
func Header(filterHash, previousHeader [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, filterHash[:]...)
	buf = append(buf, previousHeader[:]...)
	return dsha256(buf)
}

type spvtypesHash = [32]byte

// dsha256 is Bitcoin's double-SHA256, used for both the filter hash
// and the cfheader chain. Deliberately crypto/sha256, not the host
// chain's native blake3 — bit-exact Bitcoin-family compatibility is a
// hard protocol requirement here (see DESIGN.md).
func dsha256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// writeVarInt writes n as a Bitcoin-style compact size integer.
func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		buf.Write(b[:])
	}
}

func readVarInt(r *bytes.Reader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch first {
	case 0xfd:
		var b [2]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case 0xfe:
		var b [4]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 0xff:
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return uint64(first), nil
	}
}
