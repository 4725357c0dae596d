// Package spvtypes defines the data model shared across the SPV
// filter-sync and wallet-scanning subsystem: block positions,
// outpoints, filter/subchain identifiers, and the UTXO state machine.
package spvtypes

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Position identifies a block by height and hash. The blank position
// is (-1, zero-hash); genesis is (0, chain-genesis-hash).
type Position struct {
	Height int64
	Hash   types.Hash
}

// Blank is the sentinel "no position" value.
var Blank = Position{Height: -1}

// IsBlank reports whether p is the sentinel blank position.
func (p Position) IsBlank() bool {
	return p.Height == -1 && p.Hash.IsZero()
}

// Less orders positions by height only; two positions at the same
// height compare equal whatever their hashes.
func (p Position) Less(o Position) bool {
	return p.Height < o.Height
}

// Bytes serializes the position as little-endian i64 height followed
// by the 32-byte hash, per §6.1.
func (p Position) Bytes() []byte {
	buf := make([]byte, 0, 40)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Height))
	buf = append(buf, p.Hash[:]...)
	return buf
}

// PositionFromBytes decodes the form written by Bytes. It reports
// false if data isn't exactly 40 bytes.
func PositionFromBytes(data []byte) (Position, bool) {
	if len(data) != 40 {
		return Position{}, false
	}
	var p Position
	p.Height = int64(binary.LittleEndian.Uint64(data[:8]))
	copy(p.Hash[:], data[8:])
	return p, true
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%s", p.Height, p.Hash.String())
}

// Outpoint reuses the host chain's Outpoint type directly rather than
// redefining an identical (txid, index) pair.
type Outpoint = types.Outpoint

// OutpointLess gives a total order: lexicographic txid then index.
func OutpointLess(o, other Outpoint) bool {
	for i := range o.TxID {
		if o.TxID[i] != other.TxID[i] {
			return o.TxID[i] < other.TxID[i]
		}
	}
	return o.Index < other.Index
}

// OutpointBytes serializes the outpoint as 32-byte txid || little-endian
// u32 index (36 bytes total) — the wire and database key form per §6.1.
func OutpointBytes(o Outpoint) []byte {
	buf := make([]byte, 0, 36)
	buf = append(buf, o.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, o.Index)
	return buf
}

// FilterType enumerates the compact-filter variants this node
// understands.
type FilterType uint8

const (
	FilterBasicBIP158    FilterType = 0
	FilterBasicBCHVariant FilterType = 1
	FilterES             FilterType = 88
	FilterUnknown        FilterType = 255
)

func (f FilterType) String() string {
	switch f {
	case FilterBasicBIP158:
		return "basic-bip158"
	case FilterBasicBCHVariant:
		return "basic-bch-variant"
	case FilterES:
		return "es"
	default:
		return "unknown"
	}
}

// Params returns the (P, M) Golomb-Rice parameters for a filter
// type, per §6.1.
func (f FilterType) Params() (p uint8, m uint64, ok bool) {
	switch f {
	case FilterBasicBIP158, FilterBasicBCHVariant:
		return 19, 784_931, true
	case FilterES:
		return 23, 1 << 22, true
	default:
		return 0, 0, false
	}
}

// SubchainKind is one addressing dimension of a subaccount.
type SubchainKind uint8

const (
	SubchainInternal SubchainKind = iota
	SubchainExternal
	SubchainIncoming
	SubchainOutgoing
	SubchainNotification
)

func (k SubchainKind) String() string {
	switch k {
	case SubchainInternal:
		return "internal"
	case SubchainExternal:
		return "external"
	case SubchainIncoming:
		return "incoming"
	case SubchainOutgoing:
		return "outgoing"
	case SubchainNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// SubchainIndex is the deterministic digest primary key for all
// subchain-scoped tables: digest over (subaccount, kind, filter-type,
// version).
type SubchainIndex types.Hash

func (s SubchainIndex) String() string { return types.Hash(s).String() }
func (s SubchainIndex) Bytes() []byte  { return types.Hash(s).Bytes() }

// NewSubchainIndex derives the index for a (subaccount, kind,
// filter-type, version) tuple.
func NewSubchainIndex(subaccount types.Hash, kind SubchainKind, ft FilterType, version uint32) SubchainIndex {
	h := sha256.New()
	h.Write(subaccount[:])
	h.Write([]byte{byte(kind), byte(ft)})
	var vb [4]byte
	binary.LittleEndian.PutUint32(vb[:], version)
	h.Write(vb[:])
	var out SubchainIndex
	copy(out[:], h.Sum(nil))
	return out
}

// PatternID is a digest over (subchain-index, bip32 child index).
type PatternID types.Hash

func (p PatternID) String() string { return types.Hash(p).String() }

// NewPatternID derives the pattern id for a subchain/child-index pair.
func NewPatternID(subchain SubchainIndex, childIndex uint32) PatternID {
	h := sha256.New()
	h.Write(subchain.Bytes())
	var ib [4]byte
	binary.LittleEndian.PutUint32(ib[:], childIndex)
	h.Write(ib[:])
	var out PatternID
	copy(out[:], h.Sum(nil))
	return out
}

// KeyID identifies a derived key: (subaccount, subchain kind, bip32
// child index).
type KeyID struct {
	Subaccount  types.Hash
	Kind        SubchainKind
	ChildIndex  uint32
}

func (k KeyID) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Subaccount.String(), k.Kind, k.ChildIndex)
}

// TxoState is the UTXO lifecycle state machine, §4.5.2.
type TxoState uint8

const (
	TxoUnconfirmedNew TxoState = iota
	TxoConfirmedNew
	TxoConfirmedSpend
	TxoUnconfirmedSpend
	TxoOrphanedNew
	TxoOrphanedSpend
	TxoImmature
	TxoReserved
)

func (s TxoState) String() string {
	switch s {
	case TxoUnconfirmedNew:
		return "unconfirmed-new"
	case TxoConfirmedNew:
		return "confirmed-new"
	case TxoConfirmedSpend:
		return "confirmed-spend"
	case TxoUnconfirmedSpend:
		return "unconfirmed-spend"
	case TxoOrphanedNew:
		return "orphaned-new"
	case TxoOrphanedSpend:
		return "orphaned-spend"
	case TxoImmature:
		return "immature"
	case TxoReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// HexBytes decodes a hex string, used by a handful of RPC-facing
// types in this subsystem.
func HexBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
