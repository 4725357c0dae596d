// Package proposal implements the Spend Proposal Builder (component
// H): selects UTXOs, constructs and signs a Bitcoin-family transaction
// from a proposal, and reserves its inputs against the wallet
// database. Grounded on internal/wallet/coinselect.go (input funding
// loop) and pkg/tx/transaction.go (hex-JSON, SigningBytes conventions),
// generalized to a raw-script Bitcoin-family wire shape rather than
// the host chain's typed ScriptType, since outpoints and script bytes
// here must round-trip exactly through the GCS filter / wallet DB
// layers built on spvtypes.Outpoint (see DESIGN.md).
package proposal

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// dsha256 is Bitcoin's double-SHA256, the same convention
// internal/spv/gcs uses for cfilter hashes and cfheaders — txid/wtxid
// computation needs bit-exact compatibility with the wire format this
// wallet's peers expect.
func dsha256(b []byte) types.Hash {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Input is one transaction input: the outpoint it spends, plus its
// finalized unlocking data (legacy scriptSig, or a witness stack for
// segwit-class previous outputs).
type Input struct {
	PrevOut  spvtypes.Outpoint
	Sequence uint32
	ScriptSig []byte
	Witness   [][]byte

	// prevScript/prevValue are carried alongside the input only for
	// sighash computation; they are not part of the serialized form.
	prevScript []byte
	prevValue  uint64
	prevForm   scriptKind
}

// Output is one transaction output: value plus raw locking script
// bytes (a Bitcoin-family script, not the host chain's typed Script).
type Output struct {
	Value  uint64
	Script []byte
}

// Tx is the Spend Proposal Builder's own wire transaction shape.
type Tx struct {
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// legacyBytes serializes the transaction with the given input's
// script substituted and every other input's script emptied — the
// classic legacy SIGHASH_ALL preimage shape.
func (t *Tx) legacyBytes(signIndex int, subscript []byte) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	buf = appendVarInt(buf, uint64(len(t.Inputs)))
	for i, in := range t.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		if i == signIndex {
			buf = appendVarInt(buf, uint64(len(subscript)))
			buf = append(buf, subscript...)
		} else {
			buf = appendVarInt(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
	}
	buf = appendVarInt(buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, t.LockTime)
	return buf
}

// witnessBytes builds the BIP-143 style sighash preimage for a
// segwit-class input at signIndex.
func (t *Tx) witnessBytes(signIndex int, subscript []byte, amount uint64) []byte {
	var prevouts, sequences, outputs []byte
	for _, in := range t.Inputs {
		prevouts = append(prevouts, in.PrevOut.TxID[:]...)
		prevouts = binary.LittleEndian.AppendUint32(prevouts, in.PrevOut.Index)
		sequences = binary.LittleEndian.AppendUint32(sequences, in.Sequence)
	}
	for _, out := range t.Outputs {
		outputs = binary.LittleEndian.AppendUint64(outputs, out.Value)
		outputs = appendVarInt(outputs, uint64(len(out.Script)))
		outputs = append(outputs, out.Script...)
	}
	hashPrevouts := dsha256(prevouts)
	hashSequences := dsha256(sequences)
	hashOutputs := dsha256(outputs)

	in := t.Inputs[signIndex]
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	buf = append(buf, hashPrevouts[:]...)
	buf = append(buf, hashSequences[:]...)
	buf = append(buf, in.PrevOut.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
	buf = appendVarInt(buf, uint64(len(subscript)))
	buf = append(buf, subscript...)
	buf = binary.LittleEndian.AppendUint64(buf, amount)
	buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
	buf = append(buf, hashOutputs[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, t.LockTime)
	return buf
}

// appendVarInt appends a Bitcoin-style compact-size integer.
func appendVarInt(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

// serialized returns the fully assembled transaction, including
// scriptSig/witness data, for txid/wtxid computation.
func (t *Tx) serialized(includeWitness bool) []byte {
	hasWitness := includeWitness && t.hasWitnessData()
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	if hasWitness {
		buf = append(buf, 0x00, 0x01) // marker, flag
	}
	buf = appendVarInt(buf, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = appendVarInt(buf, uint64(len(in.ScriptSig)))
		buf = append(buf, in.ScriptSig...)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
	}
	buf = appendVarInt(buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	if hasWitness {
		for _, in := range t.Inputs {
			buf = appendVarInt(buf, uint64(len(in.Witness)))
			for _, item := range in.Witness {
				buf = appendVarInt(buf, uint64(len(item)))
				buf = append(buf, item...)
			}
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, t.LockTime)
	return buf
}

func (t *Tx) hasWitnessData() bool {
	for _, in := range t.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// TxID is dsha256 of the transaction with witness data stripped, per
// §6.1's hashing convention.
func (t *Tx) TxID() types.Hash {
	return dsha256(t.serialized(false))
}

// WTxID is dsha256 of the fully serialized transaction, including any
// witness data.
func (t *Tx) WTxID() types.Hash {
	return dsha256(t.serialized(true))
}

// VSize estimates virtual size: non-witness bytes count fully, witness
// bytes count at 1/4 weight, matching BIP-141.
func (t *Tx) VSize() uint64 {
	base := uint64(len(t.serialized(false)))
	full := uint64(len(t.serialized(true)))
	witnessBytes := full - base
	weight := base*4 + witnessBytes
	return (weight + 3) / 4
}
