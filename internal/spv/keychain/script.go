// Package keychain derives the HD addressing dimension used by the
// filter-matching and scanning subsystem: one Subchain per
// (subaccount, kind) pair, each producing a stream of script
// templates to register as compact-filter elements. Named deliberately
// so it does not collide with the host chain's own internal/subchain
// package, which is an unrelated L2 concept.
package keychain

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // standard Bitcoin hash160, no modern replacement exists
)

// ScriptForm enumerates the output script templates this wallet
// recognizes and derives keys for.
type ScriptForm uint8

const (
	ScriptP2PK ScriptForm = iota
	ScriptP2PKH
	ScriptP2WPKH
	ScriptP2SHWPKH
)

// Bitcoin script opcodes used to build the templates below.
const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
	opEqual       = 0x87
	op0           = 0x00
	pushHash160   = 0x14 // push 20 bytes
	pushHash256   = 0x20 // push 32 bytes (unused here, kept for clarity)
	pushPubkey    = 0x21 // push 33-byte compressed pubkey
)

// hash160 is RIPEMD160(SHA256(x)), the standard Bitcoin pubkey/script
// hash.
func hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sum[:])
	return r.Sum(nil)
}

// Hash160 exports hash160 for callers outside this package that need
// to rebuild a witness program from a raw public key, such as the
// proposal builder's P2SH-P2WPKH signing path.
func Hash160(b []byte) []byte {
	return hash160(b)
}

// p2pkhScript builds OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY
// OP_CHECKSIG.
func p2pkhScript(pubKeyHash []byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, opDup, opHash160, pushHash160)
	out = append(out, pubKeyHash...)
	out = append(out, opEqualVerify, opCheckSig)
	return out
}

// p2pkScript builds <33-byte compressed pubkey> OP_CHECKSIG.
func p2pkScript(pubKey []byte) []byte {
	out := make([]byte, 0, 35)
	out = append(out, pushPubkey)
	out = append(out, pubKey...)
	out = append(out, opCheckSig)
	return out
}

// p2wpkhScript builds the native segwit v0 witness program:
// OP_0 <20-byte hash>.
func p2wpkhScript(pubKeyHash []byte) []byte {
	out := make([]byte, 0, 22)
	out = append(out, op0, pushHash160)
	out = append(out, pubKeyHash...)
	return out
}

// p2shScript builds OP_HASH160 <20-byte script hash> OP_EQUAL, used to
// wrap a P2WPKH witness program for P2SH-nested segwit.
func p2shScript(scriptHash []byte) []byte {
	out := make([]byte, 0, 23)
	out = append(out, opHash160, pushHash160)
	out = append(out, scriptHash...)
	out = append(out, opEqual)
	return out
}

// ScriptFor builds the output script bytes for form given a
// compressed public key.
func ScriptFor(form ScriptForm, compressedPubKey []byte) []byte {
	pkh := hash160(compressedPubKey)
	switch form {
	case ScriptP2PK:
		return p2pkScript(compressedPubKey)
	case ScriptP2PKH:
		return p2pkhScript(pkh)
	case ScriptP2WPKH:
		return p2wpkhScript(pkh)
	case ScriptP2SHWPKH:
		witnessProgram := p2wpkhScript(pkh)
		return p2shScript(hash160(witnessProgram))
	default:
		return nil
	}
}

// ScriptForHash builds the same script templates as ScriptFor but
// starting from an already-hashed 20-byte pubkey hash, for recipient
// outputs where only an address (not its pubkey) is known. Not valid
// for ScriptP2PK, which needs the full public key.
func ScriptForHash(form ScriptForm, pubKeyHash []byte) []byte {
	switch form {
	case ScriptP2PKH:
		return p2pkhScript(pubKeyHash)
	case ScriptP2WPKH:
		return p2wpkhScript(pubKeyHash)
	case ScriptP2SHWPKH:
		witnessProgram := p2wpkhScript(pubKeyHash)
		return p2shScript(hash160(witnessProgram))
	default:
		return nil
	}
}
