package proposal

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
)

// scriptKind identifies which unlocking strategy SignInputs uses for
// a previous output, inferred from its script template shape (§4.8
// "populate script-sig or witness stack according to the previous
// output's script type").
type scriptKind uint8

const (
	kindP2PK scriptKind = iota
	kindP2PKH
	kindP2WPKH
	kindP2SHWPKH
	kindUnknown
)

// classifyScript recognizes one of the four script templates this
// wallet derives (keychain.ScriptFor), by shape: P2PK is a pushed
// 33-byte compressed pubkey followed by OP_CHECKSIG; P2PKH is the
// standard 25-byte pattern; P2WPKH is a bare 22-byte witness program;
// P2SH-P2WPKH is the 23-byte hash-wrapped form.
func classifyScript(script []byte) scriptKind {
	switch {
	case len(script) == 35 && script[0] == 0x21 && script[34] == 0xac:
		return kindP2PK
	case len(script) == 25 && script[0] == 0x76 && script[1] == 0xa9 && script[2] == 0x14 && script[23] == 0x88 && script[24] == 0xac:
		return kindP2PKH
	case len(script) == 22 && script[0] == 0x00 && script[1] == 0x14:
		return kindP2WPKH
	case len(script) == 23 && script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87:
		return kindP2SHWPKH
	default:
		return kindUnknown
	}
}

// sighashType is appended to every DER signature this wallet produces;
// only SIGHASH_ALL is supported, matching §4.8's scope (no ANYONECANPAY
// / SINGLE skeletons beyond the listed script types).
const sighashType = 0x01

// sign computes the appropriate sighash for input i and produces its
// scriptSig/witness via the supplied Signer, mutating t.Inputs[i] in
// place. pub is the input's 33-byte compressed public key.
func (t *Tx) sign(i int, pub []byte, signer Signer) error {
	in := &t.Inputs[i]
	kind := classifyScript(in.prevScript)
	in.prevForm = kind

	switch kind {
	case kindP2PK:
		hash := dsha256(t.legacyBytes(i, in.prevScript))
		sig, err := signer.SignECDSA(hash[:])
		if err != nil {
			return fmt.Errorf("spv: sign p2pk input %d: %w", i, err)
		}
		in.ScriptSig = pushBytes(append(sig, sighashType))

	case kindP2PKH:
		hash := dsha256(t.legacyBytes(i, in.prevScript))
		sig, err := signer.SignECDSA(hash[:])
		if err != nil {
			return fmt.Errorf("spv: sign p2pkh input %d: %w", i, err)
		}
		in.ScriptSig = append(pushBytes(append(sig, sighashType)), pushBytes(pub)...)

	case kindP2WPKH:
		pkh := in.prevScript[2:22]
		subscript := keychain.ScriptForHash(keychain.ScriptP2PKH, pkh)
		hash := dsha256(t.witnessBytes(i, subscript, in.prevValue))
		sig, err := signer.SignECDSA(hash[:])
		if err != nil {
			return fmt.Errorf("spv: sign p2wpkh input %d: %w", i, err)
		}
		in.Witness = [][]byte{append(sig, sighashType), pub}

	case kindP2SHWPKH:
		// The previous output only carries hash160(witness program); the
		// witness program itself (the redeem script) is rebuilt from the
		// signer's own public key and pushed into ScriptSig.
		witnessProgram := keychain.ScriptForHash(keychain.ScriptP2WPKH, keychain.Hash160(pub))
		subscript := keychain.ScriptForHash(keychain.ScriptP2PKH, witnessProgram[2:22])
		hash := dsha256(t.witnessBytes(i, subscript, in.prevValue))
		sig, err := signer.SignECDSA(hash[:])
		if err != nil {
			return fmt.Errorf("spv: sign p2sh-p2wpkh input %d: %w", i, err)
		}
		in.Witness = [][]byte{append(sig, sighashType), pub}
		in.ScriptSig = pushBytes(witnessProgram)

	default:
		return fmt.Errorf("spv: cannot sign input %d: unrecognized previous script", i)
	}
	return nil
}

// pushBytes prepends a single-byte push opcode for data under 76
// bytes (every signature/pubkey this wallet pushes fits that case).
func pushBytes(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data)))
	return append(out, data...)
}

// Signer derives the signing key for a previous output and produces a
// DER-encoded ECDSA signature over a 32-byte sighash, per §4.8 "derive
// the signing key ... produce DER signatures". Backed by
// decred/dcrd/dcrec/secp256k1/v4/ecdsa rather than the host chain's
// native Schnorr scheme (pkg/crypto), since Bitcoin-family peers this
// wallet talks to expect DER/ECDSA signatures (see DESIGN.md).
type Signer interface {
	PublicKey() []byte
	SignECDSA(hash []byte) ([]byte, error)
}
