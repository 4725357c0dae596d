package proposal

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// HDKeySigner adapts an HD-derived key to the Signer interface
// SignInputs needs. The host chain's native scheme is Schnorr
// (pkg/crypto.PrivateKey); Bitcoin-family peers expect DER-encoded
// ECDSA signatures, so the same 32-byte scalar is re-wrapped through
// decred/dcrd/dcrec/secp256k1/v4/ecdsa rather than deriving a second,
// independent key.
type HDKeySigner struct {
	pub []byte
	key *secp256k1.PrivateKey
}

// NewHDKeySigner builds a Signer from hdKey's private scalar.
func NewHDKeySigner(hdKey *wallet.HDKey) (*HDKeySigner, error) {
	priv := hdKey.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("spv: cannot sign with a public-only key")
	}
	return &HDKeySigner{pub: hdKey.PublicKeyBytes(), key: secp256k1.PrivKeyFromBytes(priv)}, nil
}

// PublicKey returns the signer's compressed 33-byte public key.
func (s *HDKeySigner) PublicKey() []byte {
	return s.pub
}

// SignECDSA produces a DER-encoded ECDSA signature over a 32-byte
// sighash, per §4.8 step 5.
func (s *HDKeySigner) SignECDSA(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("spv: sighash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.Sign(s.key, hash)
	return sig.Serialize(), nil
}
