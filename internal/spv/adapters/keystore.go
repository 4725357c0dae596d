package adapters

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// subchainKey scopes registered subchains by the dimensions a KeyID
// carries: subaccount and kind. A KeyID has no filter-type/version
// component, so a subaccount/kind pair resolves to whichever subchain
// variant is currently active for it.
type subchainKey struct {
	Subaccount types.Hash
	Kind       spvtypes.SubchainKind
}

// KeystoreAdapter implements spvtypes.Keystore over this host's own
// key material: HD derivation via internal/wallet.HDKey (through the
// already-derived internal/spv/keychain.Subchain registered for each
// subaccount/kind), and Schnorr/secp256k1 signing via
// pkg/crypto.PrivateKey, the host's own signer implementation.
type KeystoreAdapter struct {
	mu        sync.RWMutex
	subchains map[subchainKey]*keychain.Subchain
	contacts  map[types.Hash][]types.Hash
}

// NewKeystoreAdapter constructs an empty KeystoreAdapter; subchains
// must be registered with Register before DeriveKey/Sign can resolve
// a KeyID against them.
func NewKeystoreAdapter() *KeystoreAdapter {
	return &KeystoreAdapter{
		subchains: make(map[subchainKey]*keychain.Subchain),
		contacts:  make(map[types.Hash][]types.Hash),
	}
}

// Register associates a subaccount/kind pair with the Subchain that
// derives its keys, so later KeyID-addressed calls can resolve it.
func (a *KeystoreAdapter) Register(subaccount types.Hash, kind spvtypes.SubchainKind, sub *keychain.Subchain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subchains[subchainKey{Subaccount: subaccount, Kind: kind}] = sub
}

// RegisterContacts records the nyms visible through a payment-code
// contact hash, consulted by LookupContacts.
func (a *KeystoreAdapter) RegisterContacts(hash types.Hash, nyms []types.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contacts[hash] = nyms
}

func (a *KeystoreAdapter) lookup(id spvtypes.KeyID) (*keychain.Subchain, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sub, ok := a.subchains[subchainKey{Subaccount: id.Subaccount, Kind: id.Kind}]
	return sub, ok
}

// DeriveKey returns the compressed public key for id.
func (a *KeystoreAdapter) DeriveKey(id spvtypes.KeyID) ([]byte, error) {
	sub, ok := a.lookup(id)
	if !ok {
		return nil, fmt.Errorf("adapters: no subchain registered for %s", id)
	}
	hd, err := sub.DeriveKey(id.ChildIndex)
	if err != nil {
		return nil, fmt.Errorf("adapters: derive key %s: %w", id, err)
	}
	return hd.PublicKeyBytes(), nil
}

// Sign produces a signature over sighash using the private key id
// resolves to.
func (a *KeystoreAdapter) Sign(id spvtypes.KeyID, sighash []byte) ([]byte, error) {
	sub, ok := a.lookup(id)
	if !ok {
		return nil, fmt.Errorf("adapters: no subchain registered for %s", id)
	}
	hd, err := sub.DeriveKey(id.ChildIndex)
	if err != nil {
		return nil, fmt.Errorf("adapters: derive key %s: %w", id, err)
	}
	signer, err := hd.Signer()
	if err != nil {
		return nil, fmt.Errorf("adapters: signer for %s: %w", id, err)
	}
	return signer.Sign(sighash)
}

// Owner returns the subaccount nym id's key belongs to — by
// construction, every key this adapter derives for a subaccount is
// owned by that same subaccount's nym.
func (a *KeystoreAdapter) Owner(id spvtypes.KeyID) (types.Hash, bool) {
	if _, ok := a.lookup(id); !ok {
		return types.Hash{}, false
	}
	return id.Subaccount, true
}

// LookupContacts returns the nyms associated with a payment-code
// contact hash, if any were registered.
func (a *KeystoreAdapter) LookupContacts(hash types.Hash) ([]types.Hash, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	nyms, ok := a.contacts[hash]
	return nyms, ok
}

var _ spvtypes.Keystore = (*KeystoreAdapter)(nil)
