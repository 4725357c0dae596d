package keychain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

// Subchain is one HD addressing dimension of a subaccount: a single
// (subaccount, kind) pair derives an unbounded stream of child keys,
// each registered as a filter pattern. Distinct from the host chain's
// own internal/subchain package (an L2 sidechain concept) despite the
// name collision with the upstream specification's terminology.
type Subchain struct {
	Index   spvtypes.SubchainIndex
	Kind    spvtypes.SubchainKind
	Forms   []ScriptForm
	account *wallet.HDKey // derived at m/44'/coin'/account'/change
}

// NewSubchain derives this addressing dimension's key from master at
// m/44'/coin'/account'/change (account is hardened here) and wraps
// it. change follows the BIP-44 convention
// (wallet.ChangeExternal / wallet.ChangeInternal); forms lists which
// script templates this subchain's filter elements should cover.
func NewSubchain(index spvtypes.SubchainIndex, kind spvtypes.SubchainKind, master *wallet.HDKey, account, change uint32, forms []ScriptForm) (*Subchain, error) {
	changeKey, err := master.DerivePath(wallet.PurposeBIP44, wallet.CoinTypeKlingnet, bip32.FirstHardenedChild+account, change)
	if err != nil {
		return nil, fmt.Errorf("spv: derive subchain change key: %w", err)
	}
	return &Subchain{Index: index, Kind: kind, Forms: forms, account: changeKey}, nil
}

// DeriveKey returns the HD key at this subchain's childIndex.
func (s *Subchain) DeriveKey(childIndex uint32) (*wallet.HDKey, error) {
	key, err := s.account.DeriveChild(childIndex)
	if err != nil {
		return nil, fmt.Errorf("spv: derive subchain child %d: %w", childIndex, err)
	}
	return key, nil
}

// Elements derives the child key at childIndex and returns one filter
// element per registered script form, plus the KeyID identifying the
// underlying key (for the Output table's secondary index).
func (s *Subchain) Elements(subaccount types.Hash, childIndex uint32) ([][]byte, spvtypes.KeyID, error) {
	key, err := s.DeriveKey(childIndex)
	if err != nil {
		return nil, spvtypes.KeyID{}, err
	}
	pub := key.PublicKeyBytes()
	elements := make([][]byte, 0, len(s.Forms))
	for _, form := range s.Forms {
		elements = append(elements, ScriptFor(form, pub))
	}
	keyID := spvtypes.KeyID{Subaccount: subaccount, Kind: s.Kind, ChildIndex: childIndex}
	return elements, keyID, nil
}
