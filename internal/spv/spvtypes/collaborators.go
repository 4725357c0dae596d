package spvtypes

import (
	"context"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// HeaderOracle is the out-of-scope collaborator providing the best
// header chain, per §6.3.
type HeaderOracle interface {
	BestHash(height int64) (types.Hash, bool)
	BestChain(from int64, limit int) ([]Position, error)
	CommonParent(tip Position) (Position, error)
	CalculateReorg(tip Position) ([]Position, error)
	LoadHeader(h types.Hash) (*block.Header, bool)
	GenesisBlockHash(chain types.ChainID) types.Hash
}

// BlockOracle provides full block payloads by hash, asynchronously.
type BlockOracle interface {
	LoadBitcoin(ctx context.Context, hash types.Hash) (*block.Block, error)
	Tip() Position
}

// Mempool is the out-of-scope collaborator holding unconfirmed
// transactions.
type Mempool interface {
	Dump() []types.Hash
	Query(txid types.Hash) (*tx.Transaction, bool)
	Subscribe() <-chan *tx.Transaction
}

// Keystore is the out-of-scope collaborator doing key derivation,
// script construction, signing, and contact lookup.
type Keystore interface {
	DeriveKey(id KeyID) (pubKey []byte, err error)
	Sign(id KeyID, sighash []byte) (signature []byte, err error)
	Owner(id KeyID) (nym types.Hash, ok bool)
	LookupContacts(hash types.Hash) ([]types.Hash, bool)
}
