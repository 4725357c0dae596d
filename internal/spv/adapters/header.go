// Package adapters binds the SPV engine's collaborator interfaces
// (spvtypes.HeaderOracle, BlockOracle, Mempool, Keystore) to this
// host's existing internal/chain, internal/mempool, internal/p2p, and
// pkg/crypto packages, the way a production deployment would wire
// them — the rest of internal/spv only ever depends on the abstract
// interfaces, and everything in this package stays a thin adapter: no
// chain, mempool, or consensus logic lives here.
package adapters

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ChainHeaderOracle implements spvtypes.HeaderOracle over a live
// internal/chain.Chain, the host's own best-chain state machine.
type ChainHeaderOracle struct {
	chain *chain.Chain
}

// NewChainHeaderOracle wraps chain as a spvtypes.HeaderOracle.
func NewChainHeaderOracle(c *chain.Chain) *ChainHeaderOracle {
	return &ChainHeaderOracle{chain: c}
}

// BestHash returns the best-chain block hash at height.
func (a *ChainHeaderOracle) BestHash(height int64) (types.Hash, bool) {
	if height < 0 {
		return types.Hash{}, false
	}
	blk, err := a.chain.GetBlockByHeight(uint64(height))
	if err != nil {
		return types.Hash{}, false
	}
	return blk.Hash(), true
}

// BestChain returns up to limit consecutive positions starting at
// from, following the chain's own height index.
func (a *ChainHeaderOracle) BestChain(from int64, limit int) ([]spvtypes.Position, error) {
	if from < 0 || limit <= 0 {
		return nil, nil
	}
	tip := int64(a.chain.Height())
	positions := make([]spvtypes.Position, 0, limit)
	for h := from; h <= tip && len(positions) < limit; h++ {
		blk, err := a.chain.GetBlockByHeight(uint64(h))
		if err != nil {
			return nil, fmt.Errorf("adapters: best chain block at %d: %w", h, err)
		}
		positions = append(positions, spvtypes.Position{Height: h, Hash: blk.Hash()})
	}
	return positions, nil
}

// CommonParent walks back from the chain's current tip until it finds
// a height whose block hash matches tip's branch, or the chain's
// height falls below tip — the Go translation of the checkpoint/
// common-ancestor rollback idiom internal/chain/reorg.go already
// implements for its own fork resolution.
func (a *ChainHeaderOracle) CommonParent(tip spvtypes.Position) (spvtypes.Position, error) {
	if tip.IsBlank() {
		return tip, nil
	}
	height := tip.Height
	if chainHeight := int64(a.chain.Height()); height > chainHeight {
		height = chainHeight
	}
	for height >= 0 {
		blk, err := a.chain.GetBlockByHeight(uint64(height))
		if err != nil {
			return spvtypes.Blank, fmt.Errorf("adapters: common parent block at %d: %w", height, err)
		}
		hash := blk.Hash()
		if height != tip.Height || hash == tip.Hash {
			return spvtypes.Position{Height: height, Hash: hash}, nil
		}
		height--
	}
	return spvtypes.Blank, nil
}

// CalculateReorg returns the positions that would need rewinding to
// reconcile tip with the chain's current best branch.
func (a *ChainHeaderOracle) CalculateReorg(tip spvtypes.Position) ([]spvtypes.Position, error) {
	common, err := a.CommonParent(tip)
	if err != nil {
		return nil, err
	}
	if common.Height >= tip.Height {
		return nil, nil
	}
	var reverted []spvtypes.Position
	for h := tip.Height; h > common.Height; h-- {
		blk, err := a.chain.GetBlockByHeight(uint64(h))
		if err != nil {
			break
		}
		reverted = append(reverted, spvtypes.Position{Height: h, Hash: blk.Hash()})
	}
	return reverted, nil
}

// LoadHeader returns the header of the block identified by hash.
func (a *ChainHeaderOracle) LoadHeader(hash types.Hash) (*block.Header, bool) {
	blk, err := a.chain.GetBlock(hash)
	if err != nil {
		return nil, false
	}
	return blk.Header, true
}

// GenesisBlockHash returns the hash of the chain's genesis block.
func (a *ChainHeaderOracle) GenesisBlockHash(types.ChainID) types.Hash {
	blk, err := a.chain.GetBlockByHeight(0)
	if err != nil {
		return types.Hash{}
	}
	return blk.Hash()
}

var _ spvtypes.HeaderOracle = (*ChainHeaderOracle)(nil)
