package adapters

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ChainBlockOracle implements spvtypes.BlockOracle over a live
// internal/chain.Chain, used by the Filter Oracle's BlockIndexer when
// the host already stores full blocks locally rather than relying on
// peer-served compact filters.
type ChainBlockOracle struct {
	chain *chain.Chain
}

// NewChainBlockOracle wraps chain as a spvtypes.BlockOracle.
func NewChainBlockOracle(c *chain.Chain) *ChainBlockOracle {
	return &ChainBlockOracle{chain: c}
}

// LoadBitcoin loads the full block for hash from the chain's own
// block store. ctx is accepted to satisfy the interface boundary
// (peer-backed implementations need it for cancellation); the local
// store lookup is synchronous.
func (a *ChainBlockOracle) LoadBitcoin(ctx context.Context, hash types.Hash) (*block.Block, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	blk, err := a.chain.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("adapters: load block %s: %w", hash, err)
	}
	return blk, nil
}

// Tip returns the chain's current best position.
func (a *ChainBlockOracle) Tip() spvtypes.Position {
	return spvtypes.Position{Height: int64(a.chain.Height()), Hash: a.chain.TipHash()}
}

var _ spvtypes.BlockOracle = (*ChainBlockOracle)(nil)
