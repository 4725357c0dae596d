package account

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// elementIndex maps a registered filter element's bytes back to the
// child index and key identity that produced it, so a deterministic
// replay of a block's (or mempool tx's) transactions can turn a
// byte-level script match into an exact wallet record. Built fresh
// per Process/mempool-match call rather than cached, since it only
// needs to cover the currently-indexed child window.
type elementIndex struct {
	subaccount types.Hash
	index      spvtypes.SubchainIndex
	byElement  map[string]elementEntry
}

type elementEntry struct {
	childIndex uint32
	keyID      spvtypes.KeyID
	patternID  spvtypes.PatternID
}

// buildElementIndex derives every script form for every indexed child
// of sub and records it keyed by the raw element bytes, the same
// construction stageIndex used to register the elements in the first
// place (keychain.Subchain.Elements).
func buildElementIndex(subaccount types.Hash, index spvtypes.SubchainIndex, sub *keychain.Subchain, lastIndexed uint32) (*elementIndex, error) {
	ei := &elementIndex{subaccount: subaccount, index: index, byElement: make(map[string]elementEntry)}
	for child := uint32(0); child < lastIndexed; child++ {
		elements, keyID, err := sub.Elements(subaccount, child)
		if err != nil {
			return nil, fmt.Errorf("spv: account element derivation for child %d: %w", child, err)
		}
		pid := spvtypes.NewPatternID(index, child)
		for _, el := range elements {
			ei.byElement[string(el)] = elementEntry{childIndex: child, keyID: keyID, patternID: pid}
		}
	}
	return ei, nil
}

// matchTransaction replays one transaction's outputs and inputs
// against the element index, producing exact wallet-owned outputs and
// spent outpoints — the deterministic confirmation step that follows
// a GCS filter hit (§4.6 stage 3) or a mempool admission (§4.7).
func (ei *elementIndex) matchTransaction(t *tx.Transaction, owned map[spvtypes.Outpoint]struct{}) (outputs []walletdb.NewOutput, spent []spvtypes.Outpoint) {
	txid := t.Hash()
	for i, out := range t.Outputs {
		entry, ok := ei.byElement[string(out.Script.Data)]
		if !ok {
			continue
		}
		outputs = append(outputs, walletdb.NewOutput{
			Outpoint: spvtypes.Outpoint{TxID: txid, Index: uint32(i)},
			Subchain: ei.index,
			Pattern:  entry.patternID,
			Key:      entry.keyID,
			Nym:      entry.keyID.Subaccount,
			Value:    out.Value,
			Script:   out.Script.Data,
		})
	}
	for _, in := range t.Inputs {
		if _, ok := owned[in.PrevOut]; ok {
			spent = append(spent, in.PrevOut)
		}
	}
	return outputs, spent
}

// ownedOutpoints returns the set of outpoints this subchain currently
// tracks as spendable, used so an input can be recognized as a wallet
// spend without needing the BCH-variant outpoint filter elements.
func ownedOutpoints(store *walletdb.Store, index spvtypes.SubchainIndex) (map[spvtypes.Outpoint]struct{}, error) {
	outs, err := store.Output.ByState(spvtypes.TxoConfirmedNew)
	if err != nil {
		return nil, err
	}
	set := make(map[spvtypes.Outpoint]struct{}, len(outs))
	for _, o := range outs {
		if o.Subchain == index {
			set[o.Outpoint] = struct{}{}
		}
	}
	return set, nil
}

// blockFetcher implements scanner.BlockFetcher for one (subaccount,
// kind) subchain: it resolves a height to a block via the header and
// block oracles, then runs the exact-match replay described above.
type blockFetcher struct {
	subaccount types.Hash
	index      spvtypes.SubchainIndex
	sub        *keychain.Subchain
	store      *walletdb.Store
	headers    spvtypes.HeaderOracle
	blocks     spvtypes.BlockOracle
}

func (f *blockFetcher) ElementsAt(ctx context.Context, height int64) ([]walletdb.NewOutput, []spvtypes.Outpoint, error) {
	hash, ok := f.headers.BestHash(height)
	if !ok {
		return nil, nil, fmt.Errorf("spv: no header at height %d", height)
	}
	b, err := f.blocks.LoadBitcoin(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("spv: load block %s: %w", hash, err)
	}
	lastIndexed, err := f.store.Subchain.LastIndexedChild(f.index)
	if err != nil {
		return nil, nil, err
	}
	ei, err := buildElementIndex(f.subaccount, f.index, f.sub, lastIndexed)
	if err != nil {
		return nil, nil, err
	}
	owned, err := ownedOutpoints(f.store, f.index)
	if err != nil {
		return nil, nil, err
	}
	var outputs []walletdb.NewOutput
	var spent []spvtypes.Outpoint
	for _, transaction := range b.Transactions {
		o, s := ei.matchTransaction(transaction, owned)
		outputs = append(outputs, o...)
		spent = append(spent, s...)
	}
	return outputs, spent, nil
}

// matchMempoolTx tests a single unconfirmed transaction against one
// subchain's pattern set — the same exact-match replay as a confirmed
// block, minus any GCS filter step, per §4.7 "no GCS involved".
func matchMempoolTx(store *walletdb.Store, sub *keychain.Subchain, subaccount types.Hash, index spvtypes.SubchainIndex, t *tx.Transaction) error {
	lastIndexed, err := store.Subchain.LastIndexedChild(index)
	if err != nil {
		return err
	}
	ei, err := buildElementIndex(subaccount, index, sub, lastIndexed)
	if err != nil {
		return err
	}
	owned, err := ownedOutpoints(store, index)
	if err != nil {
		return err
	}
	outputs, spent := ei.matchTransaction(t, owned)
	if len(outputs) == 0 && len(spent) == 0 {
		return nil
	}
	return store.Output.AddMempoolTransaction(outputs, spent)
}
