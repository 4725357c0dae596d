package adapters

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// MempoolAdapter implements spvtypes.Mempool over a live
// internal/mempool.Pool. Pool itself has no subscription hook (it's
// driven synchronously by the node's tx-relay and RPC submit paths),
// so this adapter owns its own fan-out, following the same
// publish-side pattern internal/spv/filter.EventBridge uses for
// cross-component tip events: the host calls Notify wherever it
// already calls Pool.Add, and every subscriber gets a copy.
type MempoolAdapter struct {
	pool *mempool.Pool

	mu   sync.Mutex
	subs []chan *tx.Transaction
}

// NewMempoolAdapter wraps pool as a spvtypes.Mempool.
func NewMempoolAdapter(pool *mempool.Pool) *MempoolAdapter {
	return &MempoolAdapter{pool: pool}
}

// Dump returns every transaction hash currently held in the pool.
func (a *MempoolAdapter) Dump() []types.Hash {
	return a.pool.Hashes()
}

// Query looks up a transaction by hash.
func (a *MempoolAdapter) Query(txid types.Hash) (*tx.Transaction, bool) {
	t := a.pool.Get(txid)
	return t, t != nil
}

// Subscribe returns a channel that receives every transaction accepted
// via Notify after the call. The channel is buffered; a slow consumer
// drops events rather than blocking the notifier.
func (a *MempoolAdapter) Subscribe() <-chan *tx.Transaction {
	ch := make(chan *tx.Transaction, 64)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

// Notify fans a newly accepted transaction out to every subscriber.
// Call this wherever the host's relay/RPC path calls Pool.Add.
func (a *MempoolAdapter) Notify(t *tx.Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

var _ spvtypes.Mempool = (*MempoolAdapter)(nil)
