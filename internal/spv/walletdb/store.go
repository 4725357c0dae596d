// Package walletdb implements the Wallet Database (component E):
// three sub-stores (subchain, output, proposal) sharing one
// transactional backing store. All mutations within an operation are
// batched into a single storage.Batch and either fully commit or
// fully roll back, per §4.5.
package walletdb

import (
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

// Store owns the shared backing DB and the three sub-stores. Grounded
// directly on internal/utxo/store.go's single-DB, prefixed-key
// convention, generalized from one flat table into three namespaces.
type Store struct {
	db storage.DB

	Subchain *SubchainStore
	Output   *OutputStore
	Proposal *ProposalStore
}

// New wires the three sub-stores over one shared db. The db must also
// implement storage.Batcher (BadgerDB and MemoryDB both do) so
// multi-table operations can commit atomically.
func New(db storage.DB) *Store {
	logger := log.WithComponent("spv.walletdb")
	s := &Store{db: db}
	s.Subchain = newSubchainStore(db, logger)
	s.Output = newOutputStore(db, logger)
	s.Proposal = newProposalStore(db, logger)
	return s
}

// batcher returns the shared db's Batcher, or nil if it doesn't
// support atomic batches (in which case callers fall back to
// sequential single-key writes — still correct, just not atomic
// across a failure mid-operation).
func batcher(db storage.DB) storage.Batcher {
	b, ok := db.(storage.Batcher)
	if !ok {
		return nil
	}
	return b
}
