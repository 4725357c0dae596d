package coordinator

import (
	"context"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/gcs"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/proposal"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// fakeFilters is a scanner.FilterSource test double that never has a
// filter cached, so no Subchain scanner ticks will find work.
type fakeFilters struct{}

func (fakeFilters) FilterAt(int64) (*gcs.Filter, bool) { return nil, false }
func (fakeFilters) Tip() spvtypes.Position             { return spvtypes.Blank }

// fakeHeaders/fakeBlocks are minimal spvtypes.HeaderOracle/BlockOracle
// doubles sufficient to construct a Coordinator; they are never
// exercised by these tests since no scanner Cycle runs synchronously.
type fakeHeaders struct{}

func (fakeHeaders) BestHash(int64) (types.Hash, bool)        { return types.Hash{}, false }
func (fakeHeaders) BestChain(int64, int) ([]spvtypes.Position, error) { return nil, nil }
func (fakeHeaders) CommonParent(spvtypes.Position) (spvtypes.Position, error) {
	return spvtypes.Blank, nil
}
func (fakeHeaders) CalculateReorg(spvtypes.Position) ([]spvtypes.Position, error) { return nil, nil }
func (fakeHeaders) LoadHeader(types.Hash) (*block.Header, bool)                  { return nil, false }
func (fakeHeaders) GenesisBlockHash(types.ChainID) types.Hash                    { return types.Hash{} }

type fakeBlocks struct{}

func (fakeBlocks) LoadBitcoin(context.Context, types.Hash) (*block.Block, error) { return nil, nil }
func (fakeBlocks) Tip() spvtypes.Position                                       { return spvtypes.Blank }

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store := walletdb.New(storage.NewMemory())
	return New(Config{
		Chain:     types.ChainID{0x01},
		Store:     store,
		Filters:   fakeFilters{},
		Headers:   fakeHeaders{},
		Blocks:    fakeBlocks{},
		FilterTyp: spvtypes.FilterBasicBIP158,
	})
}

func testMaster(t *testing.T) *wallet.HDKey {
	t.Helper()
	seed := make([]byte, wallet.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return master
}

func TestCoordinator_BalanceAggregatesByState(t *testing.T) {
	c := testCoordinator(t)
	nym := crypto.Hash([]byte("nym-1"))
	sub := crypto.Hash([]byte("subaccount-1"))
	key := spvtypes.KeyID{Subaccount: sub, Kind: spvtypes.SubchainExternal, ChildIndex: 0}

	confirmed := spvtypes.Outpoint{TxID: crypto.Hash([]byte("tx1")), Index: 0}
	if err := c.store.Output.AddConfirmedTransactions(10, []walletdb.NewOutput{
		{Outpoint: confirmed, Nym: nym, Key: key, Value: 5000},
	}, nil); err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}

	unconfirmed := spvtypes.Outpoint{TxID: crypto.Hash([]byte("tx2")), Index: 0}
	if err := c.store.Output.AddMempoolTransaction([]walletdb.NewOutput{
		{Outpoint: unconfirmed, Nym: nym, Key: key, Value: 2000},
	}, nil); err != nil {
		t.Fatalf("AddMempoolTransaction: %v", err)
	}

	bal, err := c.Balance(nym)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Confirmed != 5000 {
		t.Fatalf("expected confirmed 5000, got %d", bal.Confirmed)
	}
	if bal.Unconfirmed != 2000 {
		t.Fatalf("expected unconfirmed 2000, got %d", bal.Unconfirmed)
	}

	outs, err := c.Outputs(nym)
	if err != nil || len(outs) != 2 {
		t.Fatalf("Outputs: got %d, err %v", len(outs), err)
	}
}

func TestCoordinator_SendFundsFromConfirmedUTXOs(t *testing.T) {
	c := testCoordinator(t)
	master := testMaster(t)
	nym := crypto.Hash([]byte("nym-1"))
	subaccount := crypto.Hash([]byte("subaccount-1"))

	c.RegisterNym(nym, master)
	ctx := context.Background()
	if err := c.HandleNewSubaccount(ctx, nym, subaccount, 0); err != nil {
		t.Fatalf("HandleNewSubaccount: %v", err)
	}

	acc, ok := c.nym(nym)
	if !ok {
		t.Fatal("expected nym registered")
	}
	extSub, extIdx, ok := acc.ChangeSubchain(subaccount)
	_ = extSub
	if !ok {
		t.Fatal("expected internal subchain present")
	}

	key := spvtypes.KeyID{Subaccount: subaccount, Kind: spvtypes.SubchainExternal, ChildIndex: 0}
	// The funding output must pay a script the wallet can sign for: the
	// external subchain's first-form script for child 0.
	fundingSub, ok := acc.Subchain(key)
	if !ok {
		t.Fatal("expected external subchain present")
	}
	fundingScripts, _, err := fundingSub.Elements(subaccount, 0)
	if err != nil {
		t.Fatalf("Elements: %v", err)
	}
	op := spvtypes.Outpoint{TxID: crypto.Hash([]byte("funding-tx")), Index: 0}
	if err := c.store.Output.AddConfirmedTransactions(1, []walletdb.NewOutput{
		{Outpoint: op, Subchain: extIdx, Nym: nym, Key: key, Value: 100_000, Script: fundingScripts[0]},
	}, nil); err != nil {
		t.Fatalf("seed funding utxo: %v", err)
	}

	txid, err := c.Send(nym, subaccount, []proposal.Recipient{
		{Script: []byte("recipient-script"), Value: 50_000},
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if txid.IsZero() {
		t.Fatal("expected non-zero txid")
	}

	bal, err := c.SubaccountBalance(nym, subaccount)
	if err != nil {
		t.Fatalf("SubaccountBalance: %v", err)
	}
	if bal.Confirmed != 0 {
		t.Fatalf("expected funding utxo no longer confirmed-spendable, got %d", bal.Confirmed)
	}

	acc.Stop()
}

func TestCoordinator_EscalateReorgFailureShutsDown(t *testing.T) {
	c := testCoordinator(t)
	if c.Terminated() {
		t.Fatal("expected not terminated initially")
	}
	c.EscalateReorgFailure(c.chain, types.Hash{}, context.DeadlineExceeded)
	if !c.Terminated() {
		t.Fatal("expected terminated after EscalateReorgFailure")
	}
	// A second escalation must be a no-op, not a second Shutdown panic.
	c.EscalateReorgFailure(c.chain, types.Hash{}, context.DeadlineExceeded)
}

func TestCoordinator_CancelProposalRestoresReservedUTXO(t *testing.T) {
	c := testCoordinator(t)
	nym := crypto.Hash([]byte("nym-1"))
	op := spvtypes.Outpoint{TxID: crypto.Hash([]byte("tx1")), Index: 0}
	proposalID := crypto.Hash([]byte("proposal-1"))

	if err := c.store.Output.AddConfirmedTransactions(1, []walletdb.NewOutput{
		{Outpoint: op, Nym: nym, Value: 1000},
	}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.store.Output.ReserveUTXO(op, proposalID); err != nil {
		t.Fatalf("ReserveUTXO: %v", err)
	}
	if err := c.store.Proposal.AddProposal(&walletdb.Proposal{
		ID: proposalID, ReservedOutputs: []spvtypes.Outpoint{op}, State: walletdb.ProposalFinalized,
	}); err != nil {
		t.Fatalf("AddProposal: %v", err)
	}

	if err := c.CancelProposal(proposalID); err != nil {
		t.Fatalf("CancelProposal: %v", err)
	}
	got, err := c.store.Output.Get(op)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != spvtypes.TxoConfirmedNew {
		t.Fatalf("expected restored to confirmed-new, got %s", got.State)
	}
}
