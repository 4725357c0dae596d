package walletdb

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) spvtypes.Outpoint {
	return spvtypes.Outpoint{TxID: crypto.Hash([]byte(data)), Index: index}
}

func TestSubchainStore_GetOrCreateIndexIsDeterministic(t *testing.T) {
	s := testStore(t)
	sub := crypto.Hash([]byte("subaccount-1"))

	idx1, err := s.Subchain.GetOrCreateIndex(sub, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)
	if err != nil {
		t.Fatalf("GetOrCreateIndex: %v", err)
	}
	idx2, err := s.Subchain.GetOrCreateIndex(sub, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)
	if err != nil {
		t.Fatalf("GetOrCreateIndex: %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("expected same index on repeat call, got %s and %s", idx1, idx2)
	}

	idxOther, err := s.Subchain.GetOrCreateIndex(sub, spvtypes.SubchainInternal, spvtypes.FilterBasicBIP158, 0)
	if err != nil {
		t.Fatalf("GetOrCreateIndex: %v", err)
	}
	if idx1 == idxOther {
		t.Fatal("different subchain kinds must not collide")
	}
}

func TestSubchainStore_AddElementsAndGetPatterns(t *testing.T) {
	s := testStore(t)
	sub := crypto.Hash([]byte("subaccount-1"))
	idx, err := s.Subchain.GetOrCreateIndex(sub, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)
	if err != nil {
		t.Fatalf("GetOrCreateIndex: %v", err)
	}

	elements := [][]byte{[]byte("script-0"), []byte("script-1"), []byte("script-2")}
	if err := s.Subchain.AddElements(idx, 0, elements); err != nil {
		t.Fatalf("AddElements: %v", err)
	}

	patterns, err := s.Subchain.GetPatterns(idx)
	if err != nil {
		t.Fatalf("GetPatterns: %v", err)
	}
	if len(patterns) != 3 {
		t.Fatalf("expected 3 patterns, got %d", len(patterns))
	}

	last, err := s.Subchain.LastIndexedChild(idx)
	if err != nil {
		t.Fatalf("LastIndexedChild: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last indexed child 3, got %d", last)
	}

	untested, err := s.Subchain.GetUntestedPatterns(idx, 2)
	if err != nil {
		t.Fatalf("GetUntestedPatterns: %v", err)
	}
	if len(untested) != 1 {
		t.Fatalf("expected 1 untested pattern at or after child 2, got %d", len(untested))
	}
}

func TestSubchainStore_LastScannedAndReorg(t *testing.T) {
	s := testStore(t)
	sub := crypto.Hash([]byte("subaccount-1"))
	idx, _ := s.Subchain.GetOrCreateIndex(sub, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)

	if _, ok, _ := s.Subchain.GetLastScanned(idx); ok {
		t.Fatal("expected no last_scanned before first scan")
	}
	if err := s.Subchain.SetLastScanned(idx, 100); err != nil {
		t.Fatalf("SetLastScanned: %v", err)
	}
	pid := spvtypes.NewPatternID(idx, 0)
	if err := s.Subchain.RecordMatch(idx, 95, pid); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	if err := s.Subchain.Reorg(idx, 90); err != nil {
		t.Fatalf("Reorg: %v", err)
	}
	last, ok, err := s.Subchain.GetLastScanned(idx)
	if err != nil || !ok {
		t.Fatalf("GetLastScanned after reorg: %v, ok=%v", err, ok)
	}
	if last != 90 {
		t.Fatalf("expected last_scanned clamped to 90, got %d", last)
	}
}

func TestOutputStore_ConfirmSpendAndIndexes(t *testing.T) {
	s := testStore(t)
	nym := crypto.Hash([]byte("nym-1"))
	sub := crypto.Hash([]byte("subaccount-1"))
	key := spvtypes.KeyID{Subaccount: sub, Kind: spvtypes.SubchainExternal, ChildIndex: 0}
	op := makeOutpoint("tx1", 0)

	err := s.Output.AddConfirmedTransactions(10, []NewOutput{{
		Outpoint: op, Nym: nym, Key: key, Value: 5000, Script: []byte("script"),
	}}, nil)
	if err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}

	got, err := s.Output.Get(op)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != spvtypes.TxoConfirmedNew {
		t.Fatalf("expected confirmed-new, got %s", got.State)
	}

	byNym, err := s.Output.ByNym(nym)
	if err != nil || len(byNym) != 1 {
		t.Fatalf("ByNym: got %d outputs, err %v", len(byNym), err)
	}
	byState, err := s.Output.ByState(spvtypes.TxoConfirmedNew)
	if err != nil || len(byState) != 1 {
		t.Fatalf("ByState: got %d outputs, err %v", len(byState), err)
	}

	if err := s.Output.AddConfirmedTransactions(11, nil, []spvtypes.Outpoint{op}); err != nil {
		t.Fatalf("AddConfirmedTransactions (spend): %v", err)
	}
	got, _ = s.Output.Get(op)
	if got.State != spvtypes.TxoConfirmedSpend {
		t.Fatalf("expected confirmed-spend after spend, got %s", got.State)
	}
	stillByState, _ := s.Output.ByState(spvtypes.TxoConfirmedNew)
	if len(stillByState) != 0 {
		t.Fatalf("expected 0 confirmed-new after spend, got %d", len(stillByState))
	}
}

func TestOutputStore_ReserveAndCancelProposal(t *testing.T) {
	s := testStore(t)
	nym := crypto.Hash([]byte("nym-1"))
	sub := crypto.Hash([]byte("subaccount-1"))
	key := spvtypes.KeyID{Subaccount: sub, Kind: spvtypes.SubchainExternal, ChildIndex: 1}
	op := makeOutpoint("tx3", 0)
	proposalID := crypto.Hash([]byte("proposal-1"))

	if err := s.Output.AddConfirmedTransactions(5, []NewOutput{{Outpoint: op, Nym: nym, Key: key, Value: 1000}}, nil); err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}
	if err := s.Output.ReserveUTXO(op, proposalID); err != nil {
		t.Fatalf("ReserveUTXO: %v", err)
	}
	got, _ := s.Output.Get(op)
	if got.State != spvtypes.TxoReserved {
		t.Fatalf("expected reserved, got %s", got.State)
	}

	if err := s.Output.CancelProposal([]spvtypes.Outpoint{op}); err != nil {
		t.Fatalf("CancelProposal: %v", err)
	}
	got, _ = s.Output.Get(op)
	if got.State != spvtypes.TxoConfirmedNew {
		t.Fatalf("expected restored to confirmed-new after cancel, got %s", got.State)
	}
	if got.ProposalID != nil {
		t.Fatal("expected proposal id cleared after cancel")
	}
}

func TestOutputStore_ReorgRevertsSpendAndCreation(t *testing.T) {
	s := testStore(t)
	nym := crypto.Hash([]byte("nym-1"))
	op1 := makeOutpoint("tx4", 0)
	op2 := makeOutpoint("tx5", 0)

	if err := s.Output.AddConfirmedTransactions(10, []NewOutput{{Outpoint: op1, Nym: nym}}, nil); err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}
	if err := s.Output.AddConfirmedTransactions(20, []NewOutput{{Outpoint: op2, Nym: nym}}, []spvtypes.Outpoint{op1}); err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}

	if err := s.Output.ReorgTo(15); err != nil {
		t.Fatalf("ReorgTo: %v", err)
	}

	got1, _ := s.Output.Get(op1)
	if got1.State != spvtypes.TxoConfirmedNew {
		t.Fatalf("expected op1 un-spent back to confirmed-new, got %s", got1.State)
	}
	got2, _ := s.Output.Get(op2)
	if got2.State != spvtypes.TxoOrphanedNew {
		t.Fatalf("expected op2 (created above reorg height) orphaned, got %s", got2.State)
	}
}

func TestProposalStore_AddLoadAndCompleted(t *testing.T) {
	s := testStore(t)
	id := crypto.Hash([]byte("proposal-1"))
	op := makeOutpoint("tx6", 0)

	p := &Proposal{ID: id, ReservedOutputs: []types.Outpoint{op}, State: ProposalDraft}
	if err := s.Proposal.AddProposal(p); err != nil {
		t.Fatalf("AddProposal: %v", err)
	}

	loaded, err := s.Proposal.LoadProposal(id)
	if err != nil || loaded == nil {
		t.Fatalf("LoadProposal: %v", err)
	}
	if loaded.State != ProposalDraft {
		t.Fatalf("expected draft, got %s", loaded.State)
	}

	loaded.State = ProposalBroadcast
	if err := s.Proposal.AddProposal(loaded); err != nil {
		t.Fatalf("AddProposal (update): %v", err)
	}

	completed, err := s.Proposal.CompletedProposals()
	if err != nil {
		t.Fatalf("CompletedProposals: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != id {
		t.Fatalf("expected 1 completed proposal matching id, got %v", completed)
	}
}
