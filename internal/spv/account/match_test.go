package account

import (
	"bytes"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testSubchain(t *testing.T, subaccount types.Hash) (*keychain.Subchain, spvtypes.SubchainIndex) {
	t.Helper()
	seed := bytes.Repeat([]byte{0x09}, wallet.SeedSize)
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	index := spvtypes.NewSubchainIndex(subaccount, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)
	sc, err := keychain.NewSubchain(index, spvtypes.SubchainExternal, master, 0, wallet.ChangeExternal, []keychain.ScriptForm{keychain.ScriptP2PKH})
	if err != nil {
		t.Fatalf("NewSubchain: %v", err)
	}
	return sc, index
}

func TestBuildElementIndexCoversIndexedChildren(t *testing.T) {
	subaccount := crypto.Hash([]byte("subaccount-1"))
	sc, index := testSubchain(t, subaccount)

	ei, err := buildElementIndex(subaccount, index, sc, 3)
	if err != nil {
		t.Fatalf("buildElementIndex: %v", err)
	}
	if len(ei.byElement) != 3 {
		t.Fatalf("expected 3 indexed elements (one per child), got %d", len(ei.byElement))
	}

	elems, keyID, err := sc.Elements(subaccount, 1)
	if err != nil {
		t.Fatalf("Elements: %v", err)
	}
	entry, ok := ei.byElement[string(elems[0])]
	if !ok {
		t.Fatal("expected child 1's script to be indexed")
	}
	if entry.childIndex != 1 || entry.keyID != keyID {
		t.Fatalf("unexpected entry for child 1: %+v", entry)
	}
}

func TestMatchTransactionFindsOwnedOutputAndSpend(t *testing.T) {
	subaccount := crypto.Hash([]byte("subaccount-1"))
	sc, index := testSubchain(t, subaccount)

	ei, err := buildElementIndex(subaccount, index, sc, 1)
	if err != nil {
		t.Fatalf("buildElementIndex: %v", err)
	}
	elems, _, err := sc.Elements(subaccount, 0)
	if err != nil {
		t.Fatalf("Elements: %v", err)
	}

	spentOutpoint := spvtypes.Outpoint{TxID: crypto.Hash([]byte("prior-tx")), Index: 0}
	owned := map[spvtypes.Outpoint]struct{}{spentOutpoint: {}}

	transaction := &tx.Transaction{
		Inputs: []tx.Input{{PrevOut: types.Outpoint{TxID: spentOutpoint.TxID, Index: spentOutpoint.Index}}},
		Outputs: []tx.Output{
			{Value: 1000, Script: types.Script{Data: elems[0]}},
			{Value: 2000, Script: types.Script{Data: []byte("not-ours")}},
		},
	}

	outputs, spent := ei.matchTransaction(transaction, owned)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 wallet-owned output, got %d", len(outputs))
	}
	if outputs[0].Value != 1000 || outputs[0].Outpoint.Index != 0 {
		t.Fatalf("unexpected matched output: %+v", outputs[0])
	}
	if len(spent) != 1 || spent[0] != spentOutpoint {
		t.Fatalf("expected the owned prior outpoint to be recognized as spent, got %v", spent)
	}
}

func TestMatchTransactionIgnoresUnrelatedScriptsAndInputs(t *testing.T) {
	subaccount := crypto.Hash([]byte("subaccount-1"))
	sc, index := testSubchain(t, subaccount)

	ei, err := buildElementIndex(subaccount, index, sc, 1)
	if err != nil {
		t.Fatalf("buildElementIndex: %v", err)
	}

	transaction := &tx.Transaction{
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{TxID: crypto.Hash([]byte("unrelated")), Index: 0}}},
		Outputs: []tx.Output{{Value: 500, Script: types.Script{Data: []byte("not-ours")}}},
	}

	outputs, spent := ei.matchTransaction(transaction, map[spvtypes.Outpoint]struct{}{})
	if len(outputs) != 0 || len(spent) != 0 {
		t.Fatalf("expected no matches for unrelated tx, got outputs=%v spent=%v", outputs, spent)
	}
}

func TestOwnedOutpointsFiltersByStateAndSubchain(t *testing.T) {
	store := walletdb.New(storage.NewMemory())
	nym := crypto.Hash([]byte("nym-1"))
	_, index := testSubchain(t, nym)
	other := spvtypes.NewSubchainIndex(nym, spvtypes.SubchainInternal, spvtypes.FilterBasicBIP158, 0)

	opA := spvtypes.Outpoint{TxID: crypto.Hash([]byte("a")), Index: 0}
	opB := spvtypes.Outpoint{TxID: crypto.Hash([]byte("b")), Index: 0}

	if err := store.Output.AddConfirmedTransactions(1, []walletdb.NewOutput{
		{Outpoint: opA, Nym: nym, Subchain: index, Value: 100},
		{Outpoint: opB, Nym: nym, Subchain: other, Value: 200},
	}, nil); err != nil {
		t.Fatalf("AddConfirmedTransactions: %v", err)
	}

	owned, err := ownedOutpoints(store, index)
	if err != nil {
		t.Fatalf("ownedOutpoints: %v", err)
	}
	if _, ok := owned[opA]; !ok {
		t.Fatal("expected opA (matching subchain) to be owned")
	}
	if _, ok := owned[opB]; ok {
		t.Fatal("did not expect opB (different subchain) to be owned")
	}
}
