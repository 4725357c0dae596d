package proposal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// noResolver is a KeyResolver that is never consulted because these
// tests stop short of SignInputs (exercised instead, end to end, by
// internal/spv/coordinator's TestCoordinator_SendFundsFromConfirmedUTXOs).
type noResolver struct{}

func (noResolver) Subchain(spvtypes.KeyID) (*keychain.Subchain, bool) { return nil, false }

func testBuilderEnv(t *testing.T) (*walletdb.Store, *keychain.Subchain, spvtypes.SubchainIndex, types.Hash) {
	t.Helper()
	store := walletdb.New(storage.NewMemory())
	subaccount := crypto.Hash([]byte("subaccount-1"))

	seed := bytes.Repeat([]byte{0x0a}, wallet.SeedSize)
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	index := spvtypes.NewSubchainIndex(subaccount, spvtypes.SubchainInternal, spvtypes.FilterBasicBIP158, 0)
	sub, err := keychain.NewSubchain(index, spvtypes.SubchainInternal, master, 0, wallet.ChangeInternal,
		[]keychain.ScriptForm{keychain.ScriptP2WPKH})
	if err != nil {
		t.Fatalf("NewSubchain: %v", err)
	}
	if _, err := store.Subchain.GetOrCreateIndex(subaccount, spvtypes.SubchainInternal, spvtypes.FilterBasicBIP158, 0); err != nil {
		t.Fatalf("GetOrCreateIndex: %v", err)
	}
	return store, sub, index, subaccount
}

func seedConfirmedUTXO(t *testing.T, store *walletdb.Store, nym types.Hash, value uint64, seed string) spvtypes.Outpoint {
	t.Helper()
	op := spvtypes.Outpoint{TxID: crypto.Hash([]byte(seed)), Index: 0}
	if err := store.Output.AddConfirmedTransactions(1, []walletdb.NewOutput{
		{Outpoint: op, Nym: nym, Value: value, Script: []byte(seed + "-script")},
	}, nil); err != nil {
		t.Fatalf("seed utxo %s: %v", seed, err)
	}
	return op
}

func candidatesFromStore(t *testing.T, store *walletdb.Store, nym types.Hash) []*walletdb.Output {
	t.Helper()
	outs, err := store.Output.ByNym(nym)
	if err != nil {
		t.Fatalf("ByNym: %v", err)
	}
	var candidates []*walletdb.Output
	for _, o := range outs {
		if o.State == spvtypes.TxoConfirmedNew {
			candidates = append(candidates, o)
		}
	}
	return candidates
}

func TestBuilder_FundsFromLargestUTXOsFirstAndLeavesRestSpendable(t *testing.T) {
	store, changeSub, changeIdx, subaccount := testBuilderEnv(t)
	nym := subaccount
	seedConfirmedUTXO(t, store, nym, 10_000, "utxo-10k")
	seedConfirmedUTXO(t, store, nym, 20_000, "utxo-20k")
	seedConfirmedUTXO(t, store, nym, 30_000, "utxo-30k")

	id := crypto.Hash([]byte("proposal-1"))
	policy := Policy{FeeRatePerVByte: 2, DustThreshold: 546, ChangeForm: keychain.ScriptP2WPKH}
	b := NewBuilder(id, store, noResolver{}, subaccount, changeSub, changeIdx, policy)

	if err := b.CreateOutputs([]Recipient{{Script: []byte("recipient-script"), Value: 35_000}}); err != nil {
		t.Fatalf("CreateOutputs: %v", err)
	}

	candidates := candidatesFromStore(t, store, nym)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidate UTXOs, got %d", len(candidates))
	}
	if err := b.AddInput(candidates); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if len(b.selected) != 2 {
		t.Fatalf("expected 2 UTXOs selected (largest-first), got %d", len(b.selected))
	}
	if b.inputTotal != 50_000 {
		t.Fatalf("expected 30k+20k=50000 reserved, got %d", b.inputTotal)
	}

	if err := b.AddChange(); err != nil {
		t.Fatalf("AddChange: %v", err)
	}
	if b.changeOut == nil {
		t.Fatal("expected a change output above dust")
	}
	remaining := candidatesFromStore(t, store, nym)
	if len(remaining) != 1 || remaining[0].Value != 10_000 {
		t.Fatalf("expected the 10k UTXO to remain confirmed-new and unreserved, got %v", remaining)
	}
}

func TestBuilder_InsufficientFundsReleasesNothingReserved(t *testing.T) {
	store, changeSub, changeIdx, subaccount := testBuilderEnv(t)
	nym := subaccount
	seedConfirmedUTXO(t, store, nym, 10_000, "utxo-only")

	id := crypto.Hash([]byte("proposal-2"))
	policy := DefaultPolicy()
	b := NewBuilder(id, store, noResolver{}, subaccount, changeSub, changeIdx, policy)
	if err := b.CreateOutputs([]Recipient{{Script: []byte("recipient-script"), Value: 35_000}}); err != nil {
		t.Fatalf("CreateOutputs: %v", err)
	}

	candidates := candidatesFromStore(t, store, nym)
	err := b.AddInput(candidates)
	if err == nil {
		t.Fatal("expected insufficient-funds error")
	}
	if !errors.Is(err, spvtypes.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := b.ReleaseKeys(); err != nil {
		t.Fatalf("ReleaseKeys: %v", err)
	}
	remaining := candidatesFromStore(t, store, nym)
	if len(remaining) != 1 {
		t.Fatalf("expected the single UTXO to be released back to confirmed-new, got %d", len(remaining))
	}
}

func TestBuilder_CreateOutputsRejectsDustAndEmptyScript(t *testing.T) {
	store, changeSub, changeIdx, subaccount := testBuilderEnv(t)
	id := crypto.Hash([]byte("proposal-3"))
	b := NewBuilder(id, store, noResolver{}, subaccount, changeSub, changeIdx, DefaultPolicy())

	if err := b.CreateOutputs([]Recipient{{Script: nil, Value: 10_000}}); !errors.Is(err, spvtypes.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient for empty script, got %v", err)
	}
	if err := b.CreateOutputs([]Recipient{{Script: []byte("s"), Value: 1}}); !errors.Is(err, spvtypes.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient for dust value, got %v", err)
	}
}
