package keychain

import (
	"bytes"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testMaster(t *testing.T) *wallet.HDKey {
	t.Helper()
	seed := bytes.Repeat([]byte{0x07}, wallet.SeedSize)
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return master
}

func TestSubchainElementsDeterministic(t *testing.T) {
	master := testMaster(t)
	subaccount := crypto.Hash([]byte("subaccount-1"))
	index := spvtypes.NewSubchainIndex(subaccount, spvtypes.SubchainExternal, spvtypes.FilterBasicBIP158, 0)

	sc, err := NewSubchain(index, spvtypes.SubchainExternal, master, 0, wallet.ChangeExternal, []ScriptForm{ScriptP2PKH, ScriptP2WPKH})
	if err != nil {
		t.Fatalf("NewSubchain: %v", err)
	}

	elems1, key1, err := sc.Elements(subaccount, 0)
	if err != nil {
		t.Fatalf("Elements: %v", err)
	}
	elems2, key2, err := sc.Elements(subaccount, 0)
	if err != nil {
		t.Fatalf("Elements: %v", err)
	}
	if len(elems1) != 2 {
		t.Fatalf("expected 2 script forms, got %d", len(elems1))
	}
	if !bytes.Equal(elems1[0], elems2[0]) || !bytes.Equal(elems1[1], elems2[1]) {
		t.Fatal("expected deterministic derivation for repeat calls")
	}
	if key1 != key2 {
		t.Fatal("expected same key id for repeat calls")
	}
	if key1.ChildIndex != 0 || key1.Kind != spvtypes.SubchainExternal {
		t.Fatalf("unexpected key id: %+v", key1)
	}

	other, _, err := sc.Elements(subaccount, 1)
	if err != nil {
		t.Fatalf("Elements(childIndex=1): %v", err)
	}
	if bytes.Equal(elems1[0], other[0]) {
		t.Fatal("different child indexes must derive different scripts")
	}
}

func TestScriptForms(t *testing.T) {
	pub := bytes.Repeat([]byte{0x02}, 33)
	p2pk := ScriptFor(ScriptP2PK, pub)
	p2pkh := ScriptFor(ScriptP2PKH, pub)
	p2wpkh := ScriptFor(ScriptP2WPKH, pub)
	p2shwpkh := ScriptFor(ScriptP2SHWPKH, pub)

	if len(p2pk) != 35 {
		t.Errorf("p2pk length = %d, want 35", len(p2pk))
	}
	if len(p2pkh) != 25 {
		t.Errorf("p2pkh length = %d, want 25", len(p2pkh))
	}
	if len(p2wpkh) != 22 {
		t.Errorf("p2wpkh length = %d, want 22", len(p2wpkh))
	}
	if len(p2shwpkh) != 23 {
		t.Errorf("p2sh-wpkh length = %d, want 23", len(p2shwpkh))
	}
	if p2pkh[0] != opDup || p2pkh[1] != opHash160 {
		t.Error("p2pkh script must start OP_DUP OP_HASH160")
	}
}

func TestNotificationCache(t *testing.T) {
	c := NewNotificationCache()
	id := spvtypes.KeyID{Subaccount: types.Hash{0x01}, Kind: spvtypes.SubchainNotification, ChildIndex: 3}

	if _, ok := c.Get(id); ok {
		t.Fatal("expected empty cache miss")
	}
	c.Put(id, []byte("element"))
	v, ok := c.Get(id)
	if !ok || string(v) != "element" {
		t.Fatalf("expected cached element, got %q ok=%v", v, ok)
	}
	c.Forget(id)
	if _, ok := c.Get(id); ok {
		t.Fatal("expected cache miss after Forget")
	}
}
