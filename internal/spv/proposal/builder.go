// Package proposal implements the Spend Proposal Builder (component
// H): selects UTXOs, constructs and signs a Bitcoin-family transaction
// from a proposal, and reserves its inputs against the wallet
// database. Grounded on internal/wallet/coinselect.go (input funding
// loop, replicated rather than reused directly since its UTXO type
// carries the host chain's typed Script rather than a raw Bitcoin
// script) and pkg/tx/transaction.go (hex-JSON, SigningBytes
// conventions), generalized to a raw-script wire shape since outpoints
// and script bytes here must round-trip exactly through the GCS
// filter / wallet DB layers built on spvtypes.Outpoint (see
// DESIGN.md).
package proposal

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Policy bounds the Builder's fee and dust behavior; the caller
// (Wallet Coordinator) supplies it per proposal rather than the
// Builder hardcoding network parameters.
type Policy struct {
	FeeRatePerVByte uint64
	DustThreshold   uint64
	ChangeForm      keychain.ScriptForm
}

// DefaultPolicy mirrors common Bitcoin-family mempool-relay defaults.
func DefaultPolicy() Policy {
	return Policy{FeeRatePerVByte: 1, DustThreshold: 546, ChangeForm: keychain.ScriptP2WPKH}
}

// Recipient is one requested proposal output.
type Recipient struct {
	Script []byte
	Value  uint64
}

// KeyResolver locates the Subchain that derived a given key, so the
// Builder can obtain a Signer for SignInputs without owning the
// keychain hierarchy itself. Implemented by internal/spv/account at
// the Accounts/Coordinator layer.
type KeyResolver interface {
	Subchain(id spvtypes.KeyID) (*keychain.Subchain, bool)
}

// Builder drives one Proposal through CreateOutputs → AddInput →
// AddChange → FinalizeOutputs/FinalizeTransaction → SignInputs, per
// §4.8. A Builder is single-use: construct one per proposal.
type Builder struct {
	store    *walletdb.Store
	resolver KeyResolver
	policy   Policy

	changeSubaccount types.Hash
	changeSubchain   *keychain.Subchain
	changeIndex      spvtypes.SubchainIndex

	id types.Hash
	tx *Tx

	target      uint64
	inputTotal  uint64
	selected    []*walletdb.Output
	changeOut   *walletdb.NewOutput
	abandoned   bool
}

// NewBuilder constructs a Builder for proposal id. changeSubaccount/
// changeSubchain/changeIndex identify where AddChange derives its
// change key from.
func NewBuilder(id types.Hash, store *walletdb.Store, resolver KeyResolver, changeSubaccount types.Hash, changeSubchain *keychain.Subchain, changeIndex spvtypes.SubchainIndex, policy Policy) *Builder {
	return &Builder{
		store:            store,
		resolver:         resolver,
		policy:           policy,
		changeSubaccount: changeSubaccount,
		changeSubchain:   changeSubchain,
		changeIndex:      changeIndex,
		id:               id,
		tx:               &Tx{Version: 2},
	}
}

// CreateOutputs accumulates the requested recipient outputs and their
// total required value (§4.8 step 1).
func (b *Builder) CreateOutputs(recipients []Recipient) error {
	for _, r := range recipients {
		if len(r.Script) == 0 {
			return fmt.Errorf("%w: empty output script", spvtypes.ErrInvalidRecipient)
		}
		if r.Value < b.policy.DustThreshold {
			return fmt.Errorf("%w: output value %d below dust threshold %d", spvtypes.ErrInvalidRecipient, r.Value, b.policy.DustThreshold)
		}
		b.tx.Outputs = append(b.tx.Outputs, Output{Value: r.Value, Script: r.Script})
		b.target += r.Value
	}
	return nil
}

// AddInput repeatedly reserves UTXOs from candidates, largest value
// first, until the reserved total covers the requested outputs plus
// the estimated fee for the transaction's current shape, reserving
// each one against the wallet database as it is chosen (§4.8 step 2).
// candidates not selected are left untouched and remain spendable.
func (b *Builder) AddInput(candidates []*walletdb.Output) error {
	sorted := make([]*walletdb.Output, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	for _, cand := range sorted {
		if b.funded() {
			break
		}
		if err := b.store.Output.ReserveUTXO(cand.Outpoint, b.id); err != nil {
			continue // not reservable (already spent/reserved elsewhere); try the next
		}
		b.tx.Inputs = append(b.tx.Inputs, Input{
			PrevOut:    cand.Outpoint,
			Sequence:   0xffffffff,
			prevScript: cand.Script,
			prevValue:  cand.Value,
		})
		b.selected = append(b.selected, cand)
		b.inputTotal += cand.Value
	}

	if !b.funded() {
		return fmt.Errorf("%w: have %d, need %d", spvtypes.ErrInsufficientFunds, b.inputTotal, b.target+b.estimatedFee())
	}
	return nil
}

// funded reports whether the currently reserved inputs cover the
// requested outputs plus the fee estimate for the transaction's
// present shape (assuming one more output for change, the
// conservative case).
func (b *Builder) funded() bool {
	if len(b.tx.Inputs) == 0 {
		return false
	}
	return b.inputTotal >= b.target+b.estimatedFee()
}

// estimatedFee estimates the fee for the inputs reserved so far plus
// one change output, at the policy's fee rate. A P2WPKH-weighted
// average input/output size is assumed; exact size is only known
// after SignInputs, when RequiredFee below can be used to verify
// instead.
func (b *Builder) estimatedFee() uint64 {
	const perInputVBytes = 68  // P2WPKH input, witness-discounted
	const perOutputVBytes = 31 // value + scriptPubKey for a 22-byte witness program
	const overheadVBytes = 11
	n := len(b.tx.Inputs)
	if n == 0 {
		n = 1
	}
	size := overheadVBytes + n*perInputVBytes + (len(b.tx.Outputs)+1)*perOutputVBytes
	return uint64(size) * b.policy.FeeRatePerVByte
}

// AddChange folds the remainder into a change output routed to the
// supplied internal subchain's next key, or into the fee if the
// remainder doesn't clear dust (§4.8 step 3).
func (b *Builder) AddChange() error {
	remainder := b.inputTotal - b.target - b.estimatedFee()
	if remainder < b.policy.DustThreshold {
		return nil // folds into fee
	}
	child, err := b.store.Subchain.LastIndexedChild(b.changeIndex)
	if err != nil {
		return fmt.Errorf("spv: next change child: %w", err)
	}
	elements, keyID, err := b.changeSubchain.Elements(b.changeSubaccount, child)
	if err != nil {
		return fmt.Errorf("spv: derive change key: %w", err)
	}
	if err := b.store.Subchain.AddElements(b.changeIndex, child, elements); err != nil {
		return fmt.Errorf("spv: register change patterns: %w", err)
	}
	formIdx := formIndex(b.changeSubchain.Forms, b.policy.ChangeForm)
	script := elements[formIdx]

	b.tx.Outputs = append(b.tx.Outputs, Output{Value: remainder, Script: script})
	b.changeOut = &walletdb.NewOutput{
		Subchain: b.changeIndex,
		Pattern:  spvtypes.NewPatternID(b.changeIndex, child),
		Key:      keyID,
		Nym:      keyID.Subaccount,
		Value:    remainder,
		Script:   script,
	}
	return nil
}

func formIndex(forms []keychain.ScriptForm, want keychain.ScriptForm) int {
	for i, f := range forms {
		if f == want {
			return i
		}
	}
	return 0
}

// FinalizeOutputs locks in the output set (no-op beyond documenting
// the stage boundary: CreateOutputs/AddChange already populated
// b.tx.Outputs).
func (b *Builder) FinalizeOutputs() {}

// FinalizeTransaction assembles the built transaction and returns its
// txid/wtxid, ahead of signing (§4.8 step 4).
func (b *Builder) FinalizeTransaction() (txid, wtxid types.Hash) {
	return b.tx.TxID(), b.tx.WTxID()
}

// SignInputs derives each input's signing key via the KeyResolver,
// computes its sighash, and produces a DER-ECDSA signature, dispatched
// by the previous output's recognized script type (§4.8 step 5). Each
// selected UTXO already carries the KeyID that owns it.
func (b *Builder) SignInputs() error {
	for i, sel := range b.selected {
		keyID := sel.Key
		sub, ok := b.resolver.Subchain(keyID)
		if !ok {
			return fmt.Errorf("%w: unknown subchain for key %s", spvtypes.ErrSignFailed, keyID)
		}
		hdKey, err := sub.DeriveKey(keyID.ChildIndex)
		if err != nil {
			return fmt.Errorf("%w: derive key for input %d: %v", spvtypes.ErrSignFailed, i, err)
		}
		signer, err := NewHDKeySigner(hdKey)
		if err != nil {
			return fmt.Errorf("%w: signer for input %d: %v", spvtypes.ErrSignFailed, i, err)
		}
		if err := b.tx.sign(i, signer.PublicKey(), signer); err != nil {
			return fmt.Errorf("%w: %v", spvtypes.ErrSignFailed, err)
		}
	}

	newOutputs := make([]walletdb.NewOutput, 0, 1)
	if b.changeOut != nil {
		txid := b.tx.TxID()
		b.changeOut.Outpoint = spvtypes.Outpoint{TxID: txid, Index: uint32(len(b.tx.Outputs) - 1)}
		newOutputs = append(newOutputs, *b.changeOut)
	}
	spent := make([]spvtypes.Outpoint, len(b.selected))
	for i, sel := range b.selected {
		spent[i] = sel.Outpoint
	}
	if err := b.store.Output.AddOutgoingTransaction(b.id, newOutputs, spent); err != nil {
		return fmt.Errorf("spv: record outgoing transaction: %w", err)
	}

	rawTx := b.tx.serialized(true)
	txid := b.tx.TxID()
	p := &walletdb.Proposal{
		ID:              b.id,
		ReservedOutputs: spent,
		State:           walletdb.ProposalFinalized,
		RawTx:           rawTx,
		TxID:            &txid,
	}
	return b.store.Proposal.AddProposal(p)
}

// ReleaseKeys abandons the proposal, restoring every reserved UTXO to
// its pre-reservation state (§4.8 step 6).
func (b *Builder) ReleaseKeys() error {
	b.abandoned = true
	outpoints := make([]spvtypes.Outpoint, len(b.selected))
	for i, sel := range b.selected {
		outpoints[i] = sel.Outpoint
	}
	if err := b.store.Output.CancelProposal(outpoints); err != nil {
		return fmt.Errorf("spv: cancel proposal: %w", err)
	}
	p, err := b.store.Proposal.LoadProposal(b.id)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	p.State = walletdb.ProposalAbandoned
	return b.store.Proposal.AddProposal(p)
}

// Abandoned reports whether ReleaseKeys has been called on this
// Builder.
func (b *Builder) Abandoned() bool {
	return b.abandoned
}
