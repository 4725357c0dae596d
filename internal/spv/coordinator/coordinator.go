// Package coordinator implements the Wallet Coordinator (component
// I): the top-level glue actor that accepts external calls (balance,
// outputs, send, status) and fans chain events out to the per-(nym,
// chain) Accounts fan-out. Grounded on internal/node/node.go's
// top-level Node struct and Start/Stop lifecycle shape, narrowed to
// the wallet-coordinator role.
package coordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/account"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/proposal"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/scanner"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher republishes the four event topics named in §6.4. A nil
// Publisher is a valid no-op, mirroring filter.EventBridge's pattern.
type Publisher interface {
	PublishNewFilterTip(chain types.ChainID, ft spvtypes.FilterType, height int64, hash [32]byte)
	PublishBalanceChanged(nym, subaccount types.Hash, confirmed, unconfirmed uint64)
	PublishNewTransaction(nym types.Hash, txid types.Hash, chain types.ChainID)
	PublishReorgDone(chain types.ChainID, ancestor spvtypes.Position)
}

// Balance is the aggregated spendable/pending total for a nym or
// subaccount, the shape returned by the coordinator's balance RPC.
type Balance struct {
	Confirmed   uint64
	Unconfirmed uint64
	Immature    uint64
}

// Config bundles the collaborators a Coordinator needs to construct
// Accounts fan-outs on demand as nyms are registered.
type Config struct {
	Chain     types.ChainID
	Store     *walletdb.Store
	Filters   scanner.FilterSource
	Headers   spvtypes.HeaderOracle
	Blocks    spvtypes.BlockOracle
	FilterTyp spvtypes.FilterType
	Jobs      *scanner.JobCounter
	Publisher Publisher
	Policy    proposal.Policy
}

// Coordinator is the single top-level actor for one chain's SPV
// engine: it owns every nym's Accounts fan-out and is the escalation
// target for unrecoverable reorg failures (§4.7, §7 "Fatal").
type Coordinator struct {
	log zerolog.Logger

	chain     types.ChainID
	store     *walletdb.Store
	filters   scanner.FilterSource
	headers   spvtypes.HeaderOracle
	blocks    spvtypes.BlockOracle
	ft        spvtypes.FilterType
	jobs      *scanner.JobCounter
	publisher Publisher
	policy    proposal.Policy

	mu       sync.RWMutex
	accounts map[types.Hash]*account.Accounts

	terminated bool
}

// New constructs an empty Coordinator for one chain.
func New(cfg Config) *Coordinator {
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = scanner.NewJobCounter(4)
	}
	policy := cfg.Policy
	if policy == (proposal.Policy{}) {
		policy = proposal.DefaultPolicy()
	}
	return &Coordinator{
		log:       log.WithComponent("spv.coordinator"),
		chain:     cfg.Chain,
		store:     cfg.Store,
		filters:   cfg.Filters,
		headers:   cfg.Headers,
		blocks:    cfg.Blocks,
		ft:        cfg.FilterTyp,
		jobs:      jobs,
		publisher: cfg.Publisher,
		policy:    policy,
		accounts:  make(map[types.Hash]*account.Accounts),
	}
}

// RegisterNym creates (or returns the existing) Accounts fan-out for
// nym, rooted at master. Each nym owns its own HD key hierarchy, so
// the master key is supplied by the caller (keystore) rather than
// derived here.
func (c *Coordinator) RegisterNym(nym types.Hash, master *wallet.HDKey) *account.Accounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.accounts[nym]; ok {
		return existing
	}
	acc := account.New(account.Config{
		Nym:       nym,
		Chain:     c.chain,
		Store:     c.store,
		Filters:   c.filters,
		Headers:   c.headers,
		Blocks:    c.blocks,
		Jobs:      c.jobs,
		Master:    master,
		FilterTyp: c.ft,
		Escalator: c,
	})
	c.accounts[nym] = acc
	return acc
}

func (c *Coordinator) nym(nym types.Hash) (*account.Accounts, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acc, ok := c.accounts[nym]
	return acc, ok
}

func (c *Coordinator) allAccounts() []*account.Accounts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*account.Accounts, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	return out
}

// HandleNewSubaccount forwards "new-subaccount" to the owning nym's
// Accounts (§4.7).
func (c *Coordinator) HandleNewSubaccount(ctx context.Context, nym, subaccountID types.Hash, accountIndex uint32) error {
	acc, ok := c.nym(nym)
	if !ok {
		return fmt.Errorf("spv: unknown nym %s", nym)
	}
	_, err := acc.HandleNewSubaccount(ctx, subaccountID, accountIndex)
	return err
}

// HandleNewFilterTip fans "new-filter-tip" out to every registered
// nym (§4.7, §6.4).
func (c *Coordinator) HandleNewFilterTip(ctx context.Context) {
	for _, acc := range c.allAccounts() {
		acc.HandleNewFilterTip(ctx)
	}
}

// HandleNewBlock fans "new-block" out to every registered nym, then
// matures any coinbase-style outputs that have cleared the maturity
// window and publishes balance deltas (§4.7, §4.5.2 AdvanceTo).
func (c *Coordinator) HandleNewBlock(ctx context.Context) {
	before := c.snapshotBalances()
	for _, acc := range c.allAccounts() {
		acc.HandleNewBlock(ctx)
	}
	if err := c.store.Output.AdvanceTo(c.filters.Tip().Height); err != nil {
		c.log.Warn().Err(err).Msg("advance-to-maturity failed")
	}
	c.publishBalanceDeltas(before)
}

// HandleMempoolTx fans an unconfirmed transaction out to every
// registered nym's subchains, then publishes new-transaction for any
// nym whose balance moved (§4.7, §6.4).
func (c *Coordinator) HandleMempoolTx(t *tx.Transaction) {
	before := c.snapshotBalances()
	for _, acc := range c.allAccounts() {
		acc.HandleMempoolTx(t)
	}
	txid := t.Hash()
	after := c.snapshotBalances()
	for nym, b := range after {
		if b != before[nym] && c.publisher != nil {
			c.publisher.PublishNewTransaction(nym, txid, c.chain)
		}
	}
	c.publishBalanceDeltas(before)
}

// HandleReorg runs the PreReorg/Reorg/PostReorg choreography across
// every nym concurrently and publishes reorg-done once all have
// settled (§4.7, §6.4). A per-nym failure escalates via
// EscalateReorgFailure rather than aborting the other nyms' rollback.
func (c *Coordinator) HandleReorg(ancestor spvtypes.Position) {
	var wg sync.WaitGroup
	for _, acc := range c.allAccounts() {
		wg.Add(1)
		go func(a *account.Accounts) {
			defer wg.Done()
			a.HandleReorg(ancestor)
		}(acc)
	}
	wg.Wait()
	if c.publisher != nil {
		c.publisher.PublishReorgDone(c.chain, ancestor)
	}
}

// EscalateReorgFailure implements account.ReorgEscalator: an
// unrecoverable rollback failure in any nym's Accounts is treated as
// fatal to the whole chain's SPV engine (§7 "Fatal", §4.7 "escalates
// to the Wallet Coordinator, which then terminates the chain").
func (c *Coordinator) EscalateReorgFailure(chain types.ChainID, nym types.Hash, err error) {
	c.mu.Lock()
	already := c.terminated
	c.terminated = true
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Error().Err(err).Str("nym", nym.String()).Msg("unrecoverable reorg failure, terminating SPV chain")
	c.Shutdown()
}

// Terminated reports whether a fatal reorg failure has already shut
// this coordinator down.
func (c *Coordinator) Terminated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminated
}

// Shutdown drains every nym's Accounts (which in turn stops every
// Subchain scanner), per the shutdown traversal in §5: "Wallet →
// Accounts → Subchains → background jobs".
func (c *Coordinator) Shutdown() {
	for _, acc := range c.allAccounts() {
		acc.Stop()
	}
}

// Balance aggregates confirmed/unconfirmed/immature totals for every
// output owned by nym.
func (c *Coordinator) Balance(nym types.Hash) (Balance, error) {
	outs, err := c.store.Output.ByNym(nym)
	if err != nil {
		return Balance{}, fmt.Errorf("spv: balance: %w", err)
	}
	return sumBalance(outs), nil
}

// SubaccountBalance aggregates totals scoped to one subaccount.
func (c *Coordinator) SubaccountBalance(nym, subaccount types.Hash) (Balance, error) {
	outs, err := c.store.Output.ByNymSubaccount(nym, subaccount)
	if err != nil {
		return Balance{}, fmt.Errorf("spv: subaccount balance: %w", err)
	}
	return sumBalance(outs), nil
}

func sumBalance(outs []*walletdb.Output) Balance {
	var b Balance
	for _, o := range outs {
		switch o.State {
		case spvtypes.TxoConfirmedNew:
			b.Confirmed += o.Value
		case spvtypes.TxoUnconfirmedNew:
			b.Unconfirmed += o.Value
		case spvtypes.TxoImmature:
			b.Immature += o.Value
		}
	}
	return b
}

func (c *Coordinator) snapshotBalances() map[types.Hash]Balance {
	c.mu.RLock()
	nyms := make([]types.Hash, 0, len(c.accounts))
	for n := range c.accounts {
		nyms = append(nyms, n)
	}
	c.mu.RUnlock()

	out := make(map[types.Hash]Balance, len(nyms))
	for _, n := range nyms {
		b, err := c.Balance(n)
		if err != nil {
			continue
		}
		out[n] = b
	}
	return out
}

func (c *Coordinator) publishBalanceDeltas(before map[types.Hash]Balance) {
	if c.publisher == nil {
		return
	}
	after := c.snapshotBalances()
	for nym, b := range after {
		if b != before[nym] {
			c.publisher.PublishBalanceChanged(nym, types.Hash{}, b.Confirmed, b.Unconfirmed)
		}
	}
}

// Outputs returns every tracked output owned by nym, for the
// "outputs" RPC named in §2's control-flow summary.
func (c *Coordinator) Outputs(nym types.Hash) ([]*walletdb.Output, error) {
	return c.store.Output.ByNym(nym)
}

// Send builds, funds, and signs a spend from subaccount's confirmed
// UTXOs, following §4.8's CreateOutputs → AddInput → AddChange →
// Finalize → SignInputs sequence, and returns the finalized txid for
// the caller to broadcast over the (out-of-scope) P2P layer.
func (c *Coordinator) Send(nym, subaccount types.Hash, recipients []proposal.Recipient, policy *proposal.Policy) (types.Hash, error) {
	acc, ok := c.nym(nym)
	if !ok {
		return types.Hash{}, fmt.Errorf("spv: unknown nym %s", nym)
	}
	changeSub, changeIndex, ok := acc.ChangeSubchain(subaccount)
	if !ok {
		return types.Hash{}, fmt.Errorf("spv: no internal subchain for subaccount %s", subaccount)
	}

	p := c.policy
	if policy != nil {
		p = *policy
	}

	id, err := newProposalID()
	if err != nil {
		return types.Hash{}, fmt.Errorf("spv: proposal id: %w", err)
	}

	b := proposal.NewBuilder(id, c.store, acc, subaccount, changeSub, changeIndex, p)
	if err := b.CreateOutputs(recipients); err != nil {
		return types.Hash{}, err
	}

	candidates, err := c.candidateUTXOs(nym, subaccount)
	if err != nil {
		return types.Hash{}, err
	}
	if err := b.AddInput(candidates); err != nil {
		return types.Hash{}, err
	}
	if err := b.AddChange(); err != nil {
		_ = b.ReleaseKeys()
		return types.Hash{}, err
	}
	b.FinalizeOutputs()
	txid, _ := b.FinalizeTransaction()
	if err := b.SignInputs(); err != nil {
		_ = b.ReleaseKeys()
		return types.Hash{}, err
	}
	if c.publisher != nil {
		c.publisher.PublishNewTransaction(nym, txid, c.chain)
	}
	return txid, nil
}

// candidateUTXOs returns every spendable (ConfirmedNew) output for
// (nym, subaccount), the pool AddInput selects from.
func (c *Coordinator) candidateUTXOs(nym, subaccount types.Hash) ([]*walletdb.Output, error) {
	outs, err := c.store.Output.ByNymSubaccount(nym, subaccount)
	if err != nil {
		return nil, fmt.Errorf("spv: candidate utxos: %w", err)
	}
	spendable := make([]*walletdb.Output, 0, len(outs))
	for _, o := range outs {
		if o.State == spvtypes.TxoConfirmedNew {
			spendable = append(spendable, o)
		}
	}
	return spendable, nil
}

// CancelProposal abandons a proposal a caller decided not to
// broadcast, releasing its reserved inputs (§4.8 step 6).
func (c *Coordinator) CancelProposal(id types.Hash) error {
	p, err := c.store.Proposal.LoadProposal(id)
	if err != nil {
		return fmt.Errorf("spv: load proposal: %w", err)
	}
	if p == nil {
		return nil
	}
	if err := c.store.Output.CancelProposal(p.ReservedOutputs); err != nil {
		return fmt.Errorf("spv: cancel proposal: %w", err)
	}
	p.State = walletdb.ProposalAbandoned
	return c.store.Proposal.AddProposal(p)
}

// newProposalID generates a fresh random proposal identifier; a
// proposal's id only needs to be unique within this wallet's
// lifetime, not protocol-meaningful.
func newProposalID() (types.Hash, error) {
	var id types.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return types.Hash{}, err
	}
	return id, nil
}
