// Package account implements the Account / Accounts actor (component
// G): per (nym, chain), a map of subaccount-id to Account, each owning
// a scanner.Scanner per addressing dimension (subchain kind).
// Grounded on internal/subchain/manager.go's "manager owns a map of
// child actors, dispatches named events" shape, retargeted from L2
// sidechain lifecycle to wallet subaccount/subchain lifecycle.
package account

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/scanner"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// defaultForms is the script-form set registered for spending
// addressing dimensions (external/internal); notification subchains
// only ever need a single form since their keys aren't used to
// receive ordinary payments.
var defaultForms = []keychain.ScriptForm{keychain.ScriptP2PKH, keychain.ScriptP2WPKH, keychain.ScriptP2SHWPKH}
var notificationForms = []keychain.ScriptForm{keychain.ScriptP2PK}

// changeIndex maps a subchain kind to the BIP-44 "change" path
// component used to derive its account-level key. Incoming/Outgoing/
// Notification have no standard BIP-44 slot; this assigns them the
// next free indices purely for key-space separation, a decision not
// specified upstream (documented here rather than in SPEC_FULL.md
// since it's an implementation-internal numbering, not an externally
// observable format).
func changeIndex(kind spvtypes.SubchainKind) uint32 {
	switch kind {
	case spvtypes.SubchainExternal:
		return wallet.ChangeExternal
	case spvtypes.SubchainInternal:
		return wallet.ChangeInternal
	case spvtypes.SubchainIncoming:
		return 2
	case spvtypes.SubchainOutgoing:
		return 3
	case spvtypes.SubchainNotification:
		return 4
	default:
		return 5
	}
}

func formsFor(kind spvtypes.SubchainKind) []keychain.ScriptForm {
	if kind == spvtypes.SubchainNotification {
		return notificationForms
	}
	return defaultForms
}

// subchainEntry bundles one addressing dimension's index-derivation
// state with the running scanner actor that drives it.
type subchainEntry struct {
	index    spvtypes.SubchainIndex
	keychain *keychain.Subchain
	scanner  *scanner.Scanner
}

// Account owns every addressing dimension (subchain kind) for one HD
// subaccount.
type Account struct {
	ID types.Hash

	mu         sync.RWMutex
	subchains  map[spvtypes.SubchainKind]*subchainEntry
	accountIdx uint32
}

// Accounts is the per-(nym, chain) top-level fan-out described by
// §4.7: it owns every Account (subaccount) for one nym on one chain
// and dispatches external events down to their Subchains.
type Accounts struct {
	log zerolog.Logger

	nym   types.Hash
	chain types.ChainID

	store   *walletdb.Store
	filters scanner.FilterSource
	headers spvtypes.HeaderOracle
	blocks  spvtypes.BlockOracle
	jobs    *scanner.JobCounter
	master  *wallet.HDKey
	ft      spvtypes.FilterType

	escalator ReorgEscalator

	mu       sync.RWMutex
	accounts map[types.Hash]*Account

	runCtx context.Context
	cancel context.CancelFunc
}

// ReorgEscalator is the Wallet Coordinator's narrow interface for
// receiving a fatal reorg failure: "a shared atomic error counter
// aborts the rollback on first failure and escalates to the Wallet
// Coordinator, which then terminates the chain" (§4.7).
type ReorgEscalator interface {
	EscalateReorgFailure(chain types.ChainID, nym types.Hash, err error)
}

// Config bundles the collaborators an Accounts instance needs.
type Config struct {
	Nym       types.Hash
	Chain     types.ChainID
	Store     *walletdb.Store
	Filters   scanner.FilterSource
	Headers   spvtypes.HeaderOracle
	Blocks    spvtypes.BlockOracle
	Jobs      *scanner.JobCounter
	Master    *wallet.HDKey
	FilterTyp spvtypes.FilterType
	Escalator ReorgEscalator
}

// New constructs an empty Accounts fan-out for one (nym, chain) pair.
func New(cfg Config) *Accounts {
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = scanner.NewJobCounter(4)
	}
	return &Accounts{
		log:       log.WithComponent("spv.account").With().Str("nym", cfg.Nym.String()).Logger(),
		nym:       cfg.Nym,
		chain:     cfg.Chain,
		store:     cfg.Store,
		filters:   cfg.Filters,
		headers:   cfg.Headers,
		blocks:    cfg.Blocks,
		jobs:      jobs,
		master:    cfg.Master,
		ft:        cfg.FilterTyp,
		escalator: cfg.Escalator,
		accounts:  make(map[types.Hash]*Account),
	}
}

// HandleNewSubaccount instantiates an Account for a freshly derived HD
// subaccount and spawns its standard external/internal/notification
// Subchains (§4.7 "new-subaccount").
func (a *Accounts) HandleNewSubaccount(ctx context.Context, subaccountID types.Hash, accountIndex uint32) (*Account, error) {
	a.mu.Lock()
	if existing, ok := a.accounts[subaccountID]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	acc := &Account{ID: subaccountID, subchains: make(map[spvtypes.SubchainKind]*subchainEntry), accountIdx: accountIndex}
	a.accounts[subaccountID] = acc
	a.mu.Unlock()

	for _, kind := range []spvtypes.SubchainKind{spvtypes.SubchainExternal, spvtypes.SubchainInternal, spvtypes.SubchainNotification} {
		if err := a.spawnSubchain(ctx, acc, kind); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// HandleNewKey is a no-op signal path: keys are derived lazily by
// each Subchain's Index stage (stageIndex), so new-key only needs to
// ensure the owning Account/Subchain already exist.
func (a *Accounts) HandleNewKey(ctx context.Context, subaccountID types.Hash, accountIndex uint32, kind spvtypes.SubchainKind) error {
	acc, ok := a.account(subaccountID)
	if !ok {
		var err error
		acc, err = a.HandleNewSubaccount(ctx, subaccountID, accountIndex)
		if err != nil {
			return err
		}
	}
	acc.mu.RLock()
	_, spawned := acc.subchains[kind]
	acc.mu.RUnlock()
	if spawned {
		return nil
	}
	return a.spawnSubchain(ctx, acc, kind)
}

func (a *Accounts) account(id types.Hash) (*Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.accounts[id]
	return acc, ok
}

func (a *Accounts) spawnSubchain(ctx context.Context, acc *Account, kind spvtypes.SubchainKind) error {
	index, err := a.store.Subchain.GetOrCreateIndex(acc.ID, kind, a.ft, 1)
	if err != nil {
		return fmt.Errorf("spv: get-or-create subchain index: %w", err)
	}
	sub, err := keychain.NewSubchain(index, kind, a.master, acc.accountIdx, changeIndex(kind), formsFor(kind))
	if err != nil {
		return fmt.Errorf("spv: derive subchain: %w", err)
	}
	bf := &blockFetcher{subaccount: acc.ID, index: index, sub: sub, store: a.store, headers: a.headers, blocks: a.blocks}
	sc := scanner.New(acc.ID, kind, index, a.store, sub, a.filters, bf, a.jobs)

	acc.mu.Lock()
	acc.subchains[kind] = &subchainEntry{index: index, keychain: sub, scanner: sc}
	acc.mu.Unlock()

	go sc.Run(ctx)
	return nil
}

// HandleNewFilterTip forwards a new filter-chain tip to every
// Subchain's Scan stage by running an immediate cycle rather than
// waiting for its ticker (§4.7 "new-filter-tip — forwards to
// Subchains' Scan stage").
func (a *Accounts) HandleNewFilterTip(ctx context.Context) {
	a.forEachScanner(func(sc *scanner.Scanner) {
		if err := sc.Cycle(ctx); err != nil {
			a.log.Warn().Err(err).Msg("scan cycle failed on new-filter-tip")
		}
	})
}

// HandleNewBlock forwards block availability to every Subchain's
// Process stage the same way — a confirmed block only yields new
// wallet records once its containing range has also been scanned, so
// this also runs an immediate cycle (§4.7 "new-block / block-
// available — forwards to Subchains' Process stage").
func (a *Accounts) HandleNewBlock(ctx context.Context) {
	a.HandleNewFilterTip(ctx)
}

// HandleMempoolTx tests an unconfirmed transaction against every
// Subchain's pattern set directly, without any GCS filter involved
// (§4.7 "mempool-tx — each Subchain inspects the tx for any of its
// patterns via the same matcher used for confirmed blocks").
func (a *Accounts) HandleMempoolTx(t *tx.Transaction) {
	a.mu.RLock()
	accounts := make([]*Account, 0, len(a.accounts))
	for _, acc := range a.accounts {
		accounts = append(accounts, acc)
	}
	a.mu.RUnlock()

	for _, acc := range accounts {
		acc.mu.RLock()
		entries := make([]*subchainEntry, 0, len(acc.subchains))
		for _, e := range acc.subchains {
			entries = append(entries, e)
		}
		acc.mu.RUnlock()

		for _, e := range entries {
			if err := matchMempoolTx(a.store, e.keychain, acc.ID, e.index, t); err != nil {
				a.log.Warn().Err(err).Str("subaccount", acc.ID.String()).Msg("mempool match failed")
			}
		}
	}
}

// HandleReorg runs the PreReorg/Reorg/PostReorg choreography across
// every Subchain concurrently. A shared atomic flag aborts further
// rollback work on the first Subchain failure and escalates once to
// the Wallet Coordinator (§4.7).
func (a *Accounts) HandleReorg(ancestor spvtypes.Position) {
	var failed atomic.Bool
	var wg sync.WaitGroup

	a.forEachScanner(func(sc *scanner.Scanner) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if failed.Load() {
				return
			}
			if err := sc.HandleReorg(ancestor.Height); err != nil {
				if failed.CompareAndSwap(false, true) && a.escalator != nil {
					a.escalator.EscalateReorgFailure(a.chain, a.nym, err)
				}
			}
		}()
	})
	wg.Wait()
}

func (a *Accounts) forEachScanner(fn func(*scanner.Scanner)) {
	a.mu.RLock()
	accounts := make([]*Account, 0, len(a.accounts))
	for _, acc := range a.accounts {
		accounts = append(accounts, acc)
	}
	a.mu.RUnlock()

	for _, acc := range accounts {
		acc.mu.RLock()
		entries := make([]*scanner.Scanner, 0, len(acc.subchains))
		for _, e := range acc.subchains {
			entries = append(entries, e.scanner)
		}
		acc.mu.RUnlock()
		for _, sc := range entries {
			fn(sc)
		}
	}
}

// Stop halts every Subchain scanner belonging to this Accounts
// instance, in preparation for the shutdown message traversing down
// from the Wallet Coordinator (§5).
func (a *Accounts) Stop() {
	a.forEachScanner(func(sc *scanner.Scanner) { sc.Stop() })
}

// Subchain locates the keychain.Subchain that derived id, satisfying
// proposal.KeyResolver for the Spend Proposal Builder's SignInputs
// stage.
func (a *Accounts) Subchain(id spvtypes.KeyID) (*keychain.Subchain, bool) {
	acc, ok := a.account(id.Subaccount)
	if !ok {
		return nil, false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	entry, ok := acc.subchains[id.Kind]
	if !ok {
		return nil, false
	}
	return entry.keychain, true
}

// ChangeSubchain returns the Internal-kind Subchain and its index for
// subaccountID, the key space the Spend Proposal Builder's AddChange
// stage derives change outputs from.
func (a *Accounts) ChangeSubchain(subaccountID types.Hash) (*keychain.Subchain, spvtypes.SubchainIndex, bool) {
	acc, ok := a.account(subaccountID)
	if !ok {
		return nil, spvtypes.SubchainIndex{}, false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	entry, ok := acc.subchains[spvtypes.SubchainInternal]
	if !ok {
		return nil, spvtypes.SubchainIndex{}, false
	}
	return entry.keychain, entry.index, true
}

// Subaccounts returns every known subaccount id, for balance/output
// queries at the Wallet Coordinator layer.
func (a *Accounts) Subaccounts() []types.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Hash, 0, len(a.accounts))
	for id := range a.accounts {
		out = append(out, id)
	}
	return out
}
