// Package scanner implements the Subchain State Data actor (component
// F): one actor per (subaccount, subchain-kind) pair drives its own
// index/scan/process/rescan/progress cycle against the shared Filter
// Oracle and Wallet Database.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/gcs"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/keychain"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/walletdb"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// State is the actor's lifecycle state, distinct from a single scan
// cycle's internal stage.
type State int32

const (
	StateNormal State = iota
	StatePreReorg
	StateReorg
	StatePostReorg
	StatePreShutdown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StatePreReorg:
		return "pre-reorg"
	case StateReorg:
		return "reorg"
	case StatePostReorg:
		return "post-reorg"
	case StatePreShutdown:
		return "pre-shutdown"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// gapLimit is how many unused trailing addresses a subchain keeps
// indexed ahead of its last-used child, the standard HD wallet gap
// limit.
const gapLimit = 20

// rewindOnMatch is how far behind a matched height the actor re-tests
// filters: a match at height h queues a Rescan from h-rewindOnMatch
// (floored at 0) up to last_scanned, run by the next cycle. The
// last_scanned cursor itself is not moved back.
const rewindOnMatch = 1000

// maxScan bounds how many blocks one cycle's Scan stage will test,
// rate-limiting CPU spent on GCS matching per tick.
const maxScan = 2000

// scanThreshold is how many already-scanned blocks (genesis through
// last_scanned) freshly-indexed patterns may lag behind before the
// actor widens its next cycle into a Rescan from genesis, instead of
// only testing new filters going forward. The chain tip plays no part.
const scanThreshold = 500

// FilterSource supplies decoded compact filters by height, backed by
// the Filter Oracle's bounded recent-filter cache.
type FilterSource interface {
	FilterAt(height int64) (*gcs.Filter, bool)
	Tip() spvtypes.Position
}

// BlockFetcher resolves which outputs/spends at height belong to this
// wallet once a filter match narrows candidates down to one block.
type BlockFetcher interface {
	ElementsAt(ctx context.Context, height int64) (outputs []walletdb.NewOutput, spent []spvtypes.Outpoint, err error)
}

// Scanner drives one (subaccount, kind) subchain's index/scan/process/
// rescan/progress cycle.
type Scanner struct {
	log zerolog.Logger

	subaccount types.Hash
	kind       spvtypes.SubchainKind
	index      spvtypes.SubchainIndex

	store    *walletdb.Store
	subchain *keychain.Subchain
	filters  FilterSource
	blocks   BlockFetcher
	jobs     *JobCounter

	state State // guarded by mu (see setState and State)

	mu         sync.Mutex
	lastUsed   uint32 // highest child index with a recorded output
	rescanFrom int64  // -1 when no rescan is pending

	tickInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scanner for one subchain.
func New(subaccount types.Hash, kind spvtypes.SubchainKind, index spvtypes.SubchainIndex,
	store *walletdb.Store, sub *keychain.Subchain, filters FilterSource, blocks BlockFetcher, jobs *JobCounter) *Scanner {
	return &Scanner{
		log:          log.WithComponent("spv.scanner").With().Str("subaccount", subaccount.String()).Str("kind", kind.String()).Logger(),
		subaccount:   subaccount,
		kind:         kind,
		index:        index,
		store:        store,
		subchain:     sub,
		filters:      filters,
		blocks:       blocks,
		jobs:         jobs,
		state:        StateNormal,
		rescanFrom:   -1,
		tickInterval: 5 * time.Second,
	}
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the actor's current lifecycle state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the actor's cycle on a ticker until ctx is canceled.
func (s *Scanner) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-runCtx.Done():
			s.setState(StateShutdown)
			return
		case <-ticker.C:
			if err := s.Cycle(runCtx); err != nil {
				s.log.Warn().Err(err).Msg("scan cycle failed")
			}
		}
	}
}

// Stop cancels the running actor and waits for it to exit.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.setState(StatePreShutdown)
		s.cancel()
	}
	s.wg.Wait()
}

// Cycle runs one full Index/Scan/Process/Rescan/Progress pass.
func (s *Scanner) Cycle(ctx context.Context) error {
	if err := s.jobs.Acquire(ctx); err != nil {
		return err
	}
	defer s.jobs.Release()

	if err := s.stageIndex(); err != nil {
		return fmt.Errorf("spv: scanner index stage: %w", err)
	}

	s.mu.Lock()
	pending := s.rescanFrom
	s.rescanFrom = -1
	s.mu.Unlock()
	if pending >= 0 {
		if err := s.stageRescan(ctx, pending); err != nil {
			return fmt.Errorf("spv: scanner rescan stage: %w", err)
		}
	}

	if err := s.stageScan(ctx); err != nil {
		return fmt.Errorf("spv: scanner scan stage: %w", err)
	}
	return nil
}

// stageIndex keeps the subchain's derived-but-unused key window ahead
// of the highest used child by gapLimit.
func (s *Scanner) stageIndex() error {
	lastIndexed, err := s.store.Subchain.LastIndexedChild(s.index)
	if err != nil {
		return err
	}
	s.mu.Lock()
	floor := s.lastUsed + gapLimit
	s.mu.Unlock()
	if lastIndexed >= floor {
		return nil
	}
	var elements [][]byte
	for child := lastIndexed; child < floor; child++ {
		elems, _, err := s.subchain.Elements(s.subaccount, child)
		if err != nil {
			return err
		}
		elements = append(elements, elems...)
	}
	if err := s.store.Subchain.AddElements(s.index, lastIndexed, elements); err != nil {
		return err
	}
	return s.scheduleRescanForNewPatterns()
}

// scheduleRescanForNewPatterns implements Open Question #2's decision:
// stageScan only ever tests filters forward from last_scanned, so
// patterns indexed just now are never checked against the blocks
// already scanned before they existed. When that backlog exceeds
// scanThreshold it's queued as an immediate Rescan from genesis rather
// than left unexamined until some unrelated match happens to rewind
// into it.
func (s *Scanner) scheduleRescanForNewPatterns() error {
	last, ok, err := s.store.Subchain.GetLastScanned(s.index)
	if err != nil || !ok || last < scanThreshold {
		return err
	}
	s.mu.Lock()
	if s.rescanFrom < 0 {
		s.rescanFrom = 0
	}
	s.mu.Unlock()
	return nil
}

// stageScan tests filters from the last scanned height forward to the
// chain tip, bounded by maxScan, against every registered pattern.
func (s *Scanner) stageScan(ctx context.Context) error {
	tip := s.filters.Tip()
	last, ok, err := s.store.Subchain.GetLastScanned(s.index)
	if err != nil {
		return err
	}
	from := int64(0)
	if ok {
		from = last + 1
	}
	to := tip.Height
	if to-from+1 > maxScan {
		to = from + maxScan - 1
	}
	if from > to {
		return nil
	}
	return s.scanRange(ctx, from, to, true)
}

// stageRescan re-tests the full [from, last_scanned] window against
// the current pattern set — used when a newly indexed pattern needed
// to be checked against filters the actor had already passed.
func (s *Scanner) stageRescan(ctx context.Context, from int64) error {
	last, ok, err := s.store.Subchain.GetLastScanned(s.index)
	if err != nil || !ok || from > last {
		return err
	}
	return s.scanRange(ctx, from, last, false)
}

func (s *Scanner) scanRange(ctx context.Context, from, to int64, advanceProgress bool) error {
	patterns, err := s.store.Subchain.GetPatterns(s.index)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		if advanceProgress {
			return s.store.Subchain.SetLastScanned(s.index, to)
		}
		return nil
	}

	highest := to
	for h := from; h <= to; h++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f, ok := s.filters.FilterAt(h)
		if !ok {
			highest = h - 1
			break
		}
		matched, err := f.MatchAny(patterns)
		if err != nil {
			return fmt.Errorf("spv: gcs match at height %d: %w", h, err)
		}
		if !matched {
			continue
		}
		if err := s.stageProcess(ctx, h); err != nil {
			return fmt.Errorf("spv: process match at height %d: %w", h, err)
		}
	}

	if advanceProgress {
		return s.stageProgress(highest)
	}
	return nil
}

// stageProcess loads the block at height and records any outputs or
// spends it contains that belong to this wallet.
func (s *Scanner) stageProcess(ctx context.Context, height int64) error {
	outputs, spent, err := s.blocks.ElementsAt(ctx, height)
	if err != nil {
		return err
	}
	if err := s.store.Output.AddConfirmedTransactions(height, outputs, spent); err != nil {
		return err
	}
	for _, o := range outputs {
		s.mu.Lock()
		if o.Key.ChildIndex > s.lastUsed {
			s.lastUsed = o.Key.ChildIndex
		}
		s.mu.Unlock()
		if err := s.store.Subchain.RecordMatch(s.index, height, o.Pattern); err != nil {
			return err
		}
	}

	// Queue a Rescan of [height-rewindOnMatch, last_scanned] so the
	// window immediately preceding a hit gets re-tested against the
	// now-extended pattern set; last_scanned itself is left as it is.
	rewindTo := height - rewindOnMatch
	if rewindTo < 0 {
		rewindTo = 0
	}
	last, ok, err := s.store.Subchain.GetLastScanned(s.index)
	if err == nil && ok && last > rewindTo {
		s.mu.Lock()
		if s.rescanFrom < 0 || rewindTo < s.rescanFrom {
			s.rescanFrom = rewindTo
		}
		s.mu.Unlock()
	}
	return nil
}

// stageProgress persists the new scan cursor.
func (s *Scanner) stageProgress(to int64) error {
	if to < 0 {
		return nil
	}
	return s.store.Subchain.SetLastScanned(s.index, to)
}

// HandleReorg transitions the actor through pre-reorg/reorg/post-
// reorg and rewinds wallet-db bookkeeping to the common ancestor.
func (s *Scanner) HandleReorg(toHeight int64) error {
	s.setState(StatePreReorg)
	s.setState(StateReorg)
	if err := s.store.Subchain.Reorg(s.index, toHeight); err != nil {
		s.setState(StateNormal)
		return fmt.Errorf("spv: scanner reorg: %w", err)
	}
	if err := s.store.Output.ReorgTo(toHeight); err != nil {
		s.setState(StateNormal)
		return fmt.Errorf("spv: scanner reorg outputs: %w", err)
	}
	s.setState(StatePostReorg)
	s.setState(StateNormal)
	return nil
}
