// Package filter implements the Filter Oracle (component C): it
// composes up to three download.Manager instances (cfheader,
// cfilter, and a local block-derived builder), checkpoints them
// against well-known consensus hashes, and publishes new-tip events.
package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/download"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/future"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/gcs"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// HeaderPayload is the cfheader downloader's download-side type: a
// filter hash fetched from a peer.
type HeaderPayload struct {
	FilterHash [32]byte
}

// HeaderFinished is the cfheader downloader's processed type: the
// chained filter header, H(filter-hash || previous-header).
type HeaderFinished struct {
	Header [32]byte
}

// FilterPayload is the cfilter downloader's download-side type: the
// encoded GCS bytes for one block.
type FilterPayload struct {
	Encoded []byte
}

// FilterFinished is the cfilter downloader's processed output: the
// decoded GCS object.
type FilterFinished struct {
	Filter *gcs.Filter
}

// Checkpoint maps (chain, height) to the expected header per filter
// type.
type Checkpoint struct {
	Height  int64
	Headers map[spvtypes.FilterType][32]byte
}

// EventBridge republishes oracle events outside this process (the one
// place ZeroMQ's original cross-process role is still legitimate —
// see DOMAIN STACK in SPEC_FULL.md). A nil bridge is a valid no-op.
type EventBridge interface {
	PublishNewFilterTip(chain types.ChainID, ft spvtypes.FilterType, height int64, hash [32]byte)
}

// Oracle composes the header/cfilter/block-indexer download managers
// for one chain and filter type.
type Oracle struct {
	log zerolog.Logger

	chain types.ChainID
	ft    spvtypes.FilterType

	headerOracle spvtypes.HeaderOracle
	bridge       EventBridge

	mu          sync.Mutex
	checkpoints []Checkpoint // ascending by height

	headerMgr    *download.Manager[HeaderPayload, HeaderFinished, [32]byte]
	filterMgr    *download.Manager[FilterPayload, FilterFinished, [32]byte]
	blockIndexer *BlockIndexer // nil unless EnableBlockIndexer was called

	store *headerStore

	lastPublished spvtypes.Position

	// newTip is the in-process typed channel fan-out (§9: ZeroMQ pub/
	// sub replaced by typed in-process channels for the intra-process
	// leg).
	newTip chan spvtypes.Position

	cacheMu     sync.Mutex
	cache       map[int64]*gcs.Filter
	cacheDepth  int64
}

// filterCacheDepth bounds how many decoded filters the oracle keeps
// resident for the scanner to query by height; older entries are
// evicted as the tip advances.
const filterCacheDepth = 20_000

// FilterAt returns the decoded filter for height, if still cached.
func (o *Oracle) FilterAt(height int64) (*gcs.Filter, bool) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	f, ok := o.cache[height]
	return f, ok
}

func (o *Oracle) cacheFilter(height int64, f *gcs.Filter) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	if o.cache == nil {
		o.cache = make(map[int64]*gcs.Filter)
	}
	o.cache[height] = f
	floor := height - o.cacheDepth
	for h := range o.cache {
		if int64(h) < floor {
			delete(o.cache, h)
		}
	}
}

// New constructs an Oracle and immediately runs startup reconciliation
// (§4.3) against the header oracle and the local cfheader store.
// headerOracle supplies best-chain headers; checkpoints must be sorted
// ascending by height; db backs the oracle's own persisted cfheader/
// tip state (distinct from, and compared against, the checkpoint
// table and the chain's block hashes).
func New(ctx context.Context, chain types.ChainID, ft spvtypes.FilterType, headerOracle spvtypes.HeaderOracle, checkpoints []Checkpoint, bridge EventBridge, db storage.DB) (*Oracle, error) {
	store := newHeaderStore(db)
	persistedTip, hasTip := store.LoadTip()
	if !hasTip {
		persistedTip = spvtypes.Blank
	}

	o := &Oracle{
		log:           log.WithComponent("spv.filter"),
		chain:         chain,
		ft:            ft,
		headerOracle:  headerOracle,
		bridge:        bridge,
		checkpoints:   checkpoints,
		store:         store,
		lastPublished: persistedTip,
		newTip:        make(chan spvtypes.Position, 64),
		cache:         make(map[int64]*gcs.Filter),
		cacheDepth:    filterCacheDepth,
	}

	seedHeader := future.NewCell[HeaderFinished]()
	if h, ok := store.Load(persistedTip.Height); ok {
		seedHeader.Set(HeaderFinished{Header: h})
	} else {
		seedHeader.Set(HeaderFinished{})
	}
	o.headerMgr = download.NewManager[HeaderPayload, HeaderFinished, [32]byte](o, 0, persistedTip, seedHeader)

	seedFilter := future.NewCell[FilterFinished]()
	seedFilter.Set(FilterFinished{})
	o.filterMgr = download.NewManager[FilterPayload, FilterFinished, [32]byte](filterSinkAdapter{o}, 0, persistedTip, seedFilter)

	if err := o.Reconcile(ctx, persistedTip); err != nil {
		return nil, fmt.Errorf("spv: filter oracle startup reconciliation: %w", err)
	}
	return o, nil
}

// EnableBlockIndexer composes the third download manager (§2 row C,
// §4.3): when the node has full blocks locally, filters for this
// chain/type are built directly from them instead of downloaded from
// peers. Call at most once, after New.
func (o *Oracle) EnableBlockIndexer(blocks spvtypes.BlockOracle, extractor ElementExtractor) {
	o.mu.Lock()
	start := o.lastPublished
	o.mu.Unlock()

	bi := NewBlockIndexer(o.ft, blocks, extractor)
	bi.onTip = o.handleBlockIndexerTip

	seed := future.NewCell[IndexedFinished]()
	if h, ok := o.store.Load(start.Height); ok {
		seed.Set(IndexedFinished{Header: h})
	} else {
		seed.Set(IndexedFinished{})
	}
	bi.mgr.Reset(start, seed)

	o.blockIndexer = bi
}

// handleBlockIndexerTip is the BlockIndexer's tip callback: it runs
// the same checkpoint check and persistence/publication path as the
// peer-downloaded header manager's UpdateTip, since both produce the
// same (cfilter, cfheader) shape for this oracle's filter type.
func (o *Oracle) handleBlockIndexerTip(pos spvtypes.Position, f IndexedFinished) {
	o.cacheFilter(pos.Height, f.Filter)

	o.mu.Lock()
	if cp, ok := o.checkpointAt(pos.Height); ok {
		if want, has := cp.Headers[o.ft]; has && want != f.Header {
			o.log.Warn().Int64("height", pos.Height).Msg("block-indexer cfheader checkpoint mismatch, rolling back")
			rollback := o.previousCheckpoint(pos.Height)
			o.mu.Unlock()
			o.rollbackTo(rollback)
			return
		}
	}
	o.mu.Unlock()

	if err := o.store.Save(pos.Height, f.Header); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist block-indexer cfheader")
	}
	o.publish(pos, f.Header)
}

// NewTip returns the channel new confirmed tips are published on.
func (o *Oracle) NewTip() <-chan spvtypes.Position {
	return o.newTip
}

// Tip returns the last confirmed, checkpoint-verified filter position.
func (o *Oracle) Tip() spvtypes.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPublished
}

// --- download.Sink[HeaderPayload, HeaderFinished, [32]byte] for the header manager ---

func (o *Oracle) BatchSize(unallocated int) int {
	if unallocated > 2000 {
		return 2000
	}
	return unallocated
}

func (o *Oracle) BatchReady() {}

func (o *Oracle) CheckTask(t *download.Task[HeaderPayload, HeaderFinished, [32]byte]) {}

func (o *Oracle) QueueProcessing(tasks []*download.Task[HeaderPayload, HeaderFinished, [32]byte]) {
	for _, t := range tasks {
		payload, _, ok := t.DownloadPayload().TryGet()
		if !ok {
			t.ProcessErr(fmt.Errorf("spv: header task missing download payload"))
			continue
		}
		prevFinished, _, _ := t.Previous().TryGet()
		h := gcs.Header(payload.FilterHash, prevFinished.Header)
		t.Process(HeaderFinished{Header: h})
	}
}

func (o *Oracle) UpdateTip(pos spvtypes.Position, finished HeaderFinished) {
	o.mu.Lock()
	if cp, ok := o.checkpointAt(pos.Height); ok {
		if want, has := cp.Headers[o.ft]; has && want != finished.Header {
			o.log.Warn().Int64("height", pos.Height).Msg("cfheader checkpoint mismatch, rolling back")
			rollback := o.previousCheckpoint(pos.Height)
			o.mu.Unlock()
			o.rollbackTo(rollback)
			return
		}
	}
	o.mu.Unlock()
	if err := o.store.Save(pos.Height, finished.Header); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist cfheader")
	}
	o.publish(pos, finished.Header)
}

func (o *Oracle) TriggerStateMachine() {
	o.headerMgr.StateMachine()
}

// --- filter manager sink, adapted via a thin wrapper to avoid method
// name collisions with the header manager's Sink methods on *Oracle ---

type filterSinkAdapter struct{ o *Oracle }

func (a filterSinkAdapter) BatchSize(unallocated int) int {
	if unallocated > 500 {
		return 500
	}
	return unallocated
}
func (a filterSinkAdapter) BatchReady() {}
func (a filterSinkAdapter) CheckTask(*download.Task[FilterPayload, FilterFinished, [32]byte]) {}
func (a filterSinkAdapter) QueueProcessing(tasks []*download.Task[FilterPayload, FilterFinished, [32]byte]) {
	for _, t := range tasks {
		payload, _, ok := t.DownloadPayload().TryGet()
		if !ok {
			t.ProcessErr(fmt.Errorf("spv: filter task missing download payload"))
			continue
		}
		blockHash := t.Position.Hash
		f, err := gcs.DecodeEncoded(a.o.ft, blockHash[:], payload.Encoded)
		if err != nil {
			a.o.log.Debug().Err(err).Int64("height", t.Position.Height).Msg("gcs decode failed, will redownload")
			t.ProcessErr(err)
			continue
		}
		a.o.cacheFilter(t.Position.Height, f)
		t.Process(FilterFinished{Filter: f})
	}
}
func (a filterSinkAdapter) UpdateTip(pos spvtypes.Position, finished FilterFinished) {}
func (a filterSinkAdapter) TriggerStateMachine() {
	a.o.filterMgr.StateMachine()
}

// --- checkpoint helpers ---

func (o *Oracle) checkpointAt(height int64) (Checkpoint, bool) {
	for _, cp := range o.checkpoints {
		if cp.Height == height {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

func (o *Oracle) previousCheckpoint(height int64) spvtypes.Position {
	var best *Checkpoint
	for i := range o.checkpoints {
		if o.checkpoints[i].Height < height {
			best = &o.checkpoints[i]
		}
	}
	if best == nil {
		return spvtypes.Blank
	}
	hash, _ := o.headerOracle.BestHash(best.Height)
	return spvtypes.Position{Height: best.Height, Hash: hash}
}

// rollbackTo resets every composed manager to pos, per §4.3 "the
// oracle rolls back to the previous checkpoint height and issues
// Reset on all three managers." Each is reseeded from the locally
// persisted cfheader at pos, if one was ever recorded there.
func (o *Oracle) rollbackTo(pos spvtypes.Position) {
	header, _ := o.store.Load(pos.Height)

	seedHeader := future.NewCell[HeaderFinished]()
	seedHeader.Set(HeaderFinished{Header: header})
	o.headerMgr.Reset(pos, seedHeader)

	seedFilter := future.NewCell[FilterFinished]()
	seedFilter.Set(FilterFinished{})
	o.filterMgr.Reset(pos, seedFilter)

	if o.blockIndexer != nil {
		seedIndexed := future.NewCell[IndexedFinished]()
		seedIndexed.Set(IndexedFinished{Header: header})
		o.blockIndexer.mgr.Reset(pos, seedIndexed)
	}
}

func (o *Oracle) publish(pos spvtypes.Position, header [32]byte) {
	o.mu.Lock()
	if pos.Height <= o.lastPublished.Height {
		o.mu.Unlock()
		return
	}
	o.lastPublished = pos
	o.mu.Unlock()

	if err := o.store.SaveTip(pos); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist filter tip")
	}

	select {
	case o.newTip <- pos:
	default:
		o.log.Warn().Msg("new-tip channel full, dropping event for slow consumer")
	}
	if o.bridge != nil {
		o.bridge.PublishNewFilterTip(o.chain, o.ft, pos.Height, header)
	}
}

// HeaderManager exposes the underlying cfheader download manager.
func (o *Oracle) HeaderManager() *download.Manager[HeaderPayload, HeaderFinished, [32]byte] {
	return o.headerMgr
}

// FilterManager exposes the underlying cfilter download manager.
func (o *Oracle) FilterManager() *download.Manager[FilterPayload, FilterFinished, [32]byte] {
	return o.filterMgr
}

// BlockIndexerManager exposes the underlying block-derived download
// manager, or nil if EnableBlockIndexer was never called.
func (o *Oracle) BlockIndexerManager() *download.Manager[IndexedPayload, IndexedFinished, struct{}] {
	if o.blockIndexer == nil {
		return nil
	}
	return o.blockIndexer.mgr
}

// Reconcile performs startup reconciliation (§4.3): it first checks
// that the persisted tip is still on the header oracle's best chain,
// rewinding to the common ancestor if a reorg happened while this
// process was down. It then walks the checkpoint table downward from
// persistedTip, comparing each checkpoint's expected cfheader against
// the cfheader this oracle itself previously computed and stored at
// that height — not the chain's block hash, which is a different
// 32-byte value by construction and can never equal a cfheader. Any
// checkpoint whose locally stored cfheader disagrees means newer
// headers were accepted in error; the oracle rewinds to the nearest
// earlier checkpoint.
func (o *Oracle) Reconcile(ctx context.Context, persistedTip spvtypes.Position) error {
	best, err := o.headerOracle.CommonParent(persistedTip)
	if err != nil {
		return fmt.Errorf("spv: reconcile common parent: %w", err)
	}
	if best.Height < persistedTip.Height {
		o.log.Info().Int64("from", persistedTip.Height).Int64("to", best.Height).Msg("rewinding to common ancestor on startup")
		o.rollbackTo(best)
		return nil
	}

	o.mu.Lock()
	for i := len(o.checkpoints) - 1; i >= 0; i-- {
		cp := o.checkpoints[i]
		if cp.Height > persistedTip.Height {
			continue
		}
		want, has := cp.Headers[o.ft]
		if !has {
			continue
		}
		got, ok := o.store.Load(cp.Height)
		if !ok {
			// Never locally verified at this height (e.g. this is the
			// first run); nothing to compare against yet.
			continue
		}
		if got == want {
			o.mu.Unlock()
			return nil
		}
		rollback := o.previousCheckpoint(cp.Height)
		o.mu.Unlock()
		o.log.Warn().Int64("height", cp.Height).Msg("locally stored cfheader disagrees with checkpoint, rewinding")
		o.rollbackTo(rollback)
		return nil
	}
	o.mu.Unlock()
	return nil
}

// Ensure Oracle satisfies the header manager Sink interface shape.
var _ download.Sink[HeaderPayload, HeaderFinished, [32]byte] = (*Oracle)(nil)
var _ download.Sink[FilterPayload, FilterFinished, [32]byte] = filterSinkAdapter{}
