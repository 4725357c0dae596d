package filter

import (
	"context"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/gcs"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// fakeHeaderOracle is a minimal spvtypes.HeaderOracle double: its
// CommonParent always agrees with whatever tip it's asked about, since
// these tests exercise checkpoint reconciliation, not chain-reorg
// detection.
type fakeHeaderOracle struct{}

func (fakeHeaderOracle) BestHash(int64) (types.Hash, bool) { return types.Hash{}, false }
func (fakeHeaderOracle) BestChain(int64, int) ([]spvtypes.Position, error) { return nil, nil }
func (fakeHeaderOracle) CommonParent(tip spvtypes.Position) (spvtypes.Position, error) {
	return tip, nil
}
func (fakeHeaderOracle) CalculateReorg(spvtypes.Position) ([]spvtypes.Position, error) { return nil, nil }
func (fakeHeaderOracle) LoadHeader(types.Hash) (*block.Header, bool)                   { return nil, false }
func (fakeHeaderOracle) GenesisBlockHash(types.ChainID) types.Hash                     { return types.Hash{} }

func hashAt(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestOracle_ReconcileNoopsOnEmptyCheckpointTable(t *testing.T) {
	db := storage.NewMemory()
	o, err := New(context.Background(), types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, nil, nil, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !o.Tip().IsBlank() {
		t.Fatalf("expected blank tip on first run, got %v", o.Tip())
	}
}

func TestOracle_ReconcileAcceptsMatchingLocalHeader(t *testing.T) {
	db := storage.NewMemory()
	ctx := context.Background()

	o, err := New(ctx, types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, nil, nil, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	header10 := [32]byte{0xaa}
	o.UpdateTip(spvtypes.Position{Height: 10, Hash: hashAt(1)}, HeaderFinished{Header: header10})
	if o.Tip().Height != 10 {
		t.Fatalf("expected tip at height 10, got %v", o.Tip())
	}

	checkpoints := []Checkpoint{{Height: 10, Headers: map[spvtypes.FilterType][32]byte{spvtypes.FilterBasicBIP158: header10}}}
	o2, err := New(ctx, types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, checkpoints, nil, db)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if o2.HeaderManager().Done().Height != 10 {
		t.Fatalf("expected header manager to stay at height 10 after a matching reconcile, got %v", o2.HeaderManager().Done())
	}
}

func TestOracle_ReconcileRewindsOnDisagreeingCheckpoint(t *testing.T) {
	db := storage.NewMemory()
	ctx := context.Background()

	o, err := New(ctx, types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, nil, nil, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	header10 := [32]byte{0xaa}
	o.UpdateTip(spvtypes.Position{Height: 10, Hash: hashAt(1)}, HeaderFinished{Header: header10})

	disagreeing := [32]byte{0xbb}
	checkpoints := []Checkpoint{{Height: 10, Headers: map[spvtypes.FilterType][32]byte{spvtypes.FilterBasicBIP158: disagreeing}}}
	o2, err := New(ctx, types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, checkpoints, nil, db)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if !o2.HeaderManager().Done().IsBlank() {
		t.Fatalf("expected header manager reset to blank (no earlier checkpoint), got %v", o2.HeaderManager().Done())
	}
}

func TestOracle_BlockIndexerTipFlowsThroughCheckpointsAndCache(t *testing.T) {
	db := storage.NewMemory()
	ctx := context.Background()

	o, err := New(ctx, types.ChainID{}, spvtypes.FilterBasicBIP158, fakeHeaderOracle{}, nil, nil, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.EnableBlockIndexer(nil, nil)
	if o.BlockIndexerManager() == nil {
		t.Fatal("expected a non-nil block indexer manager once enabled")
	}

	blockHash := hashAt(2)
	filterAt5, err := gcs.Build(spvtypes.FilterBasicBIP158, blockHash[:], nil)
	if err != nil {
		t.Fatalf("gcs.Build: %v", err)
	}
	o.handleBlockIndexerTip(spvtypes.Position{Height: 5, Hash: blockHash}, IndexedFinished{Filter: filterAt5, Header: [32]byte{0xcc}})
	if o.Tip().Height != 5 {
		t.Fatalf("expected block-indexer tip to publish, got %v", o.Tip())
	}
	if _, ok := o.FilterAt(5); !ok {
		t.Fatal("expected block-indexer filter to populate the shared cache")
	}
}
