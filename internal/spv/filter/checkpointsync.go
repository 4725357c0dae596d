package filter

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// CheckpointRequester is the abstract transport boundary CheckpointSync
// drives. Whatever peer-request mechanism the host wires in is
// responsible for actually sending a cfcheckpt-style request and
// decoding the response into Checkpoint values; no wire codec is added
// here, per the P2P-out-of-scope boundary.
type CheckpointRequester interface {
	RequestCFCheckpoints(ctx context.Context, ft spvtypes.FilterType, stopHash types.Hash) ([]Checkpoint, error)
}

// CheckpointSync performs the getcfcheckpt round trip, supplemented
// from the original's Cfcheckpt.cpp/Getcfcheckpt.cpp: for a chain
// without a hardcoded checkpoint table entry reaching its current tip,
// it asks a peer for the cfcheckpt series and merges any new entries
// into the oracle's checkpoint table, so Reconcile and the ongoing
// header-manager verification have something to check newly synced
// headers against.
type CheckpointSync struct {
	requester CheckpointRequester
}

// NewCheckpointSync constructs a CheckpointSync driven by requester.
func NewCheckpointSync(requester CheckpointRequester) *CheckpointSync {
	return &CheckpointSync{requester: requester}
}

// Sync requests the checkpoint series up to tip and appends any
// entries past the oracle's current checkpoint table into it. It is
// idempotent: checkpoints at or below the table's current high-water
// mark are discarded rather than duplicated.
func (cs *CheckpointSync) Sync(ctx context.Context, o *Oracle, tip types.Hash) error {
	o.mu.Lock()
	ft := o.ft
	highest := int64(-1)
	if n := len(o.checkpoints); n > 0 {
		highest = o.checkpoints[n-1].Height
	}
	o.mu.Unlock()

	fresh, err := cs.requester.RequestCFCheckpoints(ctx, ft, tip)
	if err != nil {
		return fmt.Errorf("spv: checkpoint sync request: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cp := range fresh {
		if cp.Height <= highest {
			continue
		}
		o.checkpoints = append(o.checkpoints, cp)
		highest = cp.Height
	}
	return nil
}
