package download

import (
	"fmt"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/future"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

// stringSink is a test fixture: DownloadType=string (the block's own
// label), FinishedType=string (space-joined concatenation of all
// labels seen so far), ExtraData=string (unused check tag). Mirrors
// spec §8.2 scenario 1's "string-concatenation processor fixture".
type stringSink struct {
	batchSz       int
	batchReadyN   int
	tips          []spvtypes.Position
	tipData       []string
	queueReceived [][]*Task[string, string, string]
	triggerN      int
}

func (s *stringSink) BatchSize(unallocated int) int {
	if unallocated < s.batchSz {
		return unallocated
	}
	return s.batchSz
}
func (s *stringSink) BatchReady()              { s.batchReadyN++ }
func (s *stringSink) CheckTask(*Task[string, string, string]) {}
func (s *stringSink) QueueProcessing(tasks []*Task[string, string, string]) {
	s.queueReceived = append(s.queueReceived, tasks)
	// Synchronously "process": append this task's payload to the
	// previous task's processed output.
	for _, t := range tasks {
		prevStr, _, _ := t.Previous().TryGet()
		payload, _, _ := t.DownloadPayload().TryGet()
		out := payload
		if prevStr != "" {
			out = prevStr + " " + payload
		}
		t.Process(out)
	}
}
func (s *stringSink) UpdateTip(pos spvtypes.Position, finished string) {
	s.tips = append(s.tips, pos)
	s.tipData = append(s.tipData, finished)
}
func (s *stringSink) TriggerStateMachine() { s.triggerN++ }

func posAt(h int64) spvtypes.Position {
	var hash [32]byte
	hash[0] = byte(h)
	return spvtypes.Position{Height: h, Hash: hash}
}

func TestDownloadHappyPath(t *testing.T) {
	sink := &stringSink{batchSz: 3}
	seed := future.NewCell[string]()
	seed.Set("0")
	mgr := NewManager[string, string, string](sink, 0, spvtypes.Position{Height: -1}, seed)

	var positions []PosExtra[string]
	for h := int64(1); h <= 11; h++ {
		positions = append(positions, PosExtra[string]{Position: posAt(h), Extra: ""})
	}
	mgr.UpdatePosition(positions, nil)

	var batches []*Batch[string, string, string]
	for {
		b := mgr.AllocateBatch(nil)
		if len(b.Tasks) == 0 {
			break
		}
		batches = append(batches, b)
	}
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches (3,3,3,2), got %d", len(batches))
	}

	for i, b := range batches {
		for j, tsk := range b.Tasks {
			payload := fmt.Sprintf("%d", tsk.Position.Height)
			if !tsk.Download(payload, nil) {
				t.Fatalf("batch %d task %d: download failed", i, j)
			}
		}
		mgr.StateMachine()
		b.Close()
	}
	// drive state machine a few more times to flush any trailing
	// contiguous runs.
	for i := 0; i < 3; i++ {
		mgr.StateMachine()
	}

	done := mgr.Done()
	if done.Height != 11 {
		t.Fatalf("expected tip height 11, got %d", done.Height)
	}
	if len(sink.tipData) == 0 || sink.tipData[len(sink.tipData)-1] != "0 1 2 3 4 5 6 7 8 9 10 11" {
		t.Fatalf("unexpected final processed data: %v", sink.tipData)
	}
}

func TestOutOfOrderProcessing(t *testing.T) {
	sink := &stringSink{batchSz: 1}
	seed := future.NewCell[string]()
	seed.Set("2")
	mgr := NewManager[string, string, string](sink, 0, posAt(2), seed)

	mgr.UpdatePosition([]PosExtra[string]{
		{Position: posAt(3), Extra: ""},
		{Position: posAt(4), Extra: ""},
		{Position: posAt(5), Extra: ""},
	}, nil)

	var batches []*Batch[string, string, string]
	for i := 0; i < 3; i++ {
		batches = append(batches, mgr.AllocateBatch(nil))
	}
	// b, c, a order => batches[1] (height4), batches[2] (height5), batches[0] (height3)
	order := []int{1, 2, 0}
	for i, idx := range order {
		b := batches[idx]
		for _, tsk := range b.Tasks {
			tsk.Download(fmt.Sprintf("%d", tsk.Position.Height), nil)
		}
		mgr.StateMachine()
		if i < 2 {
			if mgr.Done().Height != 2 {
				t.Fatalf("tip should stay at 2 until contiguous run completes, got %d", mgr.Done().Height)
			}
		}
	}
	// The third pass hands a to processing after its prefix promotion
	// has already run; the next pass promotes the whole 3..5 run at once.
	mgr.StateMachine()
	if mgr.Done().Height != 5 {
		t.Fatalf("expected tip to catch up to 5, got %d", mgr.Done().Height)
	}
}

func TestReorgTruncatesBuffer(t *testing.T) {
	sink := &stringSink{batchSz: 20}
	seed := future.NewCell[string]()
	seed.Set("0")
	mgr := NewManager[string, string, string](sink, 0, spvtypes.Position{Height: -1}, seed)

	var positions []PosExtra[string]
	for h := int64(1); h <= 13; h++ {
		positions = append(positions, PosExtra[string]{Position: posAt(h), Extra: ""})
	}
	mgr.UpdatePosition(positions, nil)
	if mgr.BufferLen() != 13 {
		t.Fatalf("expected buffer of 13, got %d", mgr.BufferLen())
	}

	prior := future.NewCell[string]()
	prior.Set("prior@9")
	var reorgPositions []PosExtra[string]
	for _, h := range []int64{10, 11, 12} {
		var hash [32]byte
		hash[0] = 0xaa
		hash[1] = byte(h)
		reorgPositions = append(reorgPositions, PosExtra[string]{Position: spvtypes.Position{Height: h, Hash: hash}, Extra: ""})
	}
	mgr.UpdatePosition(reorgPositions, prior)

	if mgr.BufferLen() != 12 {
		t.Fatalf("expected buffer size 12 (1..9 survive + 10a..12a), got %d", mgr.BufferLen())
	}
	if mgr.Known().Height != 12 {
		t.Fatalf("expected known height 12, got %d", mgr.Known().Height)
	}
}
