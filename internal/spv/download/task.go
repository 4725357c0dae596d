// Package download implements the generic pipelined download manager
// (components A and B): Task, Batch, Download Buffer, and Manager.
package download

import (
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/future"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

// State is a Task's position in the download/process pipeline.
// Transitions only ever advance via CAS, except explicit
// redownload/error paths that return a task to New.
type State int32

const (
	StateNew State = iota
	StateDownloading
	StateDownloaded
	StateProcessing
	StateProcessed
	// StateUpdate is the transient CAS intermediate used while a
	// future is being fulfilled, so no other goroutine observes a
	// half-updated task.
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateProcessing:
		return "processing"
	case StateProcessed:
		return "processed"
	case StateUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Task is one block's position in the pipeline: a position, an atomic
// state cell, a downloaded-payload future, and a processed-output
// future (shared with the next task's "previous" reference).
type Task[D any, F any, E any] struct {
	Position spvtypes.Position
	Extra    E

	state atomic.Int32

	mu        sync.Mutex
	download  *future.Cell[D]
	processed *future.Cell[F]
	previous  *future.Cell[F] // predecessor's processed-output cell
}

// NewTask constructs a task at position pos, chaining its "previous"
// reference to prev (the predecessor's processed-output cell, or a
// seeded initial cell for the first task in a buffer).
func NewTask[D any, F any, E any](pos spvtypes.Position, extra E, prev *future.Cell[F]) *Task[D, F, E] {
	return &Task[D, F, E]{
		Position:  pos,
		Extra:     extra,
		download:  future.NewCell[D](),
		processed: future.NewCell[F](),
		previous:  prev,
	}
}

// State returns the task's current state.
func (t *Task[D, F, E]) State() State {
	return State(t.state.Load())
}

// CAS attempts the given state transition.
func (t *Task[D, F, E]) CAS(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// Previous returns the predecessor's processed-output future.
func (t *Task[D, F, E]) Previous() *future.Cell[F] {
	return t.previous
}

// Processed returns this task's own processed-output future.
func (t *Task[D, F, E]) Processed() *future.Cell[F] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}

// Download fulfills the download-payload future. If check is
// non-nil and it rejects the task's ExtraData, the transition is
// aborted and the task is restored to Downloading.
func (t *Task[D, F, E]) Download(payload D, check func(E) bool) bool {
	if !t.CAS(StateDownloading, StateUpdate) {
		return false
	}
	if check != nil && !check(t.Extra) {
		t.state.Store(int32(StateDownloading))
		return false
	}
	t.download.Set(payload)
	t.state.Store(int32(StateDownloaded))
	return true
}

// DownloadPayload returns the download-payload future.
func (t *Task[D, F, E]) DownloadPayload() *future.Cell[D] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.download
}

// Process fulfills the processed-output future with a successful
// result. Idempotent after the first success.
func (t *Task[D, F, E]) Process(result F) bool {
	if !t.CAS(StateProcessing, StateUpdate) {
		return false
	}
	t.processed.Set(result)
	t.state.Store(int32(StateProcessed))
	return true
}

// ProcessErr rewires both futures to fresh unfulfilled cells, records
// err to the old processed-future (so anyone already waiting on it
// observes the failure), and returns the task to New so it will be
// redownloaded.
func (t *Task[D, F, E]) ProcessErr(err error) bool {
	if !t.CAS(StateProcessing, StateUpdate) {
		return false
	}
	t.mu.Lock()
	oldProcessed := t.processed
	t.download = future.NewCell[D]()
	t.processed = future.NewCell[F]()
	t.mu.Unlock()
	oldProcessed.SetErr(err)
	t.state.Store(int32(StateNew))
	return true
}

// Redownload clears the download-future only and returns the task to
// New.
func (t *Task[D, F, E]) Redownload() bool {
	if !t.CAS(StateProcessing, StateUpdate) {
		return false
	}
	t.mu.Lock()
	t.download = future.NewCell[D]()
	t.mu.Unlock()
	t.state.Store(int32(StateNew))
	return true
}
