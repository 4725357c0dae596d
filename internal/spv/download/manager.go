package download

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/future"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

// Sink is the per-use-case behavior a Manager is parameterised over —
// the Go translation of the source's CRTP subclass (§9: "represent as
// a trait/interface pair... no inheritance is needed").
type Sink[D any, F any, E any] interface {
	BatchSize(unallocated int) int
	BatchReady()
	CheckTask(t *Task[D, F, E])
	QueueProcessing(tasks []*Task[D, F, E])
	UpdateTip(pos spvtypes.Position, finished F)
	TriggerStateMachine()
}

// PosExtra pairs a position with the per-task extra data used to
// construct new tasks in UpdatePosition.
type PosExtra[E any] struct {
	Position spvtypes.Position
	Extra    E
}

// Manager owns a sliding buffer of tasks, allocates batches to
// workers, drives state transitions, and updates the persisted tip.
type Manager[D any, F any, E any] struct {
	mu sync.Mutex

	sink     Sink[D, F, E]
	maxQueue int // 0 means unlimited

	buffer []*Task[D, F, E]
	next   int // index of first unallocated task

	done spvtypes.Position
	known spvtypes.Position

	prevAnchor *future.Cell[F]

	batchIDCounter int64
}

// NewManager constructs a Manager with done == known == start, and
// seedPrevious as the "previous" anchor for the first task appended
// by a later UpdatePosition call.
func NewManager[D any, F any, E any](sink Sink[D, F, E], maxQueue int, start spvtypes.Position, seedPrevious *future.Cell[F]) *Manager[D, F, E] {
	return &Manager[D, F, E]{
		sink:       sink,
		maxQueue:   maxQueue,
		done:       start,
		known:      start,
		prevAnchor: seedPrevious,
	}
}

// Done returns the highest durably-processed position.
func (m *Manager[D, F, E]) Done() spvtypes.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Known returns the highest position appended to the buffer.
func (m *Manager[D, F, E]) Known() spvtypes.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known
}

// BufferLen returns the current buffer size (for tests/diagnostics).
func (m *Manager[D, F, E]) BufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// UpdatePosition extends (or, on reorg, truncates-then-extends) the
// buffer with new positions. If the incoming start height is ≤ known,
// the buffer is truncated at that height first (a reorg); prior seeds
// the "previous" anchor if the buffer becomes empty.
func (m *Manager[D, F, E]) UpdatePosition(positions []PosExtra[E], prior *future.Cell[F]) {
	if len(positions) == 0 {
		return
	}
	m.mu.Lock()

	start := positions[0].Position.Height
	if start <= m.known.Height {
		keep := 0
		for keep < len(m.buffer) && m.buffer[keep].Position.Height < start {
			keep++
		}
		m.buffer = append([]*Task[D, F, E]{}, m.buffer[:keep]...)
		if m.next > len(m.buffer) {
			m.next = len(m.buffer)
		}
		if len(m.buffer) > 0 {
			m.prevAnchor = m.buffer[len(m.buffer)-1].Processed()
		} else if prior != nil {
			m.prevAnchor = prior
		}
	}

	var appended []*Task[D, F, E]
	for _, pe := range positions {
		if m.maxQueue > 0 && len(m.buffer) >= m.maxQueue {
			break
		}
		t := NewTask[D, F, E](pe.Position, pe.Extra, m.prevAnchor)
		m.buffer = append(m.buffer, t)
		m.prevAnchor = t.Processed()
		m.known = pe.Position
		appended = append(appended, t)
	}
	sink := m.sink
	m.mu.Unlock()

	for _, t := range appended {
		sink.CheckTask(t)
	}
	sink.TriggerStateMachine()
}

// AllocateBatch returns a batch of up to batch_size tasks starting at
// the first unallocated index, CAS'ing each New -> Downloading. It
// stops at the first non-New task once at least one has been
// collected (but skips past non-New tasks at the head of the scan).
func (m *Manager[D, F, E]) AllocateBatch(extra any) *Batch[D, F, E] {
	m.mu.Lock()

	if m.next >= len(m.buffer) {
		m.mu.Unlock()
		return &Batch[D, F, E]{ID: 0, finish: m.finishBatch}
	}

	size := m.sink.BatchSize(len(m.buffer) - m.next)
	var allocated []*Task[D, F, E]
	i := m.next
	for i < len(m.buffer) && len(allocated) < size {
		t := m.buffer[i]
		if t.CAS(StateNew, StateDownloading) {
			allocated = append(allocated, t)
			i++
			continue
		}
		if len(allocated) == 0 {
			i++
			continue
		}
		break
	}
	m.next = i
	m.batchIDCounter++
	id := m.batchIDCounter
	m.mu.Unlock()

	return &Batch[D, F, E]{ID: id, Tasks: allocated, Extra: extra, finish: m.finishBatch}
}

// finishBatch is the Batch.Close() callback: any task still
// Downloading (never downloaded/processed before the batch was
// released — shutdown or idle timeout) is reset to New, and the
// allocation cursor moves back to the earliest such task so a later
// allocation retries it.
func (m *Manager[D, F, E]) finishBatch(b *Batch[D, F, E]) {
	m.mu.Lock()
	for _, t := range b.Tasks {
		if !t.CAS(StateDownloading, StateNew) {
			continue
		}
		for i := 0; i < m.next && i < len(m.buffer); i++ {
			if m.buffer[i] == t {
				m.next = i
				break
			}
		}
	}
	sink := m.sink
	m.mu.Unlock()
	sink.TriggerStateMachine()
}

// StateMachine advances the pipeline under the manager lock:
//  1. promotes done past the longest Processed prefix, persisting tip;
//  2. promotes the longest Downloaded prefix to Processing and hands
//     it to queue_processing;
//  3. requests another allocation round if work remains.
//
// Returns whether any state advanced.
func (m *Manager[D, F, E]) StateMachine() bool {
	m.mu.Lock()

	advanced := false

	prefixLen := 0
	for prefixLen < len(m.buffer) && m.buffer[prefixLen].State() == StateProcessed {
		prefixLen++
	}
	var tipPos spvtypes.Position
	var tipVal F
	tipAdvanced := false
	if prefixLen > 0 {
		last := m.buffer[prefixLen-1]
		if val, _, ok := last.Processed().TryGet(); ok {
			tipPos = last.Position
			tipVal = val
			tipAdvanced = true
			m.done = tipPos
			advanced = true
		}
		m.buffer = append([]*Task[D, F, E]{}, m.buffer[prefixLen:]...)
		m.next -= prefixLen
		if m.next < 0 {
			m.next = 0
		}
	}

	var toProcess []*Task[D, F, E]
	for idx := 0; idx < len(m.buffer); idx++ {
		t := m.buffer[idx]
		if t.State() != StateDownloaded {
			break
		}
		if !t.CAS(StateDownloaded, StateProcessing) {
			break
		}
		toProcess = append(toProcess, t)
		advanced = true
	}

	workRemains := m.next < len(m.buffer)
	sink := m.sink
	m.mu.Unlock()

	if tipAdvanced {
		sink.UpdateTip(tipPos, tipVal)
	}
	if len(toProcess) > 0 {
		sink.QueueProcessing(toProcess)
	}
	if workRemains {
		sink.BatchReady()
	}
	return advanced
}

// Reset abandons the buffer entirely: done == known == position,
// previous seeds the chain for subsequent UpdatePosition calls. Used
// on reorg deeper than the buffer, or checkpoint failure.
func (m *Manager[D, F, E]) Reset(position spvtypes.Position, previous *future.Cell[F]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = nil
	m.next = 0
	m.done = position
	m.known = position
	m.prevAnchor = previous
}
