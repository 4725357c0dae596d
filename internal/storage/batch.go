package storage

import "sync"

// Batch accumulates writes for a single atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	// Commit applies all accumulated writes atomically: either every
	// op lands or none does.
	Commit() error
}

// Batcher is implemented by DBs that can hand out atomic batches.
type Batcher interface {
	NewBatch() Batch
}

// NewBatch returns an atomic batch backed by a single Badger transaction.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{db: b, txn: b.db.NewTransaction(true)}
}

type badgerBatch struct {
	db  *BadgerDB
	txn interface {
		Set([]byte, []byte) error
		Delete([]byte) error
		Commit() error
		Discard()
	}
}

func (bb *badgerBatch) Put(key, value []byte) error {
	return bb.txn.Set(key, value)
}

func (bb *badgerBatch) Delete(key []byte) error {
	return bb.txn.Delete(key)
}

func (bb *badgerBatch) Commit() error {
	defer bb.txn.Discard()
	return bb.txn.Commit()
}

// NewBatch returns an atomic batch for the in-memory store. Writes are
// buffered and applied under a single lock at Commit.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

type memoryOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memoryBatch struct {
	db  *MemoryDB
	mu  sync.Mutex
	ops []memoryOp
}

func (mb *memoryBatch) Put(key, value []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	mb.ops = append(mb.ops, memoryOp{key: k, value: v})
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	k := append([]byte(nil), key...)
	mb.ops = append(mb.ops, memoryOp{key: k, delete: true})
	return nil
}

func (mb *memoryBatch) Commit() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.db.mu.Lock()
	defer mb.db.mu.Unlock()
	for _, op := range mb.ops {
		if op.delete {
			delete(mb.db.data, string(op.key))
		} else {
			mb.db.data[string(op.key)] = op.value
		}
	}
	return nil
}
