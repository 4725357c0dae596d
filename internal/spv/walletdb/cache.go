package walletdb

import "sync"

// writeCache is a simple write-through cache shape: reads check the
// cache first, writes update both the cache and (by the caller) the
// backing store within the same batch. Supplemented from
// original_source/Wallet.hpp, which keeps a per-sub-store LRU; no
// eviction beyond a full flush is implemented. None of the sub-stores
// in this package holds a writeCache: their reads and writes go
// straight to the backing db.
type writeCache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func newWriteCache[K comparable, V any]() *writeCache[K, V] {
	return &writeCache[K, V]{data: make(map[K]V)}
}

func (c *writeCache[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[k]
	return v, ok
}

func (c *writeCache[K, V]) set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = v
}

func (c *writeCache[K, V]) delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, k)
}

// flush drops the entire cache, forcing the next read to reload from
// disk. Nothing in this package calls it, including on a failed
// database transaction.
func (c *writeCache[K, V]) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[K]V)
}
