package keychain

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
)

// NotificationCache memoizes the one-time notification-subchain
// elements derived for incoming/outgoing contact handshakes, avoiding
// re-deriving the same child key on every scan tick. Supplemented from
// the original implementation's NotificationStateData element cache,
// which keeps an in-memory map from contact to their current
// notification element rather than re-walking the HD tree each cycle.
type NotificationCache struct {
	mu    sync.RWMutex
	elems map[spvtypes.KeyID][]byte
}

// NewNotificationCache returns an empty cache.
func NewNotificationCache() *NotificationCache {
	return &NotificationCache{elems: make(map[spvtypes.KeyID][]byte)}
}

// Get returns the cached element for id, if present.
func (c *NotificationCache) Get(id spvtypes.KeyID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.elems[id]
	return v, ok
}

// Put stores the derived element for id.
func (c *NotificationCache) Put(id spvtypes.KeyID, element []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems[id] = element
}

// Forget drops a contact's cached element once its notification
// subchain has rotated past it.
func (c *NotificationCache) Forget(id spvtypes.KeyID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.elems, id)
}
