package filter

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

var (
	prefixHeader = []byte("h/") // h/<height(8, BE)> -> 32-byte cfheader
	keyTip       = []byte("s/tip")
)

// headerStore persists the cfheader this oracle has itself computed
// and checkpoint-verified at each height, keyed by height. This is
// the local analogue of the original's database_.LoadFilterHeader/
// StoreFilterHeader (FilterOracle.cpp): startup reconciliation must
// compare a checkpoint against the oracle's own prior output, not
// against the block hash the chain already tracks independently.
type headerStore struct {
	db storage.DB
}

func newHeaderStore(db storage.DB) *headerStore {
	return &headerStore{db: db}
}

func headerKey(height int64) []byte {
	key := make([]byte, len(prefixHeader)+8)
	copy(key, prefixHeader)
	binary.BigEndian.PutUint64(key[len(prefixHeader):], uint64(height))
	return key
}

// Save records the cfheader confirmed at height.
func (s *headerStore) Save(height int64, header [32]byte) error {
	if err := s.db.Put(headerKey(height), header[:]); err != nil {
		return fmt.Errorf("spv: filter header store put: %w", err)
	}
	return nil
}

// Load returns the cfheader previously confirmed at height, if any.
func (s *headerStore) Load(height int64) ([32]byte, bool) {
	data, err := s.db.Get(headerKey(height))
	if err != nil || len(data) != 32 {
		return [32]byte{}, false
	}
	var h [32]byte
	copy(h[:], data)
	return h, true
}

// SaveTip records the most recently published position.
func (s *headerStore) SaveTip(pos spvtypes.Position) error {
	if err := s.db.Put(keyTip, pos.Bytes()); err != nil {
		return fmt.Errorf("spv: filter tip store put: %w", err)
	}
	return nil
}

// LoadTip returns the last persisted tip, if any.
func (s *headerStore) LoadTip() (spvtypes.Position, bool) {
	data, err := s.db.Get(keyTip)
	if err != nil {
		return spvtypes.Blank, false
	}
	return spvtypes.PositionFromBytes(data)
}
