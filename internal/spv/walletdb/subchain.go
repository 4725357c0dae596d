package walletdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// Key prefixes for the subchain sub-store, following the same
// "short-prefix + binary key" convention as internal/utxo/store.go.
var (
	prefixSubchainMeta    = []byte("s/m/")  // s/m/<index32> -> subchainMeta JSON
	prefixLastScanned     = []byte("s/ls/") // s/ls/<index32> -> BE int64 height
	prefixPattern         = []byte("s/p/")  // s/p/<index32><child4> -> element bytes
	prefixPatternIndex    = []byte("s/pi/") // s/pi/<patternID32> -> index32 + child4
	prefixMatch           = []byte("s/mi/") // s/mi/<index32><height8> -> patternID32
)

// subchainMeta is the id_index row: everything needed to identify and
// drive element generation for one subchain.
type subchainMeta struct {
	Subaccount       types.Hash            `json:"subaccount"`
	Kind             spvtypes.SubchainKind `json:"kind"`
	FilterType       spvtypes.FilterType   `json:"filter_type"`
	Version          uint32                `json:"version"`
	LastIndexedChild uint32                `json:"last_indexed_child"`
}

// SubchainStore implements the id_index/last_indexed/last_scanned/
// pattern_index/patterns/match_index tables of §4.5.1.
type SubchainStore struct {
	db  storage.DB
	log zerolog.Logger
}

func newSubchainStore(db storage.DB, logger zerolog.Logger) *SubchainStore {
	return &SubchainStore{db: db, log: logger.With().Str("store", "subchain").Logger()}
}

func metaKey(index spvtypes.SubchainIndex) []byte {
	return append(append([]byte{}, prefixSubchainMeta...), index.Bytes()...)
}

func lastScannedKey(index spvtypes.SubchainIndex) []byte {
	return append(append([]byte{}, prefixLastScanned...), index.Bytes()...)
}

func patternKey(index spvtypes.SubchainIndex, childIndex uint32) []byte {
	key := make([]byte, 0, len(prefixPattern)+32+4)
	key = append(key, prefixPattern...)
	key = append(key, index.Bytes()...)
	key = binary.BigEndian.AppendUint32(key, childIndex)
	return key
}

func patternIndexKey(id spvtypes.PatternID) []byte {
	return append(append([]byte{}, prefixPatternIndex...), types.Hash(id).Bytes()...)
}

func matchKey(index spvtypes.SubchainIndex, height int64) []byte {
	key := make([]byte, 0, len(prefixMatch)+32+8)
	key = append(key, prefixMatch...)
	key = append(key, index.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, uint64(height))
	return key
}

// GetOrCreateIndex returns the deterministic subchain index for
// (subaccount, kind, filter type, version), creating its id_index row
// on first use.
func (s *SubchainStore) GetOrCreateIndex(subaccount types.Hash, kind spvtypes.SubchainKind, ft spvtypes.FilterType, version uint32) (spvtypes.SubchainIndex, error) {
	index := spvtypes.NewSubchainIndex(subaccount, kind, ft, version)
	key := metaKey(index)
	if has, err := s.db.Has(key); err != nil {
		return index, fmt.Errorf("spv: subchain meta has: %w", err)
	} else if has {
		return index, nil
	}
	meta := subchainMeta{Subaccount: subaccount, Kind: kind, FilterType: ft, Version: version}
	data, err := json.Marshal(meta)
	if err != nil {
		return index, fmt.Errorf("spv: subchain meta marshal: %w", err)
	}
	if err := s.db.Put(key, data); err != nil {
		return index, fmt.Errorf("spv: subchain meta put: %w", err)
	}
	return index, nil
}

func (s *SubchainStore) getMeta(index spvtypes.SubchainIndex) (subchainMeta, error) {
	data, err := s.db.Get(metaKey(index))
	if err != nil {
		return subchainMeta{}, fmt.Errorf("spv: subchain meta get: %w", err)
	}
	var meta subchainMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return subchainMeta{}, fmt.Errorf("spv: subchain meta unmarshal: %w", err)
	}
	return meta, nil
}

// AddElements appends newly derived filter elements starting at
// fromChild, recording each under its pattern id and advancing
// last_indexed_child. Batched atomically when the backing db supports
// storage.Batcher.
func (s *SubchainStore) AddElements(index spvtypes.SubchainIndex, fromChild uint32, elements [][]byte) error {
	meta, err := s.getMeta(index)
	if err != nil {
		return err
	}
	b := batcher(s.db)
	put := s.db.Put
	if b != nil {
		batch := b.NewBatch()
		put = batch.Put
		for i, el := range elements {
			child := fromChild + uint32(i)
			pid := spvtypes.NewPatternID(index, child)
			if err := put(patternKey(index, child), el); err != nil {
				return fmt.Errorf("spv: pattern put: %w", err)
			}
			idxVal := append(append([]byte{}, index.Bytes()...), make([]byte, 4)...)
			binary.BigEndian.PutUint32(idxVal[32:], child)
			if err := put(patternIndexKey(pid), idxVal); err != nil {
				return fmt.Errorf("spv: pattern index put: %w", err)
			}
		}
		meta.LastIndexedChild = fromChild + uint32(len(elements))
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("spv: subchain meta marshal: %w", err)
		}
		if err := put(metaKey(index), data); err != nil {
			return fmt.Errorf("spv: subchain meta put: %w", err)
		}
		return batch.Commit()
	}
	for i, el := range elements {
		child := fromChild + uint32(i)
		pid := spvtypes.NewPatternID(index, child)
		if err := put(patternKey(index, child), el); err != nil {
			return fmt.Errorf("spv: pattern put: %w", err)
		}
		idxVal := append(append([]byte{}, index.Bytes()...), make([]byte, 4)...)
		binary.BigEndian.PutUint32(idxVal[32:], child)
		if err := put(patternIndexKey(pid), idxVal); err != nil {
			return fmt.Errorf("spv: pattern index put: %w", err)
		}
	}
	meta.LastIndexedChild = fromChild + uint32(len(elements))
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spv: subchain meta marshal: %w", err)
	}
	return put(metaKey(index), data)
}

// GetPatterns returns every filter element registered for index.
func (s *SubchainStore) GetPatterns(index spvtypes.SubchainIndex) ([][]byte, error) {
	prefix := make([]byte, 0, len(prefixPattern)+32)
	prefix = append(prefix, prefixPattern...)
	prefix = append(prefix, index.Bytes()...)
	var out [][]byte
	err := s.db.ForEach(prefix, func(_, value []byte) error {
		v := append([]byte(nil), value...)
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spv: scan patterns: %w", err)
	}
	return out, nil
}

// GetUntestedPatterns returns the elements added at or after
// afterChild (inclusive) — patterns generated since a subchain's gap
// limit was last extended that have not yet been run against any
// filter.
func (s *SubchainStore) GetUntestedPatterns(index spvtypes.SubchainIndex, afterChild uint32) ([][]byte, error) {
	prefix := make([]byte, 0, len(prefixPattern)+32)
	prefix = append(prefix, prefixPattern...)
	prefix = append(prefix, index.Bytes()...)
	off := len(prefixPattern) + 32
	var out [][]byte
	err := s.db.ForEach(prefix, func(key, value []byte) error {
		if len(key) < off+4 {
			return nil
		}
		child := binary.BigEndian.Uint32(key[off:])
		if child < afterChild {
			return nil
		}
		v := append([]byte(nil), value...)
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spv: scan untested patterns: %w", err)
	}
	return out, nil
}

// LastIndexedChild returns the next free bip32 child index for index.
func (s *SubchainStore) LastIndexedChild(index spvtypes.SubchainIndex) (uint32, error) {
	meta, err := s.getMeta(index)
	if err != nil {
		return 0, err
	}
	return meta.LastIndexedChild, nil
}

// GetLastScanned returns the last height scanned for index, or false
// if the subchain has never been scanned.
func (s *SubchainStore) GetLastScanned(index spvtypes.SubchainIndex) (int64, bool, error) {
	data, err := s.db.Get(lastScannedKey(index))
	if err != nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("spv: malformed last_scanned row")
	}
	return int64(binary.BigEndian.Uint64(data)), true, nil
}

// SetLastScanned persists the scan cursor for index.
func (s *SubchainStore) SetLastScanned(index spvtypes.SubchainIndex, height int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	if err := s.db.Put(lastScannedKey(index), buf[:]); err != nil {
		return fmt.Errorf("spv: set last_scanned: %w", err)
	}
	return nil
}

// RecordMatch notes that pattern id matched at height, for the
// match_index table consulted when deciding whether a rescan needs to
// widen its lower bound.
func (s *SubchainStore) RecordMatch(index spvtypes.SubchainIndex, height int64, id spvtypes.PatternID) error {
	if err := s.db.Put(matchKey(index, height), types.Hash(id).Bytes()); err != nil {
		return fmt.Errorf("spv: record match: %w", err)
	}
	return nil
}

// Reorg drops match_index rows above toHeight and clamps last_scanned
// down to toHeight if it had advanced past the rewound tip.
func (s *SubchainStore) Reorg(index spvtypes.SubchainIndex, toHeight int64) error {
	prefix := make([]byte, 0, len(prefixMatch)+32)
	prefix = append(prefix, prefixMatch...)
	prefix = append(prefix, index.Bytes()...)
	off := len(prefixMatch) + 32
	var stale [][]byte
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) < off+8 {
			return nil
		}
		h := int64(binary.BigEndian.Uint64(key[off:]))
		if h > toHeight {
			k := append([]byte(nil), key...)
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("spv: scan match index for reorg: %w", err)
	}
	for _, k := range stale {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("spv: delete stale match: %w", err)
		}
	}

	last, ok, err := s.GetLastScanned(index)
	if err != nil {
		return err
	}
	if ok && last > toHeight {
		return s.SetLastScanned(index, toHeight)
	}
	return nil
}
