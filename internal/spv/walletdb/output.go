package walletdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/spv/spvtypes"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// Key prefixes for the output table and its six secondary indexes:
// state, nym, (nym, subaccount), key, pattern, and txid. Primary row
// key is the outpoint itself, following internal/utxo/store.go's
// convention.
var (
	prefixOutput    = []byte("o/o/")
	prefixOutState  = []byte("o/st/")
	prefixOutNym    = []byte("o/n/")
	prefixOutNymSub = []byte("o/ns/")
	prefixOutKey    = []byte("o/k/")
	prefixOutPat    = []byte("o/p/")
	prefixOutTxID   = []byte("o/tx/")
)

// Output is one tracked transaction output, confirmed, mempool, or
// self-produced-but-not-yet-broadcast, per the TxoState machine of
// §4.5.2.
type Output struct {
	Outpoint spvtypes.Outpoint     `json:"outpoint"`
	Subchain spvtypes.SubchainIndex `json:"subchain"`
	Pattern  spvtypes.PatternID    `json:"pattern"`
	Key      spvtypes.KeyID        `json:"key"`
	Nym      types.Hash            `json:"nym"`
	Value    uint64                `json:"value"`
	Script   []byte                `json:"script"`

	State  spvtypes.TxoState `json:"state"`
	Height int64             `json:"height"` // 0 => unconfirmed

	// MatureAt is the height at which an immature (e.g. coinbase-like)
	// output becomes spendable; zero when not applicable.
	MatureAt int64 `json:"mature_at,omitempty"`

	SpentTxID   *types.Hash `json:"spent_txid,omitempty"`
	SpentHeight int64       `json:"spent_height,omitempty"`

	// ProposalID and PreReserveState are set only while a spend
	// proposal holds this output; cleared on CancelProposal or
	// ForgetProposals.
	ProposalID      *types.Hash       `json:"proposal_id,omitempty"`
	PreReserveState spvtypes.TxoState `json:"pre_reserve_state,omitempty"`
}

// NewOutput is the minimal information needed to record a
// newly-observed output belonging to this wallet.
type NewOutput struct {
	Outpoint spvtypes.Outpoint
	Subchain spvtypes.SubchainIndex
	Pattern  spvtypes.PatternID
	Key      spvtypes.KeyID
	Nym      types.Hash
	Value    uint64
	Script   []byte
}

// OutputStore implements the outputs table and its secondary indexes.
type OutputStore struct {
	db  storage.DB
	log zerolog.Logger
}

func newOutputStore(db storage.DB, logger zerolog.Logger) *OutputStore {
	return &OutputStore{db: db, log: logger.With().Str("store", "output").Logger()}
}

func outputKey(op spvtypes.Outpoint) []byte {
	return append(append([]byte{}, prefixOutput...), spvtypes.OutpointBytes(op)...)
}

func outStateKey(state spvtypes.TxoState, op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutState)+1+36)
	key = append(key, prefixOutState...)
	key = append(key, byte(state))
	return append(key, spvtypes.OutpointBytes(op)...)
}

func outNymKey(nym types.Hash, op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutNym)+32+36)
	key = append(key, prefixOutNym...)
	key = append(key, nym[:]...)
	return append(key, spvtypes.OutpointBytes(op)...)
}

func outNymSubKey(nym, subaccount types.Hash, op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutNymSub)+64+36)
	key = append(key, prefixOutNymSub...)
	key = append(key, nym[:]...)
	key = append(key, subaccount[:]...)
	return append(key, spvtypes.OutpointBytes(op)...)
}

func outKeyKey(k spvtypes.KeyID, op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutKey)+37+36)
	key = append(key, prefixOutKey...)
	key = append(key, k.Subaccount[:]...)
	key = append(key, byte(k.Kind))
	key = binary.BigEndian.AppendUint32(key, k.ChildIndex)
	return append(key, spvtypes.OutpointBytes(op)...)
}

func outPatternKey(pid spvtypes.PatternID, op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutPat)+32+36)
	key = append(key, prefixOutPat...)
	key = append(key, types.Hash(pid).Bytes()...)
	return append(key, spvtypes.OutpointBytes(op)...)
}

func outTxIDKey(op spvtypes.Outpoint) []byte {
	key := make([]byte, 0, len(prefixOutTxID)+36)
	key = append(key, prefixOutTxID...)
	key = append(key, op.TxID[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

func (s *OutputStore) get(op spvtypes.Outpoint) (*Output, error) {
	data, err := s.db.Get(outputKey(op))
	if err != nil {
		return nil, fmt.Errorf("spv: output get: %w", err)
	}
	var o Output
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("spv: output unmarshal: %w", err)
	}
	return &o, nil
}

// Get returns the tracked output at op, or (nil, nil) if untracked.
func (s *OutputStore) Get(op spvtypes.Outpoint) (*Output, error) {
	o, err := s.get(op)
	if err != nil {
		return nil, nil
	}
	return o, nil
}

// put writes o's primary row, refreshes its state index (deleting the
// old one if the state changed from prevState), and writes the
// remaining indexes, which never change across o's lifetime.
func (s *OutputStore) put(put func([]byte, []byte) error, del func([]byte) error, o *Output, prevState *spvtypes.TxoState) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("spv: output marshal: %w", err)
	}
	if err := put(outputKey(o.Outpoint), data); err != nil {
		return fmt.Errorf("spv: output put: %w", err)
	}
	if prevState != nil && *prevState != o.State {
		if err := del(outStateKey(*prevState, o.Outpoint)); err != nil {
			return fmt.Errorf("spv: output state index delete: %w", err)
		}
	}
	if err := put(outStateKey(o.State, o.Outpoint), []byte{}); err != nil {
		return fmt.Errorf("spv: output state index put: %w", err)
	}
	if prevState == nil {
		if err := put(outNymKey(o.Nym, o.Outpoint), []byte{}); err != nil {
			return err
		}
		if err := put(outNymSubKey(o.Nym, o.Key.Subaccount, o.Outpoint), []byte{}); err != nil {
			return err
		}
		if err := put(outKeyKey(o.Key, o.Outpoint), []byte{}); err != nil {
			return err
		}
		if err := put(outPatternKey(o.Pattern, o.Outpoint), []byte{}); err != nil {
			return err
		}
		if err := put(outTxIDKey(o.Outpoint), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *OutputStore) writer() (put func([]byte, []byte) error, del func([]byte) error, commit func() error) {
	b := batcher(s.db)
	if b == nil {
		return s.db.Put, s.db.Delete, func() error { return nil }
	}
	batch := b.NewBatch()
	return batch.Put, batch.Delete, batch.Commit
}

// AddConfirmedTransactions records newly-confirmed outputs at height
// and marks any of our own outputs consumed as inputs as spent.
func (s *OutputStore) AddConfirmedTransactions(height int64, newOutputs []NewOutput, spent []spvtypes.Outpoint) error {
	put, del, commit := s.writer()
	for _, n := range newOutputs {
		o := &Output{
			Outpoint: n.Outpoint, Subchain: n.Subchain, Pattern: n.Pattern,
			Key: n.Key, Nym: n.Nym, Value: n.Value, Script: n.Script,
			State: spvtypes.TxoConfirmedNew, Height: height,
		}
		if err := s.put(put, del, o, nil); err != nil {
			return err
		}
	}
	for _, op := range spent {
		existing, err := s.get(op)
		if err != nil {
			continue // not ours, nothing to mark
		}
		prev := existing.State
		existing.State = spvtypes.TxoConfirmedSpend
		existing.SpentHeight = height
		if err := s.put(put, del, existing, &prev); err != nil {
			return err
		}
	}
	return commit()
}

// AddMempoolTransaction records an unconfirmed transaction observed in
// the mempool: new outputs land as unconfirmed-new, and any of our
// inputs it spends move to unconfirmed-spend.
func (s *OutputStore) AddMempoolTransaction(newOutputs []NewOutput, spent []spvtypes.Outpoint) error {
	put, del, commit := s.writer()
	for _, n := range newOutputs {
		o := &Output{
			Outpoint: n.Outpoint, Subchain: n.Subchain, Pattern: n.Pattern,
			Key: n.Key, Nym: n.Nym, Value: n.Value, Script: n.Script,
			State: spvtypes.TxoUnconfirmedNew,
		}
		if err := s.put(put, del, o, nil); err != nil {
			return err
		}
	}
	for _, op := range spent {
		existing, err := s.get(op)
		if err != nil {
			continue
		}
		prev := existing.State
		existing.State = spvtypes.TxoUnconfirmedSpend
		if err := s.put(put, del, existing, &prev); err != nil {
			return err
		}
	}
	return commit()
}

// AddOutgoingTransaction records a transaction this wallet built and
// is about to broadcast: its new outputs are tracked the same as a
// mempool observation but tagged with the originating proposal so a
// later cancel/forget can find them without a full table scan.
func (s *OutputStore) AddOutgoingTransaction(proposalID types.Hash, newOutputs []NewOutput, spent []spvtypes.Outpoint) error {
	put, del, commit := s.writer()
	for _, n := range newOutputs {
		o := &Output{
			Outpoint: n.Outpoint, Subchain: n.Subchain, Pattern: n.Pattern,
			Key: n.Key, Nym: n.Nym, Value: n.Value, Script: n.Script,
			State: spvtypes.TxoUnconfirmedNew, ProposalID: &proposalID,
		}
		if err := s.put(put, del, o, nil); err != nil {
			return err
		}
	}
	for _, op := range spent {
		existing, err := s.get(op)
		if err != nil {
			continue
		}
		prev := existing.State
		existing.State = spvtypes.TxoUnconfirmedSpend
		existing.ProposalID = &proposalID
		if err := s.put(put, del, existing, &prev); err != nil {
			return err
		}
	}
	return commit()
}

// ReserveUTXO holds op against future spend proposals by moving it to
// TxoReserved, remembering its pre-reservation state for a later
// cancel.
func (s *OutputStore) ReserveUTXO(op spvtypes.Outpoint, proposalID types.Hash) error {
	o, err := s.get(op)
	if err != nil {
		return fmt.Errorf("spv: reserve utxo: %w", err)
	}
	if o.State != spvtypes.TxoConfirmedNew && o.State != spvtypes.TxoUnconfirmedNew {
		return fmt.Errorf("%w: output %s is not spendable (state %s)", spvtypes.ErrNoUTXOAvailable, op.TxID, o.State)
	}
	prev := o.State
	o.PreReserveState = prev
	o.State = spvtypes.TxoReserved
	o.ProposalID = &proposalID
	put, del, commit := s.writer()
	if err := s.put(put, del, o, &prev); err != nil {
		return err
	}
	return commit()
}

// CancelProposal restores every outpoint's pre-reservation state,
// releasing it back to the available pool.
func (s *OutputStore) CancelProposal(outpoints []spvtypes.Outpoint) error {
	put, del, commit := s.writer()
	for _, op := range outpoints {
		o, err := s.get(op)
		if err != nil {
			continue
		}
		if o.State != spvtypes.TxoReserved {
			continue
		}
		prev := o.State
		o.State = o.PreReserveState
		o.PreReserveState = 0
		o.ProposalID = nil
		if err := s.put(put, del, o, &prev); err != nil {
			return err
		}
	}
	return commit()
}

// ForgetProposals clears proposal bookkeeping on outpoints whose
// proposal has finalized (broadcast or permanently abandoned) without
// reverting their spend state.
func (s *OutputStore) ForgetProposals(outpoints []spvtypes.Outpoint) error {
	put, del, commit := s.writer()
	for _, op := range outpoints {
		o, err := s.get(op)
		if err != nil {
			continue
		}
		o.ProposalID = nil
		o.PreReserveState = 0
		if err := s.put(put, del, o, nil); err != nil {
			return err
		}
	}
	return commit()
}

// AdvanceTo promotes any immature output whose maturity height has
// been reached by the new chain tip.
func (s *OutputStore) AdvanceTo(height int64) error {
	var toMature []spvtypes.Outpoint
	err := s.db.ForEach(append(append([]byte{}, prefixOutState...), byte(spvtypes.TxoImmature)), func(key, _ []byte) error {
		off := len(prefixOutState) + 1
		if len(key) < off+36 {
			return nil
		}
		var op spvtypes.Outpoint
		copy(op.TxID[:], key[off:off+32])
		op.Index = binary.LittleEndian.Uint32(key[off+32:])
		toMature = append(toMature, op)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spv: scan immature outputs: %w", err)
	}
	put, del, commit := s.writer()
	for _, op := range toMature {
		o, err := s.get(op)
		if err != nil || o.MatureAt > height {
			continue
		}
		prev := o.State
		o.State = spvtypes.TxoConfirmedNew
		if err := s.put(put, del, o, &prev); err != nil {
			return err
		}
	}
	return commit()
}

// ReorgTo rolls back every output confirmed or spent above height: a
// confirmed creation above height becomes orphaned-new, and a spend
// recorded above height is un-spent back to confirmed-new.
func (s *OutputStore) ReorgTo(height int64) error {
	put, del, commit := s.writer()

	var confirmedSpends []spvtypes.Outpoint
	err := s.db.ForEach(append(append([]byte{}, prefixOutState...), byte(spvtypes.TxoConfirmedSpend)), func(key, _ []byte) error {
		off := len(prefixOutState) + 1
		if len(key) < off+36 {
			return nil
		}
		var op spvtypes.Outpoint
		copy(op.TxID[:], key[off:off+32])
		op.Index = binary.LittleEndian.Uint32(key[off+32:])
		confirmedSpends = append(confirmedSpends, op)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spv: scan confirmed-spend outputs: %w", err)
	}
	for _, op := range confirmedSpends {
		o, err := s.get(op)
		if err != nil || o.SpentHeight <= height {
			continue
		}
		prev := o.State
		o.State = spvtypes.TxoConfirmedNew
		o.SpentHeight = 0
		o.SpentTxID = nil
		if err := s.put(put, del, o, &prev); err != nil {
			return err
		}
	}

	var confirmedNew []spvtypes.Outpoint
	err = s.db.ForEach(append(append([]byte{}, prefixOutState...), byte(spvtypes.TxoConfirmedNew)), func(key, _ []byte) error {
		off := len(prefixOutState) + 1
		if len(key) < off+36 {
			return nil
		}
		var op spvtypes.Outpoint
		copy(op.TxID[:], key[off:off+32])
		op.Index = binary.LittleEndian.Uint32(key[off+32:])
		confirmedNew = append(confirmedNew, op)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spv: scan confirmed-new outputs: %w", err)
	}
	for _, op := range confirmedNew {
		o, err := s.get(op)
		if err != nil || o.Height <= height {
			continue
		}
		prev := o.State
		o.State = spvtypes.TxoOrphanedNew
		if err := s.put(put, del, o, &prev); err != nil {
			return err
		}
	}

	return commit()
}

// ByNym returns every output owned by nym.
func (s *OutputStore) ByNym(nym types.Hash) ([]*Output, error) {
	prefix := append(append([]byte{}, prefixOutNym...), nym[:]...)
	return s.scanOutpoints(prefix, len(prefix))
}

// scanOutpoints reads the trailing 36-byte outpoint out of every key
// under prefix (at byte offset off) and loads the matching output row.
func (s *OutputStore) scanOutpoints(prefix []byte, off int) ([]*Output, error) {
	var out []*Output
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) < off+36 {
			return nil
		}
		var op spvtypes.Outpoint
		copy(op.TxID[:], key[off:off+32])
		op.Index = binary.LittleEndian.Uint32(key[off+32:])
		o, err := s.get(op)
		if err != nil {
			return nil
		}
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spv: scan output index: %w", err)
	}
	return out, nil
}

// ByNymSubaccount returns every output owned by (nym, subaccount).
func (s *OutputStore) ByNymSubaccount(nym, subaccount types.Hash) ([]*Output, error) {
	prefix := append(append(append([]byte{}, prefixOutNymSub...), nym[:]...), subaccount[:]...)
	return s.scanOutpoints(prefix, len(prefix))
}

// ByState returns every output in the given lifecycle state.
func (s *OutputStore) ByState(state spvtypes.TxoState) ([]*Output, error) {
	prefix := append(append([]byte{}, prefixOutState...), byte(state))
	return s.scanOutpoints(prefix, len(prefix))
}

// ByPattern returns every output that matched the given pattern.
func (s *OutputStore) ByPattern(pid spvtypes.PatternID) ([]*Output, error) {
	prefix := append(append([]byte{}, prefixOutPat...), types.Hash(pid).Bytes()...)
	return s.scanOutpoints(prefix, len(prefix))
}

// ByTxID returns every tracked output of transaction txid.
func (s *OutputStore) ByTxID(txid types.Hash) ([]*Output, error) {
	prefix := append(append([]byte{}, prefixOutTxID...), txid[:]...)
	var out []*Output
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefixOutTxID) + 32
		if len(key) < off+4 {
			return nil
		}
		var op spvtypes.Outpoint
		copy(op.TxID[:], txid[:])
		op.Index = binary.BigEndian.Uint32(key[off:])
		o, err := s.get(op)
		if err != nil {
			return nil
		}
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spv: scan txid index: %w", err)
	}
	return out, nil
}
