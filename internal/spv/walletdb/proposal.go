package walletdb

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

var prefixProposal = []byte("p/p/") // p/p/<id32> -> Proposal JSON

// ProposalState tracks a spend proposal through the Spend Proposal
// Builder's stage sequence (§4.6).
type ProposalState uint8

const (
	ProposalDraft ProposalState = iota
	ProposalFinalized
	ProposalBroadcast
	ProposalAbandoned
)

func (p ProposalState) String() string {
	switch p {
	case ProposalDraft:
		return "draft"
	case ProposalFinalized:
		return "finalized"
	case ProposalBroadcast:
		return "broadcast"
	case ProposalAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Proposal is a persisted spend proposal: which outputs it reserved,
// what it built, and where it is in its lifecycle.
type Proposal struct {
	ID              types.Hash        `json:"id"`
	ReservedOutputs []types.Outpoint  `json:"reserved_outputs"`
	State           ProposalState     `json:"state"`
	RawTx           []byte            `json:"raw_tx,omitempty"`
	TxID            *types.Hash       `json:"txid,omitempty"`
}

// ProposalStore implements the Proposal sub-store.
type ProposalStore struct {
	db  storage.DB
	log zerolog.Logger
}

func newProposalStore(db storage.DB, logger zerolog.Logger) *ProposalStore {
	return &ProposalStore{db: db, log: logger.With().Str("store", "proposal").Logger()}
}

func proposalKey(id types.Hash) []byte {
	return append(append([]byte{}, prefixProposal...), id[:]...)
}

// AddProposal persists a new or updated proposal.
func (s *ProposalStore) AddProposal(p *Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("spv: proposal marshal: %w", err)
	}
	if err := s.db.Put(proposalKey(p.ID), data); err != nil {
		return fmt.Errorf("spv: proposal put: %w", err)
	}
	return nil
}

// LoadProposal returns proposal id, or nil if it doesn't exist.
func (s *ProposalStore) LoadProposal(id types.Hash) (*Proposal, error) {
	data, err := s.db.Get(proposalKey(id))
	if err != nil {
		return nil, nil
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("spv: proposal unmarshal: %w", err)
	}
	return &p, nil
}

// LoadProposals returns every tracked proposal.
func (s *ProposalStore) LoadProposals() ([]*Proposal, error) {
	var out []*Proposal
	err := s.db.ForEach(prefixProposal, func(_, value []byte) error {
		var p Proposal
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("spv: proposal unmarshal: %w", err)
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spv: scan proposals: %w", err)
	}
	return out, nil
}

// CompletedProposals returns every proposal that reached a terminal
// state (broadcast or abandoned) — candidates for ForgetProposals
// cleanup on the output side.
func (s *ProposalStore) CompletedProposals() ([]*Proposal, error) {
	all, err := s.LoadProposals()
	if err != nil {
		return nil, err
	}
	var out []*Proposal
	for _, p := range all {
		if p.State == ProposalBroadcast || p.State == ProposalAbandoned {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProposal removes a completed proposal's bookkeeping row.
func (s *ProposalStore) DeleteProposal(id types.Hash) error {
	if err := s.db.Delete(proposalKey(id)); err != nil {
		return fmt.Errorf("spv: proposal delete: %w", err)
	}
	return nil
}
