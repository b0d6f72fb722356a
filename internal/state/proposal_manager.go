package state

import (
	"fmt"

	"github.com/google/uuid"
)

// ProposalManager owns all proposals and their verse grouping.
type ProposalManager struct {
	proposals map[uuid.UUID]*Proposal
	byVerse   map[string][]uuid.UUID
}

func NewProposalManager() *ProposalManager {
	return &ProposalManager{
		proposals: make(map[uuid.UUID]*Proposal),
		byVerse:   make(map[string][]uuid.UUID),
	}
}

// CreateProposal registers a new proposal.
func (pm *ProposalManager) CreateProposal(p *Proposal) error {
	if _, exists := pm.proposals[p.ProposalID]; exists {
		return fmt.Errorf("proposal %s already exists", p.ProposalID)
	}
	pm.proposals[p.ProposalID] = p
	pm.byVerse[p.VerseID] = append(pm.byVerse[p.VerseID], p.ProposalID)
	return nil
}

// GetProposal returns the proposal or nil.
func (pm *ProposalManager) GetProposal(proposalID uuid.UUID) *Proposal {
	return pm.proposals[proposalID]
}

// GetVerseProposals returns all proposals in one verse.
func (pm *ProposalManager) GetVerseProposals(verseID string) []*Proposal {
	ids := pm.byVerse[verseID]
	result := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		if p := pm.proposals[id]; p != nil {
			result = append(result, p)
		}
	}
	return result
}

// GetAllProposals returns every proposal (for invariant sweeps and
// snapshots).
func (pm *ProposalManager) GetAllProposals() []*Proposal {
	result := make([]*Proposal, 0, len(pm.proposals))
	for _, p := range pm.proposals {
		result = append(result, p)
	}
	return result
}

// SetProposal directly installs a proposal (snapshot restore).
func (pm *ProposalManager) SetProposal(p *Proposal) {
	if _, exists := pm.proposals[p.ProposalID]; !exists {
		pm.byVerse[p.VerseID] = append(pm.byVerse[p.VerseID], p.ProposalID)
	}
	pm.proposals[p.ProposalID] = p
}
