package state

import (
	"fmt"

	"github.com/google/uuid"
)

// ChainManager owns all parlay chains and indexes them by the proposal their
// current leg bets on, so resolution events can advance them.
type ChainManager struct {
	chains     map[uuid.UUID]*ChainPosition
	byOwner    map[uuid.UUID][]uuid.UUID
	byProposal map[uuid.UUID][]uuid.UUID // proposal -> chains whose current leg targets it
}

func NewChainManager() *ChainManager {
	return &ChainManager{
		chains:     make(map[uuid.UUID]*ChainPosition),
		byOwner:    make(map[uuid.UUID][]uuid.UUID),
		byProposal: make(map[uuid.UUID][]uuid.UUID),
	}
}

// CreateChain registers a new chain and indexes its first leg.
func (cm *ChainManager) CreateChain(c *ChainPosition) error {
	if _, exists := cm.chains[c.ChainID]; exists {
		return fmt.Errorf("chain %s already exists", c.ChainID)
	}
	cm.chains[c.ChainID] = c
	cm.byOwner[c.Owner] = append(cm.byOwner[c.Owner], c.ChainID)
	if leg := c.CurrentLeg(); leg != nil {
		cm.indexLeg(c.ChainID, leg.ProposalID)
	}
	return nil
}

func (cm *ChainManager) indexLeg(chainID, proposalID uuid.UUID) {
	cm.byProposal[proposalID] = append(cm.byProposal[proposalID], chainID)
}

func (cm *ChainManager) unindexLeg(chainID, proposalID uuid.UUID) {
	ids := cm.byProposal[proposalID]
	for i, id := range ids {
		if id == chainID {
			cm.byProposal[proposalID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// GetChain returns the chain or nil.
func (cm *ChainManager) GetChain(chainID uuid.UUID) *ChainPosition {
	return cm.chains[chainID]
}

// GetOwnerChains returns all chains held by an owner.
func (cm *ChainManager) GetOwnerChains(owner uuid.UUID) []*ChainPosition {
	ids := cm.byOwner[owner]
	result := make([]*ChainPosition, 0, len(ids))
	for _, id := range ids {
		if c := cm.chains[id]; c != nil {
			result = append(result, c)
		}
	}
	return result
}

// ChainsAwaiting returns open chains whose current leg targets the proposal.
func (cm *ChainManager) ChainsAwaiting(proposalID uuid.UUID) []*ChainPosition {
	ids := cm.byProposal[proposalID]
	result := make([]*ChainPosition, 0, len(ids))
	for _, id := range ids {
		c := cm.chains[id]
		if c == nil || c.State != ChainStateOpen {
			continue
		}
		leg := c.CurrentLeg()
		if leg != nil && leg.ProposalID == proposalID {
			result = append(result, c)
		}
	}
	return result
}

// AdvanceChain settles the chain's current leg against the resolved outcome
// and re-indexes the next leg if the chain stays open. Returns the payout the
// leg produced (zero on a loss).
func (cm *ChainManager) AdvanceChain(chainID uuid.UUID, winningOutcome int32, payout, slot int64) error {
	c := cm.chains[chainID]
	if c == nil {
		return fmt.Errorf("unknown chain %s", chainID)
	}
	leg := c.CurrentLeg()
	if leg == nil {
		return fmt.Errorf("chain %s has no current leg", chainID)
	}

	prevProposal := leg.ProposalID
	won := int32(leg.Outcome) == winningOutcome
	if !won {
		payout = 0
	}
	if err := c.ResolveCurrentLeg(won, payout, slot); err != nil {
		return err
	}

	cm.unindexLeg(chainID, prevProposal)
	if next := c.CurrentLeg(); next != nil {
		cm.indexLeg(chainID, next.ProposalID)
	}
	return nil
}

// GetAllChains returns every chain (for invariant sweeps and snapshots).
func (cm *ChainManager) GetAllChains() []*ChainPosition {
	result := make([]*ChainPosition, 0, len(cm.chains))
	for _, c := range cm.chains {
		result = append(result, c)
	}
	return result
}

// SetChain directly installs a chain (snapshot restore).
func (cm *ChainManager) SetChain(c *ChainPosition) {
	if _, exists := cm.chains[c.ChainID]; !exists {
		cm.byOwner[c.Owner] = append(cm.byOwner[c.Owner], c.ChainID)
		if leg := c.CurrentLeg(); leg != nil {
			cm.indexLeg(c.ChainID, leg.ProposalID)
		}
	}
	cm.chains[c.ChainID] = c
}
