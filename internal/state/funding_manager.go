package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"
)

// FundingManager accrues the borrow index leveraged positions pay against.
// Each proposal carries a cumulative index (BpsScale per epoch step); a
// position snapshots the index at open, and owes
// margin * (current - snapshot) / BpsScale when it settles.
type FundingManager struct {
	indexes           map[string]*BorrowIndex // key: proposal_id string
	expectedNextEpoch map[string]int64
}

type BorrowIndex struct {
	ProposalID string
	EpochID    int64
	Index      int64 // cumulative, BpsScale
	RateBps    int64 // last epoch's rate
	Timestamp  int64
}

func NewFundingManager() *FundingManager {
	return &FundingManager{
		indexes:           make(map[string]*BorrowIndex),
		expectedNextEpoch: make(map[string]int64),
	}
}

// AccrueEpoch advances a proposal's borrow index by one epoch. Duplicate
// epochs are idempotent; gaps are rejected so the cumulative index never
// skips an accrual.
func (fm *FundingManager) AccrueEpoch(
	proposalID string,
	epochID int64,
	rateBps int64,
	timestamp int64,
) error {
	expected := fm.expectedNextEpoch[proposalID]

	if epochID < expected {
		// Duplicate - skip (idempotent)
		return nil
	}
	if epochID > expected {
		return fmt.Errorf("borrow epoch gap for %s: expected=%d, got=%d",
			proposalID, expected, epochID)
	}
	if rateBps < 0 {
		return fmt.Errorf("borrow rate must be >= 0, got %d", rateBps)
	}

	var index int64
	if current, ok := fm.indexes[proposalID]; ok {
		index = current.Index
	}
	fm.indexes[proposalID] = &BorrowIndex{
		ProposalID: proposalID,
		EpochID:    epochID,
		Index:      index + rateBps,
		RateBps:    rateBps,
		Timestamp:  timestamp,
	}
	fm.expectedNextEpoch[proposalID] = epochID + 1
	return nil
}

// CurrentIndex returns the cumulative borrow index for a proposal.
func (fm *FundingManager) CurrentIndex(proposalID string) int64 {
	if idx, ok := fm.indexes[proposalID]; ok {
		return idx.Index
	}
	return 0
}

// BorrowFeeOwed computes the fee a position owes since it snapshotted the
// index.
func (fm *FundingManager) BorrowFeeOwed(proposalID string, pos *Position) (int64, error) {
	delta := fm.CurrentIndex(proposalID) - pos.FundingIndex
	if delta < 0 {
		return 0, fmt.Errorf("position %s funding index %d ahead of proposal index", pos.PositionID, pos.FundingIndex)
	}
	if delta == 0 {
		return 0, nil
	}
	return fixedpoint.MulDiv(pos.Margin, delta, fixedpoint.BpsScale)
}

// RestoreIndex directly sets a borrow index (snapshot restore).
func (fm *FundingManager) RestoreIndex(idx *BorrowIndex) {
	fm.indexes[idx.ProposalID] = idx
}

// RestoreNextEpoch directly sets the next expected epoch (snapshot restore).
func (fm *FundingManager) RestoreNextEpoch(proposalID string, nextEpoch int64) {
	fm.expectedNextEpoch[proposalID] = nextEpoch
}

// GetAllIndexes returns all borrow indexes (snapshot creation).
func (fm *FundingManager) GetAllIndexes() map[string]*BorrowIndex {
	result := make(map[string]*BorrowIndex, len(fm.indexes))
	for k, v := range fm.indexes {
		result[k] = v
	}
	return result
}

// GetAllNextEpochs returns all next expected epochs (snapshot creation).
func (fm *FundingManager) GetAllNextEpochs() map[string]int64 {
	result := make(map[string]int64, len(fm.expectedNextEpoch))
	for k, v := range fm.expectedNextEpoch {
		result[k] = v
	}
	return result
}
