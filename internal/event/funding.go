package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed credits a trader's free collateral.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Trader    uuid.UUID
	Amount    int64 // QuoteScale
	Slot      int64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) ProposalID() *uuid.UUID {
	return nil
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawalRequested debits free collateral to the external boundary.
// Rejected when the trader's available balance is short.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Trader       uuid.UUID
	Amount       int64 // QuoteScale
	Slot         int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return fmt.Sprintf("%s:withdraw", w.WithdrawalID)
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) ProposalID() *uuid.UUID {
	return nil
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// FundingEpochAccrued advances a proposal's cumulative borrow index by one
// epoch. Leveraged positions pay margin * index-delta at settlement.
type FundingEpochAccrued struct {
	Proposal  uuid.UUID
	EpochID   int64
	RateBps   int64
	Slot      int64
	Sequence  int64
	Timestamp time.Time
}

func (f *FundingEpochAccrued) IdempotencyKey() string {
	return fmt.Sprintf("%s:epoch:%d", f.Proposal, f.EpochID)
}

func (f *FundingEpochAccrued) EventType() EventType {
	return EventTypeFundingEpochAccrued
}

func (f *FundingEpochAccrued) ProposalID() *uuid.UUID {
	return &f.Proposal
}

func (f *FundingEpochAccrued) SourceSequence() int64 {
	return f.Sequence
}
