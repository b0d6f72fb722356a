package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BetPlaced is a leveraged bet request on one outcome of a proposal.
// Idempotency key: bet_id (UUID from the ingress gateway).
type BetPlaced struct {
	BetID       uuid.UUID // Idempotency key
	Trader      uuid.UUID
	Proposal    uuid.UUID
	Outcome     uint16
	IsLong      bool
	Margin      int64 // QuoteScale
	LeverageBps int64 // 10_000 = 1x
	Slot        int64
	Sequence    int64 // Source sequence from the gateway
	Timestamp   time.Time
}

func (b *BetPlaced) IdempotencyKey() string {
	return b.BetID.String()
}

func (b *BetPlaced) EventType() EventType {
	return EventTypeBetPlaced
}

func (b *BetPlaced) ProposalID() *uuid.UUID {
	p := b.Proposal
	return &p
}

func (b *BetPlaced) SourceSequence() int64 {
	return b.Sequence
}

// PositionClosed is a trader-initiated close of an open position.
type PositionClosed struct {
	RequestID  uuid.UUID
	PositionID uuid.UUID
	Trader     uuid.UUID
	Proposal   uuid.UUID
	Slot       int64
	Sequence   int64
	Timestamp  time.Time
}

func (p *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("%s:close", p.RequestID)
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) ProposalID() *uuid.UUID {
	id := p.Proposal
	return &id
}

func (p *PositionClosed) SourceSequence() int64 {
	return p.Sequence
}
