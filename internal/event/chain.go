package event

import (
	"time"

	"github.com/google/uuid"
)

// ChainLegSpec is one requested leg of a parlay chain.
type ChainLegSpec struct {
	Proposal      uuid.UUID
	Outcome       uint16
	AllocationBps int64
}

// ChainCreated opens a multi-leg chain position. Legs execute in order;
// each leg's stake is the previous leg's payout.
type ChainCreated struct {
	ChainID   uuid.UUID
	Trader    uuid.UUID
	Legs      []ChainLegSpec
	Stake     int64 // QuoteScale
	Slot      int64
	Sequence  int64
	Timestamp time.Time
}

func (c *ChainCreated) IdempotencyKey() string {
	return c.ChainID.String()
}

func (c *ChainCreated) EventType() EventType {
	return EventTypeChainCreated
}

func (c *ChainCreated) ProposalID() *uuid.UUID {
	return nil
}

func (c *ChainCreated) SourceSequence() int64 {
	return c.Sequence
}
