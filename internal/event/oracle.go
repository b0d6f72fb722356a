package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OraclePriceUpdate carries a full outcome price vector from the oracle
// feed. PriceSequence is monotonic per proposal; the core tolerates gaps
// in it (feeds drop ticks) but rejects regressions.
type OraclePriceUpdate struct {
	Proposal      uuid.UUID
	Prices        []int64 // PriceScale, one per outcome
	Slot          int64
	PriceSequence int64
	Timestamp     time.Time
}

func (o *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", o.Proposal, o.PriceSequence)
}

func (o *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (o *OraclePriceUpdate) ProposalID() *uuid.UUID {
	p := o.Proposal
	return &p
}

func (o *OraclePriceUpdate) SourceSequence() int64 {
	return o.PriceSequence
}

// ProposalResolved is the oracle's final outcome for a proposal.
type ProposalResolved struct {
	Proposal  uuid.UUID
	Outcome   int32
	Slot      int64
	Sequence  int64
	Timestamp time.Time
}

func (r *ProposalResolved) IdempotencyKey() string {
	return fmt.Sprintf("%s:resolve", r.Proposal)
}

func (r *ProposalResolved) EventType() EventType {
	return EventTypeProposalResolved
}

func (r *ProposalResolved) ProposalID() *uuid.UUID {
	p := r.Proposal
	return &p
}

func (r *ProposalResolved) SourceSequence() int64 {
	return r.Sequence
}
