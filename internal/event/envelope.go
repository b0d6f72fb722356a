package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBetPlaced
	EventTypePositionClosed
	EventTypeOraclePriceUpdate
	EventTypeProposalResolved
	EventTypeLiquidationRequested
	EventTypeLiquidationSweep
	EventTypeChainCreated
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeFundingEpochAccrued
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Proposal context (nil for global events)
	ProposalID *uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ProposalID returns the proposal context (nil for global events)
	ProposalID() *uuid.UUID

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeBetPlaced:
		return "BetPlaced"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	case EventTypeProposalResolved:
		return "ProposalResolved"
	case EventTypeLiquidationRequested:
		return "LiquidationRequested"
	case EventTypeLiquidationSweep:
		return "LiquidationSweep"
	case EventTypeChainCreated:
		return "ChainCreated"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeFundingEpochAccrued:
		return "FundingEpochAccrued"
	default:
		return "Unknown"
	}
}
