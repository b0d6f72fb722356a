package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LiquidationRequested is a keeper's claim on a single unhealthy position.
type LiquidationRequested struct {
	RequestID  uuid.UUID
	PositionID uuid.UUID
	Keeper     uuid.UUID
	Slot       int64
	Sequence   int64
	Timestamp  time.Time
}

func (l *LiquidationRequested) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidationRequested) EventType() EventType {
	return EventTypeLiquidationRequested
}

func (l *LiquidationRequested) ProposalID() *uuid.UUID {
	return nil
}

func (l *LiquidationRequested) SourceSequence() int64 {
	return l.Sequence
}

// LiquidationSweep asks the core to scan open positions, refill the keeper
// queue, and run one liquidation batch. Emergency sweeps use the larger
// close factor.
type LiquidationSweep struct {
	SweepID   uuid.UUID
	Keeper    uuid.UUID
	Emergency bool
	Slot      int64
	Sequence  int64
	Timestamp time.Time
}

func (l *LiquidationSweep) IdempotencyKey() string {
	return fmt.Sprintf("%s:sweep", l.SweepID)
}

func (l *LiquidationSweep) EventType() EventType {
	return EventTypeLiquidationSweep
}

func (l *LiquidationSweep) ProposalID() *uuid.UUID {
	return nil
}

func (l *LiquidationSweep) SourceSequence() int64 {
	return l.Sequence
}
