package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"

	"github.com/google/uuid"
)

// PositionState tracks liquidation progress for a leveraged bet.
type PositionState int32

const (
	PositionStateHealthy PositionState = iota
	PositionStateAtRisk
	PositionStatePartiallyLiquidated
	PositionStateFullyLiquidated
)

func (ps PositionState) String() string {
	switch ps {
	case PositionStateHealthy:
		return "Healthy"
	case PositionStateAtRisk:
		return "AtRisk"
	case PositionStatePartiallyLiquidated:
		return "PartiallyLiquidated"
	case PositionStateFullyLiquidated:
		return "FullyLiquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions.
func (ps PositionState) CanTransitionTo(next PositionState) bool {
	validTransitions := map[PositionState][]PositionState{
		PositionStateHealthy: {
			PositionStateAtRisk,
		},
		PositionStateAtRisk: {
			PositionStateHealthy,
			PositionStatePartiallyLiquidated,
			PositionStateFullyLiquidated,
		},
		PositionStatePartiallyLiquidated: {
			PositionStatePartiallyLiquidated, // Multiple partial rounds
			PositionStateHealthy,             // Health restored above target
			PositionStateFullyLiquidated,
		},
		PositionStateFullyLiquidated: {},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}
	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}
	return false
}

// Position is a leveraged bet on one outcome of a proposal.
type Position struct {
	PositionID       uuid.UUID
	Owner            uuid.UUID
	ProposalID       uuid.UUID
	Outcome          uint16
	IsLong           bool
	Size             int64 // outcome tokens, QuoteScale
	Notional         int64 // QuoteScale; must stay within 1% of margin*leverage
	Margin           int64 // QuoteScale
	Collateral       int64 // QuoteScale; margin plus topped-up collateral
	LeverageBps      int64 // 10_000 = 1x
	EntryPrice       int64 // PriceScale
	LiquidationPrice int64 // PriceScale
	MarkPrice        int64 // PriceScale, updated on oracle ticks
	UnrealizedPnL    int64 // QuoteScale, derived on mark updates
	RealizedPnL      int64 // QuoteScale, cumulative
	LiquidatedAmount int64 // QuoteScale, cumulative partial liquidation
	FundingIndex     int64 // snapshot of the proposal borrow index
	State            PositionState
	Closed           bool
	OpenedAtSlot     int64
	ClosedAtSlot     int64
	Version          int64
}

func (p *Position) SideSign() int64 {
	if p.Closed || p.Size == 0 {
		return 0
	}
	if p.IsLong {
		return 1
	}
	return -1
}

// IsFlat reports whether the position carries no exposure.
func (p *Position) IsFlat() bool {
	return p.Closed || p.Size == 0
}

// NotionalConsistent checks |notional - margin*leverage| <= 1% of the levered
// notional. Partial liquidations shrink both sides proportionally, so the
// bound holds across the whole lifecycle.
func (p *Position) NotionalConsistent() bool {
	expected, err := fixedpoint.LeveredNotional(p.Margin, p.LeverageBps)
	if err != nil {
		return false
	}
	diff := p.Notional - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= expected/100
}

// ValidateLiquidationPrice checks the liquidation price sits on the loss side
// of entry.
func (p *Position) ValidateLiquidationPrice() error {
	if p.IsLong && p.LiquidationPrice >= p.EntryPrice {
		return fmt.Errorf("long liquidation price %d must be below entry %d",
			p.LiquidationPrice, p.EntryPrice)
	}
	if !p.IsLong && p.LiquidationPrice <= p.EntryPrice {
		return fmt.Errorf("short liquidation price %d must be above entry %d",
			p.LiquidationPrice, p.EntryPrice)
	}
	return nil
}

// MarkToPrice refreshes mark price and unrealized PnL.
func (p *Position) MarkToPrice(markPrice int64) error {
	if p.Closed {
		return fmt.Errorf("position %s is closed", p.PositionID)
	}
	pnl, err := fixedpoint.UnrealizedPnL(p.SideSign(), markPrice, p.EntryPrice, p.Size)
	if err != nil {
		return err
	}
	p.MarkPrice = markPrice
	p.UnrealizedPnL = pnl
	return nil
}

// Close settles the position. Closed positions are immutable.
func (p *Position) Close(realizedPnL int64, slot int64) error {
	if p.Closed {
		return fmt.Errorf("position %s already closed", p.PositionID)
	}
	p.RealizedPnL += realizedPnL
	p.UnrealizedPnL = 0
	p.Size = 0
	p.Notional = 0
	p.Closed = true
	p.ClosedAtSlot = slot
	p.Version++
	return nil
}

// TransitionState applies a validated liquidation-state transition.
func (p *Position) TransitionState(next PositionState) error {
	if p.State == next && next != PositionStatePartiallyLiquidated {
		return nil
	}
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition: %s -> %s", p.State, next)
	}
	p.State = next
	p.Version++
	return nil
}

// Encode serializes the position with its discriminator prefix.
func (p *Position) Encode() []byte {
	buf := make([]byte, 0, 224)
	buf = append(buf, PositionDiscriminator[:]...)
	buf = append(buf, p.PositionID[:]...)
	buf = append(buf, p.Owner[:]...)
	buf = append(buf, p.ProposalID[:]...)
	buf = appendUint16LE(buf, p.Outcome)
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Notional)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.Collateral)
	buf = appendInt64LE(buf, p.LeverageBps)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.LiquidationPrice)
	buf = appendInt64LE(buf, p.MarkPrice)
	buf = appendInt64LE(buf, p.UnrealizedPnL)
	buf = appendInt64LE(buf, p.RealizedPnL)
	buf = appendInt64LE(buf, p.LiquidatedAmount)
	buf = appendInt64LE(buf, p.FundingIndex)
	buf = append(buf, byte(p.State))
	if p.Closed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.OpenedAtSlot)
	buf = appendInt64LE(buf, p.ClosedAtSlot)
	buf = appendInt64LE(buf, p.Version)
	return buf
}

// DecodePosition deserializes a position, rejecting foreign discriminators.
func DecodePosition(data []byte) (*Position, error) {
	payload, err := checkDiscriminator(data, PositionDiscriminator, "position")
	if err != nil {
		return nil, err
	}

	d := newDecoder(payload)
	p := &Position{}
	p.PositionID = d.uuid("position_id")
	p.Owner = d.uuid("owner")
	p.ProposalID = d.uuid("proposal_id")
	p.Outcome = d.uint16("outcome")
	p.IsLong = d.byte("is_long") != 0
	p.Size = d.int64("size")
	p.Notional = d.int64("notional")
	p.Margin = d.int64("margin")
	p.Collateral = d.int64("collateral")
	p.LeverageBps = d.int64("leverage_bps")
	p.EntryPrice = d.int64("entry_price")
	p.LiquidationPrice = d.int64("liquidation_price")
	p.MarkPrice = d.int64("mark_price")
	p.UnrealizedPnL = d.int64("unrealized_pnl")
	p.RealizedPnL = d.int64("realized_pnl")
	p.LiquidatedAmount = d.int64("liquidated_amount")
	p.FundingIndex = d.int64("funding_index")
	p.State = PositionState(d.byte("state"))
	p.Closed = d.byte("closed") != 0
	p.OpenedAtSlot = d.int64("opened_at_slot")
	p.ClosedAtSlot = d.int64("closed_at_slot")
	p.Version = d.int64("version")

	if err := d.finish("position"); err != nil {
		return nil, err
	}
	return p, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (p *Position) CanonicalBytes() []byte {
	return p.Encode()
}
