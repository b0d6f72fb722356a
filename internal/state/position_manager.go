package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"

	"github.com/google/uuid"
)

// PositionManager owns all leveraged positions and their derived values.
type PositionManager struct {
	positions  map[uuid.UUID]*Position
	byOwner    map[uuid.UUID][]uuid.UUID
	byProposal map[uuid.UUID][]uuid.UUID
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:  make(map[uuid.UUID]*Position),
		byOwner:    make(map[uuid.UUID][]uuid.UUID),
		byProposal: make(map[uuid.UUID][]uuid.UUID),
	}
}

// OpenPosition validates inputs and creates a new leveraged position.
func (pm *PositionManager) OpenPosition(
	positionID uuid.UUID,
	owner uuid.UUID,
	proposalID uuid.UUID,
	outcome uint16,
	isLong bool,
	margin int64,
	leverageBps int64,
	entryPrice int64,
	slot int64,
	cfg *RiskConfig,
) (*Position, error) {
	if margin <= 0 {
		return nil, fmt.Errorf("margin must be > 0, got %d", margin)
	}
	if leverageBps < fixedpoint.BpsScale {
		return nil, fmt.Errorf("leverage must be >= 1x, got %d bps", leverageBps)
	}
	if leverageBps > cfg.MaxLeverageBps {
		return nil, fmt.Errorf("leverage %d bps exceeds max %d bps", leverageBps, cfg.MaxLeverageBps)
	}
	if entryPrice <= 0 || entryPrice >= fixedpoint.PriceScale {
		return nil, fmt.Errorf("entry price %d out of range (0,%d)", entryPrice, fixedpoint.PriceScale)
	}
	if _, exists := pm.positions[positionID]; exists {
		return nil, fmt.Errorf("position %s already exists", positionID)
	}

	notional, err := fixedpoint.LeveredNotional(margin, leverageBps)
	if err != nil {
		return nil, err
	}
	size, err := fixedpoint.SizeForNotional(notional, entryPrice)
	if err != nil {
		return nil, err
	}
	liqPrice, err := liquidationPrice(isLong, entryPrice, margin, notional, size, cfg)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		PositionID:       positionID,
		Owner:            owner,
		ProposalID:       proposalID,
		Outcome:          outcome,
		IsLong:           isLong,
		Size:             size,
		Notional:         notional,
		Margin:           margin,
		Collateral:       margin,
		LeverageBps:      leverageBps,
		EntryPrice:       entryPrice,
		LiquidationPrice: liqPrice,
		MarkPrice:        entryPrice,
		State:            PositionStateHealthy,
		OpenedAtSlot:     slot,
	}
	if err := pos.ValidateLiquidationPrice(); err != nil {
		return nil, err
	}

	pm.insert(pos)
	return pos, nil
}

// liquidationPrice is the mark at which losses erode margin down to the
// maintenance requirement.
func liquidationPrice(isLong bool, entryPrice, margin, notional, size int64, cfg *RiskConfig) (int64, error) {
	maintenance, err := fixedpoint.MulDiv(notional, cfg.MaintenanceMarginBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	buffer := margin - maintenance
	if buffer <= 0 {
		return 0, fmt.Errorf("margin %d does not cover maintenance requirement %d", margin, maintenance)
	}
	// Price move that consumes the buffer: buffer = move * size / PriceScale.
	move, err := fixedpoint.MulDiv(buffer, fixedpoint.PriceScale, size)
	if err != nil {
		return 0, err
	}
	if isLong {
		liq := entryPrice - move
		if liq < 0 {
			liq = 0
		}
		return liq, nil
	}
	liq := entryPrice + move
	if liq > fixedpoint.PriceScale {
		liq = fixedpoint.PriceScale
	}
	return liq, nil
}

func (pm *PositionManager) insert(pos *Position) {
	pm.positions[pos.PositionID] = pos
	pm.byOwner[pos.Owner] = append(pm.byOwner[pos.Owner], pos.PositionID)
	pm.byProposal[pos.ProposalID] = append(pm.byProposal[pos.ProposalID], pos.PositionID)
}

// GetPosition returns the position or nil.
func (pm *PositionManager) GetPosition(positionID uuid.UUID) *Position {
	return pm.positions[positionID]
}

// GetOwnerPositions returns all positions held by an owner, open or closed.
func (pm *PositionManager) GetOwnerPositions(owner uuid.UUID) []*Position {
	ids := pm.byOwner[owner]
	result := make([]*Position, 0, len(ids))
	for _, id := range ids {
		if pos := pm.positions[id]; pos != nil {
			result = append(result, pos)
		}
	}
	return result
}

// GetProposalPositions returns all positions on a proposal.
func (pm *PositionManager) GetProposalPositions(proposalID uuid.UUID) []*Position {
	ids := pm.byProposal[proposalID]
	result := make([]*Position, 0, len(ids))
	for _, id := range ids {
		if pos := pm.positions[id]; pos != nil {
			result = append(result, pos)
		}
	}
	return result
}

// GetAllPositions returns every tracked position (for invariant sweeps and
// snapshots).
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	return result
}

// OpenPositionCount counts non-closed positions.
func (pm *PositionManager) OpenPositionCount() int {
	count := 0
	for _, pos := range pm.positions {
		if !pos.Closed {
			count++
		}
	}
	return count
}

// MarkProposal refreshes mark price and unrealized PnL for every open
// position on a proposal, given the new per-outcome price vector.
func (pm *PositionManager) MarkProposal(proposalID uuid.UUID, prices []int64) error {
	for _, id := range pm.byProposal[proposalID] {
		pos := pm.positions[id]
		if pos == nil || pos.Closed {
			continue
		}
		if int(pos.Outcome) >= len(prices) {
			return fmt.Errorf("position %s outcome %d outside price vector of %d", id, pos.Outcome, len(prices))
		}
		if err := pos.MarkToPrice(prices[pos.Outcome]); err != nil {
			return err
		}
	}
	return nil
}

// ClosePosition settles a position at the given exit price and returns the
// payout owed to the owner (margin plus realized PnL, floored at zero).
func (pm *PositionManager) ClosePosition(positionID uuid.UUID, exitPrice, slot int64) (payout int64, err error) {
	pos := pm.positions[positionID]
	if pos == nil {
		return 0, fmt.Errorf("unknown position %s", positionID)
	}
	if pos.Closed {
		return 0, fmt.Errorf("position %s already closed", positionID)
	}

	pnl, err := fixedpoint.UnrealizedPnL(pos.SideSign(), exitPrice, pos.EntryPrice, pos.Size)
	if err != nil {
		return 0, err
	}
	payout = pos.Collateral + pnl
	if payout < 0 {
		payout = 0
	}
	if err := pos.Close(pnl, slot); err != nil {
		return 0, err
	}
	return payout, nil
}

// LiquidatePortion settles part of a position at its mark price. Size,
// margin, notional, and unrealized PnL shrink proportionally; the
// liquidated share's PnL is realized into collateral. Equity is preserved
// while the maintenance requirement shrinks with notional, which is what
// restores health. The keeper reward is paid from the MMT vault, never from
// the position.
func (pm *PositionManager) LiquidatePortion(positionID uuid.UUID, liquidatedNotional int64) error {
	pos := pm.positions[positionID]
	if pos == nil {
		return fmt.Errorf("unknown position %s", positionID)
	}
	if pos.Closed {
		return fmt.Errorf("position %s already closed", positionID)
	}
	if liquidatedNotional <= 0 || liquidatedNotional >= pos.Notional {
		return fmt.Errorf("liquidated notional %d out of range (0,%d)", liquidatedNotional, pos.Notional)
	}

	sizeReduction, err := fixedpoint.MulDiv(pos.Size, liquidatedNotional, pos.Notional)
	if err != nil {
		return err
	}
	marginReduction, err := fixedpoint.MulDiv(pos.Margin, liquidatedNotional, pos.Notional)
	if err != nil {
		return err
	}
	realized, err := fixedpoint.MulDiv(pos.UnrealizedPnL, liquidatedNotional, pos.Notional)
	if err != nil {
		return err
	}

	pos.Size -= sizeReduction
	pos.Margin -= marginReduction
	pos.Notional -= liquidatedNotional
	pos.UnrealizedPnL -= realized
	pos.RealizedPnL += realized
	pos.Collateral += realized
	if pos.Collateral < 0 {
		pos.Collateral = 0
	}
	pos.LiquidatedAmount += liquidatedNotional
	pos.Version++
	return nil
}

// AddMargin tops up a position's margin and collateral. Leverage and the
// liquidation price are recomputed so the notional invariant keeps holding.
func (pm *PositionManager) AddMargin(positionID uuid.UUID, amount int64, cfg *RiskConfig) error {
	pos := pm.positions[positionID]
	if pos == nil {
		return fmt.Errorf("unknown position %s", positionID)
	}
	if pos.Closed {
		return fmt.Errorf("position %s already closed", positionID)
	}
	if amount <= 0 {
		return fmt.Errorf("margin top-up must be > 0, got %d", amount)
	}

	newMargin := pos.Margin + amount
	newLeverage, err := fixedpoint.MulDiv(pos.Notional, fixedpoint.BpsScale, newMargin)
	if err != nil {
		return err
	}
	if newLeverage < fixedpoint.BpsScale {
		return fmt.Errorf("top-up of %d would push leverage below 1x", amount)
	}
	liqPrice, err := liquidationPrice(pos.IsLong, pos.EntryPrice, newMargin, pos.Notional, pos.Size, cfg)
	if err != nil {
		return err
	}

	pos.Margin = newMargin
	pos.Collateral += amount
	pos.LeverageBps = newLeverage
	pos.LiquidationPrice = liqPrice
	pos.Version++
	return nil
}

// SetPosition directly installs a position (snapshot restore).
func (pm *PositionManager) SetPosition(pos *Position) {
	if _, exists := pm.positions[pos.PositionID]; exists {
		pm.positions[pos.PositionID] = pos
		return
	}
	pm.insert(pos)
}
