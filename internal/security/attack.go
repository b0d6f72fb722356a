// Package security implements the per-market attack detector, the platform
// circuit breakers, and the periodic invariant checker. The detector is a
// heuristic layer: false positives are expected, so the action ladder
// escalates from monitoring to halting rather than halting outright.
package security

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
)

// AttackSeverity grades a detected pattern.
type AttackSeverity int32

const (
	SeverityLow AttackSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s AttackSeverity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("AttackSeverity(%d)", int32(s))
	}
}

// riskWeight maps a severity to its risk score contribution.
func (s AttackSeverity) riskWeight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	default:
		return 0
	}
}

// SecurityAction is the response the caller should take for an alert.
type SecurityAction int32

const (
	ActionMonitor SecurityAction = iota
	ActionIncreaseMonitoring
	ActionClampPrice
	ActionPenalizeFees
	ActionRevertTrades
	ActionHaltTrading
)

func (a SecurityAction) String() string {
	switch a {
	case ActionMonitor:
		return "Monitor"
	case ActionIncreaseMonitoring:
		return "IncreaseMonitoring"
	case ActionClampPrice:
		return "ClampPrice"
	case ActionPenalizeFees:
		return "PenalizeFees"
	case ActionRevertTrades:
		return "RevertTrades"
	case ActionHaltTrading:
		return "HaltTrading"
	default:
		return fmt.Sprintf("SecurityAction(%d)", int32(a))
	}
}

// AlertType names the detector that fired.
type AlertType int32

const (
	AlertPriceManipulation AlertType = iota
	AlertVolumeAnomaly
	AlertFlashLoan
	AlertWashTrading
)

func (at AlertType) String() string {
	switch at {
	case AlertPriceManipulation:
		return "PriceManipulation"
	case AlertVolumeAnomaly:
		return "VolumeAnomaly"
	case AlertFlashLoan:
		return "FlashLoan"
	case AlertWashTrading:
		return "WashTrading"
	default:
		return fmt.Sprintf("AlertType(%d)", int32(at))
	}
}

// Alert is one detected pattern with its recommended response.
type Alert struct {
	Type     AlertType
	Severity AttackSeverity
	Action   SecurityAction
	Message  string
	Trader   uuid.UUID
	Slot     int64
}

// Trade is the detector's view of one fill.
type Trade struct {
	Trader uuid.UUID
	Slot   int64
	Price  int64 // PriceScale
	Size   int64 // QuoteScale notional
	IsBuy  bool
}

// Detector thresholds.
const (
	tradeWindowSize = 100

	maxSlotChangeBps       = 200 // 2% per slot
	maxCumulativeChangeBps = 500 // 5% over the cumulative window
	cumulativeWindowSlots  = 4

	volumeAnomalyMultiplier = 3

	flashLoanVaultShareBps = 1_000 // trade > 10% of vault
	washTradeWindowSlots   = 10

	patternRiskStep = 5
	patternRiskCap  = 30
	maxRiskScore    = 100
)

type priceChange struct {
	slot      int64
	changeBps int64
}

type traderActivity struct {
	buyVolume     int64
	sellVolume    int64
	lastTradeSlot int64
	tradeCount    int64
}

// Detector watches one proposal's trade flow for manipulation patterns. It
// keeps a bounded rolling window so per-trade work stays constant.
type Detector struct {
	proposalID uuid.UUID
	logger     zerolog.Logger

	window       []Trade
	priceChanges []priceChange

	currentVolume int64
	avgVolume7d   int64

	activity map[uuid.UUID]*traderActivity

	patterns  int
	riskScore int
}

func NewDetector(proposalID uuid.UUID, logger zerolog.Logger) *Detector {
	return &Detector{
		proposalID: proposalID,
		logger: logger.With().
			Str("component", "attack_detector").
			Str("proposal_id", proposalID.String()).
			Logger(),
		window:       make([]Trade, 0, tradeWindowSize),
		priceChanges: make([]priceChange, 0, tradeWindowSize),
		activity:     make(map[uuid.UUID]*traderActivity),
	}
}

// ProcessTrade records one trade and returns any alerts it raises.
// vaultBalance sizes the flash-loan threshold.
func (d *Detector) ProcessTrade(trade Trade, vaultBalance int64) []Alert {
	var alerts []Alert
	if a := d.checkPriceManipulation(trade); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkVolumeAnomaly(trade); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkFlashLoan(trade, vaultBalance); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkWashTrading(trade); a != nil {
		alerts = append(alerts, *a)
	}

	d.pushTrade(trade)
	d.recordActivity(trade)
	d.updateRiskScore(alerts)

	for _, a := range alerts {
		d.logger.Warn().
			Str("alert", a.Type.String()).
			Str("severity", a.Severity.String()).
			Str("action", a.Action.String()).
			Str("trader", a.Trader.String()).
			Int64("slot", a.Slot).
			Msg(a.Message)
	}
	return alerts
}

// RiskScore is the current 0-100 market risk level.
func (d *Detector) RiskScore() int { return d.riskScore }

// PatternCount is the number of patterns detected over the detector's life.
func (d *Detector) PatternCount() int { return d.patterns }

// AdvanceVolumePeriod folds the current period's volume into the rolling
// 7-day average and starts a new period.
func (d *Detector) AdvanceVolumePeriod() {
	if d.avgVolume7d == 0 {
		d.avgVolume7d = d.currentVolume
	} else {
		d.avgVolume7d = (d.avgVolume7d*6 + d.currentVolume) / 7
	}
	d.currentVolume = 0
}

// SetVolumeBaseline seeds the 7-day average, e.g. from a snapshot.
func (d *Detector) SetVolumeBaseline(avg int64) { d.avgVolume7d = avg }

func (d *Detector) pushTrade(trade Trade) {
	if len(d.window) >= tradeWindowSize {
		d.window = d.window[1:]
	}
	d.window = append(d.window, trade)
}

func (d *Detector) checkPriceManipulation(trade Trade) *Alert {
	last, ok := d.lastPrice()
	if !ok || last <= 0 {
		return nil
	}

	diff := trade.Price - last
	if diff < 0 {
		diff = -diff
	}
	changeBps, err := fixedpoint.MulDiv(diff, fixedpoint.BpsScale, last)
	if err != nil {
		return nil
	}
	if len(d.priceChanges) >= tradeWindowSize {
		d.priceChanges = d.priceChanges[1:]
	}
	d.priceChanges = append(d.priceChanges, priceChange{slot: trade.Slot, changeBps: changeBps})

	// Cumulative drift across the recent slot window escalates past the
	// single-slot clamp: a patient attacker moving just under the per-slot
	// limit still trips this.
	var cumulative int64
	for i := len(d.priceChanges) - 1; i >= 0; i-- {
		if trade.Slot-d.priceChanges[i].slot >= cumulativeWindowSlots {
			break
		}
		cumulative += d.priceChanges[i].changeBps
	}
	if cumulative > maxCumulativeChangeBps {
		return &Alert{
			Type:     AlertPriceManipulation,
			Severity: SeverityCritical,
			Action:   ActionHaltTrading,
			Message:  fmt.Sprintf("cumulative price change %d bps over %d slots exceeds %d bps", cumulative, cumulativeWindowSlots, maxCumulativeChangeBps),
			Trader:   trade.Trader,
			Slot:     trade.Slot,
		}
	}

	if changeBps > maxSlotChangeBps {
		return &Alert{
			Type:     AlertPriceManipulation,
			Severity: SeverityHigh,
			Action:   ActionClampPrice,
			Message:  fmt.Sprintf("price change %d bps in one slot exceeds %d bps", changeBps, maxSlotChangeBps),
			Trader:   trade.Trader,
			Slot:     trade.Slot,
		}
	}
	return nil
}

func (d *Detector) checkVolumeAnomaly(trade Trade) *Alert {
	d.currentVolume += trade.Size
	if d.avgVolume7d <= 0 {
		return nil
	}
	if d.currentVolume > volumeAnomalyMultiplier*d.avgVolume7d {
		return &Alert{
			Type:     AlertVolumeAnomaly,
			Severity: SeverityMedium,
			Action:   ActionIncreaseMonitoring,
			Message:  fmt.Sprintf("period volume %d exceeds %dx the 7-day average %d", d.currentVolume, volumeAnomalyMultiplier, d.avgVolume7d),
			Trader:   trade.Trader,
			Slot:     trade.Slot,
		}
	}
	return nil
}

func (d *Detector) checkFlashLoan(trade Trade, vaultBalance int64) *Alert {
	if vaultBalance <= 0 {
		return nil
	}
	shareBps, err := fixedpoint.MulDiv(trade.Size, fixedpoint.BpsScale, vaultBalance)
	if err != nil || shareBps <= flashLoanVaultShareBps {
		return nil
	}
	// Same trader, same slot, opposite direction: borrow-trade-unwind
	// inside one atomic transaction.
	for _, t := range d.window {
		if t.Trader == trade.Trader && t.Slot == trade.Slot && t.IsBuy != trade.IsBuy {
			return &Alert{
				Type:     AlertFlashLoan,
				Severity: SeverityCritical,
				Action:   ActionRevertTrades,
				Message:  fmt.Sprintf("opposite trades in slot %d with size %d bps of vault", trade.Slot, shareBps),
				Trader:   trade.Trader,
				Slot:     trade.Slot,
			}
		}
	}
	return nil
}

func (d *Detector) checkWashTrading(trade Trade) *Alert {
	act := d.activity[trade.Trader]
	if act == nil {
		return nil
	}
	if trade.Slot-act.lastTradeSlot >= washTradeWindowSlots {
		return nil
	}
	opposite := (trade.IsBuy && act.sellVolume > 0) || (!trade.IsBuy && act.buyVolume > 0)
	if !opposite {
		return nil
	}
	return &Alert{
		Type:     AlertWashTrading,
		Severity: SeverityHigh,
		Action:   ActionPenalizeFees,
		Message:  fmt.Sprintf("opposite trades %d slots apart, under the %d-slot floor", trade.Slot-act.lastTradeSlot, washTradeWindowSlots),
		Trader:   trade.Trader,
		Slot:     trade.Slot,
	}
}

func (d *Detector) recordActivity(trade Trade) {
	act := d.activity[trade.Trader]
	if act == nil {
		act = &traderActivity{}
		d.activity[trade.Trader] = act
	}
	if trade.IsBuy {
		act.buyVolume += trade.Size
	} else {
		act.sellVolume += trade.Size
	}
	act.lastTradeSlot = trade.Slot
	act.tradeCount++
}

func (d *Detector) updateRiskScore(alerts []Alert) {
	score := 0
	for _, a := range alerts {
		score += a.Severity.riskWeight()
	}
	d.patterns += len(alerts)

	base := d.patterns * patternRiskStep
	if base > patternRiskCap {
		base = patternRiskCap
	}
	score += base
	if score > maxRiskScore {
		score = maxRiskScore
	}
	d.riskScore = score
}

func (d *Detector) lastPrice() (int64, bool) {
	if len(d.window) == 0 {
		return 0, false
	}
	return d.window[len(d.window)-1].Price, true
}
