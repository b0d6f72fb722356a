package security

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
)

// ErrSystemPaused is returned once a violation is found with
// pause_on_violation set; the caller must stop processing.
var ErrSystemPaused = errors.New("security: invariant violation with pause_on_violation set")

// Violation types.
const (
	ViolationPriceSum    = "price_sum"
	ViolationBalance     = "balance_rollover"
	ViolationNotional    = "notional_leverage"
	ViolationLeverage    = "leverage_cap"
	ViolationDuplicateID = "duplicate_position_id"
)

// maxSaneBalance flags unsigned-rollover artifacts: no legitimate balance
// approaches half the int64 range.
const maxSaneBalance = int64(math.MaxInt64 / 2)

// InvariantViolation is one failed audit check.
type InvariantViolation struct {
	Type     string
	Expected string
	Actual   string
	Severity int // 1-10
}

func (v InvariantViolation) String() string {
	return fmt.Sprintf("%s: expected %s, got %s (severity %d)", v.Type, v.Expected, v.Actual, v.Severity)
}

// InvariantChecker runs the periodic global audit over proposals and
// positions.
type InvariantChecker struct {
	cfg       *state.RiskConfig
	proposals *state.ProposalManager
	positions *state.PositionManager
	logger    zerolog.Logger

	lastCheckedSlot int64
	sweeps          int64
	violationsFound int64
}

func NewInvariantChecker(
	cfg *state.RiskConfig,
	proposals *state.ProposalManager,
	positions *state.PositionManager,
	logger zerolog.Logger,
) (*InvariantChecker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("risk config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &InvariantChecker{
		cfg:       cfg,
		proposals: proposals,
		positions: positions,
		logger:    logger.With().Str("component", "invariant_checker").Logger(),
	}, nil
}

// ShouldCheck reports whether a sweep is due at this slot.
func (ic *InvariantChecker) ShouldCheck(slot int64) bool {
	return slot%ic.cfg.InvariantCheckFrequency == 0
}

// CheckAll runs every invariant and returns all violations found. When
// pause_on_violation is set and anything failed, the error is
// ErrSystemPaused: availability is traded for safety once corruption is
// suspected.
func (ic *InvariantChecker) CheckAll(slot int64) ([]InvariantViolation, error) {
	var violations []InvariantViolation
	violations = append(violations, ic.checkProposals()...)
	violations = append(violations, ic.checkPositions()...)

	ic.lastCheckedSlot = slot
	ic.sweeps++
	ic.violationsFound += int64(len(violations))

	for _, v := range violations {
		ic.logger.Error().
			Str("type", v.Type).
			Str("expected", v.Expected).
			Str("actual", v.Actual).
			Int("severity", v.Severity).
			Int64("slot", slot).
			Msg("invariant violation")
	}
	if len(violations) > 0 && ic.cfg.PauseOnViolation {
		return violations, ErrSystemPaused
	}
	return violations, nil
}

// Sweeps counts completed audit runs.
func (ic *InvariantChecker) Sweeps() int64 { return ic.sweeps }

// ViolationsFound counts violations over the checker's life.
func (ic *InvariantChecker) ViolationsFound() int64 { return ic.violationsFound }

func (ic *InvariantChecker) checkProposals() []InvariantViolation {
	var out []InvariantViolation
	for _, p := range ic.proposals.GetAllProposals() {
		if p.State == state.ProposalStateResolved {
			continue
		}
		if !p.PricesNormalized() {
			out = append(out, InvariantViolation{
				Type:     ViolationPriceSum,
				Expected: fmt.Sprintf("sum(prices) within %d of %d", state.PriceSumTolerance, fixedpoint.PriceScale),
				Actual:   fmt.Sprintf("proposal %s sum %d", p.ProposalID, p.PriceSum()),
				Severity: 8,
			})
		}
		for i, bal := range p.OutcomeBalances {
			if bal < 0 || bal > maxSaneBalance {
				out = append(out, InvariantViolation{
					Type:     ViolationBalance,
					Expected: fmt.Sprintf("outcome balance in [0,%d]", maxSaneBalance),
					Actual:   fmt.Sprintf("proposal %s outcome %d balance %d", p.ProposalID, i, bal),
					Severity: 10,
				})
			}
		}
	}
	return out
}

func (ic *InvariantChecker) checkPositions() []InvariantViolation {
	var out []InvariantViolation
	seen := make(map[uuid.UUID]struct{})
	for _, pos := range ic.positions.GetAllPositions() {
		if _, dup := seen[pos.PositionID]; dup {
			out = append(out, InvariantViolation{
				Type:     ViolationDuplicateID,
				Expected: "unique position ids",
				Actual:   fmt.Sprintf("position %s appears twice", pos.PositionID),
				Severity: 9,
			})
		}
		seen[pos.PositionID] = struct{}{}

		if pos.Closed {
			continue
		}
		if !pos.NotionalConsistent() {
			out = append(out, InvariantViolation{
				Type:     ViolationNotional,
				Expected: "notional within 1% of margin*leverage",
				Actual:   fmt.Sprintf("position %s notional %d margin %d leverage %d bps", pos.PositionID, pos.Notional, pos.Margin, pos.LeverageBps),
				Severity: 6,
			})
		}
		if pos.LeverageBps > ic.cfg.MaxLeverageBps {
			out = append(out, InvariantViolation{
				Type:     ViolationLeverage,
				Expected: fmt.Sprintf("leverage <= %d bps", ic.cfg.MaxLeverageBps),
				Actual:   fmt.Sprintf("position %s leverage %d bps", pos.PositionID, pos.LeverageBps),
				Severity: 7,
			})
		}
	}
	return out
}
