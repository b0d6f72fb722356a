package security

import (
	"fmt"

	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
)

// BreakerKind names one of the platform circuit breakers.
type BreakerKind int32

const (
	BreakerCoverage BreakerKind = iota
	BreakerLiquidationCascade
	BreakerVolumeSpike
)

func (k BreakerKind) String() string {
	switch k {
	case BreakerCoverage:
		return "Coverage"
	case BreakerLiquidationCascade:
		return "LiquidationCascade"
	case BreakerVolumeSpike:
		return "VolumeSpike"
	default:
		return fmt.Sprintf("BreakerKind(%d)", int32(k))
	}
}

// Breaker thresholds and halt durations (slots).
const (
	coverageTripShareBps = 5_000 // coverage below 50% of target
	cascadeTripShareBps  = 500   // >5% of open positions at risk
	volumeSpikeFactor    = 5     // >=5x normal volume

	breakerCooldownSlots = 150

	coverageHaltSlots = 900
	cascadeHaltSlots  = 600
	volumeHaltSlots   = 450
)

type breakerState struct {
	active      bool
	activatedAt int64
	haltUntil   int64
}

// CircuitBreakers gates trading on platform-wide stress signals. Each
// breaker halts independently for its own duration; trading resumes when
// none is active.
type CircuitBreakers struct {
	coverageTargetBps int64
	logger            zerolog.Logger

	breakers        map[BreakerKind]*breakerState
	lastTriggerSlot int64
	totalTriggers   int64
}

func NewCircuitBreakers(coverageTargetBps int64, logger zerolog.Logger) (*CircuitBreakers, error) {
	if coverageTargetBps <= 0 {
		return nil, fmt.Errorf("coverage target must be > 0 bps, got %d", coverageTargetBps)
	}
	return &CircuitBreakers{
		coverageTargetBps: coverageTargetBps,
		logger:            logger.With().Str("component", "circuit_breakers").Logger(),
		breakers: map[BreakerKind]*breakerState{
			BreakerCoverage:           {},
			BreakerLiquidationCascade: {},
			BreakerVolumeSpike:        {},
		},
	}, nil
}

// Signals is the per-slot platform snapshot the breakers evaluate.
type Signals struct {
	CoverageBps     int64
	AtRiskPositions int64
	OpenPositions   int64
	PeriodVolume    int64
	NormalVolume    int64
}

// Evaluate checks every breaker against the snapshot and returns the kinds
// that tripped this call. Expired halts are cleared first.
func (cb *CircuitBreakers) Evaluate(sig Signals, slot int64) []BreakerKind {
	cb.expire(slot)

	var tripped []BreakerKind
	if slot-cb.lastTriggerSlot < breakerCooldownSlots && cb.lastTriggerSlot > 0 {
		return tripped
	}

	if cb.coverageTripped(sig.CoverageBps) {
		tripped = append(tripped, cb.trip(BreakerCoverage, slot, coverageHaltSlots))
	}
	if cascadeTripped(sig.AtRiskPositions, sig.OpenPositions) {
		tripped = append(tripped, cb.trip(BreakerLiquidationCascade, slot, cascadeHaltSlots))
	}
	if volumeTripped(sig.PeriodVolume, sig.NormalVolume) {
		tripped = append(tripped, cb.trip(BreakerVolumeSpike, slot, volumeHaltSlots))
	}
	if len(tripped) > 0 {
		cb.lastTriggerSlot = slot
	}
	return tripped
}

// TradingAllowed reports whether no breaker currently halts trading.
func (cb *CircuitBreakers) TradingAllowed(slot int64) bool {
	cb.expire(slot)
	for _, st := range cb.breakers {
		if st.active {
			return false
		}
	}
	return true
}

// Active reports whether one specific breaker is halting.
func (cb *CircuitBreakers) Active(kind BreakerKind, slot int64) bool {
	cb.expire(slot)
	st := cb.breakers[kind]
	return st != nil && st.active
}

// TotalTriggers counts trips over the breaker set's life.
func (cb *CircuitBreakers) TotalTriggers() int64 { return cb.totalTriggers }

// Reset force-clears every breaker, for governance intervention.
func (cb *CircuitBreakers) Reset() {
	for _, st := range cb.breakers {
		st.active = false
		st.haltUntil = 0
	}
}

func (cb *CircuitBreakers) coverageTripped(coverageBps int64) bool {
	floor, err := fixedpoint.MulDiv(cb.coverageTargetBps, coverageTripShareBps, fixedpoint.BpsScale)
	if err != nil {
		return false
	}
	return coverageBps < floor
}

func cascadeTripped(atRisk, open int64) bool {
	if open <= 0 || atRisk <= 0 {
		return false
	}
	share, err := fixedpoint.MulDiv(atRisk, fixedpoint.BpsScale, open)
	if err != nil {
		return false
	}
	return share > cascadeTripShareBps
}

func volumeTripped(period, normal int64) bool {
	if normal <= 0 {
		return false
	}
	return period >= volumeSpikeFactor*normal
}

func (cb *CircuitBreakers) trip(kind BreakerKind, slot, haltSlots int64) BreakerKind {
	st := cb.breakers[kind]
	st.active = true
	st.activatedAt = slot
	st.haltUntil = slot + haltSlots
	cb.totalTriggers++
	cb.logger.Warn().
		Str("breaker", kind.String()).
		Int64("slot", slot).
		Int64("halt_until", st.haltUntil).
		Msg("circuit breaker tripped")
	return kind
}

func (cb *CircuitBreakers) expire(slot int64) {
	for kind, st := range cb.breakers {
		if st.active && slot >= st.haltUntil {
			st.active = false
			cb.logger.Info().
				Str("breaker", kind.String()).
				Int64("slot", slot).
				Msg("circuit breaker halt expired")
		}
	}
}
