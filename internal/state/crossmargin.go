package state

import (
	"github.com/google/uuid"
)

// MarginMode selects how a trader's margin requirement is computed within a
// verse.
type MarginMode int32

const (
	MarginModeIsolated MarginMode = iota
	MarginModeCross
	MarginModePortfolio
)

func (mm MarginMode) String() string {
	switch mm {
	case MarginModeIsolated:
		return "Isolated"
	case MarginModeCross:
		return "Cross"
	case MarginModePortfolio:
		return "Portfolio"
	default:
		return "Unknown"
	}
}

// MaxEfficiencyBps caps the margin reduction from netting at 15% of gross.
const MaxEfficiencyBps = 1_500

// MinCrossMarginPositions is the minimum position count for netting benefit;
// below it net margin equals gross margin.
const MinCrossMarginPositions = 2

// CrossMarginAccount aggregates a trader's exposure within one verse so
// offsetting positions can share margin.
type CrossMarginAccount struct {
	AccountID         uuid.UUID
	Owner             uuid.UUID
	VerseID           string
	Mode              MarginMode
	PositionCount     int64
	GrossMargin       int64 // QuoteScale, sum of isolated requirements
	NetMargin         int64 // QuoteScale, after netting benefit; never exceeds gross
	LongExposure      int64 // QuoteScale
	ShortExposure     int64 // QuoteScale
	EfficiencyBps     int64 // realized margin reduction, capped at MaxEfficiencyBps
	PortfolioDeltaBps int64 // |net delta| per unit gross, BpsScale
	PortfolioGammaBps int64 // second-order exposure estimate, BpsScale
	RiskScore         int64 // 0-100, fed by the attack detector
	UpdatedAtSlot     int64
	Version           int64
}

// NetExposure returns long minus short exposure.
func (a *CrossMarginAccount) NetExposure() int64 {
	return a.LongExposure - a.ShortExposure
}

// GrossExposure returns long plus short exposure.
func (a *CrossMarginAccount) GrossExposure() int64 {
	return a.LongExposure + a.ShortExposure
}

// Invariant: net margin never exceeds gross margin, and equals it when the
// account holds fewer than MinCrossMarginPositions positions.
func (a *CrossMarginAccount) MarginConsistent() bool {
	if a.NetMargin > a.GrossMargin {
		return false
	}
	if a.PositionCount < MinCrossMarginPositions && a.NetMargin != a.GrossMargin {
		return false
	}
	return true
}

// Encode serializes the account with its discriminator prefix.
func (a *CrossMarginAccount) Encode() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, CrossMarginDiscriminator[:]...)
	buf = append(buf, a.AccountID[:]...)
	buf = append(buf, a.Owner[:]...)
	buf = appendString(buf, a.VerseID)
	buf = append(buf, byte(a.Mode))
	buf = appendInt64LE(buf, a.PositionCount)
	buf = appendInt64LE(buf, a.GrossMargin)
	buf = appendInt64LE(buf, a.NetMargin)
	buf = appendInt64LE(buf, a.LongExposure)
	buf = appendInt64LE(buf, a.ShortExposure)
	buf = appendInt64LE(buf, a.EfficiencyBps)
	buf = appendInt64LE(buf, a.PortfolioDeltaBps)
	buf = appendInt64LE(buf, a.PortfolioGammaBps)
	buf = appendInt64LE(buf, a.RiskScore)
	buf = appendInt64LE(buf, a.UpdatedAtSlot)
	buf = appendInt64LE(buf, a.Version)
	return buf
}

// DecodeCrossMarginAccount deserializes an account, rejecting foreign
// discriminators.
func DecodeCrossMarginAccount(data []byte) (*CrossMarginAccount, error) {
	payload, err := checkDiscriminator(data, CrossMarginDiscriminator, "cross_margin_account")
	if err != nil {
		return nil, err
	}

	d := newDecoder(payload)
	a := &CrossMarginAccount{}
	a.AccountID = d.uuid("account_id")
	a.Owner = d.uuid("owner")
	a.VerseID = d.str("verse_id")
	a.Mode = MarginMode(d.byte("mode"))
	a.PositionCount = d.int64("position_count")
	a.GrossMargin = d.int64("gross_margin")
	a.NetMargin = d.int64("net_margin")
	a.LongExposure = d.int64("long_exposure")
	a.ShortExposure = d.int64("short_exposure")
	a.EfficiencyBps = d.int64("efficiency_bps")
	a.PortfolioDeltaBps = d.int64("portfolio_delta_bps")
	a.PortfolioGammaBps = d.int64("portfolio_gamma_bps")
	a.RiskScore = d.int64("risk_score")
	a.UpdatedAtSlot = d.int64("updated_at_slot")
	a.Version = d.int64("version")

	if err := d.finish("cross_margin_account"); err != nil {
		return nil, err
	}
	return a, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (a *CrossMarginAccount) CanonicalBytes() []byte {
	return a.Encode()
}
