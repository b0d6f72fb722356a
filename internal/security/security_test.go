package security_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/security"
	"VerseBet/internal/state"
)

var (
	testTrader   = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testProposal = uuid.MustParse("650e8400-e29b-41d4-a716-446655440001")
)

const testVault = 10_000 * 1_000_000 // 10k quote units

func newDetector() *security.Detector {
	return security.NewDetector(testProposal, zerolog.Nop())
}

func trade(trader uuid.UUID, slot, price, size int64, isBuy bool) security.Trade {
	return security.Trade{Trader: trader, Slot: slot, Price: price, Size: size, IsBuy: isBuy}
}

func findAlert(alerts []security.Alert, at security.AlertType) *security.Alert {
	for i := range alerts {
		if alerts[i].Type == at {
			return &alerts[i]
		}
	}
	return nil
}

// ============================================================================
// Test: Attack detector
// ============================================================================

func TestDetector_SingleSlotPriceJump(t *testing.T) {
	d := newDetector()
	d.ProcessTrade(trade(testTrader, 1, 500_000, 1_000_000, true), testVault)

	// +3% in one slot breaches the 2% per-slot limit.
	alerts := d.ProcessTrade(trade(uuid.New(), 2, 515_000, 1_000_000, true), testVault)
	a := findAlert(alerts, security.AlertPriceManipulation)
	if a == nil {
		t.Fatal("expected a price manipulation alert")
	}
	if a.Severity != security.SeverityHigh || a.Action != security.ActionClampPrice {
		t.Errorf("alert = %v/%v, want High/ClampPrice", a.Severity, a.Action)
	}
}

func TestDetector_CumulativeDriftHaltsTrading(t *testing.T) {
	d := newDetector()
	// Each step stays under the per-slot limit; the 4-slot sum crosses 5%.
	prices := []int64{500_000, 507_500, 515_000, 522_500, 530_000}
	d.ProcessTrade(trade(testTrader, 0, prices[0], 1_000_000, true), testVault)

	var last []security.Alert
	for i, p := range prices[1:] {
		last = d.ProcessTrade(trade(testTrader, int64(i+1), p, 1_000_000, true), testVault)
		if i < 3 && findAlert(last, security.AlertPriceManipulation) != nil {
			t.Fatalf("slot %d: no alert expected before the window fills", i+1)
		}
	}
	a := findAlert(last, security.AlertPriceManipulation)
	if a == nil {
		t.Fatal("expected a cumulative drift alert on the final step")
	}
	if a.Severity != security.SeverityCritical || a.Action != security.ActionHaltTrading {
		t.Errorf("alert = %v/%v, want Critical/HaltTrading", a.Severity, a.Action)
	}
}

func TestDetector_VolumeAnomaly(t *testing.T) {
	d := newDetector()
	d.SetVolumeBaseline(1_000)

	if alerts := d.ProcessTrade(trade(testTrader, 1, 500_000, 2_900, true), testVault); findAlert(alerts, security.AlertVolumeAnomaly) != nil {
		t.Fatal("volume under 3x average should not alert")
	}
	alerts := d.ProcessTrade(trade(testTrader, 2, 500_000, 200, true), testVault)
	a := findAlert(alerts, security.AlertVolumeAnomaly)
	if a == nil {
		t.Fatal("expected a volume anomaly alert past 3x average")
	}
	if a.Severity != security.SeverityMedium || a.Action != security.ActionIncreaseMonitoring {
		t.Errorf("alert = %v/%v, want Medium/IncreaseMonitoring", a.Severity, a.Action)
	}
}

func TestDetector_FlashLoanRoundTrip(t *testing.T) {
	d := newDetector()
	size := int64(2_000 * 1_000_000) // 20% of vault

	d.ProcessTrade(trade(testTrader, 5, 500_000, size, true), testVault)
	alerts := d.ProcessTrade(trade(testTrader, 5, 500_000, size, false), testVault)

	a := findAlert(alerts, security.AlertFlashLoan)
	if a == nil {
		t.Fatal("expected a flash loan alert for an opposite same-slot round trip")
	}
	if a.Severity != security.SeverityCritical || a.Action != security.ActionRevertTrades {
		t.Errorf("alert = %v/%v, want Critical/RevertTrades", a.Severity, a.Action)
	}
	if d.RiskScore() != 100 {
		t.Errorf("risk score = %d, want capped at 100", d.RiskScore())
	}
}

func TestDetector_FlashLoanRequiresVaultShare(t *testing.T) {
	d := newDetector()
	size := int64(500 * 1_000_000) // 5% of vault, under the 10% floor

	d.ProcessTrade(trade(testTrader, 5, 500_000, size, true), testVault)
	alerts := d.ProcessTrade(trade(testTrader, 5, 500_000, size, false), testVault)
	if findAlert(alerts, security.AlertFlashLoan) != nil {
		t.Error("small round trip should not be flagged as a flash loan")
	}
}

func TestDetector_WashTrading(t *testing.T) {
	d := newDetector()
	d.ProcessTrade(trade(testTrader, 1, 500_000, 1_000_000, true), testVault)

	alerts := d.ProcessTrade(trade(testTrader, 5, 500_000, 1_000_000, false), testVault)
	a := findAlert(alerts, security.AlertWashTrading)
	if a == nil {
		t.Fatal("expected a wash trading alert inside the 10-slot window")
	}
	if a.Severity != security.SeverityHigh || a.Action != security.ActionPenalizeFees {
		t.Errorf("alert = %v/%v, want High/PenalizeFees", a.Severity, a.Action)
	}

	// Outside the window the same pattern is legitimate.
	alerts = d.ProcessTrade(trade(testTrader, 30, 500_000, 1_000_000, true), testVault)
	if findAlert(alerts, security.AlertWashTrading) != nil {
		t.Error("opposite trades 25 slots apart should not alert")
	}
}

func TestDetector_RiskScoreAccumulatesPatternBase(t *testing.T) {
	d := newDetector()
	d.ProcessTrade(trade(testTrader, 1, 500_000, 1_000_000, true), testVault)
	d.ProcessTrade(trade(testTrader, 5, 500_000, 1_000_000, false), testVault) // wash: 50 + 5

	if d.PatternCount() != 1 {
		t.Fatalf("patterns = %d, want 1", d.PatternCount())
	}
	if d.RiskScore() != 55 {
		t.Errorf("risk score = %d, want 55 (severity 50 + pattern base 5)", d.RiskScore())
	}

	// A clean trade later drops the alert term, keeping only the base.
	d.ProcessTrade(trade(uuid.New(), 100, 500_000, 1_000, true), testVault)
	if d.RiskScore() != 5 {
		t.Errorf("risk score = %d, want 5 (pattern base only)", d.RiskScore())
	}
}

// ============================================================================
// Test: Circuit breakers
// ============================================================================

func newBreakers(t *testing.T) *security.CircuitBreakers {
	t.Helper()
	cb, err := security.NewCircuitBreakers(fixedpoint.BpsScale, zerolog.Nop())
	if err != nil {
		t.Fatalf("new breakers: %v", err)
	}
	return cb
}

func TestCircuitBreakers_CoverageTrip(t *testing.T) {
	cb := newBreakers(t)
	tripped := cb.Evaluate(security.Signals{CoverageBps: 4_999}, 10)
	if len(tripped) != 1 || tripped[0] != security.BreakerCoverage {
		t.Fatalf("tripped = %v, want [Coverage]", tripped)
	}
	if cb.TradingAllowed(11) {
		t.Error("trading should be halted while the coverage breaker is active")
	}
	// Halt expires after its duration.
	if !cb.TradingAllowed(10 + 900) {
		t.Error("trading should resume after the halt window")
	}
}

func TestCircuitBreakers_CascadeAndVolume(t *testing.T) {
	cb := newBreakers(t)
	sig := security.Signals{
		CoverageBps:     10_000,
		AtRiskPositions: 6,
		OpenPositions:   100, // 6% at risk, above the 5% threshold
		PeriodVolume:    5_000,
		NormalVolume:    1_000, // exactly 5x
	}
	tripped := cb.Evaluate(sig, 10)
	if len(tripped) != 2 {
		t.Fatalf("tripped = %v, want cascade and volume", tripped)
	}
	if !cb.Active(security.BreakerLiquidationCascade, 11) || !cb.Active(security.BreakerVolumeSpike, 11) {
		t.Error("both breakers should be active")
	}
}

func TestCircuitBreakers_Cooldown(t *testing.T) {
	cb := newBreakers(t)
	if got := cb.Evaluate(security.Signals{CoverageBps: 100}, 10); len(got) != 1 {
		t.Fatalf("first evaluate tripped %v", got)
	}
	// Inside the cooldown nothing re-trips, even with bad signals.
	if got := cb.Evaluate(security.Signals{CoverageBps: 100, PeriodVolume: 10_000, NormalVolume: 1}, 20); len(got) != 0 {
		t.Errorf("evaluate inside cooldown tripped %v", got)
	}
	if cb.TotalTriggers() != 1 {
		t.Errorf("total triggers = %d, want 1", cb.TotalTriggers())
	}
}

func TestCircuitBreakers_HealthySignalsNoTrip(t *testing.T) {
	cb := newBreakers(t)
	sig := security.Signals{
		CoverageBps:     9_000,
		AtRiskPositions: 2,
		OpenPositions:   100,
		PeriodVolume:    2_000,
		NormalVolume:    1_000,
	}
	if got := cb.Evaluate(sig, 10); len(got) != 0 {
		t.Errorf("healthy signals tripped %v", got)
	}
	if !cb.TradingAllowed(10) {
		t.Error("trading should be allowed")
	}
}

// ============================================================================
// Test: Invariant checker
// ============================================================================

func newChecker(t *testing.T, cfg *state.RiskConfig) (*security.InvariantChecker, *state.ProposalManager, *state.PositionManager) {
	t.Helper()
	proposals := state.NewProposalManager()
	positions := state.NewPositionManager()
	ic, err := security.NewInvariantChecker(cfg, proposals, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	return ic, proposals, positions
}

func addProposal(t *testing.T, proposals *state.ProposalManager) *state.Proposal {
	t.Helper()
	p, err := state.NewProposal(testProposal, "verse-1", "will it settle", state.AMMKindLMSR, 2, 1_000*1_000_000, 1)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	if err := proposals.CreateProposal(p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

func TestInvariantChecker_CleanSweep(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	ic, proposals, positions := newChecker(t, cfg)
	addProposal(t, proposals)
	if _, err := positions.OpenPosition(uuid.New(), testTrader, testProposal, 0, true,
		100*1_000_000, 100_000, 500_000, 1, cfg); err != nil {
		t.Fatalf("open position: %v", err)
	}

	violations, err := ic.CheckAll(32)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v, want none", violations)
	}
	if ic.Sweeps() != 1 {
		t.Errorf("sweeps = %d, want 1", ic.Sweeps())
	}
}

func TestInvariantChecker_ShouldCheckFrequency(t *testing.T) {
	cfg := state.DefaultRiskConfig() // frequency 32
	ic, _, _ := newChecker(t, cfg)
	if !ic.ShouldCheck(64) {
		t.Error("slot 64 should be a check slot")
	}
	if ic.ShouldCheck(65) {
		t.Error("slot 65 should not be a check slot")
	}
}

func TestInvariantChecker_PriceSumViolation(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	ic, proposals, _ := newChecker(t, cfg)
	p := addProposal(t, proposals)
	p.Prices[0] += 10 * state.PriceSumTolerance

	violations, err := ic.CheckAll(32)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 1 || violations[0].Type != security.ViolationPriceSum {
		t.Fatalf("violations = %v, want one price_sum", violations)
	}
	if violations[0].Severity < 1 || violations[0].Severity > 10 {
		t.Errorf("severity = %d, want 1-10", violations[0].Severity)
	}
}

func TestInvariantChecker_BalanceRollover(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	ic, proposals, _ := newChecker(t, cfg)
	p := addProposal(t, proposals)
	p.OutcomeBalances[1] = -1 // unsigned rollover artifact

	violations, err := ic.CheckAll(32)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 1 || violations[0].Type != security.ViolationBalance {
		t.Fatalf("violations = %v, want one balance_rollover", violations)
	}
	if violations[0].Severity != 10 {
		t.Errorf("severity = %d, want 10 for suspected corruption", violations[0].Severity)
	}
}

func TestInvariantChecker_NotionalViolation(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	ic, _, positions := newChecker(t, cfg)
	pos, err := positions.OpenPosition(uuid.New(), testTrader, testProposal, 0, true,
		100*1_000_000, 100_000, 500_000, 1, cfg)
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	pos.Margin *= 2 // break notional ~= margin x leverage

	violations, err := ic.CheckAll(32)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 1 || violations[0].Type != security.ViolationNotional {
		t.Fatalf("violations = %v, want one notional_leverage", violations)
	}
}

func TestInvariantChecker_PauseOnViolation(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	cfg.PauseOnViolation = true
	ic, proposals, _ := newChecker(t, cfg)
	p := addProposal(t, proposals)
	p.Prices[0] += 10 * state.PriceSumTolerance

	violations, err := ic.CheckAll(32)
	if !errors.Is(err, security.ErrSystemPaused) {
		t.Fatalf("err = %v, want ErrSystemPaused", err)
	}
	if len(violations) != 1 {
		t.Errorf("violations = %v, want the violation alongside the pause error", violations)
	}
}
