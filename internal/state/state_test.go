package state_test

import (
	"errors"
	"testing"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"

	"github.com/google/uuid"
)

var (
	testOwner    = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testProposal = uuid.MustParse("650e8400-e29b-41d4-a716-446655440001")
)

// ============================================================================
// Test: Proposal
// ============================================================================

func TestNewProposal_UniformPrices(t *testing.T) {
	p, err := state.NewProposal(testProposal, "verse-1", "Will it rain?", state.AMMKindLMSR, 3, 1000*fixedpoint.QuoteScale, 10)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	if p.PriceSum() != fixedpoint.PriceScale {
		t.Errorf("initial prices sum to %d, want %d", p.PriceSum(), fixedpoint.PriceScale)
	}
	if !p.PricesNormalized() {
		t.Error("initial prices should be normalized")
	}
	if p.State != state.ProposalStateActive {
		t.Errorf("new proposal state = %s, want Active", p.State)
	}
}

func TestNewProposal_TooFewOutcomes(t *testing.T) {
	if _, err := state.NewProposal(testProposal, "verse-1", "q", state.AMMKindLMSR, 1, 1000, 0); err == nil {
		t.Error("expected error for 1-outcome proposal")
	}
}

func TestProposal_ResolvedIsTerminal(t *testing.T) {
	p, _ := state.NewProposal(testProposal, "verse-1", "q", state.AMMKindLMSR, 2, 1000*fixedpoint.QuoteScale, 10)

	if err := p.Resolve(1, 100); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ResolutionOutcome != 1 {
		t.Errorf("resolution outcome = %d, want 1", p.ResolutionOutcome)
	}
	if err := p.Halt(); err == nil {
		t.Error("resolved proposal should not halt")
	}
	if err := p.Resolve(0, 101); err == nil {
		t.Error("resolved proposal should not re-resolve")
	}
}

func TestProposal_HaltResume(t *testing.T) {
	p, _ := state.NewProposal(testProposal, "verse-1", "q", state.AMMKindLMSR, 2, 1000*fixedpoint.QuoteScale, 10)

	if err := p.Halt(); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if p.IsTradable() {
		t.Error("halted proposal should not be tradable")
	}
	if err := p.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !p.IsTradable() {
		t.Error("resumed proposal should be tradable")
	}
}

func TestProposal_CodecRoundTrip(t *testing.T) {
	p, _ := state.NewProposal(testProposal, "verse-1", "Will it rain?", state.AMMKindHybrid, 3, 1000*fixedpoint.QuoteScale, 42)
	p.OutcomeBalances[1] = 500 * fixedpoint.QuoteScale
	p.TotalVolume = 1234 * fixedpoint.QuoteScale

	decoded, err := state.DecodeProposal(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ProposalID != p.ProposalID || decoded.VerseID != p.VerseID ||
		decoded.AMM != p.AMM || decoded.TotalVolume != p.TotalVolume {
		t.Error("decoded proposal does not match original")
	}
	if decoded.OutcomeBalances[1] != p.OutcomeBalances[1] {
		t.Error("decoded balances do not match")
	}
}

func TestDecode_WrongDiscriminator(t *testing.T) {
	p, _ := state.NewProposal(testProposal, "verse-1", "q", state.AMMKindLMSR, 2, 1000*fixedpoint.QuoteScale, 0)

	if _, err := state.DecodePosition(p.Encode()); !errors.Is(err, state.ErrInvalidAccountData) {
		t.Errorf("expected ErrInvalidAccountData, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	p, _ := state.NewProposal(testProposal, "verse-1", "q", state.AMMKindLMSR, 2, 1000*fixedpoint.QuoteScale, 0)
	blob := p.Encode()

	if _, err := state.DecodeProposal(blob[:len(blob)-4]); !errors.Is(err, state.ErrInvalidAccountData) {
		t.Errorf("expected ErrInvalidAccountData, got %v", err)
	}
}

// ============================================================================
// Test: Position lifecycle
// ============================================================================

func TestPositionState_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.PositionState
		want     bool
	}{
		{state.PositionStateHealthy, state.PositionStateAtRisk, true},
		{state.PositionStateHealthy, state.PositionStateFullyLiquidated, false},
		{state.PositionStateAtRisk, state.PositionStateHealthy, true},
		{state.PositionStateAtRisk, state.PositionStatePartiallyLiquidated, true},
		{state.PositionStatePartiallyLiquidated, state.PositionStatePartiallyLiquidated, true},
		{state.PositionStatePartiallyLiquidated, state.PositionStateHealthy, true},
		{state.PositionStatePartiallyLiquidated, state.PositionStateFullyLiquidated, true},
		{state.PositionStateFullyLiquidated, state.PositionStateHealthy, false},
		{state.PositionStateFullyLiquidated, state.PositionStateAtRisk, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func openTestPosition(t *testing.T, pm *state.PositionManager, margin, leverageBps, entry int64, isLong bool) *state.Position {
	t.Helper()
	pos, err := pm.OpenPosition(
		uuid.New(), testOwner, testProposal, 0, isLong,
		margin, leverageBps, entry, 1, state.DefaultRiskConfig(),
	)
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return pos
}

func TestOpenPosition_NotionalInvariant(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	if pos.Notional != 1000*fixedpoint.QuoteScale {
		t.Errorf("notional = %d, want %d", pos.Notional, 1000*fixedpoint.QuoteScale)
	}
	if !pos.NotionalConsistent() {
		t.Error("notional invariant should hold at open")
	}
	if pos.Size != 2000*fixedpoint.QuoteScale {
		t.Errorf("size = %d, want %d", pos.Size, 2000*fixedpoint.QuoteScale)
	}
}

func TestOpenPosition_LiquidationPriceBelowEntryForLong(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	if pos.LiquidationPrice >= pos.EntryPrice {
		t.Errorf("long liquidation price %d should be below entry %d", pos.LiquidationPrice, pos.EntryPrice)
	}

	short := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, false)
	if short.LiquidationPrice <= short.EntryPrice {
		t.Errorf("short liquidation price %d should be above entry %d", short.LiquidationPrice, short.EntryPrice)
	}
}

func TestOpenPosition_LeverageCapped(t *testing.T) {
	pm := state.NewPositionManager()
	_, err := pm.OpenPosition(
		uuid.New(), testOwner, testProposal, 0, true,
		100*fixedpoint.QuoteScale, 110_000, 500_000, 1, state.DefaultRiskConfig(),
	)
	if err == nil {
		t.Error("expected error for leverage above max")
	}
}

func TestClosePosition_TenXTwentyPercentMove(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	// 10x long, price 0.50 -> 0.60: PnL should be +200 (2x the margin).
	payout, err := pm.ClosePosition(pos.PositionID, 600_000, 10)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if pos.RealizedPnL != 200*fixedpoint.QuoteScale {
		t.Errorf("realized pnl = %d, want %d", pos.RealizedPnL, 200*fixedpoint.QuoteScale)
	}
	if payout != 300*fixedpoint.QuoteScale {
		t.Errorf("payout = %d, want %d", payout, 300*fixedpoint.QuoteScale)
	}
	if !pos.Closed {
		t.Error("position should be closed")
	}
}

func TestClosePosition_Immutable(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	if _, err := pm.ClosePosition(pos.PositionID, 600_000, 10); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := pm.ClosePosition(pos.PositionID, 700_000, 11); err == nil {
		t.Error("closed position should reject a second close")
	}
	if err := pos.MarkToPrice(700_000); err == nil {
		t.Error("closed position should reject marking")
	}
}

func TestLiquidatePortion_KeepsNotionalInvariant(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	half := pos.Notional / 2
	if err := pm.LiquidatePortion(pos.PositionID, half); err != nil {
		t.Fatalf("liquidate portion: %v", err)
	}
	if pos.Notional != half {
		t.Errorf("notional = %d, want %d", pos.Notional, half)
	}
	if pos.Margin != 50*fixedpoint.QuoteScale {
		t.Errorf("margin = %d, want %d", pos.Margin, 50*fixedpoint.QuoteScale)
	}
	// Mark == entry so no PnL realizes; collateral is untouched.
	if pos.Collateral != 100*fixedpoint.QuoteScale {
		t.Errorf("collateral = %d, want %d", pos.Collateral, 100*fixedpoint.QuoteScale)
	}
	if pos.LiquidatedAmount != half {
		t.Errorf("liquidated amount = %d, want %d", pos.LiquidatedAmount, half)
	}
	if !pos.NotionalConsistent() {
		t.Error("notional invariant should survive proportional reduction")
	}
}

func TestPosition_CodecRoundTrip(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 250*fixedpoint.QuoteScale, 50_000, 300_000, false)
	pos.RealizedPnL = -42 * fixedpoint.QuoteScale

	decoded, err := state.DecodePosition(pos.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.PositionID != pos.PositionID || decoded.IsLong != pos.IsLong ||
		decoded.Size != pos.Size || decoded.RealizedPnL != pos.RealizedPnL ||
		decoded.LiquidationPrice != pos.LiquidationPrice {
		t.Error("decoded position does not match original")
	}
}

func TestMarkProposal_UpdatesUnrealizedPnL(t *testing.T) {
	pm := state.NewPositionManager()
	pos := openTestPosition(t, pm, 100*fixedpoint.QuoteScale, 100_000, 500_000, true)

	if err := pm.MarkProposal(testProposal, []int64{550_000, 450_000}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if pos.MarkPrice != 550_000 {
		t.Errorf("mark price = %d, want 550000", pos.MarkPrice)
	}
	if pos.UnrealizedPnL != 100*fixedpoint.QuoteScale {
		t.Errorf("unrealized pnl = %d, want %d", pos.UnrealizedPnL, 100*fixedpoint.QuoteScale)
	}
}

// ============================================================================
// Test: ChainPosition
// ============================================================================

func twoLegs() []state.ChainLeg {
	return []state.ChainLeg{
		{ProposalID: uuid.New(), Outcome: 0, AllocationBps: 6000},
		{ProposalID: uuid.New(), Outcome: 1, AllocationBps: 4000},
	}
}

func TestNewChain_AllocationMustSumToTenThousand(t *testing.T) {
	legs := twoLegs()
	legs[1].AllocationBps = 3999
	if _, err := state.NewChainPosition(uuid.New(), testOwner, legs, 100*fixedpoint.QuoteScale, 0); err == nil {
		t.Error("expected error for allocations not summing to 10000")
	}
}

func TestNewChain_LegBounds(t *testing.T) {
	one := []state.ChainLeg{{ProposalID: uuid.New(), AllocationBps: 10000}}
	if _, err := state.NewChainPosition(uuid.New(), testOwner, one, 100, 0); err == nil {
		t.Error("expected error for single-leg chain")
	}

	nine := make([]state.ChainLeg, 9)
	for i := range nine {
		nine[i] = state.ChainLeg{ProposalID: uuid.New(), AllocationBps: 1000}
	}
	nine[8].AllocationBps = 2000
	if _, err := state.NewChainPosition(uuid.New(), testOwner, nine, 100, 0); err == nil {
		t.Error("expected error for nine-leg chain")
	}
}

func TestChain_FirstLosingLegClosesAtomically(t *testing.T) {
	cm := state.NewChainManager()
	legs := twoLegs()
	c, err := state.NewChainPosition(uuid.New(), testOwner, legs, 100*fixedpoint.QuoteScale, 0)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if err := cm.CreateChain(c); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	stake, err := c.ExecuteCurrentLeg()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stake != 60*fixedpoint.QuoteScale {
		t.Errorf("leg stake = %d, want %d", stake, 60*fixedpoint.QuoteScale)
	}

	// The first leg bet outcome 0; outcome 1 wins, so the chain closes.
	if err := cm.AdvanceChain(c.ChainID, 1, 120*fixedpoint.QuoteScale, 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.State != state.ChainStateClosed {
		t.Error("chain should close on first losing leg")
	}
	if c.Won {
		t.Error("chain should not be marked won")
	}
	// The unallocated 40 settles back; the 60 staked on the losing leg is
	// forfeited.
	if c.TotalPayout != 40*fixedpoint.QuoteScale {
		t.Errorf("total payout = %d, want %d", c.TotalPayout, 40*fixedpoint.QuoteScale)
	}
	if got := len(cm.ChainsAwaiting(legs[1].ProposalID)); got != 0 {
		t.Errorf("closed chain still indexed on %d proposals", got)
	}
}

func TestChain_WinningRunToCompletion(t *testing.T) {
	cm := state.NewChainManager()
	legs := twoLegs()
	c, _ := state.NewChainPosition(uuid.New(), testOwner, legs, 100*fixedpoint.QuoteScale, 0)
	if err := cm.CreateChain(c); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	// Leg 1: stake 60, pays 120. Rolling = 100 - 60 + 120 = 160.
	if _, err := c.ExecuteCurrentLeg(); err != nil {
		t.Fatalf("execute leg 1: %v", err)
	}
	if err := cm.AdvanceChain(c.ChainID, 0, 120*fixedpoint.QuoteScale, 5); err != nil {
		t.Fatalf("advance leg 1: %v", err)
	}
	if c.State != state.ChainStateOpen {
		t.Fatal("chain should stay open after a winning leg")
	}
	if got := len(cm.ChainsAwaiting(legs[1].ProposalID)); got != 1 {
		t.Fatalf("chain should be indexed on second leg's proposal, got %d", got)
	}

	// Leg 2: stake 40% of 160 = 64, pays 128. Rolling = 160 - 64 + 128 = 224.
	stake, err := c.ExecuteCurrentLeg()
	if err != nil {
		t.Fatalf("execute leg 2: %v", err)
	}
	if stake != 64*fixedpoint.QuoteScale {
		t.Errorf("leg 2 stake = %d, want %d", stake, 64*fixedpoint.QuoteScale)
	}
	if err := cm.AdvanceChain(c.ChainID, 1, 128*fixedpoint.QuoteScale, 9); err != nil {
		t.Fatalf("advance leg 2: %v", err)
	}

	if c.State != state.ChainStateClosed || !c.Won {
		t.Error("chain should close won after all legs win")
	}
	if c.TotalPayout != 224*fixedpoint.QuoteScale {
		t.Errorf("total payout = %d, want %d", c.TotalPayout, 224*fixedpoint.QuoteScale)
	}
	if c.PnL() != 124*fixedpoint.QuoteScale {
		t.Errorf("pnl = %d, want %d", c.PnL(), 124*fixedpoint.QuoteScale)
	}
}

func TestChain_CodecRoundTrip(t *testing.T) {
	c, _ := state.NewChainPosition(uuid.New(), testOwner, twoLegs(), 100*fixedpoint.QuoteScale, 7)
	if _, err := c.ExecuteCurrentLeg(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	decoded, err := state.DecodeChainPosition(c.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ChainID != c.ChainID || len(decoded.Legs) != 2 ||
		decoded.Legs[0].Stake != c.Legs[0].Stake || decoded.RollingStake != c.RollingStake {
		t.Error("decoded chain does not match original")
	}
}

// ============================================================================
// Test: CrossMarginAccount
// ============================================================================

func TestCrossMargin_Consistency(t *testing.T) {
	a := &state.CrossMarginAccount{
		PositionCount: 3,
		GrossMargin:   1000 * fixedpoint.QuoteScale,
		NetMargin:     990 * fixedpoint.QuoteScale,
	}
	if !a.MarginConsistent() {
		t.Error("net < gross with 3 positions should be consistent")
	}

	a.NetMargin = 1001 * fixedpoint.QuoteScale
	if a.MarginConsistent() {
		t.Error("net > gross is never consistent")
	}

	a.PositionCount = 1
	a.NetMargin = 990 * fixedpoint.QuoteScale
	if a.MarginConsistent() {
		t.Error("single position must have net == gross")
	}
}

func TestCrossMargin_CodecRoundTrip(t *testing.T) {
	a := &state.CrossMarginAccount{
		AccountID:     uuid.New(),
		Owner:         testOwner,
		VerseID:       "verse-1",
		Mode:          state.MarginModePortfolio,
		PositionCount: 4,
		GrossMargin:   1000 * fixedpoint.QuoteScale,
		NetMargin:     985 * fixedpoint.QuoteScale,
		LongExposure:  5000 * fixedpoint.QuoteScale,
		ShortExposure: 4500 * fixedpoint.QuoteScale,
		EfficiencyBps: 1500,
		RiskScore:     25,
	}
	decoded, err := state.DecodeCrossMarginAccount(a.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Mode != a.Mode || decoded.NetMargin != a.NetMargin || decoded.EfficiencyBps != 1500 {
		t.Error("decoded account does not match original")
	}
	if decoded.NetExposure() != 500*fixedpoint.QuoteScale {
		t.Errorf("net exposure = %d, want %d", decoded.NetExposure(), 500*fixedpoint.QuoteScale)
	}
}

// ============================================================================
// Test: RiskConfig
// ============================================================================

func TestDefaultRiskConfig_Valid(t *testing.T) {
	if err := state.DefaultRiskConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestRiskConfig_RejectsInvertedMargins(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	cfg.InitialMarginBps = cfg.MaintenanceMarginBps
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for im <= mm")
	}
}

func TestRiskConfig_RejectsLowTargetHealth(t *testing.T) {
	cfg := state.DefaultRiskConfig()
	cfg.TargetHealthBps = cfg.MinHealthBps
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for target health <= min health")
	}
}

// ============================================================================
// Test: MMTVault
// ============================================================================

func TestMMTVault_FeeAccrualAndBuyback(t *testing.T) {
	v := &state.MMTVault{}

	if err := v.AccrueFee(100*fixedpoint.QuoteScale, 50*fixedpoint.QuoteScale, 5); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if v.BuybackReserve != 50*fixedpoint.QuoteScale {
		t.Errorf("buyback reserve = %d, want %d", v.BuybackReserve, 50*fixedpoint.QuoteScale)
	}

	// Burn at MMT price 0.25: 50 / 0.25 = 200 tokens.
	burned, err := v.ExecuteBuyback(250_000, 6)
	if err != nil {
		t.Fatalf("buyback: %v", err)
	}
	if burned != 200*fixedpoint.QuoteScale {
		t.Errorf("burned = %d, want %d", burned, 200*fixedpoint.QuoteScale)
	}
	if v.BuybackReserve != 0 {
		t.Error("buyback reserve should drain")
	}

	decoded, err := state.DecodeMMTVault(v.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TokensBurned != v.TokensBurned || decoded.FeesAccrued != v.FeesAccrued {
		t.Error("decoded vault does not match original")
	}
}

// ============================================================================
// Test: FundingManager
// ============================================================================

func TestFundingManager_EpochGapRejected(t *testing.T) {
	fm := state.NewFundingManager()
	pid := testProposal.String()

	if err := fm.AccrueEpoch(pid, 0, 10, 1000); err != nil {
		t.Fatalf("epoch 0: %v", err)
	}
	if err := fm.AccrueEpoch(pid, 0, 10, 1001); err != nil {
		t.Errorf("duplicate epoch should be idempotent: %v", err)
	}
	if err := fm.AccrueEpoch(pid, 2, 10, 1002); err == nil {
		t.Error("expected error for epoch gap")
	}
	if err := fm.AccrueEpoch(pid, 1, 15, 1002); err != nil {
		t.Fatalf("epoch 1: %v", err)
	}
	if fm.CurrentIndex(pid) != 25 {
		t.Errorf("index = %d, want 25", fm.CurrentIndex(pid))
	}
}

func TestFundingManager_BorrowFeeOwed(t *testing.T) {
	fm := state.NewFundingManager()
	pid := testProposal.String()
	_ = fm.AccrueEpoch(pid, 0, 100, 1000) // 1% per epoch

	pos := &state.Position{Margin: 1000 * fixedpoint.QuoteScale, FundingIndex: 0}
	fee, err := fm.BorrowFeeOwed(pid, pos)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee != 10*fixedpoint.QuoteScale {
		t.Errorf("fee = %d, want %d", fee, 10*fixedpoint.QuoteScale)
	}
}
