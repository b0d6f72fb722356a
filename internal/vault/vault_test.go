package vault_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
	"VerseBet/internal/vault"
)

var (
	testTrader = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testKeeper = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.NewVault(state.DefaultRiskConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

// ============================================================================
// Test: Deposits, withdrawals, margin locks
// ============================================================================

func TestDepositAndLockMargin(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 1_000*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.LockMargin(testTrader, 400*fixedpoint.QuoteScale, "pos-1", 2); err != nil {
		t.Fatalf("lock: %v", err)
	}

	tr := v.Tracker()
	if got := tr.GetUserAvailableBalance(testTrader); got != 600*fixedpoint.QuoteScale {
		t.Errorf("available = %d, want 600", got)
	}
	if got := tr.GetUserLockedBalance(testTrader); got != 400*fixedpoint.QuoteScale {
		t.Errorf("locked = %d, want 400", got)
	}
	if got := tr.GetUserTotalBalance(testTrader); got != 1_000*fixedpoint.QuoteScale {
		t.Errorf("total = %d, want 1000", got)
	}
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 100*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.Withdraw(testTrader, 101*fixedpoint.QuoteScale, "wd-1", 2); err == nil {
		t.Fatal("expected overdraft rejection")
	}
	if got := v.Tracker().GetUserAvailableBalance(testTrader); got != 100*fixedpoint.QuoteScale {
		t.Errorf("failed withdrawal must not move funds, available = %d", got)
	}
}

func TestReleaseMarginRequiresLock(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 100*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.ReleaseMargin(testTrader, fixedpoint.QuoteScale, "pos-1", 2); err == nil {
		t.Fatal("expected release without lock to fail")
	}
}

// ============================================================================
// Test: Fee accrual and split
// ============================================================================

func TestAccrueTradeFee_SplitsExactly(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 1_000*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 30 bps of 10_000 notional = 30 quote units.
	fee, _, err := v.AccrueTradeFee(testTrader, 10_000*fixedpoint.QuoteScale, 30, "trade-1", 2)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if fee != 30*fixedpoint.QuoteScale {
		t.Fatalf("fee = %d, want 30", fee)
	}

	tr := v.Tracker()
	if got := tr.LiquidityBalance(); got != 15*fixedpoint.QuoteScale {
		t.Errorf("liquidity share = %d, want 15", got)
	}
	if got := tr.KeeperPoolBalance(); got != 9*fixedpoint.QuoteScale {
		t.Errorf("keeper share = %d, want 9", got)
	}
	if got := tr.GetBalance(vault.NewSystemAccountKey(vault.SubTypeSystemBuybackReserve)); got != 6*fixedpoint.QuoteScale {
		t.Errorf("buyback share = %d, want 6", got)
	}

	iv := vault.NewInvariantValidator(tr)
	if err := iv.ValidateFeesCleared(); err != nil {
		t.Errorf("fee clearing account: %v", err)
	}
	if err := iv.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum: %v", err)
	}
	if got := v.Token().FeesAccrued; got != fee {
		t.Errorf("token fees = %d, want %d", got, fee)
	}
}

func TestAccrueTradeFee_RejectsWhenBroke(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, fixedpoint.QuoteScale/100, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.AccrueTradeFee(testTrader, 10_000*fixedpoint.QuoteScale, 30, "trade-1", 2); err == nil {
		t.Fatal("expected fee pre-check to fail")
	}
}

// ============================================================================
// Test: Keeper rewards
// ============================================================================

func TestPayKeeperReward_FromPool(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 10_000*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Keeper pool gets 30% of the 300-unit fee: 90 quote units.
	if _, _, err := v.AccrueTradeFee(testTrader, 100_000*fixedpoint.QuoteScale, 30, "trade-1", 2); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	if _, err := v.PayKeeperReward(testKeeper, 50*fixedpoint.QuoteScale, "liq-1", 3); err != nil {
		t.Fatalf("pay: %v", err)
	}
	tr := v.Tracker()
	if got := tr.GetUserAvailableBalance(testKeeper); got != 50*fixedpoint.QuoteScale {
		t.Errorf("keeper balance = %d, want 50", got)
	}
	if got := tr.KeeperPoolBalance(); got != 40*fixedpoint.QuoteScale {
		t.Errorf("pool = %d, want 40", got)
	}
	if got := v.Token().KeeperRewards; got != 50*fixedpoint.QuoteScale {
		t.Errorf("token rewards = %d", got)
	}
}

func TestPayKeeperReward_InsuranceFallback(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 10_000*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Pool: 9 units from the trade fee. Insurance: 200 units from the penalty.
	if _, _, err := v.AccrueTradeFee(testTrader, 10_000*fixedpoint.QuoteScale, 30, "trade-1", 2); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if _, _, err := v.AccruePenalty(testTrader, 10_000*fixedpoint.QuoteScale, "wash-1", 2); err != nil {
		t.Fatalf("penalty: %v", err)
	}

	if _, err := v.PayKeeperReward(testKeeper, 100*fixedpoint.QuoteScale, "liq-1", 3); err != nil {
		t.Fatalf("pay: %v", err)
	}
	tr := v.Tracker()
	if got := tr.KeeperPoolBalance(); got != 0 {
		t.Errorf("pool = %d, want drained", got)
	}
	if got := tr.InsuranceBalance(); got != 109*fixedpoint.QuoteScale {
		t.Errorf("insurance = %d, want 109", got)
	}

	// Pool and insurance together cannot cover this one.
	if _, err := v.PayKeeperReward(testKeeper, 1_000*fixedpoint.QuoteScale, "liq-2", 4); err == nil {
		t.Fatal("expected exhausted reward payment to fail")
	}
}

// ============================================================================
// Test: Settlement burn
// ============================================================================

func TestSettlementBurn(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(testTrader, 10_000*fixedpoint.QuoteScale, "dep-1", 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.AccrueTradeFee(testTrader, 10_000*fixedpoint.QuoteScale, 30, "trade-1", 2); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	// Burn at MMT price 0.5: 6 quote units buy back 12 tokens.
	burnBatch, tokensBurned, err := v.SettlementBurn(500_000, "resolve-1", 5)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if burnBatch == nil || len(burnBatch.Journals) != 1 {
		t.Fatalf("burn batch = %+v, want single journal", burnBatch)
	}
	quoteSpent := burnBatch.Journals[0].Amount
	if quoteSpent != 6*fixedpoint.QuoteScale {
		t.Errorf("quote spent = %d, want 6", quoteSpent)
	}
	if tokensBurned != 12*fixedpoint.QuoteScale {
		t.Errorf("tokens burned = %d, want 12", tokensBurned)
	}
	if got := v.Tracker().GetBalance(vault.NewSystemAccountKey(vault.SubTypeSystemBurnSink)); got != quoteSpent {
		t.Errorf("burn sink = %d, want %d", got, quoteSpent)
	}

	// Nothing left to burn.
	again, _, err := v.SettlementBurn(500_000, "resolve-2", 6)
	if err != nil || again != nil {
		t.Errorf("second burn = (%+v, %v), want (nil, nil)", again, err)
	}
	if got := v.Token().TokensBurned; got != tokensBurned {
		t.Errorf("token burned = %d, want %d", got, tokensBurned)
	}
}

// ============================================================================
// Test: PnL settlement and coverage
// ============================================================================

func TestSettlePnL(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.SeedLiquidity(1_000*fixedpoint.QuoteScale, "seed", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := v.SettlePnL(testTrader, 100*fixedpoint.QuoteScale, "close-1", 2); err != nil {
		t.Fatalf("profit: %v", err)
	}
	if _, err := v.SettlePnL(testTrader, -40*fixedpoint.QuoteScale, "close-2", 3); err != nil {
		t.Fatalf("loss: %v", err)
	}

	tr := v.Tracker()
	if got := tr.GetUserAvailableBalance(testTrader); got != 60*fixedpoint.QuoteScale {
		t.Errorf("trader = %d, want 60", got)
	}
	if got := tr.LiquidityBalance(); got != 940*fixedpoint.QuoteScale {
		t.Errorf("vault = %d, want 940", got)
	}
}

func TestCoverageBps(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.SeedLiquidity(5_000*fixedpoint.QuoteScale, "seed", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if got := v.CoverageBps(10_000 * fixedpoint.QuoteScale); got != 5_000 {
		t.Errorf("coverage = %d, want 5000 bps at half backing", got)
	}
	if got := v.CoverageBps(0); got != fixedpoint.BpsScale {
		t.Errorf("coverage with no open interest = %d, want full", got)
	}
	if got := v.CoverageBps(2_500 * fixedpoint.QuoteScale); got != 20_000 {
		t.Errorf("coverage = %d, want 20000 bps when overbacked", got)
	}
}
