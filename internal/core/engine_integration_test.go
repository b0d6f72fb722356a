package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/core"
	"VerseBet/internal/event"
	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
)

const quote = fixedpoint.QuoteScale

// --- Test helpers ---

// newTestEngine builds an engine with buffered channels, no DB checker,
// and a seeded liquidity pool.
func newTestEngine(t *testing.T) (*core.Engine, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 4096)
	projChan := make(chan core.CoreOutput, 4096)
	eng, err := core.NewEngine(state.DefaultRiskConfig(), 0, persistChan, projChan, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := eng.SeedLiquidity(50_000*quote, "seed", 0); err != nil {
		t.Fatalf("SeedLiquidity: %v", err)
	}
	return eng, persistChan, projChan
}

func newBinaryProposal(t *testing.T, eng *core.Engine) uuid.UUID {
	t.Helper()
	prop, err := state.NewProposal(uuid.New(), "verse-main", "Will it rain tomorrow?", state.AMMKindHybrid, 2, 1_000_000*quote, 1)
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	if err := eng.CreateProposal(prop); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	return prop.ProposalID
}

func testTime(seq int64) time.Time {
	return time.UnixMicro(1_000_000 + seq*1000)
}

func deposit(trader uuid.UUID, amount, seq int64) *event.DepositConfirmed {
	return &event.DepositConfirmed{
		DepositID: uuid.New(),
		Trader:    trader,
		Amount:    amount,
		Slot:      seq,
		Sequence:  seq,
		Timestamp: testTime(seq),
	}
}

func withdrawal(trader uuid.UUID, amount, seq int64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		Trader:       trader,
		Amount:       amount,
		Slot:         seq,
		Sequence:     seq,
		Timestamp:    testTime(seq),
	}
}

func bet(trader, proposal uuid.UUID, outcome uint16, margin, leverageBps, seq int64) *event.BetPlaced {
	return &event.BetPlaced{
		BetID:       uuid.New(),
		Trader:      trader,
		Proposal:    proposal,
		Outcome:     outcome,
		IsLong:      true,
		Margin:      margin,
		LeverageBps: leverageBps,
		Slot:        seq,
		Sequence:    seq,
		Timestamp:   testTime(seq),
	}
}

func closePosition(trader, positionID, proposal uuid.UUID, seq int64) *event.PositionClosed {
	return &event.PositionClosed{
		RequestID:  uuid.New(),
		PositionID: positionID,
		Trader:     trader,
		Proposal:   proposal,
		Slot:       seq,
		Sequence:   seq,
		Timestamp:  testTime(seq),
	}
}

func priceTick(proposal uuid.UUID, prices []int64, priceSeq int64) *event.OraclePriceUpdate {
	return &event.OraclePriceUpdate{
		Proposal:      proposal,
		Prices:        prices,
		Slot:          priceSeq,
		PriceSequence: priceSeq,
		Timestamp:     testTime(priceSeq),
	}
}

func resolve(proposal uuid.UUID, outcome int32, seq int64) *event.ProposalResolved {
	return &event.ProposalResolved{
		Proposal:  proposal,
		Outcome:   outcome,
		Slot:      seq,
		Sequence:  seq,
		Timestamp: testTime(seq),
	}
}

func mustProcess(t *testing.T, eng *core.Engine, evt event.Event) {
	t.Helper()
	if err := eng.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s): %v", evt.EventType(), err)
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func assertZeroSum(t *testing.T, eng *core.Engine) {
	t.Helper()
	if got := eng.Vault().Tracker().ComputeGlobalBalance(); got != 0 {
		t.Errorf("ledger not zero-sum: global balance = %d", got)
	}
}

// --- Deposits and withdrawals ---

func TestDepositAndWithdraw(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 1000*quote {
		t.Errorf("available after deposit = %d, want %d", got, 1000*quote)
	}

	mustProcess(t, eng, withdrawal(trader, 300*quote, 1))
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 700*quote {
		t.Errorf("available after withdrawal = %d, want %d", got, 700*quote)
	}

	// Overdraw is rejected and leaves the balance untouched.
	if err := eng.ProcessEvent(withdrawal(trader, 10_000*quote, 2)); err == nil {
		t.Error("expected overdraw withdrawal to fail")
	}
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 700*quote {
		t.Errorf("available after rejected withdrawal = %d, want %d", got, 700*quote)
	}
	assertZeroSum(t, eng)
}

// --- Bet placement ---

func TestBetLocksMarginAndChargesFee(t *testing.T) {
	eng, persistChan, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0) // 100 at 10x
	mustProcess(t, eng, b)

	pos := eng.Positions().GetPosition(b.BetID)
	if pos == nil {
		t.Fatal("position not opened")
	}
	if pos.Notional != 1000*quote {
		t.Errorf("notional = %d, want %d", pos.Notional, 1000*quote)
	}
	if pos.EntryPrice != fixedpoint.PriceScale/2 {
		t.Errorf("entry price = %d, want %d", pos.EntryPrice, fixedpoint.PriceScale/2)
	}

	// Fee is 0.3% of notional = 3, margin 100 moves to locked.
	if got := eng.Vault().Tracker().GetUserLockedBalance(trader); got != 100*quote {
		t.Errorf("locked = %d, want %d", got, 100*quote)
	}
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 897*quote {
		t.Errorf("available = %d, want %d", got, 897*quote)
	}

	prop := eng.Proposals().GetProposal(proposal)
	if prop.TotalVolume != 1000*quote {
		t.Errorf("total volume = %d, want %d", prop.TotalVolume, 1000*quote)
	}

	outputs := drainOutputs(persistChan)
	if len(outputs) != 2 {
		t.Fatalf("persist outputs = %d, want 2", len(outputs))
	}
	// Every envelope links to its predecessor's state hash.
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("hash chain broken between envelopes")
	}
	assertZeroSum(t, eng)
}

func TestBetRejectedWhenUnderfunded(t *testing.T) {
	eng, persistChan, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 50*quote, 0))
	drainOutputs(persistChan)

	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	if err := eng.ProcessEvent(b); err == nil {
		t.Fatal("expected underfunded bet to fail")
	}
	if eng.Positions().GetPosition(b.BetID) != nil {
		t.Error("position opened despite rejection")
	}
	if got := eng.Proposals().GetProposal(proposal).TotalVolume; got != 0 {
		t.Errorf("volume recorded for rejected bet: %d", got)
	}
	if outputs := drainOutputs(persistChan); len(outputs) != 0 {
		t.Errorf("rejected bet emitted %d outputs", len(outputs))
	}
	assertZeroSum(t, eng)
}

// --- Close ---

func TestCloseAtEntryReturnsMargin(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, b)
	mustProcess(t, eng, closePosition(trader, b.BetID, proposal, 1))

	pos := eng.Positions().GetPosition(b.BetID)
	if !pos.Closed {
		t.Fatal("position not closed")
	}
	// Mark never moved, so only the trade fee is lost.
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 997*quote {
		t.Errorf("available = %d, want %d", got, 997*quote)
	}
	if got := eng.Vault().Tracker().GetUserLockedBalance(trader); got != 0 {
		t.Errorf("locked = %d, want 0", got)
	}
	assertZeroSum(t, eng)
}

func TestCloseByNonOwnerRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, b)

	if err := eng.ProcessEvent(closePosition(uuid.New(), b.BetID, proposal, 1)); err == nil {
		t.Fatal("expected close by non-owner to fail")
	}
	if eng.Positions().GetPosition(b.BetID).Closed {
		t.Error("position closed by non-owner")
	}
}

// --- Resolution settlement ---

func TestResolutionSettlesWinnersAndLosers(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	winner := uuid.New()
	loser := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(winner, 1000*quote, 0))
	mustProcess(t, eng, deposit(loser, 1000*quote, 1))

	// Winner trades first so its entry is the untouched uniform price.
	wb := bet(winner, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, wb)
	lb := bet(loser, proposal, 1, 100*quote, 100_000, 1)
	mustProcess(t, eng, lb)

	mustProcess(t, eng, resolve(proposal, 0, 2))

	// Winner: entry 0.5, exit 1.0, size 2000 -> +1000 PnL on 100 margin.
	// 1000 - 3 fee - 100 margin + 1100 payout.
	if got := eng.Vault().Tracker().GetUserAvailableBalance(winner); got != 1997*quote {
		t.Errorf("winner available = %d, want %d", got, 1997*quote)
	}
	// Loser: exit 0 wipes the margin, fee already paid.
	if got := eng.Vault().Tracker().GetUserAvailableBalance(loser); got != 897*quote {
		t.Errorf("loser available = %d, want %d", got, 897*quote)
	}
	if got := eng.Vault().Tracker().GetUserLockedBalance(winner); got != 0 {
		t.Errorf("winner locked = %d, want 0", got)
	}
	if got := eng.Vault().Tracker().GetUserLockedBalance(loser); got != 0 {
		t.Errorf("loser locked = %d, want 0", got)
	}

	// Resolution burns the buyback reserve: 20% of the 6 in fees.
	if got := eng.Vault().Token().TokensBurned; got <= 0 {
		t.Errorf("tokens burned = %d, want > 0", got)
	}

	// Replay of the resolution is a no-op.
	mustProcess(t, eng, resolve(proposal, 0, 2))
	if got := eng.Vault().Tracker().GetUserAvailableBalance(winner); got != 1997*quote {
		t.Errorf("winner available after replay = %d, want %d", got, 1997*quote)
	}
	assertZeroSum(t, eng)
}

// --- Oracle ticks and liquidation ---

func TestPriceTickMarksAndEnqueues(t *testing.T) {
	eng, persistChan, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, b)
	drainOutputs(persistChan)

	// 0.50 -> 0.44 on a 10x long: equity goes negative.
	mustProcess(t, eng, priceTick(proposal, []int64{440_000, 560_000}, 1))

	pos := eng.Positions().GetPosition(b.BetID)
	if pos.MarkPrice != 440_000 {
		t.Errorf("mark price = %d, want 440000", pos.MarkPrice)
	}
	if eng.Queue().Len() != 1 || !eng.Queue().Contains(b.BetID) {
		t.Errorf("queue = %d entries, want the position enqueued", eng.Queue().Len())
	}
	if len(drainOutputs(persistChan)) != 1 {
		t.Error("tick did not emit exactly one output")
	}

	// Stale redelivery of the same tick is dropped silently.
	mustProcess(t, eng, priceTick(proposal, []int64{440_000, 560_000}, 1))
	if outputs := drainOutputs(persistChan); len(outputs) != 0 {
		t.Errorf("stale tick emitted %d outputs", len(outputs))
	}

	// A gap in the price sequence is tolerated; the latest vector wins.
	mustProcess(t, eng, priceTick(proposal, []int64{470_000, 530_000}, 5))
	if got := eng.Positions().GetPosition(b.BetID).MarkPrice; got != 470_000 {
		t.Errorf("mark price after gap tick = %d, want 470000", got)
	}
	assertZeroSum(t, eng)
}

func TestPartialLiquidationRestoresHealth(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	whale := uuid.New()
	keeper := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	mustProcess(t, eng, deposit(whale, 25_000*quote, 1))

	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, b)
	// A large 1x bet on the other side funds the keeper and insurance
	// pools through its trade fee, and stays healthy through the drop.
	wb := bet(whale, proposal, 1, 20_000*quote, 10_000, 1)
	mustProcess(t, eng, wb)

	// 0.50 -> 0.47: equity 40 against maintenance 50, liquidatable but
	// solvent, so the round is partial.
	mustProcess(t, eng, priceTick(proposal, []int64{470_000, 530_000}, 1))
	if !eng.Queue().Contains(b.BetID) {
		t.Fatal("position not enqueued")
	}
	if eng.Queue().Contains(wb.BetID) {
		t.Fatal("healthy position enqueued")
	}

	mustProcess(t, eng, &event.LiquidationRequested{
		RequestID:  uuid.New(),
		PositionID: b.BetID,
		Keeper:     keeper,
		Slot:       4,
		Sequence:   2,
		Timestamp:  testTime(4),
	})

	pos := eng.Positions().GetPosition(b.BetID)
	if pos.Closed {
		t.Fatal("partial liquidation closed the position")
	}
	if pos.Notional >= 1000*quote || pos.Notional <= 0 {
		t.Errorf("notional after partial = %d, want in (0, %d)", pos.Notional, 1000*quote)
	}
	if pos.LiquidatedAmount <= 0 {
		t.Error("no liquidated amount recorded")
	}
	if got := eng.Vault().Tracker().GetUserAvailableBalance(keeper); got <= 0 {
		t.Errorf("keeper reward = %d, want > 0", got)
	}
	assertZeroSum(t, eng)
}

func TestDustRemainderForcesFullClose(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	keeper := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	// 12 at 10x: the partial amount leaves a remainder under the minimum
	// liquidation size, forcing a full close.
	b := bet(trader, proposal, 0, 12*quote, 100_000, 0)
	mustProcess(t, eng, b)
	mustProcess(t, eng, priceTick(proposal, []int64{470_000, 530_000}, 1))

	mustProcess(t, eng, &event.LiquidationRequested{
		RequestID:  uuid.New(),
		PositionID: b.BetID,
		Keeper:     keeper,
		Slot:       4,
		Sequence:   1,
		Timestamp:  testTime(4),
	})

	pos := eng.Positions().GetPosition(b.BetID)
	if !pos.Closed {
		t.Fatal("dust remainder did not force a full close")
	}
	if eng.Queue().Contains(b.BetID) {
		t.Error("closed position still queued")
	}

	// Entry 0.50, mark 0.47, size 240: realized -7.2 against 12 margin.
	// 1000 - 0.36 fee - 12 margin + 4.8 payout.
	want := 1000*quote - 360_000 - 12*quote + 4_800_000
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != want {
		t.Errorf("trader available = %d, want %d", got, want)
	}
	if got := eng.Vault().Tracker().GetUserLockedBalance(trader); got != 0 {
		t.Errorf("locked = %d, want 0", got)
	}
	assertZeroSum(t, eng)
}

func TestLiquidationSweepDrainsQueue(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	keeper := uuid.New()
	proposal := newBinaryProposal(t, eng)

	traders := make([]uuid.UUID, 3)
	bets := make([]*event.BetPlaced, 3)
	for i := range traders {
		traders[i] = uuid.New()
		mustProcess(t, eng, deposit(traders[i], 1000*quote, int64(i)))
		bets[i] = bet(traders[i], proposal, 0, 12*quote, 100_000, int64(i))
		mustProcess(t, eng, bets[i])
	}

	mustProcess(t, eng, priceTick(proposal, []int64{470_000, 530_000}, 1))
	mustProcess(t, eng, &event.LiquidationSweep{
		SweepID:   uuid.New(),
		Keeper:    keeper,
		Emergency: false,
		Slot:      5,
		Sequence:  3,
		Timestamp: testTime(5),
	})

	for i, b := range bets {
		if !eng.Positions().GetPosition(b.BetID).Closed {
			t.Errorf("position %d not liquidated by sweep", i)
		}
	}
	if eng.Queue().Len() != 0 {
		t.Errorf("queue depth after sweep = %d, want 0", eng.Queue().Len())
	}
	assertZeroSum(t, eng)
}

// --- Chains ---

func TestChainWinsBothLegs(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	propA := newBinaryProposal(t, eng)
	propB := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))

	chainID := uuid.New()
	mustProcess(t, eng, &event.ChainCreated{
		ChainID: chainID,
		Trader:  trader,
		Legs: []event.ChainLegSpec{
			{Proposal: propA, Outcome: 0, AllocationBps: 5_000},
			{Proposal: propB, Outcome: 0, AllocationBps: 5_000},
		},
		Stake:     200 * quote,
		Slot:      2,
		Sequence:  1,
		Timestamp: testTime(2),
	})

	if got := eng.Vault().Tracker().GetUserLockedBalance(trader); got != 200*quote {
		t.Errorf("locked stake = %d, want %d", got, 200*quote)
	}

	// Leg A: 100 staked at price 0.5 pays 200. Rolling 200 -> 300.
	mustProcess(t, eng, resolve(propA, 0, 3))
	ch := eng.Chains().GetChain(chainID)
	if ch.State != state.ChainStateOpen {
		t.Fatalf("chain state after leg A = %s, want Open", ch.State)
	}
	if ch.RollingStake != 300*quote {
		t.Errorf("rolling stake = %d, want %d", ch.RollingStake, 300*quote)
	}

	// Leg B: 150 staked at price 0.5 pays 300. Chain closes at 450.
	mustProcess(t, eng, resolve(propB, 0, 4))
	ch = eng.Chains().GetChain(chainID)
	if ch.State != state.ChainStateClosed || !ch.Won {
		t.Fatalf("chain did not close as won: state=%s won=%v", ch.State, ch.Won)
	}
	if ch.TotalPayout != 450*quote {
		t.Errorf("total payout = %d, want %d", ch.TotalPayout, 450*quote)
	}

	// 1000 - 0.4 chain fee - 200 stake + 200 release + 250 profit.
	want := 1000*quote - 400_000 + 250*quote
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != want {
		t.Errorf("trader available = %d, want %d", got, want)
	}
	assertZeroSum(t, eng)
}

func TestChainFirstLossClosesChain(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	propA := newBinaryProposal(t, eng)
	propB := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	chainID := uuid.New()
	mustProcess(t, eng, &event.ChainCreated{
		ChainID: chainID,
		Trader:  trader,
		Legs: []event.ChainLegSpec{
			{Proposal: propA, Outcome: 0, AllocationBps: 5_000},
			{Proposal: propB, Outcome: 0, AllocationBps: 5_000},
		},
		Stake:     200 * quote,
		Slot:      2,
		Sequence:  1,
		Timestamp: testTime(2),
	})

	// Leg A loses: its 100 stake is forfeited, the remainder settles.
	mustProcess(t, eng, resolve(propA, 1, 3))
	ch := eng.Chains().GetChain(chainID)
	if ch.State != state.ChainStateClosed || ch.Won {
		t.Fatalf("chain did not close as lost: state=%s won=%v", ch.State, ch.Won)
	}
	if ch.TotalPayout != 100*quote {
		t.Errorf("total payout = %d, want %d", ch.TotalPayout, 100*quote)
	}

	// 1000 - 0.4 fee - 200 stake + 200 release - 100 loss.
	want := 1000*quote - 400_000 - 100*quote
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != want {
		t.Errorf("trader available = %d, want %d", got, want)
	}
	assertZeroSum(t, eng)
}

// --- Funding ---

func TestFundingEpochChargedAtSettlement(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, eng)

	mustProcess(t, eng, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, eng, b)

	mustProcess(t, eng, &event.FundingEpochAccrued{
		Proposal:  proposal,
		EpochID:   0,
		RateBps:   100, // 1% of margin per epoch
		Slot:      3,
		Sequence:  1,
		Timestamp: testTime(3),
	})
	mustProcess(t, eng, closePosition(trader, b.BetID, proposal, 2))

	// Flat close minus trade fee 3 and borrow fee 1.
	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 996*quote {
		t.Errorf("available = %d, want %d", got, 996*quote)
	}
	assertZeroSum(t, eng)
}

// --- Idempotency and ordering ---

func TestDuplicateEventIgnored(t *testing.T) {
	eng, persistChan, _ := newTestEngine(t)
	trader := uuid.New()

	dep := deposit(trader, 1000*quote, 0)
	mustProcess(t, eng, dep)
	mustProcess(t, eng, dep) // redelivery

	if got := eng.Vault().Tracker().GetUserAvailableBalance(trader); got != 1000*quote {
		t.Errorf("available after replay = %d, want %d", got, 1000*quote)
	}
	if outputs := drainOutputs(persistChan); len(outputs) != 1 {
		t.Errorf("persist outputs = %d, want 1", len(outputs))
	}
}

func TestSequenceGapRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if err := eng.ProcessEvent(deposit(uuid.New(), 100*quote, 5)); err == nil {
		t.Fatal("expected sequence gap to be rejected")
	}
}

func TestOutOfOrderNewEventRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	trader := uuid.New()

	mustProcess(t, eng, deposit(trader, 100*quote, 0))
	mustProcess(t, eng, deposit(trader, 100*quote, 1))
	if err := eng.ProcessEvent(deposit(trader, 100*quote, 0)); err == nil {
		t.Fatal("expected out-of-order new event to be rejected")
	}
}

// --- Determinism ---

func TestReplayProducesIdenticalHashChain(t *testing.T) {
	engA, _, _ := newTestEngine(t)
	engB, _, _ := newTestEngine(t)

	trader := uuid.New()
	keeper := uuid.New()
	prop, err := state.NewProposal(uuid.New(), "verse-main", "Replay?", state.AMMKindHybrid, 2, 1_000_000*quote, 1)
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	b := bet(trader, prop.ProposalID, 0, 100*quote, 100_000, 0)
	script := []event.Event{
		deposit(trader, 1000*quote, 0),
		b,
		priceTick(prop.ProposalID, []int64{470_000, 530_000}, 1),
		&event.LiquidationRequested{
			RequestID: uuid.New(), PositionID: b.BetID, Keeper: keeper,
			Slot: 4, Sequence: 1, Timestamp: testTime(4),
		},
		resolve(prop.ProposalID, 1, 1),
	}

	for _, eng := range []*core.Engine{engA, engB} {
		clone := *prop
		prices := make([]int64, len(prop.Prices))
		copy(prices, prop.Prices)
		clone.Prices = prices
		clone.OutcomeBalances = make([]int64, len(prop.OutcomeBalances))
		clone.OutcomeVolumes = make([]int64, len(prop.OutcomeVolumes))
		if err := eng.CreateProposal(&clone); err != nil {
			t.Fatalf("CreateProposal: %v", err)
		}
		for _, evt := range script {
			mustProcess(t, eng, evt)
		}
	}

	if engA.GetStateHash() != engB.GetStateHash() {
		t.Error("state hashes diverged on identical input")
	}
	if engA.GetSequence() != engB.GetSequence() {
		t.Errorf("sequences diverged: %d vs %d", engA.GetSequence(), engB.GetSequence())
	}
}

// --- Snapshot recovery ---

func TestSnapshotRestoreResumesChain(t *testing.T) {
	engA, _, _ := newTestEngine(t)
	trader := uuid.New()
	proposal := newBinaryProposal(t, engA)

	mustProcess(t, engA, deposit(trader, 1000*quote, 0))
	b := bet(trader, proposal, 0, 100*quote, 100_000, 0)
	mustProcess(t, engA, b)

	snap := engA.CreateSnapshotState()

	engB, _, _ := newTestEngine(t)
	engB.RestoreFromSnapshot(snap)
	if engB.GetSequence() != engA.GetSequence() {
		t.Fatalf("restored sequence = %d, want %d", engB.GetSequence(), engA.GetSequence())
	}
	if engB.GetStateHash() != engA.GetStateHash() {
		t.Fatal("restored state hash mismatch")
	}

	if got, want := engB.Vault().Tracker().GetUserAvailableBalance(trader),
		engA.Vault().Tracker().GetUserAvailableBalance(trader); got != want {
		t.Fatalf("restored balance = %d, want %d", got, want)
	}

	// The restored engine picks up the log where the snapshot left off.
	mustProcess(t, engB, closePosition(trader, b.BetID, proposal, 1))
	if !engB.Positions().GetPosition(b.BetID).Closed {
		t.Fatal("restored engine could not close the position")
	}
	if got := engB.Vault().Tracker().GetUserAvailableBalance(trader); got != 997*quote {
		t.Errorf("available after restored close = %d, want %d", got, 997*quote)
	}
	assertZeroSum(t, engB)
}
