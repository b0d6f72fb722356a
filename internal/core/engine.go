package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/amm"
	"VerseBet/internal/batch"
	"VerseBet/internal/event"
	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/observability"
	"VerseBet/internal/risk"
	"VerseBet/internal/security"
	"VerseBet/internal/state"
	"VerseBet/internal/vault"
)

// defaultMMTPrice values MMT at 0.5 quote units until an oracle feed for
// the token exists. Settlement buybacks convert the reserve at this price.
const defaultMMTPrice = fixedpoint.PriceScale / 2

// crossMarginKey scopes one netting account to an owner within a verse.
type crossMarginKey struct {
	owner   uuid.UUID
	verseID string
}

// Engine is the single-threaded deterministic event processor. Every state
// mutation flows through ProcessEvent: idempotency check, sequence
// validation, dispatch, balance application, state hashing, and output
// emission happen in one pass with no wall-clock reads.
type Engine struct {
	cfg      *state.RiskConfig
	sequence int64
	paused   bool
	hasher   *StateHasher

	vault       *vault.Vault
	ledgerAudit *vault.InvariantValidator
	proposals   *state.ProposalManager
	positions   *state.PositionManager
	chains      *state.ChainManager
	funding     *state.FundingManager
	crossMargin map[crossMarginKey]*state.CrossMarginAccount

	riskEngine *risk.Engine
	queue      *risk.Queue
	batches    *batch.Processor
	detectors  map[uuid.UUID]*security.Detector
	breakers   *security.CircuitBreakers
	invariants *security.InvariantChecker

	amms       map[uuid.UUID]*amm.Hybrid
	ammHistory *amm.IterationHistory

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	// MMT valuation for settlement buybacks, PriceScale.
	mmtPrice int64

	// Trading volume accumulated since the last breaker evaluation, and
	// the baseline it is compared against.
	periodVolume int64
	normalVolume int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one processed event with everything downstream workers
// need: the envelope for the event log, the journal batches it produced,
// and the canonical state delta that was hashed.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batches    []*vault.Batch
	StateDelta []byte
}

func NewEngine(
	cfg *state.RiskConfig,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("risk config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk config invalid: %w", err)
	}

	vlt, err := vault.NewVault(cfg, logger)
	if err != nil {
		return nil, err
	}
	proposals := state.NewProposalManager()
	positions := state.NewPositionManager()
	riskEngine, err := risk.NewEngine(cfg, positions, logger)
	if err != nil {
		return nil, err
	}
	breakers, err := security.NewCircuitBreakers(cfg.CoverageTargetBps, logger)
	if err != nil {
		return nil, err
	}
	invariants, err := security.NewInvariantChecker(cfg, proposals, positions, logger)
	if err != nil {
		return nil, err
	}

	history := amm.NewIterationHistory(amm.DefaultHistoryWindow)

	return &Engine{
		cfg:               cfg,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		vault:             vlt,
		ledgerAudit:       vault.NewInvariantValidator(vlt.Tracker()),
		proposals:         proposals,
		positions:         positions,
		chains:            state.NewChainManager(),
		funding:           state.NewFundingManager(),
		crossMargin:       make(map[crossMarginKey]*state.CrossMarginAccount),
		riskEngine:        riskEngine,
		queue:             risk.NewQueue(cfg.LiquidationQueueCapacity),
		batches:           batch.NewProcessor(cfg, proposals, positions, riskEngine, logger),
		detectors:         make(map[uuid.UUID]*security.Detector),
		breakers:          breakers,
		invariants:        invariants,
		amms:              make(map[uuid.UUID]*amm.Hybrid),
		ammHistory:        history,
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            logger.With().Str("component", "core").Logger(),
		mmtPrice:          defaultMMTPrice,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// CreateProposal registers a new betting market. Exposed to the admin
// ingestion path, not the event log.
func (c *Engine) CreateProposal(p *state.Proposal) error {
	return c.proposals.CreateProposal(p)
}

// SeedLiquidity funds the vault pool at bootstrap.
func (c *Engine) SeedLiquidity(amount int64, ref string, slot int64) error {
	_, err := c.vault.SeedLiquidity(amount, ref, slot)
	return err
}

// SetMMTPrice updates the token valuation used for settlement buybacks.
func (c *Engine) SetMMTPrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("mmt price must be > 0, got %d", price)
	}
	c.mmtPrice = price
	return nil
}

// SetVolumeBaseline sets the normal trading volume the volume-spike
// breaker and the per-proposal detectors compare against.
func (c *Engine) SetVolumeBaseline(normal int64) {
	c.normalVolume = normal
	for _, det := range c.detectors {
		det.SetVolumeBaseline(normal)
	}
}

// Vault exposes the ledger for queries and tests.
func (c *Engine) Vault() *vault.Vault { return c.vault }

// Proposals exposes the proposal manager for queries.
func (c *Engine) Proposals() *state.ProposalManager { return c.proposals }

// Positions exposes the position manager for queries.
func (c *Engine) Positions() *state.PositionManager { return c.positions }

// Chains exposes the chain manager for queries.
func (c *Engine) Chains() *state.ChainManager { return c.chains }

// Queue exposes the liquidation queue for queries.
func (c *Engine) Queue() *risk.Queue { return c.queue }

// CrossMarginAccount returns the netting account for an owner within a
// verse, or nil if the owner never traded there.
func (c *Engine) CrossMarginAccount(owner uuid.UUID, verseID string) *state.CrossMarginAccount {
	return c.crossMargin[crossMarginKey{owner: owner, verseID: verseID}]
}

// ProcessEvent is the main processing pipeline.
func (c *Engine) ProcessEvent(evt event.Event) error {
	start := time.Now()

	if c.paused {
		return security.ErrSystemPaused
	}

	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle price partitions tolerate gaps
	// and silently drop stale ticks; everything else is strict.
	if priceEvt, ok := evt.(*event.OraclePriceUpdate); ok {
		if c.sequenceValidator.ValidatePriceSequence(priceEvt.Proposal, priceEvt.PriceSequence) {
			return nil
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Payload is serialized before dispatch so a marshal failure cannot
	// leave mutated state behind an unemitted event.
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("payload marshal failed: %w", err)
	}

	// Step 3: Dispatch. Handlers mutate state, commit journal batches
	// against the vault, and return canonical bytes of every non-ledger
	// entity they touched.
	batches, extras, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "invalid").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: State digest and hash chain. Batches are already applied,
	// so the digest reads post-event balances.
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batches, extras)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		ProposalID:     evt.ProposalID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batches:    batches,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 5: Ledger audit. Fees must clear within their own batch, and
	// the whole ledger must stay zero-sum.
	if err := c.ledgerAudit.ValidateFeesCleared(); err != nil {
		panic(fmt.Sprintf("FATAL: fee account not cleared: %v", err))
	}
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.ledgerAudit.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: ledger not zero-sum at seq %d: %v", c.sequence, err))
		}
	}

	// Step 6: Periodic invariant sweep. With pause_on_violation set a
	// failed sweep stops the engine before the event is emitted or marked
	// processed, so it replays after operator intervention.
	slot := c.getEventSlot(evt)
	if c.invariants.ShouldCheck(slot) {
		violations, err := c.invariants.CheckAll(slot)
		if c.metrics != nil {
			c.metrics.InvariantSweeps.Inc()
			for _, v := range violations {
				c.metrics.InvariantViolations.WithLabelValues(v.Type).Inc()
			}
		}
		if err != nil {
			c.paused = true
			return err
		}
	}

	// Step 7: Emit. Persistence uses a BLOCKING send (backpressure, no
	// event loss); projections use a non-blocking send with silent drop
	// and catch up from the event log.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.CoverageBps.Set(float64(c.coverageBps()))
		c.metrics.InsuranceFundBalance.Set(float64(c.vault.Tracker().InsuranceBalance()))
		c.metrics.LiquidationQueueDepth.Set(float64(c.queue.Len()))
	}

	return nil
}

func (c *Engine) dispatchEvent(evt event.Event) ([]*vault.Batch, [][]byte, error) {
	switch e := evt.(type) {
	case *event.BetPlaced:
		return c.handleBetPlaced(e)
	case *event.PositionClosed:
		return c.handlePositionClosed(e)
	case *event.OraclePriceUpdate:
		return c.handleOraclePriceUpdate(e)
	case *event.ProposalResolved:
		return c.handleProposalResolved(e)
	case *event.LiquidationRequested:
		return c.handleLiquidationRequested(e)
	case *event.LiquidationSweep:
		return c.handleLiquidationSweep(e)
	case *event.ChainCreated:
		return c.handleChainCreated(e)
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.FundingEpochAccrued:
		return c.handleFundingEpochAccrued(e)
	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// getPartition determines partition key for sequence validation
func (c *Engine) getPartition(evt event.Event) string {
	if proposalID := evt.ProposalID(); proposalID != nil {
		return fmt.Sprintf("proposal:%s", *proposalID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp. The core MUST NOT
// call time.Now() for anything that feeds state.
func (c *Engine) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.BetPlaced:
		return e.Timestamp
	case *event.PositionClosed:
		return e.Timestamp
	case *event.OraclePriceUpdate:
		return e.Timestamp
	case *event.ProposalResolved:
		return e.Timestamp
	case *event.LiquidationRequested:
		return e.Timestamp
	case *event.LiquidationSweep:
		return e.Timestamp
	case *event.ChainCreated:
		return e.Timestamp
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.FundingEpochAccrued:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T", evt))
	}
}

// getEventSlot extracts the versioned slot that drives liquidation checks,
// breaker halts, and the invariant cadence.
func (c *Engine) getEventSlot(evt event.Event) int64 {
	switch e := evt.(type) {
	case *event.BetPlaced:
		return e.Slot
	case *event.PositionClosed:
		return e.Slot
	case *event.OraclePriceUpdate:
		return e.Slot
	case *event.ProposalResolved:
		return e.Slot
	case *event.LiquidationRequested:
		return e.Slot
	case *event.LiquidationSweep:
		return e.Slot
	case *event.ChainCreated:
		return e.Slot
	case *event.DepositConfirmed:
		return e.Slot
	case *event.WithdrawalRequested:
		return e.Slot
	case *event.FundingEpochAccrued:
		return e.Slot
	default:
		panic(fmt.Sprintf("FATAL: getEventSlot called with unhandled event type %T", evt))
	}
}

// computeStateDigest builds canonical bytes for the state hash: every
// ledger account the batches touched (sorted by path, with post-event
// balance) followed by the canonical encoding of every entity the handler
// reported.
func (c *Engine) computeStateDigest(batches []*vault.Batch, extras [][]byte) []byte {
	affectedAccounts := make(map[vault.AccountKey]bool)
	for _, b := range batches {
		if b == nil {
			continue
		}
		for _, j := range b.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]vault.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.vault.Tracker().GetBalance(key))
	}
	for _, extra := range extras {
		digest = append(digest, extra...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Event handlers ---

// handleBetPlaced opens a leveraged position against the proposal's AMM.
// The security detector scores the prospective trade BEFORE any state is
// committed, so a rejected attack attempt leaves only detector state
// behind.
func (c *Engine) handleBetPlaced(e *event.BetPlaced) ([]*vault.Batch, [][]byte, error) {
	prop := c.proposals.GetProposal(e.Proposal)
	if prop == nil {
		return nil, nil, fmt.Errorf("unknown proposal %s", e.Proposal)
	}
	if !prop.IsTradable() {
		return nil, nil, fmt.Errorf("proposal %s is not tradable (%s)", e.Proposal, prop.State)
	}
	if int(e.Outcome) >= int(prop.OutcomeCount) {
		return nil, nil, fmt.Errorf("outcome %d out of range for %d-outcome proposal", e.Outcome, prop.OutcomeCount)
	}
	if !c.breakers.TradingAllowed(e.Slot) {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(e.EventType().String(), "halted").Inc()
		}
		return nil, nil, fmt.Errorf("trading halted by circuit breaker at slot %d", e.Slot)
	}

	notional, err := fixedpoint.LeveredNotional(e.Margin, e.LeverageBps)
	if err != nil {
		return nil, nil, err
	}
	entryPrice := prop.Prices[e.Outcome]
	size, err := fixedpoint.SizeForNotional(notional, entryPrice)
	if err != nil {
		return nil, nil, err
	}
	delta := size
	if !e.IsLong {
		delta = -size
	}

	hybrid, err := c.hybridFor(prop)
	if err != nil {
		return nil, nil, err
	}
	_, newPrices, route, err := hybrid.Quote(prop.OutcomeBalances, prop.Prices, int(e.Outcome), delta)
	if err != nil {
		return nil, nil, fmt.Errorf("amm quote failed: %w", err)
	}

	// Security scoring on the prospective fill.
	det := c.detectorFor(e.Proposal)
	alerts := det.ProcessTrade(security.Trade{
		Trader: e.Trader,
		Slot:   e.Slot,
		Price:  newPrices[e.Outcome],
		Size:   notional,
		IsBuy:  e.IsLong,
	}, c.vault.Tracker().LiquidityBalance())

	penalize := false
	for _, a := range alerts {
		if c.metrics != nil {
			c.metrics.SecurityAlerts.WithLabelValues(a.Type.String(), a.Severity.String()).Inc()
		}
		switch a.Action {
		case security.ActionHaltTrading:
			if haltErr := prop.Halt(); haltErr != nil {
				c.logger.Error().Err(haltErr).Str("proposal_id", e.Proposal.String()).Msg("halt after critical alert failed")
			}
			return nil, nil, fmt.Errorf("bet rejected, proposal halted: %s (%s)", a.Type, a.Message)
		case security.ActionRevertTrades:
			return nil, nil, fmt.Errorf("bet rejected: %s (%s)", a.Type, a.Message)
		case security.ActionPenalizeFees:
			penalize = true
		}
	}

	// Funds pre-check covers margin, fee, and any penalty so the ledger
	// never commits a partial trade.
	fee, err := fixedpoint.MulDiv(notional, c.cfg.TradeFeeBps, fixedpoint.BpsScale)
	if err != nil {
		return nil, nil, err
	}
	required := e.Margin + fee
	if penalize {
		penalty, perr := fixedpoint.MulDiv(notional, c.cfg.PenaltyFeeBps, fixedpoint.BpsScale)
		if perr != nil {
			return nil, nil, perr
		}
		required += penalty
	}
	if err := c.vault.Tracker().ValidateSufficientAvailable(e.Trader, required); err != nil {
		return nil, nil, fmt.Errorf("bet pre-check failed: %w", err)
	}

	pos, err := c.positions.OpenPosition(e.BetID, e.Trader, e.Proposal, e.Outcome, e.IsLong, e.Margin, e.LeverageBps, entryPrice, e.Slot, c.cfg)
	if err != nil {
		return nil, nil, err
	}
	pos.FundingIndex = c.funding.CurrentIndex(e.Proposal.String())

	ref := e.IdempotencyKey()
	var batches []*vault.Batch

	_, feeBatch, err := c.vault.AccrueTradeFee(e.Trader, notional, c.cfg.TradeFeeBps, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	if feeBatch != nil {
		batches = append(batches, feeBatch)
	}
	if penalize {
		_, penaltyBatch, perr := c.vault.AccruePenalty(e.Trader, notional, ref, e.Slot)
		if perr != nil {
			return nil, nil, perr
		}
		if penaltyBatch != nil {
			batches = append(batches, penaltyBatch)
		}
	}
	lockBatch, err := c.vault.LockMargin(e.Trader, e.Margin, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	batches = append(batches, lockBatch)

	// Apply the trade to the AMM state.
	copy(prop.Prices, newPrices)
	prop.OutcomeBalances[e.Outcome] += delta
	if prop.OutcomeBalances[e.Outcome] < 0 {
		prop.OutcomeBalances[e.Outcome] = 0
	}
	prop.OutcomeVolumes[e.Outcome] += notional
	prop.TotalVolume += notional
	prop.Version++
	c.periodVolume += notional

	acctBytes, err := c.updateCrossMargin(e.Trader, prop.VerseID, det.RiskScore(), e.Slot)
	if err != nil {
		return nil, nil, err
	}

	if c.metrics != nil {
		c.metrics.TradesExecuted.WithLabelValues(route.String()).Inc()
		c.metrics.TradeNotional.WithLabelValues(route.String()).Add(float64(notional))
		c.metrics.TradeFeesAccrued.Add(float64(fee))
		c.metrics.AMMRouteChosen.WithLabelValues(route.String()).Inc()
		c.metrics.ProposalRiskScore.WithLabelValues(e.Proposal.String()).Set(float64(det.RiskScore()))
	}

	extras := [][]byte{pos.CanonicalBytes(), prop.CanonicalBytes()}
	if acctBytes != nil {
		extras = append(extras, acctBytes)
	}
	return batches, extras, nil
}

// handlePositionClosed settles a position at its current mark price. The
// vault releases the locked margin, then the difference between the close
// payout and that margin settles against the liquidity pool.
func (c *Engine) handlePositionClosed(e *event.PositionClosed) ([]*vault.Batch, [][]byte, error) {
	pos := c.positions.GetPosition(e.PositionID)
	if pos == nil {
		return nil, nil, fmt.Errorf("unknown position %s", e.PositionID)
	}
	if pos.Closed {
		return nil, nil, fmt.Errorf("position %s already closed", e.PositionID)
	}
	if pos.Owner != e.Trader {
		return nil, nil, fmt.Errorf("position %s is not owned by %s", e.PositionID, e.Trader)
	}

	lockedMargin := pos.Margin
	borrowFee := c.borrowFeeFor(pos)
	payout, err := c.positions.ClosePosition(e.PositionID, pos.MarkPrice, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	if payout -= borrowFee; payout < 0 {
		payout = 0
	}
	c.queue.Remove(e.PositionID)

	ref := e.IdempotencyKey()
	batches, err := c.settleClosedPosition(e.Trader, lockedMargin, payout, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}

	verseID := ""
	if prop := c.proposals.GetProposal(pos.ProposalID); prop != nil {
		verseID = prop.VerseID
	}
	acctBytes, err := c.updateCrossMargin(e.Trader, verseID, -1, e.Slot)
	if err != nil {
		return nil, nil, err
	}

	extras := [][]byte{pos.CanonicalBytes()}
	if acctBytes != nil {
		extras = append(extras, acctBytes)
	}
	return batches, extras, nil
}

// settleClosedPosition releases the locked margin and settles the payout
// delta against the liquidity pool. payout >= margin means profit.
func (c *Engine) settleClosedPosition(owner uuid.UUID, lockedMargin, payout int64, ref string, slot int64) ([]*vault.Batch, error) {
	var batches []*vault.Batch
	if lockedMargin > 0 {
		releaseBatch, err := c.vault.ReleaseMargin(owner, lockedMargin, ref, slot)
		if err != nil {
			return nil, err
		}
		batches = append(batches, releaseBatch)
	}
	if settle := payout - lockedMargin; settle != 0 {
		pnlBatch, err := c.vault.SettlePnL(owner, settle, ref, slot)
		if err != nil {
			return nil, err
		}
		if pnlBatch != nil {
			batches = append(batches, pnlBatch)
		}
	}
	return batches, nil
}

// handleOraclePriceUpdate applies a price vector, remarks the proposal's
// positions, enqueues anything that went liquidatable, and gives the
// circuit breakers a look at the platform snapshot.
func (c *Engine) handleOraclePriceUpdate(e *event.OraclePriceUpdate) ([]*vault.Batch, [][]byte, error) {
	rep := c.batches.ProcessPriceUpdates([]batch.PriceUpdate{{ProposalID: e.Proposal, Prices: e.Prices}}, e.Slot)
	if rep.Failed > 0 {
		return nil, nil, rep.Errors[0].Err
	}
	if rep.Skipped > 0 {
		// Halted or resolved proposal: the tick is recorded but nothing moves.
		return nil, nil, nil
	}

	coverage := c.coverageBps()
	for _, pos := range c.positions.GetProposalPositions(e.Proposal) {
		if pos.Closed {
			continue
		}
		liquidatable, health, err := risk.Liquidatable(pos, coverage, c.cfg)
		if err != nil {
			return nil, nil, err
		}
		if liquidatable && c.queue.Enqueue(pos.PositionID, health, uint64(e.Slot)) {
			if c.metrics != nil {
				c.metrics.LiquidationsTriggered.WithLabelValues("price").Inc()
			}
		}
	}

	c.evaluateBreakers(e.Slot)

	prop := c.proposals.GetProposal(e.Proposal)
	return nil, [][]byte{prop.CanonicalBytes()}, nil
}

// evaluateBreakers feeds the breakers the current platform snapshot and
// resets the volume accumulation window.
func (c *Engine) evaluateBreakers(slot int64) {
	var atRisk int64
	for _, pos := range c.positions.GetAllPositions() {
		if pos.Closed {
			continue
		}
		if pos.State == state.PositionStateAtRisk || pos.State == state.PositionStatePartiallyLiquidated {
			atRisk++
		}
	}

	sig := security.Signals{
		CoverageBps:     c.coverageBps(),
		AtRiskPositions: atRisk,
		OpenPositions:   int64(c.positions.OpenPositionCount()),
		PeriodVolume:    c.periodVolume,
		NormalVolume:    c.normalVolume,
	}
	tripped := c.breakers.Evaluate(sig, slot)
	c.periodVolume = 0
	for _, det := range c.detectors {
		det.AdvanceVolumePeriod()
	}

	if c.metrics != nil {
		for _, kind := range tripped {
			c.metrics.BreakerTrips.WithLabelValues(kind.String()).Inc()
		}
		for _, kind := range []security.BreakerKind{security.BreakerCoverage, security.BreakerLiquidationCascade, security.BreakerVolumeSpike} {
			active := 0.0
			if c.breakers.Active(kind, slot) {
				active = 1.0
			}
			c.metrics.BreakerActive.WithLabelValues(kind.String()).Set(active)
		}
	}
}

// positionPreState captures what liquidation settlement needs before the
// risk engine mutates the position.
type positionPreState struct {
	margin     int64
	collateral int64
	realized   int64
	borrowFee  int64
}

func (c *Engine) capturePreState(pos *state.Position) positionPreState {
	return positionPreState{
		margin:     pos.Margin,
		collateral: pos.Collateral,
		realized:   pos.RealizedPnL,
		borrowFee:  c.borrowFeeFor(pos),
	}
}

// settleLiquidation turns one risk-engine outcome into vault movements: a
// partial round hands the freed margin to the liquidity pool, a full close
// releases the margin and settles the remaining equity, and the keeper is
// paid from the reward pool either way.
func (c *Engine) settleLiquidation(out risk.Outcome, pre positionPreState, keeper uuid.UUID, ref string, slot int64) ([]*vault.Batch, error) {
	pos := c.positions.GetPosition(out.PositionID)
	if pos == nil {
		return nil, fmt.Errorf("position %s vanished during liquidation", out.PositionID)
	}

	var batches []*vault.Batch
	if out.FullClose {
		pnl := pos.RealizedPnL - pre.realized
		payout := pre.collateral + pnl - pre.borrowFee
		if payout < 0 {
			payout = 0
		}
		settled, err := c.settleClosedPosition(pos.Owner, pre.margin, payout, ref, slot)
		if err != nil {
			return nil, err
		}
		batches = append(batches, settled...)
		c.queue.Remove(out.PositionID)
	} else if freed := pre.margin - pos.Margin; freed > 0 {
		absorbBatch, err := c.vault.AbsorbLiquidation(pos.Owner, freed, ref, slot)
		if err != nil {
			return nil, err
		}
		batches = append(batches, absorbBatch)
	}

	if out.KeeperReward > 0 {
		rewardBatch, err := c.vault.PayKeeperReward(keeper, out.KeeperReward, ref, slot)
		if err != nil {
			// Both reward pools exhausted: the liquidation itself stands,
			// the keeper goes unpaid this round.
			c.logger.Warn().Err(err).Str("position_id", out.PositionID.String()).Msg("keeper reward unpaid")
		} else {
			batches = append(batches, rewardBatch)
			if c.metrics != nil {
				c.metrics.KeeperRewardsPaid.Add(float64(out.KeeperReward))
			}
		}
	}

	if c.metrics != nil {
		kind := "partial"
		if out.FullClose {
			kind = "full"
		}
		c.metrics.LiquidationsExecuted.WithLabelValues(kind).Inc()
	}
	return batches, nil
}

// handleLiquidationRequested runs one keeper-claimed liquidation round.
func (c *Engine) handleLiquidationRequested(e *event.LiquidationRequested) ([]*vault.Batch, [][]byte, error) {
	pos := c.positions.GetPosition(e.PositionID)
	if pos == nil {
		return nil, nil, fmt.Errorf("unknown position %s", e.PositionID)
	}
	if pos.Closed {
		return nil, nil, fmt.Errorf("position %s already closed", e.PositionID)
	}

	pre := c.capturePreState(pos)
	out, err := c.riskEngine.ProcessLiquidation(e.PositionID, c.coverageBps(), false, e.Slot)
	if errors.Is(err, risk.ErrPositionHealthy) {
		// Keeper raced a price move; nothing to do.
		c.queue.Remove(e.PositionID)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !out.FullClose {
		c.queue.Remove(e.PositionID)
	}

	batches, err := c.settleLiquidation(out, pre, e.Keeper, e.IdempotencyKey(), e.Slot)
	if err != nil {
		return nil, nil, err
	}

	verseID := ""
	if prop := c.proposals.GetProposal(pos.ProposalID); prop != nil {
		verseID = prop.VerseID
	}
	acctBytes, err := c.updateCrossMargin(pos.Owner, verseID, -1, e.Slot)
	if err != nil {
		return nil, nil, err
	}

	extras := [][]byte{pos.CanonicalBytes()}
	if acctBytes != nil {
		extras = append(extras, acctBytes)
	}
	return batches, extras, nil
}

// handleLiquidationSweep rescans every open position, refills the keeper
// queue, and drains one bounded liquidation batch.
func (c *Engine) handleLiquidationSweep(e *event.LiquidationSweep) ([]*vault.Batch, [][]byte, error) {
	coverage := c.coverageBps()

	preStates := make(map[uuid.UUID]positionPreState)
	for _, pos := range c.positions.GetAllPositions() {
		if pos.Closed {
			continue
		}
		preStates[pos.PositionID] = c.capturePreState(pos)
		liquidatable, health, err := risk.Liquidatable(pos, coverage, c.cfg)
		if err != nil {
			return nil, nil, err
		}
		if liquidatable && c.queue.Enqueue(pos.PositionID, health, uint64(e.Slot)) {
			if c.metrics != nil {
				c.metrics.LiquidationsTriggered.WithLabelValues("sweep").Inc()
			}
		}
	}

	rep, outcomes := c.batches.ProcessLiquidations(c.queue, coverage, e.Emergency, e.Slot)
	if c.metrics != nil {
		c.metrics.BatchComputeUnits.WithLabelValues("liquidations").Observe(float64(rep.ComputeUnits))
		c.metrics.BatchItems.WithLabelValues("liquidations", "succeeded").Add(float64(rep.Succeeded))
		c.metrics.BatchItems.WithLabelValues("liquidations", "skipped").Add(float64(rep.Skipped))
		c.metrics.BatchItems.WithLabelValues("liquidations", "failed").Add(float64(rep.Failed))
	}

	var batches []*vault.Batch
	var extras [][]byte
	ref := e.IdempotencyKey()
	touched := make(map[crossMarginKey]bool)
	for _, out := range outcomes {
		pre, ok := preStates[out.PositionID]
		if !ok {
			return nil, nil, fmt.Errorf("no pre-state for position %s", out.PositionID)
		}
		settled, err := c.settleLiquidation(out, pre, e.Keeper, ref, e.Slot)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, settled...)

		pos := c.positions.GetPosition(out.PositionID)
		extras = append(extras, pos.CanonicalBytes())
		if prop := c.proposals.GetProposal(pos.ProposalID); prop != nil {
			touched[crossMarginKey{owner: pos.Owner, verseID: prop.VerseID}] = true
		}
	}

	for key := range touched {
		acctBytes, err := c.updateCrossMargin(key.owner, key.verseID, -1, e.Slot)
		if err != nil {
			return nil, nil, err
		}
		if acctBytes != nil {
			extras = append(extras, acctBytes)
		}
	}

	c.evaluateBreakers(e.Slot)
	return batches, extras, nil
}

// handleProposalResolved resolves the market, settles every open position
// at the terminal price, advances waiting chains, and burns the buyback
// reserve.
func (c *Engine) handleProposalResolved(e *event.ProposalResolved) ([]*vault.Batch, [][]byte, error) {
	prop := c.proposals.GetProposal(e.Proposal)
	if prop == nil {
		return nil, nil, fmt.Errorf("unknown proposal %s", e.Proposal)
	}
	if prop.State == state.ProposalStateResolved {
		// Idempotent replay of an already-settled market.
		return nil, nil, nil
	}

	// Chain payouts price the winning leg at the final traded price, so
	// capture the vector before resolution freezes it.
	finalPrices := make([]int64, len(prop.Prices))
	copy(finalPrices, prop.Prices)

	if err := prop.Resolve(e.Outcome, e.Slot); err != nil {
		return nil, nil, err
	}

	ref := e.IdempotencyKey()
	var batches []*vault.Batch
	extras := [][]byte{prop.CanonicalBytes()}
	touched := make(map[crossMarginKey]bool)

	for _, pos := range c.positions.GetProposalPositions(e.Proposal) {
		if pos.Closed {
			continue
		}
		lockedMargin := pos.Margin
		borrowFee := c.borrowFeeFor(pos)
		exitPrice := int64(0)
		if int32(pos.Outcome) == e.Outcome {
			exitPrice = fixedpoint.PriceScale
		}
		payout, err := c.positions.ClosePosition(pos.PositionID, exitPrice, e.Slot)
		if err != nil {
			return nil, nil, err
		}
		if payout -= borrowFee; payout < 0 {
			payout = 0
		}
		c.queue.Remove(pos.PositionID)

		settled, err := c.settleClosedPosition(pos.Owner, lockedMargin, payout, ref, e.Slot)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, settled...)
		extras = append(extras, pos.CanonicalBytes())
		touched[crossMarginKey{owner: pos.Owner, verseID: prop.VerseID}] = true

		if c.metrics != nil {
			c.metrics.PositionsSettled.Inc()
		}
	}

	chainBatches, chainExtras, err := c.advanceChains(prop, finalPrices, e.Outcome, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	batches = append(batches, chainBatches...)
	extras = append(extras, chainExtras...)

	for key := range touched {
		acctBytes, err := c.updateCrossMargin(key.owner, key.verseID, -1, e.Slot)
		if err != nil {
			return nil, nil, err
		}
		if acctBytes != nil {
			extras = append(extras, acctBytes)
		}
	}

	burnBatch, tokensBurned, err := c.vault.SettlementBurn(c.mmtPrice, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	if burnBatch != nil {
		batches = append(batches, burnBatch)
	}

	if c.metrics != nil {
		c.metrics.ProposalsResolved.Inc()
		c.metrics.MMTTokensBurned.Add(float64(tokensBurned))
	}
	return batches, extras, nil
}

// advanceChains settles every chain whose current leg bet on the resolved
// proposal. A winning leg pays out at the final traded price and rolls
// into the next leg; the first loss closes the chain.
func (c *Engine) advanceChains(prop *state.Proposal, finalPrices []int64, winningOutcome int32, ref string, slot int64) ([]*vault.Batch, [][]byte, error) {
	var batches []*vault.Batch
	var extras [][]byte

	for _, ch := range c.chains.ChainsAwaiting(prop.ProposalID) {
		leg := ch.CurrentLeg()
		if leg == nil {
			continue
		}
		if !leg.Executed {
			if _, err := ch.ExecuteCurrentLeg(); err != nil {
				return nil, nil, err
			}
		}

		var payout int64
		if int32(leg.Outcome) == winningOutcome {
			price := finalPrices[leg.Outcome]
			if price <= 0 {
				price = 1
			}
			var err error
			payout, err = fixedpoint.MulDiv(leg.Stake, fixedpoint.PriceScale, price)
			if err != nil {
				return nil, nil, err
			}
		}

		if err := c.chains.AdvanceChain(ch.ChainID, winningOutcome, payout, slot); err != nil {
			return nil, nil, err
		}

		switch ch.State {
		case state.ChainStateOpen:
			// Winner: stake the next leg from the rolling amount.
			if _, err := ch.ExecuteCurrentLeg(); err != nil {
				return nil, nil, err
			}
			if c.metrics != nil {
				c.metrics.ChainsAdvanced.Inc()
			}
		default:
			settled, err := c.settleClosedPosition(ch.Owner, ch.InitialStake, ch.TotalPayout, ref, slot)
			if err != nil {
				return nil, nil, err
			}
			batches = append(batches, settled...)
			if c.metrics != nil {
				result := "lost"
				if ch.Won {
					result = "won"
					c.metrics.ChainsAdvanced.Inc()
				}
				c.metrics.ChainsClosed.WithLabelValues(result).Inc()
			}
		}
		extras = append(extras, ch.CanonicalBytes())
	}
	return batches, extras, nil
}

// handleChainCreated opens a parlay chain: the stake is locked, the chain
// fee accrues to the MMT vault, and the first leg executes immediately.
func (c *Engine) handleChainCreated(e *event.ChainCreated) ([]*vault.Batch, [][]byte, error) {
	legs := make([]state.ChainLeg, len(e.Legs))
	for i, spec := range e.Legs {
		prop := c.proposals.GetProposal(spec.Proposal)
		if prop == nil {
			return nil, nil, fmt.Errorf("chain leg %d: unknown proposal %s", i, spec.Proposal)
		}
		if prop.State == state.ProposalStateResolved {
			return nil, nil, fmt.Errorf("chain leg %d: proposal %s already resolved", i, spec.Proposal)
		}
		if int(spec.Outcome) >= int(prop.OutcomeCount) {
			return nil, nil, fmt.Errorf("chain leg %d: outcome %d out of range", i, spec.Outcome)
		}
		legs[i] = state.ChainLeg{
			ProposalID:    spec.Proposal,
			Outcome:       spec.Outcome,
			AllocationBps: spec.AllocationBps,
		}
	}

	ch, err := state.NewChainPosition(e.ChainID, e.Trader, legs, e.Stake, e.Slot)
	if err != nil {
		return nil, nil, err
	}

	ref := e.IdempotencyKey()
	fee, err := fixedpoint.MulDiv(e.Stake, c.cfg.ChainFeeBps, fixedpoint.BpsScale)
	if err != nil {
		return nil, nil, err
	}
	if err := c.vault.Tracker().ValidateSufficientAvailable(e.Trader, e.Stake+fee); err != nil {
		return nil, nil, fmt.Errorf("chain pre-check failed: %w", err)
	}

	var batches []*vault.Batch
	_, feeBatch, err := c.vault.AccrueTradeFee(e.Trader, e.Stake, c.cfg.ChainFeeBps, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	if feeBatch != nil {
		batches = append(batches, feeBatch)
	}
	lockBatch, err := c.vault.LockMargin(e.Trader, e.Stake, ref, e.Slot)
	if err != nil {
		return nil, nil, err
	}
	batches = append(batches, lockBatch)

	if err := c.chains.CreateChain(ch); err != nil {
		return nil, nil, err
	}
	if _, err := ch.ExecuteCurrentLeg(); err != nil {
		return nil, nil, err
	}

	return batches, [][]byte{ch.CanonicalBytes()}, nil
}

func (c *Engine) handleDepositConfirmed(e *event.DepositConfirmed) ([]*vault.Batch, [][]byte, error) {
	if e.Amount <= 0 {
		return nil, nil, fmt.Errorf("deposit amount must be > 0, got %d", e.Amount)
	}
	depositBatch, err := c.vault.Deposit(e.Trader, e.Amount, e.IdempotencyKey(), e.Slot)
	if err != nil {
		return nil, nil, err
	}
	return []*vault.Batch{depositBatch}, nil, nil
}

func (c *Engine) handleWithdrawalRequested(e *event.WithdrawalRequested) ([]*vault.Batch, [][]byte, error) {
	if e.Amount <= 0 {
		return nil, nil, fmt.Errorf("withdrawal amount must be > 0, got %d", e.Amount)
	}
	withdrawBatch, err := c.vault.Withdraw(e.Trader, e.Amount, e.IdempotencyKey(), e.Slot)
	if err != nil {
		return nil, nil, err
	}
	return []*vault.Batch{withdrawBatch}, nil, nil
}

// handleFundingEpochAccrued advances the proposal's cumulative borrow
// index. Positions snapshot the index at open and pay the delta against
// their margin when they settle.
func (c *Engine) handleFundingEpochAccrued(e *event.FundingEpochAccrued) ([]*vault.Batch, [][]byte, error) {
	if c.proposals.GetProposal(e.Proposal) == nil {
		return nil, nil, fmt.Errorf("unknown proposal %s", e.Proposal)
	}
	key := e.Proposal.String()
	if err := c.funding.AccrueEpoch(key, e.EpochID, e.RateBps, e.Slot); err != nil {
		return nil, nil, err
	}

	digest := make([]byte, 0, len(key)+9)
	digest = append(digest, byte(len(key)))
	digest = append(digest, []byte(key)...)
	digest = appendInt64LE(digest, c.funding.CurrentIndex(key))
	return nil, [][]byte{digest}, nil
}

// borrowFeeFor returns the funding fee a position owes at settlement. An
// index snapshot ahead of the proposal index means corrupted state, which
// the invariant sweep will catch; the fee is waived here.
func (c *Engine) borrowFeeFor(pos *state.Position) int64 {
	fee, err := c.funding.BorrowFeeOwed(pos.ProposalID.String(), pos)
	if err != nil {
		c.logger.Warn().Err(err).Str("position_id", pos.PositionID.String()).Msg("borrow fee waived")
		return 0
	}
	return fee
}

// --- Supporting state ---

// hybridFor returns the proposal's AMM, built lazily from its liquidity
// depth. All hybrids share one iteration history.
func (c *Engine) hybridFor(prop *state.Proposal) (*amm.Hybrid, error) {
	if h, ok := c.amms[prop.ProposalID]; ok {
		return h, nil
	}
	h, err := amm.NewHybrid(prop.LiquidityB, c.ammHistory)
	if err != nil {
		return nil, err
	}
	c.amms[prop.ProposalID] = h
	return h, nil
}

// detectorFor returns the proposal's attack detector, created on first
// use with the platform volume baseline.
func (c *Engine) detectorFor(proposalID uuid.UUID) *security.Detector {
	if d, ok := c.detectors[proposalID]; ok {
		return d
	}
	d := security.NewDetector(proposalID, c.logger)
	d.SetVolumeBaseline(c.normalVolume)
	c.detectors[proposalID] = d
	return d
}

// coverageBps reads the vault coverage against the open interest.
func (c *Engine) coverageBps() int64 {
	var openInterest int64
	for _, pos := range c.positions.GetAllPositions() {
		if !pos.Closed {
			openInterest += pos.Notional
		}
	}
	return c.vault.CoverageBps(openInterest)
}

// updateCrossMargin renets the owner's positions within a verse and
// returns the account's canonical bytes for the state digest. riskScore
// of -1 keeps the account's previous score. The AccountID is derived from
// the owner and verse so replays produce identical bytes.
func (c *Engine) updateCrossMargin(owner uuid.UUID, verseID string, riskScore int, slot int64) ([]byte, error) {
	if verseID == "" {
		return nil, nil
	}

	var versePositions []*state.Position
	for _, pos := range c.positions.GetOwnerPositions(owner) {
		prop := c.proposals.GetProposal(pos.ProposalID)
		if prop != nil && prop.VerseID == verseID {
			versePositions = append(versePositions, pos)
		}
	}

	key := crossMarginKey{owner: owner, verseID: verseID}
	acct := c.crossMargin[key]
	if acct == nil {
		acct = &state.CrossMarginAccount{
			AccountID: uuid.NewSHA1(owner, []byte(verseID)),
			Owner:     owner,
			VerseID:   verseID,
			Mode:      state.MarginModeCross,
		}
		c.crossMargin[key] = acct
	}

	summary, err := risk.ComputeMargins(versePositions, acct.Mode, c.cfg)
	if err != nil {
		return nil, err
	}
	risk.ApplyToAccount(acct, summary, uint64(slot))
	if riskScore >= 0 {
		acct.RiskScore = int64(riskScore)
	}
	return acct.CanonicalBytes(), nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for recovery.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[vault.AccountKey]int64
	Token           *state.MMTVault
	Proposals       []*state.Proposal
	Positions       []*state.Position
	Chains          []*state.ChainPosition
	BorrowIndexes   map[string]*state.BorrowIndex
	BorrowEpochs    map[string]int64
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the engine's in-memory state. On warm
// restart the latest snapshot loads first, then the event log replays
// from the snapshot sequence.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.vault.Tracker().SetBalance(key, balance)
	}
	if snap.Token != nil {
		*c.vault.Token() = *snap.Token
	}
	for _, p := range snap.Proposals {
		c.proposals.SetProposal(p)
	}
	for _, pos := range snap.Positions {
		c.positions.SetPosition(pos)
	}
	for _, ch := range snap.Chains {
		c.chains.SetChain(ch)
	}
	for _, idx := range snap.BorrowIndexes {
		c.funding.RestoreIndex(idx)
	}
	for proposalID, nextEpoch := range snap.BorrowEpochs {
		c.funding.RestoreNextEpoch(proposalID, nextEpoch)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache so replayed
// events dedup on the hot path.
func (c *Engine) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *Engine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	token := *c.vault.Token()
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.vault.Tracker().Snapshot(),
		Token:           &token,
		Proposals:       c.proposals.GetAllProposals(),
		Positions:       c.positions.GetAllPositions(),
		Chains:          c.chains.GetAllChains(),
		BorrowIndexes:   c.funding.GetAllIndexes(),
		BorrowEpochs:    c.funding.GetAllNextEpochs(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
