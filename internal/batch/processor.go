// Package batch groups liquidations, settlements, price updates, and
// position updates into bounded batches sized for the host's per-transaction
// compute ceiling. One item's failure never aborts the batch: partial
// success is the contract, and the report tells the caller whether another
// batch is worth submitting.
package batch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/risk"
	"VerseBet/internal/state"
)

// Batch size ceilings.
const (
	MaxLiquidationBatch = 16
	MaxSettlementBatch  = 64
	MaxBatchSize        = 32
)

// Approximate compute-unit costs per item, used to budget follow-up batches.
const (
	cuLiquidation    = 2_000
	cuSettlement     = 1_500
	cuPriceUpdate    = 500
	cuPositionUpdate = 800
)

// Report summarizes one batch call.
type Report struct {
	Checked      int
	Succeeded    int
	Skipped      int // already closed/settled items, idempotently ignored
	Failed       int
	ComputeUnits int64
	Errors       []ItemError
}

// ItemError records one failed item without failing the batch.
type ItemError struct {
	Index int
	ID    uuid.UUID
	Err   error
}

// Settlement resolves one proposal to a winning outcome.
type Settlement struct {
	ProposalID uuid.UUID
	Outcome    int32
}

// PriceUpdate replaces one proposal's price vector.
type PriceUpdate struct {
	ProposalID uuid.UUID
	Prices     []int64
}

// PositionUpdateKind selects a position maintenance operation.
type PositionUpdateKind int32

const (
	PositionUpdateAddMargin PositionUpdateKind = iota
	PositionUpdatePartialClose
)

// PositionUpdate is one maintenance operation against a position.
type PositionUpdate struct {
	PositionID uuid.UUID
	Kind       PositionUpdateKind
	Amount     int64
}

// Processor executes bounded batches against the state managers.
type Processor struct {
	cfg       *state.RiskConfig
	proposals *state.ProposalManager
	positions *state.PositionManager
	engine    *risk.Engine
	logger    zerolog.Logger
}

func NewProcessor(
	cfg *state.RiskConfig,
	proposals *state.ProposalManager,
	positions *state.PositionManager,
	engine *risk.Engine,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		cfg:       cfg,
		proposals: proposals,
		positions: positions,
		engine:    engine,
		logger:    logger.With().Str("component", "batch_processor").Logger(),
	}
}

// ProcessLiquidations drains up to MaxLiquidationBatch entries from the
// keeper queue in descending priority order. Entries that turned healthy or
// closed since enqueue are skipped, not failed.
func (p *Processor) ProcessLiquidations(
	queue *risk.Queue,
	coverageBps int64,
	emergency bool,
	slot int64,
) (Report, []risk.Outcome) {
	var rep Report
	var outcomes []risk.Outcome

	for _, entry := range queue.PopBatch(MaxLiquidationBatch) {
		rep.Checked++
		rep.ComputeUnits += cuLiquidation

		pos := p.positions.GetPosition(entry.PositionID)
		if pos == nil || pos.Closed {
			rep.Skipped++
			continue
		}

		out, err := p.engine.ProcessLiquidation(entry.PositionID, coverageBps, emergency, slot)
		switch {
		case errors.Is(err, risk.ErrPositionHealthy):
			rep.Skipped++
		case err != nil:
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: rep.Checked - 1, ID: entry.PositionID, Err: err})
		default:
			rep.Succeeded++
			outcomes = append(outcomes, out)
		}
	}

	p.logBatch("liquidations", rep)
	return rep, outcomes
}

// ProcessSettlements resolves up to MaxSettlementBatch proposals. Already
// resolved proposals are skipped idempotently.
func (p *Processor) ProcessSettlements(settlements []Settlement, slot int64) Report {
	var rep Report
	if len(settlements) > MaxSettlementBatch {
		settlements = settlements[:MaxSettlementBatch]
	}

	for i, s := range settlements {
		rep.Checked++
		rep.ComputeUnits += cuSettlement

		prop := p.proposals.GetProposal(s.ProposalID)
		if prop == nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: s.ProposalID, Err: fmt.Errorf("unknown proposal")})
			continue
		}
		if prop.State == state.ProposalStateResolved {
			rep.Skipped++
			continue
		}
		if err := prop.Resolve(s.Outcome, slot); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: s.ProposalID, Err: err})
			continue
		}
		rep.Succeeded++
	}

	p.logBatch("settlements", rep)
	return rep
}

// ProcessPriceUpdates applies up to MaxBatchSize price vectors and remarks
// the affected positions. Vectors that do not sum to PriceScale within
// tolerance are rejected per item.
func (p *Processor) ProcessPriceUpdates(updates []PriceUpdate, slot int64) Report {
	var rep Report
	if len(updates) > MaxBatchSize {
		updates = updates[:MaxBatchSize]
	}

	for i, u := range updates {
		rep.Checked++
		rep.ComputeUnits += cuPriceUpdate

		prop := p.proposals.GetProposal(u.ProposalID)
		if prop == nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: u.ProposalID, Err: fmt.Errorf("unknown proposal")})
			continue
		}
		if !prop.IsTradable() {
			rep.Skipped++
			continue
		}
		if err := validatePriceVector(prop, u.Prices); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: u.ProposalID, Err: err})
			continue
		}

		copy(prop.Prices, u.Prices)
		prop.Version++
		if err := p.positions.MarkProposal(u.ProposalID, u.Prices); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: u.ProposalID, Err: err})
			continue
		}
		rep.Succeeded++
	}

	p.logBatch("price_updates", rep)
	return rep
}

// ProcessPositionUpdates applies up to MaxBatchSize maintenance operations.
// Closed positions are skipped idempotently.
func (p *Processor) ProcessPositionUpdates(updates []PositionUpdate, slot int64) Report {
	var rep Report
	if len(updates) > MaxBatchSize {
		updates = updates[:MaxBatchSize]
	}

	for i, u := range updates {
		rep.Checked++
		rep.ComputeUnits += cuPositionUpdate

		pos := p.positions.GetPosition(u.PositionID)
		if pos == nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: u.PositionID, Err: fmt.Errorf("unknown position")})
			continue
		}
		if pos.Closed {
			rep.Skipped++
			continue
		}

		var err error
		switch u.Kind {
		case PositionUpdateAddMargin:
			err = p.positions.AddMargin(u.PositionID, u.Amount, p.cfg)
		case PositionUpdatePartialClose:
			if u.Amount >= pos.Notional {
				_, err = p.positions.ClosePosition(u.PositionID, pos.MarkPrice, slot)
			} else {
				err = p.positions.LiquidatePortion(u.PositionID, u.Amount)
			}
		default:
			err = fmt.Errorf("unknown position update kind %d", u.Kind)
		}
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Index: i, ID: u.PositionID, Err: err})
			continue
		}
		rep.Succeeded++
	}

	p.logBatch("position_updates", rep)
	return rep
}

func validatePriceVector(prop *state.Proposal, prices []int64) error {
	if len(prices) != int(prop.OutcomeCount) {
		return fmt.Errorf("price vector has %d entries, proposal has %d outcomes", len(prices), prop.OutcomeCount)
	}
	var sum int64
	for _, price := range prices {
		if price <= 0 || price >= fixedpoint.PriceScale {
			return fmt.Errorf("price %d out of range (0,%d)", price, fixedpoint.PriceScale)
		}
		sum += price
	}
	diff := sum - fixedpoint.PriceScale
	if diff < 0 {
		diff = -diff
	}
	if diff > state.PriceSumTolerance {
		return fmt.Errorf("price vector sums to %d, outside tolerance %d", sum, state.PriceSumTolerance)
	}
	return nil
}

func (p *Processor) logBatch(kind string, rep Report) {
	p.logger.Info().
		Str("batch", kind).
		Int("checked", rep.Checked).
		Int("succeeded", rep.Succeeded).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Int64("compute_units", rep.ComputeUnits).
		Msg("batch processed")
}
