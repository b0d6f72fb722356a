package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"VerseBet/internal/core"
	"VerseBet/internal/event"
	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/observability"
	"VerseBet/internal/state"
	"VerseBet/internal/vault"
)

// Worker updates the read-side tables from processed engine outputs.
// The projection channel is non-blocking with drop: if this worker
// falls behind, rows go stale and are reconciled by RebuildBalances or
// at the next derivable event. Authoritative state stays in the engine
// and the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run drains the projection channel until ctx is cancelled or the
// channel closes. Failed updates are logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.apply(ctx, output); err != nil {
				w.logger.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Str("event_type", output.Envelope.EventType.String()).
					Msg("projection update failed")
				continue
			}
			w.lastSeq = output.Envelope.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.
					WithLabelValues(output.Envelope.EventType.String()).
					Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	for _, b := range output.Batches {
		for _, j := range b.Journals {
			if err := w.applyJournal(ctx, tx, seq, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Amount); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := w.applyEvent(ctx, tx, output); err != nil {
		return fmt.Errorf("entity projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyJournal mirrors the vault's convention: a debit increases the
// account balance, a credit decreases it.
func (w *Worker) applyJournal(ctx context.Context, tx *sql.Tx, seq int64, debit, credit string, amount int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, debit, amount, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3
	`, credit, amount, seq)
	return err
}

// applyEvent updates entity rows for the fields derivable from the
// event payload itself.
func (w *Worker) applyEvent(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	env := output.Envelope
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	switch e := evt.(type) {
	case *event.BetPlaced:
		notional, err := fixedpoint.MulDiv(e.Margin, e.LeverageBps, fixedpoint.BpsScale)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_id, owner_id, proposal_id, outcome, is_long, size, notional,
				 margin, leverage_bps, entry_price, mark_price, state, closed, last_sequence)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8,
			        COALESCE((SELECT prices[$4 + 1] FROM projections.proposals WHERE proposal_id = $3), 0),
			        COALESCE((SELECT prices[$4 + 1] FROM projections.proposals WHERE proposal_id = $3), 0),
			        0, FALSE, $9)
			ON CONFLICT (position_id) DO NOTHING
		`, e.BetID, e.Trader, e.Proposal, int(e.Outcome), e.IsLong, notional, e.Margin, e.LeverageBps, env.Sequence); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.proposals
			SET total_volume = total_volume + $2, last_sequence = $3
			WHERE proposal_id = $1
		`, e.Proposal, notional, env.Sequence)
		return err

	case *event.PositionClosed:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET closed = TRUE, last_sequence = $2
			WHERE position_id = $1
		`, e.PositionID, env.Sequence)
		return err

	case *event.LiquidationRequested:
		// Journals say how the liquidation settled: a margin release in
		// the same output means the position closed fully.
		fullClose := false
		for _, b := range output.Batches {
			for _, j := range b.Journals {
				if j.JournalType == vault.JournalTypeMarginRelease {
					fullClose = true
				}
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET closed = closed OR $2, state = CASE WHEN $2 THEN 3 ELSE 2 END, last_sequence = $3
			WHERE position_id = $1
		`, e.PositionID, fullClose, env.Sequence)
		return err

	case *event.OraclePriceUpdate:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.proposals
			SET prices = $2, last_sequence = $3
			WHERE proposal_id = $1
		`, e.Proposal, pq.Array(e.Prices), env.Sequence)
		return err

	case *event.ProposalResolved:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.proposals
			SET state = $2, resolution_outcome = $3, last_sequence = $4
			WHERE proposal_id = $1
		`, e.Proposal, int(state.ProposalStateResolved), e.Outcome, env.Sequence); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET closed = TRUE, last_sequence = $2
			WHERE proposal_id = $1 AND NOT closed
		`, e.Proposal, env.Sequence)
		return err

	case *event.ChainCreated:
		legs := make([]map[string]interface{}, 0, len(e.Legs))
		for _, leg := range e.Legs {
			legs = append(legs, map[string]interface{}{
				"proposal":       leg.Proposal,
				"outcome":        leg.Outcome,
				"allocation_bps": leg.AllocationBps,
			})
		}
		legsJSON, err := json.Marshal(legs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.chains
				(chain_id, owner_id, legs, current_step, initial_stake, rolling_stake, state, last_sequence)
			VALUES ($1, $2, $3, 0, $4, $4, 0, $5)
			ON CONFLICT (chain_id) DO NOTHING
		`, e.ChainID, e.Trader, legsJSON, e.Stake, env.Sequence)
		return err

	case *event.FundingEpochAccrued:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.borrow_epochs (proposal_id, epoch_id, rate_bps, slot, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (proposal_id, epoch_id) DO NOTHING
		`, e.Proposal, e.EpochID, e.RateBps, e.Slot, env.Sequence)
		return err
	}

	// Deposits, withdrawals and sweeps are fully covered by the balance
	// rollup above.
	return nil
}

// UpsertProposal seeds or refreshes a proposal row directly from engine
// state. Proposal creation is an admin action rather than a log event,
// so the server calls this when a proposal is created.
func UpsertProposal(ctx context.Context, db *sql.DB, p *state.Proposal, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.proposals
			(proposal_id, verse_id, question, outcome_count, prices, total_volume,
			 state, resolution_outcome, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (proposal_id) DO UPDATE SET
			prices = $5, total_volume = $6, state = $7, resolution_outcome = $8, last_sequence = $9
	`, p.ProposalID, p.VerseID, p.Question, int(p.OutcomeCount), pq.Array(p.Prices),
		p.TotalVolume, int(p.State), p.ResolutionOutcome, seq)
	return err
}

// RebuildBalances recomputes the balance rollup from the journal. Used
// after a projection outage; the balance table is a pure fold over
// event_log.journals.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`TRUNCATE projections.balances`,
		`INSERT INTO projections.balances (account_path, balance, last_sequence)
		 SELECT account_path, SUM(delta), MAX(sequence)
		 FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journals
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journals
		 ) legs
		 GROUP BY account_path`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
	}
	return nil
}
