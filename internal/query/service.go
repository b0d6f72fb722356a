package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"VerseBet/internal/observability"
)

// Service serves read-only queries from the projection tables. Every
// response carries as_of_sequence, the projection watermark at read
// time, so clients can reason about freshness.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetBalance returns a trader's vault balance breakdown.
func (s *Service) GetBalance(ctx context.Context, user uuid.UUID) (*BalanceResponse, error) {
	defer s.observe("balance", time.Now())

	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	available, err := s.balanceAt(ctx, fmt.Sprintf("user:%s:collateral", user))
	if err != nil {
		return nil, err
	}
	locked, err := s.balanceAt(ctx, fmt.Sprintf("user:%s:margin_locked", user))
	if err != nil {
		return nil, err
	}
	pending, err := s.balanceAt(ctx, fmt.Sprintf("user:%s:pending_withdrawal", user))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		User:              user,
		Available:         NewAmount(available),
		MarginLocked:      NewAmount(locked),
		PendingWithdrawal: NewAmount(pending),
		Total:             NewAmount(available + locked + pending),
		AsOfSequence:      asOf,
	}, nil
}

// GetPositions returns a trader's positions, open first.
func (s *Service) GetPositions(ctx context.Context, user uuid.UUID, includeClosed bool) ([]PositionResponse, error) {
	defer s.observe("positions", time.Now())

	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, proposal_id, outcome, is_long, notional, margin,
		       leverage_bps, entry_price, mark_price, realized_pnl,
		       liquidated_amount, state, closed
		FROM projections.positions
		WHERE owner_id = $1 AND (NOT closed OR $2)
		ORDER BY closed, last_sequence DESC
	`, user, includeClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		var notional, margin, entry, mark, realized, liquidated int64
		p.Owner = user
		p.AsOfSequence = asOf
		if err := rows.Scan(
			&p.PositionID, &p.Proposal, &p.Outcome, &p.IsLong, &notional, &margin,
			&p.LeverageBps, &entry, &mark, &realized, &liquidated, &p.State, &p.Closed,
		); err != nil {
			return nil, err
		}
		p.Notional = NewAmount(notional)
		p.Margin = NewAmount(margin)
		p.EntryPrice = NewAmount(entry)
		p.MarkPrice = NewAmount(mark)
		p.RealizedPnL = NewAmount(realized)
		p.LiquidatedAmount = NewAmount(liquidated)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetProposal returns one proposal.
func (s *Service) GetProposal(ctx context.Context, proposalID uuid.UUID) (*ProposalResponse, error) {
	defer s.observe("proposal", time.Now())

	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	var p ProposalResponse
	var prices []int64
	var volume int64
	err = s.db.QueryRowContext(ctx, `
		SELECT proposal_id, verse_id, question, outcome_count, prices,
		       total_volume, state, resolution_outcome
		FROM projections.proposals
		WHERE proposal_id = $1
	`, proposalID).Scan(
		&p.ProposalID, &p.VerseID, &p.Question, &p.OutcomeCount,
		pq.Array(&prices), &volume, &p.State, &p.ResolutionOutcome,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Prices = amounts(prices)
	p.TotalVolume = NewAmount(volume)
	p.AsOfSequence = asOf
	return &p, nil
}

// ListProposals returns proposals, optionally filtered by verse.
func (s *Service) ListProposals(ctx context.Context, verseID string, limit int) ([]ProposalResponse, error) {
	defer s.observe("proposals", time.Now())

	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT proposal_id, verse_id, question, outcome_count, prices,
		       total_volume, state, resolution_outcome
		FROM projections.proposals`
	args := []interface{}{}
	if verseID != "" {
		query += ` WHERE verse_id = $1`
		args = append(args, verseID)
	}
	query += fmt.Sprintf(` ORDER BY last_sequence DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []ProposalResponse
	for rows.Next() {
		var p ProposalResponse
		var prices []int64
		var volume int64
		if err := rows.Scan(
			&p.ProposalID, &p.VerseID, &p.Question, &p.OutcomeCount,
			pq.Array(&prices), &volume, &p.State, &p.ResolutionOutcome,
		); err != nil {
			return nil, err
		}
		p.Prices = amounts(prices)
		p.TotalVolume = NewAmount(volume)
		p.AsOfSequence = asOf
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// GetChains returns a trader's parlay chains.
func (s *Service) GetChains(ctx context.Context, user uuid.UUID) ([]ChainResponse, error) {
	defer s.observe("chains", time.Now())

	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, legs, current_step, initial_stake, rolling_stake,
		       total_payout, state, won
		FROM projections.chains
		WHERE owner_id = $1
		ORDER BY last_sequence DESC
	`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []ChainResponse
	for rows.Next() {
		var c ChainResponse
		var legs []byte
		var initial, rolling, payout int64
		c.Owner = user
		c.AsOfSequence = asOf
		if err := rows.Scan(
			&c.ChainID, &legs, &c.CurrentStep, &initial, &rolling,
			&payout, &c.State, &c.Won,
		); err != nil {
			return nil, err
		}
		c.Legs = json.RawMessage(legs)
		c.InitialStake = NewAmount(initial)
		c.RollingStake = NewAmount(rolling)
		c.TotalPayout = NewAmount(payout)
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, with cursor pagination on sequence.
func (s *Service) GetJournalHistory(ctx context.Context, user uuid.UUID, limit int, beforeSequence *int64) ([]JournalEntryResponse, error) {
	defer s.observe("journal", time.Now())

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", user)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, slot
		FROM event_log.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []interface{}{accountPrefix}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", len(args)+1)
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntryResponse
	for rows.Next() {
		var e JournalEntryResponse
		var amount int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Slot,
		); err != nil {
			return nil, err
		}
		e.Amount = NewAmount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBorrowEpochs returns a proposal's borrow accrual history.
func (s *Service) GetBorrowEpochs(ctx context.Context, proposalID uuid.UUID, limit int) ([]BorrowEpochResponse, error) {
	defer s.observe("borrow_epochs", time.Now())

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, epoch_id, rate_bps, slot, sequence
		FROM projections.borrow_epochs
		WHERE proposal_id = $1
		ORDER BY epoch_id DESC
		LIMIT $2
	`, proposalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []BorrowEpochResponse
	for rows.Next() {
		var e BorrowEpochResponse
		if err := rows.Scan(&e.Proposal, &e.EpochID, &e.RateBps, &e.Slot, &e.Sequence); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// VerifyIntegrity checks hash-chain continuity in the event log and
// the zero-sum invariant over the balance rollup.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var drift sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT SUM(balance) FROM projections.balances
	`).Scan(&drift); err != nil {
		return nil, err
	}
	if drift.Valid && drift.Int64 != 0 {
		a := NewAmount(drift.Int64)
		report.BalanceDrift = &a
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.BalanceDrift == nil
	return report, nil
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) balanceAt(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
