package query

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote amounts and prices are stored as scaled int64 (six decimal
// places). API responses carry both the raw integer and a decimal
// string so clients do not have to know the scale.
const scaleExp = -6

// Amount pairs a raw scaled integer with its decimal rendering.
type Amount struct {
	Raw     int64  `json:"raw"`
	Decimal string `json:"decimal"`
}

func NewAmount(raw int64) Amount {
	return Amount{Raw: raw, Decimal: decimal.New(raw, scaleExp).String()}
}

func amounts(raw []int64) []Amount {
	out := make([]Amount, len(raw))
	for i, v := range raw {
		out[i] = NewAmount(v)
	}
	return out
}

// BalanceResponse is a trader's vault balance breakdown.
type BalanceResponse struct {
	User              uuid.UUID `json:"user"`
	Available         Amount    `json:"available"`
	MarginLocked      Amount    `json:"margin_locked"`
	PendingWithdrawal Amount    `json:"pending_withdrawal"`
	Total             Amount    `json:"total"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// PositionResponse is one leveraged bet.
type PositionResponse struct {
	PositionID       uuid.UUID `json:"position_id"`
	Owner            uuid.UUID `json:"owner"`
	Proposal         uuid.UUID `json:"proposal"`
	Outcome          int32     `json:"outcome"`
	IsLong           bool      `json:"is_long"`
	Notional         Amount    `json:"notional"`
	Margin           Amount    `json:"margin"`
	LeverageBps      int64     `json:"leverage_bps"`
	EntryPrice       Amount    `json:"entry_price"`
	MarkPrice        Amount    `json:"mark_price"`
	RealizedPnL      Amount    `json:"realized_pnl"`
	LiquidatedAmount Amount    `json:"liquidated_amount"`
	State            int32     `json:"state"`
	Closed           bool      `json:"closed"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// ProposalResponse is one prediction market.
type ProposalResponse struct {
	ProposalID        uuid.UUID `json:"proposal_id"`
	VerseID           string    `json:"verse_id"`
	Question          string    `json:"question"`
	OutcomeCount      int32     `json:"outcome_count"`
	Prices            []Amount  `json:"prices"`
	TotalVolume       Amount    `json:"total_volume"`
	State             int32     `json:"state"`
	ResolutionOutcome int32     `json:"resolution_outcome"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// ChainResponse is one parlay chain.
type ChainResponse struct {
	ChainID      uuid.UUID       `json:"chain_id"`
	Owner        uuid.UUID       `json:"owner"`
	Legs         json.RawMessage `json:"legs"`
	CurrentStep  int32           `json:"current_step"`
	InitialStake Amount          `json:"initial_stake"`
	RollingStake Amount          `json:"rolling_stake"`
	TotalPayout  Amount          `json:"total_payout"`
	State        int32           `json:"state"`
	Won          bool            `json:"won"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalEntryResponse is one double-entry transfer touching a user.
type JournalEntryResponse struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        Amount `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Slot          int64  `json:"slot"`
}

// BorrowEpochResponse is one borrow-rate accrual.
type BorrowEpochResponse struct {
	Proposal uuid.UUID `json:"proposal"`
	EpochID  int64     `json:"epoch_id"`
	RateBps  int64     `json:"rate_bps"`
	Slot     int64     `json:"slot"`
	Sequence int64     `json:"sequence"`
}

// IntegrityReport is the result of an integrity verification sweep.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	BalanceDrift    *Amount `json:"balance_drift,omitempty"`
}
