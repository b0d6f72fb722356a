package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VerseBet/internal/event"
)

// ParseRawEvent converts a raw NATS message into a typed event.Event.
// The shell validates here so the engine only ever sees well-formed
// input. Wire payloads use snake_case to match upstream producers.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "BetPlaced":
		return parseBetPlaced(raw.Data)
	case "PositionClosed":
		return parsePositionClosed(raw.Data)
	case "OraclePriceUpdate":
		return parseOraclePriceUpdate(raw.Data)
	case "ProposalResolved":
		return parseProposalResolved(raw.Data)
	case "LiquidationRequested":
		return parseLiquidationRequested(raw.Data)
	case "LiquidationSweep":
		return parseLiquidationSweep(raw.Data)
	case "ChainCreated":
		return parseChainCreated(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "FundingEpochAccrued":
		return parseFundingEpochAccrued(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

type betPlacedJSON struct {
	BetID       string `json:"bet_id"`
	Trader      string `json:"trader"`
	Proposal    string `json:"proposal"`
	Outcome     uint16 `json:"outcome"`
	IsLong      bool   `json:"is_long"`
	Margin      int64  `json:"margin"`
	LeverageBps int64  `json:"leverage_bps"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBetPlaced(data []byte) (*event.BetPlaced, error) {
	var j betPlacedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BetPlaced: %w", err)
	}
	betID, err := uuid.Parse(j.BetID)
	if err != nil {
		return nil, fmt.Errorf("parse bet_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	proposal, err := uuid.Parse(j.Proposal)
	if err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	if j.Margin <= 0 {
		return nil, fmt.Errorf("bet margin must be positive, got %d", j.Margin)
	}
	if j.LeverageBps <= 0 {
		return nil, fmt.Errorf("bet leverage must be positive, got %d", j.LeverageBps)
	}
	return &event.BetPlaced{
		BetID:       betID,
		Trader:      trader,
		Proposal:    proposal,
		Outcome:     j.Outcome,
		IsLong:      j.IsLong,
		Margin:      j.Margin,
		LeverageBps: j.LeverageBps,
		Slot:        j.Slot,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type positionClosedJSON struct {
	RequestID   string `json:"request_id"`
	PositionID  string `json:"position_id"`
	Trader      string `json:"trader"`
	Proposal    string `json:"proposal"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePositionClosed(data []byte) (*event.PositionClosed, error) {
	var j positionClosedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClosed: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	proposal, err := uuid.Parse(j.Proposal)
	if err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	return &event.PositionClosed{
		RequestID:  requestID,
		PositionID: positionID,
		Trader:     trader,
		Proposal:   proposal,
		Slot:       j.Slot,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type oraclePriceJSON struct {
	Proposal      string  `json:"proposal"`
	Prices        []int64 `json:"prices"`
	Slot          int64   `json:"slot"`
	PriceSequence int64   `json:"price_sequence"`
	TimestampUs   int64   `json:"timestamp_us"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}
	proposal, err := uuid.Parse(j.Proposal)
	if err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	if len(j.Prices) < 2 {
		return nil, fmt.Errorf("price vector needs at least 2 outcomes, got %d", len(j.Prices))
	}
	return &event.OraclePriceUpdate{
		Proposal:      proposal,
		Prices:        j.Prices,
		Slot:          j.Slot,
		PriceSequence: j.PriceSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type proposalResolvedJSON struct {
	Proposal    string `json:"proposal"`
	Outcome     int32  `json:"outcome"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseProposalResolved(data []byte) (*event.ProposalResolved, error) {
	var j proposalResolvedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProposalResolved: %w", err)
	}
	proposal, err := uuid.Parse(j.Proposal)
	if err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	if j.Outcome < 0 {
		return nil, fmt.Errorf("resolution outcome must be non-negative, got %d", j.Outcome)
	}
	return &event.ProposalResolved{
		Proposal:  proposal,
		Outcome:   j.Outcome,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidationRequestedJSON struct {
	RequestID   string `json:"request_id"`
	PositionID  string `json:"position_id"`
	Keeper      string `json:"keeper"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLiquidationRequested(data []byte) (*event.LiquidationRequested, error) {
	var j liquidationRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &event.LiquidationRequested{
		RequestID:  requestID,
		PositionID: positionID,
		Keeper:     keeper,
		Slot:       j.Slot,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidationSweepJSON struct {
	SweepID     string `json:"sweep_id"`
	Keeper      string `json:"keeper"`
	Emergency   bool   `json:"emergency"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLiquidationSweep(data []byte) (*event.LiquidationSweep, error) {
	var j liquidationSweepJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationSweep: %w", err)
	}
	sweepID, err := uuid.Parse(j.SweepID)
	if err != nil {
		return nil, fmt.Errorf("parse sweep_id: %w", err)
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &event.LiquidationSweep{
		SweepID:   sweepID,
		Keeper:    keeper,
		Emergency: j.Emergency,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type chainLegJSON struct {
	Proposal      string `json:"proposal"`
	Outcome       uint16 `json:"outcome"`
	AllocationBps int64  `json:"allocation_bps"`
}

type chainCreatedJSON struct {
	ChainID     string         `json:"chain_id"`
	Trader      string         `json:"trader"`
	Legs        []chainLegJSON `json:"legs"`
	Stake       int64          `json:"stake"`
	Slot        int64          `json:"slot"`
	Sequence    int64          `json:"sequence"`
	TimestampUs int64          `json:"timestamp_us"`
}

func parseChainCreated(data []byte) (*event.ChainCreated, error) {
	var j chainCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ChainCreated: %w", err)
	}
	chainID, err := uuid.Parse(j.ChainID)
	if err != nil {
		return nil, fmt.Errorf("parse chain_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Stake <= 0 {
		return nil, fmt.Errorf("chain stake must be positive, got %d", j.Stake)
	}
	legs := make([]event.ChainLegSpec, 0, len(j.Legs))
	for i, leg := range j.Legs {
		proposal, err := uuid.Parse(leg.Proposal)
		if err != nil {
			return nil, fmt.Errorf("parse leg %d proposal: %w", i, err)
		}
		legs = append(legs, event.ChainLegSpec{
			Proposal:      proposal,
			Outcome:       leg.Outcome,
			AllocationBps: leg.AllocationBps,
		})
	}
	return &event.ChainCreated{
		ChainID:   chainID,
		Trader:    trader,
		Legs:      legs,
		Stake:     j.Stake,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Trader      string `json:"trader"`
	Amount      int64  `json:"amount"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", j.Amount)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		Trader:    trader,
		Amount:    j.Amount,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Trader       string `json:"trader"`
	Amount       int64  `json:"amount"`
	Slot         int64  `json:"slot"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", j.Amount)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: withdrawalID,
		Trader:       trader,
		Amount:       j.Amount,
		Slot:         j.Slot,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundingEpochJSON struct {
	Proposal    string `json:"proposal"`
	EpochID     int64  `json:"epoch_id"`
	RateBps     int64  `json:"rate_bps"`
	Slot        int64  `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundingEpochAccrued(data []byte) (*event.FundingEpochAccrued, error) {
	var j fundingEpochJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingEpochAccrued: %w", err)
	}
	proposal, err := uuid.Parse(j.Proposal)
	if err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	if j.RateBps < 0 {
		return nil, fmt.Errorf("borrow rate must be non-negative, got %d", j.RateBps)
	}
	return &event.FundingEpochAccrued{
		Proposal:  proposal,
		EpochID:   j.EpochID,
		RateBps:   j.RateBps,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
