package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"

	"github.com/google/uuid"
)

// AMMKind selects the pricing engine for a proposal.
type AMMKind int32

const (
	AMMKindLMSR AMMKind = iota
	AMMKindPMAMM
	AMMKindHybrid
)

func (k AMMKind) String() string {
	switch k {
	case AMMKindLMSR:
		return "LMSR"
	case AMMKindPMAMM:
		return "PMAMM"
	case AMMKindHybrid:
		return "Hybrid"
	default:
		return "Unknown"
	}
}

// ProposalState tracks a proposal's lifecycle.
type ProposalState int32

const (
	ProposalStateActive ProposalState = iota
	ProposalStateHalted
	ProposalStateResolved
)

func (ps ProposalState) String() string {
	switch ps {
	case ProposalStateActive:
		return "Active"
	case ProposalStateHalted:
		return "Halted"
	case ProposalStateResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates proposal state transitions.
// Resolved is terminal; a halted proposal may resume or resolve.
func (ps ProposalState) CanTransitionTo(next ProposalState) bool {
	validTransitions := map[ProposalState][]ProposalState{
		ProposalStateActive: {
			ProposalStateHalted,
			ProposalStateResolved,
		},
		ProposalStateHalted: {
			ProposalStateActive,
			ProposalStateResolved,
		},
		ProposalStateResolved: {},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}
	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}
	return false
}

// PriceSumTolerance is the maximum drift allowed on the per-outcome price
// vector around PriceScale (exact unity is not always reachable in fixed
// point after renormalization).
const PriceSumTolerance = 100

// NoOutcome marks an unresolved proposal.
const NoOutcome = int32(-1)

// Proposal is a single betting market: N mutually exclusive outcomes priced
// by an AMM, with per-outcome balances and volumes.
type Proposal struct {
	ProposalID        uuid.UUID
	VerseID           string // grouping key for cross-margin scope
	Question          string
	AMM               AMMKind
	OutcomeCount      uint16
	Prices            []int64 // per outcome, PriceScale; sums to PriceScale ±tolerance
	OutcomeBalances   []int64 // per outcome, QuoteScale
	OutcomeVolumes    []int64 // per outcome, QuoteScale (cumulative)
	TotalVolume       int64   // QuoteScale (cumulative)
	LiquidityB        int64   // LMSR depth parameter, QuoteScale
	State             ProposalState
	ResolutionOutcome int32 // NoOutcome until resolved
	CreatedAtSlot     int64
	ResolvedAtSlot    int64
	Version           int64
}

// NewProposal creates an active proposal with uniform initial prices.
func NewProposal(id uuid.UUID, verseID, question string, amm AMMKind, outcomes uint16, liquidityB, slot int64) (*Proposal, error) {
	if outcomes < 2 {
		return nil, fmt.Errorf("proposal needs at least 2 outcomes, got %d", outcomes)
	}
	if liquidityB <= 0 {
		return nil, fmt.Errorf("liquidity depth must be > 0, got %d", liquidityB)
	}

	n := int64(outcomes)
	prices := make([]int64, outcomes)
	uniform := fixedpoint.PriceScale / n
	var sum int64
	for i := range prices {
		prices[i] = uniform
		sum += uniform
	}
	// Rounding remainder goes to the first outcome so the vector sums exactly.
	prices[0] += fixedpoint.PriceScale - sum

	return &Proposal{
		ProposalID:        id,
		VerseID:           verseID,
		Question:          question,
		AMM:               amm,
		OutcomeCount:      outcomes,
		Prices:            prices,
		OutcomeBalances:   make([]int64, outcomes),
		OutcomeVolumes:    make([]int64, outcomes),
		LiquidityB:        liquidityB,
		State:             ProposalStateActive,
		ResolutionOutcome: NoOutcome,
		CreatedAtSlot:     slot,
	}, nil
}

// PriceSum returns the current sum of the outcome price vector.
func (p *Proposal) PriceSum() int64 {
	var sum int64
	for _, price := range p.Prices {
		sum += price
	}
	return sum
}

// PricesNormalized reports whether the price vector sums to PriceScale
// within tolerance.
func (p *Proposal) PricesNormalized() bool {
	diff := p.PriceSum() - fixedpoint.PriceScale
	if diff < 0 {
		diff = -diff
	}
	return diff <= PriceSumTolerance
}

// IsTradable reports whether new bets can be placed.
func (p *Proposal) IsTradable() bool {
	return p.State == ProposalStateActive
}

// Resolve marks the winning outcome. Resolved is terminal.
func (p *Proposal) Resolve(outcome int32, slot int64) error {
	if outcome < 0 || outcome >= int32(p.OutcomeCount) {
		return fmt.Errorf("resolution outcome %d out of range [0,%d)", outcome, p.OutcomeCount)
	}
	if !p.State.CanTransitionTo(ProposalStateResolved) {
		return fmt.Errorf("invalid state transition: %s -> Resolved", p.State)
	}
	p.State = ProposalStateResolved
	p.ResolutionOutcome = outcome
	p.ResolvedAtSlot = slot
	p.Version++
	return nil
}

// Halt pauses trading; Resume reverses it.
func (p *Proposal) Halt() error {
	if !p.State.CanTransitionTo(ProposalStateHalted) {
		return fmt.Errorf("invalid state transition: %s -> Halted", p.State)
	}
	p.State = ProposalStateHalted
	p.Version++
	return nil
}

func (p *Proposal) Resume() error {
	if !p.State.CanTransitionTo(ProposalStateActive) {
		return fmt.Errorf("invalid state transition: %s -> Active", p.State)
	}
	p.State = ProposalStateActive
	p.Version++
	return nil
}

// Encode serializes the proposal with its discriminator prefix.
func (p *Proposal) Encode() []byte {
	buf := make([]byte, 0, 128+16*len(p.Prices))
	buf = append(buf, ProposalDiscriminator[:]...)
	buf = append(buf, p.ProposalID[:]...)
	buf = appendString(buf, p.VerseID)
	buf = appendString(buf, p.Question)
	buf = append(buf, byte(p.AMM))
	buf = appendUint16LE(buf, p.OutcomeCount)
	for i := 0; i < int(p.OutcomeCount); i++ {
		buf = appendInt64LE(buf, p.Prices[i])
		buf = appendInt64LE(buf, p.OutcomeBalances[i])
		buf = appendInt64LE(buf, p.OutcomeVolumes[i])
	}
	buf = appendInt64LE(buf, p.TotalVolume)
	buf = appendInt64LE(buf, p.LiquidityB)
	buf = append(buf, byte(p.State))
	buf = appendInt64LE(buf, int64(p.ResolutionOutcome))
	buf = appendInt64LE(buf, p.CreatedAtSlot)
	buf = appendInt64LE(buf, p.ResolvedAtSlot)
	buf = appendInt64LE(buf, p.Version)
	return buf
}

// DecodeProposal deserializes a proposal, rejecting foreign discriminators.
func DecodeProposal(data []byte) (*Proposal, error) {
	payload, err := checkDiscriminator(data, ProposalDiscriminator, "proposal")
	if err != nil {
		return nil, err
	}

	d := newDecoder(payload)
	p := &Proposal{}
	p.ProposalID = d.uuid("proposal_id")
	p.VerseID = d.str("verse_id")
	p.Question = d.str("question")
	p.AMM = AMMKind(d.byte("amm_kind"))
	p.OutcomeCount = d.uint16("outcome_count")
	if d.err == nil {
		p.Prices = make([]int64, p.OutcomeCount)
		p.OutcomeBalances = make([]int64, p.OutcomeCount)
		p.OutcomeVolumes = make([]int64, p.OutcomeCount)
		for i := 0; i < int(p.OutcomeCount); i++ {
			p.Prices[i] = d.int64("price")
			p.OutcomeBalances[i] = d.int64("balance")
			p.OutcomeVolumes[i] = d.int64("volume")
		}
	}
	p.TotalVolume = d.int64("total_volume")
	p.LiquidityB = d.int64("liquidity_b")
	p.State = ProposalState(d.byte("state"))
	p.ResolutionOutcome = int32(d.int64("resolution_outcome"))
	p.CreatedAtSlot = d.int64("created_at_slot")
	p.ResolvedAtSlot = d.int64("resolved_at_slot")
	p.Version = d.int64("version")

	if err := d.finish("proposal"); err != nil {
		return nil, err
	}
	return p, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (p *Proposal) CanonicalBytes() []byte {
	return p.Encode()
}
