package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"

	"github.com/google/uuid"
)

// Chain leg bounds carried over from the on-chain account layout.
const (
	MinChainLegs = 2
	MaxChainLegs = 8
)

// ChainState tracks a parlay chain's lifecycle.
type ChainState int32

const (
	ChainStateOpen ChainState = iota
	ChainStateClosed
)

func (cs ChainState) String() string {
	switch cs {
	case ChainStateOpen:
		return "Open"
	case ChainStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ChainLeg is one step of a parlay: a bet on one outcome of one proposal,
// funded by a fixed share of the chain's rolling stake.
type ChainLeg struct {
	ProposalID    uuid.UUID
	Outcome       uint16
	AllocationBps int64 // share of the rolling stake; legs sum to BpsScale
	Executed      bool
	Won           bool
	Stake         int64 // QuoteScale, set when the leg executes
	Payout        int64 // QuoteScale, set when the leg resolves
}

// ChainPosition is an ordered sequence of legs where each leg's stake is the
// payout of the previous one. The first losing leg closes the whole chain.
type ChainPosition struct {
	ChainID      uuid.UUID
	Owner        uuid.UUID
	Legs         []ChainLeg
	CurrentStep  int
	InitialStake int64 // QuoteScale
	RollingStake int64 // QuoteScale, stake available to the current leg
	TotalPayout  int64 // QuoteScale, set on close
	State        ChainState
	Won          bool
	OpenedAtSlot int64
	ClosedAtSlot int64
	Version      int64
}

// NewChainPosition validates leg structure and opens the chain.
func NewChainPosition(chainID, owner uuid.UUID, legs []ChainLeg, stake, slot int64) (*ChainPosition, error) {
	if len(legs) < MinChainLegs || len(legs) > MaxChainLegs {
		return nil, fmt.Errorf("chain must have %d-%d legs, got %d", MinChainLegs, MaxChainLegs, len(legs))
	}
	if stake <= 0 {
		return nil, fmt.Errorf("chain stake must be > 0, got %d", stake)
	}

	var allocSum int64
	for i, leg := range legs {
		if leg.AllocationBps <= 0 {
			return nil, fmt.Errorf("leg %d allocation must be > 0, got %d", i, leg.AllocationBps)
		}
		allocSum += leg.AllocationBps
	}
	if allocSum != fixedpoint.BpsScale {
		return nil, fmt.Errorf("leg allocations must sum to %d, got %d", fixedpoint.BpsScale, allocSum)
	}

	chainLegs := make([]ChainLeg, len(legs))
	copy(chainLegs, legs)

	return &ChainPosition{
		ChainID:      chainID,
		Owner:        owner,
		Legs:         chainLegs,
		InitialStake: stake,
		RollingStake: stake,
		State:        ChainStateOpen,
		OpenedAtSlot: slot,
	}, nil
}

// CurrentLeg returns the leg awaiting execution or resolution, or nil when
// the chain is closed.
func (c *ChainPosition) CurrentLeg() *ChainLeg {
	if c.State != ChainStateOpen || c.CurrentStep >= len(c.Legs) {
		return nil
	}
	return &c.Legs[c.CurrentStep]
}

// ExecuteCurrentLeg stakes the allocated share of the rolling amount on the
// current leg. The unallocated remainder stays in the rolling stake.
func (c *ChainPosition) ExecuteCurrentLeg() (stake int64, err error) {
	leg := c.CurrentLeg()
	if leg == nil {
		return 0, fmt.Errorf("chain %s has no executable leg", c.ChainID)
	}
	if leg.Executed {
		return 0, fmt.Errorf("chain %s leg %d already executed", c.ChainID, c.CurrentStep)
	}

	stake, err = fixedpoint.MulDiv(c.RollingStake, leg.AllocationBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	leg.Executed = true
	leg.Stake = stake
	c.Version++
	return stake, nil
}

// ResolveCurrentLeg settles the executed leg. A win adds the payout to the
// rolling stake and advances the step; the first loss closes the chain with
// whatever stake was not allocated to the losing leg.
func (c *ChainPosition) ResolveCurrentLeg(won bool, payout, slot int64) error {
	leg := c.CurrentLeg()
	if leg == nil {
		return fmt.Errorf("chain %s has no leg to resolve", c.ChainID)
	}
	if !leg.Executed {
		return fmt.Errorf("chain %s leg %d resolved before execution", c.ChainID, c.CurrentStep)
	}

	leg.Won = won
	leg.Payout = payout

	if !won {
		// Atomic close: the losing leg forfeits its stake, the rest settles.
		c.RollingStake -= leg.Stake
		c.close(c.RollingStake, false, slot)
		return nil
	}

	c.RollingStake = c.RollingStake - leg.Stake + payout
	c.CurrentStep++
	c.Version++

	if c.CurrentStep == len(c.Legs) {
		c.close(c.RollingStake, true, slot)
	}
	return nil
}

func (c *ChainPosition) close(payout int64, won bool, slot int64) {
	c.State = ChainStateClosed
	c.Won = won
	c.TotalPayout = payout
	c.RollingStake = 0
	c.ClosedAtSlot = slot
	c.Version++
}

// PnL returns total payout minus initial stake for a closed chain.
func (c *ChainPosition) PnL() int64 {
	if c.State != ChainStateClosed {
		return 0
	}
	return c.TotalPayout - c.InitialStake
}

// Encode serializes the chain with its discriminator prefix.
func (c *ChainPosition) Encode() []byte {
	buf := make([]byte, 0, 96+64*len(c.Legs))
	buf = append(buf, ChainDiscriminator[:]...)
	buf = append(buf, c.ChainID[:]...)
	buf = append(buf, c.Owner[:]...)
	buf = appendUint16LE(buf, uint16(len(c.Legs)))
	for i := range c.Legs {
		leg := &c.Legs[i]
		buf = append(buf, leg.ProposalID[:]...)
		buf = appendUint16LE(buf, leg.Outcome)
		buf = appendInt64LE(buf, leg.AllocationBps)
		if leg.Executed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		if leg.Won {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendInt64LE(buf, leg.Stake)
		buf = appendInt64LE(buf, leg.Payout)
	}
	buf = appendInt64LE(buf, int64(c.CurrentStep))
	buf = appendInt64LE(buf, c.InitialStake)
	buf = appendInt64LE(buf, c.RollingStake)
	buf = appendInt64LE(buf, c.TotalPayout)
	buf = append(buf, byte(c.State))
	if c.Won {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, c.OpenedAtSlot)
	buf = appendInt64LE(buf, c.ClosedAtSlot)
	buf = appendInt64LE(buf, c.Version)
	return buf
}

// DecodeChainPosition deserializes a chain, rejecting foreign discriminators.
func DecodeChainPosition(data []byte) (*ChainPosition, error) {
	payload, err := checkDiscriminator(data, ChainDiscriminator, "chain")
	if err != nil {
		return nil, err
	}

	d := newDecoder(payload)
	c := &ChainPosition{}
	c.ChainID = d.uuid("chain_id")
	c.Owner = d.uuid("owner")
	legCount := d.uint16("leg_count")
	if d.err == nil {
		if legCount < MinChainLegs || legCount > MaxChainLegs {
			return nil, fmt.Errorf("%w: chain leg count %d out of range", ErrInvalidAccountData, legCount)
		}
		c.Legs = make([]ChainLeg, legCount)
		for i := range c.Legs {
			leg := &c.Legs[i]
			leg.ProposalID = d.uuid("leg_proposal_id")
			leg.Outcome = d.uint16("leg_outcome")
			leg.AllocationBps = d.int64("leg_allocation_bps")
			leg.Executed = d.byte("leg_executed") != 0
			leg.Won = d.byte("leg_won") != 0
			leg.Stake = d.int64("leg_stake")
			leg.Payout = d.int64("leg_payout")
		}
	}
	c.CurrentStep = int(d.int64("current_step"))
	c.InitialStake = d.int64("initial_stake")
	c.RollingStake = d.int64("rolling_stake")
	c.TotalPayout = d.int64("total_payout")
	c.State = ChainState(d.byte("state"))
	c.Won = d.byte("won") != 0
	c.OpenedAtSlot = d.int64("opened_at_slot")
	c.ClosedAtSlot = d.int64("closed_at_slot")
	c.Version = d.int64("version")

	if err := d.finish("chain"); err != nil {
		return nil, err
	}
	return c, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (c *ChainPosition) CanonicalBytes() []byte {
	return c.Encode()
}
