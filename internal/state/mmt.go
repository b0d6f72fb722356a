package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"
)

// MMTVault tracks protocol token economics: trading fees accrue to the
// vault, keepers are paid from it, and settlement triggers buyback-and-burn
// accounting.
type MMTVault struct {
	FeesAccrued      int64 // QuoteScale, cumulative trade + chain fees
	KeeperRewards    int64 // QuoteScale, cumulative rewards paid out
	PenaltiesAccrued int64 // QuoteScale, wash-trading surcharges
	BuybackReserve   int64 // QuoteScale, fees earmarked for buyback
	TokensBurned     int64 // MMT base units, cumulative
	BurnEvents       int64
	UpdatedAtSlot    int64
	Version          int64
}

// AccrueFee credits a trade or chain fee to the vault. The caller decides
// how much of the fee is earmarked for buyback.
func (v *MMTVault) AccrueFee(amount, buybackShare, slot int64) error {
	if amount < 0 {
		return fmt.Errorf("fee amount must be >= 0, got %d", amount)
	}
	if buybackShare < 0 || buybackShare > amount {
		return fmt.Errorf("buyback share %d out of range [0,%d]", buybackShare, amount)
	}
	v.FeesAccrued += amount
	v.BuybackReserve += buybackShare
	v.UpdatedAtSlot = slot
	v.Version++
	return nil
}

// AccruePenalty credits a wash-trading fee surcharge.
func (v *MMTVault) AccruePenalty(amount, slot int64) error {
	if amount < 0 {
		return fmt.Errorf("penalty amount must be >= 0, got %d", amount)
	}
	v.PenaltiesAccrued += amount
	v.UpdatedAtSlot = slot
	v.Version++
	return nil
}

// PayKeeperReward records a liquidation reward payout.
func (v *MMTVault) PayKeeperReward(amount, slot int64) error {
	if amount < 0 {
		return fmt.Errorf("keeper reward must be >= 0, got %d", amount)
	}
	v.KeeperRewards += amount
	v.UpdatedAtSlot = slot
	v.Version++
	return nil
}

// ExecuteBuyback converts the buyback reserve into burned tokens at the
// given MMT price.
func (v *MMTVault) ExecuteBuyback(mmtPrice, slot int64) (burned int64, err error) {
	if mmtPrice <= 0 {
		return 0, fmt.Errorf("mmt price must be > 0, got %d", mmtPrice)
	}
	if v.BuybackReserve == 0 {
		return 0, nil
	}
	burned, err = fixedpoint.MulDiv(v.BuybackReserve, fixedpoint.PriceScale, mmtPrice)
	if err != nil {
		return 0, err
	}
	v.BuybackReserve = 0
	v.TokensBurned += burned
	v.BurnEvents++
	v.UpdatedAtSlot = slot
	v.Version++
	return burned, nil
}

// Encode serializes the vault with its discriminator prefix.
func (v *MMTVault) Encode() []byte {
	buf := make([]byte, 0, 80)
	buf = append(buf, VaultDiscriminator[:]...)
	buf = appendInt64LE(buf, v.FeesAccrued)
	buf = appendInt64LE(buf, v.KeeperRewards)
	buf = appendInt64LE(buf, v.PenaltiesAccrued)
	buf = appendInt64LE(buf, v.BuybackReserve)
	buf = appendInt64LE(buf, v.TokensBurned)
	buf = appendInt64LE(buf, v.BurnEvents)
	buf = appendInt64LE(buf, v.UpdatedAtSlot)
	buf = appendInt64LE(buf, v.Version)
	return buf
}

// DecodeMMTVault deserializes a vault, rejecting foreign discriminators.
func DecodeMMTVault(data []byte) (*MMTVault, error) {
	payload, err := checkDiscriminator(data, VaultDiscriminator, "mmt_vault")
	if err != nil {
		return nil, err
	}

	d := newDecoder(payload)
	v := &MMTVault{}
	v.FeesAccrued = d.int64("fees_accrued")
	v.KeeperRewards = d.int64("keeper_rewards")
	v.PenaltiesAccrued = d.int64("penalties_accrued")
	v.BuybackReserve = d.int64("buyback_reserve")
	v.TokensBurned = d.int64("tokens_burned")
	v.BurnEvents = d.int64("burn_events")
	v.UpdatedAtSlot = d.int64("updated_at_slot")
	v.Version = d.int64("version")

	if err := d.finish("mmt_vault"); err != nil {
		return nil, err
	}
	return v, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (v *MMTVault) CanonicalBytes() []byte {
	return v.Encode()
}
