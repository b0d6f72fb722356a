package vault

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeMarginLocked
	SubTypePendingWithdrawal
	SubTypePnL

	// System sub-types
	SubTypeSystemLiquidity
	SubTypeSystemFees
	SubTypeSystemKeeperPool
	SubTypeSystemInsuranceFund
	SubTypeSystemBuybackReserve
	SubTypeSystemBurnSink

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking. All balances are
// denominated in the single quote asset (QuoteScale), so the key carries
// no asset dimension.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system/external accounts
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
	}
}

// NewSystemAccountKey creates a key for protocol pool accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Snapshot balances are
// stored keyed by path, so restore needs to rebuild the struct key.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		sub, ok := subTypeByName(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type", path)
		}
		return NewUserAccountKey(uid, sub), nil
	case len(parts) == 2 && parts[0] == "system":
		sub, ok := subTypeByName(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type", path)
		}
		return NewSystemAccountKey(sub), nil
	case len(parts) == 2 && parts[0] == "external":
		sub, ok := subTypeByName(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type", path)
		}
		return NewExternalAccountKey(sub), nil
	}
	return AccountKey{}, fmt.Errorf("parse account path %q: bad format", path)
}

func subTypeByName(name string) (AccountSubType, bool) {
	for sub := SubTypeCollateral; sub <= SubTypeExternalWithdrawals; sub++ {
		if sub.name() == name {
			return sub, true
		}
	}
	return 0, false
}

func (k AccountKey) subTypeName() string {
	return k.SubType.name()
}

func (s AccountSubType) name() string {
	switch s {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeMarginLocked:
		return "margin_locked"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypePnL:
		return "pnl"
	case SubTypeSystemLiquidity:
		return "liquidity"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemKeeperPool:
		return "keeper_pool"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemBuybackReserve:
		return "buyback_reserve"
	case SubTypeSystemBurnSink:
		return "burn_sink"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
