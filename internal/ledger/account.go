// Package ledger is the double-entry collateral ledger backing the
// settlement engine. Every fund flow a trader produces becomes a balanced
// journal entry; the global sum across all accounts is always zero.
package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType identifies the account purpose within a scope.
type AccountSubType uint8

const (
	// User sub-types.
	SubTypeCollateral AccountSubType = iota

	// System sub-types.
	SubTypeMarginBank
	SubTypeFeePool
	SubTypeInsurancePool
	SubTypeSocializedLoss

	// External boundary sub-types.
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking. The engine settles
// a single collateral asset, so no asset dimension is needed.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for system and external accounts
	SubType  AccountSubType
}

// NewUserKey returns the key for a user account.
func NewUserKey(userID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
	}
}

// NewSystemKey returns the key for a shared system account.
func NewSystemKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalKey returns the key for an external boundary account. These
// absorb deposits and withdrawals so the ledger stays zero-sum.
func NewExternalKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string form for storage and logging.
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

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeMarginBank:
		return "margin_bank"
	case SubTypeFeePool:
		return "fee_pool"
	case SubTypeInsurancePool:
		return "insurance_pool"
	case SubTypeSocializedLoss:
		return "socialized_loss"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
