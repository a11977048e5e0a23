package core

import "errors"

var (
	ErrTradingStopped     = errors.New("trading is stopped")
	ErrWithdrawalsStopped = errors.New("withdrawals are stopped")
	ErrNotAuthorized      = errors.New("account is not an operator")
	ErrDuplicateBatch     = errors.New("batch already settled")
	ErrEmptyBatch         = errors.New("batch has no trades")
	ErrMixedTradeKinds    = errors.New("batch mixes trade kinds")
	ErrAccountsUnsorted   = errors.New("batch accounts not in ascending uuid order")
	ErrAccountsDuplicate  = errors.New("batch accounts contain a duplicate")
	ErrAccountMissing     = errors.New("trade references an account missing from the batch account list")
	ErrPriceUnavailable   = errors.New("no oracle price available")
	ErrFundingShortfall   = errors.New("funding debit exceeds position margin")
	ErrStaleTimestamp     = errors.New("batch timestamp precedes engine time")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrBelowInitialMargin = errors.New("operation would leave position below initial margin")
	ErrNoPosition         = errors.New("account has no open position")
)
