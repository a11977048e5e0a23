package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginPost
	JournalTypeMarginRelease
	JournalTypeTradeFee
	JournalTypeGasSurcharge
	JournalTypeFundingPayment
	JournalTypeLiquidationPremium
	JournalTypeInsuranceContribution
	JournalTypeSocializedLoss
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginPost:
		return "margin_post"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeGasSurcharge:
		return "gas_surcharge"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeLiquidationPremium:
		return "liquidation_premium"
	case JournalTypeInsuranceContribution:
		return "insurance_contribution"
	case JournalTypeSocializedLoss:
		return "socialized_loss"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer. Amount is always positive:
// value moves from the credit account to the debit account, so every entry
// is balanced by construction.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the source settlement batch
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        *big.Int
	JournalType   JournalType
	Timestamp     int64 // versioned input timestamp, epoch seconds
}

// Batch groups the journal entries of one settlement batch.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Add appends a transfer to the batch. Zero amounts are dropped so callers
// can pass computed flows without special-casing.
func (b *Batch) Add(jt JournalType, debit, credit AccountKey, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry is a balanced
// transfer by construction, so Σ debits == Σ credits holds per entry and
// therefore for the batch.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}
