package ledger_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PerpSettle/internal/ledger"
	fp "PerpSettle/internal/math"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserKey(userID, ledger.SubTypeCollateral)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemKey(ledger.SubTypeInsurancePool)

	if path := key.AccountPath(); path != "system:insurance_pool" {
		t.Errorf("got %q, want %q", path, "system:insurance_pool")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalKey(ledger.SubTypeExternalDeposits)

	if path := key.AccountPath(); path != "external:deposits" {
		t.Errorf("got %q, want %q", path, "external:deposits")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if balance := bt.UserCollateral(uuid.New()); balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	// Deposit: debit user:collateral, credit external:deposits.
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		CreditAccount: ledger.NewExternalKey(ledger.SubTypeExternalDeposits),
		Amount:        fp.FromInt(1000),
		JournalType:   ledger.JournalTypeDeposit,
	}
	bt.ApplyJournal(j)

	if got := bt.UserCollateral(userID); got.Cmp(fp.FromInt(1000)) != 0 {
		t.Errorf("collateral: got %s, want 1000", fp.String(got))
	}
	if sum := bt.GlobalSum(); sum.Sign() != 0 {
		t.Errorf("global sum: got %s, want 0", sum)
	}
}

func TestBalanceTracker_BatchAddSkipsZero(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	batch.Add(ledger.JournalTypeTradeFee,
		ledger.NewSystemKey(ledger.SubTypeFeePool),
		ledger.NewUserKey(uuid.New(), ledger.SubTypeCollateral),
		big.NewInt(0))

	if len(batch.Journals) != 0 {
		t.Errorf("zero-amount journal should be dropped, got %d entries", len(batch.Journals))
	}
}

func TestBalanceTracker_ApplyAndRevertBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	deposit := &ledger.Batch{BatchID: uuid.New()}
	deposit.Add(ledger.JournalTypeDeposit,
		ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		ledger.NewExternalKey(ledger.SubTypeExternalDeposits),
		fp.FromInt(500))
	if err := bt.ApplyBatch(deposit); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	settle := &ledger.Batch{BatchID: uuid.New()}
	settle.Add(ledger.JournalTypeMarginPost,
		ledger.NewSystemKey(ledger.SubTypeMarginBank),
		ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		fp.FromInt(100))
	settle.Add(ledger.JournalTypeTradeFee,
		ledger.NewSystemKey(ledger.SubTypeFeePool),
		ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		fp.FromInt(1))
	if err := bt.ApplyBatch(settle); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.UserCollateral(userID); got.Cmp(fp.FromInt(399)) != 0 {
		t.Errorf("after settle: got %s, want 399", fp.String(got))
	}

	bt.RevertBatch(settle)

	if got := bt.UserCollateral(userID); got.Cmp(fp.FromInt(500)) != 0 {
		t.Errorf("after revert: got %s, want 500", fp.String(got))
	}
	if got := bt.GetBalance(ledger.NewSystemKey(ledger.SubTypeMarginBank)); got.Sign() != 0 {
		t.Errorf("margin bank after revert: got %s, want 0", fp.String(got))
	}
}

func TestBatch_ValidateRejectsNonPositive(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewSystemKey(ledger.SubTypeFeePool),
			CreditAccount: ledger.NewUserKey(uuid.New(), ledger.SubTypeCollateral),
			Amount:        big.NewInt(-5),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("negative amount should fail validation")
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	batchID := uuid.New()
	key := ledger.NewSystemKey(ledger.SubTypeFeePool)
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  key,
			CreditAccount: key,
			Amount:        big.NewInt(5),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	batch := &ledger.Batch{BatchID: uuid.New()}
	batch.Add(ledger.JournalTypeDeposit,
		ledger.NewUserKey(uuid.New(), ledger.SubTypeCollateral),
		ledger.NewExternalKey(ledger.SubTypeExternalDeposits),
		fp.FromInt(1234))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := v.ValidateGlobalZero(); err != nil {
		t.Errorf("ValidateGlobalZero: %v", err)
	}
}

func TestInvariantValidator_NegativeCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	userID := uuid.New()

	batch := &ledger.Batch{BatchID: uuid.New()}
	batch.Add(ledger.JournalTypeMarginPost,
		ledger.NewSystemKey(ledger.SubTypeMarginBank),
		ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		fp.FromInt(10))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := v.ValidateUserCollateralNonNegative(userID); err == nil {
		t.Error("user driven negative should fail the non-negative check")
	}
}

func TestBalanceTracker_SufficientCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	batch := &ledger.Batch{BatchID: uuid.New()}
	batch.Add(ledger.JournalTypeDeposit,
		ledger.NewUserKey(userID, ledger.SubTypeCollateral),
		ledger.NewExternalKey(ledger.SubTypeExternalDeposits),
		fp.FromInt(50))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := bt.ValidateSufficientCollateral(userID, fp.FromInt(50)); err != nil {
		t.Errorf("exact amount should pass: %v", err)
	}
	if err := bt.ValidateSufficientCollateral(userID, fp.FromInt(51)); err == nil {
		t.Error("insufficient collateral should fail")
	}
}
