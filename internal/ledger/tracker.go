package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
)

// BalanceTracker maintains in-memory account balances. Balances are
// internal state and returned by copy.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, delta)
}

// ApplyJournal applies a single transfer to balances.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(j.Amount))
}

// ApplyBatch validates and applies all journals in a batch.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// RevertBatch undoes a previously applied batch. Used when a settlement
// batch fails post-trade checks after its journals were staged.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.add(j.DebitAccount, new(big.Int).Neg(j.Amount))
		bt.add(j.CreditAccount, j.Amount)
	}
}

// GetBalance returns the current balance for an account.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// UserCollateral returns a user's free collateral.
func (bt *BalanceTracker) UserCollateral(userID uuid.UUID) *big.Int {
	return bt.GetBalance(NewUserKey(userID, SubTypeCollateral))
}

// ValidateSufficientCollateral checks a user can cover a required amount.
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, required *big.Int) error {
	have := bt.UserCollateral(userID)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient collateral for %s: have=%s need=%s",
			userID, fp.String(have), fp.String(required))
	}
	return nil
}

// ValidateNonNegative checks that an account balance is >= 0.
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if v, ok := bt.balances[key]; ok && v.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s",
			key.AccountPath(), fp.String(v))
	}
	return nil
}

// GlobalSum adds up every account balance. A zero-sum ledger returns 0.
func (bt *BalanceTracker) GlobalSum() *big.Int {
	total := new(big.Int)
	for _, v := range bt.balances {
		total.Add(total, v)
	}
	return total
}

// Snapshot returns a copy of all balances, for state hashing and queries.
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
