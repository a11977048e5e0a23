package risk

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

var (
	ErrNewPositionBelowIMR = errors.New("new or flipped position below initial margin requirement")
	ErrRatioWorsened       = errors.New("margin ratio worsened below initial margin requirement")
	ErrSizeGrewBelowMMR    = errors.New("position grew while at or below maintenance margin")
	ErrNegativeEquityTrade = errors.New("trade left negative equity outside liquidation or deleveraging")
)

// Snapshot is a pre-batch capture of the risk-relevant view of one account.
type Snapshot struct {
	Account  uuid.UUID
	Ratio    *big.Int
	Quantity *big.Int
	IsLong   bool
	WasFlat  bool
}

// TakeSnapshot records an account's margin ratio and size before a batch.
func TakeSnapshot(account uuid.UUID, b *state.PositionBalance, price *big.Int) Snapshot {
	return Snapshot{
		Account:  account,
		Ratio:    b.MarginRatio(price),
		Quantity: new(big.Int).Set(b.Quantity),
		IsLong:   b.IsLong,
		WasFlat:  b.IsFlat(),
	}
}

// VerifyPostTrade compares an account's position after the whole batch
// against its pre-batch snapshot:
//
//	case 0:   post ratio at or above the initial margin requirement passes
//	case I:   side changed or previously flat: post ratio must itself reach IMR
//	case II:  ratio must not have worsened
//	case III: at or below maintenance margin, size must not have grown
//	case IV:  negative equity is only reachable via liquidation/deleveraging
//
// forced reports whether the batch was a liquidation or deleveraging batch.
func (e *Evaluator) VerifyPostTrade(pre Snapshot, post *state.PositionBalance, price *big.Int, forced bool) error {
	postRatio := post.MarginRatio(price)

	// Case 0
	if postRatio.Cmp(e.params.InitialMarginReq) >= 0 {
		return nil
	}

	// Case I: no new or flipped exposure below initial margin.
	if pre.WasFlat || (!post.IsFlat() && post.IsLong != pre.IsLong) {
		return fmt.Errorf("%w: account=%s ratio=%s", ErrNewPositionBelowIMR,
			pre.Account, fp.String(postRatio))
	}

	// Case II
	if postRatio.Cmp(pre.Ratio) < 0 {
		return fmt.Errorf("%w: account=%s pre=%s post=%s", ErrRatioWorsened,
			pre.Account, fp.String(pre.Ratio), fp.String(postRatio))
	}

	// Case III
	if postRatio.Cmp(e.params.MaintenanceMarginReq) <= 0 {
		if post.Quantity.Cmp(pre.Quantity) > 0 {
			return fmt.Errorf("%w: account=%s qty %s -> %s", ErrSizeGrewBelowMMR,
				pre.Account, fp.String(pre.Quantity), fp.String(post.Quantity))
		}
	}

	// Case IV
	if postRatio.Sign() < 0 && !forced {
		return fmt.Errorf("%w: account=%s ratio=%s", ErrNegativeEquityTrade,
			pre.Account, fp.String(postRatio))
	}

	return nil
}
