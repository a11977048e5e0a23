// Package trade implements the three settlement variants: order matching,
// liquidation, and auto-deleveraging. Traders are pure functions over
// position balances passed by value; they return proposed replacement
// balances and signed fund flows which the settlement engine commits.
package trade

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// Kind discriminates the trader variant of a batch. All trades in a batch
// share one variant.
type Kind int32

const (
	KindUnknown Kind = iota
	KindOrderMatch
	KindLiquidation
	KindDeleverage
)

func (k Kind) String() string {
	switch k {
	case KindOrderMatch:
		return "OrderMatch"
	case KindLiquidation:
		return "Liquidation"
	case KindDeleverage:
		return "Deleverage"
	default:
		return "Unknown"
	}
}

var (
	ErrLossExceedsMargin  = errors.New("realized loss exceeds allocated margin")
	ErrLeverageMismatch   = errors.New("order leverage does not match open position leverage")
	ErrReduceOnlyIncrease = errors.New("reduce-only order would increase position")
	ErrOrderExpired       = errors.New("order expired")
	ErrOrderOverfilled    = errors.New("fill exceeds remaining order quantity")
	ErrSameSide           = errors.New("orders are on the same side")
	ErrSelfTrade          = errors.New("maker and taker are the same account")
	ErrZeroQuantity       = errors.New("fill quantity must be positive")
)

// Order is a signed intent already authenticated upstream; the engine sees
// only the resolved account.
type Order struct {
	ID         uuid.UUID
	Account    uuid.UUID
	IsBuy      bool
	Price      *big.Int // limit price
	Quantity   *big.Int // total order quantity
	Leverage   *big.Int // Base-scaled whole-number leverage
	ReduceOnly bool
	IsMarket   bool
	Expiration int64 // unix seconds, 0 = good till cancelled
}

// MRO returns the margin ratio at open implied by the order's leverage.
func (o Order) MRO() *big.Int {
	if o.Leverage == nil || o.Leverage.Sign() <= 0 {
		return fp.Zero()
	}
	return fp.Div(fp.Base, o.Leverage)
}

// Fill is the agreed execution the matching layer produced for an order
// pair.
type Fill struct {
	Quantity *big.Int
	Price    *big.Int
}

// Result is the value object a trader returns to the settlement engine.
// Flows are signed: positive means owed from the external ledger into the
// position, negative means owed out.
type Result struct {
	Kind Kind

	Maker *state.PositionBalance
	Taker *state.PositionBalance

	MakerFlow *big.Int
	TakerFlow *big.Int
	MakerFee  *big.Int
	TakerFee  *big.Int
	MakerPnL  *big.Int
	TakerPnL  *big.Int

	Quantity *big.Int
	Price    *big.Int

	// Liquidation premium legs. PremiumToTaker is negative when the
	// oracle price overshot past bankruptcy and the liquidator is debited.
	PremiumToPool  *big.Int
	PremiumToTaker *big.Int
}

// roundingSlack is the tolerated shortfall, in raw 10^-18 units, on the
// non-negative-equity check for forced reductions. Bankruptcy price,
// average entry price and per-unit margin are each independently floored,
// which can leave per-unit equity one raw unit short of zero.
var roundingSlack = big.NewInt(1)

// applySide runs the three-case position state machine for one side of a
// fill: opening/adding, reducing, or flipping. slack loosens the
// non-negative-equity requirement for forced reductions.
func applySide(b *state.PositionBalance, isBuy bool, qty, price, mro, feePerUnit, slack *big.Int) (*state.PositionBalance, *big.Int, *big.Int, *big.Int, error) {
	switch {
	case b.IsFlat() || b.IsLong == isBuy:
		return applyOpen(b, isBuy, qty, price, mro, feePerUnit)
	case qty.Cmp(b.Quantity) <= 0:
		return applyReduce(b, qty, price, feePerUnit, slack)
	default:
		return applyFlip(b, isBuy, qty, price, mro, feePerUnit, slack)
	}
}

// applyOpen handles case 1: opening a new position or adding to an
// existing same-side position.
func applyOpen(b *state.PositionBalance, isBuy bool, qty, price, mro, feePerUnit *big.Int) (*state.PositionBalance, *big.Int, *big.Int, *big.Int, error) {
	nb := b.Clone()

	marginPart := fp.Mul(qty, fp.Mul(price, mro))
	fee := fp.Mul(qty, feePerUnit)

	nb.OIOpen = fp.Add(nb.OIOpen, fp.Mul(qty, price))
	nb.Quantity = fp.Add(nb.Quantity, qty)
	nb.Margin = fp.Add(nb.Margin, marginPart)
	nb.IsLong = isBuy
	nb.MRO = new(big.Int).Set(mro)

	flow := fp.Add(marginPart, fee)
	return nb, flow, fp.Zero(), fee, nil
}

// applyReduce handles case 2: closing part or all of a position against an
// opposite-side fill. Margin and entry notional are pro-rated down by the
// retained fraction; realized PnL may not exceed the allocated margin
// (beyond slack), and the fee is clipped to remaining per-unit equity.
func applyReduce(b *state.PositionBalance, qty, price, feePerUnit, slack *big.Int) (*state.PositionBalance, *big.Int, *big.Int, *big.Int, error) {
	nb := b.Clone()
	total := nb.Quantity

	marginPerUnit := fp.Div(nb.Margin, total)
	avg := nb.AvgEntryPrice()

	var pnlPerUnit *big.Int
	if nb.IsLong {
		pnlPerUnit = fp.Sub(price, avg)
	} else {
		pnlPerUnit = fp.Sub(avg, price)
	}

	equityPerUnit := fp.Add(marginPerUnit, pnlPerUnit)
	if fp.Add(equityPerUnit, slack).Sign() < 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: equity/unit=%s", ErrLossExceedsMargin,
			fp.String(equityPerUnit))
	}

	clippedFee := fp.Min(feePerUnit, fp.Max(equityPerUnit, fp.Zero()))

	retained := fp.Sub(total, qty)
	newMargin := fp.MulDiv(nb.Margin, retained, total)
	newOI := fp.MulDiv(nb.OIOpen, retained, total)
	releasedMargin := fp.Sub(nb.Margin, newMargin)

	pnl := fp.Mul(qty, pnlPerUnit)
	fee := fp.Mul(qty, clippedFee)

	// Closing never withdraws net-positive cash through this path.
	flow := fp.Sub(fp.Add(fp.Neg(pnl), fee), releasedMargin)
	flow = fp.Min(flow, fp.Zero())

	nb.Quantity = retained
	nb.Margin = newMargin
	nb.OIOpen = newOI
	nb.Normalize()

	return nb, flow, pnl, fee, nil
}

// applyFlip handles case 3: the fill exceeds the open position, so the old
// position closes entirely and a new opposite-side position opens for the
// remainder at the order's leverage. The closing settlement nets against
// the new position's required margin and fee.
func applyFlip(b *state.PositionBalance, isBuy bool, qty, price, mro, feePerUnit, slack *big.Int) (*state.PositionBalance, *big.Int, *big.Int, *big.Int, error) {
	closeQty := b.Quantity

	closed, closeFlow, closePnL, closeFee, err := applyReduce(b, closeQty, price, feePerUnit, slack)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	openQty := fp.Sub(qty, closeQty)
	opened, openFlow, _, openFee, err := applyOpen(closed, isBuy, openQty, price, mro, feePerUnit)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	flow := fp.Add(closeFlow, openFlow)
	fee := fp.Add(closeFee, openFee)
	return opened, flow, closePnL, fee, nil
}
