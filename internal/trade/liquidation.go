package trade

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
)

var (
	ErrNotLiquidatable    = errors.New("position is above maintenance margin")
	ErrWhitelistedAccount = errors.New("account is exempt from liquidation")
	ErrNothingToClose     = errors.New("no open position to act on")
	ErrAllOrNothing       = errors.New("all-or-nothing quantity exceeds available position")
)

// LiquidationArgs describes a liquidator taking over (part of) an
// undermargined position.
type LiquidationArgs struct {
	Maker        uuid.UUID // the undermargined account
	Taker        uuid.UUID // the liquidator
	Quantity     *big.Int
	Leverage     *big.Int // liquidator's Base-scaled leverage
	AllOrNothing bool
}

// LiquidationTrader force-reduces an undermargined maker at its bankruptcy
// price and opens the exposure on the liquidator at the live oracle price.
// The spread between oracle and bankruptcy price is the premium.
type LiquidationTrader struct {
	eval *risk.Evaluator
}

func NewLiquidationTrader(eval *risk.Evaluator) *LiquidationTrader {
	return &LiquidationTrader{eval: eval}
}

func (t *LiquidationTrader) Trade(ctx *state.Context, maker, taker *state.PositionBalance, args LiquidationArgs) (*Result, error) {
	params := t.eval.Params()

	if params.LiquidationWhitelist[args.Maker] {
		return nil, fmt.Errorf("%w: %s", ErrWhitelistedAccount, args.Maker)
	}
	if args.Maker == args.Taker {
		return nil, ErrSelfTrade
	}
	if maker.IsFlat() {
		return nil, fmt.Errorf("%w: %s", ErrNothingToClose, args.Maker)
	}
	if args.Quantity == nil || args.Quantity.Sign() <= 0 {
		return nil, ErrZeroQuantity
	}

	ratio := maker.MarginRatio(ctx.OraclePrice)
	if ratio.Cmp(params.MaintenanceMarginReq) >= 0 {
		return nil, fmt.Errorf("%w: ratio=%s mmr=%s", ErrNotLiquidatable,
			fp.String(ratio), fp.String(params.MaintenanceMarginReq))
	}

	qty := fp.Min(args.Quantity, maker.Quantity)
	if args.AllOrNothing && args.Quantity.Cmp(maker.Quantity) > 0 {
		return nil, fmt.Errorf("%w: want=%s have=%s", ErrAllOrNothing,
			fp.String(args.Quantity), fp.String(maker.Quantity))
	}

	bankruptcy := maker.BankruptcyPrice()
	wasLong := maker.IsLong

	// The maker exits at bankruptcy: its equity at that price is fully
	// consumed, so no fee and no cash leg on the maker side.
	mb, _, makerPnL, _, err := applyReduce(maker, qty, bankruptcy, fp.Zero(), roundingSlack)
	if err != nil {
		return nil, fmt.Errorf("maker %s: %w", args.Maker, err)
	}

	mro := Order{Leverage: args.Leverage}.MRO()
	if mro.Sign() <= 0 {
		return nil, risk.ErrBadLeverage
	}
	// A liquidator with any open position must state its existing leverage,
	// whichever side that position is on.
	if !taker.IsFlat() && taker.MRO.Cmp(mro) != 0 {
		return nil, fmt.Errorf("taker %s: %w", args.Taker, ErrLeverageMismatch)
	}

	takerFeePU := fp.Mul(ctx.OraclePrice, params.TakerFee(args.Taker))
	tb, takerFlow, takerPnL, takerFee, err := applySide(taker, wasLong, qty, ctx.OraclePrice, mro, takerFeePU, fp.Zero())
	if err != nil {
		return nil, fmt.Errorf("taker %s: %w", args.Taker, err)
	}
	if !tb.IsFlat() && (tb.Quantity.Cmp(taker.Quantity) > 0 || taker.IsLong != tb.IsLong) {
		if err := t.eval.VerifyOIOpen(tb); err != nil {
			return nil, fmt.Errorf("taker %s: %w", args.Taker, err)
		}
	}

	// Premium is the liquidated notional's distance from bankruptcy,
	// positive when the oracle still sits on the solvent side.
	var premium *big.Int
	if wasLong {
		premium = fp.Mul(qty, fp.Sub(ctx.OraclePrice, bankruptcy))
	} else {
		premium = fp.Mul(qty, fp.Sub(bankruptcy, ctx.OraclePrice))
	}

	toPool := fp.Zero()
	toTaker := premium
	if premium.Sign() > 0 {
		toPool = fp.Mul(premium, params.InsurancePoolShare)
		toTaker = fp.Sub(premium, toPool)
	}

	return &Result{
		Kind:           KindLiquidation,
		Maker:          mb,
		Taker:          tb,
		MakerFlow:      fp.Zero(),
		TakerFlow:      takerFlow,
		MakerFee:       fp.Zero(),
		TakerFee:       takerFee,
		MakerPnL:       makerPnL,
		TakerPnL:       takerPnL,
		Quantity:       new(big.Int).Set(qty),
		Price:          new(big.Int).Set(ctx.OraclePrice),
		PremiumToPool:  toPool,
		PremiumToTaker: toTaker,
	}, nil
}
