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
	ErrMakerNotUnderwater = errors.New("deleveraging maker still has positive equity")
	ErrTakerNotSurplus    = errors.New("deleveraging taker is not above initial margin")
)

// DeleverageArgs pairs an underwater position with a profitable
// opposite-side position to be trimmed against it.
type DeleverageArgs struct {
	Maker        uuid.UUID // the underwater account
	Taker        uuid.UUID // the surplus account being trimmed
	Quantity     *big.Int
	AllOrNothing bool
}

// DeleverageTrader socializes losses the insurance path cannot cover:
// both positions reduce at the maker's bankruptcy price, so the taker
// forfeits the part of its unrealized profit past that price.
type DeleverageTrader struct {
	eval *risk.Evaluator
}

func NewDeleverageTrader(eval *risk.Evaluator) *DeleverageTrader {
	return &DeleverageTrader{eval: eval}
}

func (t *DeleverageTrader) Trade(ctx *state.Context, maker, taker *state.PositionBalance, args DeleverageArgs) (*Result, error) {
	if args.Maker == args.Taker {
		return nil, ErrSelfTrade
	}
	if maker.IsFlat() || taker.IsFlat() {
		return nil, ErrNothingToClose
	}
	if maker.IsLong == taker.IsLong {
		return nil, ErrSameSide
	}
	if args.Quantity == nil || args.Quantity.Sign() <= 0 {
		return nil, ErrZeroQuantity
	}

	makerRatio := maker.MarginRatio(ctx.OraclePrice)
	if makerRatio.Sign() > 0 {
		return nil, fmt.Errorf("%w: ratio=%s", ErrMakerNotUnderwater, fp.String(makerRatio))
	}
	takerRatio := taker.MarginRatio(ctx.OraclePrice)
	if takerRatio.Cmp(t.eval.Params().InitialMarginReq) <= 0 {
		return nil, fmt.Errorf("%w: ratio=%s", ErrTakerNotSurplus, fp.String(takerRatio))
	}

	avail := fp.Min(maker.Quantity, taker.Quantity)
	if args.AllOrNothing && args.Quantity.Cmp(avail) > 0 {
		return nil, fmt.Errorf("%w: want=%s have=%s", ErrAllOrNothing,
			fp.String(args.Quantity), fp.String(avail))
	}
	qty := fp.Min(args.Quantity, avail)

	// Both legs execute at the maker's bankruptcy price with no fees: the
	// maker's margin is exactly consumed and the taker absorbs the rest.
	bankruptcy := maker.BankruptcyPrice()

	mb, _, makerPnL, _, err := applyReduce(maker, qty, bankruptcy, fp.Zero(), roundingSlack)
	if err != nil {
		return nil, fmt.Errorf("maker %s: %w", args.Maker, err)
	}
	tb, takerFlow, takerPnL, _, err := applyReduce(taker, qty, bankruptcy, fp.Zero(), roundingSlack)
	if err != nil {
		return nil, fmt.Errorf("taker %s: %w", args.Taker, err)
	}

	return &Result{
		Kind:      KindDeleverage,
		Maker:     mb,
		Taker:     tb,
		MakerFlow: fp.Zero(),
		TakerFlow: takerFlow,
		MakerFee:  fp.Zero(),
		TakerFee:  fp.Zero(),
		MakerPnL:  makerPnL,
		TakerPnL:  takerPnL,
		Quantity:  new(big.Int).Set(qty),
		Price:     new(big.Int).Set(bankruptcy),
	}, nil
}
