package trade

import (
	"fmt"
	"math/big"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
)

// MatchTrader settles ordinary maker/taker order fills.
type MatchTrader struct {
	eval *risk.Evaluator
}

func NewMatchTrader(eval *risk.Evaluator) *MatchTrader {
	return &MatchTrader{eval: eval}
}

// Trade validates the fill against both orders and market parameters, then
// applies the position state machine to each side. It mutates nothing; the
// engine commits the returned balances after post-trade risk checks pass.
func (t *MatchTrader) Trade(ctx *state.Context, maker, taker *state.PositionBalance, makerOrd, takerOrd Order, fill Fill, now int64) (*Result, error) {
	if makerOrd.Account == takerOrd.Account {
		return nil, ErrSelfTrade
	}
	if makerOrd.IsBuy == takerOrd.IsBuy {
		return nil, ErrSameSide
	}
	if fill.Quantity == nil || fill.Quantity.Sign() <= 0 {
		return nil, ErrZeroQuantity
	}
	for _, o := range []Order{makerOrd, takerOrd} {
		if o.Expiration != 0 && o.Expiration < now {
			return nil, fmt.Errorf("%w: order %s", ErrOrderExpired, o.ID)
		}
	}

	if err := t.eval.VerifyPrice(fill.Price); err != nil {
		return nil, err
	}
	if err := t.eval.VerifyQuantity(fill.Quantity, takerOrd.IsMarket); err != nil {
		return nil, err
	}
	if takerOrd.IsMarket {
		if err := t.eval.VerifyMarketTakeBound(fill.Price, ctx.OraclePrice, takerOrd.IsBuy); err != nil {
			return nil, err
		}
	}

	params := t.eval.Params()
	makerFeePU := fp.Mul(fill.Price, params.MakerFee(makerOrd.Account))
	takerFeePU := fp.Mul(fill.Price, params.TakerFee(takerOrd.Account))

	mb, makerFlow, makerPnL, makerFee, err := t.fillSide(maker, makerOrd, fill, makerFeePU)
	if err != nil {
		return nil, fmt.Errorf("maker %s: %w", makerOrd.Account, err)
	}
	tb, takerFlow, takerPnL, takerFee, err := t.fillSide(taker, takerOrd, fill, takerFeePU)
	if err != nil {
		return nil, fmt.Errorf("taker %s: %w", takerOrd.Account, err)
	}

	return &Result{
		Kind:      KindOrderMatch,
		Maker:     mb,
		Taker:     tb,
		MakerFlow: makerFlow,
		TakerFlow: takerFlow,
		MakerFee:  makerFee,
		TakerFee:  takerFee,
		MakerPnL:  makerPnL,
		TakerPnL:  takerPnL,
		Quantity:  new(big.Int).Set(fill.Quantity),
		Price:     new(big.Int).Set(fill.Price),
	}, nil
}

func (t *MatchTrader) fillSide(b *state.PositionBalance, ord Order, fill Fill, feePerUnit *big.Int) (*state.PositionBalance, *big.Int, *big.Int, *big.Int, error) {
	mro := ord.MRO()
	if mro.Sign() <= 0 {
		return nil, nil, nil, nil, risk.ErrBadLeverage
	}

	increases := b.IsFlat() || b.IsLong == ord.IsBuy
	if increases {
		if ord.ReduceOnly {
			return nil, nil, nil, nil, ErrReduceOnlyIncrease
		}
		// Adding to an open position requires the order's leverage to
		// match the position's.
		if !b.IsFlat() && b.MRO.Cmp(mro) != 0 {
			return nil, nil, nil, nil, ErrLeverageMismatch
		}
	}
	if ord.ReduceOnly && fill.Quantity.Cmp(b.Quantity) > 0 {
		return nil, nil, nil, nil, ErrReduceOnlyIncrease
	}

	nb, flow, pnl, fee, err := applySide(b, ord.IsBuy, fill.Quantity, fill.Price, mro, feePerUnit, fp.Zero())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	flipped := !b.IsFlat() && fill.Quantity.Cmp(b.Quantity) > 0
	if increases || flipped {
		if err := t.eval.VerifyOIOpen(nb); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return nb, flow, pnl, fee, nil
}
