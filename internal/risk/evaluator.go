package risk

import (
	"errors"
	"fmt"
	"math/big"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// Each validation failure carries a distinct error kind so callers can
// report the exact bound that was violated.
var (
	ErrPriceBelowMin     = errors.New("trade price below market minimum")
	ErrPriceAboveMax     = errors.New("trade price above market maximum")
	ErrPriceNotOnTick    = errors.New("trade price not a multiple of tick size")
	ErrQtyBelowMin       = errors.New("trade quantity below market minimum")
	ErrQtyAboveLimitMax  = errors.New("trade quantity above limit-order maximum")
	ErrQtyAboveMarketMax = errors.New("trade quantity above market-order maximum")
	ErrQtyNotOnStep      = errors.New("trade quantity not a multiple of step size")
	ErrTakeBoundLong     = errors.New("taker buy price above market take bound")
	ErrTakeBoundShort    = errors.New("taker sell price below market take bound")
	ErrOIOpenCapExceeded = errors.New("open interest exceeds cap for leverage")
	ErrBadLeverage       = errors.New("margin ratio at open must be a positive whole-leverage reciprocal")
)

// Evaluator performs stateless trade validation against the configured
// market parameters.
type Evaluator struct {
	params *MarketParams
}

func NewEvaluator(params *MarketParams) *Evaluator {
	return &Evaluator{params: params}
}

func (e *Evaluator) Params() *MarketParams {
	return e.params
}

// VerifyPrice checks price bounds and tick conformance.
func (e *Evaluator) VerifyPrice(price *big.Int) error {
	if price.Cmp(e.params.MinPrice) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrPriceBelowMin,
			fp.String(price), fp.String(e.params.MinPrice))
	}
	if price.Cmp(e.params.MaxPrice) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPriceAboveMax,
			fp.String(price), fp.String(e.params.MaxPrice))
	}
	if new(big.Int).Mod(price, e.params.TickSize).Sign() != 0 {
		return fmt.Errorf("%w: %s %% %s != 0", ErrPriceNotOnTick,
			fp.String(price), fp.String(e.params.TickSize))
	}
	return nil
}

// VerifyQuantity checks quantity bounds and step conformance. Market
// orders carry a tighter cap than limit orders.
func (e *Evaluator) VerifyQuantity(qty *big.Int, isMarketOrder bool) error {
	if qty.Cmp(e.params.MinQty) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrQtyBelowMin,
			fp.String(qty), fp.String(e.params.MinQty))
	}
	if isMarketOrder {
		if qty.Cmp(e.params.MaxQtyMarket) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrQtyAboveMarketMax,
				fp.String(qty), fp.String(e.params.MaxQtyMarket))
		}
	} else if qty.Cmp(e.params.MaxQtyLimit) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrQtyAboveLimitMax,
			fp.String(qty), fp.String(e.params.MaxQtyLimit))
	}
	if new(big.Int).Mod(qty, e.params.StepSize).Sign() != 0 {
		return fmt.Errorf("%w: %s %% %s != 0", ErrQtyNotOnStep,
			fp.String(qty), fp.String(e.params.StepSize))
	}
	return nil
}

// VerifyMarketTakeBound rejects fills too far from the oracle price: a
// taker buying must not pay more than oracle*(1+mtbLong); a taker selling
// must not receive less than oracle*(1-mtbShort).
func (e *Evaluator) VerifyMarketTakeBound(fillPrice, oraclePrice *big.Int, takerIsBuyer bool) error {
	if takerIsBuyer {
		bound := fp.Mul(oraclePrice, fp.Add(fp.Base, e.params.MTBLong))
		if fillPrice.Cmp(bound) > 0 {
			return fmt.Errorf("%w: fill %s > bound %s", ErrTakeBoundLong,
				fp.String(fillPrice), fp.String(bound))
		}
		return nil
	}
	bound := fp.Mul(oraclePrice, fp.Sub(fp.Base, e.params.MTBShort))
	if fillPrice.Cmp(bound) < 0 {
		return fmt.Errorf("%w: fill %s < bound %s", ErrTakeBoundShort,
			fp.String(fillPrice), fp.String(bound))
	}
	return nil
}

// VerifyOIOpen enforces the per-leverage open interest cap on a position.
// Leverage is derived from mro and rounded to the nearest whole number with
// ties rounding up. A zero or absent cap is unbounded.
func (e *Evaluator) VerifyOIOpen(b *state.PositionBalance) error {
	if b.IsFlat() || b.MRO.Sign() == 0 {
		return nil
	}
	lev := RoundedLeverage(b.MRO)
	if lev <= 0 {
		return fmt.Errorf("%w: mro=%s", ErrBadLeverage, fp.String(b.MRO))
	}
	if int(lev) >= len(e.params.MaxAllowedOIOpen) {
		return nil
	}
	limit := e.params.MaxAllowedOIOpen[lev]
	if limit == nil || limit.Sign() == 0 {
		return nil
	}
	if b.OIOpen.Cmp(limit) > 0 {
		return fmt.Errorf("%w: leverage=%d oiOpen=%s cap=%s", ErrOIOpenCapExceeded,
			lev, fp.String(b.OIOpen), fp.String(limit))
	}
	return nil
}

// RoundedLeverage converts a margin ratio at open into whole-number
// leverage, rounding half up.
func RoundedLeverage(mro *big.Int) int64 {
	if mro.Sign() <= 0 {
		return 0
	}
	lev := fp.Div(fp.Base, mro)
	half := fp.DivInt(fp.Base, 2)
	rounded := new(big.Int).Div(fp.Add(lev, half), fp.Base)
	return rounded.Int64()
}
