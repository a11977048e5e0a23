package trade_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trade"
)

func TestLiquidationPositivePremium(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	// 10x long from 100: bankruptcy at 90. At oracle 92 the margin ratio
	// is ~0.0217, below the 0.05 maintenance requirement.
	maker := longPosition(t, "10", "100", "1000", "0.1")
	liquidated, liquidator := uuid.New(), uuid.New()

	res, err := trader.Trade(testContext(t, "92"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    liquidated,
			Taker:    liquidator,
			Quantity: d(t, "10"),
			Leverage: fp.FromInt(10),
		})
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	if !res.Maker.IsFlat() {
		t.Error("liquidated position should be flat")
	}
	wantEq(t, "maker flow", res.MakerFlow, "0")
	wantEq(t, "maker pnl", res.MakerPnL, "-100")

	if !res.Taker.IsLong {
		t.Error("liquidator should take over the long")
	}
	wantEq(t, "taker quantity", res.Taker.Quantity, "10")
	wantEq(t, "taker oiOpen", res.Taker.OIOpen, "920")
	wantEq(t, "taker margin", res.Taker.Margin, "92")
	wantEq(t, "taker flow", res.TakerFlow, "92")

	// Premium 10 * (92 - 90) = 20, split 30% pool / 70% liquidator.
	wantEq(t, "premium to pool", res.PremiumToPool, "6")
	wantEq(t, "premium to taker", res.PremiumToTaker, "14")
}

func TestLiquidationNegativePremium(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	// Oracle 89 already past the 90 bankruptcy price: the liquidator
	// covers the 10 shortfall, the pool gets nothing.
	maker := longPosition(t, "10", "100", "1000", "0.1")

	res, err := trader.Trade(testContext(t, "89"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "10"),
			Leverage: fp.FromInt(10),
		})
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	wantEq(t, "premium to pool", res.PremiumToPool, "0")
	wantEq(t, "premium to taker", res.PremiumToTaker, "-10")
}

func TestLiquidationPartial(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")

	res, err := trader.Trade(testContext(t, "92"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "4"),
			Leverage: fp.FromInt(10),
		})
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	wantEq(t, "maker quantity", res.Maker.Quantity, "6")
	wantEq(t, "maker margin", res.Maker.Margin, "60")
	wantEq(t, "maker oiOpen", res.Maker.OIOpen, "600")
	wantEq(t, "taker quantity", res.Taker.Quantity, "4")
	wantEq(t, "premium to pool", res.PremiumToPool, "2.4")
	wantEq(t, "premium to taker", res.PremiumToTaker, "5.6")
}

func TestLiquidationAboveMaintenance(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")

	_, err := trader.Trade(testContext(t, "100"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "10"),
			Leverage: fp.FromInt(10),
		})
	if !errors.Is(err, trade.ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidationWhitelistExempt(t *testing.T) {
	params := risk.DefaultParams("ETH-PERP")
	protected := uuid.New()
	params.LiquidationWhitelist[protected] = true
	trader := trade.NewLiquidationTrader(risk.NewEvaluator(params))

	maker := longPosition(t, "10", "100", "1000", "0.1")

	_, err := trader.Trade(testContext(t, "92"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    protected,
			Taker:    uuid.New(),
			Quantity: d(t, "10"),
			Leverage: fp.FromInt(10),
		})
	if !errors.Is(err, trade.ErrWhitelistedAccount) {
		t.Fatalf("err = %v, want ErrWhitelistedAccount", err)
	}
}

func TestLiquidationAllOrNothingRejected(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")

	_, err := trader.Trade(testContext(t, "92"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:        uuid.New(),
			Taker:        uuid.New(),
			Quantity:     d(t, "12"),
			Leverage:     fp.FromInt(10),
			AllOrNothing: true,
		})
	if !errors.Is(err, trade.ErrAllOrNothing) {
		t.Fatalf("err = %v, want ErrAllOrNothing", err)
	}
}

func TestLiquidationShortSide(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	// 10x short from 100: bankruptcy at 110. At oracle 108 the ratio is
	// 1100/1080 - 1 = ~0.0185, liquidatable.
	maker := shortPosition(t, "10", "100", "1000", "0.1")

	res, err := trader.Trade(testContext(t, "108"), maker, state.NewPositionBalance(),
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "10"),
			Leverage: fp.FromInt(10),
		})
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	if res.Taker.IsLong {
		t.Error("liquidator should take over the short")
	}
	// Premium 10 * (110 - 108) = 20.
	wantEq(t, "premium to pool", res.PremiumToPool, "6")
	wantEq(t, "premium to taker", res.PremiumToTaker, "14")
}

func TestLiquidationLeverageMismatchOppositeSide(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewLiquidationTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")
	// The liquidator already runs a short at 5x (MRO 0.2). A stated 10x
	// must be rejected even though the new exposure lands on the other
	// side of its book.
	taker := shortPosition(t, "5", "100", "500", "0.2")

	_, err := trader.Trade(testContext(t, "92"), maker, taker,
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "4"),
			Leverage: fp.FromInt(10),
		})
	if !errors.Is(err, trade.ErrLeverageMismatch) {
		t.Fatalf("err = %v, want ErrLeverageMismatch", err)
	}

	// Stating the position's own 5x is accepted and reduces the short.
	res, err := trader.Trade(testContext(t, "92"), maker, taker,
		trade.LiquidationArgs{
			Maker:    uuid.New(),
			Taker:    uuid.New(),
			Quantity: d(t, "4"),
			Leverage: fp.FromInt(5),
		})
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	wantEq(t, "taker quantity", res.Taker.Quantity, "1")
	if res.Taker.IsLong {
		t.Error("partially reduced liquidator should stay short")
	}
}
