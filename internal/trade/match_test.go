package trade_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trade"
)

func d(t *testing.T, s string) *big.Int {
	t.Helper()
	return fp.MustFromDecimal(s)
}

func testContext(t *testing.T, oracle string) *state.Context {
	t.Helper()
	return &state.Context{
		OraclePrice: fp.MustFromDecimal(oracle),
		FundingRate: fp.Zero(),
		GlobalIndex: state.NewFundingIndex(0),
	}
}

func longPosition(t *testing.T, qty, margin, oiOpen, mro string) *state.PositionBalance {
	t.Helper()
	b := state.NewPositionBalance()
	b.IsLong = true
	b.Quantity = fp.MustFromDecimal(qty)
	b.Margin = fp.MustFromDecimal(margin)
	b.OIOpen = fp.MustFromDecimal(oiOpen)
	b.MRO = fp.MustFromDecimal(mro)
	return b
}

func shortPosition(t *testing.T, qty, margin, oiOpen, mro string) *state.PositionBalance {
	t.Helper()
	b := longPosition(t, qty, margin, oiOpen, mro)
	b.IsLong = false
	return b
}

func order(account uuid.UUID, isBuy bool, price, qty string, leverage int64) trade.Order {
	return trade.Order{
		ID:       uuid.New(),
		Account:  account,
		IsBuy:    isBuy,
		Price:    fp.MustFromDecimal(price),
		Quantity: fp.MustFromDecimal(qty),
		Leverage: fp.FromInt(leverage),
	}
}

func wantEq(t *testing.T, label string, got *big.Int, want string) {
	t.Helper()
	w := fp.MustFromDecimal(want)
	if got.Cmp(w) != 0 {
		t.Errorf("%s = %s, want %s", label, fp.String(got), want)
	}
}

// =========================================================================
// Order matching
// =========================================================================

func TestMatchOpenBothSides(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	makerAcct, takerAcct := uuid.New(), uuid.New()
	makerOrd := order(makerAcct, false, "100", "10", 10)
	takerOrd := order(takerAcct, true, "100", "10", 10)
	fill := trade.Fill{Quantity: d(t, "10"), Price: d(t, "100")}

	res, err := trader.Trade(testContext(t, "100"),
		state.NewPositionBalance(), state.NewPositionBalance(),
		makerOrd, takerOrd, fill, 1000)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	if res.Maker.IsLong {
		t.Error("maker should be short")
	}
	if !res.Taker.IsLong {
		t.Error("taker should be long")
	}
	for side, b := range map[string]*state.PositionBalance{"maker": res.Maker, "taker": res.Taker} {
		wantEq(t, side+" quantity", b.Quantity, "10")
		wantEq(t, side+" oiOpen", b.OIOpen, "1000")
		wantEq(t, side+" margin", b.Margin, "100")
		wantEq(t, side+" mro", b.MRO, "0.1")
	}
	// Zero default fees: flow is margin only.
	wantEq(t, "maker flow", res.MakerFlow, "100")
	wantEq(t, "taker flow", res.TakerFlow, "100")
}

func TestMatchPartialClose(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	makerAcct, takerAcct := uuid.New(), uuid.New()
	maker := longPosition(t, "10", "100", "1000", "0.1")
	taker := state.NewPositionBalance()

	makerOrd := order(makerAcct, false, "120", "4", 10)
	takerOrd := order(takerAcct, true, "120", "4", 10)
	fill := trade.Fill{Quantity: d(t, "4"), Price: d(t, "120")}

	res, err := trader.Trade(testContext(t, "120"), maker, taker, makerOrd, takerOrd, fill, 0)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	wantEq(t, "maker quantity", res.Maker.Quantity, "6")
	wantEq(t, "maker margin", res.Maker.Margin, "60")
	wantEq(t, "maker oiOpen", res.Maker.OIOpen, "600")
	wantEq(t, "maker pnl", res.MakerPnL, "80")
	// 40 released margin plus 80 profit flow out to the maker.
	wantEq(t, "maker flow", res.MakerFlow, "-120")

	wantEq(t, "taker quantity", res.Taker.Quantity, "4")
	wantEq(t, "taker margin", res.Taker.Margin, "48")
	wantEq(t, "taker oiOpen", res.Taker.OIOpen, "480")
	wantEq(t, "taker flow", res.TakerFlow, "48")
}

func TestMatchFlip(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	makerAcct, takerAcct := uuid.New(), uuid.New()
	maker := longPosition(t, "10", "100", "1000", "0.1")
	taker := state.NewPositionBalance()

	makerOrd := order(makerAcct, false, "110", "15", 10)
	takerOrd := order(takerAcct, true, "110", "15", 10)
	fill := trade.Fill{Quantity: d(t, "15"), Price: d(t, "110")}

	res, err := trader.Trade(testContext(t, "110"), maker, taker, makerOrd, takerOrd, fill, 0)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	if res.Maker.IsLong {
		t.Error("maker should have flipped short")
	}
	wantEq(t, "maker quantity", res.Maker.Quantity, "5")
	wantEq(t, "maker margin", res.Maker.Margin, "55")
	wantEq(t, "maker oiOpen", res.Maker.OIOpen, "550")
	wantEq(t, "maker pnl", res.MakerPnL, "100")
	// Closing releases 100 margin + 100 profit, reopening posts 55.
	wantEq(t, "maker flow", res.MakerFlow, "-145")
}

func TestMatchLossExceedsMargin(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	// 10x long from 100: per-unit margin 10, so price 85 is a 15 loss/unit.
	maker := longPosition(t, "10", "100", "1000", "0.1")
	makerOrd := order(uuid.New(), false, "85", "10", 10)
	takerOrd := order(uuid.New(), true, "85", "10", 10)
	fill := trade.Fill{Quantity: d(t, "10"), Price: d(t, "85")}

	_, err := trader.Trade(testContext(t, "85"), maker, state.NewPositionBalance(), makerOrd, takerOrd, fill, 0)
	if !errors.Is(err, trade.ErrLossExceedsMargin) {
		t.Fatalf("err = %v, want ErrLossExceedsMargin", err)
	}
}

func TestMatchLeverageMismatchOnAdd(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")
	makerOrd := order(uuid.New(), true, "100", "5", 5) // 5x against a 10x position
	takerOrd := order(uuid.New(), false, "100", "5", 10)
	fill := trade.Fill{Quantity: d(t, "5"), Price: d(t, "100")}

	_, err := trader.Trade(testContext(t, "100"), maker, state.NewPositionBalance(), makerOrd, takerOrd, fill, 0)
	if !errors.Is(err, trade.ErrLeverageMismatch) {
		t.Fatalf("err = %v, want ErrLeverageMismatch", err)
	}
}

func TestMatchReduceOnlyCannotIncrease(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	makerOrd := order(uuid.New(), true, "100", "5", 10)
	makerOrd.ReduceOnly = true
	takerOrd := order(uuid.New(), false, "100", "5", 10)
	fill := trade.Fill{Quantity: d(t, "5"), Price: d(t, "100")}

	_, err := trader.Trade(testContext(t, "100"),
		state.NewPositionBalance(), state.NewPositionBalance(), makerOrd, takerOrd, fill, 0)
	if !errors.Is(err, trade.ErrReduceOnlyIncrease) {
		t.Fatalf("err = %v, want ErrReduceOnlyIncrease", err)
	}
}

func TestMatchExpiredOrder(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	makerOrd := order(uuid.New(), true, "100", "5", 10)
	makerOrd.Expiration = 500
	takerOrd := order(uuid.New(), false, "100", "5", 10)
	fill := trade.Fill{Quantity: d(t, "5"), Price: d(t, "100")}

	_, err := trader.Trade(testContext(t, "100"),
		state.NewPositionBalance(), state.NewPositionBalance(), makerOrd, takerOrd, fill, 1000)
	if !errors.Is(err, trade.ErrOrderExpired) {
		t.Fatalf("err = %v, want ErrOrderExpired", err)
	}
}

func TestMatchMarketTakeBound(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	// MTB is 20%: a market buy above 120 against a 100 oracle must fail.
	makerOrd := order(uuid.New(), false, "121", "5", 10)
	takerOrd := order(uuid.New(), true, "121", "5", 10)
	takerOrd.IsMarket = true
	fill := trade.Fill{Quantity: d(t, "5"), Price: d(t, "121")}

	_, err := trader.Trade(testContext(t, "100"),
		state.NewPositionBalance(), state.NewPositionBalance(), makerOrd, takerOrd, fill, 0)
	if !errors.Is(err, risk.ErrTakeBoundLong) {
		t.Fatalf("err = %v, want ErrTakeBoundLong", err)
	}
}

func TestMatchFeesCharged(t *testing.T) {
	params := risk.DefaultParams("ETH-PERP")
	params.DefaultMakerFee = d(t, "0.001")
	params.DefaultTakerFee = d(t, "0.002")
	trader := trade.NewMatchTrader(risk.NewEvaluator(params))

	makerOrd := order(uuid.New(), false, "100", "10", 10)
	takerOrd := order(uuid.New(), true, "100", "10", 10)
	fill := trade.Fill{Quantity: d(t, "10"), Price: d(t, "100")}

	res, err := trader.Trade(testContext(t, "100"),
		state.NewPositionBalance(), state.NewPositionBalance(), makerOrd, takerOrd, fill, 0)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	// Fee = rate * price * qty on top of the 100 margin.
	wantEq(t, "maker fee", res.MakerFee, "1")
	wantEq(t, "taker fee", res.TakerFee, "2")
	wantEq(t, "maker flow", res.MakerFlow, "101")
	wantEq(t, "taker flow", res.TakerFlow, "102")
}

// Opposite positions opened at the same price settle to offsetting PnL:
// value leaves one position exactly as it enters the other.
func TestMatchConservation(t *testing.T) {
	eval := risk.NewEvaluator(risk.DefaultParams("ETH-PERP"))
	trader := trade.NewMatchTrader(eval)

	maker := longPosition(t, "10", "100", "1000", "0.1")
	taker := shortPosition(t, "10", "100", "1000", "0.1")

	makerOrd := order(uuid.New(), false, "107", "10", 10)
	takerOrd := order(uuid.New(), true, "107", "10", 10)
	fill := trade.Fill{Quantity: d(t, "10"), Price: d(t, "107")}

	res, err := trader.Trade(testContext(t, "107"), maker, taker, makerOrd, takerOrd, fill, 0)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}

	if sum := fp.Add(res.MakerPnL, res.TakerPnL); sum.Sign() != 0 {
		t.Errorf("pnl sum = %s, want 0", fp.String(sum))
	}
	// Both closed: all posted margin plus netted pnl flows back out.
	if sum := fp.Add(res.MakerFlow, res.TakerFlow); sum.Cmp(d(t, "-200")) != 0 {
		t.Errorf("flow sum = %s, want -200", fp.String(sum))
	}
	if !res.Maker.IsFlat() || !res.Taker.IsFlat() {
		t.Error("both positions should be flat")
	}
}
