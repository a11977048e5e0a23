package state_test

import (
	"math/big"
	"testing"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

func d(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fp.FromDecimal(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func position(t *testing.T, isLong bool, qty, margin, oiOpen, mro string) *state.PositionBalance {
	t.Helper()
	return &state.PositionBalance{
		IsLong:   isLong,
		Quantity: d(t, qty),
		Margin:   d(t, margin),
		OIOpen:   d(t, oiOpen),
		MRO:      d(t, mro),
	}
}

func TestMarginRatio_Long(t *testing.T) {
	// 10 units opened at 100 with 10x leverage: debt 900 against a
	// notional that moves with price.
	b := position(t, true, "10", "100", "1000", "0.1")

	got := b.MarginRatio(d(t, "100"))
	if got.Cmp(d(t, "0.1")) != 0 {
		t.Errorf("ratio at entry = %s, want 0.1", fp.String(got))
	}

	got = b.MarginRatio(d(t, "95"))
	want := fp.Sub(fp.Base, fp.Div(d(t, "900"), d(t, "950")))
	if got.Cmp(want) != 0 {
		t.Errorf("ratio at 95 = %s, want %s", fp.String(got), fp.String(want))
	}

	// At the bankruptcy price of 90 the ratio hits zero.
	got = b.MarginRatio(d(t, "90"))
	if got.Sign() != 0 {
		t.Errorf("ratio at bankruptcy = %s, want 0", fp.String(got))
	}
}

func TestMarginRatio_Short(t *testing.T) {
	// 1 unit sold at 105 with margin 5: debt 110 over notional.
	b := position(t, false, "1", "5", "105", "0.047619047619047619")

	got := b.MarginRatio(d(t, "100"))
	if got.Cmp(d(t, "0.1")) != 0 {
		t.Errorf("ratio = %s, want 0.1", fp.String(got))
	}

	// Shorts go bankrupt as price rises.
	got = b.MarginRatio(d(t, "110"))
	if got.Sign() != 0 {
		t.Errorf("ratio at bankruptcy = %s, want 0", fp.String(got))
	}
	got = b.MarginRatio(d(t, "120"))
	if got.Sign() >= 0 {
		t.Errorf("ratio past bankruptcy = %s, want negative", fp.String(got))
	}
}

func TestMarginRatio_FlatIsFullyCollateralized(t *testing.T) {
	b := state.NewPositionBalance()
	if got := b.MarginRatio(d(t, "100")); got.Cmp(fp.Base) != 0 {
		t.Errorf("flat ratio = %s, want 1", fp.String(got))
	}
}

func TestBankruptcyPrice(t *testing.T) {
	long := position(t, true, "10", "100", "1000", "0.1")
	if got := long.BankruptcyPrice(); got.Cmp(d(t, "90")) != 0 {
		t.Errorf("long bankruptcy = %s, want 90", fp.String(got))
	}

	short := position(t, false, "10", "100", "1000", "0.1")
	if got := short.BankruptcyPrice(); got.Cmp(d(t, "110")) != 0 {
		t.Errorf("short bankruptcy = %s, want 110", fp.String(got))
	}

	// A long margined above its entry notional clamps at zero.
	rich := position(t, true, "10", "1200", "1000", "1")
	if got := rich.BankruptcyPrice(); got.Sign() != 0 {
		t.Errorf("over-margined bankruptcy = %s, want 0", fp.String(got))
	}
}

func TestNormalize_ZeroQuantityClearsSideAndMRO(t *testing.T) {
	b := position(t, true, "0", "0", "0", "0.1")
	b.Normalize()
	if b.IsLong {
		t.Error("normalized flat balance still long")
	}
	if b.MRO.Sign() != 0 {
		t.Errorf("normalized MRO = %s, want 0", fp.String(b.MRO))
	}
}

func TestAvgEntryPrice(t *testing.T) {
	b := position(t, true, "10", "100", "1050", "0.1")
	if got := b.AvgEntryPrice(); got.Cmp(d(t, "105")) != 0 {
		t.Errorf("avg entry = %s, want 105", fp.String(got))
	}
	if got := state.NewPositionBalance().AvgEntryPrice(); got.Sign() != 0 {
		t.Errorf("flat avg entry = %s, want 0", fp.String(got))
	}
}

func TestClone_Independent(t *testing.T) {
	b := position(t, true, "10", "100", "1000", "0.1")
	c := b.Clone()
	c.Margin.Add(c.Margin, fp.Base)
	if b.Margin.Cmp(d(t, "100")) != 0 {
		t.Error("clone shares big.Int storage with original")
	}
}
