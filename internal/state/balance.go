package state

import (
	"math/big"

	fp "PerpSettle/internal/math"
)

// PositionBalance is one account's isolated-margin position in the market.
// Quantity, Margin and OIOpen are non-negative Base-scaled values; the side
// flag is meaningful only while Quantity > 0.
type PositionBalance struct {
	IsLong   bool
	MRO      *big.Int // margin ratio at open: 1/leverage, fixed at open time
	Quantity *big.Int // absolute position size
	Margin   *big.Int // collateral allocated to the position
	OIOpen   *big.Int // notional at entry, basis for average entry price
}

// NewPositionBalance returns a flat, zero-valued position.
func NewPositionBalance() *PositionBalance {
	return &PositionBalance{
		MRO:      fp.Zero(),
		Quantity: fp.Zero(),
		Margin:   fp.Zero(),
		OIOpen:   fp.Zero(),
	}
}

func (b *PositionBalance) IsFlat() bool {
	return b.Quantity.Sign() == 0
}

// Clone returns a deep copy. Traders operate on clones and return proposed
// replacements; they never alias balances owned by the Store.
func (b *PositionBalance) Clone() *PositionBalance {
	return &PositionBalance{
		IsLong:   b.IsLong,
		MRO:      new(big.Int).Set(b.MRO),
		Quantity: new(big.Int).Set(b.Quantity),
		Margin:   new(big.Int).Set(b.Margin),
		OIOpen:   new(big.Int).Set(b.OIOpen),
	}
}

// AvgEntryPrice returns OIOpen / Quantity, or zero for an empty book.
func (b *PositionBalance) AvgEntryPrice() *big.Int {
	if b.OIOpen.Sign() == 0 || b.Quantity.Sign() == 0 {
		return fp.Zero()
	}
	return fp.Div(b.OIOpen, b.Quantity)
}

// MarginRatio is the single risk metric compared against the initial- and
// maintenance-margin thresholds.
//
//	long:  1 - (oiOpen - margin) / (price * qty)
//	short: (oiOpen + margin) / (price * qty) - 1
//
// A flat position (zero notional) is always fully collateralized (ratio = 1).
func (b *PositionBalance) MarginRatio(price *big.Int) *big.Int {
	notional := fp.Mul(price, b.Quantity)
	if notional.Sign() <= 0 {
		return new(big.Int).Set(fp.Base)
	}

	if b.IsLong {
		debt := fp.Sub(b.OIOpen, b.Margin)
		return fp.Sub(fp.Base, fp.Div(debt, notional))
	}
	debt := fp.Add(b.OIOpen, b.Margin)
	return fp.Sub(fp.Div(debt, notional), fp.Base)
}

// BankruptcyPrice is the price at which position equity is exactly zero.
// Clamped at zero for longs whose margin exceeds entry notional.
func (b *PositionBalance) BankruptcyPrice() *big.Int {
	if b.IsFlat() {
		return fp.Zero()
	}
	if b.IsLong {
		p := fp.Div(fp.Sub(b.OIOpen, b.Margin), b.Quantity)
		if p.Sign() < 0 {
			return fp.Zero()
		}
		return p
	}
	return fp.Div(fp.Add(b.OIOpen, b.Margin), b.Quantity)
}

// Normalize enforces the quantity == 0 => mro == 0 invariant after a
// trader has produced a replacement balance. Margin and OIOpen are already
// pro-rated to zero by the reducing branch; they are not forced here so a
// bug there surfaces as a conservation failure instead of silent value loss.
func (b *PositionBalance) Normalize() {
	if b.Quantity.Sign() == 0 {
		b.IsLong = false
		b.MRO = fp.Zero()
	}
}
