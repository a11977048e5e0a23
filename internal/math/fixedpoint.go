package math

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Base is the fixed-point scaling factor. All monetary and ratio values in
// the engine are integers scaled by 10^18.
var Base = big.NewInt(1_000_000_000_000_000_000)

// Pooled big.Int for intermediate products. Products of two Base-scaled
// values need ~128 bits, so intermediates always go through big.Int.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

var oneInt = big.NewInt(1)

// Mul returns floor(a*b/Base), flooring toward negative infinity.
// This is the credit-side rounding mode: value rounded away from the user.
func Mul(a, b *big.Int) *big.Int {
	p := getInt()
	p.Mul(a, b)
	q := new(big.Int).Div(p, Base) // big.Int.Div floors for a positive divisor
	putInt(p)
	return q
}

// MulRoundUp returns a*b/Base rounded up whenever the product is not an
// exact multiple of Base. This is the debit-side rounding mode: funding
// debits always round in the protocol's favor.
func MulRoundUp(a, b *big.Int) *big.Int {
	p := getInt()
	r := getInt()
	p.Mul(a, b)
	q := new(big.Int)
	q.DivMod(p, Base, r)
	if r.Sign() != 0 {
		q.Add(q, oneInt)
	}
	putInt(p)
	putInt(r)
	return q
}

// Div returns floor(a*Base/b). The divisor must be positive; a zero or
// negative divisor is a caller contract violation and panics.
func Div(a, b *big.Int) *big.Int {
	if b.Sign() <= 0 {
		panic(fmt.Sprintf("fixedpoint: division by non-positive value %s", b))
	}
	p := getInt()
	p.Mul(a, Base)
	q := new(big.Int).Div(p, b)
	putInt(p)
	return q
}

// DivInt returns floor(a/n) for a plain integer divisor n > 0. Used for
// time-weighted averages where the divisor is a second count, not a
// Base-scaled value.
func DivInt(a *big.Int, n int64) *big.Int {
	if n <= 0 {
		panic(fmt.Sprintf("fixedpoint: division by non-positive value %d", n))
	}
	return new(big.Int).Div(a, big.NewInt(n))
}

// MulDiv returns floor(a*num/den) without Base rescaling. Used for
// pro-rating a value by an integer fraction (e.g. retained position size
// over total position size).
func MulDiv(a, num, den *big.Int) *big.Int {
	if den.Sign() <= 0 {
		panic(fmt.Sprintf("fixedpoint: division by non-positive value %s", den))
	}
	p := getInt()
	p.Mul(a, num)
	q := new(big.Int).Div(p, den)
	putInt(p)
	return q
}

// --- Arithmetic helpers (new-value semantics; operands are never mutated) ---

func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }
func Neg(a *big.Int) *big.Int { return new(big.Int).Neg(a) }
func Abs(a *big.Int) *big.Int { return new(big.Int).Abs(a) }

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clamp bounds v to [-limit, +limit]. limit must be non-negative.
func Clamp(v, limit *big.Int) *big.Int {
	negLimit := new(big.Int).Neg(limit)
	if v.Cmp(limit) > 0 {
		return new(big.Int).Set(limit)
	}
	if v.Cmp(negLimit) < 0 {
		return negLimit
	}
	return new(big.Int).Set(v)
}

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// FromInt converts a whole number into its Base-scaled representation.
func FromInt(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Base)
}

// MulInt returns a*n for a plain integer multiplier (no Base rescale).
func MulInt(a *big.Int, n int64) *big.Int {
	return new(big.Int).Mul(a, big.NewInt(n))
}

// MustFromDecimal parses a decimal string ("0.1", "-2.5", "100") into a
// Base-scaled value. Panics on malformed input; intended for constants in
// configuration and tests.
func MustFromDecimal(s string) *big.Int {
	v, err := FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal parses a decimal string into a Base-scaled value. At most 18
// fractional digits are accepted.
func FromDecimal(s string) (*big.Int, error) {
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(s, "-")

	intPart := body
	fracPart := ""
	if i := strings.IndexByte(body, '.'); i >= 0 {
		intPart, fracPart = body[:i], body[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 18 {
		return nil, fmt.Errorf("fixedpoint: too many fractional digits in %q", s)
	}
	fracPart += strings.Repeat("0", 18-len(fracPart))

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: malformed decimal %q", s)
	}
	frac, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: malformed decimal %q", s)
	}

	v := new(big.Int).Mul(whole, Base)
	v.Add(v, frac)
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// String renders a Base-scaled value as a decimal string with trailing
// zeros trimmed. Used by logging and the query surface.
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	q, r := new(big.Int).QuoRem(v, Base, new(big.Int))
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		q.Abs(q)
		r.Abs(r)
	}
	if r.Sign() == 0 {
		return sign + q.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", r.String()), "0")
	return fmt.Sprintf("%s%s.%s", sign, q.String(), frac)
}
