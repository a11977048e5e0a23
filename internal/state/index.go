package state

import (
	"math/big"

	fp "PerpSettle/internal/math"
)

// FundingIndex is the time-integral of (funding rate x oracle price) since
// market inception. A single global index advances once per settlement call;
// each account caches the index value it last settled against.
type FundingIndex struct {
	Timestamp int64 // unix seconds of the last advance
	Value     *big.Int
}

func NewFundingIndex(ts int64) *FundingIndex {
	return &FundingIndex{Timestamp: ts, Value: fp.Zero()}
}

func (ix *FundingIndex) Clone() *FundingIndex {
	return &FundingIndex{
		Timestamp: ix.Timestamp,
		Value:     new(big.Int).Set(ix.Value),
	}
}

// Advance integrates the per-second funding rate at the given oracle price
// over the elapsed interval. A non-positive interval is a no-op so replayed
// timestamps cannot double-accrue.
func (ix *FundingIndex) Advance(rate, oraclePrice *big.Int, now int64) {
	elapsed := now - ix.Timestamp
	if elapsed <= 0 {
		return
	}
	delta := fp.Mul(fp.MulInt(rate, elapsed), oraclePrice)
	ix.Value = fp.Add(ix.Value, delta)
	ix.Timestamp = now
}

// Context is the ephemeral read snapshot computed once per settlement call
// and reused for every trade and account in that call. Never persisted.
type Context struct {
	OraclePrice *big.Int
	FundingRate *big.Int
	GlobalIndex *FundingIndex
}
