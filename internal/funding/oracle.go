// Package funding derives the market's funding rate from executed trades.
//
// In on-chain mode every trade accrues a time-weighted premium ratio
// ((trade - oracle) / oracle) into the active hourly window; once per
// window the accumulated sum collapses into a per-second funding rate.
// Off-chain mode lets a trusted operator inject the rate directly while
// on-chain computation is stopped.
package funding

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	fp "PerpSettle/internal/math"
)

const (
	// WindowSeconds is the funding window length.
	WindowSeconds = 3600
	// windowsPerDay normalizes the hourly premium to a daily basis before
	// the rate cap is applied.
	windowsPerDay = 24
)

var (
	ErrFundingStopped   = errors.New("funding is not running")
	ErrWindowZero       = errors.New("funding window 0 is never computable")
	ErrWindowAlreadySet = errors.New("funding rate already set for window")
	ErrWindowNotElapsed = errors.New("funding window has no elapsed trades")
	ErrOnChainActive    = errors.New("off-chain rate rejected while on-chain computation is active")
	ErrRateAboveMax     = errors.New("funding rate magnitude above configured maximum")
)

// Mode selects how the funding rate is produced.
type Mode int32

const (
	ModeOnChain Mode = iota
	ModeOffChain
)

func (m Mode) String() string {
	if m == ModeOffChain {
		return "off_chain"
	}
	return "on_chain"
}

// Window accumulates the time-weighted trade/oracle premium for one hour.
// HasTrades distinguishes an untouched window from one whose first trade
// landed at timestamp zero.
type Window struct {
	HasTrades       bool
	FirstTradeTs    int64
	LastTradeTs     int64
	TimeWeightedSum *big.Int
	CurrentRatio    *big.Int
}

func newWindow() Window {
	return Window{
		TimeWeightedSum: fp.Zero(),
		CurrentRatio:    fp.Zero(),
	}
}

// Oracle is the funding-rate state machine. Not safe for concurrent use;
// the settlement engine is its only caller.
type Oracle struct {
	mode      Mode
	running   bool
	startTime int64

	rate       *big.Int // per-second funding rate
	maxFunding *big.Int // hourly cap from market params

	window    Window
	windowSet int64 // highest window number already finalized

	logger zerolog.Logger
}

func NewOracle(maxFunding *big.Int, logger zerolog.Logger) *Oracle {
	return &Oracle{
		mode:       ModeOnChain,
		rate:       fp.Zero(),
		maxFunding: new(big.Int).Set(maxFunding),
		window:     newWindow(),
		logger:     logger,
	}
}

// Rate returns the current per-second funding rate.
func (o *Oracle) Rate() *big.Int {
	return new(big.Int).Set(o.rate)
}

func (o *Oracle) ModeIs() Mode { return o.mode }
func (o *Oracle) Running() bool { return o.running }

// Start begins funding accrual, resetting window bounds to now.
func (o *Oracle) Start(now int64) {
	o.running = true
	o.startTime = now
	o.window = newWindow()
	o.windowSet = 0
	o.logger.Info().Int64("start_time", now).Msg("funding started")
}

// Stop halts accrual and zeroes the current rate.
func (o *Oracle) Stop(now int64) {
	o.running = false
	o.rate = fp.Zero()
	o.window = newWindow()
	o.logger.Info().Int64("stop_time", now).Msg("funding stopped")
}

// SetMode toggles between on-chain computation and off-chain injection.
func (o *Oracle) SetMode(m Mode) {
	o.mode = m
	o.logger.Info().Str("mode", m.String()).Msg("funding mode changed")
}

// windowOf maps a timestamp to a window number since funding start.
func (o *Oracle) windowOf(ts int64) int64 {
	if ts <= o.startTime {
		return 0
	}
	return (ts - o.startTime) / WindowSeconds
}

// RecordTrade folds one executed trade into the active window:
// the previous ratio is weighted by the time it was in force, then the
// ratio is replaced by the new trade's premium over the oracle price.
// No-op outside on-chain mode or while stopped.
func (o *Oracle) RecordTrade(tradePrice, oraclePrice *big.Int, now int64) {
	if !o.running || o.mode != ModeOnChain {
		return
	}
	if oraclePrice.Sign() <= 0 {
		return
	}

	w := &o.window
	if !w.HasTrades {
		w.HasTrades = true
		w.FirstTradeTs = now
		w.LastTradeTs = now
	}

	elapsed := now - w.LastTradeTs
	if elapsed > 0 {
		w.TimeWeightedSum = fp.Add(w.TimeWeightedSum, fp.MulInt(w.CurrentRatio, elapsed))
	}
	w.CurrentRatio = fp.Div(fp.Sub(tradePrice, oraclePrice), oraclePrice)
	w.LastTradeTs = now
}

// ComputeRate finalizes the previous window into a new per-second rate:
//
//	rate = clamp((sum / elapsed) / 24, +-maxFunding) / 3600
//
// A window may only be finalized once, and never window 0.
func (o *Oracle) ComputeRate(now int64) error {
	if !o.running || o.mode != ModeOnChain {
		return ErrFundingStopped
	}

	w := o.windowOf(now)
	if w == 0 {
		return ErrWindowZero
	}
	if w <= o.windowSet {
		return fmt.Errorf("%w: window=%d", ErrWindowAlreadySet, w)
	}

	win := o.window
	if !win.HasTrades || win.LastTradeTs <= win.FirstTradeTs {
		return fmt.Errorf("%w: window=%d", ErrWindowNotElapsed, w)
	}

	// Close the window on its final recorded ratio.
	avg := fp.DivInt(win.TimeWeightedSum, win.LastTradeTs-win.FirstTradeTs)
	hourly := fp.Clamp(fp.DivInt(avg, windowsPerDay), o.maxFunding)
	o.rate = fp.DivInt(hourly, WindowSeconds)

	o.window = newWindow()
	o.windowSet = w

	o.logger.Info().
		Int64("window", w).
		Str("rate_per_second", fp.String(o.rate)).
		Msg("funding rate computed")
	return nil
}

// SetOffChainRate injects a per-second funding rate directly. Only legal
// while on-chain computation is disabled, and bounded in magnitude by the
// same hourly cap (expressed per second).
func (o *Oracle) SetOffChainRate(rate *big.Int) error {
	if o.mode != ModeOffChain {
		return ErrOnChainActive
	}
	maxPerSecond := fp.DivInt(o.maxFunding, WindowSeconds)
	if fp.Abs(rate).Cmp(maxPerSecond) > 0 {
		return fmt.Errorf("%w: |%s| > %s", ErrRateAboveMax,
			fp.String(rate), fp.String(maxPerSecond))
	}
	o.rate = new(big.Int).Set(rate)
	o.logger.Info().Str("rate_per_second", fp.String(rate)).Msg("off-chain funding rate set")
	return nil
}

// WindowState exposes the active window for the query surface and tests.
func (o *Oracle) WindowState() Window {
	return Window{
		HasTrades:       o.window.HasTrades,
		FirstTradeTs:    o.window.FirstTradeTs,
		LastTradeTs:     o.window.LastTradeTs,
		TimeWeightedSum: new(big.Int).Set(o.window.TimeWeightedSum),
		CurrentRatio:    new(big.Int).Set(o.window.CurrentRatio),
	}
}
