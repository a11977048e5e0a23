package server

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
)

// Wire types for the ops service. Amounts are decimal strings, ids are
// uuid strings, timestamps are unix seconds.

type opRequest struct {
	OpID    string `json:"op_id"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Ts      int64  `json:"ts,omitempty"`
}

type leverageRequest struct {
	OpID     string `json:"op_id"`
	Account  string `json:"account"`
	Leverage string `json:"leverage"`
	Ts       int64  `json:"ts,omitempty"`
}

type opResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type adminRequest struct {
	Caller string `json:"caller"`
	Ts     int64  `json:"ts,omitempty"`
}

type fundingModeRequest struct {
	Caller string `json:"caller"`
	Mode   string `json:"mode"` // "on_chain" or "off_chain"
}

type fundingRateRequest struct {
	Caller string `json:"caller"`
	Rate   string `json:"rate"` // per-second rate, decimal string
}

type updateParamsRequest struct {
	Caller string           `json:"caller"`
	Params marketParamsJSON `json:"params"`
}

type submitBatchRequest struct {
	Batch json.RawMessage `json:"batch"`
}

type submitBatchResponse struct {
	Accepted bool `json:"accepted"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

type feeOverrideJSON struct {
	MakerFee string `json:"maker_fee,omitempty"`
	TakerFee string `json:"taker_fee,omitempty"`
}

type marketParamsJSON struct {
	Symbol string `json:"symbol"`

	MinPrice string `json:"min_price"`
	MaxPrice string `json:"max_price"`
	TickSize string `json:"tick_size"`

	MinQty       string `json:"min_qty"`
	MaxQtyLimit  string `json:"max_qty_limit"`
	MaxQtyMarket string `json:"max_qty_market"`
	StepSize     string `json:"step_size"`

	MTBLong  string `json:"mtb_long"`
	MTBShort string `json:"mtb_short"`

	InitialMarginReq     string `json:"initial_margin_req"`
	MaintenanceMarginReq string `json:"maintenance_margin_req"`

	MaxFundingRate string `json:"max_funding_rate"`

	InsurancePoolShare string `json:"insurance_pool_share"`
	DefaultMakerFee    string `json:"default_maker_fee"`
	DefaultTakerFee    string `json:"default_taker_fee"`
	GasSurcharge       string `json:"gas_surcharge"`
	GaslessThreshold   string `json:"gasless_threshold"`

	// Index 0 is unused; an empty string means no cap at that leverage.
	MaxAllowedOIOpen []string `json:"max_allowed_oi_open,omitempty"`

	LiquidationWhitelist []string                   `json:"liquidation_whitelist,omitempty"`
	FeeWhitelist         map[string]feeOverrideJSON `json:"fee_whitelist,omitempty"`
}

func (j marketParamsJSON) toMarketParams() (*risk.MarketParams, error) {
	p := &risk.MarketParams{
		Symbol:               j.Symbol,
		LiquidationWhitelist: make(map[uuid.UUID]bool),
		FeeWhitelist:         make(map[uuid.UUID]risk.FeeOverride),
	}

	fields := []struct {
		name string
		dst  **big.Int
		src  string
	}{
		{"min_price", &p.MinPrice, j.MinPrice},
		{"max_price", &p.MaxPrice, j.MaxPrice},
		{"tick_size", &p.TickSize, j.TickSize},
		{"min_qty", &p.MinQty, j.MinQty},
		{"max_qty_limit", &p.MaxQtyLimit, j.MaxQtyLimit},
		{"max_qty_market", &p.MaxQtyMarket, j.MaxQtyMarket},
		{"step_size", &p.StepSize, j.StepSize},
		{"mtb_long", &p.MTBLong, j.MTBLong},
		{"mtb_short", &p.MTBShort, j.MTBShort},
		{"initial_margin_req", &p.InitialMarginReq, j.InitialMarginReq},
		{"maintenance_margin_req", &p.MaintenanceMarginReq, j.MaintenanceMarginReq},
		{"max_funding_rate", &p.MaxFundingRate, j.MaxFundingRate},
		{"insurance_pool_share", &p.InsurancePoolShare, j.InsurancePoolShare},
		{"default_maker_fee", &p.DefaultMakerFee, j.DefaultMakerFee},
		{"default_taker_fee", &p.DefaultTakerFee, j.DefaultTakerFee},
		{"gas_surcharge", &p.GasSurcharge, j.GasSurcharge},
		{"gasless_threshold", &p.GaslessThreshold, j.GaslessThreshold},
	}
	for _, f := range fields {
		v, err := fp.FromDecimal(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	for i, s := range j.MaxAllowedOIOpen {
		if s == "" {
			p.MaxAllowedOIOpen = append(p.MaxAllowedOIOpen, nil)
			continue
		}
		v, err := fp.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("parse max_allowed_oi_open[%d]: %w", i, err)
		}
		p.MaxAllowedOIOpen = append(p.MaxAllowedOIOpen, v)
	}

	for i, s := range j.LiquidationWhitelist {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse liquidation_whitelist[%d]: %w", i, err)
		}
		p.LiquidationWhitelist[id] = true
	}

	for acct, fees := range j.FeeWhitelist {
		id, err := uuid.Parse(acct)
		if err != nil {
			return nil, fmt.Errorf("parse fee_whitelist key %q: %w", acct, err)
		}
		var o risk.FeeOverride
		if fees.MakerFee != "" {
			v, err := fp.FromDecimal(fees.MakerFee)
			if err != nil {
				return nil, fmt.Errorf("parse fee_whitelist[%s].maker_fee: %w", acct, err)
			}
			o.MakerFee = v
		}
		if fees.TakerFee != "" {
			v, err := fp.FromDecimal(fees.TakerFee)
			if err != nil {
				return nil, fmt.Errorf("parse fee_whitelist[%s].taker_fee: %w", acct, err)
			}
			o.TakerFee = v
		}
		p.FeeWhitelist[id] = o
	}

	return p, nil
}
