package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PerpSettle/internal/core"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/trade"
)

// Event is a typed inbound message ready for the engine loop.
type Event interface {
	isEvent()
}

// SettleRequest carries a parsed settlement batch.
type SettleRequest struct {
	Batch *core.Batch
}

// PriceUpdate is an oracle price observation. The engine loop caches the
// latest one and attaches it to batches that arrive without a price.
type PriceUpdate struct {
	Price     *big.Int
	Timestamp int64
}

// OffChainRate injects an externally computed funding rate.
type OffChainRate struct {
	Caller uuid.UUID
	Rate   *big.Int
}

func (SettleRequest) isEvent() {}
func (PriceUpdate) isEvent() {}
func (OffChainRate) isEvent() {}

// ParseRawEvent converts a RawEvent into its typed form. All amounts on the
// wire are decimal strings and parse into Base-scaled values.
func ParseRawEvent(raw RawEvent) (Event, error) {
	switch raw.EventType {
	case "SettleBatch":
		return parseSettleBatch(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "OffChainRate":
		return parseOffChainRate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", raw.EventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type orderJSON struct {
	OrderID    string `json:"order_id"`
	Account    string `json:"account"`
	IsBuy      bool   `json:"is_buy"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Leverage   string `json:"leverage"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
	IsMarket   bool   `json:"is_market,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
}

type fillJSON struct {
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

type liquidationJSON struct {
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	Quantity     string `json:"quantity"`
	Leverage     string `json:"leverage"`
	AllOrNothing bool   `json:"all_or_nothing,omitempty"`
}

type deleverageJSON struct {
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	Quantity     string `json:"quantity"`
	AllOrNothing bool   `json:"all_or_nothing,omitempty"`
}

type tradeRequestJSON struct {
	MakerOrder  *orderJSON       `json:"maker_order,omitempty"`
	TakerOrder  *orderJSON       `json:"taker_order,omitempty"`
	Fill        *fillJSON        `json:"fill,omitempty"`
	Liquidation *liquidationJSON `json:"liquidation,omitempty"`
	Deleverage  *deleverageJSON  `json:"deleverage,omitempty"`
}

type settleBatchJSON struct {
	BatchID     string             `json:"batch_id"`
	Kind        string             `json:"kind"`
	Timestamp   int64              `json:"ts"`
	OraclePrice string             `json:"oracle_price,omitempty"`
	Accounts    []string           `json:"accounts"`
	Trades      []tradeRequestJSON `json:"trades"`
}

func parseSettleBatch(data []byte) (SettleRequest, error) {
	var j settleBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return SettleRequest{}, fmt.Errorf("parse SettleBatch: %w", err)
	}

	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return SettleRequest{}, fmt.Errorf("parse batch_id: %w", err)
	}

	kind, err := parseKind(j.Kind)
	if err != nil {
		return SettleRequest{}, err
	}

	var oracle *big.Int
	if j.OraclePrice != "" {
		oracle, err = fp.FromDecimal(j.OraclePrice)
		if err != nil {
			return SettleRequest{}, fmt.Errorf("parse oracle_price: %w", err)
		}
	}

	accounts := make([]uuid.UUID, 0, len(j.Accounts))
	for i, a := range j.Accounts {
		id, err := uuid.Parse(a)
		if err != nil {
			return SettleRequest{}, fmt.Errorf("parse accounts[%d]: %w", i, err)
		}
		accounts = append(accounts, id)
	}

	trades := make([]core.TradeRequest, 0, len(j.Trades))
	for i, tr := range j.Trades {
		req, err := parseTradeRequest(kind, tr)
		if err != nil {
			return SettleRequest{}, fmt.Errorf("parse trades[%d]: %w", i, err)
		}
		trades = append(trades, req)
	}

	return SettleRequest{Batch: &core.Batch{
		BatchID:     batchID,
		Kind:        kind,
		Timestamp:   j.Timestamp,
		OraclePrice: oracle,
		Accounts:    accounts,
		Trades:      trades,
	}}, nil
}

func parseTradeRequest(kind trade.Kind, j tradeRequestJSON) (core.TradeRequest, error) {
	var req core.TradeRequest

	switch kind {
	case trade.KindOrderMatch:
		if j.MakerOrder == nil || j.TakerOrder == nil || j.Fill == nil {
			return req, fmt.Errorf("order match trade needs maker_order, taker_order and fill")
		}
		maker, err := parseOrder(*j.MakerOrder)
		if err != nil {
			return req, fmt.Errorf("parse maker_order: %w", err)
		}
		taker, err := parseOrder(*j.TakerOrder)
		if err != nil {
			return req, fmt.Errorf("parse taker_order: %w", err)
		}
		fill, err := parseFill(*j.Fill)
		if err != nil {
			return req, fmt.Errorf("parse fill: %w", err)
		}
		req.MakerOrder = maker
		req.TakerOrder = taker
		req.Fill = fill

	case trade.KindLiquidation:
		if j.Liquidation == nil {
			return req, fmt.Errorf("liquidation trade needs liquidation args")
		}
		args, err := parseLiquidation(*j.Liquidation)
		if err != nil {
			return req, err
		}
		req.Liquidation = args

	case trade.KindDeleverage:
		if j.Deleverage == nil {
			return req, fmt.Errorf("deleverage trade needs deleverage args")
		}
		args, err := parseDeleverage(*j.Deleverage)
		if err != nil {
			return req, err
		}
		req.Deleverage = args
	}

	return req, nil
}

func parseOrder(j orderJSON) (trade.Order, error) {
	var o trade.Order

	id, err := uuid.Parse(j.OrderID)
	if err != nil {
		return o, fmt.Errorf("parse order_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return o, fmt.Errorf("parse account: %w", err)
	}
	price, err := fp.FromDecimal(j.Price)
	if err != nil {
		return o, fmt.Errorf("parse price: %w", err)
	}
	qty, err := fp.FromDecimal(j.Quantity)
	if err != nil {
		return o, fmt.Errorf("parse quantity: %w", err)
	}
	leverage, err := fp.FromDecimal(j.Leverage)
	if err != nil {
		return o, fmt.Errorf("parse leverage: %w", err)
	}

	return trade.Order{
		ID:         id,
		Account:    account,
		IsBuy:      j.IsBuy,
		Price:      price,
		Quantity:   qty,
		Leverage:   leverage,
		ReduceOnly: j.ReduceOnly,
		IsMarket:   j.IsMarket,
		Expiration: j.Expiration,
	}, nil
}

func parseFill(j fillJSON) (trade.Fill, error) {
	qty, err := fp.FromDecimal(j.Quantity)
	if err != nil {
		return trade.Fill{}, fmt.Errorf("parse quantity: %w", err)
	}
	price, err := fp.FromDecimal(j.Price)
	if err != nil {
		return trade.Fill{}, fmt.Errorf("parse price: %w", err)
	}
	return trade.Fill{Quantity: qty, Price: price}, nil
}

func parseLiquidation(j liquidationJSON) (*trade.LiquidationArgs, error) {
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	taker, err := uuid.Parse(j.Taker)
	if err != nil {
		return nil, fmt.Errorf("parse taker: %w", err)
	}
	qty, err := fp.FromDecimal(j.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	leverage, err := fp.FromDecimal(j.Leverage)
	if err != nil {
		return nil, fmt.Errorf("parse leverage: %w", err)
	}
	return &trade.LiquidationArgs{
		Maker:        maker,
		Taker:        taker,
		Quantity:     qty,
		Leverage:     leverage,
		AllOrNothing: j.AllOrNothing,
	}, nil
}

func parseDeleverage(j deleverageJSON) (*trade.DeleverageArgs, error) {
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	taker, err := uuid.Parse(j.Taker)
	if err != nil {
		return nil, fmt.Errorf("parse taker: %w", err)
	}
	qty, err := fp.FromDecimal(j.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	return &trade.DeleverageArgs{
		Maker:        maker,
		Taker:        taker,
		Quantity:     qty,
		AllOrNothing: j.AllOrNothing,
	}, nil
}

func parseKind(s string) (trade.Kind, error) {
	switch s {
	case "order_match":
		return trade.KindOrderMatch, nil
	case "liquidation":
		return trade.KindLiquidation, nil
	case "deleverage":
		return trade.KindDeleverage, nil
	default:
		return trade.KindUnknown, fmt.Errorf("unknown batch kind: %q", s)
	}
}

type priceUpdateJSON struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"ts"`
}

func parsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := fp.FromDecimal(j.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	if price.Sign() <= 0 {
		return PriceUpdate{}, fmt.Errorf("price must be positive, got %s", j.Price)
	}
	return PriceUpdate{Price: price, Timestamp: j.Timestamp}, nil
}

type offChainRateJSON struct {
	Caller string `json:"caller"`
	Rate   string `json:"rate"`
}

func parseOffChainRate(data []byte) (OffChainRate, error) {
	var j offChainRateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return OffChainRate{}, fmt.Errorf("parse OffChainRate: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return OffChainRate{}, fmt.Errorf("parse caller: %w", err)
	}
	rate, err := fp.FromDecimal(j.Rate)
	if err != nil {
		return OffChainRate{}, fmt.Errorf("parse rate: %w", err)
	}
	return OffChainRate{Caller: caller, Rate: rate}, nil
}
