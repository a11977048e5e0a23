package risk

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
)

// FeeOverride carries whitelisted maker/taker fee rates for an account.
type FeeOverride struct {
	MakerFee *big.Int
	TakerFee *big.Int
}

// MarketParams is the full risk configuration for the single tradable
// market. All Base-scaled unless noted.
type MarketParams struct {
	Symbol string

	MinPrice *big.Int
	MaxPrice *big.Int
	TickSize *big.Int

	MinQty       *big.Int
	MaxQtyLimit  *big.Int // cap for limit orders
	MaxQtyMarket *big.Int // cap for market orders
	StepSize     *big.Int

	// Market take bound: a taker buy must fill at or below
	// oracle*(1+MTBLong); a taker sell at or above oracle*(1-MTBShort).
	MTBLong  *big.Int
	MTBShort *big.Int

	InitialMarginReq     *big.Int // margin ratio threshold for new exposure
	MaintenanceMarginReq *big.Int // threshold below which liquidation is legal

	MaxFundingRate *big.Int // hourly funding rate cap

	InsurancePoolShare *big.Int // fraction of liquidation premium to the pool
	DefaultMakerFee    *big.Int // fraction of notional
	DefaultTakerFee    *big.Int // fraction of notional
	GasSurcharge       *big.Int // one-time network surcharge on an order's first fill
	GaslessThreshold   *big.Int // maker notional below which surcharge is waived

	// MaxAllowedOIOpen maps whole-number leverage to the maximum permitted
	// open interest at that leverage. Index 0 is unused; a zero (or absent)
	// cap means unbounded.
	MaxAllowedOIOpen []*big.Int

	// Accounts that can never be liquidated.
	LiquidationWhitelist map[uuid.UUID]bool

	// Accounts with custom fees.
	FeeWhitelist map[uuid.UUID]FeeOverride
}

// DefaultParams returns the development configuration. Production params
// arrive via the admin surface.
func DefaultParams(symbol string) *MarketParams {
	return &MarketParams{
		Symbol:               symbol,
		MinPrice:             fp.MustFromDecimal("0.01"),
		MaxPrice:             fp.FromInt(1_000_000),
		TickSize:             fp.MustFromDecimal("0.01"),
		MinQty:               fp.MustFromDecimal("0.001"),
		MaxQtyLimit:          fp.FromInt(100_000),
		MaxQtyMarket:         fp.FromInt(10_000),
		StepSize:             fp.MustFromDecimal("0.001"),
		MTBLong:              fp.MustFromDecimal("0.2"),
		MTBShort:             fp.MustFromDecimal("0.2"),
		InitialMarginReq:     fp.MustFromDecimal("0.1"),
		MaintenanceMarginReq: fp.MustFromDecimal("0.05"),
		MaxFundingRate:       fp.MustFromDecimal("0.001"),
		InsurancePoolShare:   fp.MustFromDecimal("0.3"),
		DefaultMakerFee:      fp.Zero(),
		DefaultTakerFee:      fp.Zero(),
		GasSurcharge:         fp.Zero(),
		GaslessThreshold:     fp.FromInt(100),
		MaxAllowedOIOpen: []*big.Int{
			nil,
			fp.FromInt(5_000_000),
			fp.FromInt(2_500_000),
			fp.FromInt(1_000_000),
			fp.FromInt(1_000_000),
			fp.FromInt(500_000),
		},
		LiquidationWhitelist: make(map[uuid.UUID]bool),
		FeeWhitelist:         make(map[uuid.UUID]FeeOverride),
	}
}

// Validate rejects configurations the engine cannot run with.
func (p *MarketParams) Validate() error {
	if p.TickSize.Sign() <= 0 {
		return fmt.Errorf("tick size must be > 0, got %s", fp.String(p.TickSize))
	}
	if p.StepSize.Sign() <= 0 {
		return fmt.Errorf("step size must be > 0, got %s", fp.String(p.StepSize))
	}
	if p.MinPrice.Sign() <= 0 || p.MinPrice.Cmp(p.MaxPrice) >= 0 {
		return fmt.Errorf("price bounds invalid: min=%s max=%s",
			fp.String(p.MinPrice), fp.String(p.MaxPrice))
	}
	if p.MaintenanceMarginReq.Sign() <= 0 {
		return fmt.Errorf("maintenance margin must be > 0, got %s",
			fp.String(p.MaintenanceMarginReq))
	}
	if p.InitialMarginReq.Cmp(p.MaintenanceMarginReq) <= 0 {
		return fmt.Errorf("initial margin (%s) must exceed maintenance margin (%s)",
			fp.String(p.InitialMarginReq), fp.String(p.MaintenanceMarginReq))
	}
	if p.InsurancePoolShare.Sign() < 0 || p.InsurancePoolShare.Cmp(fp.Base) > 0 {
		return fmt.Errorf("insurance pool share out of [0,1]: %s",
			fp.String(p.InsurancePoolShare))
	}
	return nil
}

// MakerFee returns the maker fee rate for an account, honouring the fee
// whitelist.
func (p *MarketParams) MakerFee(account uuid.UUID) *big.Int {
	if o, ok := p.FeeWhitelist[account]; ok && o.MakerFee != nil {
		return o.MakerFee
	}
	return p.DefaultMakerFee
}

// TakerFee returns the taker fee rate for an account.
func (p *MarketParams) TakerFee(account uuid.UUID) *big.Int {
	if o, ok := p.FeeWhitelist[account]; ok && o.TakerFee != nil {
		return o.TakerFee
	}
	return p.DefaultTakerFee
}
