// Package core hosts the single-threaded settlement engine. All state
// mutation flows through the engine's settle and admin entry points; the
// engine never reads the wall clock, every timestamp is a versioned input.
package core

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpSettle/internal/funding"
	"PerpSettle/internal/ledger"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trade"
)

// TradeRequest is one trade inside a settlement batch. Exactly one of the
// three payloads is read, selected by the batch kind.
type TradeRequest struct {
	MakerOrder trade.Order
	TakerOrder trade.Order
	Fill       trade.Fill

	Liquidation *trade.LiquidationArgs
	Deleverage  *trade.DeleverageArgs
}

// Batch is the unit of settlement. Accounts lists every account the batch
// touches, in ascending uuid byte order; funding settles for all of them
// before any trade executes.
type Batch struct {
	BatchID     uuid.UUID
	Kind        trade.Kind
	Timestamp   int64    // unix seconds, versioned input
	OraclePrice *big.Int // nil means reuse the engine's last seen price
	Accounts    []uuid.UUID
	Trades      []TradeRequest
}

// Output is what a committed batch emits to the persistence and projection
// pipelines.
type Output struct {
	Batch     *Batch
	Journal   *ledger.Batch
	Results   []*trade.Result
	Sequence  int64
	StateHash [32]byte
	PrevHash  [32]byte
}

// Engine is the deterministic settlement core for one market.
type Engine struct {
	sequence   int64
	engineTime int64 // timestamp of the last committed operation

	params      *risk.MarketParams
	eval        *risk.Evaluator
	store       *state.Store
	oracle      *funding.Oracle
	tracker     *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	guards      Guards

	match       *trade.MatchTrader
	liquidation *trade.LiquidationTrader
	deleverage  *trade.DeleverageTrader

	lastOracle *big.Int

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func NewEngine(
	params *risk.MarketParams,
	guards Guards,
	dbChecker DBIdempotencyChecker,
	persistChan, projectionChan chan<- Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("market params: %w", err)
	}

	eval := risk.NewEvaluator(params)
	tracker := ledger.NewBalanceTracker()

	return &Engine{
		params:         params,
		eval:           eval,
		store:          state.NewStore(),
		oracle:         funding.NewOracle(params.MaxFundingRate, logger),
		tracker:        tracker,
		validator:      ledger.NewInvariantValidator(tracker),
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		guards:         guards,
		match:          trade.NewMatchTrader(eval),
		liquidation:    trade.NewLiquidationTrader(eval),
		deleverage:     trade.NewDeleverageTrader(eval),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// settleRun carries the per-batch working state: the staged journal, the
// trade results, pending collateral deltas for sufficiency checks, and the
// maker-to-liquidator mapping for funding shortfall coverage.
type settleRun struct {
	batch   *Batch
	ctx     *state.Context
	journal *ledger.Batch
	results []*trade.Result

	pending      map[uuid.UUID]*big.Int
	liquidatorOf map[uuid.UUID]uuid.UUID
	accounts     map[uuid.UUID]bool
}

// stageCollateral records a pending signed collateral delta, rejecting any
// debit the account's free collateral cannot cover.
func (r *settleRun) stageCollateral(tracker *ledger.BalanceTracker, account uuid.UUID, delta *big.Int) error {
	cur, ok := r.pending[account]
	if !ok {
		cur = fp.Zero()
	}
	next := fp.Add(cur, delta)
	if delta.Sign() < 0 {
		effective := fp.Add(tracker.UserCollateral(account), next)
		if effective.Sign() < 0 {
			return fmt.Errorf("insufficient collateral for %s: short by %s",
				account, fp.String(fp.Neg(effective)))
		}
	}
	r.pending[account] = next
	return nil
}

// SettleBatch runs the full settlement pipeline for one batch: guards,
// dedup, account validation, funding settlement, trade execution, ledger
// application, hash chain, emit. A batch either commits whole or leaves no
// trace.
func (e *Engine) SettleBatch(b *Batch) (*Output, error) {
	start := time.Now()
	kind := b.Kind.String()

	if !e.guards.TradingAllowed() {
		e.reject(kind, "trading_stopped")
		return nil, ErrTradingStopped
	}
	if len(b.Trades) == 0 {
		e.reject(kind, "empty")
		return nil, ErrEmptyBatch
	}
	if e.idempotency.IsDuplicate(b.BatchID) {
		if e.metrics != nil {
			e.metrics.DuplicateBatches.WithLabelValues("lru").Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBatch, b.BatchID)
	}
	if b.Timestamp < e.engineTime {
		e.reject(kind, "stale_timestamp")
		return nil, fmt.Errorf("%w: batch=%d engine=%d", ErrStaleTimestamp, b.Timestamp, e.engineTime)
	}
	if err := validateAccounts(b.Accounts); err != nil {
		e.reject(kind, "accounts")
		return nil, err
	}

	price := b.OraclePrice
	if price == nil {
		price = e.lastOracle
	}
	if price == nil {
		e.reject(kind, "no_price")
		return nil, ErrPriceUnavailable
	}
	if err := e.eval.VerifyPrice(price); err != nil {
		e.reject(kind, "price")
		return nil, fmt.Errorf("oracle price: %w", err)
	}

	cp := e.store.Checkpoint(b.Accounts)
	run := &settleRun{
		batch: b,
		journal: &ledger.Batch{
			BatchID:   b.BatchID,
			EventRef:  b.BatchID.String(),
			Sequence:  e.sequence,
			Timestamp: b.Timestamp,
		},
		pending:      make(map[uuid.UUID]*big.Int),
		liquidatorOf: liquidatorMap(b),
		accounts:     make(map[uuid.UUID]bool, len(b.Accounts)),
	}
	for _, a := range b.Accounts {
		run.accounts[a] = true
	}

	if err := e.settle(run, price); err != nil {
		e.store.Rollback(cp)
		e.reject(kind, "settle")
		return nil, err
	}

	if err := e.tracker.ApplyBatch(run.journal); err != nil {
		e.store.Rollback(cp)
		e.reject(kind, "journal")
		return nil, err
	}
	if err := e.validator.ValidateGlobalZero(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger conservation violated: %v", err))
	}

	out := e.commit(b, run)

	if e.metrics != nil {
		e.metrics.BatchesSettled.WithLabelValues(kind).Inc()
		e.metrics.TradesSettled.WithLabelValues(kind).Add(float64(len(b.Trades)))
		e.metrics.SettleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	e.logger.Info().
		Str("batch_id", b.BatchID.String()).
		Str("kind", kind).
		Int("trades", len(b.Trades)).
		Int64("sequence", out.Sequence).
		Msg("batch settled")

	return out, nil
}

// commit finalizes an applied batch: hash chain, sequence, emit, dedup.
func (e *Engine) commit(b *Batch, run *settleRun) *Output {
	digest := e.computeStateDigest(run.journal)
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, digest)

	out := &Output{
		Batch:     b,
		Journal:   run.journal,
		Results:   run.results,
		Sequence:  e.sequence,
		StateHash: hash,
		PrevHash:  prev,
	}

	e.sequence++
	e.engineTime = b.Timestamp
	e.lastOracle = run.ctx.OraclePrice

	e.emit(*out)
	e.idempotency.MarkProcessed(b.BatchID)
	return out
}

// emit sends an output downstream: blocking to persistence so nothing is
// lost, non-blocking to projections which can rebuild from the log.
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(kind, reason string) {
	if e.metrics != nil {
		e.metrics.BatchesRejected.WithLabelValues(kind, reason).Inc()
	}
}

// settle advances the funding index, settles funding for every batch
// account, then executes each trade.
func (e *Engine) settle(run *settleRun, price *big.Int) error {
	b := run.batch

	gi := e.store.GlobalIndex()
	gi.Advance(e.oracle.Rate(), price, b.Timestamp)
	e.store.SetGlobalIndex(gi)

	run.ctx = &state.Context{
		OraclePrice: price,
		FundingRate: e.oracle.Rate(),
		GlobalIndex: gi,
	}

	for _, acct := range b.Accounts {
		if err := e.settleFunding(run, acct); err != nil {
			return fmt.Errorf("funding for %s: %w", acct, err)
		}
	}

	run.results = make([]*trade.Result, 0, len(b.Trades))
	for i := range b.Trades {
		res, err := e.settleTrade(run, &b.Trades[i])
		if err != nil {
			return fmt.Errorf("trade %d: %w", i, err)
		}
		run.results = append(run.results, res)
	}
	return nil
}

// settleFunding applies the funding payment implied by the gap between an
// account's local index and the global index. Credits floor, debits round
// up. A debit the margin cannot cover is resolved by batch kind: ordinary
// batches fail, liquidation batches charge the liquidator, deleveraging
// batches absorb the shortfall into entry notional.
func (e *Engine) settleFunding(run *settleRun, account uuid.UUID) error {
	bal := e.store.Balance(account)
	local := e.store.LocalIndex(account)
	global := run.ctx.GlobalIndex

	// The local index always catches up, even for flat positions.
	defer e.store.SetLocalIndex(account, global)

	if bal.IsFlat() || local.Value.Cmp(global.Value) == 0 {
		return nil
	}

	var diff *big.Int
	if bal.IsLong {
		diff = fp.Sub(local.Value, global.Value)
	} else {
		diff = fp.Sub(global.Value, local.Value)
	}

	if diff.Sign() >= 0 {
		credit := fp.Mul(bal.Quantity, diff)
		bal.Margin = fp.Add(bal.Margin, credit)
	} else {
		owed := fp.MulRoundUp(bal.Quantity, fp.Neg(diff))
		if bal.Margin.Cmp(owed) >= 0 {
			bal.Margin = fp.Sub(bal.Margin, owed)
		} else {
			shortfall := fp.Sub(owed, bal.Margin)
			bal.Margin = fp.Zero()
			if err := e.coverShortfall(run, account, bal, shortfall); err != nil {
				return err
			}
		}
	}

	e.store.SetBalance(account, bal)
	if e.metrics != nil {
		e.metrics.FundingSettled.Inc()
	}
	return nil
}

// coverShortfall resolves a funding debit exceeding position margin.
func (e *Engine) coverShortfall(run *settleRun, account uuid.UUID, bal *state.PositionBalance, shortfall *big.Int) error {
	switch run.batch.Kind {
	case trade.KindLiquidation:
		liquidator, ok := run.liquidatorOf[account]
		if !ok {
			return fmt.Errorf("%w: no liquidator in batch for %s", ErrFundingShortfall, account)
		}
		if err := run.stageCollateral(e.tracker, liquidator, fp.Neg(shortfall)); err != nil {
			return err
		}
		run.journal.Add(ledger.JournalTypeFundingPayment,
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			ledger.NewUserKey(liquidator, ledger.SubTypeCollateral),
			shortfall)
		if e.metrics != nil {
			e.metrics.FundingShortfall.WithLabelValues("liquidator").Inc()
		}
		return nil

	case trade.KindDeleverage:
		// Absorbing into entry notional raises the bankruptcy price so
		// the deleveraging fill repays the missing funding.
		if bal.IsLong {
			bal.OIOpen = fp.Add(bal.OIOpen, shortfall)
		} else {
			bal.OIOpen = fp.Max(fp.Sub(bal.OIOpen, shortfall), fp.Zero())
		}
		if e.metrics != nil {
			e.metrics.FundingShortfall.WithLabelValues("absorbed").Inc()
		}
		return nil

	default:
		return fmt.Errorf("%w: account %s short by %s", ErrFundingShortfall,
			account, fp.String(shortfall))
	}
}

// settleTrade dispatches one trade to its trader, commits the replacement
// balances, stages the ledger legs, and runs post-trade risk checks.
func (e *Engine) settleTrade(run *settleRun, req *TradeRequest) (*trade.Result, error) {
	switch run.batch.Kind {
	case trade.KindOrderMatch:
		return e.settleMatch(run, req)
	case trade.KindLiquidation:
		return e.settleLiquidation(run, req)
	case trade.KindDeleverage:
		return e.settleDeleverage(run, req)
	default:
		return nil, fmt.Errorf("unknown trade kind: %v", run.batch.Kind)
	}
}

func (e *Engine) settleMatch(run *settleRun, req *TradeRequest) (*trade.Result, error) {
	makerAcct := req.MakerOrder.Account
	takerAcct := req.TakerOrder.Account
	if err := requireAccounts(run, makerAcct, takerAcct); err != nil {
		return nil, err
	}

	for _, ord := range []trade.Order{req.MakerOrder, req.TakerOrder} {
		filled := e.store.OrderFilled(ord.ID)
		if fp.Add(filled, req.Fill.Quantity).Cmp(ord.Quantity) > 0 {
			return nil, fmt.Errorf("%w: order %s", trade.ErrOrderOverfilled, ord.ID)
		}
	}

	maker := e.store.Balance(makerAcct)
	taker := e.store.Balance(takerAcct)
	preMaker := risk.TakeSnapshot(makerAcct, maker, run.ctx.OraclePrice)
	preTaker := risk.TakeSnapshot(takerAcct, taker, run.ctx.OraclePrice)

	res, err := e.match.Trade(run.ctx, maker, taker, req.MakerOrder, req.TakerOrder, req.Fill, run.batch.Timestamp)
	if err != nil {
		return nil, err
	}

	if err := e.applySide(run, makerAcct, res.Maker, res.MakerFlow, res.MakerFee, preMaker, false); err != nil {
		return nil, err
	}
	if err := e.applySide(run, takerAcct, res.Taker, res.TakerFlow, res.TakerFee, preTaker, false); err != nil {
		return nil, err
	}

	e.chargeSurcharge(run, req.MakerOrder, req.Fill, true)
	e.chargeSurcharge(run, req.TakerOrder, req.Fill, false)

	e.oracle.RecordTrade(req.Fill.Price, run.ctx.OraclePrice, run.batch.Timestamp)
	return res, nil
}

func (e *Engine) settleLiquidation(run *settleRun, req *TradeRequest) (*trade.Result, error) {
	args := req.Liquidation
	if args == nil {
		return nil, fmt.Errorf("liquidation batch with no liquidation args")
	}
	if err := requireAccounts(run, args.Maker, args.Taker); err != nil {
		return nil, err
	}

	maker := e.store.Balance(args.Maker)
	taker := e.store.Balance(args.Taker)
	preMaker := risk.TakeSnapshot(args.Maker, maker, run.ctx.OraclePrice)
	preTaker := risk.TakeSnapshot(args.Taker, taker, run.ctx.OraclePrice)

	res, err := e.liquidation.Trade(run.ctx, maker, taker, *args)
	if err != nil {
		return nil, err
	}

	if err := e.applySide(run, args.Maker, res.Maker, res.MakerFlow, res.MakerFee, preMaker, true); err != nil {
		return nil, err
	}
	if err := e.applySide(run, args.Taker, res.Taker, res.TakerFlow, res.TakerFee, preTaker, true); err != nil {
		return nil, err
	}

	// Premium legs. A negative taker premium means the oracle overshot
	// bankruptcy and the liquidator covers the gap from collateral.
	if res.PremiumToPool.Sign() > 0 {
		run.journal.Add(ledger.JournalTypeInsuranceContribution,
			ledger.NewSystemKey(ledger.SubTypeInsurancePool),
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			res.PremiumToPool)
	}
	switch res.PremiumToTaker.Sign() {
	case 1:
		if err := run.stageCollateral(e.tracker, args.Taker, res.PremiumToTaker); err != nil {
			return nil, err
		}
		run.journal.Add(ledger.JournalTypeLiquidationPremium,
			ledger.NewUserKey(args.Taker, ledger.SubTypeCollateral),
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			res.PremiumToTaker)
	case -1:
		owed := fp.Neg(res.PremiumToTaker)
		if err := run.stageCollateral(e.tracker, args.Taker, res.PremiumToTaker); err != nil {
			return nil, err
		}
		run.journal.Add(ledger.JournalTypeLiquidationPremium,
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			ledger.NewUserKey(args.Taker, ledger.SubTypeCollateral),
			owed)
	}

	if e.metrics != nil {
		e.metrics.LiquidationsSettled.Inc()
	}
	return res, nil
}

func (e *Engine) settleDeleverage(run *settleRun, req *TradeRequest) (*trade.Result, error) {
	args := req.Deleverage
	if args == nil {
		return nil, fmt.Errorf("deleveraging batch with no deleverage args")
	}
	if err := requireAccounts(run, args.Maker, args.Taker); err != nil {
		return nil, err
	}

	maker := e.store.Balance(args.Maker)
	taker := e.store.Balance(args.Taker)
	preMaker := risk.TakeSnapshot(args.Maker, maker, run.ctx.OraclePrice)
	preTaker := risk.TakeSnapshot(args.Taker, taker, run.ctx.OraclePrice)

	res, err := e.deleverage.Trade(run.ctx, maker, taker, *args)
	if err != nil {
		return nil, err
	}

	if err := e.applySide(run, args.Maker, res.Maker, res.MakerFlow, res.MakerFee, preMaker, true); err != nil {
		return nil, err
	}
	if err := e.applySide(run, args.Taker, res.Taker, res.TakerFlow, res.TakerFee, preTaker, true); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.DeleveragingsSettled.Inc()
	}
	return res, nil
}

// applySide commits one side's replacement balance, stages its collateral
// movement and ledger legs, and runs the post-trade risk check.
func (e *Engine) applySide(run *settleRun, account uuid.UUID, nb *state.PositionBalance, flow, fee *big.Int, pre risk.Snapshot, forced bool) error {
	switch flow.Sign() {
	case 1:
		if err := run.stageCollateral(e.tracker, account, fp.Neg(flow)); err != nil {
			return err
		}
		run.journal.Add(ledger.JournalTypeMarginPost,
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			ledger.NewUserKey(account, ledger.SubTypeCollateral),
			flow)
	case -1:
		out := fp.Neg(flow)
		if err := run.stageCollateral(e.tracker, account, out); err != nil {
			return err
		}
		run.journal.Add(ledger.JournalTypeMarginRelease,
			ledger.NewUserKey(account, ledger.SubTypeCollateral),
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			out)
	}
	if fee != nil && fee.Sign() > 0 {
		run.journal.Add(ledger.JournalTypeTradeFee,
			ledger.NewSystemKey(ledger.SubTypeFeePool),
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			fee)
	}

	if err := e.eval.VerifyPostTrade(pre, nb, run.ctx.OraclePrice, forced); err != nil {
		if e.metrics != nil {
			e.metrics.PostTradeRejections.WithLabelValues("post_check").Inc()
		}
		return fmt.Errorf("account %s: %w", account, err)
	}

	e.store.SetBalance(account, nb)
	return nil
}

// chargeSurcharge applies the one-time network surcharge on an order's
// first fill. Maker orders under the gasless threshold are exempt.
func (e *Engine) chargeSurcharge(run *settleRun, ord trade.Order, fill trade.Fill, isMaker bool) {
	first := e.store.RecordOrderFill(ord.ID, fill.Quantity)
	if !first || e.store.SurchargePaid(ord.ID) {
		return
	}
	if e.params.GasSurcharge.Sign() <= 0 {
		return
	}
	if isMaker {
		notional := fp.Mul(ord.Quantity, ord.Price)
		if notional.Cmp(e.params.GaslessThreshold) < 0 {
			return
		}
	}
	// Best effort: an account that cannot cover the surcharge still
	// settles the trade, matching the non-custodial gas model.
	if err := run.stageCollateral(e.tracker, ord.Account, fp.Neg(e.params.GasSurcharge)); err != nil {
		return
	}
	run.journal.Add(ledger.JournalTypeGasSurcharge,
		ledger.NewSystemKey(ledger.SubTypeFeePool),
		ledger.NewUserKey(ord.Account, ledger.SubTypeCollateral),
		e.params.GasSurcharge)
	e.store.MarkSurchargePaid(ord.ID)
}

// computeStateDigest builds canonical bytes over the accounts a journal
// touched, for the state hash chain.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	touched := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		touched[j.DebitAccount] = true
		touched[j.CreditAccount] = true
	}

	keys := make([]ledger.AccountKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sortAccountKeys(keys)

	digest := make([]byte, 0, len(keys)*64)
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		bal := e.tracker.GetBalance(key)
		raw := bal.Bytes()
		digest = append(digest, byte(bal.Sign()+1))
		digest = append(digest, byte(len(raw)))
		digest = append(digest, raw...)
	}
	return digest
}

func sortAccountKeys(keys []ledger.AccountKey) {
	// Insertion sort on AccountPath; journals touch a handful of accounts.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].AccountPath() < keys[j-1].AccountPath(); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

// validateAccounts enforces ascending uuid byte order with no duplicates,
// which makes funding settlement order deterministic.
func validateAccounts(accounts []uuid.UUID) error {
	for i := 1; i < len(accounts); i++ {
		switch bytes.Compare(accounts[i-1][:], accounts[i][:]) {
		case 0:
			return fmt.Errorf("%w: %s", ErrAccountsDuplicate, accounts[i])
		case 1:
			return fmt.Errorf("%w: %s before %s", ErrAccountsUnsorted, accounts[i-1], accounts[i])
		}
	}
	return nil
}

func requireAccounts(run *settleRun, accounts ...uuid.UUID) error {
	for _, a := range accounts {
		if !run.accounts[a] {
			return fmt.Errorf("%w: %s", ErrAccountMissing, a)
		}
	}
	return nil
}

// liquidatorMap pairs each liquidated maker with its liquidator so funding
// shortfalls can be charged to the right account.
func liquidatorMap(b *Batch) map[uuid.UUID]uuid.UUID {
	if b.Kind != trade.KindLiquidation {
		return nil
	}
	m := make(map[uuid.UUID]uuid.UUID, len(b.Trades))
	for i := range b.Trades {
		if args := b.Trades[i].Liquidation; args != nil {
			m[args.Maker] = args.Taker
		}
	}
	return m
}

// --- queries ---

func (e *Engine) Sequence() int64 {
	return e.sequence
}

func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

func (e *Engine) Params() *risk.MarketParams {
	return e.params
}

func (e *Engine) Oracle() *funding.Oracle {
	return e.oracle
}

// AccountBalance returns copies of an account's position, local funding
// index and free collateral.
func (e *Engine) AccountBalance(account uuid.UUID) (*state.PositionBalance, *state.FundingIndex, *big.Int) {
	return e.store.Balance(account), e.store.LocalIndex(account), e.tracker.UserCollateral(account)
}

// OraclePrice returns the last oracle price a committed batch carried, or
// nil before the first priced batch.
func (e *Engine) OraclePrice() *big.Int {
	if e.lastOracle == nil {
		return nil
	}
	return new(big.Int).Set(e.lastOracle)
}

// GlobalFundingIndex returns a copy of the global funding index.
func (e *Engine) GlobalFundingIndex() *state.FundingIndex {
	return e.store.GlobalIndex()
}

// InsurancePoolBalance returns the insurance pool's ledger balance.
func (e *Engine) InsurancePoolBalance() *big.Int {
	return e.tracker.GetBalance(ledger.NewSystemKey(ledger.SubTypeInsurancePool))
}

// LedgerSnapshot exposes a copy of all ledger balances for projections.
func (e *Engine) LedgerSnapshot() map[ledger.AccountKey]*big.Int {
	return e.tracker.Snapshot()
}

// Accounts lists every account with an open position.
func (e *Engine) Accounts() []uuid.UUID {
	return e.store.Accounts()
}

// WarmIdempotency preloads the dedup LRU with recently settled batch IDs
// so a restart does not pay a DB lookup per redelivered message.
func (e *Engine) WarmIdempotency(batchIDs []string) {
	e.idempotency.Warm(batchIDs)
	if e.metrics != nil {
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
	}
}
