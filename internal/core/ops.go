package core

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PerpSettle/internal/funding"
	"PerpSettle/internal/ledger"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trade"
)

// Collateral and margin operations. Each takes an opID for idempotency and
// a versioned timestamp, and commits through the same journal, hash chain
// and emit path as settlement batches.

// Deposit credits an account's free collateral from the external bridge.
func (e *Engine) Deposit(opID, account uuid.UUID, amount *big.Int, now int64) (*Output, error) {
	if err := e.checkOp(opID, amount, now); err != nil {
		return nil, err
	}

	jb := e.newJournalBatch(opID, now)
	jb.Add(ledger.JournalTypeDeposit,
		ledger.NewUserKey(account, ledger.SubTypeCollateral),
		ledger.NewExternalKey(ledger.SubTypeExternalDeposits),
		amount)

	out, err := e.commitJournal(jb, now)
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("account", account.String()).
		Str("amount", fp.String(amount)).
		Msg("deposit")
	return out, nil
}

// Withdraw debits free collateral to the external bridge. Position margin
// is untouchable through this path.
func (e *Engine) Withdraw(opID, account uuid.UUID, amount *big.Int, now int64) (*Output, error) {
	if !e.guards.WithdrawalsAllowed() {
		return nil, ErrWithdrawalsStopped
	}
	if err := e.checkOp(opID, amount, now); err != nil {
		return nil, err
	}
	if err := e.tracker.ValidateSufficientCollateral(account, amount); err != nil {
		return nil, err
	}

	jb := e.newJournalBatch(opID, now)
	jb.Add(ledger.JournalTypeWithdrawal,
		ledger.NewExternalKey(ledger.SubTypeExternalWithdrawals),
		ledger.NewUserKey(account, ledger.SubTypeCollateral),
		amount)

	out, err := e.commitJournal(jb, now)
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("account", account.String()).
		Str("amount", fp.String(amount)).
		Msg("withdrawal")
	return out, nil
}

// AddMargin moves free collateral into an open position's margin. Funding
// settles first so the topped-up margin reflects the position's true state.
func (e *Engine) AddMargin(opID, account uuid.UUID, amount *big.Int, now int64) (*Output, error) {
	if err := e.checkOp(opID, amount, now); err != nil {
		return nil, err
	}
	if err := e.tracker.ValidateSufficientCollateral(account, amount); err != nil {
		return nil, err
	}

	jb := e.newJournalBatch(opID, now)
	return e.marginOp(account, jb, now, func(bal *state.PositionBalance) error {
		bal.Margin = fp.Add(bal.Margin, amount)
		jb.Add(ledger.JournalTypeMarginPost,
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			ledger.NewUserKey(account, ledger.SubTypeCollateral),
			amount)
		return nil
	})
}

// RemoveMargin releases position margin back to free collateral, as long
// as the position stays at or above initial margin.
func (e *Engine) RemoveMargin(opID, account uuid.UUID, amount *big.Int, now int64) (*Output, error) {
	if err := e.checkOp(opID, amount, now); err != nil {
		return nil, err
	}

	jb := e.newJournalBatch(opID, now)
	return e.marginOp(account, jb, now, func(bal *state.PositionBalance) error {
		if bal.Margin.Cmp(amount) < 0 {
			return fmt.Errorf("%w: margin %s below requested %s",
				ErrInvalidAmount, fp.String(bal.Margin), fp.String(amount))
		}
		bal.Margin = fp.Sub(bal.Margin, amount)
		if bal.MarginRatio(e.lastOracle).Cmp(e.params.InitialMarginReq) < 0 {
			return ErrBelowInitialMargin
		}
		jb.Add(ledger.JournalTypeMarginRelease,
			ledger.NewUserKey(account, ledger.SubTypeCollateral),
			ledger.NewSystemKey(ledger.SubTypeMarginBank),
			amount)
		return nil
	})
}

// AdjustLeverage re-targets an open position's margin to OIOpen times the
// new margin-per-notional ratio, posting or releasing the difference.
func (e *Engine) AdjustLeverage(opID, account uuid.UUID, leverage *big.Int, now int64) (*Output, error) {
	if err := e.checkOp(opID, leverage, now); err != nil {
		return nil, err
	}
	mro := fp.Div(fp.Base, leverage)

	jb := e.newJournalBatch(opID, now)
	return e.marginOp(account, jb, now, func(bal *state.PositionBalance) error {
		target := fp.Mul(bal.OIOpen, mro)
		delta := fp.Sub(target, bal.Margin)

		bal.MRO = mro
		bal.Margin = target
		if bal.MarginRatio(e.lastOracle).Cmp(e.params.InitialMarginReq) < 0 {
			return ErrBelowInitialMargin
		}

		switch delta.Sign() {
		case 1:
			if err := e.tracker.ValidateSufficientCollateral(account, delta); err != nil {
				return err
			}
			jb.Add(ledger.JournalTypeMarginPost,
				ledger.NewSystemKey(ledger.SubTypeMarginBank),
				ledger.NewUserKey(account, ledger.SubTypeCollateral),
				delta)
		case -1:
			jb.Add(ledger.JournalTypeMarginRelease,
				ledger.NewUserKey(account, ledger.SubTypeCollateral),
				ledger.NewSystemKey(ledger.SubTypeMarginBank),
				fp.Neg(delta))
		}
		return nil
	})
}

// marginOp is the shared skeleton for margin mutations: checkpoint, settle
// funding at the last oracle price, apply the mutation, commit or roll back.
func (e *Engine) marginOp(account uuid.UUID, jb *ledger.Batch, now int64, mutate func(*state.PositionBalance) error) (*Output, error) {
	if e.lastOracle == nil {
		return nil, ErrPriceUnavailable
	}

	cp := e.store.Checkpoint([]uuid.UUID{account})

	gi := e.store.GlobalIndex()
	gi.Advance(e.oracle.Rate(), e.lastOracle, now)
	e.store.SetGlobalIndex(gi)

	run := &settleRun{
		batch:   &Batch{Kind: trade.KindOrderMatch, Timestamp: now},
		journal: jb,
		pending: make(map[uuid.UUID]*big.Int),
	}
	run.ctx = &state.Context{
		OraclePrice: e.lastOracle,
		FundingRate: e.oracle.Rate(),
		GlobalIndex: gi,
	}

	if err := e.settleFunding(run, account); err != nil {
		e.store.Rollback(cp)
		return nil, err
	}

	bal := e.store.Balance(account)
	if bal.IsFlat() {
		e.store.Rollback(cp)
		return nil, ErrNoPosition
	}
	if err := mutate(bal); err != nil {
		e.store.Rollback(cp)
		return nil, err
	}
	e.store.SetBalance(account, bal)

	out, err := e.commitJournal(jb, now)
	if err != nil {
		e.store.Rollback(cp)
		return nil, err
	}
	return out, nil
}

// checkOp applies the validations shared by every non-batch operation.
func (e *Engine) checkOp(opID uuid.UUID, amount *big.Int, now int64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if now < e.engineTime {
		return fmt.Errorf("%w: op=%d engine=%d", ErrStaleTimestamp, now, e.engineTime)
	}
	if e.idempotency.IsDuplicate(opID) {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, opID)
	}
	return nil
}

func (e *Engine) newJournalBatch(opID uuid.UUID, now int64) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   opID,
		EventRef:  opID.String(),
		Sequence:  e.sequence,
		Timestamp: now,
	}
}

// commitJournal applies a journal batch and advances the hash chain,
// sequence and downstream pipelines. Shared by batch settlement and the
// standalone operations.
func (e *Engine) commitJournal(jb *ledger.Batch, now int64) (*Output, error) {
	if err := e.tracker.ApplyBatch(jb); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateGlobalZero(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger conservation violated: %v", err))
	}

	digest := e.computeStateDigest(jb)
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, digest)

	out := &Output{
		Journal:   jb,
		Sequence:  e.sequence,
		StateHash: hash,
		PrevHash:  prev,
	}

	e.sequence++
	e.engineTime = now

	e.emit(*out)
	e.idempotency.MarkProcessed(jb.BatchID)
	return out, nil
}

// --- admin operations ---

func (e *Engine) requireAdmin(caller uuid.UUID) error {
	if !e.guards.IsAdmin(caller) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller)
	}
	return nil
}

// StopTrading halts batch settlement. Withdrawals stay open.
func (e *Engine) StopTrading(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guards.SetTrading(false)
	e.logger.Warn().Str("caller", caller.String()).Msg("trading stopped")
	return nil
}

func (e *Engine) StartTrading(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guards.SetTrading(true)
	e.logger.Info().Str("caller", caller.String()).Msg("trading started")
	return nil
}

// StopWithdrawals freezes the external bridge exit path.
func (e *Engine) StopWithdrawals(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guards.SetWithdrawals(false)
	e.logger.Warn().Str("caller", caller.String()).Msg("withdrawals stopped")
	return nil
}

func (e *Engine) StartWithdrawals(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guards.SetWithdrawals(true)
	e.logger.Info().Str("caller", caller.String()).Msg("withdrawals started")
	return nil
}

// StartFunding begins funding accrual at the given versioned time.
func (e *Engine) StartFunding(caller uuid.UUID, now int64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.oracle.Start(now)
	return nil
}

func (e *Engine) StopFunding(caller uuid.UUID, now int64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.oracle.Stop(now)
	return nil
}

// SetFundingMode toggles between on-chain derivation and off-chain
// injection of the funding rate.
func (e *Engine) SetFundingMode(caller uuid.UUID, mode funding.Mode) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.oracle.SetMode(mode)
	return nil
}

// SetOffChainRate injects a per-second funding rate while off-chain mode
// is active.
func (e *Engine) SetOffChainRate(caller uuid.UUID, rate *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.oracle.SetOffChainRate(rate); err != nil {
		return err
	}
	if e.metrics != nil {
		rf, _ := new(big.Float).SetInt(rate).Float64()
		e.metrics.FundingRate.Set(rf / 1e18)
	}
	return nil
}

// ComputeFundingRate finalizes the elapsed funding window into a new
// per-second rate.
func (e *Engine) ComputeFundingRate(caller uuid.UUID, now int64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.oracle.ComputeRate(now); err != nil {
		return err
	}
	if e.metrics != nil {
		rf, _ := new(big.Float).SetInt(e.oracle.Rate()).Float64()
		e.metrics.FundingRate.Set(rf / 1e18)
	}
	return nil
}

// UpdateParams swaps in a new parameter set after validation. The evaluator
// and traders read through the shared pointer, so updating in place keeps
// every component consistent.
func (e *Engine) UpdateParams(caller uuid.UUID, params *risk.MarketParams) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("market params: %w", err)
	}
	*e.params = *params
	e.logger.Info().Str("symbol", params.Symbol).Msg("market parameters updated")
	return nil
}
