// Package query serves read-only views over the live engine state and the
// persisted settlement history. Live reads share a lock with the engine
// loop; history reads go to Postgres.
package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"

	"PerpSettle/internal/funding"
	"PerpSettle/internal/ledger"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
)

// StateReader is the read surface of the settlement engine.
type StateReader interface {
	Sequence() int64
	StateHash() [32]byte
	Params() *risk.MarketParams
	Oracle() *funding.Oracle
	OraclePrice() *big.Int
	AccountBalance(account uuid.UUID) (*state.PositionBalance, *state.FundingIndex, *big.Int)
	GlobalFundingIndex() *state.FundingIndex
	InsurancePoolBalance() *big.Int
	LedgerSnapshot() map[ledger.AccountKey]*big.Int
	Accounts() []uuid.UUID
}

var ErrNoHistory = errors.New("history store not configured")

// Service answers queries against the engine and the history database.
// mu is shared with the engine loop: the loop takes the write lock around
// every mutation, queries take the read lock.
type Service struct {
	mu     *sync.RWMutex
	engine StateReader
	db     *sql.DB // nil when running without Postgres
}

func NewService(mu *sync.RWMutex, engine StateReader, db *sql.DB) *Service {
	return &Service{mu: mu, engine: engine, db: db}
}

// GetAccount returns the live view of one account.
func (s *Service) GetAccount(account uuid.UUID) *AccountResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, local, collateral := s.engine.AccountBalance(account)
	price := s.engine.OraclePrice()

	resp := &AccountResponse{
		Account:      account,
		Collateral:   fp.String(collateral),
		LocalIndex:   fp.String(local.Value),
		LocalIndexTs: local.Timestamp,
		AsOfSequence: s.engine.Sequence(),
	}

	if !bal.IsFlat() {
		side := "short"
		if bal.IsLong {
			side = "long"
		}
		pos := &PositionResponse{
			Side:            side,
			Quantity:        fp.String(bal.Quantity),
			Margin:          fp.String(bal.Margin),
			EntryNotional:   fp.String(bal.OIOpen),
			AvgEntryPrice:   fp.String(bal.AvgEntryPrice()),
			BankruptcyPrice: fp.String(bal.BankruptcyPrice()),
		}
		if bal.MRO.Sign() > 0 {
			pos.Leverage = fp.String(fp.Div(fp.Base, bal.MRO))
		}
		if price != nil {
			pos.MarginRatio = fp.String(bal.MarginRatio(price))
		}
		resp.Position = pos
	}

	return resp
}

// GetMarket returns the live market view.
func (s *Service) GetMarket() *MarketResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := s.engine.StateHash()
	global := s.engine.GlobalFundingIndex()
	oracle := s.engine.Oracle()

	resp := &MarketResponse{
		Market:             s.engine.Params().Symbol,
		Sequence:           s.engine.Sequence(),
		StateHash:          hex.EncodeToString(hash[:]),
		FundingRate:        fp.String(oracle.Rate()),
		FundingMode:        oracle.ModeIs().String(),
		FundingRunning:     oracle.Running(),
		GlobalFundingIndex: fp.String(global.Value),
		GlobalIndexTs:      global.Timestamp,
		InsurancePool:      fp.String(s.engine.InsurancePoolBalance()),
		OpenAccounts:       len(s.engine.Accounts()),
	}
	if price := s.engine.OraclePrice(); price != nil {
		resp.OraclePrice = fp.String(price)
	}
	return resp
}

// GetLedger returns every non-zero ledger balance, sorted by account path.
func (s *Service) GetLedger() []LedgerEntryResponse {
	s.mu.RLock()
	snapshot := s.engine.LedgerSnapshot()
	s.mu.RUnlock()

	entries := make([]LedgerEntryResponse, 0, len(snapshot))
	for key, v := range snapshot {
		if v.Sign() == 0 {
			continue
		}
		entries = append(entries, LedgerEntryResponse{
			AccountPath: key.AccountPath(),
			Balance:     fp.String(v),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccountPath < entries[j].AccountPath
	})
	return entries
}

// GetJournalHistory returns persisted journal rows touching an account,
// newest first, with cursor pagination on sequence.
func (s *Service) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	q := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, ts
		FROM settlement.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = rawToDecimal(amount)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetBatchHistory returns persisted batch rows, newest first.
func (s *Service) GetBatchHistory(ctx context.Context, limit int, afterSequence *int64) ([]BatchHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT sequence, batch_id, kind, ts, state_hash, prev_hash
		FROM settlement.batches
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		q += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BatchHistoryEntry
	for rows.Next() {
		var e BatchHistoryEntry
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.BatchID, &e.Kind, &e.Timestamp, &stateHash, &prevHash,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain for continuity and the
// live ledger for global balance.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if s.db != nil {
		rows, err := s.db.QueryContext(ctx, `
			SELECT b1.sequence
			FROM settlement.batches b1
			JOIN settlement.batches b2 ON b2.sequence = b1.sequence - 1
			WHERE b1.prev_hash != b2.state_hash
			ORDER BY b1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	snapshot := s.engine.LedgerSnapshot()
	s.mu.RUnlock()

	total := new(big.Int)
	for _, v := range snapshot {
		total.Add(total, v)
	}
	if total.Sign() != 0 {
		report.LedgerImbalance = fp.String(total)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && total.Sign() == 0
	return report, nil
}

// rawToDecimal converts a raw Base-scaled integer string, as stored in
// NUMERIC columns, back into its decimal form.
func rawToDecimal(s string) string {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return s
	}
	return fp.String(v)
}
