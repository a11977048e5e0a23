// Package persistence drains the engine's persist channel into Postgres.
// The engine blocks on a full channel, so the audit trail is complete even
// when the database falls behind.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"PerpSettle/internal/core"
)

// BatchRow is one row in settlement.batches.
type BatchRow struct {
	Sequence  int64
	BatchID   string
	Kind      string
	Timestamp int64
	StateHash []byte
	PrevHash  []byte
}

// TradeRow is one row in settlement.trades. Amounts are Base-scaled decimal
// strings bound to NUMERIC columns, so 18-decimal values survive intact.
type TradeRow struct {
	Sequence  int64
	BatchID   string
	TradeIdx  int
	Kind      string
	Quantity  string
	Price     string
	MakerFlow string
	TakerFlow string
	MakerFee  string
	TakerFee  string
	MakerPnL  string
	TakerPnL  string
}

// JournalRow is one row in settlement.journal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string
	JournalType   string
	Timestamp     int64
}

// RowsFromOutput flattens one engine output into its persistence rows.
func RowsFromOutput(out core.Output) (BatchRow, []TradeRow, []JournalRow) {
	kind := "operation"
	var batchID string
	var ts int64

	if out.Batch != nil {
		kind = out.Batch.Kind.String()
		batchID = out.Batch.BatchID.String()
		ts = out.Batch.Timestamp
	} else if out.Journal != nil {
		batchID = out.Journal.BatchID.String()
		ts = out.Journal.Timestamp
	}

	batch := BatchRow{
		Sequence:  out.Sequence,
		BatchID:   batchID,
		Kind:      kind,
		Timestamp: ts,
		StateHash: out.StateHash[:],
		PrevHash:  out.PrevHash[:],
	}

	trades := make([]TradeRow, 0, len(out.Results))
	for i, res := range out.Results {
		trades = append(trades, TradeRow{
			Sequence:  out.Sequence,
			BatchID:   batchID,
			TradeIdx:  i,
			Kind:      res.Kind.String(),
			Quantity:  numeric(res.Quantity),
			Price:     numeric(res.Price),
			MakerFlow: numeric(res.MakerFlow),
			TakerFlow: numeric(res.TakerFlow),
			MakerFee:  numeric(res.MakerFee),
			TakerFee:  numeric(res.TakerFee),
			MakerPnL:  numeric(res.MakerPnL),
			TakerPnL:  numeric(res.TakerPnL),
		})
	}

	var journals []JournalRow
	if out.Journal != nil {
		journals = make([]JournalRow, 0, len(out.Journal.Journals))
		for _, j := range out.Journal.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        numeric(j.Amount),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return batch, trades, journals
}

// numeric renders a Base-scaled value as a raw integer string for NUMERIC
// columns. nil renders as zero.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SettlementWriter issues multi-row inserts for settled batches. Inserts
// are idempotent on conflict so a retried flush never duplicates rows.
type SettlementWriter struct {
	db *sql.DB
}

func NewSettlementWriter(db *sql.DB) *SettlementWriter {
	return &SettlementWriter{db: db}
}

func (w *SettlementWriter) DB() *sql.DB { return w.db }

// WriteBatches inserts batch rows inside tx.
func (w *SettlementWriter) WriteBatches(ctx context.Context, tx *sql.Tx, rows []BatchRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.batches
		(sequence, batch_id, kind, ts, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)
	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, r.Sequence, r.BatchID, r.Kind, r.Timestamp, r.StateHash, r.PrevHash)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTrades inserts trade result rows inside tx.
func (w *SettlementWriter) WriteTrades(ctx context.Context, tx *sql.Tx, rows []TradeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.trades
		(sequence, batch_id, trade_idx, kind, quantity, price,
		 maker_flow, taker_flow, maker_fee, taker_fee, maker_pnl, taker_pnl)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)
	for i, r := range rows {
		base := i * 12
		ph := make([]string, 12)
		for k := range ph {
			ph[k] = fmt.Sprintf("$%d", base+k+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.Sequence, r.BatchID, r.TradeIdx, r.Kind, r.Quantity, r.Price,
			r.MakerFlow, r.TakerFlow, r.MakerFee, r.TakerFee, r.MakerPnL, r.TakerPnL)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, trade_idx) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournals inserts journal rows inside tx.
func (w *SettlementWriter) WriteJournals(ctx context.Context, tx *sql.Tx, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.journal
		(journal_id, batch_id, event_ref, sequence, debit_account,
		 credit_account, amount, journal_type, ts)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)
	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			r.JournalID, r.BatchID, r.EventRef, r.Sequence,
			r.DebitAccount, r.CreditAccount, r.Amount, r.JournalType, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastPersistedSequence reads the high-water mark for restart recovery.
func (w *SettlementWriter) LastPersistedSequence(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM settlement.batches`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
