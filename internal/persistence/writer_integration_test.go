package persistence_test

import (
	"context"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func sampleOutput(seq int64, batchID uuid.UUID) core.Output {
	maker := uuid.New()
	taker := uuid.New()

	journal := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  "OrderMatch",
		Sequence:  seq,
		Timestamp: 1000 + seq,
	}
	journal.Journals = append(journal.Journals, ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      "OrderMatch",
		Sequence:      seq,
		DebitAccount:  ledger.NewUserKey(maker, ledger.SubTypeCollateral),
		CreditAccount: ledger.NewSystemKey(ledger.SubTypeFeePool),
		Amount:        fp.MustFromDecimal("0.5"),
		JournalType:   ledger.JournalTypeTradeFee,
		Timestamp:     1000 + seq,
	})

	out := core.Output{
		Batch: &core.Batch{
			BatchID:   batchID,
			Kind:      trade.KindOrderMatch,
			Timestamp: 1000 + seq,
			Accounts:  []uuid.UUID{maker, taker},
		},
		Journal: journal,
		Results: []*trade.Result{{
			Kind:      trade.KindOrderMatch,
			Quantity:  fp.FromInt(10),
			Price:     fp.FromInt(100),
			MakerFlow: fp.FromInt(-100),
			TakerFlow: fp.FromInt(-100),
			MakerFee:  fp.MustFromDecimal("0.5"),
			TakerFee:  fp.MustFromDecimal("0.5"),
			MakerPnL:  fp.Zero(),
			TakerPnL:  fp.Zero(),
		}},
		Sequence: seq,
	}
	out.StateHash[0] = byte(seq)
	out.PrevHash[0] = byte(seq - 1)
	return out
}

func writeOutput(t *testing.T, w *persistence.SettlementWriter, out core.Output) {
	t.Helper()

	b, tr, jr := persistence.RowsFromOutput(out)

	tx, err := w.DB().BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	if err := w.WriteBatches(context.Background(), tx, []persistence.BatchRow{b}); err != nil {
		t.Fatalf("write batches: %v", err)
	}
	if err := w.WriteTrades(context.Background(), tx, tr); err != nil {
		t.Fatalf("write trades: %v", err)
	}
	if err := w.WriteJournals(context.Background(), tx, jr); err != nil {
		t.Fatalf("write journals: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewSettlementWriter(db)

	seq, err := writer.LastPersistedSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != -1 {
		t.Fatalf("empty table sequence = %d, want -1", seq)
	}

	batchID := uuid.New()
	writeOutput(t, writer, sampleOutput(1, batchID))
	writeOutput(t, writer, sampleOutput(2, uuid.New()))

	seq, err = writer.LastPersistedSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("last sequence = %d, want 2", seq)
	}

	var kind string
	var quantity string
	err = db.QueryRowContext(ctx,
		`SELECT kind, quantity FROM settlement.trades WHERE sequence = 1`).Scan(&kind, &quantity)
	if err != nil {
		t.Fatalf("read trade: %v", err)
	}
	if kind != "OrderMatch" {
		t.Errorf("trade kind = %q, want OrderMatch", kind)
	}
	if quantity != fp.FromInt(10).String() {
		t.Errorf("trade quantity = %q, want %q", quantity, fp.FromInt(10).String())
	}

	var journals int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlement.journal`).Scan(&journals); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if journals != 2 {
		t.Errorf("journal rows = %d, want 2", journals)
	}
}

func TestWriterRetryIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewSettlementWriter(db)
	out := sampleOutput(1, uuid.New())

	// A retried flush replays the same rows; conflict targets must swallow
	// the duplicates.
	writeOutput(t, writer, out)
	writeOutput(t, writer, out)

	var batches, trades, journals int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement.batches`).Scan(&batches)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement.trades`).Scan(&trades)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement.journal`).Scan(&journals)

	if batches != 1 || trades != 1 || journals != 1 {
		t.Errorf("row counts after replay = %d/%d/%d, want 1/1/1", batches, trades, journals)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewSettlementWriter(db)
	checker := persistence.NewPostgresIdempotencyChecker(db)

	settled := uuid.New()
	writeOutput(t, writer, sampleOutput(1, settled))

	dup, err := checker.IsDuplicate(settled)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("settled batch not reported as duplicate")
	}

	dup, err = checker.IsDuplicate(uuid.New())
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("fresh batch reported as duplicate")
	}

	ids, err := checker.RecentBatchIDs(ctx, 10)
	if err != nil {
		t.Fatalf("recent batch ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != settled.String() {
		t.Errorf("recent ids = %v, want [%s]", ids, settled)
	}
}
