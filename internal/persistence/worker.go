package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine's sends are blocking, so when this worker falls behind the
// engine stalls instead of losing outputs.
type Worker struct {
	writer       *SettlementWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	writer *SettlementWriter,
	input <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timer fires. Blocks until ctx is cancelled or the input closes.
func (w *Worker) Run(ctx context.Context) error {
	batches := make([]BatchRow, 0, w.batchSize)
	trades := make([]TradeRow, 0, w.batchSize)
	journals := make([]JournalRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flushAll := func(ctx context.Context) {
		if len(batches) == 0 {
			return
		}
		w.flushWithRetry(ctx, batches, trades, journals)
		batches = batches[:0]
		trades = trades[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final flush outlives the cancelled context.
			flushAll(context.Background())
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				flushAll(context.Background())
				return nil
			}

			b, tr, jr := RowsFromOutput(out)
			batches = append(batches, b)
			trades = append(trades, tr...)
			journals = append(journals, jr...)

			if len(batches) >= w.batchSize {
				flushAll(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flushAll(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands or
// the context dies; a final attempt runs on shutdown so nothing is dropped.
func (w *Worker) flushWithRetry(ctx context.Context, batches []BatchRow, trades []TradeRow, journals []JournalRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("batches", len(batches)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batches, trades, journals); err != nil {
					w.logger.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batches, trades, journals); err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt+1).Msg("persistence flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, batches []BatchRow, trades []TradeRow, journals []JournalRow) error {
	tx, err := w.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatches(ctx, tx, batches); err != nil {
		w.countError("write_batches")
		return err
	}
	if err := w.writer.WriteTrades(ctx, tx, trades); err != nil {
		w.countError("write_trades")
		return err
	}
	if err := w.writer.WriteJournals(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchesWritten.Add(float64(len(batches)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(batches) > 0 {
			w.metrics.PersistLastSequence.Set(float64(batches[len(batches)-1].Sequence))
		}
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
