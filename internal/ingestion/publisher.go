package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	fp "PerpSettle/internal/math"
)

// SettledPublisher broadcasts committed engine outputs to downstream
// consumers on perpsettle.settled.{kind}. Publishing is best effort: a
// dropped message is recoverable from the Postgres journal.
type SettledPublisher struct {
	js     jetstream.JetStream
	input  <-chan core.Output
	logger zerolog.Logger
}

type settledTradeJSON struct {
	Kind      string `json:"kind"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	MakerFlow string `json:"maker_flow"`
	TakerFlow string `json:"taker_flow"`
	MakerFee  string `json:"maker_fee"`
	TakerFee  string `json:"taker_fee"`
	MakerPnL  string `json:"maker_pnl"`
	TakerPnL  string `json:"taker_pnl"`
}

type settledJournalJSON struct {
	JournalID     string `json:"journal_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
}

type settledEventJSON struct {
	Sequence  int64                `json:"sequence"`
	BatchID   string               `json:"batch_id"`
	Kind      string               `json:"kind"`
	Timestamp int64                `json:"ts"`
	StateHash string               `json:"state_hash"`
	PrevHash  string               `json:"prev_hash"`
	Trades    []settledTradeJSON   `json:"trades,omitempty"`
	Journals  []settledJournalJSON `json:"journals,omitempty"`
}

func NewSettledPublisher(js jetstream.JetStream, input <-chan core.Output, logger zerolog.Logger) *SettledPublisher {
	return &SettledPublisher{
		js:     js,
		input:  input,
		logger: logger.With().Str("component", "settled_publisher").Logger(),
	}
}

// Run drains the projection channel until the context ends or the channel
// closes. Publish failures are logged and skipped.
func (p *SettledPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.logger.Warn().
					Err(err).
					Int64("sequence", out.Sequence).
					Msg("settled publish failed")
			}
		}
	}
}

func (p *SettledPublisher) publish(ctx context.Context, out core.Output) error {
	evt := settledEventJSON{
		Sequence:  out.Sequence,
		StateHash: hex.EncodeToString(out.StateHash[:]),
		PrevHash:  hex.EncodeToString(out.PrevHash[:]),
	}

	if out.Batch != nil {
		evt.BatchID = out.Batch.BatchID.String()
		evt.Kind = out.Batch.Kind.String()
		evt.Timestamp = out.Batch.Timestamp
	} else if out.Journal != nil {
		evt.BatchID = out.Journal.BatchID.String()
		evt.Kind = "Operation"
		evt.Timestamp = out.Journal.Timestamp
	}

	for _, r := range out.Results {
		evt.Trades = append(evt.Trades, settledTradeJSON{
			Kind:      r.Kind.String(),
			Quantity:  decimal(r.Quantity),
			Price:     decimal(r.Price),
			MakerFlow: decimal(r.MakerFlow),
			TakerFlow: decimal(r.TakerFlow),
			MakerFee:  decimal(r.MakerFee),
			TakerFee:  decimal(r.TakerFee),
			MakerPnL:  decimal(r.MakerPnL),
			TakerPnL:  decimal(r.TakerPnL),
		})
	}

	if out.Journal != nil {
		for _, j := range out.Journal.Journals {
			evt.Journals = append(evt.Journals, settledJournalJSON{
				JournalID:     j.JournalID.String(),
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        decimal(j.Amount),
				JournalType:   j.JournalType.String(),
			})
		}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal settled event: %w", err)
	}

	subject := fmt.Sprintf("perpsettle.settled.%s", evt.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureSettledStream creates the outbound stream.
func EnsureSettledStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERPSETTLE_SETTLED",
		Subjects:  []string{"perpsettle.settled.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create settled stream: %w", err)
	}
	logger.Info().Str("stream", "PERPSETTLE_SETTLED").Msg("ensured stream")
	return nil
}

func decimal(v *big.Int) string {
	return fp.String(v)
}
