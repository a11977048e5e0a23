// Package ingestion is the non-deterministic shell in front of the
// settlement engine. It consumes raw JSON messages from NATS JetStream,
// parses them into typed events, and hands them to the single engine
// loop; settled outputs flow back out through the publisher.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber pulls inbound messages off JetStream and feeds them into
// eventChan for the engine loop. Acknowledgement is deferred to the loop:
// a message is ACKed only after the engine has committed or durably
// rejected it.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an unparsed message plus its ack handles.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Received  time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds one NATS subject to the event type its payloads carry.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subject map: settle-batch requests,
// oracle price updates, and off-chain funding rate injections.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perpsettle.batches", EventType: "SettleBatch", ConsumerName: "settle-batches", StreamName: "PERPSETTLE_BATCHES"},
		{Subject: "perpsettle.prices", EventType: "PriceUpdate", ConsumerName: "settle-prices", StreamName: "PERPSETTLE_PRICES"},
		{Subject: "perpsettle.funding.offchain", EventType: "OffChainRate", ConsumerName: "settle-funding", StreamName: "PERPSETTLE_FUNDING"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK with a 30s ack wait and at most 5 deliveries.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: cfg.EventType,
				Data:      msg.Data(),
				Received:  time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Stop halts all consumers. In-flight unacked messages will redeliver.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("nats subscribers stopped")
}

// EnsureStreams creates the inbound JetStream streams if missing.
// File storage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PERPSETTLE_BATCHES",
			Subjects:  []string{"perpsettle.batches"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERPSETTLE_PRICES",
			Subjects:  []string{"perpsettle.prices"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERPSETTLE_FUNDING",
			Subjects:  []string{"perpsettle.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS dials the server and returns a JetStream handle. Reconnects
// indefinitely with a 2s backoff.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
