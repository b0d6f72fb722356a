package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw events
// into the ingestion shell. Each subject family maps to one event type
// so consumers scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a parsed-but-untyped message from NATS. The shell
// validates and converts it into a typed event.Event before handing it
// to the engine.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the event is queued for processing
	NakFunc   func() // NAK on failure; JetStream redelivers
}

// SubjectConfig binds a NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "verse.bets.placed.>", EventType: "BetPlaced", ConsumerName: "engine-bets", StreamName: "VERSE_BETS"},
		{Subject: "verse.bets.closed.>", EventType: "PositionClosed", ConsumerName: "engine-closes", StreamName: "VERSE_BETS"},
		{Subject: "verse.oracle.prices.>", EventType: "OraclePriceUpdate", ConsumerName: "engine-prices", StreamName: "VERSE_ORACLE"},
		{Subject: "verse.oracle.resolutions.>", EventType: "ProposalResolved", ConsumerName: "engine-resolutions", StreamName: "VERSE_ORACLE"},
		{Subject: "verse.keeper.liquidations.>", EventType: "LiquidationRequested", ConsumerName: "engine-liquidations", StreamName: "VERSE_KEEPER"},
		{Subject: "verse.keeper.sweeps.>", EventType: "LiquidationSweep", ConsumerName: "engine-sweeps", StreamName: "VERSE_KEEPER"},
		{Subject: "verse.chains.created.>", EventType: "ChainCreated", ConsumerName: "engine-chains", StreamName: "VERSE_CHAINS"},
		{Subject: "verse.funds.deposits.>", EventType: "DepositConfirmed", ConsumerName: "engine-deposits", StreamName: "VERSE_FUNDS"},
		{Subject: "verse.funds.withdrawals.>", EventType: "WithdrawalRequested", ConsumerName: "engine-withdrawals", StreamName: "VERSE_FUNDS"},
		{Subject: "verse.funding.epochs.>", EventType: "FundingEpochAccrued", ConsumerName: "engine-funding", StreamName: "VERSE_FUNDING"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
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

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	names := map[string][]string{
		"VERSE_BETS":    {"verse.bets.>"},
		"VERSE_ORACLE":  {"verse.oracle.>"},
		"VERSE_KEEPER":  {"verse.keeper.>"},
		"VERSE_CHAINS":  {"verse.chains.>"},
		"VERSE_FUNDS":   {"verse.funds.>"},
		"VERSE_FUNDING": {"verse.funding.>"},
	}

	for name, subjects := range names {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
