package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"deadman/internal/config"
	"deadman/internal/metrics"

	"github.com/nats-io/nats.go"
)

const sourceNATS = "nats"

// NATSSubscriber consumes hits via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscription, and hit sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNATSSubscriber creates JetStream queue consumer for hit ingestion.
// Params: ingest NATS config, sink, optional metrics, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink HitSink, m *metrics.Metrics, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("deadman-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}

	subscriber := &NATSSubscriber{
		nc:      nc,
		logger:  logger,
		metrics: m,
	}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		subscriber.handle(message, sink, ackWait, nackDelay)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle decodes one message and acks, drops, or redelivers it.
func (s *NATSSubscriber) handle(message *nats.Msg, sink HitSink, ackWait, nackDelay time.Duration) {
	hits, err := decodeHitPayload(message.Data)
	if err != nil {
		observe(s.metrics, sourceNATS, outcomeInvalid)
		s.warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}

	timeout := ackWait
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, hit := range hits {
		ingestErr := sink.IngestHit(ctx, hit)
		outcome := classify(ingestErr)
		observe(s.metrics, sourceNATS, outcome)
		switch outcome {
		case outcomeAccepted:
		case outcomeUnknownRule:
			s.warn("nats ingest dropped hit", "subject", message.Subject, "rule_id", hit.RuleID, "error", ingestErr.Error())
		default:
			if s.logger != nil {
				s.logger.Error("nats ingest hit failed", "subject", message.Subject, "error", ingestErr.Error())
			}
			s.nackMessage(message, nackDelay)
			return
		}
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

func (s *NATSSubscriber) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
