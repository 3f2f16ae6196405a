package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deadman/internal/config"
	"deadman/internal/metrics"

	"github.com/segmentio/kafka-go"
)

const sourceKafka = "kafka"

// kafkaRetryDelay spaces redelivery attempts after a store error.
const kafkaRetryDelay = time.Second

// messageReader is the part of kafka.Reader used by the consumer loop.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads hits from one consumer-group topic and forwards them to sink.
type KafkaConsumer struct {
	reader  messageReader
	sink    HitSink
	logger  *slog.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewKafkaConsumer creates a consumer-group reader for hit ingestion.
// Params: ingest Kafka config, sink, optional metrics, and optional logger.
// Returns: consumer that starts reading on Run, or config error.
func NewKafkaConsumer(cfg config.KafkaIngestConfig, sink HitSink, m *metrics.Metrics, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return newKafkaConsumer(reader, sink, m, logger), nil
}

func newKafkaConsumer(reader messageReader, sink HitSink, m *metrics.Metrics, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		sink:    sink,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run fetches and commits messages until ctx is canceled.
// Params: lifecycle context.
// Returns: nil on cancellation or fetch/commit error otherwise.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		if !c.handle(ctx, message) {
			// Uncommitted offsets are re-read after restart or rebalance.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(kafkaRetryDelay):
			}
			continue
		}
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset %d: %w", message.Offset, err)
		}
	}
}

// handle processes one message.
// Returns: true when the message may be committed.
func (c *KafkaConsumer) handle(ctx context.Context, message kafka.Message) bool {
	hits, err := decodeHitPayload(message.Value)
	if err != nil {
		observe(c.metrics, sourceKafka, outcomeInvalid)
		c.log(slog.LevelWarn, "kafka ingest decode failed", "partition", message.Partition, "offset", message.Offset, "error", err.Error())
		return true
	}
	for _, hit := range hits {
		ingestErr := c.sink.IngestHit(ctx, hit)
		outcome := classify(ingestErr)
		observe(c.metrics, sourceKafka, outcome)
		switch outcome {
		case outcomeAccepted:
		case outcomeUnknownRule:
			c.log(slog.LevelWarn, "kafka ingest dropped hit", "offset", message.Offset, "rule_id", hit.RuleID, "error", ingestErr.Error())
		default:
			c.log(slog.LevelError, "kafka ingest hit failed", "offset", message.Offset, "error", ingestErr.Error())
			return false
		}
	}
	return true
}

func (c *KafkaConsumer) log(level slog.Level, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Log(context.Background(), level, msg, args...)
	}
}

// Close closes the reader; Run returns once its fetch is interrupted.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Done is closed when Run returns.
func (c *KafkaConsumer) Done() <-chan struct{} {
	return c.done
}
