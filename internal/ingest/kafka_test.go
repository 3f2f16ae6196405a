package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deadman/internal/config"
	"deadman/internal/metrics"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		message := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return message, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, message := range msgs {
		r.committed = append(r.committed, message.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaConsumerCommitsProcessedAndInvalid(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"rule_id":"weekly-digest"}`)},
		{Offset: 2, Value: []byte(`{broken`)},
		{Offset: 3, Value: []byte(`{"rule_id":"ghost"}`)},
	}}
	sink := &recordingSink{unknown: map[string]bool{"ghost": true}}
	consumer := newKafkaConsumer(reader, sink, metrics.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	<-consumer.Done()

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.Equal(t, 1, sink.count())
	require.NoError(t, consumer.Close())
	assert.True(t, reader.closed)
}

func TestKafkaConsumerLeavesFailedMessageUncommitted(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 7, Value: []byte(`{"rule_id":"weekly-digest"}`)},
	}}
	sink := &recordingSink{err: errors.New("db down")}
	consumer := newKafkaConsumer(reader, sink, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, consumer.Run(ctx))
	assert.Empty(t, reader.commits())
}

func TestNewKafkaConsumerValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(config.KafkaIngestConfig{Topic: "hits"}, &recordingSink{}, nil, nil)
	assert.Error(t, err)
	_, err = NewKafkaConsumer(config.KafkaIngestConfig{Brokers: []string{"localhost:9092"}}, &recordingSink{}, nil, nil)
	assert.Error(t, err)
}

func TestDecodeHitPayloadBatchLimit(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 0, (maxBatchHits+1)*16)
	payload = append(payload, '[')
	for i := 0; i <= maxBatchHits; i++ {
		if i > 0 {
			payload = append(payload, ',')
		}
		payload = append(payload, []byte(`{"rule_id":"a"}`)...)
	}
	payload = append(payload, ']')

	_, err := decodeHitPayload(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 1000")

	hits, err := decodeHitPayload([]byte(` [{"rule_id":"a","ts":5}] `))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(5), hits[0].TS)
}
