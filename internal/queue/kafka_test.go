package queue

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKafkaConsumer builds a consumer without a broker; the commit
// bookkeeping under test never dials.
func testKafkaConsumer(t *testing.T) *KafkaConsumer {
	t.Helper()

	cfg := kafka.ReaderConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "envelopes",
	}

	c := &KafkaConsumer{
		cfg:     cfg,
		reader:  kafka.NewReader(cfg),
		pending: make(map[topicPartition][]pendingMessage),
	}
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func partitionMessage(offset int64) kafka.Message {
	return kafka.Message{Topic: "envelopes", Partition: 0, Offset: offset}
}

func TestKafkaConsumerHoldsCommitBehindUnackedOffset(t *testing.T) {
	c := testKafkaConsumer(t)

	c.track(partitionMessage(7))
	c.track(partitionMessage(8))
	c.track(partitionMessage(9))

	c.markAcked(partitionMessage(8))
	c.markAcked(partitionMessage(9))

	assert.Empty(t, c.takeReady(), "acks past an unacked offset must be held back")

	c.markAcked(partitionMessage(7))

	ready := c.takeReady()
	require.Len(t, ready, 1)
	assert.Equal(t, int64(9), ready[0].Offset, "contiguous prefix commits as one high-water mark")
	assert.Empty(t, c.pending)
}

func TestKafkaConsumerCommitsContiguousPrefixOnly(t *testing.T) {
	c := testKafkaConsumer(t)

	c.track(partitionMessage(3))
	c.track(partitionMessage(4))
	c.track(partitionMessage(5))

	c.markAcked(partitionMessage(3))
	c.markAcked(partitionMessage(5))

	ready := c.takeReady()
	require.Len(t, ready, 1)
	assert.Equal(t, int64(3), ready[0].Offset)

	// 4 and 5 stay pending until 4 resolves.
	assert.Len(t, c.pending[topicPartition{"envelopes", 0}], 2)
}

func TestKafkaConsumerNackResetsReaderAndPending(t *testing.T) {
	c := testKafkaConsumer(t)

	c.track(partitionMessage(7))
	c.track(partitionMessage(8))
	c.markAcked(partitionMessage(8))

	before := c.reader

	require.NoError(t, c.Nack(context.Background(), Message{ack: partitionMessage(7)}))

	assert.Empty(t, c.pending, "the new reader rediscovers everything uncommitted")
	assert.NotSame(t, before, c.reader)
}

func TestKafkaConsumerNackWithoutKafkaMessagesIsNoop(t *testing.T) {
	c := testKafkaConsumer(t)

	c.track(partitionMessage(7))

	before := c.reader

	require.NoError(t, c.Nack(context.Background(), Message{ID: "m"}))

	assert.Same(t, before, c.reader)
	assert.Len(t, c.pending[topicPartition{"envelopes", 0}], 1)
}

func TestKafkaConsumerAckUnknownOffsetIsNoop(t *testing.T) {
	c := testKafkaConsumer(t)

	require.NoError(t, c.Ack(context.Background(), Message{ack: partitionMessage(42)}))
	assert.Empty(t, c.pending)
}
