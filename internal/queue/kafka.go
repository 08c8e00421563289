package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sievetrace-io/sievetrace/internal/config"
	"github.com/sievetrace-io/sievetrace/internal/event"
)

// Kafka defaults.
const (
	defaultKafkaTopic   = "sievetrace.envelopes"
	defaultKafkaGroupID = "sievetrace-worker"

	// kafkaDrainWait bounds how long a Fetch waits for messages beyond the
	// first when filling a batch.
	kafkaDrainWait = 50 * time.Millisecond

	// messageIDHeader carries the content-derived message identity alongside
	// the payload so consumers need not recompute it.
	messageIDHeader = "message-id"
)

type (
	// KafkaConfig holds broker connection settings, loaded from BROKER_URL,
	// KAFKA_TOPIC, and KAFKA_GROUP_ID.
	KafkaConfig struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// KafkaProducer publishes envelopes to a Kafka topic, keyed by entity
	// identity so snapshots of the same run or step stay on one partition
	// and arrive in publish order.
	KafkaProducer struct {
		writer *kafka.Writer
	}

	// KafkaConsumer drains a Kafka topic with manual offset commits.
	//
	// A commit is a per-partition high-water mark, not a per-message flag:
	// committing offset N marks every offset up to N consumed. The consumer
	// therefore tracks delivered messages per partition and commits only the
	// contiguous acked prefix; an ack behind an unacked neighbor is held
	// back until the neighbor resolves. Nack resets the reader to the
	// committed offsets, so every uncommitted message is redelivered.
	KafkaConsumer struct {
		cfg kafka.ReaderConfig

		mu      sync.Mutex
		reader  *kafka.Reader
		pending map[topicPartition][]pendingMessage
	}

	// topicPartition identifies one partition for commit bookkeeping.
	topicPartition struct {
		topic     string
		partition int
	}

	// pendingMessage is a delivered, not-yet-committed message.
	pendingMessage struct {
		msg   kafka.Message
		acked bool
	}
)

// LoadKafkaConfig loads Kafka settings from the environment. BROKER_URL is
// the canonical broker list; KAFKA_BROKERS is accepted as an alias.
func LoadKafkaConfig() KafkaConfig {
	brokers := config.GetEnvStr("BROKER_URL", config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))

	return KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(brokers),
		Topic:   config.GetEnvStr("KAFKA_TOPIC", defaultKafkaTopic),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", defaultKafkaGroupID),
	}
}

// NewKafkaProducer creates a producer for the configured topic.
func NewKafkaProducer(cfg KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish implements Producer.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := msg.Key
	if key == "" {
		key = msg.ID
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: messageIDHeader, Value: []byte(msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}

	return nil
}

// Close implements Producer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// NewKafkaConsumer creates a consumer-group reader for the configured topic.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	readerCfg := kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}

	return &KafkaConsumer{
		cfg:     readerCfg,
		reader:  kafka.NewReader(readerCfg),
		pending: make(map[topicPartition][]pendingMessage),
	}
}

// Fetch implements Consumer. It blocks for the first message, then fills the
// batch with whatever else arrives within a short drain window.
//
// Undecodable payloads are acknowledged and dropped rather than returned:
// redelivering a message that can never parse would wedge the partition.
func (c *KafkaConsumer) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	first, err := reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	batch := make([]Message, 0, max)
	batch = c.appendDecoded(ctx, batch, first)

	drainCtx, cancel := context.WithTimeout(ctx, kafkaDrainWait)
	defer cancel()

	for len(batch) < max {
		km, err := reader.FetchMessage(drainCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}

			return batch, nil
		}

		batch = c.appendDecoded(ctx, batch, km)
	}

	return batch, nil
}

// appendDecoded tracks one Kafka message for commit bookkeeping and decodes
// it into the batch, acking and skipping it when the payload is malformed.
func (c *KafkaConsumer) appendDecoded(ctx context.Context, batch []Message, km kafka.Message) []Message {
	c.track(km)

	var env event.Envelope
	if err := json.Unmarshal(km.Value, &env); err != nil {
		c.markAcked(km)
		_ = c.commitReady(ctx)

		return batch
	}

	return append(batch, Message{
		ID:       kafkaMessageID(km),
		Envelope: env,
		ack:      km,
	})
}

// Ack implements Consumer by marking the messages acked and committing what
// has become contiguously acked per partition.
func (c *KafkaConsumer) Ack(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		if km, ok := msg.ack.(kafka.Message); ok {
			c.markAcked(km)
		}
	}

	return c.commitReady(ctx)
}

// Nack implements Consumer by resetting the reader: the replacement resumes
// from the committed offsets, so the nacked message and everything delivered
// after it come around again. Held-back acked neighbors are reprocessed too;
// the worker's idempotency set and the stores' idempotent writes absorb that.
func (c *KafkaConsumer) Nack(_ context.Context, msgs ...Message) error {
	reset := false

	for _, msg := range msgs {
		if _, ok := msg.ack.(kafka.Message); ok {
			reset = true

			break
		}
	}

	if !reset {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The new reader rediscovers everything uncommitted; stale bookkeeping
	// would otherwise shadow the redelivered copies.
	c.pending = make(map[topicPartition][]pendingMessage)

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("reset reader: %w", err)
	}

	c.reader = kafka.NewReader(c.cfg)

	return nil
}

// Close implements Consumer.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reader.Close()
}

// track records a delivered message. Offsets within a partition arrive from
// the reader in increasing order.
func (c *KafkaConsumer) track(km kafka.Message) {
	tp := topicPartition{km.Topic, km.Partition}

	c.mu.Lock()
	c.pending[tp] = append(c.pending[tp], pendingMessage{msg: km})
	c.mu.Unlock()
}

// markAcked flags a delivered message as processed. Unknown offsets (cleared
// by a nack reset) are ignored; the redelivered copy is tracked afresh.
func (c *KafkaConsumer) markAcked(km kafka.Message) {
	tp := topicPartition{km.Topic, km.Partition}

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.pending[tp]
	for i := range msgs {
		if msgs[i].msg.Offset == km.Offset {
			msgs[i].acked = true

			return
		}
	}
}

// commitReady commits the offsets collected by takeReady.
func (c *KafkaConsumer) commitReady(ctx context.Context) error {
	ready := c.takeReady()
	if len(ready) == 0 {
		return nil
	}

	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	if err := reader.CommitMessages(ctx, ready...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	return nil
}

// takeReady removes and returns, per partition, the highest message of the
// contiguous acked prefix. An acked message behind an unacked neighbor stays
// pending: committing past the neighbor would mark it consumed and a
// transient failure would never be redelivered.
func (c *KafkaConsumer) takeReady() []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []kafka.Message

	for tp, msgs := range c.pending {
		n := 0
		for n < len(msgs) && msgs[n].acked {
			n++
		}

		if n == 0 {
			continue
		}

		ready = append(ready, msgs[n-1].msg)

		if n == len(msgs) {
			delete(c.pending, tp)
		} else {
			c.pending[tp] = msgs[n:]
		}
	}

	return ready
}

// kafkaMessageID resolves the message identity from the header, falling back
// to the partition key.
func kafkaMessageID(km kafka.Message) string {
	for _, h := range km.Headers {
		if h.Key == messageIDHeader {
			return string(h.Value)
		}
	}

	return string(km.Key)
}
