// Package queue decouples ingestion from processing. The ingestion service
// publishes validated envelopes through a Producer; the worker drains them
// through a Consumer and acknowledges each message only after it is fully
// processed.
//
// Three adapters share the interfaces: an in-process memory queue for tests
// and single-binary deployments, an HTTP forwarder for chaining collectors,
// and Kafka for durable production fan-out.
package queue

import (
	"context"
	"errors"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// Queue errors.
var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrNotConsumable is returned by adapters that only produce.
	ErrNotConsumable = errors.New("queue adapter does not support consuming")
)

type (
	// Message is one queued envelope plus its stable identity.
	Message struct {
		// ID is the content-derived message identity used for worker-side
		// duplicate suppression. Identical payloads produce identical IDs.
		ID string

		// Key is the partition key: the entity identity (run or step id), so
		// successive snapshots of the same entity are delivered in order by
		// brokers that preserve per-key ordering. Falls back to ID when empty.
		Key string

		// Envelope is the validated wire envelope.
		Envelope event.Envelope

		// ack is an adapter-private token carried from Fetch to Ack.
		ack any
	}

	// Producer publishes validated envelopes.
	Producer interface {
		// Publish enqueues one message. A nil error means the message is
		// durably accepted by the queue (for the memory adapter, accepted
		// in process).
		Publish(ctx context.Context, msg Message) error

		// Close releases producer resources.
		Close() error
	}

	// Consumer drains queued messages.
	//
	// The contract is at-least-once: a message is redelivered until acked,
	// so the worker pairs consumption with idempotent processing.
	Consumer interface {
		// Fetch returns up to max pending messages, blocking until at least
		// one is available or ctx is done. An empty slice with a nil error
		// means the queue is idle.
		Fetch(ctx context.Context, max int) ([]Message, error)

		// Ack marks messages as fully processed. Unacked messages are
		// eligible for redelivery.
		Ack(ctx context.Context, msgs ...Message) error

		// Nack returns messages to the queue for redelivery. Adapters whose
		// broker handles redelivery natively may treat this as a no-op.
		Nack(ctx context.Context, msgs ...Message) error

		// Close releases consumer resources.
		Close() error
	}
)
