package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue backed by a mutex-guarded slice. It serves
// unit tests and the single-binary deployment where ingester and worker
// share a process.
//
// Delivery is at-least-once within the process: fetched messages move to an
// in-flight set and return to the head of the queue on Nack. Nothing
// survives a restart.
type Memory struct {
	mu       sync.Mutex
	pending  []Message
	inflight map[string]Message
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		inflight: make(map[string]Message),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Publish implements Producer.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	m.pending = append(m.pending, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return nil
}

// Fetch implements Consumer. It blocks until a message arrives, the queue is
// closed, or ctx is done.
func (m *Memory) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}

	for {
		m.mu.Lock()

		if m.closed {
			m.mu.Unlock()

			return nil, ErrClosed
		}

		if len(m.pending) > 0 {
			n := min(max, len(m.pending))

			batch := make([]Message, n)
			copy(batch, m.pending[:n])
			m.pending = append(m.pending[:0], m.pending[n:]...)

			for _, msg := range batch {
				m.inflight[msg.ID] = msg
			}

			m.mu.Unlock()

			return batch, nil
		}

		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-m.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack implements Consumer.
func (m *Memory) Ack(_ context.Context, msgs ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		delete(m.inflight, msg.ID)
	}

	return nil
}

// Nack implements Consumer, returning messages to the head of the queue.
func (m *Memory) Nack(_ context.Context, msgs ...Message) error {
	m.mu.Lock()

	requeued := make([]Message, 0, len(msgs))

	for _, msg := range msgs {
		if held, ok := m.inflight[msg.ID]; ok {
			delete(m.inflight, msg.ID)
			requeued = append(requeued, held)
		}
	}

	m.pending = append(requeued, m.pending...)
	m.mu.Unlock()

	if len(requeued) > 0 {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}

	return nil
}

// Len returns the number of pending (not in-flight) messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Close implements Producer and Consumer. Pending messages are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()

	if !m.closed {
		m.closed = true
		m.pending = nil
		close(m.done)
	}

	m.mu.Unlock()

	return nil
}
