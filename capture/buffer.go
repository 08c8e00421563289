package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// batchSender is the transport surface the buffer needs. Narrowed to an
// interface so buffer tests can count batches without a live endpoint.
type batchSender interface {
	SendDecisionEvents(events []*event.DecisionEvent)
}

// Buffer is a bounded FIFO of decision events feeding the transport.
//
// Three triggers dispatch events: the size threshold after Add, the periodic
// timer, and ForceFlush. Bounded memory is the invariant: at capacity the
// oldest event is dropped before the new one is appended, and producers are
// never throttled or blocked.
//
// At most one flush runs at a time. Overlapping size/timer triggers observe
// the running flush and return; ForceFlush waits for the slot instead.
type Buffer struct {
	mu     sync.Mutex
	events []*event.DecisionEvent

	maxSize       int
	batchSize     int
	flushInterval time.Duration

	// flushSem is a one-slot semaphore serializing flushes.
	flushSem chan struct{}

	sender   batchSender
	logger   *slog.Logger
	observer Observer

	timerStop chan struct{}
	timerDone chan struct{}
	stopOnce  sync.Once
}

// newBuffer creates a Buffer and starts its periodic flush timer.
func newBuffer(cfg *Config, sender batchSender) *Buffer {
	b := &Buffer{
		events:        make([]*event.DecisionEvent, 0, cfg.BatchSize),
		maxSize:       cfg.MaxSize,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushSem:      make(chan struct{}, 1),
		sender:        sender,
		logger:        cfg.Logger,
		observer:      cfg.Observer,
		timerStop:     make(chan struct{}),
		timerDone:     make(chan struct{}),
	}

	go b.runTimer()

	return b
}

// Add appends an event, dropping the oldest if the buffer is at capacity.
// Non-blocking and total: it never fails and never throttles the caller.
// When the buffer reaches the batch threshold a flush is scheduled
// fire-and-forget.
func (b *Buffer) Add(e *event.DecisionEvent) {
	if e == nil {
		return
	}

	b.mu.Lock()

	dropped := 0
	if len(b.events) >= b.maxSize {
		dropped = len(b.events) - b.maxSize + 1
		b.events = append(b.events[:0], b.events[dropped:]...)
	}

	b.events = append(b.events, e)
	shouldFlush := len(b.events) >= b.batchSize

	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Debug("event buffer full, dropped oldest", slog.Int("dropped", dropped))
		b.observer.OnDrop(dropped)
	}

	if shouldFlush {
		go b.tryFlush()
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.events)
}

// ForceFlush drains all remaining events and cancels the periodic timer.
// This is the only buffer operation that may block the caller; it is meant
// for graceful shutdown. If a flush is already running, ForceFlush waits for
// it and then drains whatever remains.
func (b *Buffer) ForceFlush() {
	b.stopOnce.Do(func() {
		close(b.timerStop)
		<-b.timerDone
	})

	b.flushSem <- struct{}{}
	defer func() { <-b.flushSem }()

	b.drain()
}

// runTimer flushes the buffer every flushInterval until stopped.
func (b *Buffer) runTimer() {
	defer close(b.timerDone)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.tryFlush()
		case <-b.timerStop:
			return
		}
	}
}

// tryFlush drains the buffer unless a flush is already in progress, in which
// case the trigger is coalesced into the running flush.
func (b *Buffer) tryFlush() {
	select {
	case b.flushSem <- struct{}{}:
	default:
		return
	}

	defer func() { <-b.flushSem }()

	b.drain()
}

// drain sends buffered events in batches of batchSize until empty. A batch
// that fails at the transport is dropped, not re-enqueued: the transport has
// already done bounded retry, and re-enqueueing would turn a slow collector
// into an unbounded retry storm. Must be called holding the flush slot.
func (b *Buffer) drain() {
	for {
		b.mu.Lock()

		n := len(b.events)
		if n == 0 {
			b.mu.Unlock()

			return
		}

		if n > b.batchSize {
			n = b.batchSize
		}

		batch := make([]*event.DecisionEvent, n)
		copy(batch, b.events[:n])
		b.events = append(b.events[:0], b.events[n:]...)

		b.mu.Unlock()

		b.sender.SendDecisionEvents(batch)
	}
}
