// Package processor is the worker that drains the ingestion queue and makes
// events durable and queryable: full payloads go to the blob store, indexable
// projections and aggregated metrics go to the analytical store.
//
// The worker is a single cooperative loop with one in-flight batch at a
// time. Aggregation caches are touched only from the loop, so they need no
// locking; scaling out means moving those caches to a shared store first.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/event"
	"github.com/sievetrace-io/sievetrace/internal/queue"
)

// Worker construction errors.
var (
	// ErrNilConsumer is returned when no queue consumer is supplied.
	ErrNilConsumer = errors.New("queue consumer is required")

	// ErrNilBlobStore is returned when no blob store is supplied.
	ErrNilBlobStore = errors.New("blob store is required")

	// ErrNilMetricsStore is returned when no analytical store is supplied.
	ErrNilMetricsStore = errors.New("analytical store is required")

	// errPermanent marks failures that will never succeed on redelivery
	// (malformed payloads, validation failures). Such messages are dropped
	// with a log line instead of being redelivered forever.
	errPermanent = errors.New("permanent processing failure")
)

type (
	// BlobStore is the payload persistence surface the worker needs.
	BlobStore interface {
		PutDecisionEvent(ctx context.Context, e *event.DecisionEvent) (string, error)
		PutRun(ctx context.Context, r *event.Run) (string, error)
		PutStep(ctx context.Context, s *event.Step) (string, error)
	}

	// MetricsStore is the analytical write surface the worker needs.
	MetricsStore interface {
		UpsertRun(ctx context.Context, row *analytical.RunRow) error
		UpsertStep(ctx context.Context, row *analytical.StepRow) error
		InsertDecisionEvent(ctx context.Context, row *analytical.DecisionEventRow) error
	}

	// Worker drains the queue and applies each message to both stores.
	Worker struct {
		cfg       *Config
		consumer  queue.Consumer
		blobs     BlobStore
		store     MetricsStore
		validator *event.Validator
		logger    *slog.Logger
		metrics   *Metrics

		seen     *seenSet
		terminal *seenSet
		runs     map[string]*runAgg
		steps    map[string]*stepAgg
	}
)

// NewWorker creates a Worker. Metrics may be nil when instrumentation is not
// wanted (tests).
func NewWorker(
	cfg *Config,
	consumer queue.Consumer,
	blobs BlobStore,
	store MetricsStore,
	logger *slog.Logger,
	metrics *Metrics,
) (*Worker, error) {
	if consumer == nil {
		return nil, ErrNilConsumer
	}

	if blobs == nil {
		return nil, ErrNilBlobStore
	}

	if store == nil {
		return nil, ErrNilMetricsStore
	}

	if cfg == nil {
		cfg = LoadConfig()
	}

	cfg.normalize()

	return &Worker{
		cfg:       cfg,
		consumer:  consumer,
		blobs:     blobs,
		store:     store,
		validator: event.NewValidator(),
		logger:    logger,
		metrics:   metrics,
		seen:      newSeenSet(cfg.SeenCapacity),
		terminal:  newSeenSet(cfg.SeenCapacity),
		runs:      make(map[string]*runAgg),
		steps:     make(map[string]*stepAgg),
	}, nil
}

// Run executes the poll loop until ctx is cancelled or the queue closes.
// The in-flight batch always finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")

			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollInterval)
		msgs, err := w.consumer.Fetch(pollCtx, w.cfg.BatchSize)

		cancel()
		w.count(func(m *Metrics) { m.polls.Inc() })

		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")

				return nil
			}

			if errors.Is(err, context.DeadlineExceeded) {
				w.count(func(m *Metrics) { m.emptyPolls.Inc() })

				continue
			}

			if errors.Is(err, queue.ErrClosed) {
				w.logger.Info("queue closed, worker stopping")

				return nil
			}

			w.logger.Warn("queue poll failed", slog.String("error", err.Error()))

			continue
		}

		if len(msgs) == 0 {
			w.count(func(m *Metrics) { m.emptyPolls.Inc() })

			continue
		}

		w.processBatch(ctx, msgs)
	}
}

// processBatch applies each message independently: one failure neither
// aborts the batch nor blocks acknowledgment of its neighbors.
func (w *Worker) processBatch(ctx context.Context, msgs []queue.Message) {
	var acked, nacked []queue.Message

	for _, msg := range msgs {
		envType := string(msg.Envelope.Type)

		err := w.process(ctx, msg)

		switch {
		case err == nil:
			w.seen.add(msg.ID)
			w.count(func(m *Metrics) { m.processed.WithLabelValues(envType).Inc() })

			acked = append(acked, msg)
		case errors.Is(err, errPermanent):
			// Redelivery cannot fix a malformed message; drop it.
			w.logger.Warn("dropping unprocessable message",
				slog.String("message_id", msg.ID),
				slog.String("type", envType),
				slog.String("error", err.Error()),
			)
			w.count(func(m *Metrics) { m.failed.WithLabelValues(envType).Inc() })

			acked = append(acked, msg)
		default:
			w.logger.Error("message processing failed",
				slog.String("message_id", msg.ID),
				slog.String("type", envType),
				slog.String("error", err.Error()),
			)
			w.count(func(m *Metrics) { m.failed.WithLabelValues(envType).Inc() })

			nacked = append(nacked, msg)
		}
	}

	if len(acked) > 0 {
		if err := w.consumer.Ack(ctx, acked...); err != nil {
			w.logger.Warn("ack failed", slog.String("error", err.Error()))
		}
	}

	if len(nacked) > 0 {
		if err := w.consumer.Nack(ctx, nacked...); err != nil {
			w.logger.Warn("nack failed", slog.String("error", err.Error()))
		}
	}

	w.count(func(m *Metrics) {
		m.runCacheSize.Set(float64(len(w.runs)))
		m.stepCacheSize.Set(float64(len(w.steps)))
	})
}

// process dispatches one message by envelope type.
func (w *Worker) process(ctx context.Context, msg queue.Message) error {
	if w.seen.contains(msg.ID) {
		w.count(func(m *Metrics) { m.duplicates.Inc() })
		w.logger.Debug("duplicate message skipped", slog.String("message_id", msg.ID))

		return nil
	}

	switch msg.Envelope.Type {
	case event.TypeDecision:
		e, err := msg.Envelope.DecodeDecision()
		if err != nil {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}

		return w.processDecisions(ctx, []*event.DecisionEvent{e})

	case event.TypeDecisions:
		events, decodeErrs, err := msg.Envelope.DecodeDecisions()
		if err != nil {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}

		for _, decodeErr := range decodeErrs {
			w.logger.Warn("skipping undecodable decision event",
				slog.String("message_id", msg.ID),
				slog.String("error", decodeErr.Error()),
			)
		}

		return w.processDecisions(ctx, events)

	case event.TypeRun:
		r, err := msg.Envelope.DecodeRun()
		if err != nil {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}

		return w.processRun(ctx, r)

	case event.TypeStep:
		s, err := msg.Envelope.DecodeStep()
		if err != nil {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}

		return w.processStep(ctx, s)

	default:
		return fmt.Errorf("%w: unknown envelope type %q", errPermanent, msg.Envelope.Type)
	}
}

// processDecisions persists a batch of decision events and folds them into
// the per-step aggregates, then refreshes the affected step and run rows.
func (w *Worker) processDecisions(ctx context.Context, events []*event.DecisionEvent) error {
	touched := make(map[string]struct{})

	var errs []error

	for _, e := range events {
		if err := w.validator.ValidateDecisionEvent(e); err != nil {
			w.logger.Warn("skipping invalid decision event",
				slog.String("event_id", e.EventID),
				slog.String("error", err.Error()),
			)

			continue
		}

		blobKey, err := w.blobs.PutDecisionEvent(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", e.EventID, err))

			continue
		}

		err = w.store.InsertDecisionEvent(ctx, &analytical.DecisionEventRow{
			RunID:      e.RunID,
			StepID:     e.StepID,
			Timestamp:  e.Timestamp.Time,
			EventID:    e.EventID,
			PipelineID: e.PipelineID,
			Outcome:    string(e.Outcome),
			ItemID:     e.ItemID,
			Score:      e.Score,
			BlobKey:    blobKey,
			UpdatedAt:  event.Now().Time,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", e.EventID, err))

			continue
		}

		// Late events for a terminal run keep their blob and row but must
		// not seed a fresh, near-empty aggregate.
		if w.terminal.contains(e.RunID) {
			continue
		}

		agg, ok := w.steps[e.StepID]
		if !ok {
			agg = newStepAgg(e.StepID, e.RunID, e.PipelineID)
			w.steps[e.StepID] = agg
		}

		agg.absorbEvent(e)
		w.trackStep(e.RunID, e.StepID)
		touched[e.StepID] = struct{}{}
	}

	for stepID := range touched {
		if err := w.refreshStep(ctx, stepID); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// processRun persists a run snapshot and refreshes its analytical row. A
// terminal snapshot triggers final aggregation and then releases the run's
// cache entries.
func (w *Worker) processRun(ctx context.Context, r *event.Run) error {
	if err := w.validator.ValidateRun(r); err != nil {
		return fmt.Errorf("%w: %w", errPermanent, err)
	}

	if _, err := w.blobs.PutRun(ctx, r); err != nil {
		return fmt.Errorf("run %s: %w", r.RunID, err)
	}

	if w.terminal.contains(r.RunID) {
		// The final row was written when the run went terminal; recomputing
		// it from an already-evicted cache would regress its totals.
		return nil
	}

	agg, ok := w.runs[r.RunID]
	if !ok {
		agg = newRunAgg()
		w.runs[r.RunID] = agg
	}

	agg.snapshot = r

	if err := w.store.UpsertRun(ctx, agg.row(w.steps, event.Now().Time)); err != nil {
		return fmt.Errorf("run %s: %w", r.RunID, err)
	}

	if r.Status.IsTerminal() {
		w.evictRun(r.RunID)
	}

	return nil
}

// processStep persists a step snapshot, refreshes the step row, and updates
// the enclosing run's totals.
func (w *Worker) processStep(ctx context.Context, s *event.Step) error {
	if err := w.validator.ValidateStep(s); err != nil {
		return fmt.Errorf("%w: %w", errPermanent, err)
	}

	if _, err := w.blobs.PutStep(ctx, s); err != nil {
		return fmt.Errorf("step %s: %w", s.StepID, err)
	}

	if w.terminal.contains(s.RunID) {
		w.logger.Debug("step for terminal run, skipping aggregation",
			slog.String("step_id", s.StepID),
			slog.String("run_id", s.RunID),
		)

		return nil
	}

	agg, ok := w.steps[s.StepID]
	if !ok {
		agg = newStepAgg(s.StepID, s.RunID, s.PipelineID)
		w.steps[s.StepID] = agg
	}

	agg.absorbSnapshot(s)
	w.trackStep(s.RunID, s.StepID)

	if err := w.refreshStep(ctx, s.StepID); err != nil {
		return err
	}

	return w.refreshRun(ctx, s.RunID)
}

// refreshStep upserts the analytical row for one step aggregate.
func (w *Worker) refreshStep(ctx context.Context, stepID string) error {
	agg, ok := w.steps[stepID]
	if !ok {
		return nil
	}

	_, inputSource := agg.inputCount()
	row := agg.row(event.Now().Time)

	w.logger.Debug("step metrics refreshed",
		slog.String("step_id", stepID),
		slog.String("run_id", agg.runID),
		slog.Int64("input_count", row.InputCount),
		slog.Int64("output_count", row.OutputCount),
		slog.String("input_count_source", inputSource),
	)

	if err := w.store.UpsertStep(ctx, row); err != nil {
		return fmt.Errorf("step %s: %w", stepID, err)
	}

	return nil
}

// refreshRun upserts the analytical row for one run aggregate, if its
// snapshot has been observed.
func (w *Worker) refreshRun(ctx context.Context, runID string) error {
	agg, ok := w.runs[runID]
	if !ok || agg.snapshot == nil {
		return nil
	}

	if err := w.store.UpsertRun(ctx, agg.row(w.steps, event.Now().Time)); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	return nil
}

// trackStep associates a step with its run, creating the run aggregate if
// the run snapshot has not arrived yet.
func (w *Worker) trackStep(runID, stepID string) {
	if runID == "" {
		return
	}

	agg, ok := w.runs[runID]
	if !ok {
		agg = newRunAgg()
		w.runs[runID] = agg
	}

	agg.stepIDs[stepID] = struct{}{}
}

// evictRun releases a terminal run and its steps from the aggregation
// caches and remembers the run as terminal: late messages for it still
// persist payloads but skip aggregation, so a fresh partial aggregate never
// overwrites the final rows.
func (w *Worker) evictRun(runID string) {
	w.terminal.add(runID)

	agg, ok := w.runs[runID]
	if !ok {
		return
	}

	for stepID := range agg.stepIDs {
		delete(w.steps, stepID)
	}

	delete(w.runs, runID)
}

// count applies a metrics update when instrumentation is configured.
func (w *Worker) count(fn func(*Metrics)) {
	if w.metrics != nil {
		fn(w.metrics)
	}
}
