package capture

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

type (
	// StepFunc is the application's step body, wrapped by Step. It receives
	// the step input and returns the step output.
	StepFunc func(input any) (any, error)

	// StepOption customizes a single Step invocation.
	StepOption func(*stepOptions)

	stepOptions struct {
		config   map[string]any
		callback DecisionCallback
	}

	// Client is the capture façade. It tracks active runs, wraps step
	// execution, and feeds derived decision events into the buffered
	// transport pipeline.
	//
	// All capture work is best-effort: nothing the Client does can fail the
	// wrapped application code, block it on network I/O, or alter what a
	// step returns. A step function's panic is re-raised unchanged after the
	// step record is captured.
	Client struct {
		cfg       *Config
		transport *Transport
		buffer    *Buffer
		logger    *slog.Logger

		mu   sync.RWMutex
		runs map[string]*event.Run

		// wg tracks in-flight run/step snapshot sends so Flush can wait
		// for them.
		wg sync.WaitGroup
	}
)

// WithConfig attaches step configuration (thresholds, match types, model
// names) to the step record and to derived event metadata. An explicit
// "inputCount" entry here overrides the derived count downstream.
func WithConfig(config map[string]any) StepOption {
	return func(o *stepOptions) {
		o.config = config
	}
}

// WithDecisionCallback overrides automatic decision derivation with an
// application-supplied per-item callback.
func WithDecisionCallback(cb DecisionCallback) StepOption {
	return func(o *stepOptions) {
		o.callback = cb
	}
}

// New creates a capture Client. A nil cfg loads configuration from the
// environment and the optional config file; a partially populated cfg is
// filled with defaults.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = LoadConfig()
	}

	cfg.normalize()

	transport := newTransport(cfg)

	return &Client{
		cfg:       cfg,
		transport: transport,
		buffer:    newBuffer(cfg, transport),
		logger:    cfg.Logger,
		runs:      make(map[string]*event.Run),
	}
}

// StartRun registers a new pipeline run and asynchronously ships its
// initial snapshot. The returned run id threads through Step and EndRun.
func (c *Client) StartRun(pipelineID string, input any, metadata map[string]any) string {
	r := &event.Run{
		RunID:      uuid.NewString(),
		PipelineID: pipelineID,
		Status:     event.RunStatusRunning,
		Input:      input,
		Metadata:   metadata,
		StartedAt:  event.Now(),
	}

	c.mu.Lock()
	c.runs[r.RunID] = r
	c.mu.Unlock()

	c.sendRunAsync(r)

	return r.RunID
}

// Step executes fn as an observed pipeline step: it records the step, diffs
// input against output to derive per-item decision events, and returns fn's
// result untouched.
//
// If fn panics, the step record is captured with the panic noted in its
// config and the panic is re-raised. An unknown runID degrades to executing
// fn without capture.
func (c *Client) Step(
	runID string,
	stepType event.StepType,
	name string,
	input any,
	fn StepFunc,
	opts ...StepOption,
) (any, error) {
	c.mu.RLock()
	r, ok := c.runs[runID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("step on unknown run, skipping capture",
			slog.String("run_id", runID),
			slog.String("step", name),
		)

		return fn(input)
	}

	var options stepOptions
	for _, opt := range opts {
		opt(&options)
	}

	st := &event.Step{
		StepID:     uuid.NewString(),
		RunID:      r.RunID,
		PipelineID: r.PipelineID,
		Type:       stepType,
		Name:       name,
		Config:     cloneConfig(options.config),
		StartedAt:  event.Now(),
	}

	// Entry snapshot before fn runs: a hung or crashed step is visible with
	// its start time. The exit snapshot supersedes it downstream.
	c.sendStepAsync(st)

	// The panic path must still emit the step record so a crashed step is
	// visible with its timing, then re-raise untouched.
	defer func() {
		if rec := recover(); rec != nil {
			completed := event.Now()
			st.CompletedAt = &completed
			st.Config = ensureConfig(st.Config)
			st.Config["panic"] = true

			c.sendStepAsync(st)

			panic(rec)
		}
	}()

	output, err := fn(input)

	completed := event.Now()
	st.CompletedAt = &completed

	if err != nil {
		// A failed step derives nothing; only events emitted before the
		// failure are on record. The exit snapshot still ships with the
		// step's timing and a zero output count.
		st.Config = ensureConfig(st.Config)
		if _, set := st.Config["inputCount"]; !set {
			st.Config["inputCount"] = inputItemCount(input)
		}

		st.Config["outputCount"] = 0

		c.sendStepAsync(st)

		return output, err
	}

	events, inputCount, outputCount := derive(st, input, output, options.callback, c.cfg.Level)

	// Echo the counts into the step record after derivation, so metric
	// aggregation works even when the capture level emits no events. An
	// explicit inputCount in the step config wins over the derived value.
	st.Config = ensureConfig(st.Config)
	if _, set := st.Config["inputCount"]; !set {
		st.Config["inputCount"] = inputCount
	}

	st.Config["outputCount"] = outputCount

	c.sendStepAsync(st)

	for _, ev := range events {
		c.buffer.Add(ev)
	}

	return output, err
}

// EndRun completes a run: records its output or failure, ships the final
// snapshot, and drops the run from the registry. Unknown run ids are
// ignored.
func (c *Client) EndRun(runID string, output any, runErr error) {
	c.mu.Lock()

	r, ok := c.runs[runID]
	if ok {
		delete(c.runs, runID)
	}

	c.mu.Unlock()

	if !ok {
		c.logger.Debug("end of unknown run ignored", slog.String("run_id", runID))

		return
	}

	completed := event.Now()
	r.CompletedAt = &completed
	r.Output = output

	if runErr != nil {
		r.Status = event.RunStatusFailed
		msg := runErr.Error()
		r.Error = &msg
	} else {
		r.Status = event.RunStatusCompleted
	}

	c.sendRunAsync(r)
}

// Flush drains the event buffer and waits for in-flight run and step
// snapshot sends. It is the only Client operation that blocks; call it
// before process exit to avoid losing tail events.
func (c *Client) Flush() {
	c.buffer.ForceFlush()
	c.wg.Wait()
}

// sendRunAsync ships a point-in-time copy of the run so later mutation of
// the registered run does not race the marshal.
func (c *Client) sendRunAsync(r *event.Run) {
	snapshot := *r

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.transport.SendRun(&snapshot)
	}()
}

// sendStepAsync ships a point-in-time copy of the step. The config map is
// cloned too: the exit path writes count echoes into it while the entry
// snapshot may still be marshaling.
func (c *Client) sendStepAsync(st *event.Step) {
	snapshot := *st
	snapshot.Config = cloneConfig(st.Config)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.transport.SendStep(&snapshot)
	}()
}

// cloneConfig copies a caller-supplied config map so later SDK writes
// (count echo, panic marker) never mutate application state.
func cloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func ensureConfig(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any, 2)
	}

	return m
}
