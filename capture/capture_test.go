package capture

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// collector is an httptest ingestion endpoint that records envelopes by type.
type collector struct {
	mu        sync.Mutex
	runs      []*event.Run
	steps     []*event.Step
	decisions []*event.DecisionEvent
}

func (c *collector) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env event.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		switch env.Type {
		case event.TypeRun:
			if run, err := env.DecodeRun(); err == nil {
				c.runs = append(c.runs, run)
			}
		case event.TypeStep:
			if step, err := env.DecodeStep(); err == nil {
				c.steps = append(c.steps, step)
			}
		case event.TypeDecisions:
			if events, errs, err := env.DecodeDecisions(); err == nil {
				for i, ev := range events {
					if errs[i] == nil {
						c.decisions = append(c.decisions, ev)
					}
				}
			}
		case event.TypeDecision:
			if ev, err := env.DecodeDecision(); err == nil {
				c.decisions = append(c.decisions, ev)
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (c *collector) snapshot() (runs []*event.Run, steps []*event.Step, decisions []*event.DecisionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*event.Run(nil), c.runs...),
		append([]*event.Step(nil), c.steps...),
		append([]*event.DecisionEvent(nil), c.decisions...)
}

// completedSteps filters exit snapshots; entry snapshots carry no
// CompletedAt.
func completedSteps(steps []*event.Step) []*event.Step {
	out := make([]*event.Step, 0, len(steps))

	for _, s := range steps {
		if s.CompletedAt != nil {
			out = append(out, s)
		}
	}

	return out
}

func newTestClient(t *testing.T, level Level) (*Client, *collector) {
	t.Helper()

	col := &collector{}
	srv := httptest.NewServer(col.handler())
	t.Cleanup(srv.Close)

	client := New(&Config{
		APIURL:        srv.URL,
		Level:         level,
		MaxSize:       1000,
		BatchSize:     100,
		FlushInterval: time.Hour,
		Timeout:       time.Second,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})

	return client, col
}

func TestClientRunLifecycle(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", map[string]any{"query": "go"}, map[string]any{"tenant": "acme"})
	require.NotEmpty(t, runID)

	out, err := client.Step(runID, event.StepTypeFilter, "dedupe",
		[]map[string]any{{"id": "a"}, {"id": "b"}},
		func(input any) (any, error) {
			return []map[string]any{{"id": "a"}}, nil
		},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)

	client.EndRun(runID, out, nil)
	client.Flush()

	runs, steps, decisions := col.snapshot()

	require.Len(t, runs, 2, "initial and terminal run snapshots")

	// Sends are async, so delivery order is not guaranteed.
	byStatus := map[event.RunStatus]*event.Run{runs[0].Status: runs[0], runs[1].Status: runs[1]}
	require.Contains(t, byStatus, event.RunStatusRunning)
	require.Contains(t, byStatus, event.RunStatusCompleted)
	assert.NotNil(t, byStatus[event.RunStatusCompleted].CompletedAt)

	require.Len(t, steps, 2, "entry and exit step snapshots")

	exits := completedSteps(steps)
	require.Len(t, exits, 1)
	assert.Equal(t, "dedupe", exits[0].Name)
	assert.Equal(t, runID, exits[0].RunID)
	assert.Equal(t, 2, asInt(t, exits[0].Config["inputCount"]))
	assert.Equal(t, 1, asInt(t, exits[0].Config["outputCount"]))

	require.Len(t, decisions, 2)
}

func TestClientStepResultUntouched(t *testing.T) {
	client, _ := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	wantErr := errors.New("step exploded")

	out, err := client.Step(runID, event.StepTypeLLM, "summarize", "input",
		func(input any) (any, error) {
			return "output", wantErr
		},
	)

	assert.Equal(t, "output", out)
	assert.ErrorIs(t, err, wantErr)
}

func TestClientStepOnUnknownRunDegradesToPlainCall(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	called := false

	out, err := client.Step("no-such-run", event.StepTypeFilter, "f", "in",
		func(input any) (any, error) {
			called = true

			return input, nil
		},
	)

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "in", out)

	client.Flush()

	_, steps, decisions := col.snapshot()
	assert.Empty(t, steps)
	assert.Empty(t, decisions)
}

func TestClientStepPanicIsReRaised(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = client.Step(runID, event.StepTypeTransform, "explode", nil,
			func(any) (any, error) { panic("boom") },
		)
	})

	client.Flush()

	_, steps, _ := col.snapshot()
	exits := completedSteps(steps)
	require.Len(t, exits, 1, "panicked step still captured")
	assert.Equal(t, true, exits[0].Config["panic"])
}

func TestClientEndRunWithError(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)
	client.EndRun(runID, nil, errors.New("upstream timeout"))
	client.Flush()

	runs, _, _ := col.snapshot()
	require.Len(t, runs, 2)

	var terminal *event.Run

	for _, r := range runs {
		if r.Status.IsTerminal() {
			terminal = r
		}
	}

	require.NotNil(t, terminal)
	assert.Equal(t, event.RunStatusFailed, terminal.Status)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, "upstream timeout", *terminal.Error)
}

func TestClientMetricsOnlySendsNoDecisions(t *testing.T) {
	client, col := newTestClient(t, LevelMetricsOnly)

	runID := client.StartRun("search", nil, nil)

	_, err := client.Step(runID, event.StepTypeFilter, "dedupe",
		[]map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}},
		func(any) (any, error) {
			return []map[string]any{{"id": "a"}}, nil
		},
	)
	require.NoError(t, err)

	client.EndRun(runID, nil, nil)
	client.Flush()

	_, steps, decisions := col.snapshot()

	assert.Empty(t, decisions)

	exits := completedSteps(steps)
	require.Len(t, exits, 1)
	assert.Equal(t, 3, asInt(t, exits[0].Config["inputCount"]), "counts survive metrics_only")
	assert.Equal(t, 1, asInt(t, exits[0].Config["outputCount"]))
}

func TestClientExplicitInputCountWins(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	_, err := client.Step(runID, event.StepTypeFilter, "dedupe",
		[]map[string]any{{"id": "a"}, {"id": "b"}},
		func(any) (any, error) { return []map[string]any{{"id": "a"}}, nil },
		WithConfig(map[string]any{"inputCount": 50_000}),
	)
	require.NoError(t, err)

	client.Flush()

	_, steps, _ := col.snapshot()

	exits := completedSteps(steps)
	require.Len(t, exits, 1)
	assert.Equal(t, 50_000, asInt(t, exits[0].Config["inputCount"]))
}

func TestClientConfigNotMutated(t *testing.T) {
	client, _ := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	cfg := map[string]any{"threshold": 0.8}

	_, err := client.Step(runID, event.StepTypeFilter, "dedupe", nil,
		func(any) (any, error) { return nil, nil },
		WithConfig(cfg),
	)
	require.NoError(t, err)

	client.Flush()

	assert.Equal(t, map[string]any{"threshold": 0.8}, cfg,
		"count echo must not leak into the caller's map")
}

func TestClientFailedStepEmitsNoDecisions(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	wantErr := errors.New("filter exploded")

	_, err := client.Step(runID, event.StepTypeFilter, "dedupe",
		[]map[string]any{{"id": "a"}, {"id": "b"}},
		func(any) (any, error) { return nil, wantErr },
	)
	require.ErrorIs(t, err, wantErr)

	client.Flush()

	_, steps, decisions := col.snapshot()
	assert.Empty(t, decisions, "failed step must not derive decision events")

	exits := completedSteps(steps)
	require.Len(t, exits, 1)
	assert.Equal(t, 2, asInt(t, exits[0].Config["inputCount"]))
	assert.Equal(t, 0, asInt(t, exits[0].Config["outputCount"]))
}

func TestClientStepEntrySnapshotPrecedesCompletion(t *testing.T) {
	client, col := newTestClient(t, LevelFull)

	runID := client.StartRun("search", nil, nil)

	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = client.Step(runID, event.StepTypeLLM, "summarize", "in",
			func(any) (any, error) {
				<-release

				return "out", nil
			},
		)
	}()

	// The entry snapshot must arrive while fn is still running.
	require.Eventually(t, func() bool {
		_, steps, _ := col.snapshot()

		return len(steps) == 1 && steps[0].CompletedAt == nil
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	<-done
	client.Flush()

	_, steps, _ := col.snapshot()
	require.Len(t, steps, 2)
	require.Len(t, completedSteps(steps), 1)
}

// asInt normalizes JSON-decoded numerics, which arrive as float64.
func asInt(t *testing.T, v any) int {
	t.Helper()

	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		t.Fatalf("unexpected numeric type %T", v)

		return 0
	}
}
