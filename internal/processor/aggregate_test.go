package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

func decisionFor(stepID string, outcome event.Outcome, meta map[string]any) *event.DecisionEvent {
	return &event.DecisionEvent{
		EventID:   "evt-" + stepID,
		StepID:    stepID,
		RunID:     "run-1",
		Outcome:   outcome,
		ItemID:    "item-1",
		Metadata:  meta,
		Timestamp: event.Now(),
	}
}

func TestStepAggCountsOutcomes(t *testing.T) {
	agg := newStepAgg("s1", "run-1", "search")

	agg.absorbEvent(decisionFor("s1", event.OutcomeKept, nil))
	agg.absorbEvent(decisionFor("s1", event.OutcomeKept, nil))
	agg.absorbEvent(decisionFor("s1", event.OutcomeEliminated, nil))
	agg.absorbEvent(decisionFor("s1", event.OutcomeScored, nil))

	assert.EqualValues(t, 2, agg.kept)
	assert.EqualValues(t, 1, agg.eliminated)
	assert.EqualValues(t, 1, agg.scored)
	assert.EqualValues(t, 4, agg.eventCount)
}

func TestStepAggInputCountPrecedence(t *testing.T) {
	t.Run("event count fallback", func(t *testing.T) {
		agg := newStepAgg("s1", "run-1", "")
		agg.absorbEvent(decisionFor("s1", event.OutcomeKept, nil))
		agg.absorbEvent(decisionFor("s1", event.OutcomeEliminated, nil))

		n, source := agg.inputCount()
		assert.EqualValues(t, 2, n)
		assert.Equal(t, countSourceEvents, source)
	})

	t.Run("metadata beats event count", func(t *testing.T) {
		agg := newStepAgg("s1", "run-1", "")
		agg.absorbEvent(decisionFor("s1", event.OutcomeKept,
			map[string]any{"inputCount": float64(500), "outputCount": float64(20)}))

		n, source := agg.inputCount()
		assert.EqualValues(t, 500, n)
		assert.Equal(t, countSourceMetadata, source)

		out, outSource := agg.outputCount()
		assert.EqualValues(t, 20, out)
		assert.Equal(t, countSourceMetadata, outSource)
	})

	t.Run("config beats metadata", func(t *testing.T) {
		agg := newStepAgg("s1", "run-1", "")
		agg.absorbEvent(decisionFor("s1", event.OutcomeKept,
			map[string]any{"inputCount": float64(500)}))
		agg.absorbSnapshot(&event.Step{
			StepID:    "s1",
			RunID:     "run-1",
			Type:      event.StepTypeFilter,
			Name:      "dedupe",
			Config:    map[string]any{"inputCount": 10_000},
			StartedAt: event.Now(),
		})

		n, source := agg.inputCount()
		assert.EqualValues(t, 10_000, n)
		assert.Equal(t, countSourceConfig, source)
	})
}

func TestStepAggOutputCountFallbackCountsSurvivors(t *testing.T) {
	agg := newStepAgg("s1", "run-1", "")
	agg.absorbEvent(decisionFor("s1", event.OutcomeKept, nil))
	agg.absorbEvent(decisionFor("s1", event.OutcomeScored, nil))
	agg.absorbEvent(decisionFor("s1", event.OutcomeEliminated, nil))

	out, source := agg.outputCount()
	assert.EqualValues(t, 2, out, "kept + scored")
	assert.Equal(t, countSourceEvents, source)
}

func TestStepAggRow(t *testing.T) {
	agg := newStepAgg("s1", "run-1", "search")

	started := event.Now()
	completed := event.At(started.Add(time.Second))

	agg.absorbSnapshot(&event.Step{
		StepID:      "s1",
		RunID:       "run-1",
		PipelineID:  "search",
		Type:        event.StepTypeFilter,
		Name:        "dedupe",
		Config:      map[string]any{"inputCount": 10, "outputCount": 4},
		StartedAt:   started,
		CompletedAt: &completed,
	})

	row := agg.row(time.Now())

	assert.Equal(t, "s1", row.StepID)
	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, "search", row.PipelineID)
	assert.Equal(t, "filter", row.Type)
	assert.Equal(t, "dedupe", row.Name)
	assert.EqualValues(t, 10, row.InputCount)
	assert.EqualValues(t, 4, row.OutputCount)
	assert.InDelta(t, 0.6, row.EliminationRatio, 1e-9)
	require.NotNil(t, row.CompletedAt)
}

func TestRunAggRowSumsSteps(t *testing.T) {
	steps := map[string]*stepAgg{}

	s1 := newStepAgg("s1", "run-1", "search")
	s1.absorbSnapshot(&event.Step{
		StepID: "s1", RunID: "run-1", Type: event.StepTypeFilter, Name: "a",
		Config:    map[string]any{"inputCount": 100, "outputCount": 40},
		StartedAt: event.Now(),
	})
	steps["s1"] = s1

	s2 := newStepAgg("s2", "run-1", "search")
	s2.absorbSnapshot(&event.Step{
		StepID: "s2", RunID: "run-1", Type: event.StepTypeRank, Name: "b",
		Config:    map[string]any{"inputCount": 40, "outputCount": 10},
		StartedAt: event.Now(),
	})
	steps["s2"] = s2

	agg := newRunAgg()
	agg.snapshot = &event.Run{
		RunID:      "run-1",
		PipelineID: "search",
		Status:     event.RunStatusRunning,
		StartedAt:  event.Now(),
	}
	agg.stepIDs["s1"] = struct{}{}
	agg.stepIDs["s2"] = struct{}{}

	row := agg.row(steps, time.Now())

	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, 2, row.TotalSteps)
	assert.EqualValues(t, 140, row.TotalInputCount)
	assert.EqualValues(t, 50, row.TotalOutputCount)
	assert.InDelta(t, event.EliminationRatio(140, 50), row.OverallEliminationRatio, 1e-9)
}

func TestNumberFromMeta(t *testing.T) {
	m := map[string]any{
		"int":     42,
		"int64":   int64(43),
		"float64": float64(44),
		"float32": float32(45),
		"string":  "46",
	}

	for key, want := range map[string]int64{"int": 42, "int64": 43, "float64": 44, "float32": 45} {
		n, ok := numberFromMeta(m, key)
		require.True(t, ok, key)
		assert.Equal(t, want, n, key)
	}

	_, ok := numberFromMeta(m, "string")
	assert.False(t, ok, "strings are not counts")

	_, ok = numberFromMeta(nil, "int")
	assert.False(t, ok)

	_, ok = numberFromMeta(m, "absent")
	assert.False(t, ok)
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(3)

	s.add("a")
	s.add("b")
	s.add("c")

	require.True(t, s.contains("a"))

	s.add("d") // evicts a

	assert.False(t, s.contains("a"))
	assert.True(t, s.contains("b"))
	assert.True(t, s.contains("d"))
}

func TestSeenSetDuplicateAdd(t *testing.T) {
	s := newSeenSet(2)

	s.add("a")
	s.add("a")
	s.add("b")

	assert.True(t, s.contains("a"))
	assert.True(t, s.contains("b"))
}
