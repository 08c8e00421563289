package processor

import (
	"time"

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/event"
)

// Count provenance values, logged with each step upsert so the origin of a
// count is auditable per row.
const (
	countSourceConfig   = "config"
	countSourceMetadata = "event_metadata"
	countSourceEvents   = "event_count"
)

type (
	// stepAgg accumulates per-step decision counts alongside the latest step
	// snapshot. Counts survive snapshot merges: a step completion arriving
	// after its decision events keeps the tallies.
	stepAgg struct {
		snapshot *event.Step

		stepID     string
		runID      string
		pipelineID string

		kept       int64
		eliminated int64
		scored     int64
		eventCount int64

		// metaInputCount/metaOutputCount come from the first decision
		// event's metadata; -1 means not yet observed.
		metaInputCount  int64
		metaOutputCount int64
	}

	// runAgg tracks a run snapshot and the set of steps observed for it.
	runAgg struct {
		snapshot *event.Run
		stepIDs  map[string]struct{}
	}
)

func newStepAgg(stepID, runID, pipelineID string) *stepAgg {
	return &stepAgg{
		stepID:          stepID,
		runID:           runID,
		pipelineID:      pipelineID,
		metaInputCount:  -1,
		metaOutputCount: -1,
	}
}

// absorbSnapshot merges a step snapshot into the aggregate. The latest
// snapshot wins; identity fields are refreshed in case events arrived first.
func (a *stepAgg) absorbSnapshot(st *event.Step) {
	a.snapshot = st
	a.runID = st.RunID

	if st.PipelineID != "" {
		a.pipelineID = st.PipelineID
	}
}

// absorbEvent tallies one decision event into the aggregate.
func (a *stepAgg) absorbEvent(e *event.DecisionEvent) {
	a.eventCount++

	switch e.Outcome {
	case event.OutcomeKept:
		a.kept++
	case event.OutcomeEliminated:
		a.eliminated++
	case event.OutcomeScored:
		a.scored++
	}

	if e.PipelineID != "" && a.pipelineID == "" {
		a.pipelineID = e.PipelineID
	}

	if a.metaInputCount < 0 {
		if n, ok := numberFromMeta(e.Metadata, "inputCount"); ok {
			a.metaInputCount = n
		}
	}

	if a.metaOutputCount < 0 {
		if n, ok := numberFromMeta(e.Metadata, "outputCount"); ok {
			a.metaOutputCount = n
		}
	}
}

// inputCount resolves the step's input count and reports its provenance.
// Precedence: explicit step config, then the first event's metadata, then
// the number of captured events. Config wins because sampling makes the
// event count a lower bound, and the application knows its own batch size
// best.
func (a *stepAgg) inputCount() (int64, string) {
	if a.snapshot != nil {
		if n, ok := numberFromMeta(a.snapshot.Config, "inputCount"); ok {
			return n, countSourceConfig
		}
	}

	if a.metaInputCount >= 0 {
		return a.metaInputCount, countSourceMetadata
	}

	return a.eventCount, countSourceEvents
}

// outputCount resolves the step's output count with the same precedence as
// inputCount. The event-count fallback counts survivors (kept + scored).
func (a *stepAgg) outputCount() (int64, string) {
	if a.snapshot != nil {
		if n, ok := numberFromMeta(a.snapshot.Config, "outputCount"); ok {
			return n, countSourceConfig
		}
	}

	if a.metaOutputCount >= 0 {
		return a.metaOutputCount, countSourceMetadata
	}

	return a.kept + a.scored, countSourceEvents
}

// row projects the aggregate into its analytical store shape.
func (a *stepAgg) row(updatedAt time.Time) *analytical.StepRow {
	inputCount, _ := a.inputCount()
	outputCount, _ := a.outputCount()

	row := &analytical.StepRow{
		StepID:           a.stepID,
		RunID:            a.runID,
		PipelineID:       a.pipelineID,
		InputCount:       inputCount,
		OutputCount:      outputCount,
		EliminationRatio: event.EliminationRatio(int(inputCount), int(outputCount)),
		KeptCount:        a.kept,
		EliminatedCount:  a.eliminated,
		ScoredCount:      a.scored,
		StartedAt:        updatedAt,
		UpdatedAt:        updatedAt,
	}

	if a.snapshot != nil {
		row.Type = string(a.snapshot.Type)
		row.Name = a.snapshot.Name
		row.StartedAt = a.snapshot.StartedAt.Time

		if a.snapshot.CompletedAt != nil {
			completed := a.snapshot.CompletedAt.Time
			row.CompletedAt = &completed
		}
	}

	return row
}

func newRunAgg() *runAgg {
	return &runAgg{stepIDs: make(map[string]struct{})}
}

// row projects the run aggregate into its analytical store shape, summing
// totals across the run's observed steps.
func (a *runAgg) row(steps map[string]*stepAgg, updatedAt time.Time) *analytical.RunRow {
	row := &analytical.RunRow{
		TotalSteps: len(a.stepIDs),
		UpdatedAt:  updatedAt,
	}

	if a.snapshot != nil {
		row.RunID = a.snapshot.RunID
		row.PipelineID = a.snapshot.PipelineID
		row.Status = string(a.snapshot.Status)
		row.StartedAt = a.snapshot.StartedAt.Time
		row.Metadata = a.snapshot.Metadata
		row.Error = a.snapshot.Error

		if a.snapshot.CompletedAt != nil {
			completed := a.snapshot.CompletedAt.Time
			row.CompletedAt = &completed
		}
	}

	for stepID := range a.stepIDs {
		agg, ok := steps[stepID]
		if !ok {
			continue
		}

		inputCount, _ := agg.inputCount()
		outputCount, _ := agg.outputCount()

		row.TotalInputCount += inputCount
		row.TotalOutputCount += outputCount
	}

	row.OverallEliminationRatio = event.EliminationRatio(
		int(row.TotalInputCount), int(row.TotalOutputCount))

	return row
}

// numberFromMeta extracts an integral count from loosely typed metadata or
// config. JSON decoding yields float64; in-process callers may supply Go
// integer types.
func numberFromMeta(m map[string]any, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}

	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	default:
		return 0, false
	}
}
