package analytical

import "time"

type (
	// RunRow is the analytical projection of a run: lifecycle fields plus
	// aggregate metrics computed by the processor. Serves directly as the
	// query API's run summary shape.
	RunRow struct {
		RunID                   string         `json:"runId"`
		PipelineID              string         `json:"pipelineId"`
		Status                  string         `json:"status"`
		StartedAt               time.Time      `json:"startedAt"`
		CompletedAt             *time.Time     `json:"completedAt,omitempty"`
		Error                   *string        `json:"error,omitempty"`
		TotalSteps              int            `json:"totalSteps"`
		TotalInputCount         int64          `json:"totalInputCount"`
		TotalOutputCount        int64          `json:"totalOutputCount"`
		OverallEliminationRatio float64        `json:"overallEliminationRatio"`
		Metadata                map[string]any `json:"metadata,omitempty"`
		UpdatedAt               time.Time      `json:"updatedAt"`
	}

	// StepRow is the analytical projection of a step with its per-outcome
	// counts and elimination ratio.
	StepRow struct {
		StepID           string     `json:"stepId"`
		RunID            string     `json:"runId"`
		PipelineID       string     `json:"pipelineId,omitempty"`
		Type             string     `json:"type"`
		Name             string     `json:"name"`
		InputCount       int64      `json:"inputCount"`
		OutputCount      int64      `json:"outputCount"`
		EliminationRatio float64    `json:"eliminationRatio"`
		KeptCount        int64      `json:"keptCount"`
		EliminatedCount  int64      `json:"eliminatedCount"`
		ScoredCount      int64      `json:"scoredCount"`
		StartedAt        time.Time  `json:"startedAt"`
		CompletedAt      *time.Time `json:"completedAt,omitempty"`
		UpdatedAt        time.Time  `json:"updatedAt"`
	}

	// DecisionEventRow is the indexable reference to a decision event. The
	// full payload lives in the blob store at BlobKey; this row carries only
	// what queries filter and sort on.
	DecisionEventRow struct {
		RunID      string    `json:"runId"`
		StepID     string    `json:"stepId"`
		Timestamp  time.Time `json:"timestamp"`
		EventID    string    `json:"eventId"`
		PipelineID string    `json:"pipelineId,omitempty"`
		Outcome    string    `json:"outcome"`
		ItemID     string    `json:"itemId"`
		Score      *float64  `json:"score,omitempty"`
		BlobKey    string    `json:"blobKey"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}
)
