// Package event provides the canonical domain model for decision observability:
// runs, steps, and per-item decision events, plus the wire envelope that moves
// them between the capture SDK, the ingestion service, and the processor.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type (
	// Run represents one execution of a pipeline - Domain Model.
	//
	// A run is created by the capture SDK in status "running" and mutated only
	// by the same SDK on termination. Once terminal (completed/failed) it is
	// immutable on the client; the processor recreates runs independently in
	// its cache and uses the terminal state to trigger final aggregation.
	Run struct {
		// RunID is an opaque unique identifier, generated by the SDK (UUID).
		RunID string `json:"runId"`

		// PipelineID identifies the pipeline definition this run executed.
		PipelineID string `json:"pipelineId"`

		// Status is the run lifecycle state.
		Status RunStatus `json:"status"`

		// Input is the opaque pipeline input payload.
		Input any `json:"input,omitempty"`

		// Output is the opaque pipeline output payload, nil until termination.
		Output any `json:"output,omitempty"`

		// StartedAt is when the run began (UTC, millisecond precision).
		StartedAt Timestamp `json:"startedAt"`

		// CompletedAt is when the run terminated, nil while running.
		// Invariant: CompletedAt >= StartedAt when non-nil.
		CompletedAt *Timestamp `json:"completedAt,omitempty"`

		// Error carries the failure message. Non-nil iff Status is failed.
		Error *string `json:"error,omitempty"`

		// Metadata is opaque user payload, passed through unmodified.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// RunStatus is the run lifecycle state.
	RunStatus string

	// Step represents one node within a run - Domain Model.
	//
	// Steps of the same type may repeat within a run and are distinguished by
	// StepID. CompletedAt is set on step exit regardless of success; the
	// enclosing run carries any error.
	Step struct {
		// StepID uniquely identifies this step invocation.
		StepID string `json:"stepId"`

		// RunID is the logical parent run. Denormalized onto the step record
		// so the processor can associate steps without a side channel.
		RunID string `json:"runId"`

		// PipelineID is denormalized from the run by the SDK.
		PipelineID string `json:"pipelineId,omitempty"`

		// Type categorizes the step's decision semantics.
		Type StepType `json:"type"`

		// Name is the display string for dashboards.
		Name string `json:"name"`

		// Config captures the step's knobs (thresholds, match types) so
		// queries can correlate behavior to configuration. Opaque passthrough.
		Config map[string]any `json:"config,omitempty"`

		// StartedAt is when the step function was entered.
		StartedAt Timestamp `json:"startedAt"`

		// CompletedAt is when the step function returned, nil while running.
		CompletedAt *Timestamp `json:"completedAt,omitempty"`
	}

	// StepType categorizes steps by their decision semantics.
	StepType string

	// DecisionEvent records one decision about one item at one step - Domain Model.
	//
	// Decision events are appended once by the SDK per captured item and never
	// mutated. The blob store owns the authoritative payload; the analytical
	// store owns an indexable reference.
	DecisionEvent struct {
		// EventID uniquely identifies this event (UUID).
		EventID string `json:"eventId"`

		// StepID is the step that made this decision.
		StepID string `json:"stepId"`

		// RunID is the enclosing run, denormalized for single-table queries.
		RunID string `json:"runId"`

		// PipelineID is denormalized from the run by the SDK.
		PipelineID string `json:"pipelineId,omitempty"`

		// Outcome is the decision: kept, eliminated, or scored.
		Outcome Outcome `json:"outcome"`

		// ItemID is opaque and stable across steps for the same item, enabling
		// item-trajectory queries.
		ItemID string `json:"itemId"`

		// Input is the item as seen by the step.
		Input any `json:"input,omitempty"`

		// Output is the item as emitted by the step, nil when eliminated.
		Output any `json:"output,omitempty"`

		// Reason is a human-readable explanation of the decision.
		Reason string `json:"reason"`

		// Score is set for scored outcomes.
		Score *float64 `json:"score,omitempty"`

		// Metadata carries inputCount, outputCount, the sampled flag, and
		// echoed step config.
		Metadata map[string]any `json:"metadata,omitempty"`

		// Timestamp is when the decision was captured (UTC, ms precision).
		// Also determines the blob key date partition.
		Timestamp Timestamp `json:"timestamp"`
	}

	// Outcome is the decision made about a single item.
	Outcome string
)

const (
	// RunStatusPending indicates a run that has been created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates a run in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates successful termination. Terminal (absorbing).
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates failed termination. Terminal (absorbing).
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled externally. Terminal.
	RunStatusCancelled RunStatus = "cancelled"
)

const (
	// StepTypeFilter removes items from the working set.
	StepTypeFilter StepType = "filter"

	// StepTypeRank orders items and attaches scores.
	StepTypeRank StepType = "rank"

	// StepTypeLLM invokes a language model over items.
	StepTypeLLM StepType = "llm"

	// StepTypeTransform reshapes items without eliminating them.
	StepTypeTransform StepType = "transform"

	// StepTypeScore attaches scores without reordering.
	StepTypeScore StepType = "score"
)

const (
	// OutcomeKept indicates the item survived the step.
	OutcomeKept Outcome = "kept"

	// OutcomeEliminated indicates the step removed the item.
	OutcomeEliminated Outcome = "eliminated"

	// OutcomeScored indicates the step attached a score to the item.
	OutcomeScored Outcome = "scored"
)

// ValidRunStatuses returns all valid run lifecycle states.
func ValidRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusPending,
		RunStatusRunning,
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusCancelled,
	}
}

// IsValid checks if the RunStatus is a known lifecycle state.
func (rs RunStatus) IsValid() bool {
	for _, valid := range ValidRunStatuses() {
		if rs == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the status is absorbing: a terminal run is
// immutable on the client and triggers final aggregation in the processor.
func (rs RunStatus) IsTerminal() bool {
	return rs == RunStatusCompleted || rs == RunStatusFailed || rs == RunStatusCancelled
}

// ValidStepTypes returns all valid step types.
func ValidStepTypes() []StepType {
	return []StepType{
		StepTypeFilter,
		StepTypeRank,
		StepTypeLLM,
		StepTypeTransform,
		StepTypeScore,
	}
}

// IsValid checks if the StepType is a known step type.
func (st StepType) IsValid() bool {
	for _, valid := range ValidStepTypes() {
		if st == valid {
			return true
		}
	}

	return false
}

// IsScoring returns true for step types whose surviving items are scored
// rather than merely kept (rank and score).
func (st StepType) IsScoring() bool {
	return st == StepTypeRank || st == StepTypeScore
}

// IsValid checks if the Outcome is a known decision outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeKept, OutcomeEliminated, OutcomeScored:
		return true
	default:
		return false
	}
}

// EliminationRatio computes 1 - outputCount/max(inputCount, 1), clamped to
// [0,1]. Defined to be 0 when inputCount is 0 (an empty step eliminated
// nothing).
func EliminationRatio(inputCount, outputCount int) float64 {
	if inputCount <= 0 {
		return 0
	}

	ratio := 1 - float64(outputCount)/float64(inputCount)
	if ratio < 0 {
		return 0
	}

	if ratio > 1 {
		return 1
	}

	return ratio
}

// MessageID returns the stable identity of this event for worker-side
// duplicate suppression. Decision events are immutable, so the event ID alone
// identifies the message.
//
// Returns: 64-character lowercase hex string (SHA-256 output).
func (e *DecisionEvent) MessageID() string {
	return hashMessageID("decision", e.EventID)
}

// MessageID returns the stable identity of this run snapshot. Runs are sent
// once at start and once at termination; status participates in the hash so
// the terminal snapshot is not suppressed as a duplicate of the initial one.
func (r *Run) MessageID() string {
	completed := ""
	if r.CompletedAt != nil {
		completed = r.CompletedAt.String()
	}

	return hashMessageID("run", r.RunID, string(r.Status), completed)
}

// MessageID returns the stable identity of this step snapshot. Steps are sent
// on entry and on exit; completedAt participates in the hash for the same
// reason as run status.
func (s *Step) MessageID() string {
	completed := ""
	if s.CompletedAt != nil {
		completed = s.CompletedAt.String()
	}

	return hashMessageID("step", s.StepID, completed)
}

// hashMessageID produces the SHA-256 hex digest of the joined identity parts.
func hashMessageID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(sum[:])
}
