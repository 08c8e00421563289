package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrNilRun            = errors.New("run cannot be nil")
	ErrMissingRunID      = errors.New("runId is required")
	ErrMissingPipelineID = errors.New("pipelineId is required")
	ErrInvalidRunStatus  = errors.New("invalid run status")
	ErrMissingStartedAt  = errors.New("startedAt is required")
	ErrCompletedBefore   = errors.New("completedAt cannot precede startedAt")
	ErrErrorStatusSkew   = errors.New("error must be set iff status is failed")

	ErrNilStep         = errors.New("step cannot be nil")
	ErrMissingStepID   = errors.New("stepId is required")
	ErrInvalidStepType = errors.New("invalid step type")
	ErrMissingStepName = errors.New("step name is required")

	ErrNilDecision      = errors.New("decision event cannot be nil")
	ErrMissingEventID   = errors.New("eventId is required")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrMissingItemID    = errors.New("itemId is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
)

// Validator performs semantic validation of ingested payloads.
//
// Validation strategy is semantic (decode + business rules) rather than
// formal JSON Schema: the envelope decode already enforces field shapes and
// unknown-field rejection, so the validator only checks the invariants the
// schema cannot express.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRun validates a Run payload.
//
// Rules:
//   - runId, pipelineId, startedAt required
//   - status must be a known lifecycle state
//   - completedAt, when set, must not precede startedAt
//   - error is present iff status is failed
func (v *Validator) ValidateRun(r *Run) error {
	if r == nil {
		return ErrNilRun
	}

	if r.RunID == "" {
		return ErrMissingRunID
	}

	if r.PipelineID == "" {
		return ErrMissingPipelineID
	}

	if !r.Status.IsValid() {
		return fmt.Errorf(
			"%w: %q (valid: pending, running, completed, failed, cancelled)",
			ErrInvalidRunStatus, r.Status,
		)
	}

	if r.StartedAt.IsZero() {
		return ErrMissingStartedAt
	}

	if r.CompletedAt != nil && r.CompletedAt.Before(r.StartedAt.Time) {
		return fmt.Errorf("%w: started %s, completed %s", ErrCompletedBefore, r.StartedAt, r.CompletedAt)
	}

	hasError := r.Error != nil && *r.Error != ""
	if hasError != (r.Status == RunStatusFailed) {
		return fmt.Errorf("%w: status=%s error set=%t", ErrErrorStatusSkew, r.Status, hasError)
	}

	return nil
}

// ValidateStep validates a Step payload.
//
// Rules:
//   - stepId, runId, name, startedAt required
//   - type must be a known step type
//   - completedAt, when set, must not precede startedAt
func (v *Validator) ValidateStep(s *Step) error {
	if s == nil {
		return ErrNilStep
	}

	if s.StepID == "" {
		return ErrMissingStepID
	}

	if s.RunID == "" {
		return ErrMissingRunID
	}

	if !s.Type.IsValid() {
		return fmt.Errorf(
			"%w: %q (valid: filter, rank, llm, transform, score)",
			ErrInvalidStepType, s.Type,
		)
	}

	if s.Name == "" {
		return ErrMissingStepName
	}

	if s.StartedAt.IsZero() {
		return ErrMissingStartedAt
	}

	if s.CompletedAt != nil && s.CompletedAt.Before(s.StartedAt.Time) {
		return fmt.Errorf("%w: started %s, completed %s", ErrCompletedBefore, s.StartedAt, s.CompletedAt)
	}

	return nil
}

// ValidateDecisionEvent validates a DecisionEvent payload.
//
// Rules:
//   - eventId, stepId, runId, itemId, timestamp required
//   - outcome must be kept, eliminated, or scored
//
// Score is deliberately unconstrained by outcome: decision callbacks may
// attach scores to kept items, and the metric aggregation ignores them.
func (v *Validator) ValidateDecisionEvent(e *DecisionEvent) error {
	if e == nil {
		return ErrNilDecision
	}

	if e.EventID == "" {
		return ErrMissingEventID
	}

	if e.StepID == "" {
		return ErrMissingStepID
	}

	if e.RunID == "" {
		return ErrMissingRunID
	}

	if !e.Outcome.IsValid() {
		return fmt.Errorf("%w: %q (valid: kept, eliminated, scored)", ErrInvalidOutcome, e.Outcome)
	}

	if e.ItemID == "" {
		return ErrMissingItemID
	}

	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}
