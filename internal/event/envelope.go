package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for envelope handling.
var (
	// ErrMissingEnvelopeType is returned when the envelope has no type field.
	ErrMissingEnvelopeType = errors.New("envelope type is required")

	// ErrMissingEnvelopeData is returned when the envelope has no data field.
	ErrMissingEnvelopeData = errors.New("envelope data is required")

	// ErrUnknownEnvelopeType is returned for types outside the closed set.
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")
)

type (
	// EnvelopeType discriminates the heterogeneous event envelope. The set is
	// closed: decision, decisions (batch), run, step.
	EnvelopeType string

	// Envelope is the wire container for all ingested payloads: {type, data}.
	//
	// Data is kept raw until the type-specific validator decodes it, so a
	// malformed payload of one variant cannot fail the envelope parse of
	// another.
	Envelope struct {
		Type EnvelopeType    `json:"type"`
		Data json.RawMessage `json:"data"`
	}
)

const (
	// TypeDecision is a single DecisionEvent payload.
	TypeDecision EnvelopeType = "decision"

	// TypeDecisions is a batch of DecisionEvent payloads.
	TypeDecisions EnvelopeType = "decisions"

	// TypeRun is a Run payload.
	TypeRun EnvelopeType = "run"

	// TypeStep is a Step payload.
	TypeStep EnvelopeType = "step"
)

// IsValid checks if the EnvelopeType belongs to the closed variant set.
func (et EnvelopeType) IsValid() bool {
	switch et {
	case TypeDecision, TypeDecisions, TypeRun, TypeStep:
		return true
	default:
		return false
	}
}

// NewEnvelope wraps a payload in an envelope of the given type.
// The payload is marshaled immediately so a marshal failure surfaces here,
// not at send time.
func NewEnvelope(t EnvelopeType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return Envelope{Type: t, Data: data}, nil
}

// Validate checks the envelope's structural invariants: type present and
// known, data present.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingEnvelopeType
	}

	if !e.Type.IsValid() {
		return fmt.Errorf("%w: %q (valid: decision, decisions, run, step)", ErrUnknownEnvelopeType, e.Type)
	}

	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return ErrMissingEnvelopeData
	}

	return nil
}

// strictDecode unmarshals data into v rejecting unknown fields, per the wire
// schema contract.
func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}

	return nil
}

// DecodeDecision decodes the envelope data as a single DecisionEvent.
func (e *Envelope) DecodeDecision() (*DecisionEvent, error) {
	var ev DecisionEvent
	if err := strictDecode(e.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	return &ev, nil
}

// DecodeDecisions decodes the envelope data as a batch of DecisionEvents.
//
// The batch is decoded element by element so one malformed element does not
// reject its siblings; per-element validation is the validator's job.
func (e *Envelope) DecodeDecisions() ([]*DecisionEvent, []error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(e.Data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode decisions batch: %w", err)
	}

	events := make([]*DecisionEvent, len(raw))
	errs := make([]error, len(raw))

	for i := range raw {
		var ev DecisionEvent
		if err := strictDecode(raw[i], &ev); err != nil {
			errs[i] = fmt.Errorf("decode decisions[%d]: %w", i, err)

			continue
		}

		events[i] = &ev
	}

	return events, errs, nil
}

// DecodeRun decodes the envelope data as a Run.
func (e *Envelope) DecodeRun() (*Run, error) {
	var r Run
	if err := strictDecode(e.Data, &r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}

	return &r, nil
}

// DecodeStep decodes the envelope data as a Step.
func (e *Envelope) DecodeStep() (*Step, error) {
	var s Step
	if err := strictDecode(e.Data, &s); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}

	return &s, nil
}
