package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeTypeIsValid(t *testing.T) {
	assert.True(t, TypeDecision.IsValid())
	assert.True(t, TypeDecisions.IsValid())
	assert.True(t, TypeRun.IsValid())
	assert.True(t, TypeStep.IsValid())
	assert.False(t, EnvelopeType("incident").IsValid())
	assert.False(t, EnvelopeType("").IsValid())
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
		wantErr  error
	}{
		{
			name:     "valid",
			envelope: Envelope{Type: TypeRun, Data: json.RawMessage(`{}`)},
		},
		{
			name:     "missing type",
			envelope: Envelope{Data: json.RawMessage(`{}`)},
			wantErr:  ErrMissingEnvelopeType,
		},
		{
			name:     "unknown type",
			envelope: Envelope{Type: "incident", Data: json.RawMessage(`{}`)},
			wantErr:  ErrUnknownEnvelopeType,
		},
		{
			name:     "missing data",
			envelope: Envelope{Type: TypeRun},
			wantErr:  ErrMissingEnvelopeData,
		},
		{
			name:     "null data",
			envelope: Envelope{Type: TypeRun, Data: json.RawMessage(`null`)},
			wantErr:  ErrMissingEnvelopeData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.envelope.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	run := &Run{
		RunID:      "run-1",
		PipelineID: "search",
		Status:     RunStatusRunning,
		StartedAt:  Now(),
	}

	env, err := NewEnvelope(TypeRun, run)
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	decoded, err := env.DecodeRun()
	require.NoError(t, err)
	assert.Equal(t, run.RunID, decoded.RunID)
	assert.Equal(t, run.PipelineID, decoded.PipelineID)
	assert.Equal(t, run.Status, decoded.Status)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	env := Envelope{
		Type: TypeRun,
		Data: json.RawMessage(`{"runId":"r1","pipelineId":"p1","bogus":true}`),
	}

	_, err := env.DecodeRun()
	assert.Error(t, err)
}

func TestDecodeDecisionsIsolatesMalformedElements(t *testing.T) {
	env := Envelope{
		Type: TypeDecisions,
		Data: json.RawMessage(`[
			{"eventId":"e1","stepId":"s1","runId":"r1","outcome":"kept","itemId":"i1","reason":"ok","timestamp":"2026-03-15T09:30:00.000Z"},
			{"eventId":"e2","bogus":true},
			{"eventId":"e3","stepId":"s1","runId":"r1","outcome":"eliminated","itemId":"i3","reason":"below threshold","timestamp":"2026-03-15T09:30:00.100Z"}
		]`),
	}

	events, errs, err := env.DecodeDecisions()
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Len(t, errs, 3)

	assert.NotNil(t, events[0])
	assert.NoError(t, errs[0])

	assert.Nil(t, events[1])
	assert.Error(t, errs[1])

	assert.NotNil(t, events[2])
	assert.Equal(t, "i3", events[2].ItemID)
}

func TestDecodeDecisionsRejectsNonArray(t *testing.T) {
	env := Envelope{Type: TypeDecisions, Data: json.RawMessage(`{"not":"an array"}`)}

	_, _, err := env.DecodeDecisions()
	assert.Error(t, err)
}

func TestDecodeStep(t *testing.T) {
	env := Envelope{
		Type: TypeStep,
		Data: json.RawMessage(`{
			"stepId":"s1","runId":"r1","type":"filter","name":"dedupe",
			"config":{"threshold":0.8},
			"startedAt":"2026-03-15T09:30:00.000Z"
		}`),
	}

	step, err := env.DecodeStep()
	require.NoError(t, err)
	assert.Equal(t, StepTypeFilter, step.Type)
	assert.Equal(t, "dedupe", step.Name)
	assert.InDelta(t, 0.8, step.Config["threshold"], 1e-9)
}
