package capture

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// failureObserver records transport failure notifications.
type failureObserver struct {
	mu       sync.Mutex
	failures []string
}

func (o *failureObserver) OnDrop(int) {}

func (o *failureObserver) OnTransportFailure(envelopeType string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures = append(o.failures, envelopeType)
}

func (o *failureObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.failures)
}

func transportConfig(url string) *Config {
	cfg := &Config{
		APIURL:     url,
		Timeout:    time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
	cfg.normalize()

	return cfg
}

func TestTransportSendDecisionEvents(t *testing.T) {
	var envelopes []event.Envelope

	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/ingest", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var env event.Envelope
		require.NoError(t, json.Unmarshal(body, &env))

		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport(transportConfig(srv.URL))

	tr.SendDecisionEvents([]*event.DecisionEvent{testEvent("e1"), testEvent("e2")})

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, envelopes, 1)
	assert.Equal(t, event.TypeDecisions, envelopes[0].Type)

	events, errs, err := envelopes[0].DecodeDecisions()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestTransportSendEmptyBatchIsNoop(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport(transportConfig(srv.URL))
	tr.SendDecisionEvents(nil)

	assert.EqualValues(t, 0, hits.Load())
}

func TestTransportRetriesOn5xx(t *testing.T) {
	var attempts atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	observer := &failureObserver{}
	cfg := transportConfig(srv.URL)
	cfg.Observer = observer

	tr := newTransport(cfg)
	tr.SendRun(&event.Run{RunID: "r1", PipelineID: "p1", Status: event.RunStatusRunning, StartedAt: event.Now()})

	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, 0, observer.count(), "eventual success must not notify the observer")
}

func TestTransportExhaustedRetriesNotifyObserver(t *testing.T) {
	var attempts atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	observer := &failureObserver{}
	cfg := transportConfig(srv.URL)
	cfg.Observer = observer

	tr := newTransport(cfg)
	tr.SendStep(&event.Step{StepID: "s1", RunID: "r1", Type: event.StepTypeFilter, Name: "f", StartedAt: event.Now()})

	assert.EqualValues(t, 3, attempts.Load())
	require.Equal(t, 1, observer.count())
	assert.Equal(t, string(event.TypeStep), observer.failures[0])
}

func TestTransportUnreachableEndpointIsSilent(t *testing.T) {
	observer := &failureObserver{}

	cfg := transportConfig("http://127.0.0.1:1") // nothing listens here
	cfg.Observer = observer

	tr := newTransport(cfg)

	// Must not panic and must not surface an error to the caller.
	tr.SendRun(&event.Run{RunID: "r1", PipelineID: "p1", Status: event.RunStatusRunning, StartedAt: event.Now()})

	assert.Equal(t, 1, observer.count())
}
