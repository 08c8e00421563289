package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

// Transport delivers envelopes to the ingestion endpoint with bounded retry.
//
// The transport is the SDK's error wall: DNS failures, refused connections,
// 5xx responses, and partial bodies all resolve to silence from the
// application's perspective. Failures are debug-logged and reported to the
// Observer, nothing more.
type Transport struct {
	endpoint   string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	observer   Observer
}

// newTransport builds a Transport from SDK configuration. The http.Client
// carries no global timeout; each attempt gets its own context deadline.
func newTransport(cfg *Config) *Transport {
	return &Transport{
		endpoint:   cfg.APIURL + "/ingest",
		client:     &http.Client{},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
	}
}

// SendDecisionEvents delivers a batch of decision events. Nothing is
// observable on failure.
func (t *Transport) SendDecisionEvents(events []*event.DecisionEvent) {
	if len(events) == 0 {
		return
	}

	env, err := event.NewEnvelope(event.TypeDecisions, events)
	if err != nil {
		t.swallow(string(event.TypeDecisions), err)

		return
	}

	t.send(env)
}

// SendRun delivers a run snapshot. Nothing is observable on failure.
func (t *Transport) SendRun(r *event.Run) {
	env, err := event.NewEnvelope(event.TypeRun, r)
	if err != nil {
		t.swallow(string(event.TypeRun), err)

		return
	}

	t.send(env)
}

// SendStep delivers a step snapshot. Nothing is observable on failure.
func (t *Transport) SendStep(s *event.Step) {
	env, err := event.NewEnvelope(event.TypeStep, s)
	if err != nil {
		t.swallow(string(event.TypeStep), err)

		return
	}

	t.send(env)
}

// send performs bounded retry with exponential backoff.
//
// Attempt n (0-based) is followed, on retryable failure, by a delay of
// retryDelay·2ⁿ. Per-attempt timeouts are treated as non-retryable: a slow
// collector must not multiply the SDK's background latency by the retry
// count. Non-2xx responses are retryable.
func (t *Transport) send(env event.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		t.swallow(string(env.Type), err)

		return
	}

	var lastErr error

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			// Delay after failed attempt a is retryDelay·2^a.
			time.Sleep(t.retryDelay * (1 << (attempt - 1)))
		}

		err := t.attempt(body)
		if err == nil {
			return
		}

		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			// Timeout: abandon without further retries.
			break
		}
	}

	t.swallow(string(env.Type), lastErr)
}

// attempt performs one POST with its own deadline.
func (t *Transport) attempt(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// swallow records a terminal transport failure without surfacing it.
func (t *Transport) swallow(envelopeType string, err error) {
	t.logger.Debug("transport send failed",
		slog.String("type", envelopeType),
		slog.String("error", err.Error()),
	)

	t.observer.OnTransportFailure(envelopeType, err)
}

// statusError represents a non-2xx ingestion response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "ingestion returned status " + strconv.Itoa(e.code)
}
