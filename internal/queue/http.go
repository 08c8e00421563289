package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultForwardTimeout bounds one forwarding request.
const defaultForwardTimeout = 10 * time.Second

// HTTPForwarder is a Producer that relays envelopes to another ingestion
// endpoint. It turns a local collector into a relay: edge ingesters can
// validate close to the application and forward to a central deployment that
// owns the durable queue.
//
// The forwarder does not consume; pair it with a Consumer at the receiving
// deployment.
type HTTPForwarder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPForwarder creates a forwarder targeting baseURL's /ingest endpoint.
func NewHTTPForwarder(baseURL string) *HTTPForwarder {
	return &HTTPForwarder{
		endpoint: baseURL + "/ingest",
		client:   &http.Client{Timeout: defaultForwardTimeout},
	}
}

// Publish implements Producer by POSTing the envelope downstream.
func (f *HTTPForwarder) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward envelope: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("forward envelope: downstream returned %d", resp.StatusCode)
	}

	return nil
}

// Close implements Producer.
func (f *HTTPForwarder) Close() error {
	f.client.CloseIdleConnections()

	return nil
}
