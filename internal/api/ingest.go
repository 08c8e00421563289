package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/api/middleware"
	"github.com/sievetrace-io/sievetrace/internal/event"
	"github.com/sievetrace-io/sievetrace/internal/queue"
)

// Sentinel errors for server construction.
var (
	ErrNilProducer = errors.New("producer cannot be nil")
	ErrNilConfig   = errors.New("config cannot be nil")
	ErrNilLogger   = errors.New("logger cannot be nil")
)

type (
	// Server is the ingestion HTTP service. It accepts event envelopes,
	// validates them at the edge, and forwards accepted payloads to the
	// processing queue. Persistence happens downstream in the worker.
	Server struct {
		config    *ServerConfig
		producer  queue.Producer
		validator *event.Validator
		limiter   *middleware.InMemoryRateLimiter
		logger    *slog.Logger
		startTime time.Time
	}

	// IngestResult is the flat ingestion success body: how much of a
	// submission was accepted. Partial is true when some batch elements were
	// rejected but at least one was queued; Details names the rejects.
	IngestResult struct {
		Success       bool     `json:"success"`
		Queued        int      `json:"queued"`
		Total         int      `json:"total"`
		Partial       bool     `json:"partial"`
		Details       []string `json:"details,omitempty"`
		CorrelationID string   `json:"correlationId,omitempty"`
	}

	// healthStatus is the health check response payload.
	healthStatus struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Uptime    string `json:"uptime"`
	}
)

// NewServer creates an ingestion server. The rate limiter is created from
// RATE_LIMIT_* environment configuration; Close releases it.
func NewServer(config *ServerConfig, producer queue.Producer, logger *slog.Logger) (*Server, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	if producer == nil {
		return nil, ErrNilProducer
	}

	if logger == nil {
		return nil, ErrNilLogger
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	return &Server{
		config:    config,
		producer:  producer,
		validator: event.NewValidator(),
		limiter:   middleware.NewInMemoryRateLimiter(middleware.LoadConfig()),
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Handler returns the fully wired HTTP handler: routes plus the middleware
// chain (correlation, recovery, rate limit, request log, CORS).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("/", s.handleNotFound)

	return middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(s.logger),
		middleware.WithRateLimit(s.limiter, s.logger),
		middleware.WithRequestLogger(s.logger),
		middleware.WithCORS(s.config.ToCORSConfig()),
	)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return Serve(ctx, srv, s.config.ShutdownTimeout, s.logger)
}

// Close releases server resources. It does not stop a running Run; cancel
// its context for that.
func (s *Server) Close() {
	s.limiter.Close()
}

// handleIngest accepts a single event envelope. Batch envelopes (type
// "decisions") are accepted partially: valid elements are queued, invalid
// ones reported in the response details.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !isJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, http.StatusUnsupportedMediaType,
			"Content-Type must be application/json", nil)

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorResponse(w, r, s.logger, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", s.config.MaxRequestSize), nil)

			return
		}

		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			"invalid JSON in request body", []string{err.Error()})

		return
	}

	if err := env.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			"invalid envelope", []string{err.Error()})

		return
	}

	messages, details, err := s.prepareMessages(&env)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			"invalid payload", []string{err.Error()})

		return
	}

	total := len(messages) + len(details)
	if len(messages) == 0 {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			"no valid events in submission", details)

		return
	}

	for _, msg := range messages {
		if err := s.producer.Publish(r.Context(), msg); err != nil {
			s.logger.Error("failed to enqueue event",
				slog.String("type", string(env.Type)),
				slog.String("message_id", msg.ID),
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
				"failed to enqueue events", nil)

			return
		}
	}

	result := IngestResult{
		Success:       true,
		Queued:        len(messages),
		Total:         total,
		Partial:       len(details) > 0,
		Details:       details,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	}

	s.logger.Info("events ingested",
		slog.String("type", string(env.Type)),
		slog.Int("queued", result.Queued),
		slog.Int("total", result.Total),
		slog.Bool("partial", result.Partial),
	)

	// Partial acceptance still answers 200; Details names the rejects.
	WriteBody(w, r, s.logger, http.StatusOK, result)
}

// prepareMessages decodes and validates the envelope payload, producing one
// queue message per accepted event. The second return lists per-element
// rejection reasons for batches; the error return is for whole-payload
// failures.
func (s *Server) prepareMessages(env *event.Envelope) ([]queue.Message, []string, error) {
	switch env.Type {
	case event.TypeDecision:
		ev, err := env.DecodeDecision()
		if err != nil {
			return nil, nil, err
		}

		if err := s.validator.ValidateDecisionEvent(ev); err != nil {
			return nil, nil, err
		}

		return []queue.Message{decisionMessage(ev)}, nil, nil

	case event.TypeDecisions:
		events, decodeErrs, err := env.DecodeDecisions()
		if err != nil {
			return nil, nil, err
		}

		messages := make([]queue.Message, 0, len(events))
		details := make([]string, 0)

		for i, ev := range events {
			if decodeErrs[i] != nil {
				details = append(details, decodeErrs[i].Error())

				continue
			}

			if err := s.validator.ValidateDecisionEvent(ev); err != nil {
				details = append(details, fmt.Sprintf("decisions[%d]: %s", i, err))

				continue
			}

			messages = append(messages, decisionMessage(ev))
		}

		return messages, details, nil

	case event.TypeRun:
		run, err := env.DecodeRun()
		if err != nil {
			return nil, nil, err
		}

		if err := s.validator.ValidateRun(run); err != nil {
			return nil, nil, err
		}

		wrapped, err := event.NewEnvelope(event.TypeRun, run)
		if err != nil {
			return nil, nil, err
		}

		return []queue.Message{{
			ID:       run.MessageID(),
			Key:      run.RunID,
			Envelope: wrapped,
		}}, nil, nil

	case event.TypeStep:
		step, err := env.DecodeStep()
		if err != nil {
			return nil, nil, err
		}

		if err := s.validator.ValidateStep(step); err != nil {
			return nil, nil, err
		}

		wrapped, err := event.NewEnvelope(event.TypeStep, step)
		if err != nil {
			return nil, nil, err
		}

		return []queue.Message{{
			ID:       step.MessageID(),
			Key:      step.StepID,
			Envelope: wrapped,
		}}, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", event.ErrUnknownEnvelopeType, env.Type)
	}
}

// decisionMessage wraps one decision event as an individually keyed queue
// message. Each batch element travels alone so a poison element cannot hold
// its siblings hostage downstream.
func decisionMessage(ev *event.DecisionEvent) queue.Message {
	// Marshal of a just-decoded event cannot fail.
	env, _ := event.NewEnvelope(event.TypeDecision, ev)

	return queue.Message{
		ID:       ev.MessageID(),
		Key:      ev.StepID,
		Envelope: env,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, r, s.logger, http.StatusOK, healthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, r, s.logger, http.StatusOK, map[string]string{"message": "pong"})
}

// handleReady reports readiness to take traffic. The ingestion service has
// no synchronous dependencies beyond the queue producer, which is
// constructed before the server starts, so readiness follows liveness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, r, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
}

// isJSONContentType accepts application/json with optional parameters
// (charset) and an absent header, matching lenient client behavior.
func isJSONContentType(value string) bool {
	if value == "" {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}
