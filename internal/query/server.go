// Package query implements the read-side HTTP service over the analytical
// store, with optional raw-payload hydration from the blob store.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/api"
	"github.com/sievetrace-io/sievetrace/internal/api/middleware"
)

// Sentinel errors for server construction.
var (
	ErrNilStore  = errors.New("store cannot be nil")
	ErrNilConfig = errors.New("config cannot be nil")
	ErrNilLogger = errors.New("logger cannot be nil")
)

type (
	// BlobGetter fetches stored payloads by key. Satisfied by
	// *blobstore.Client; nil disables raw hydration.
	BlobGetter interface {
		Get(ctx context.Context, key string) ([]byte, error)
		RunKeyFor(startedAt time.Time, runID string) string
		StepKeyFor(startedAt time.Time, stepID string) string
	}

	// Server is the query HTTP service. Reads go to the analytical store;
	// include_raw requests additionally hydrate full payloads from blobs.
	Server struct {
		config    *api.ServerConfig
		store     *analytical.Store
		blobs     BlobGetter
		limiter   *middleware.InMemoryRateLimiter
		logger    *slog.Logger
		startTime time.Time
	}
)

// NewServer creates a query server. blobs may be nil, in which case
// include_raw requests answer without raw payloads.
func NewServer(config *api.ServerConfig, store *analytical.Store, blobs BlobGetter, logger *slog.Logger) (*Server, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	if store == nil {
		return nil, ErrNilStore
	}

	if logger == nil {
		return nil, ErrNilLogger
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	return &Server{
		config:    config,
		store:     store,
		blobs:     blobs,
		limiter:   middleware.NewInMemoryRateLimiter(middleware.LoadConfig()),
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/items/{itemId}", s.handleItemTrajectory)
	mux.HandleFunc("GET /steps/{id}/details", s.handleStepDetails)
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

	return api.Serve(ctx, srv, s.config.ShutdownTimeout, s.logger)
}

// Close releases server resources.
func (s *Server) Close() {
	s.limiter.Close()
}
