package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sievetrace-io/sievetrace/internal/api/middleware"
)

// Response is the JSON envelope returned by every endpoint of the ingestion
// and query services.
type Response struct {
	Success       bool     `json:"success"`
	Data          any      `json:"data,omitempty"`
	Count         *int     `json:"count,omitempty"`
	Error         string   `json:"error,omitempty"`
	Details       []string `json:"details,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// WriteJSON writes a success response with the given payload. Encoding
// failures are logged, not surfaced; headers are already committed by then.
func WriteJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, data any) {
	writeResponse(w, r, logger, status, Response{
		Success:       true,
		Data:          data,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
}

// WriteJSONList writes a success response carrying a list payload with its
// element count.
func WriteJSONList(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, data any, count int) {
	writeResponse(w, r, logger, status, Response{
		Success:       true,
		Data:          data,
		Count:         &count,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
}

// WriteErrorResponse writes an error response in the service-wide shape.
// details carries per-item diagnostics (e.g. validation messages) and may
// be nil.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string, details []string) {
	writeResponse(w, r, logger, status, Response{
		Success:       false,
		Error:         message,
		Details:       details,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
}

// WriteBody writes payload verbatim as the response body, for endpoints
// whose wire shape is flat rather than the Response envelope.
func WriteBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response",
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, resp Response) {
	WriteBody(w, r, logger, status, resp)
}
