package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorrelationIDGenerated(t *testing.T) {
	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "unknown", seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"), "id echoed on the response")
}

func TestCorrelationIDHonorsHeader(t *testing.T) {
	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "client-supplied")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied", seen)
	assert.Equal(t, "client-supplied", rec.Header().Get("X-Correlation-ID"))
}

func TestGetCorrelationIDFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "unknown", GetCorrelationID(req.Context()))
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	handler := Recovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestRecoveryPassesThroughNormalRequests(t *testing.T) {
	handler := Recovery(discardLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplyOrder(t *testing.T) {
	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(okHandler(), tag("outer"), tag("middle"), tag("inner"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestCORSHeaders(t *testing.T) {
	handler := CORS(&staticCORS{
		origins: []string{"*"},
		methods: []string{"GET", "POST"},
		headers: []string{"Content-Type"},
		maxAge:  600,
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	reached := false

	handler := CORS(&staticCORS{origins: []string{"*"}})(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			reached = true
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, reached)
}

func TestCORSSpecificOriginMatch(t *testing.T) {
	cors := CORS(&staticCORS{origins: []string{"https://app.example.com"}})

	t.Run("allowed origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")

		rec := httptest.NewRecorder()
		cors(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets no header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")

		rec := httptest.NewRecorder()
		cors(okHandler()).ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

type staticCORS struct {
	origins []string
	methods []string
	headers []string
	maxAge  int
}

func (c *staticCORS) GetAllowedOrigins() []string { return c.origins }
func (c *staticCORS) GetAllowedMethods() []string { return c.methods }
func (c *staticCORS) GetAllowedHeaders() []string { return c.headers }
func (c *staticCORS) GetMaxAge() int              { return c.maxAge }

func TestInMemoryRateLimiterGlobalTier(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1,
		GlobalBurst:     2,
		SourceRPS:       1000,
		SourceBurst:     1000,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxSources:      10,
	})
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.False(t, rl.Allow("10.0.0.3"), "global burst exhausted")
}

func TestInMemoryRateLimiterPerSourceTier(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1000,
		GlobalBurst:     1000,
		SourceRPS:       1,
		SourceBurst:     1,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxSources:      10,
	})
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "source burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "independent source unaffected")
}

func TestInMemoryRateLimiterEmptySourceUsesGlobalOnly(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1000,
		GlobalBurst:     1000,
		SourceRPS:       1,
		SourceBurst:     1,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxSources:      10,
	})
	defer rl.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(""))
	}
}

func TestInMemoryRateLimiterMaxSourcesCap(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1000,
		GlobalBurst:     1000,
		SourceRPS:       1,
		SourceBurst:     1,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxSources:      1,
	})
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// Beyond the cap, new sources ride on the global tier only.
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1,
		GlobalBurst:     1,
		SourceRPS:       1,
		SourceBurst:     1,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxSources:      10,
	})
	defer rl.Close()

	handler := RateLimit(rl, discardLogger())(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestWithRateLimitNilLimiterIsNoop(t *testing.T) {
	handler := Apply(okHandler(), WithRateLimit(nil, discardLogger()))

	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestLoggerPreservesStatus(t *testing.T) {
	handler := RequestLogger(discardLogger())(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestClientSource(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"

	assert.Equal(t, "192.0.2.7", clientSource(req))

	req.RemoteAddr = "no-port-here"
	assert.Equal(t, "no-port-here", clientSource(req))
}
