package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
	defaultSourceRPS        = 20
	defaultMaxSources       = 10_000
	cleanupIntervalDefault  = 5 * time.Minute
	idleTimeoutDefault      = time.Hour
)

type (
	// RateLimiter decides whether a request from a given source should be
	// admitted. The in-memory implementation suits single-node deployments;
	// a distributed deployment would back this with a shared store.
	RateLimiter interface {
		// Allow reports whether a request from source is within limits.
		// source identifies the client; empty falls through to the global
		// tier only.
		Allow(source string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with token buckets from
	// golang.org/x/time/rate: one global bucket in front of a lazily
	// created per-source bucket.
	//
	// A background goroutine evicts buckets for sources idle longer than
	// IdleTimeout, keeping memory bounded under churning client addresses.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		perSource map[string]*sourceLimiter
		mu        sync.RWMutex

		sourceRPS   int
		sourceBurst int

		cleanupTicker *time.Ticker
		done          chan struct{}
		idleTimeout   time.Duration
		maxSources    int
	}

	// sourceLimiter tracks one source's bucket and its last use.
	sourceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a two-tier in-memory rate limiter and
// starts its idle-source cleanup goroutine. Call Close to stop it.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(config.GlobalRPS), burstCapacity(config.GlobalRPS, config.GlobalBurst)),
		perSource:   make(map[string]*sourceLimiter),
		sourceRPS:   config.SourceRPS,
		sourceBurst: burstCapacity(config.SourceRPS, config.SourceBurst),
		done:        make(chan struct{}),
		idleTimeout: config.IdleTimeout,
		maxSources:  config.MaxSources,
	}

	rl.startCleanup(config.CleanupInterval)

	return rl
}

// burstCapacity returns the override when set, else twice the sustained rate.
func burstCapacity(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(source string) bool {
	if !rl.global.Allow() {
		return false
	}

	if source == "" {
		return true
	}

	rl.mu.RLock()
	sl, ok := rl.perSource[source]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()

		if sl, ok = rl.perSource[source]; !ok {
			// At capacity, stop tracking new sources rather than grow
			// without bound; they are still covered by the global bucket.
			if len(rl.perSource) >= rl.maxSources {
				rl.mu.Unlock()

				return true
			}

			sl = &sourceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.sourceRPS), rl.sourceBurst),
				lastAccess: time.Now(),
			}
			rl.perSource[source] = sl
		}

		rl.mu.Unlock()
	}

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = cleanupIntervalDefault
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = idleTimeoutDefault
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for source, sl := range rl.perSource {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perSource, source)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits, keyed by the
// client address. Rejected requests get a 429 in the standard error shape.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientSource(r)) {
				correlationID := GetCorrelationID(r.Context())

				err := writeError(w, http.StatusTooManyRequests,
					"rate limit exceeded, retry later", correlationID)
				if err != nil {
					logger.Error("failed to write rate limit response",
						slog.String("correlation_id", correlationID),
						slog.String("error", err.Error()),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientSource identifies the request source for per-source limiting: the
// remote host, without the ephemeral port.
func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
