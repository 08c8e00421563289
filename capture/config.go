// Package capture provides the in-process SDK for decision observability:
// it wraps pipeline step functions, derives per-item decisions by diffing
// step input and output, and ships them to the ingestion service without
// ever blocking or failing the host application.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sievetrace-io/sievetrace/internal/config"
)

// Defaults for buffer and transport knobs.
const (
	defaultMaxSize       = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultAPIURL        = "http://localhost:8080"
)

type (
	// Level controls how many per-item decisions the SDK captures.
	Level string

	// Config holds the capture SDK configuration.
	//
	// Configuration is resolved in three layers: compiled defaults, an
	// optional YAML file (SIEVETRACE_CONFIG_FILE), and environment variables.
	// Environment always wins, so a deployed file can be overridden per
	// process without editing it.
	Config struct {
		// APIURL is the ingestion service base URL; events go to {APIURL}/ingest.
		APIURL string

		// Level is the capture level: metrics_only, sampled, or full.
		Level Level

		// MaxSize bounds the event buffer. At capacity the oldest event is
		// dropped; producers are never throttled.
		MaxSize int

		// BatchSize is the flush trigger threshold and per-request batch size.
		BatchSize int

		// FlushInterval is the periodic flush cadence.
		FlushInterval time.Duration

		// Timeout is the per-attempt transport timeout.
		Timeout time.Duration

		// MaxRetries bounds transport retry attempts.
		MaxRetries int

		// RetryDelay is the base backoff delay; attempt n waits RetryDelay·2ⁿ.
		RetryDelay time.Duration

		// Observer receives SDK-internal failure notifications (drops,
		// transport failures). Nil preserves the silent default.
		Observer Observer

		// Logger receives debug-level SDK diagnostics. Nil builds a JSON
		// logger from LOG_LEVEL.
		Logger *slog.Logger
	}

	// fileConfig is the YAML shape of the optional config file.
	fileConfig struct {
		IngestionURL string `yaml:"ingestion_url"`
		CaptureLevel string `yaml:"capture_level"`
		Buffer       struct {
			MaxSize   int `yaml:"max_size"`
			BatchSize int `yaml:"batch_size"`
			FlushMs   int `yaml:"flush_ms"`
		} `yaml:"buffer"`
		Transport struct {
			TimeoutMs    int `yaml:"timeout_ms"`
			MaxRetries   int `yaml:"max_retries"`
			RetryDelayMs int `yaml:"retry_delay_ms"`
		} `yaml:"transport"`
	}
)

const (
	// LevelMetricsOnly captures step counts only; no decision events.
	LevelMetricsOnly Level = "metrics_only"

	// LevelSampled captures boundary items plus a uniform sample of interior
	// indices.
	LevelSampled Level = "sampled"

	// LevelFull captures every item.
	LevelFull Level = "full"
)

// IsValid checks if the Level is a known capture level.
func (l Level) IsValid() bool {
	switch l {
	case LevelMetricsOnly, LevelSampled, LevelFull:
		return true
	default:
		return false
	}
}

// LoadConfig loads SDK configuration from the optional YAML file and the
// environment, with environment taking precedence.
//
// Recognised environment keys: CAPTURE_LEVEL, INGESTION_URL, BUFFER_MAX_SIZE,
// BUFFER_BATCH_SIZE, BUFFER_FLUSH_MS, TRANSPORT_TIMEOUT_MS,
// TRANSPORT_MAX_RETRIES, TRANSPORT_RETRY_DELAY_MS, SIEVETRACE_CONFIG_FILE.
func LoadConfig() *Config {
	cfg := &Config{
		APIURL:        defaultAPIURL,
		Level:         LevelSampled,
		MaxSize:       defaultMaxSize,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
		Timeout:       defaultTimeout,
		MaxRetries:    defaultMaxRetries,
		RetryDelay:    defaultRetryDelay,
	}

	if path := os.Getenv("SIEVETRACE_CONFIG_FILE"); path != "" {
		// File errors are SDK-internal and must not surface to the
		// application; fall through to env and defaults.
		if err := cfg.applyFile(path); err != nil {
			slog.Debug("capture config file ignored", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	cfg.APIURL = config.GetEnvStr("INGESTION_URL", cfg.APIURL)
	cfg.MaxSize = config.GetEnvInt("BUFFER_MAX_SIZE", cfg.MaxSize)
	cfg.BatchSize = config.GetEnvInt("BUFFER_BATCH_SIZE", cfg.BatchSize)
	cfg.FlushInterval = config.GetEnvMillis("BUFFER_FLUSH_MS", cfg.FlushInterval)
	cfg.Timeout = config.GetEnvMillis("TRANSPORT_TIMEOUT_MS", cfg.Timeout)
	cfg.MaxRetries = config.GetEnvInt("TRANSPORT_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelay = config.GetEnvMillis("TRANSPORT_RETRY_DELAY_MS", cfg.RetryDelay)

	if level := Level(strings.TrimSpace(os.Getenv("CAPTURE_LEVEL"))); level != "" && level.IsValid() {
		cfg.Level = level
	}

	return cfg
}

// applyFile merges values from a YAML config file into the receiver.
// Zero values in the file leave the current value untouched.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.IngestionURL != "" {
		c.APIURL = fc.IngestionURL
	}

	if level := Level(fc.CaptureLevel); level.IsValid() {
		c.Level = level
	}

	if fc.Buffer.MaxSize > 0 {
		c.MaxSize = fc.Buffer.MaxSize
	}

	if fc.Buffer.BatchSize > 0 {
		c.BatchSize = fc.Buffer.BatchSize
	}

	if fc.Buffer.FlushMs > 0 {
		c.FlushInterval = time.Duration(fc.Buffer.FlushMs) * time.Millisecond
	}

	if fc.Transport.TimeoutMs > 0 {
		c.Timeout = time.Duration(fc.Transport.TimeoutMs) * time.Millisecond
	}

	if fc.Transport.MaxRetries > 0 {
		c.MaxRetries = fc.Transport.MaxRetries
	}

	if fc.Transport.RetryDelayMs > 0 {
		c.RetryDelay = time.Duration(fc.Transport.RetryDelayMs) * time.Millisecond
	}

	return nil
}

// normalize fills unset fields with defaults so a zero-value or partially
// populated Config is always usable.
func (c *Config) normalize() {
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}

	if !c.Level.IsValid() {
		c.Level = LevelSampled
	}

	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchSize > c.MaxSize {
		c.BatchSize = c.MaxSize
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}
}
