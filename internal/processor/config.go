package processor

import (
	"time"

	"github.com/sievetrace-io/sievetrace/internal/config"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 10
	defaultSeenCapacity = 100_000
)

// Config holds worker loop settings, loaded from POLL_INTERVAL_MS,
// BATCH_SIZE, and SEEN_CAPACITY.
type Config struct {
	// PollInterval bounds one poll of the queue: an empty poll returns
	// after at most this long.
	PollInterval time.Duration

	// BatchSize is the maximum number of messages taken per poll.
	BatchSize int

	// SeenCapacity bounds the duplicate-suppression set. Oldest entries are
	// evicted first; an evicted duplicate is re-absorbed by the idempotent
	// stores instead.
	SeenCapacity int
}

// LoadConfig loads worker settings from the environment.
func LoadConfig() *Config {
	return &Config{
		PollInterval: config.GetEnvMillis("POLL_INTERVAL_MS", defaultPollInterval),
		BatchSize:    config.GetEnvInt("BATCH_SIZE", defaultBatchSize),
		SeenCapacity: config.GetEnvInt("SEEN_CAPACITY", defaultSeenCapacity),
	}
}

// normalize fills invalid fields with defaults.
func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.SeenCapacity <= 0 {
		c.SeenCapacity = defaultSeenCapacity
	}
}
