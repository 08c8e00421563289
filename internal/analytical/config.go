package analytical

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads PostgreSQL configuration from environment variables with
// fallback to defaults. DATABASE_URL wins when set; otherwise the URL is
// assembled from the ANALYTICAL_* connection parts.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     databaseURLFromEnv(), // databaseURL stays private so it never leaks through logging.
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// databaseURLFromEnv resolves the connection URL: DATABASE_URL directly, or
// assembled from ANALYTICAL_HOST, ANALYTICAL_PORT, ANALYTICAL_DATABASE,
// ANALYTICAL_USER, ANALYTICAL_PASSWORD, and ANALYTICAL_SSLMODE.
func databaseURLFromEnv() string {
	if raw := config.GetEnvStr("DATABASE_URL", ""); raw != "" {
		return raw
	}

	host := config.GetEnvStr("ANALYTICAL_HOST", "")
	if host == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + config.GetEnvStr("ANALYTICAL_PORT", "5432"),
		Path:   "/" + config.GetEnvStr("ANALYTICAL_DATABASE", "sievetrace"),
		User: url.UserPassword(
			config.GetEnvStr("ANALYTICAL_USER", "sievetrace"),
			config.GetEnvStr("ANALYTICAL_PASSWORD", ""),
		),
		RawQuery: "sslmode=" + config.GetEnvStr("ANALYTICAL_SSLMODE", "disable"),
	}

	return u.String()
}

// NewConfig creates a Config with an explicit database URL and default pool
// settings. Used by tests and embedded deployments.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a databaseURL with any password redacted, safe for
// logging.
func (c *Config) MaskDatabaseURL() string {
	u, err := url.Parse(c.databaseURL)
	if err != nil {
		return ""
	}

	return u.Redacted()
}
