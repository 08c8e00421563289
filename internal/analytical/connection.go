// Package analytical is the PostgreSQL-backed analytical store: three
// denormalized tables (runs, steps, decision_events) sized for the query
// API's single-table reads, written idempotently by the processor worker.
//
// Writes are upserts guarded by updated_at, so replayed or reordered
// messages converge to the latest state instead of regressing it.
package analytical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq" // also registers the postgres driver
)

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// Connection errors.
var (
	// ErrNoDatabaseConnection is returned when a nil connection is supplied.
	ErrNoDatabaseConnection = errors.New("database connection is required")
)

// Connection wraps the database handle with pool configuration and schema
// management. It is safe for concurrent use; database/sql pools underneath.
type Connection struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewConnection opens a PostgreSQL connection pool and verifies it with a
// ping.
func NewConnection(cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("analytical store connected", slog.String("url", cfg.MaskDatabaseURL()))

	return &Connection{DB: db, logger: logger}, nil
}

// Migrate applies all pending embedded migrations. Call once at service
// startup; a failure here is fatal for the service.
func (c *Connection) Migrate() error {
	driver, err := postgres.WithInstance(c.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		c.logger.Info("analytical schema up to date")
	} else {
		c.logger.Info("analytical schema migrated")
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	return nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// isConnectionError checks if an error indicates database connection failure
// (PostgreSQL error Class 08) rather than a statement-level problem.
func isConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	return errors.Is(err, sql.ErrConnDone)
}
