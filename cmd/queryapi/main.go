// Package main provides the SieveTrace query API service.
//
// The query API serves aggregated run, step, and decision-event views from
// the analytical store, with optional raw-payload hydration from the blob
// store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/api"
	"github.com/sievetrace-io/sievetrace/internal/blobstore"
	"github.com/sievetrace-io/sievetrace/internal/query"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "sievetrace-queryapi"
)

const startupTimeout = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig("QUERYAPI")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting query API",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
	)

	analyticalConfig := analytical.LoadConfig()

	conn, err := analytical.NewConnection(analyticalConfig, logger)
	if err != nil {
		logger.Error("failed to connect to analytical store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = conn.Close() }()

	// The worker owns the schema; migrating here too lets the query API come
	// up first on a fresh database.
	if err := conn.Migrate(); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		exit(conn)
	}

	store, err := analytical.NewStore(conn, logger)
	if err != nil {
		logger.Error("failed to create analytical store", slog.String("error", err.Error()))
		exit(conn)
	}

	logger.Info("analytical store ready",
		slog.String("database_url", analyticalConfig.MaskDatabaseURL()),
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// Raw hydration is optional: without a reachable blob store the API
	// still serves the indexed views.
	var blobs query.BlobGetter

	if client, err := blobstore.New(startupCtx, blobstore.LoadConfig(), logger); err != nil {
		logger.Warn("blob store unavailable, raw hydration disabled",
			slog.String("error", err.Error()))
	} else {
		blobs = client
	}

	server, err := query.NewServer(serverConfig, store, blobs, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		exit(conn)
	}

	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		exit(conn)
	}

	logger.Info("query API stopped")
}

// exit closes the analytical connection before exiting. Deferred closers do
// not run through os.Exit.
func exit(conn *analytical.Connection) {
	_ = conn.Close()
	os.Exit(1)
}
