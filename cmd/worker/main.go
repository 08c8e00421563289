// Package main provides the SieveTrace processor worker.
//
// The worker drains the event queue, persists full payloads to the blob
// store, and maintains the aggregated metric rows in the analytical store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/api"
	"github.com/sievetrace-io/sievetrace/internal/blobstore"
	"github.com/sievetrace-io/sievetrace/internal/config"
	"github.com/sievetrace-io/sievetrace/internal/processor"
	"github.com/sievetrace-io/sievetrace/internal/queue"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "sievetrace-worker"
)

const startupTimeout = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting processor worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	analyticalConfig := analytical.LoadConfig()

	conn, err := analytical.NewConnection(analyticalConfig, logger)
	if err != nil {
		logger.Error("failed to connect to analytical store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = conn.Close() }()

	if err := conn.Migrate(); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		exit(conn)
	}

	logger.Info("analytical store ready",
		slog.String("database_url", analyticalConfig.MaskDatabaseURL()),
	)

	store, err := analytical.NewStore(conn, logger)
	if err != nil {
		logger.Error("failed to create analytical store", slog.String("error", err.Error()))
		exit(conn)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	blobConfig := blobstore.LoadConfig()

	blobs, err := blobstore.New(startupCtx, blobConfig, logger)
	if err != nil {
		logger.Error("failed to create blob store client", slog.String("error", err.Error()))
		exit(conn)
	}

	if err := blobs.EnsureBucket(startupCtx); err != nil {
		logger.Error("failed to ensure blob bucket", slog.String("error", err.Error()))
		exit(conn)
	}

	logger.Info("blob store ready", slog.String("bucket", blobConfig.Bucket))

	kafkaConfig := queue.LoadKafkaConfig()
	consumer := queue.NewKafkaConsumer(kafkaConfig)

	defer func() { _ = consumer.Close() }()

	logger.Info("queue consumer ready",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
		slog.String("group_id", kafkaConfig.GroupID),
	)

	registry := prometheus.NewRegistry()
	metrics := processor.NewMetrics(registry)

	worker, err := processor.NewWorker(processor.LoadConfig(), consumer, blobs, store, logger, metrics)
	if err != nil {
		logger.Error("failed to create worker", slog.String("error", err.Error()))
		exit(conn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, registry, logger)

	if err := worker.Run(ctx); err != nil {
		logger.Error("worker failed", slog.String("error", err.Error()))
		exit(conn)
	}

	logger.Info("processor worker stopped")
}

// serveMetrics exposes the Prometheus registry on METRICS_PORT until ctx is
// cancelled. Metrics are best effort: a serving failure is logged, not fatal.
func serveMetrics(ctx context.Context, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.GetEnvInt("METRICS_PORT", 9090)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if err := api.Serve(ctx, srv, 5*time.Second, logger); err != nil {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

// exit closes the analytical connection before exiting. Deferred closers do
// not run through os.Exit.
func exit(conn *analytical.Connection) {
	_ = conn.Close()
	os.Exit(1)
}
