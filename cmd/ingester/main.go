// Package main provides the SieveTrace ingestion service.
//
// The ingester accepts event envelopes over HTTP, validates them at the
// edge, and forwards accepted payloads to the processing queue.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sievetrace-io/sievetrace/internal/api"
	"github.com/sievetrace-io/sievetrace/internal/config"
	"github.com/sievetrace-io/sievetrace/internal/queue"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "sievetrace-ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig("INGESTER")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting ingestion service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
	)

	producer, err := newProducer(logger)
	if err != nil {
		logger.Error("failed to create queue producer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = producer.Close() }()

	server, err := api.NewServer(serverConfig, producer, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))

		_ = producer.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("ingestion service stopped")
}

// newProducer selects the queue backend from QUEUE_TYPE: "broker" (default)
// publishes to Kafka, "http" relays envelopes to another ingestion endpoint
// at QUEUE_URL (edge relay deployments), "memory" keeps an in-process queue
// for local single-binary setups.
func newProducer(logger *slog.Logger) (queue.Producer, error) {
	queueType := config.GetEnvStr("QUEUE_TYPE", "broker")

	switch queueType {
	case "memory":
		logger.Warn("queue type: memory, accepted events are not durable")

		return queue.NewMemory(), nil
	case "http":
		target := config.GetEnvStr("QUEUE_URL", "http://localhost:8080")

		logger.Info("queue type: http relay", slog.String("target", target))

		return queue.NewHTTPForwarder(target), nil
	default:
		cfg := queue.LoadKafkaConfig()

		logger.Info("queue type: broker",
			slog.Any("brokers", cfg.Brokers),
			slog.String("topic", cfg.Topic),
		)

		return queue.NewKafkaProducer(cfg), nil
	}
}
