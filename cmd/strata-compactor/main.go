package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/compactor"
	"github.com/stratadb/strata/compressors"
	"github.com/stratadb/strata/config"
	"github.com/stratadb/strata/generations"
	"github.com/stratadb/strata/hooks"
	"github.com/stratadb/strata/objstore"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("strata-compactor")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// openStore selects the object-store backend from config.
func openStore(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (objstore.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		logger.Warn("Using in-memory object store; data will not survive restarts.")
		return objstore.NewMemory(), nil
	case "filesystem":
		logger.Info("Using filesystem object store.", "dir", cfg.Filesystem.Dir)
		return objstore.NewFilesystem(cfg.Filesystem.Dir)
	case "s3":
		logger.Info("Using S3 object store.", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		return objstore.NewS3(ctx, objstore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("invalid object store backend: %q", cfg.Backend)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if !cfg.Compaction.Enabled {
		logger.Info("Compaction is disabled in configuration, nothing to do.")
		return
	}

	// Generation durations are the one config surface where a mistake can
	// corrupt bucket layout, so they fail hard at startup.
	genOpts, err := generations.ParseOptions(
		cfg.Compaction.Gen1Duration,
		cfg.Compaction.Gen2Duration,
		cfg.Compaction.Gen3Duration,
		cfg.Compaction.Gen4Duration,
		cfg.Compaction.Gen5Duration,
	)
	if err != nil {
		logger.Error("Invalid generation durations in config.", "error", err)
		os.Exit(1)
	}
	gens, err := generations.NewManager(genOpts)
	if err != nil {
		logger.Error("Invalid generation configuration.", "error", err)
		os.Exit(1)
	}

	compressor, err := compressors.ForName(cfg.Compaction.Compression)
	if err != nil {
		logger.Error("Invalid compression value in config.", "value", cfg.Compaction.Compression, "error", err)
		os.Exit(1)
	}
	logger.Info("Using compression for compacted segments.", "codec", cfg.Compaction.Compression)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	tracer := tp.Tracer("strata-compactor")

	ctx := context.Background()
	store, err := openStore(ctx, cfg.ObjectStore, logger)
	if err != nil {
		logger.Error("Failed to open object store.", "error", err)
		os.Exit(1)
	}

	var (
		cat      catalog.Catalog
		admin    catalog.Admin
		refs     compactor.ReferenceChecker
		closeCat func() error
	)
	switch strings.ToLower(cfg.Catalog.Backend) {
	case "memory":
		logger.Warn("Using in-memory catalog; metadata will not survive restarts.")
		mem := catalog.NewMemory()
		cat, admin, refs = mem, mem, mem
		closeCat = func() error { return nil }
	case "badger":
		bdg, err := catalog.OpenBadger(cfg.Catalog.Dir, logger)
		if err != nil {
			logger.Error("Failed to open catalog.", "dir", cfg.Catalog.Dir, "error", err)
			os.Exit(1)
		}
		cat, admin, refs = bdg, bdg, bdg
		closeCat = bdg.Close
	default:
		logger.Error("Invalid catalog backend.", "value", cfg.Catalog.Backend)
		os.Exit(1)
	}

	metrics := compactor.NewMetrics("strata_compaction")
	hookManager := hooks.NewHookManager(logger)

	// Clean up anything a previous process left behind before the driver
	// starts writing; the sweep is only safe while no job is in flight.
	if deleted, err := compactor.SweepOrphans(ctx, store, refs, logger, metrics); err != nil {
		logger.Warn("Startup orphan sweep incomplete.", "deleted", deleted, "error", err)
	}

	identifier := compactor.NewIdentifier(compactor.IdentifierParams{
		Generations:           gens,
		MinFilesForCompaction: cfg.Compaction.MinFilesForCompaction,
		MaxCompactionFiles:    cfg.Compaction.MaxCompactionFiles,
		SafetyMargin:          config.ParseDuration(cfg.Compaction.SafetyMargin, 5*time.Minute, logger),
		Logger:                logger,
	})

	executor, err := compactor.NewExecutor(compactor.ExecutorParams{
		Store:                store,
		Catalog:              cat,
		Compressor:           compressor,
		Hooks:                hookManager,
		Logger:               logger,
		Tracer:               tracer,
		TargetRowGroupRows:   cfg.Compaction.TargetRowGroupRows,
		TargetFileSizeBytes:  cfg.Compaction.TargetFileSizeBytes,
		TombstoneGracePeriod: config.ParseDuration(cfg.Compaction.TombstoneGracePeriod, 15*time.Minute, logger),
		Metrics:              metrics,
	})
	if err != nil {
		logger.Error("Failed to create job executor.", "error", err)
		os.Exit(1)
	}

	driver, err := compactor.NewDriver(compactor.DriverParams{
		Catalog:           cat,
		Admin:             admin,
		Store:             store,
		Identifier:        identifier,
		Executor:          executor,
		Interval:          config.ParseDuration(cfg.Compaction.Interval, time.Hour, logger),
		DrainTimeout:      config.ParseDuration(cfg.Compaction.DrainTimeout, 30*time.Second, logger),
		MaxConcurrentJobs: cfg.Compaction.MaxConcurrentJobs,
		Hooks:             hookManager,
		Logger:            logger,
		Tracer:            tracer,
		Metrics:           metrics,
	})
	if err != nil {
		logger.Error("Failed to create compaction driver.", "error", err)
		os.Exit(1)
	}

	if err := driver.Start(); err != nil {
		logger.Error("Failed to start compaction driver.", "error", err)
		os.Exit(1)
	}
	logger.Info("Compactor running. Press Ctrl+C to exit.", "max_active_level", int(gens.MaxActiveLevel()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received. Draining...")
	if err := driver.Stop(); err != nil {
		logger.Error("Error stopping driver.", "error", err)
	}
	if err := closeCat(); err != nil {
		logger.Error("Error closing catalog.", "error", err)
	}
	tracerCleanup()
	logger.Info("Compactor exited gracefully.")
}
