// Command telepipe runs the gateway API with its span and log pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ashita-ai/telepipe/internal/config"
	"github.com/ashita-ai/telepipe/internal/exporter"
	"github.com/ashita-ai/telepipe/internal/logging"
	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/pipeline"
	"github.com/ashita-ai/telepipe/internal/server"
	"github.com/ashita-ai/telepipe/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env before reading any variables; real env vars take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load

	// The plain logger never feeds the log pipeline. Pipeline internals and
	// sinks log through it.
	console := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(console)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, console, level, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// serviceVersion prefers TELEPIPE_SERVICE_VERSION over the build version.
func serviceVersion(cfg config.Config) string {
	if cfg.ServiceVersion != "" {
		return cfg.ServiceVersion
	}
	return version
}

func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return telemetry.NewResource(ctx, cfg.ServiceName, serviceVersion(cfg), cfg.InstanceID)
}

func run(ctx context.Context, cfg config.Config, console slog.Handler, level slog.Level, logger *slog.Logger) error {
	logger.Info("telepipe starting",
		"version", serviceVersion(cfg),
		"port", cfg.Port,
		"span_sink", cfg.SpanSink,
		"log_sink", cfg.LogSink,
	)

	res, err := newResource(ctx, cfg)
	if err != nil {
		return err
	}
	modelRes := telemetry.ModelResource(res)

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sinks.close(context.Background())

	exportOpts := exporter.Options{Timeout: cfg.ExportTimeout, Concurrency: cfg.ExportConcurrency}
	spanProc := pipeline.New[model.Span](
		exporter.New[model.Span]("spans", sinks.spans, logger, exportOpts),
		logger, pipelineOptions(cfg, "spans"),
	)
	logProc := pipeline.New[model.LogRecord](
		exporter.New[model.LogRecord]("logs", sinks.logs, logger, exportOpts),
		logger, pipelineOptions(cfg, "logs"),
	)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Resource:        res,
		Spans:           telemetry.NewSpanProcessor(spanProc, modelRes),
		MetricsEndpoint: cfg.OTELEndpoint,
		Insecure:        cfg.OTELInsecure,
	})
	if err != nil {
		return err
	}

	// Processors outlive the signal context; they stop only through Shutdown
	// so that requests still in flight at SIGTERM keep their records.
	spanProc.Start(context.Background())
	logProc.Start(context.Background())

	appLogger := slog.New(logging.NewHandler(console, logProc, modelRes, level))

	srv := server.New(server.Config{
		Logger:       appLogger,
		SpanReader:   sinks.reader,
		LogReader:    sinks.logReader,
		DB:           sinks.db,
		Spans:        spanProc,
		Logs:         logProc,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      serviceVersion(cfg),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("telepipe shutting down")

	// Phase 1: stop accepting requests and let handlers finish.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: the tracer provider drains the span pipeline.
	spanCtx, spanCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := otelShutdown(spanCtx); err != nil {
		logger.Error("span pipeline shutdown error", "error", err)
	}
	spanCancel()

	// Phase 3: logs last, so shutdown of the span pipeline can still be logged.
	logCtx, logCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := logProc.Shutdown(logCtx); err != nil {
		logger.Error("log pipeline shutdown error", "error", err)
	}
	logCancel()

	logger.Info("telepipe stopped",
		"spans_exported", spanProc.Exported(),
		"spans_dropped", spanProc.Dropped(),
		"logs_exported", logProc.Exported(),
		"logs_dropped", logProc.Dropped(),
	)
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func pipelineOptions(cfg config.Config, name string) pipeline.Options {
	return pipeline.Options{
		Name:               name,
		MaxQueueSize:       cfg.MaxQueueSize,
		MaxExportBatchSize: cfg.MaxBatchSize,
		BatchTimeout:       cfg.BatchTimeout,
		ExportTimeout:      cfg.ExportTimeout,
		Overflow:           cfg.Overflow,
	}
}
