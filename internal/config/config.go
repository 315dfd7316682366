// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/telepipe/internal/logging"
	"github.com/ashita-ai/telepipe/internal/pipeline"
)

// Sink kinds accepted by TELEPIPE_SPAN_SINK and TELEPIPE_LOG_SINK.
const (
	SinkStdout   = "stdout"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkOTLP     = "otlp" // spans only
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Resource identity. An empty ServiceVersion falls back to the build version.
	ServiceName    string
	ServiceVersion string
	InstanceID     string

	// Sinks.
	SpanSink     string
	LogSink      string
	DatabaseURL  string
	SQLitePath   string
	OTELEndpoint string // host:port of an OTLP/HTTP collector; also receives pipeline metrics.
	OTELInsecure bool

	// Pipeline settings.
	MaxQueueSize      int
	MaxBatchSize      int
	BatchTimeout      time.Duration
	ExportTimeout     time.Duration
	ExportConcurrency int
	ShutdownTimeout   time.Duration
	Overflow          pipeline.OverflowPolicy

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with defaults. Every
// malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	hostname, _ := os.Hostname()

	cfg := Config{
		ServiceName:    envStr("TELEPIPE_SERVICE_NAME", "gateway-api"),
		ServiceVersion: envStr("TELEPIPE_SERVICE_VERSION", ""),
		InstanceID:     envStr("TELEPIPE_INSTANCE_ID", hostname),
		SpanSink:       strings.ToLower(envStr("TELEPIPE_SPAN_SINK", SinkStdout)),
		LogSink:        strings.ToLower(envStr("TELEPIPE_LOG_SINK", SinkStdout)),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		SQLitePath:     envStr("TELEPIPE_SQLITE_PATH", "telepipe.db"),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:       envStr("TELEPIPE_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("TELEPIPE_PORT", 3005)
	collect(err)
	cfg.ReadTimeout, err = envDuration("TELEPIPE_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("TELEPIPE_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.OTELInsecure, err = envBool("TELEPIPE_OTEL_INSECURE", false)
	collect(err)
	cfg.MaxQueueSize, err = envInt("TELEPIPE_MAX_QUEUE_SIZE", pipeline.DefaultMaxQueueSize)
	collect(err)
	cfg.MaxBatchSize, err = envInt("TELEPIPE_MAX_BATCH_SIZE", pipeline.DefaultMaxExportBatchSize)
	collect(err)
	cfg.BatchTimeout, err = envDuration("TELEPIPE_BATCH_TIMEOUT", pipeline.DefaultBatchTimeout)
	collect(err)
	cfg.ExportTimeout, err = envDuration("TELEPIPE_EXPORT_TIMEOUT", pipeline.DefaultExportTimeout)
	collect(err)
	cfg.ExportConcurrency, err = envInt("TELEPIPE_EXPORT_CONCURRENCY", 8)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("TELEPIPE_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.Overflow, err = pipeline.ParseOverflowPolicy(envStr("TELEPIPE_OVERFLOW", ""))
	if err != nil {
		collect(fmt.Errorf("TELEPIPE_OVERFLOW: %w", err))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and that each selected sink has what it needs.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TELEPIPE_PORT must be in 1..65535, got %d", c.Port))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("TELEPIPE_SERVICE_NAME is required"))
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("TELEPIPE_MAX_QUEUE_SIZE must be positive"))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("TELEPIPE_MAX_BATCH_SIZE must be positive"))
	}
	if c.BatchTimeout <= 0 {
		errs = append(errs, errors.New("TELEPIPE_BATCH_TIMEOUT must be positive"))
	}
	if c.ExportTimeout <= 0 {
		errs = append(errs, errors.New("TELEPIPE_EXPORT_TIMEOUT must be positive"))
	}
	if c.ExportConcurrency <= 0 {
		errs = append(errs, errors.New("TELEPIPE_EXPORT_CONCURRENCY must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("TELEPIPE_SHUTDOWN_TIMEOUT must be positive"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("TELEPIPE_LOG_LEVEL: %w", err))
	}

	for _, s := range []struct{ key, val string }{
		{"TELEPIPE_SPAN_SINK", c.SpanSink},
		{"TELEPIPE_LOG_SINK", c.LogSink},
	} {
		switch s.val {
		case SinkStdout:
		case SinkPostgres:
			if c.DatabaseURL == "" {
				errs = append(errs, fmt.Errorf("DATABASE_URL is required when %s=%s", s.key, s.val))
			}
		case SinkSQLite:
			if c.SQLitePath == "" {
				errs = append(errs, fmt.Errorf("TELEPIPE_SQLITE_PATH is required when %s=%s", s.key, s.val))
			}
		case SinkOTLP:
			if s.key == "TELEPIPE_LOG_SINK" {
				errs = append(errs, errors.New("TELEPIPE_LOG_SINK=otlp is not supported"))
			} else if c.OTELEndpoint == "" {
				errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when %s=%s", s.key, s.val))
			}
		default:
			errs = append(errs, fmt.Errorf("%s=%q is not one of stdout, postgres, sqlite, otlp", s.key, s.val))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level. "trace" is below debug.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logging.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
