// Package server implements the gateway HTTP API whose handlers produce the
// spans and log records fed through the pipelines.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/telepipe/internal/model"
)

// SpanReader reads stored spans back. Sinks that cannot serve reads leave it nil.
type SpanReader interface {
	GetSpan(ctx context.Context, spanID string) (model.Span, error)
}

// LogReader reads the stored log records of a trace back.
type LogReader interface {
	LogsForTrace(ctx context.Context, traceID string, minSeverity model.Severity) ([]model.LogRecord, error)
}

// Pinger reports whether a backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats is the view of a pipeline the health endpoint reports.
type QueueStats interface {
	Len() int
	Capacity() int
	Dropped() int64
}

// Server is the gateway HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings for creating a Server.
// SpanReader, LogReader, DB, Spans and Logs are optional.
type Config struct {
	// Logger is the application logger. Handler log lines flow through it
	// into the log pipeline.
	Logger     *slog.Logger
	SpanReader SpanReader
	LogReader  LogReader
	DB         Pinger
	Spans      QueueStats
	Logs       QueueStats

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a Server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		logger:  cfg.Logger,
		reader:  cfg.SpanReader,
		logRead: cfg.LogReader,
		db:      cfg.DB,
		spans:   cfg.Spans,
		logs:    cfg.Logs,
		version: cfg.Version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api", h.HandleGetData)
	mux.HandleFunc("GET /api/spans/{span_id}", h.HandleGetSpan)
	mux.HandleFunc("GET /api/traces/{trace_id}/logs", h.HandleGetTraceLogs)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	return s.httpServer.Shutdown(ctx)
}
