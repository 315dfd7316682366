package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashita-ai/telepipe/internal/config"
	"github.com/ashita-ai/telepipe/internal/exporter"
	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/server"
	"github.com/ashita-ai/telepipe/internal/sink"
	"github.com/ashita-ai/telepipe/internal/storage"
	"github.com/ashita-ai/telepipe/migrations"
)

// sinkSet holds the configured span and log sinks plus whatever must be closed
// once both exporters have shut down.
type sinkSet struct {
	spans     exporter.Sink[model.Span]
	logs      exporter.Sink[model.LogRecord]
	reader    server.SpanReader
	logReader server.LogReader
	db        server.Pinger
	closers   []func(context.Context) error
}

func (s *sinkSet) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			slog.Warn("sink close failed", "error", err)
		}
	}
}

// openSinks opens each backing store at most once, even when spans and logs
// share it.
func openSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	var (
		pg *sink.Postgres
		sq *sink.SQLite
	)
	postgres := func() (*sink.Postgres, error) {
		if pg != nil {
			return pg, nil
		}
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, func(context.Context) error { db.Close(); return nil })
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pg = sink.NewPostgres(db)
		set.db = pg
		return pg, nil
	}
	sqlite := func() (*sink.SQLite, error) {
		if sq != nil {
			return sq, nil
		}
		db, err := sink.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, func(context.Context) error { return db.Close() })
		sq = db
		return sq, nil
	}

	switch cfg.SpanSink {
	case config.SinkPostgres:
		p, err := postgres()
		if err != nil {
			set.close(ctx)
			return nil, err
		}
		set.spans, set.reader = p.Spans(), p
	case config.SinkSQLite:
		s, err := sqlite()
		if err != nil {
			set.close(ctx)
			return nil, err
		}
		set.spans, set.reader = s.Spans(), s
	case config.SinkOTLP:
		o, err := sink.NewOTLPSpans(ctx, cfg.OTELEndpoint, cfg.OTELInsecure)
		if err != nil {
			set.close(ctx)
			return nil, err
		}
		set.closers = append(set.closers, o.Close)
		set.spans = o
	default:
		set.spans = sink.NewStdout[model.Span](os.Stdout)
	}

	switch cfg.LogSink {
	case config.SinkPostgres:
		p, err := postgres()
		if err != nil {
			set.close(ctx)
			return nil, err
		}
		set.logs, set.logReader = p.Logs(), p
	case config.SinkSQLite:
		s, err := sqlite()
		if err != nil {
			set.close(ctx)
			return nil, err
		}
		set.logs, set.logReader = s.Logs(), s
	default:
		set.logs = sink.NewStdout[model.LogRecord](os.Stdout)
	}

	return set, nil
}
