package sink

import (
	"context"

	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/storage"
)

// Postgres adapts storage.DB to the span and log sinks.
type Postgres struct {
	db *storage.DB
}

// NewPostgres wraps db. The caller owns db and closes it after the exporters
// have shut down.
func NewPostgres(db *storage.DB) *Postgres {
	return &Postgres{db: db}
}

// Spans returns the span sink.
func (p *Postgres) Spans() *PostgresSpans { return &PostgresSpans{db: p.db} }

// Logs returns the log record sink.
func (p *Postgres) Logs() *PostgresLogs { return &PostgresLogs{db: p.db} }

// GetSpan reads a stored span back, returning storage.ErrNotFound when absent.
func (p *Postgres) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	return p.db.GetSpan(ctx, spanID)
}

// LogsForTrace returns the stored log records of a trace at or above minSeverity.
func (p *Postgres) LogsForTrace(ctx context.Context, traceID string, minSeverity model.Severity) ([]model.LogRecord, error) {
	return p.db.LogsForTrace(ctx, traceID, minSeverity)
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// PostgresSpans writes spans to the spans table.
type PostgresSpans struct {
	db *storage.DB
}

func (s *PostgresSpans) Write(ctx context.Context, span model.Span) error {
	return s.db.InsertSpan(ctx, span)
}

func (s *PostgresSpans) WriteBatch(ctx context.Context, batch []model.Span) error {
	_, err := s.db.CopySpans(ctx, batch)
	return err
}

// PostgresLogs writes log records to the log_records table.
type PostgresLogs struct {
	db *storage.DB
}

func (s *PostgresLogs) Write(ctx context.Context, rec model.LogRecord) error {
	return s.db.InsertLog(ctx, rec)
}

func (s *PostgresLogs) WriteBatch(ctx context.Context, batch []model.LogRecord) error {
	_, err := s.db.CopyLogs(ctx, batch)
	return err
}
