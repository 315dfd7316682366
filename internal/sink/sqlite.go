package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/storage"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	scope          TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL,
	start_ns       INTEGER NOT NULL,
	end_ns         INTEGER NOT NULL,
	status_code    TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	attributes     TEXT NOT NULL DEFAULT '{}',
	exception      TEXT,
	service_name   TEXT NOT NULL DEFAULT '',
	resource       TEXT
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (trace_id);

CREATE TABLE IF NOT EXISTS log_records (
	id              TEXT PRIMARY KEY,
	trace_id        TEXT NOT NULL DEFAULT '',
	span_id         TEXT NOT NULL DEFAULT '',
	ts_ns           INTEGER NOT NULL,
	severity_number INTEGER NOT NULL,
	body            TEXT NOT NULL,
	attributes      TEXT NOT NULL DEFAULT '{}',
	service_name    TEXT NOT NULL DEFAULT '',
	resource        TEXT
);
CREATE INDEX IF NOT EXISTS idx_log_records_trace ON log_records (trace_id);
`

const (
	insertSpanSQL = `INSERT OR IGNORE INTO spans (span_id, trace_id, parent_span_id, name, scope, kind,
		start_ns, end_ns, status_code, status_message, attributes, exception, service_name, resource)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertLogSQL = `INSERT OR IGNORE INTO log_records (id, trace_id, span_id, ts_ns, severity_number,
		body, attributes, service_name, resource)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQLite stores spans and log records in a local database file. It holds a
// single connection since SQLite serializes writers anyway.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" in tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sink: sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Spans returns the span sink.
func (s *SQLite) Spans() *SQLiteSpans { return &SQLiteSpans{db: s.db} }

// Logs returns the log record sink.
func (s *SQLite) Logs() *SQLiteLogs { return &SQLiteLogs{db: s.db} }

// GetSpan reads a stored span back, returning storage.ErrNotFound when absent.
func (s *SQLite) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	var (
		sp               model.Span
		kind, statusCode string
		startNS, endNS   int64
		attrs            string
		exc, res         sql.NullString
		serviceName      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT span_id, trace_id, parent_span_id, name, scope, kind, start_ns, end_ns,
			status_code, status_message, attributes, exception, service_name, resource
		FROM spans WHERE span_id = ?`, spanID,
	).Scan(&sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.Name, &sp.Scope, &kind, &startNS, &endNS,
		&statusCode, &sp.Status.Message, &attrs, &exc, &serviceName, &res)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Span{}, fmt.Errorf("sink: span %s: %w", spanID, storage.ErrNotFound)
	}
	if err != nil {
		return model.Span{}, fmt.Errorf("sink: get span %s: %w", spanID, err)
	}

	sp.Kind = model.SpanKind(kind)
	sp.Status.Code = model.StatusCode(statusCode)
	sp.StartTime = time.Unix(0, startNS).UTC()
	sp.EndTime = time.Unix(0, endNS).UTC()
	if err := json.Unmarshal([]byte(attrs), &sp.Attributes); err != nil {
		return model.Span{}, fmt.Errorf("sink: decode span attributes: %w", err)
	}
	if exc.Valid {
		sp.Exception = &model.Exception{}
		if err := json.Unmarshal([]byte(exc.String), sp.Exception); err != nil {
			return model.Span{}, fmt.Errorf("sink: decode span exception: %w", err)
		}
	}
	switch {
	case res.Valid:
		sp.Resource = &model.Resource{}
		if err := json.Unmarshal([]byte(res.String), sp.Resource); err != nil {
			return model.Span{}, fmt.Errorf("sink: decode span resource: %w", err)
		}
	case serviceName != "":
		sp.Resource = &model.Resource{ServiceName: serviceName}
	}
	return sp, nil
}

// LogsForTrace returns the stored log records of a trace at or above
// minSeverity, oldest first.
func (s *SQLite) LogsForTrace(ctx context.Context, traceID string, minSeverity model.Severity) ([]model.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, span_id, ts_ns, severity_number, body, attributes
		FROM log_records WHERE trace_id = ? AND severity_number >= ?
		ORDER BY ts_ns, id`, traceID, int64(minSeverity))
	if err != nil {
		return nil, fmt.Errorf("sink: query logs for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var (
			r         model.LogRecord
			id, attrs string
			tsNS      int64
			severity  int64
		)
		if err := rows.Scan(&id, &r.TraceID, &r.SpanID, &tsNS, &severity, &r.Body, &attrs); err != nil {
			return nil, fmt.Errorf("sink: scan log record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sink: log record id %q: %w", id, err)
		}
		r.Timestamp = time.Unix(0, tsNS).UTC()
		r.Severity = model.Severity(severity)
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("sink: decode log attributes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteSpans writes spans to the spans table.
type SQLiteSpans struct {
	db *sql.DB
}

func (s *SQLiteSpans) Write(ctx context.Context, span model.Span) error {
	return insertSpan(ctx, s.db, span)
}

// WriteBatch writes the batch in one transaction.
func (s *SQLiteSpans) WriteBatch(ctx context.Context, batch []model.Span) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, span := range batch {
			if err := insertSpan(ctx, tx, span); err != nil {
				return err
			}
		}
		return nil
	})
}

// SQLiteLogs writes log records to the log_records table.
type SQLiteLogs struct {
	db *sql.DB
}

func (s *SQLiteLogs) Write(ctx context.Context, rec model.LogRecord) error {
	return insertLog(ctx, s.db, rec)
}

// WriteBatch writes the batch in one transaction.
func (s *SQLiteLogs) WriteBatch(ctx context.Context, batch []model.LogRecord) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, rec := range batch {
			if err := insertLog(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSpan(ctx context.Context, db execer, s model.Span) error {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("sink: encode span %s attributes: %w", s.SpanID, err)
	}
	if s.Attributes == nil {
		attrs = []byte("{}")
	}
	var exc sql.NullString
	if s.Exception != nil {
		b, err := json.Marshal(s.Exception)
		if err != nil {
			return fmt.Errorf("sink: encode span %s exception: %w", s.SpanID, err)
		}
		exc = sql.NullString{String: string(b), Valid: true}
	}
	res, err := encodeResource(s.Resource)
	if err != nil {
		return fmt.Errorf("sink: encode span %s resource: %w", s.SpanID, err)
	}
	_, err = db.ExecContext(ctx, insertSpanSQL,
		s.SpanID, s.TraceID, s.ParentSpanID, s.Name, s.Scope, string(s.Kind),
		s.StartTime.UnixNano(), s.EndTime.UnixNano(),
		string(s.Status.Code), s.Status.Message, string(attrs), exc, model.ServiceNameOf(s.Resource), res,
	)
	if err != nil {
		return fmt.Errorf("sink: sqlite insert span %s: %w", s.SpanID, err)
	}
	return nil
}

func insertLog(ctx context.Context, db execer, r model.LogRecord) error {
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("sink: encode log %s attributes: %w", r.ID, err)
	}
	if r.Attributes == nil {
		attrs = []byte("{}")
	}
	res, err := encodeResource(r.Resource)
	if err != nil {
		return fmt.Errorf("sink: encode log %s resource: %w", r.ID, err)
	}
	_, err = db.ExecContext(ctx, insertLogSQL,
		r.ID.String(), r.TraceID, r.SpanID, r.Timestamp.UnixNano(), int64(r.Severity),
		r.Body, string(attrs), model.ServiceNameOf(r.Resource), res,
	)
	if err != nil {
		return fmt.Errorf("sink: sqlite insert log %s: %w", r.ID, err)
	}
	return nil
}

func encodeResource(r *model.Resource) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: sqlite begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: sqlite commit: %w", err)
	}
	return nil
}
