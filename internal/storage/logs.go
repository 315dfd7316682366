package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/telepipe/internal/model"
)

var logColumns = []string{
	"id", "trace_id", "span_id", "ts", "severity_number", "severity_text",
	"body", "attributes", "service_name", "resource",
}

const insertLogSQL = `
	INSERT INTO log_records (id, trace_id, span_id, ts, severity_number, severity_text,
		body, attributes, service_name, resource)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// InsertLog stores one log record. A record whose id is already stored is ignored.
func (db *DB) InsertLog(ctx context.Context, r model.LogRecord) error {
	row, err := logRow(r)
	if err != nil {
		return err
	}
	err = WithRetry(ctx, 2, 20*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx, insertLogSQL, row...)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert log %s: %w", r.ID, err)
	}
	return nil
}

// CopyLogs stores log records with the COPY protocol and returns the number of
// rows written. Duplicate ids are skipped the same way as in CopySpans.
func (db *DB) CopyLogs(ctx context.Context, recs []model.LogRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(recs))
	for i, r := range recs {
		row, err := logRow(r)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"log_records"}, logColumns, pgx.CopyFromRows(rows))
	if isUniqueViolation(err) {
		n, err = db.insertRows(ctx, insertLogSQL, rows)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: copy logs: %w", err)
	}
	return n, nil
}

// LogsForTrace returns the log records emitted inside the given trace at or
// above minSeverity, oldest first.
func (db *DB) LogsForTrace(ctx context.Context, traceID string, minSeverity model.Severity) ([]model.LogRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, trace_id, span_id, ts, severity_number, body, attributes
		FROM log_records WHERE trace_id = $1 AND severity_number >= $2
		ORDER BY ts, id`, traceID, int16(minSeverity)) //nolint:gosec // severities fit in SMALLINT
	if err != nil {
		return nil, fmt.Errorf("storage: query logs for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var (
			r        model.LogRecord
			tid, sid *string
			severity int16
			attrs    []byte
		)
		if err := rows.Scan(&r.ID, &tid, &sid, &r.Timestamp, &severity, &r.Body, &attrs); err != nil {
			return nil, fmt.Errorf("storage: scan log record: %w", err)
		}
		if tid != nil {
			r.TraceID = *tid
		}
		if sid != nil {
			r.SpanID = *sid
		}
		r.Timestamp = r.Timestamp.UTC()
		r.Severity = model.Severity(severity)
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("storage: decode log attributes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func logRow(r model.LogRecord) ([]any, error) {
	attrs, err := marshalAttributes(r.Attributes)
	if err != nil {
		return nil, fmt.Errorf("storage: encode log %s attributes: %w", r.ID, err)
	}
	var res []byte
	if r.Resource != nil {
		if res, err = json.Marshal(r.Resource); err != nil {
			return nil, fmt.Errorf("storage: encode log %s resource: %w", r.ID, err)
		}
	}
	return []any{
		r.ID, nullable(r.TraceID), nullable(r.SpanID), r.Timestamp,
		int16(r.Severity), r.Severity.String(), //nolint:gosec // severities fit in SMALLINT
		r.Body, attrs, model.ServiceNameOf(r.Resource), res,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
