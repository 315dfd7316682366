package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/telepipe/internal/model"
)

// copyTimeout bounds a single COPY so a hung server cannot stall a batch export
// past the exporter's own deadline by much.
const copyTimeout = 30 * time.Second

var spanColumns = []string{
	"span_id", "trace_id", "parent_span_id", "name", "scope", "kind",
	"start_time", "end_time", "status_code", "status_message",
	"attributes", "exception", "service_name", "resource",
}

const insertSpanSQL = `
	INSERT INTO spans (span_id, trace_id, parent_span_id, name, scope, kind,
		start_time, end_time, status_code, status_message,
		attributes, exception, service_name, resource)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (span_id) DO NOTHING`

// InsertSpan stores one span. A span whose id is already stored is ignored.
func (db *DB) InsertSpan(ctx context.Context, s model.Span) error {
	row, err := spanRow(s)
	if err != nil {
		return err
	}
	err = WithRetry(ctx, 2, 20*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx, insertSpanSQL, row...)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert span %s: %w", s.SpanID, err)
	}
	return nil
}

// CopySpans stores spans with the COPY protocol and returns the number of rows
// written. When a span id is already stored the batch is replayed row by row in
// one transaction, skipping the duplicates.
func (db *DB) CopySpans(ctx context.Context, spans []model.Span) (int64, error) {
	if len(spans) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(spans))
	for i, s := range spans {
		row, err := spanRow(s)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"spans"}, spanColumns, pgx.CopyFromRows(rows))
	if isUniqueViolation(err) {
		n, err = db.insertRows(ctx, insertSpanSQL, rows)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: copy spans: %w", err)
	}
	return n, nil
}

// GetSpan returns the stored span with the given id, or ErrNotFound.
func (db *DB) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	var (
		s                model.Span
		parent           *string
		kind, statusCode string
		attrs, exc, res  []byte
		serviceName      string
	)
	err := db.pool.QueryRow(ctx, `
		SELECT span_id, trace_id, parent_span_id, name, scope, kind,
			start_time, end_time, status_code, status_message,
			attributes, exception, service_name, resource
		FROM spans WHERE span_id = $1`, spanID,
	).Scan(
		&s.SpanID, &s.TraceID, &parent, &s.Name, &s.Scope, &kind,
		&s.StartTime, &s.EndTime, &statusCode, &s.Status.Message,
		&attrs, &exc, &serviceName, &res,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Span{}, fmt.Errorf("storage: span %s: %w", spanID, ErrNotFound)
	}
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: get span %s: %w", spanID, err)
	}

	if parent != nil {
		s.ParentSpanID = *parent
	}
	s.Kind = model.SpanKind(kind)
	s.Status.Code = model.StatusCode(statusCode)
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	if err := json.Unmarshal(attrs, &s.Attributes); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode span attributes: %w", err)
	}
	if len(exc) > 0 {
		s.Exception = &model.Exception{}
		if err := json.Unmarshal(exc, s.Exception); err != nil {
			return model.Span{}, fmt.Errorf("storage: decode span exception: %w", err)
		}
	}
	if len(res) > 0 {
		s.Resource = &model.Resource{}
		if err := json.Unmarshal(res, s.Resource); err != nil {
			return model.Span{}, fmt.Errorf("storage: decode span resource: %w", err)
		}
	} else if serviceName != "" {
		s.Resource = &model.Resource{ServiceName: serviceName}
	}
	return s, nil
}

func spanRow(s model.Span) ([]any, error) {
	attrs, err := marshalAttributes(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("storage: encode span %s attributes: %w", s.SpanID, err)
	}
	var exc, res []byte
	if s.Exception != nil {
		if exc, err = json.Marshal(s.Exception); err != nil {
			return nil, fmt.Errorf("storage: encode span %s exception: %w", s.SpanID, err)
		}
	}
	if s.Resource != nil {
		if res, err = json.Marshal(s.Resource); err != nil {
			return nil, fmt.Errorf("storage: encode span %s resource: %w", s.SpanID, err)
		}
	}
	return []any{
		s.SpanID, s.TraceID, nullable(s.ParentSpanID), s.Name, s.Scope, string(s.Kind),
		s.StartTime, s.EndTime, string(s.Status.Code), s.Status.Message,
		attrs, exc, model.ServiceNameOf(s.Resource), res,
	}, nil
}

func marshalAttributes(a model.Attributes) ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// insertRows runs query once per row in a single transaction and returns the
// number of rows inserted. query must ignore conflicts.
func (db *DB) insertRows(ctx context.Context, query string, rows [][]any) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, row := range rows {
			tag, err := tx.Exec(ctx, query, row...)
			if err != nil {
				return err
			}
			n += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
