// Package logging bridges log/slog into the log record pipeline.
//
// Handler tees every record: it is converted to a model.LogRecord and appended
// to the log pipeline, and it is also passed to a console handler. Components
// of the pipeline itself must log through a plain handler, never through this
// one, so that export failures cannot feed back into the pipeline.
package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/telepipe/internal/model"
)

// LevelTrace sits below slog.LevelDebug and maps to TRACE severity.
const LevelTrace = slog.Level(-8)

// Appender receives ended log records.
type Appender interface {
	Append(model.LogRecord)
}

// Handler is a slog.Handler that appends every enabled record to a log pipeline
// and forwards it to next.
type Handler struct {
	next   slog.Handler
	logs   Appender
	res    *model.Resource
	level  slog.Leveler
	attrs  model.Attributes
	groups []string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a Handler. next may be nil when no console output is wanted.
// Records below level are neither appended nor forwarded.
func NewHandler(next slog.Handler, logs Appender, res *model.Resource, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		next:  next,
		logs:  logs,
		res:   res,
		level: level,
		attrs: model.Attributes{},
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := model.LogRecord{
		ID:         uuid.New(),
		Timestamp:  r.Time,
		Severity:   SeverityFromLevel(r.Level),
		Body:       r.Message,
		Attributes: h.attrs.Clone(),
		Resource:   h.res,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		rec.TraceID = sc.TraceID().String()
		rec.SpanID = sc.SpanID().String()
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		addAttr(rec.Attributes, prefix, a)
		return true
	})
	h.logs.Append(rec)

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := h.clone()
	prefix := groupPrefix(h.groups)
	for _, a := range attrs {
		addAttr(clone.attrs, prefix, a)
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(slices.Clone(h.groups), name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return clone
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = h.attrs.Clone()
	return &c
}

// SeverityFromLevel maps slog levels onto the ordered record severities.
func SeverityFromLevel(l slog.Level) model.Severity {
	switch {
	case l >= slog.LevelError:
		return model.SeverityError
	case l >= slog.LevelWarn:
		return model.SeverityWarn
	case l >= slog.LevelInfo:
		return model.SeverityInfo
	case l >= slog.LevelDebug:
		return model.SeverityDebug
	default:
		return model.SeverityTrace
	}
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups, ".") + "."
}

// addAttr flattens a, expanding groups into dotted keys.
func addAttr(dst model.Attributes, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst.Set(prefix+a.Key, valueOf(v))
}

func valueOf(v slog.Value) model.Value {
	switch v.Kind() {
	case slog.KindString:
		return model.String(v.String())
	case slog.KindInt64:
		return model.Int64(v.Int64())
	case slog.KindUint64:
		return model.Int64(int64(v.Uint64())) //nolint:gosec // attribute values above MaxInt64 wrap, acceptable for logs
	case slog.KindFloat64:
		return model.Float64(v.Float64())
	case slog.KindBool:
		return model.Bool(v.Bool())
	case slog.KindDuration:
		return model.Int64(v.Duration().Milliseconds())
	case slog.KindTime:
		return model.String(v.Time().UTC().Format(time.RFC3339Nano))
	default:
		return model.String(v.String())
	}
}
