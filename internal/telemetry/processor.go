package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/telepipe/internal/model"
)

// SpanSink is the span batch processor as seen from the SDK.
type SpanSink interface {
	Append(model.Span)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SpanProcessor is an sdktrace.SpanProcessor that converts every ended span
// into a model.Span and appends it to the span pipeline.
type SpanProcessor struct {
	next SpanSink
	res  *model.Resource
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor wraps next. res is attached by reference to every span.
func NewSpanProcessor(next SpanSink, res *model.Resource) *SpanProcessor {
	return &SpanProcessor{next: next, res: res}
}

func (p *SpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd is called once per span by the SDK; a second End on the same span
// never reaches it.
func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if !s.SpanContext().IsSampled() {
		return
	}
	p.next.Append(ConvertSpan(s, p.res))
}

func (p *SpanProcessor) ForceFlush(ctx context.Context) error {
	return p.next.ForceFlush(ctx)
}

func (p *SpanProcessor) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// ConvertSpan snapshots an ended SDK span. An end time before the start time
// is clamped to the start time.
func ConvertSpan(s sdktrace.ReadOnlySpan, res *model.Resource) model.Span {
	sc := s.SpanContext()
	out := model.Span{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       s.Name(),
		Scope:      s.InstrumentationScope().Name,
		Kind:       convertKind(s.SpanKind()),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Status:     convertStatus(s.Status()),
		Attributes: ConvertAttributes(s.Attributes()),
		Resource:   res,
	}
	if parent := s.Parent(); parent.IsValid() {
		out.ParentSpanID = parent.SpanID().String()
	}
	if out.EndTime.Before(out.StartTime) {
		out.EndTime = out.StartTime
	}
	for _, ev := range s.Events() {
		if ev.Name != semconv.ExceptionEventName {
			continue
		}
		exc := &model.Exception{}
		for _, kv := range ev.Attributes {
			switch kv.Key {
			case semconv.ExceptionTypeKey:
				exc.Type = kv.Value.Emit()
			case semconv.ExceptionMessageKey:
				exc.Message = kv.Value.Emit()
			case semconv.ExceptionStacktraceKey:
				exc.Stacktrace = kv.Value.Emit()
			}
		}
		// At most one exception per span: keep the first.
		out.Exception = exc
		break
	}
	return out
}

// ConvertAttributes maps OTEL attributes to the scalar model. Slice values are
// flattened to their string form.
func ConvertAttributes(kvs []attribute.KeyValue) model.Attributes {
	out := make(model.Attributes, len(kvs))
	for _, kv := range kvs {
		out.Set(string(kv.Key), convertValue(kv.Value))
	}
	return out
}

func convertValue(v attribute.Value) model.Value {
	switch v.Type() {
	case attribute.BOOL:
		return model.Bool(v.AsBool())
	case attribute.INT64:
		return model.Int64(v.AsInt64())
	case attribute.FLOAT64:
		return model.Float64(v.AsFloat64())
	case attribute.STRING:
		return model.String(v.AsString())
	default:
		return model.String(v.Emit())
	}
}

func convertKind(k trace.SpanKind) model.SpanKind {
	switch k {
	case trace.SpanKindServer:
		return model.SpanKindServer
	case trace.SpanKindClient:
		return model.SpanKindClient
	case trace.SpanKindProducer:
		return model.SpanKindProducer
	case trace.SpanKindConsumer:
		return model.SpanKindConsumer
	default:
		return model.SpanKindInternal
	}
}

func convertStatus(s sdktrace.Status) model.Status {
	switch s.Code {
	case codes.Ok:
		return model.Status{Code: model.StatusOK}
	case codes.Error:
		return model.Status{Code: model.StatusError, Message: s.Description}
	default:
		return model.Status{Code: model.StatusUnset}
	}
}

// ModelResource converts the SDK resource once at startup. The returned value
// is shared by every record and must not be modified.
func ModelResource(res *resource.Resource) *model.Resource {
	out := &model.Resource{Attributes: model.Attributes{}}
	if res == nil {
		return out
	}
	for _, kv := range res.Attributes() {
		switch kv.Key {
		case semconv.ServiceNameKey:
			out.ServiceName = kv.Value.Emit()
		case semconv.ServiceVersionKey:
			out.ServiceVersion = kv.Value.Emit()
		case semconv.ServiceInstanceIDKey:
			out.InstanceID = kv.Value.Emit()
		default:
			out.Attributes.Set(string(kv.Key), convertValue(kv.Value))
		}
	}
	return out
}
