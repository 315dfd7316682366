package sink

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/telepipe/internal/model"
)

// OTLPSpans forwards spans to an OTLP/HTTP collector. Log records are not
// supported.
type OTLPSpans struct {
	exp sdktrace.SpanExporter

	mu        sync.Mutex
	resources map[*model.Resource]*resource.Resource
}

// NewOTLPSpans creates a sink exporting to endpoint (host:port).
func NewOTLPSpans(ctx context.Context, endpoint string, insecure bool) (*OTLPSpans, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: create otlp trace exporter: %w", err)
	}
	return newOTLPSpans(exp), nil
}

func newOTLPSpans(exp sdktrace.SpanExporter) *OTLPSpans {
	return &OTLPSpans{exp: exp, resources: make(map[*model.Resource]*resource.Resource)}
}

func (s *OTLPSpans) Write(ctx context.Context, span model.Span) error {
	return s.WriteBatch(ctx, []model.Span{span})
}

func (s *OTLPSpans) WriteBatch(ctx context.Context, batch []model.Span) error {
	ro := make([]sdktrace.ReadOnlySpan, 0, len(batch))
	for _, span := range batch {
		stub, err := s.stub(span)
		if err != nil {
			return err
		}
		ro = append(ro, stub.Snapshot())
	}
	if err := s.exp.ExportSpans(ctx, ro); err != nil {
		return fmt.Errorf("sink: otlp export: %w", err)
	}
	return nil
}

// Close shuts down the underlying OTLP exporter.
func (s *OTLPSpans) Close(ctx context.Context) error {
	return s.exp.Shutdown(ctx)
}

func (s *OTLPSpans) stub(span model.Span) (tracetest.SpanStub, error) {
	tid, err := trace.TraceIDFromHex(span.TraceID)
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("sink: span %s: %w", span.SpanID, err)
	}
	sid, err := trace.SpanIDFromHex(span.SpanID)
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("sink: span %s: %w", span.SpanID, err)
	}
	stub := tracetest.SpanStub{
		Name: span.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     sid,
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             spanKind(span.Kind),
		StartTime:            span.StartTime,
		EndTime:              span.EndTime,
		Attributes:           attributes(span.Attributes),
		Status:               sdktrace.Status{Code: statusCode(span.Status.Code), Description: span.Status.Message},
		Resource:             s.resource(span.Resource),
		InstrumentationScope: instrumentation.Scope{Name: span.Scope},
	}
	if span.ParentSpanID != "" {
		psid, err := trace.SpanIDFromHex(span.ParentSpanID)
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("sink: span %s parent: %w", span.SpanID, err)
		}
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     psid,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
	}
	if exc := span.Exception; exc != nil {
		stub.Events = []sdktrace.Event{{
			Name: semconv.ExceptionEventName,
			Time: span.EndTime,
			Attributes: []attribute.KeyValue{
				semconv.ExceptionTypeKey.String(exc.Type),
				semconv.ExceptionMessageKey.String(exc.Message),
				semconv.ExceptionStacktraceKey.String(exc.Stacktrace),
			},
		}}
	}
	return stub, nil
}

// resource converts r once per distinct pointer; records share one Resource.
func (s *OTLPSpans) resource(r *model.Resource) *resource.Resource {
	if r == nil {
		return resource.Empty()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.resources[r]; ok {
		return res
	}
	kvs := attributes(r.Attributes)
	kvs = append(kvs, semconv.ServiceNameKey.String(r.ServiceName))
	if r.ServiceVersion != "" {
		kvs = append(kvs, semconv.ServiceVersionKey.String(r.ServiceVersion))
	}
	if r.InstanceID != "" {
		kvs = append(kvs, semconv.ServiceInstanceIDKey.String(r.InstanceID))
	}
	res := resource.NewSchemaless(kvs...)
	s.resources[r] = res
	return res
}

func attributes(attrs model.Attributes) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch v.Kind() {
		case model.KindString:
			out = append(out, attribute.String(k, v.AsString()))
		case model.KindInt64:
			out = append(out, attribute.Int64(k, v.AsInt64()))
		case model.KindFloat64:
			out = append(out, attribute.Float64(k, v.AsFloat64()))
		case model.KindBool:
			out = append(out, attribute.Bool(k, v.AsBool()))
		}
	}
	return out
}

func spanKind(k model.SpanKind) trace.SpanKind {
	switch k {
	case model.SpanKindServer:
		return trace.SpanKindServer
	case model.SpanKindClient:
		return trace.SpanKindClient
	case model.SpanKindProducer:
		return trace.SpanKindProducer
	case model.SpanKindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

func statusCode(c model.StatusCode) codes.Code {
	switch c {
	case model.StatusOK:
		return codes.Ok
	case model.StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}
