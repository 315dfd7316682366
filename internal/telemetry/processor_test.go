package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/telepipe/internal/model"
)

type recordingSink struct {
	mu        sync.Mutex
	spans     []model.Span
	flushed   int
	shutdowns int
}

func (r *recordingSink) Append(s model.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, s)
}

func (r *recordingSink) ForceFlush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *recordingSink) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
	return nil
}

func (r *recordingSink) Spans() []model.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Span(nil), r.spans...)
}

func newProvider(t *testing.T) (*sdktrace.TracerProvider, *recordingSink, *model.Resource) {
	t.Helper()
	res, err := NewResource(context.Background(), "gateway-api", "1.2.3", "host-1")
	require.NoError(t, err)
	mres := ModelResource(res)
	sink := &recordingSink{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(NewSpanProcessor(sink, mres)),
		sdktrace.WithResource(res),
	)
	return tp, sink, mres
}

func TestSpanProcessorConvertsEndedSpans(t *testing.T) {
	tp, sink, mres := newProvider(t)
	tracer := tp.Tracer("AppController")

	ctx, parent := tracer.Start(context.Background(), "getData",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("http.method", "GET"), attribute.Int("retries", 2)),
	)
	_, child := tracer.Start(ctx, "lookup")
	child.SetStatus(codes.Error, "not found")
	child.RecordError(errors.New("not found"))
	child.End()
	parent.SetStatus(codes.Ok, "")
	parent.End()

	spans := sink.Spans()
	require.Len(t, spans, 2)
	c, p := spans[0], spans[1]

	assert.Equal(t, "getData", p.Name)
	assert.Equal(t, "AppController", p.Scope)
	assert.Equal(t, model.SpanKindConsumer, p.Kind)
	assert.Equal(t, model.StatusOK, p.Status.Code)
	assert.True(t, p.IsRoot())
	assert.Equal(t, "GET", p.Attributes["http.method"].AsString())
	assert.Equal(t, int64(2), p.Attributes["retries"].AsInt64())
	assert.Len(t, p.TraceID, 32)
	assert.Len(t, p.SpanID, 16)

	assert.Equal(t, p.TraceID, c.TraceID)
	assert.Equal(t, p.SpanID, c.ParentSpanID)
	assert.Equal(t, model.StatusError, c.Status.Code)
	assert.Equal(t, "not found", c.Status.Message)
	require.NotNil(t, c.Exception)
	assert.Equal(t, "not found", c.Exception.Message)

	// Resource is shared by reference, not copied per span.
	assert.Same(t, mres, p.Resource)
	assert.Same(t, mres, c.Resource)

	for _, s := range spans {
		assert.False(t, s.EndTime.Before(s.StartTime), "end must not precede start")
	}
}

func TestSpanProcessorEndTwiceAppendsOnce(t *testing.T) {
	tp, sink, _ := newProvider(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
	span.End()
	assert.Len(t, sink.Spans(), 1)
}

func TestSpanProcessorLifecycleDelegates(t *testing.T) {
	tp, sink, _ := newProvider(t)
	require.NoError(t, tp.ForceFlush(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Equal(t, 1, sink.flushed)
	assert.Equal(t, 1, sink.shutdowns)
}

func TestModelResource(t *testing.T) {
	res, err := NewResource(context.Background(), "gateway-api", "0.0.2", "i-123")
	require.NoError(t, err)

	mres := ModelResource(res)
	assert.Equal(t, "gateway-api", mres.ServiceName)
	assert.Equal(t, "0.0.2", mres.ServiceVersion)
	assert.Equal(t, "i-123", mres.InstanceID)
	assert.Equal(t, "", model.ServiceNameOf(nil))
}

func TestInitRequiresSpanProcessor(t *testing.T) {
	_, err := Init(context.Background(), Options{})
	require.Error(t, err)
}
