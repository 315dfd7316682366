package instrument

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp
}

func attrMap(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func exceptionEvent(s sdktrace.ReadOnlySpan) (sdktrace.Event, bool) {
	for _, ev := range s.Events() {
		if ev.Name == "exception" {
			return ev, true
		}
	}
	return sdktrace.Event{}, false
}

type greeter struct{}

func (greeter) Greet(_ context.Context, name string) (string, error) {
	return "hello " + name, nil
}

func TestFuncSuccess(t *testing.T) {
	sr, tp := newRecorder()
	greet := Func(greeter{}.Greet,
		WithTracerProvider(tp),
		WithAttributes(attribute.String("component", "gateway")),
	)

	out, err := greet(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "Greet", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, DefaultTracerName, span.InstrumentationScope().Name)

	attrs := attrMap(span)
	assert.Equal(t, "Greet", attrs[AttrFunction].AsString())
	assert.True(t, strings.HasSuffix(attrs[AttrNamespace].AsString(), "instrument.greeter"))
	assert.Equal(t, "gateway", attrs["component"].AsString())
	_, captured := attrs[AttrArgs]
	assert.False(t, captured, "arguments are not captured by default")
	assert.False(t, span.EndTime().Before(span.StartTime()))
}

func TestFuncErrorIsRecordedAndReturnedUnchanged(t *testing.T) {
	sr, tp := newRecorder()
	boom := errors.New("boom")
	op := Func(func(context.Context, int) (int, error) { return 0, boom }, WithTracerProvider(tp))

	_, err := op(context.Background(), 1)
	require.Error(t, err)
	assert.Same(t, boom, err)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)

	ev, ok := exceptionEvent(ended[0])
	require.True(t, ok, "exception must be recorded")
	var hasStack bool
	for _, kv := range ev.Attributes {
		if kv.Key == "exception.message" {
			assert.Equal(t, "boom", kv.Value.AsString())
		}
		if kv.Key == "exception.stacktrace" {
			hasStack = true
		}
	}
	assert.True(t, hasStack, "stack trace is recorded by default")
}

func TestFuncWithoutStackTraceSynthesizesException(t *testing.T) {
	sr, tp := newRecorder()
	op := Func(func(context.Context, int) (int, error) { return 0, errors.New("boom") },
		WithTracerProvider(tp), WithStackTrace(false))

	_, _ = op(context.Background(), 1)

	ev, ok := exceptionEvent(sr.Ended()[0])
	require.True(t, ok)
	for _, kv := range ev.Attributes {
		assert.NotEqual(t, attribute.Key("exception.stacktrace"), kv.Key)
	}
}

func TestFuncStatusMessageIsTruncated(t *testing.T) {
	sr, tp := newRecorder()
	long := strings.Repeat("x", 400)
	op := Func(func(context.Context, int) (int, error) { return 0, errors.New(long) }, WithTracerProvider(tp))

	_, err := op(context.Background(), 1)
	assert.Equal(t, long, err.Error(), "returned error keeps its full message")

	desc := sr.Ended()[0].Status().Description
	assert.Equal(t, strings.Repeat("x", 255)+truncationMarker, desc)
}

func TestFuncCapturesTruncatedArgs(t *testing.T) {
	sr, tp := newRecorder()
	op := Func(func(context.Context, string) (int, error) { return 1, nil },
		WithTracerProvider(tp), WithCaptureArgs(true), WithMaxArgLength(10))

	_, err := op(context.Background(), "abcdefghijklmnop")
	require.NoError(t, err)

	got := attrMap(sr.Ended()[0])[AttrArgs].AsString()
	assert.Equal(t, `["abcdefgh`+truncationMarker, got)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 10+len(truncationMarker))
}

func TestFuncCaptureSerializationFailure(t *testing.T) {
	sr, tp := newRecorder()
	op := Func(func(context.Context, chan int) (int, error) { return 1, nil },
		WithTracerProvider(tp), WithCaptureArgs(true))

	out, err := op(context.Background(), make(chan int))
	require.NoError(t, err, "serialization failure must not reach the caller")
	assert.Equal(t, 1, out)

	got := attrMap(sr.Ended()[0])[AttrArgs].AsString()
	assert.True(t, strings.HasPrefix(got, "<failed to serialize: "), got)
}

func TestFuncPropagatesActiveSpan(t *testing.T) {
	sr, tp := newRecorder()
	var inner trace.SpanContext
	op := Func(func(ctx context.Context, _ int) (int, error) {
		inner = trace.SpanContextFromContext(ctx)
		return 0, nil
	}, WithTracerProvider(tp), WithName("child"))

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	_, _ = op(ctx, 0)
	parent.End()

	// The caller's context still carries the parent after the call.
	assert.Equal(t, parent.SpanContext(), trace.SpanContextFromContext(ctx))

	ended := sr.Ended()
	require.Len(t, ended, 2)
	child := ended[0]
	assert.Equal(t, "child", child.Name())
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, child.SpanContext(), inner)
}

func TestFuncPanicIsRecordedAndReraised(t *testing.T) {
	sr, tp := newRecorder()
	op := Func(func(context.Context, int) (int, error) { panic("kaboom") }, WithTracerProvider(tp))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = op(context.Background(), 1)
	}()
	assert.Equal(t, "kaboom", recovered)

	ended := sr.Ended()
	require.Len(t, ended, 1, "span is ended exactly once on panic")
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "panic: kaboom", ended[0].Status().Description)
}

func TestRunUsesOptions(t *testing.T) {
	sr, tp := newRecorder()
	err := Run(context.Background(), func(context.Context) error { return nil },
		WithTracerProvider(tp), WithName("getData"), WithTracer("AppController"), WithKind(trace.SpanKindConsumer))
	require.NoError(t, err)

	span := sr.Ended()[0]
	assert.Equal(t, "getData", span.Name())
	assert.Equal(t, "AppController", span.InstrumentationScope().Name)
	assert.Equal(t, trace.SpanKindConsumer, span.SpanKind())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "ab"+truncationMarker, truncate("abc", 2))
	// Counts characters, not bytes.
	assert.Equal(t, "日本"+truncationMarker, truncate("日本語", 2))
}

func TestQualifiedName(t *testing.T) {
	ns, fn := qualifiedName(greeter{}.Greet)
	assert.Equal(t, "Greet", fn)
	assert.Equal(t, "github.com/ashita-ai/telepipe/internal/instrument.greeter", ns)

	ns, fn = qualifiedName(serializeArgs)
	assert.Equal(t, "serializeArgs", fn)
	assert.Equal(t, "github.com/ashita-ai/telepipe/internal/instrument", ns)

	ns, fn = qualifiedName(firstOf[int])
	assert.Equal(t, "firstOf", fn)
	assert.Equal(t, "github.com/ashita-ai/telepipe/internal/instrument", ns)

	ns, fn = qualifiedName((&box[string]{}).Get)
	assert.Equal(t, "Get", fn)
	assert.Equal(t, "github.com/ashita-ai/telepipe/internal/instrument.(*box)", ns)
}

func firstOf[T any](_ context.Context, xs []T) (T, error) {
	var zero T
	if len(xs) == 0 {
		return zero, errors.New("empty")
	}
	return xs[0], nil
}

type box[T any] struct{ v T }

func (b *box[T]) Get() T { return b.v }

func TestFuncGenericDefaultsToFunctionName(t *testing.T) {
	sr, tp := newRecorder()
	first := Func(firstOf[int], WithTracerProvider(tp))

	got, err := first(context.Background(), []int{7, 8})
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "firstOf", spans[0].Name())
}
