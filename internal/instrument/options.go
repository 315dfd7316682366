package instrument

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTracerName   = "gateway-api"
	DefaultMaxArgLength = 1024

	// maxStatusMessageLength bounds the span status description.
	maxStatusMessageLength = 255
)

// Option configures a traced operation.
type Option func(*config)

type config struct {
	tracerName        string
	spanName          string
	kind              trace.SpanKind
	captureArgs       bool
	maxArgLength      int
	includeStackTrace bool
	attributes        []attribute.KeyValue
	provider          trace.TracerProvider
}

func newConfig(opts []Option) config {
	c := config{
		tracerName:        DefaultTracerName,
		kind:              trace.SpanKindServer,
		maxArgLength:      DefaultMaxArgLength,
		includeStackTrace: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.maxArgLength <= 0 {
		c.maxArgLength = DefaultMaxArgLength
	}
	return c
}

// WithTracer sets the tracer (instrumentation scope) name.
func WithTracer(name string) Option {
	return func(c *config) { c.tracerName = name }
}

// WithName overrides the span name. Defaults to the wrapped function's name.
func WithName(name string) Option {
	return func(c *config) { c.spanName = name }
}

// WithKind sets the span kind. Defaults to server.
func WithKind(kind trace.SpanKind) Option {
	return func(c *config) { c.kind = kind }
}

// WithCaptureArgs records the JSON-serialized arguments as function.args.
func WithCaptureArgs(capture bool) Option {
	return func(c *config) { c.captureArgs = capture }
}

// WithMaxArgLength bounds the captured arguments, in characters.
func WithMaxArgLength(n int) Option {
	return func(c *config) { c.maxArgLength = n }
}

// WithStackTrace controls whether recorded exceptions carry a stack trace.
func WithStackTrace(include bool) Option {
	return func(c *config) { c.includeStackTrace = include }
}

// WithAttributes adds static attributes to every span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *config) { c.attributes = append(c.attributes, attrs...) }
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.provider = tp }
}
