// Package instrument wraps operations so that every call produces one span.
//
// The wrapper only annotates and times: results, errors and panics reach the
// caller unchanged.
package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const truncationMarker = "... [truncated]"

// Attribute keys set by the wrapper.
const (
	AttrFunction  = "code.function"
	AttrNamespace = "code.namespace"
	AttrArgs      = "function.args"
)

// Func wraps fn so that each call runs inside a new span. The span is a child
// of the span carried by the call's context and fn receives a context holding
// the new span.
func Func[A, R any](fn func(context.Context, A) (R, error), opts ...Option) func(context.Context, A) (R, error) {
	cfg := newConfig(opts)
	namespace, function := qualifiedName(fn)
	name := cfg.spanName
	if name == "" {
		name = function
	}

	return func(ctx context.Context, arg A) (result R, err error) {
		ctx, span := cfg.start(ctx, name, namespace, function)
		if cfg.captureArgs {
			span.SetAttributes(attribute.String(AttrArgs, serializeArgs([]any{arg}, cfg.maxArgLength)))
		}
		defer cfg.finish(span, &err)
		return fn(ctx, arg)
	}
}

// Run calls fn inside a new span and returns its error unchanged. Without
// WithName the span is named after fn.
func Run(ctx context.Context, fn func(context.Context) error, opts ...Option) (err error) {
	cfg := newConfig(opts)
	namespace, function := qualifiedName(fn)
	name := cfg.spanName
	if name == "" {
		name = function
	}

	ctx, span := cfg.start(ctx, name, namespace, function)
	defer cfg.finish(span, &err)
	return fn(ctx)
}

func (c config) tracer() trace.Tracer {
	tp := c.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(c.tracerName)
}

func (c config) start(ctx context.Context, name, namespace, function string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(c.attributes)+2)
	attrs = append(attrs,
		attribute.String(AttrFunction, function),
		attribute.String(AttrNamespace, namespace),
	)
	attrs = append(attrs, c.attributes...)
	return c.tracer().Start(ctx, name,
		trace.WithSpanKind(c.kind),
		trace.WithAttributes(attrs...),
	)
}

// finish runs deferred: it sets the final status, records any failure and
// ends the span exactly once. A panic is recorded and then re-raised with its
// original value.
func (c config) finish(span trace.Span, errp *error) {
	if r := recover(); r != nil {
		c.recordFailure(span, panicError(r))
		span.End()
		panic(r)
	}
	if *errp != nil {
		c.recordFailure(span, *errp)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (c config) recordFailure(span trace.Span, err error) {
	message := err.Error()
	span.SetStatus(codes.Error, truncate(message, maxStatusMessageLength))
	if c.includeStackTrace {
		span.RecordError(err, trace.WithStackTrace(true))
		return
	}
	span.RecordError(errors.New(message))
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// serializeArgs renders args as a JSON array bounded to maxLen characters.
// Serialization failures are reported in the returned string, never raised.
func serializeArgs(args []any, maxLen int) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("<failed to serialize: %v>", err)
	}
	return truncate(string(data), maxLen)
}

// truncate keeps the first maxLen characters of s and appends a marker when
// anything was cut.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i] + truncationMarker
		}
		n++
	}
	return s
}

// qualifiedName splits fn's runtime name into namespace and function, e.g.
// "github.com/x/pkg.(*Server).Get-fm" -> ("github.com/x/pkg.(*Server)", "Get").
func qualifiedName(fn any) (namespace, function string) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<anonymous>", "<anonymous>"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "<anonymous>", "<anonymous>"
	}
	full := stripTypeArgs(strings.TrimSuffix(f.Name(), "-fm"))

	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return "<anonymous>", full
	}
	pkgEnd := slash + 1 + dot
	rest := full[pkgEnd+1:]

	// Methods: "(*T).M" or "T.M"; closures: "F.func1".
	if i := strings.LastIndex(rest, "."); i >= 0 {
		return full[:pkgEnd+1+i], rest[i+1:]
	}
	return full[:pkgEnd], rest
}

// stripTypeArgs removes instantiation brackets such as "[...]" from a runtime
// function name: "pkg.Map[...]" -> "pkg.Map", "pkg.(*Box[...]).Get" -> "pkg.(*Box).Get".
func stripTypeArgs(name string) string {
	if !strings.Contains(name, "[") {
		return name
	}
	var b strings.Builder
	depth := 0
	for _, r := range name {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
