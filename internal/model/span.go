package model

import (
	"time"
)

// SpanKind represents the OTEL span kind.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// StatusCode represents the outcome of a span.
type StatusCode string

const (
	StatusUnset StatusCode = "unset"
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
)

// Status is the final outcome of a span. Message is only meaningful for StatusError.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Exception describes the failure recorded on a span. A span carries at most one.
type Exception struct {
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

// Span is an ended unit of work. It is built from the SDK's read-only snapshot
// when the span ends and is never mutated afterwards.
type Span struct {
	TraceID      string     `json:"trace_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Name         string     `json:"name"`
	Scope        string     `json:"scope,omitempty"`
	Kind         SpanKind   `json:"kind"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Status       Status     `json:"status"`
	Attributes   Attributes `json:"attributes"`
	Exception    *Exception `json:"exception,omitempty"`
	Resource     *Resource  `json:"resource,omitempty"`
}

// Duration returns the elapsed time between start and end.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}
