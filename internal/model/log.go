package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered log level of a LogRecord. Values follow the OTEL
// severity number ranges so they sort the same way downstream.
type Severity int

const (
	SeverityTrace Severity = 1
	SeverityDebug Severity = 5
	SeverityInfo  Severity = 9
	SeverityWarn  Severity = 13
	SeverityError Severity = 17
)

// String returns the severity text (TRACE, DEBUG, INFO, WARN, ERROR).
func (s Severity) String() string {
	switch {
	case s >= SeverityError:
		return "ERROR"
	case s >= SeverityWarn:
		return "WARN"
	case s >= SeverityInfo:
		return "INFO"
	case s >= SeverityDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// ParseSeverity converts severity text into a Severity. Matching is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return SeverityTrace, nil
	case "DEBUG":
		return SeverityDebug, nil
	case "INFO":
		return SeverityInfo, nil
	case "WARN", "WARNING":
		return SeverityWarn, nil
	case "ERROR":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("model: unknown severity %q", s)
	}
}

// LogRecord is one emitted log entry. TraceID and SpanID are set when the record
// was emitted inside an active span.
type LogRecord struct {
	ID         uuid.UUID  `json:"id"`
	TraceID    string     `json:"trace_id,omitempty"`
	SpanID     string     `json:"span_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Severity   Severity   `json:"severity_number"`
	Body       string     `json:"body"`
	Attributes Attributes `json:"attributes"`
	Resource   *Resource  `json:"resource,omitempty"`
}
