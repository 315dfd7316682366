package exporter

import "errors"

var (
	// ErrShutdown is returned for Export and ForceFlush calls made once
	// Shutdown has begun. It signals caller misuse, not a transmission failure.
	ErrShutdown = errors.New("exporter: exporter is shutdown")

	// ErrExportFailed wraps the sink error of a failed transmission.
	ErrExportFailed = errors.New("exporter: export failed")
)

// ResultCode is the outcome of one Export call.
type ResultCode int

const (
	Success ResultCode = iota
	Failed
)

func (c ResultCode) String() string {
	if c == Success {
		return "success"
	}
	return "failed"
}

// Result is delivered exactly once per Export call.
type Result struct {
	Code ResultCode
	Err  error
}

// State is the exporter lifecycle. Transitions only move forward:
// active -> shutting-down -> shutdown.
type State int32

const (
	StateActive State = iota
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "shutdown"
	}
}

func resolved(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	return ch
}
