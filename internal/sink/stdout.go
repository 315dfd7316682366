// Package sink holds the remote destinations batches are written to. Every sink
// satisfies exporter.Sink, and most also exporter.BatchSink.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Stdout writes each record as one JSON line.
type Stdout[T any] struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewStdout creates a Stdout sink writing to w.
func NewStdout[T any](w io.Writer) *Stdout[T] {
	return &Stdout[T]{w: w, enc: json.NewEncoder(w)}
}

func (s *Stdout[T]) Write(ctx context.Context, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("sink: stdout: %w", err)
	}
	return nil
}

// WriteBatch encodes the whole batch before writing it in one call, so a record
// that fails to encode writes nothing and lines of concurrent batches do not
// interleave.
func (s *Stdout[T]) WriteBatch(ctx context.Context, batch []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("sink: stdout: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("sink: stdout: %w", err)
	}
	return nil
}
