// Package exporter forwards batches of ended records to a remote sink.
//
// An Exporter tracks every accepted export until it settles so that Shutdown
// and ForceFlush can wait for outstanding transmissions without losing or
// duplicating records. It never retries; a failed batch is reported once.
package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 8
)

// Sink writes one record to the remote system.
type Sink[T any] interface {
	Write(ctx context.Context, rec T) error
}

// BatchSink is implemented by sinks that accept a whole batch in one call.
// When present it is preferred over per-record Write.
type BatchSink[T any] interface {
	WriteBatch(ctx context.Context, batch []T) error
}

// Options tunes an Exporter. Zero values select the defaults.
type Options struct {
	Timeout     time.Duration // Upper bound for one transmission. Default 30s.
	Concurrency int           // Parallel per-record writes within a batch. Default 8.
}

type inflight struct {
	size    int
	started time.Time
	done    chan struct{}
}

// Exporter transmits batches to a Sink and owns their in-flight lifecycle.
type Exporter[T any] struct {
	name        string
	sink        Sink[T]
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int

	mu       sync.Mutex
	state    State
	nextID   uint64
	inflight map[uint64]*inflight

	// baseCtx parents every transmission; cancelling it force-fails stragglers.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	exported atomic.Int64
	failed   atomic.Int64
}

// New creates an active Exporter. name labels log lines (e.g. "spans", "logs").
func New[T any](name string, sink Sink[T], logger *slog.Logger, opts Options) *Exporter[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Exporter[T]{
		name:        name,
		sink:        sink,
		logger:      logger.With("exporter", name),
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		inflight:    make(map[uint64]*inflight),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
}

// Export starts transmitting batch and returns immediately. The returned
// channel receives exactly one Result. Once Shutdown has begun the result is
// Failed with ErrShutdown and the sink is never contacted.
func (e *Exporter[T]) Export(ctx context.Context, batch []T) <-chan Result {
	e.mu.Lock()
	if e.state != StateActive {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("exporter: export attempted after shutdown", "state", state.String(), "batch_size", len(batch))
		return resolved(Result{Code: Failed, Err: ErrShutdown})
	}

	id := e.nextID
	e.nextID++

	// Keep the caller's values (trace context) but not its cancellation: the
	// transmission outlives the call that started it.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	stop := context.AfterFunc(e.baseCtx, cancel)

	op := &inflight{
		size:    len(batch),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	e.inflight[id] = op
	e.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		res := e.transmit(opCtx, batch)
		stop()
		cancel()
		e.settle(id, op)
		out <- res
	}()
	return out
}

func (e *Exporter[T]) transmit(ctx context.Context, batch []T) Result {
	if len(batch) == 0 {
		return Result{Code: Success}
	}

	start := time.Now()
	var err error
	if bs, ok := e.sink.(BatchSink[T]); ok {
		err = bs.WriteBatch(ctx, batch)
	} else {
		err = e.writeEach(ctx, batch)
	}

	if err != nil {
		e.failed.Add(int64(len(batch)))
		e.logger.Error("exporter: failed to write batch to sink",
			"error", err,
			"batch_size", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return Result{Code: Failed, Err: fmt.Errorf("%w: %w", ErrExportFailed, err)}
	}

	e.exported.Add(int64(len(batch)))
	e.logger.Debug("exporter: batch written",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{Code: Success}
}

// writeEach issues one Write per record and waits for all of them, even after
// a failure, so every record in the batch has been attempted exactly once.
func (e *Exporter[T]) writeEach(ctx context.Context, batch []T) error {
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	var failures atomic.Int64
	for i := range batch {
		rec := batch[i]
		g.Go(func() error {
			if err := e.sink.Write(ctx, rec); err != nil {
				failures.Add(1)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%d of %d writes failed: %w", failures.Load(), len(batch), err)
	}
	return nil
}

func (e *Exporter[T]) settle(id uint64, op *inflight) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	close(op.done)
}

// snapshot returns everything currently in flight. Caller must hold e.mu.
func (e *Exporter[T]) snapshot() []*inflight {
	ops := make([]*inflight, 0, len(e.inflight))
	for _, op := range e.inflight {
		ops = append(ops, op)
	}
	return ops
}

// await blocks until every op has settled or ctx is done. It returns the ops
// still unsettled.
func await(ctx context.Context, ops []*inflight) []*inflight {
	for i, op := range ops {
		select {
		case <-op.done:
		case <-ctx.Done():
			var pending []*inflight
			for _, rest := range ops[i:] {
				select {
				case <-rest.done:
				default:
					pending = append(pending, rest)
				}
			}
			return pending
		}
	}
	return nil
}

// Shutdown stops accepting exports and waits for all in-flight exports to
// settle. Export failures are already logged and do not fail Shutdown. If ctx
// expires first, the remaining exports are cancelled and ctx's error is
// returned. Calling Shutdown again is a no-op.
func (e *Exporter[T]) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return nil
	}
	e.state = StateShuttingDown
	ops := e.snapshot()
	e.mu.Unlock()

	e.logger.Info("exporter: shutting down", "in_flight", len(ops))

	var err error
	if pending := await(ctx, ops); len(pending) > 0 {
		records := 0
		var oldest time.Time
		for _, op := range pending {
			records += op.size
			if oldest.IsZero() || op.started.Before(oldest) {
				oldest = op.started
			}
		}
		e.logger.Warn("exporter: shutdown deadline reached, cancelling in-flight exports",
			"pending", len(pending),
			"pending_records", records,
			"oldest_age_ms", time.Since(oldest).Milliseconds(),
		)
		err = fmt.Errorf("exporter: shutdown %s: %w", e.name, ctx.Err())
	}
	e.cancelBase()

	e.mu.Lock()
	e.state = StateShutdown
	e.mu.Unlock()

	if err == nil {
		e.logger.Info("exporter: shutdown complete",
			"exported_total", e.exported.Load(),
			"failed_total", e.failed.Load(),
		)
	}
	return err
}

// ForceFlush waits until every export in flight at the time of the call has
// settled. It fails with ErrShutdown once Shutdown has begun.
func (e *Exporter[T]) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return ErrShutdown
	}
	ops := e.snapshot()
	e.mu.Unlock()

	if pending := await(ctx, ops); len(pending) > 0 {
		return fmt.Errorf("exporter: force flush %s (%d pending): %w", e.name, len(pending), ctx.Err())
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Exporter[T]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InFlight returns the number of exports that have started but not settled.
func (e *Exporter[T]) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Exported returns the number of records written successfully.
func (e *Exporter[T]) Exported() int64 { return e.exported.Load() }

// Failed returns the number of records in batches that failed to write.
func (e *Exporter[T]) Failed() int64 { return e.failed.Load() }
