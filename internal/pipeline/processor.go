// Package pipeline batches ended telemetry records between producers and an exporter.
//
// Producers call Append, which only touches an in-memory bounded queue. A
// background loop cuts batches when the queue reaches MaxExportBatchSize or when
// the oldest queued record has waited BatchTimeout, and hands them to the
// exporter one at a time in append order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/ashita-ai/telepipe/internal/exporter"
)

const (
	DefaultMaxQueueSize       = 2048
	DefaultMaxExportBatchSize = 512
	DefaultBatchTimeout       = 5 * time.Second
	DefaultExportTimeout      = 30 * time.Second
)

// Exporter is the downstream side of a Processor.
type Exporter[T any] interface {
	Export(ctx context.Context, batch []T) <-chan exporter.Result
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// OverflowPolicy decides which record is discarded when the queue is full.
type OverflowPolicy int

const (
	// DropNewest rejects the record being appended.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the head of the queue to make room.
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "drop_newest"
}

// ParseOverflowPolicy accepts "drop_newest" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("pipeline: unknown overflow policy %q", s)
	}
}

// Options configures a Processor. Zero values select the defaults.
type Options struct {
	Name               string // Label for logs and metrics, e.g. "spans".
	MaxQueueSize       int
	MaxExportBatchSize int
	BatchTimeout       time.Duration // Max delay since the oldest queued record was appended.
	ExportTimeout      time.Duration // Max wait for one export result.
	Overflow           OverflowPolicy
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "records"
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.MaxExportBatchSize <= 0 {
		o.MaxExportBatchSize = DefaultMaxExportBatchSize
	}
	if o.MaxExportBatchSize > o.MaxQueueSize {
		o.MaxExportBatchSize = o.MaxQueueSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = DefaultExportTimeout
	}
	return o
}

type entry[T any] struct {
	rec T
	at  time.Time
}

// Processor buffers records and exports them in batches.
type Processor[T any] struct {
	exp    Exporter[T]
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	queue      *queue.Queue // of entry[T]
	stopped    bool
	started    bool
	cancelLoop context.CancelFunc

	dropped       atomic.Int64
	exported      atomic.Int64
	failedBatches atomic.Int64

	kick     chan struct{}
	flushReq chan chan struct{}
	drainCh  chan context.Context // carries the Shutdown context to the final drain
	done     chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Processor feeding exp. Call Start to run the background loop.
func New[T any](exp Exporter[T], logger *slog.Logger, opts Options) *Processor[T] {
	opts = opts.withDefaults()
	return &Processor[T]{
		exp:      exp,
		logger:   logger.With("pipeline", opts.Name),
		opts:     opts,
		queue:    queue.New(),
		kick:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		drainCh:  make(chan context.Context, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the background batching loop and registers OTEL metrics.
// Subsequent calls are no-ops.
func (p *Processor[T]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		p.logger.Warn("pipeline: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.started = true
	p.mu.Unlock()

	p.registerMetrics()
	go p.loop(loopCtx)
}

// Append enqueues one ended record. It never waits on IO. When the queue is
// full the overflow policy discards a record and the drop is counted.
func (p *Processor[T]) Append(rec T) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.drop("processor is shut down")
		return
	}
	if p.queue.Length() >= p.opts.MaxQueueSize {
		if p.opts.Overflow == DropNewest {
			p.mu.Unlock()
			p.drop("queue full")
			return
		}
		p.queue.Remove()
		p.queue.Add(entry[T]{rec: rec, at: time.Now()})
		n := p.queue.Length()
		p.mu.Unlock()
		p.drop("queue full, evicted oldest")
		p.signal(n)
		return
	}
	p.queue.Add(entry[T]{rec: rec, at: time.Now()})
	n := p.queue.Length()
	p.mu.Unlock()
	p.signal(n)
}

// signal wakes the loop when the first record arrives (to arm the delay timer)
// or when a full batch is ready.
func (p *Processor[T]) signal(n int) {
	if n != 1 && n < p.opts.MaxExportBatchSize {
		return
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Processor[T]) drop(reason string) {
	n := p.dropped.Add(1)
	if n == 1 || n%1000 == 0 {
		p.logger.Warn("pipeline: dropping records", "reason", reason, "dropped_total", n)
	}
}

func (p *Processor[T]) loop(ctx context.Context) {
	timer := time.NewTimer(p.opts.BatchTimeout)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the Shutdown context so it respects the
			// caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-p.drainCh:
			default:
			}
			if drainCtx != nil {
				p.exportBatches(drainCtx, true)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				p.exportBatches(fallbackCtx, true)
				cancel()
			}
			close(p.done)
			return
		case <-p.kick:
			p.exportBatches(ctx, false)
		case <-timer.C:
			p.exportBatches(ctx, false)
		case req := <-p.flushReq:
			p.exportBatches(ctx, true)
			close(req)
		}
		p.rearm(timer)
	}
}

// rearm points the timer at the oldest record's deadline, or stops it when
// the queue is empty.
func (p *Processor[T]) rearm(timer *time.Timer) {
	p.mu.Lock()
	if p.queue.Length() == 0 {
		p.mu.Unlock()
		timer.Stop()
		return
	}
	oldest := p.queue.Peek().(entry[T]).at
	p.mu.Unlock()
	timer.Reset(max(time.Until(oldest.Add(p.opts.BatchTimeout)), 0))
}

// exportBatches cuts and exports batches while one is due: the queue holds a
// full batch or the oldest record's delay has elapsed. With force set it
// exports everything queued at the time of the call, regardless of age.
func (p *Processor[T]) exportBatches(ctx context.Context, force bool) {
	remaining := -1
	if force {
		remaining = p.Len()
	}
	for remaining != 0 {
		batch := p.takeBatch(force)
		if batch == nil {
			return
		}
		p.exportBatch(ctx, batch)
		if force {
			remaining = max(remaining-len(batch), 0)
		}
	}
}

func (p *Processor[T]) takeBatch(force bool) []T {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.queue.Length()
	if n == 0 {
		return nil
	}
	if !force && n < p.opts.MaxExportBatchSize {
		oldest := p.queue.Peek().(entry[T]).at
		if time.Since(oldest) < p.opts.BatchTimeout {
			return nil
		}
	}
	size := min(n, p.opts.MaxExportBatchSize)
	batch := make([]T, size)
	for i := range batch {
		batch[i] = p.queue.Remove().(entry[T]).rec
	}
	return batch
}

func (p *Processor[T]) exportBatch(ctx context.Context, batch []T) {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.ExportTimeout)
	defer cancel()

	select {
	case res := <-p.exp.Export(ctx, batch):
		if res.Code == exporter.Success {
			p.exported.Add(int64(len(batch)))
			return
		}
		p.failedBatches.Add(1)
		p.logger.Error("pipeline: batch export failed", "error", res.Err, "batch_size", len(batch))
	case <-waitCtx.Done():
		p.failedBatches.Add(1)
		p.logger.Error("pipeline: timed out waiting for batch export", "error", waitCtx.Err(), "batch_size", len(batch))
	}
}

// ForceFlush exports everything queued, then waits for the exporter's
// in-flight work. After Shutdown it fails with exporter.ErrShutdown.
func (p *Processor[T]) ForceFlush(ctx context.Context) error {
	p.mu.Lock()
	running := p.started && !p.stopped
	p.mu.Unlock()

	if running {
		req := make(chan struct{})
		select {
		case p.flushReq <- req:
		case <-p.done:
			return p.exp.ForceFlush(ctx)
		case <-ctx.Done():
			return fmt.Errorf("pipeline: force flush: %w", ctx.Err())
		}
		select {
		case <-req:
		case <-ctx.Done():
			return fmt.Errorf("pipeline: force flush: %w", ctx.Err())
		}
	} else {
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if !stopped {
			p.exportBatches(ctx, true)
		}
	}
	return p.exp.ForceFlush(ctx)
}

// Shutdown stops the loop, exports every queued record as final batches and
// shuts the exporter down. Only the exporter's own Shutdown error is
// returned; failed batches are logged and counted. Later calls return the
// first call's result.
func (p *Processor[T]) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		cancel := p.cancelLoop
		p.mu.Unlock()

		if started {
			select {
			case p.drainCh <- ctx:
			default:
			}
			cancel()
			select {
			case <-p.done:
			case <-ctx.Done():
				p.logger.Warn("pipeline: drain timed out waiting for batch loop", "queued", p.Len())
			}
		}
		// Covers a loop that exited early because its parent context ended.
		select {
		case <-p.done:
			p.exportBatches(ctx, true)
		default:
			if !started {
				p.exportBatches(ctx, true)
			}
		}

		p.shutdownErr = p.exp.Shutdown(ctx)
		p.logger.Info("pipeline: shut down",
			"exported_total", p.exported.Load(),
			"dropped_total", p.dropped.Load(),
			"failed_batches_total", p.failedBatches.Load(),
		)
	})
	return p.shutdownErr
}

// Len returns the number of queued records.
func (p *Processor[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length()
}

// Capacity returns the queue bound.
func (p *Processor[T]) Capacity() int { return p.opts.MaxQueueSize }

// Dropped returns the number of records discarded by the overflow policy or
// appended after shutdown. A non-zero value indicates data loss.
func (p *Processor[T]) Dropped() int64 { return p.dropped.Load() }

// Exported returns the number of records in successfully exported batches.
func (p *Processor[T]) Exported() int64 { return p.exported.Load() }

// FailedBatches returns the number of batches whose export failed or timed out.
func (p *Processor[T]) FailedBatches() int64 { return p.failedBatches.Load() }
