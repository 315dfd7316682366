package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/telepipe/internal/telemetry"
)

// registerMetrics registers observable OTEL gauges for queue health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (p *Processor[T]) registerMetrics() {
	meter := telemetry.Meter("telepipe/pipeline")
	prefix := "telepipe." + p.opts.Name + "."

	_, _ = meter.Int64ObservableGauge(prefix+"queue_depth",
		metric.WithDescription("Current number of records waiting to be batched"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge(prefix+"dropped_total",
		metric.WithDescription("Total records dropped by the overflow policy or after shutdown"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Dropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge(prefix+"exported_total",
		metric.WithDescription("Total records in successfully exported batches"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Exported())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge(prefix+"failed_batches_total",
		metric.WithDescription("Total batches whose export failed or timed out"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.FailedBatches())
			return nil
		}),
	)
}
