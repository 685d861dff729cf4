// Package obsv provides the logging and metrics instruments shared by every
// long-lived sync-core component (Queue Manager, Retry Executor,
// Connectivity Supervisor, Repository). Metric instruments are registered
// against the global otel provider at init time, mirroring doltMetrics in
// the teacher's internal/storage/dolt/store.go — they are no-ops until a
// real MeterProvider is installed by the embedding application, but are
// always safe to call.
package obsv

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meter is the package-level otel meter, named after the module the way
// doltTracer is named "github.com/steveyegge/beads/storage/dolt".
var meter = otel.Meter("github.com/andreystavitsky/synquill-go/sync")

// Metrics bundles the counters/gauges the sync core reports.
type Metrics struct {
	QueueDepth       metric.Int64UpDownCounter
	InFlight         metric.Int64UpDownCounter
	RetryAttempts    metric.Int64Counter
	DeadLettered     metric.Int64Counter
	NegotiationsDone metric.Int64Counter
	CascadeDeletes   metric.Int64Counter
}

// NewMetrics registers the instrument set. Registration errors are not
// fatal — instruments fall back to no-ops, matching the teacher's tolerance
// for telemetry.Init() not having run yet.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.QueueDepth, _ = meter.Int64UpDownCounter("sync.queue.depth",
		metric.WithDescription("current pending+in-flight task count per queue"))
	m.InFlight, _ = meter.Int64UpDownCounter("sync.queue.in_flight",
		metric.WithDescription("current in-flight task count per queue"))
	m.RetryAttempts, _ = meter.Int64Counter("sync.retry.attempts",
		metric.WithDescription("sync queue entry retry attempts"))
	m.DeadLettered, _ = meter.Int64Counter("sync.retry.dead_lettered",
		metric.WithDescription("sync queue entries moved to dead status"))
	m.NegotiationsDone, _ = meter.Int64Counter("sync.negotiate.completed",
		metric.WithDescription("completed ID negotiations"))
	m.CascadeDeletes, _ = meter.Int64Counter("sync.cascade.deletes",
		metric.WithDescription("rows removed by cascade delete"))
	return m
}

// AddQueueDepth adjusts the queue depth gauge for queueName by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, queueName string, delta int64) {
	if m == nil || m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queueName)))
}

// AddInFlight adjusts the in-flight gauge for queueName by delta.
func (m *Metrics) AddInFlight(ctx context.Context, queueName string, delta int64) {
	if m == nil || m.InFlight == nil {
		return
	}
	m.InFlight.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queueName)))
}

// NewLogger builds the *slog.Logger every component takes in its
// constructor, the way the teacher threads a *slog.Logger through
// controller.New and the daemon event loop (internal/controller/controller.go,
// cmd/bd/daemon_event_loop.go). component names the subsystem (e.g.
// "queuemgr", "retryexec") and is attached as a "component" attribute so
// log lines from different components stay distinguishable without a
// per-component named logger hierarchy.
func NewLogger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
