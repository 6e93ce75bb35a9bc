package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in whatever SDK the operator
// wires up, grounded on goadesign-goa-ai's per-package tracer pattern.
const tracerName = "github.com/secflow/engine/internal/orchestrator"

// InitTracing installs an SDK tracer provider as the process global and
// returns its shutdown func. Exporters (OTLP, stdout) are appended by the
// operator via opts; with none, spans are created but not exported, which
// keeps span attributes available to local samplers and tests.
func InitTracing(opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// StartActivationSpan opens a span for one node activation, linked under the
// run's parent trace (spec §4.F: one span per activation).
func StartActivationSpan(ctx context.Context, runID, nodeRef string, attempt int) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "node.activation",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("node_ref", nodeRef),
			attribute.Int("attempt", attempt),
		),
	)
}

// eventCounter counts events appended per run through the otel metric API,
// complementing the Prometheus counters in Metrics: Prometheus serves the
// scrape endpoint, otel serves whatever pipeline the operator's global
// meter provider exports to.
var eventCounter metric.Int64Counter

func init() {
	meter := otel.Meter(tracerName)
	eventCounter, _ = meter.Int64Counter("secflow.events.appended",
		metric.WithDescription("Events appended to the per-run event log."))
}

// CountEventsAppended records n events appended for runID.
func CountEventsAppended(ctx context.Context, runID string, n int) {
	if eventCounter == nil {
		return
	}
	eventCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("run_id", runID)))
}
