package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "evoforecast"

var (
	metricsOnce    sync.Once
	metricsInitErr error

	cycleCounter         otelmetric.Int64Counter
	mutationCounter      otelmetric.Int64Counter
	storeErrorCounter    otelmetric.Int64Counter
	anchorFailureCounter otelmetric.Int64Counter
	fitnessHistogram     otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if cycleCounter, err = meter.Int64Counter("evoforecast_cycles_total"); err != nil {
		metricsInitErr = err
		return
	}
	if mutationCounter, err = meter.Int64Counter("evoforecast_mutations_total"); err != nil {
		metricsInitErr = err
		return
	}
	if storeErrorCounter, err = meter.Int64Counter("evoforecast_store_errors_total"); err != nil {
		metricsInitErr = err
		return
	}
	if anchorFailureCounter, err = meter.Int64Counter("evoforecast_anchor_failures_total"); err != nil {
		metricsInitErr = err
		return
	}
	fitnessHistogram, err = meter.Float64Histogram("evoforecast_composite_fitness")
	if err != nil {
		metricsInitErr = err
	}
}

func ready() bool {
	metricsOnce.Do(initMetrics)
	return metricsInitErr == nil
}

// InitError reports a failure to register instruments with the global meter.
func InitError() error {
	ready()
	return metricsInitErr
}

func RecordCycle(ctx context.Context, branchID, regime string) {
	if !ready() {
		return
	}
	cycleCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("branch_id", branchID),
		attribute.String("regime", regime),
	))
}

// RecordMutation counts spawn, graft, prune and timeout events.
func RecordMutation(ctx context.Context, operation, mutationType string) {
	if !ready() {
		return
	}
	mutationCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("mutation_type", mutationType),
	))
}

func RecordStoreError(ctx context.Context, collection string) {
	if !ready() {
		return
	}
	storeErrorCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("collection", collection)))
}

func RecordAnchorFailure(ctx context.Context, source string) {
	if !ready() {
		return
	}
	anchorFailureCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("source", source)))
}

func RecordFitness(ctx context.Context, branchID string, fitness float64) {
	if !ready() {
		return
	}
	fitnessHistogram.Record(ctx, fitness, otelmetric.WithAttributes(attribute.String("branch_id", branchID)))
}

// StartCycle opens the span covering one orchestrated cycle.
func StartCycle(ctx context.Context, cycle int, branchID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "evoforecast.Cycle",
		trace.WithAttributes(
			attribute.Int("cycle_index", cycle),
			attribute.String("branch_id", branchID),
		),
	)
}

// StartSpan opens a child span for a named step.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error, description string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}
