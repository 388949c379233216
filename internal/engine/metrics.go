package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lazypower/engram/internal/executor"
)

// metrics holds the instruments the query loop records into.
type metrics struct {
	compileFull metric.Int64Counter
	compileFast metric.Int64Counter
	outcomes    metric.Int64Counter
	confidence  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("engram")
	}

	m := &metrics{}
	var err error

	m.compileFull, err = meter.Int64Counter(
		"engram.compile.full",
		metric.WithDescription("Compilations that ran the full pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compile.full counter: %w", err)
	}

	m.compileFast, err = meter.Int64Counter(
		"engram.compile.fast",
		metric.WithDescription("Compilations served from a compiled module"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compile.fast counter: %w", err)
	}

	m.outcomes, err = meter.Int64Counter(
		"engram.execute.outcome",
		metric.WithDescription("Executions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create execute.outcome counter: %w", err)
	}

	m.confidence, err = meter.Float64Histogram(
		"engram.execute.confidence",
		metric.WithDescription("Outcome confidence from 0.0 to 1.0"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create execute.confidence histogram: %w", err)
	}
	return m, nil
}

func (m *metrics) compiled(ctx context.Context, fast bool) {
	if fast {
		m.compileFast.Add(ctx, 1)
		return
	}
	m.compileFull.Add(ctx, 1)
}

func (m *metrics) executed(ctx context.Context, res *executor.Result) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	m.confidence.Record(ctx, res.Confidence)
}
