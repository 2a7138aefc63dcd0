package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	gapSignals        otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("rivet/queue/streams")
	var err error
	gapSignals, err = meter.Int64Counter(
		"rivet_gap_signals_total",
		otelmetric.WithDescription("Knowledge gap signals by outcome"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: rivet_gap_signals_total: %v", err)
	}
}

func recordGap(ctx context.Context, outcome string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if gapSignals == nil {
		return
	}
	gapSignals.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}
