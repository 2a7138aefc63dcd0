package core

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	routeMetricsOnce sync.Once
	routesTotal      otelmetric.Int64Counter
	subTasksTotal    otelmetric.Int64Counter
	routeDuration    otelmetric.Float64Histogram
)

func initRouteMetrics() {
	meter := otel.Meter("rivet/orchestrator")
	var err error
	routesTotal, err = meter.Int64Counter(
		"rivet_routes_total",
		otelmetric.WithDescription("Queries routed, by route kind and degradation"),
	)
	if err != nil {
		log.Printf("orchestrator metrics init: rivet_routes_total: %v", err)
	}
	subTasksTotal, err = meter.Int64Counter(
		"rivet_subtasks_total",
		otelmetric.WithDescription("Sub-task attempts by name and outcome"),
	)
	if err != nil {
		log.Printf("orchestrator metrics init: rivet_subtasks_total: %v", err)
	}
	routeDuration, err = meter.Float64Histogram(
		"rivet_route_duration_seconds",
		otelmetric.WithDescription("End to end route latency"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("orchestrator metrics init: rivet_route_duration_seconds: %v", err)
	}
}

func recordRoute(ctx context.Context, resp RivetResponse) {
	routeMetricsOnce.Do(initRouteMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("route", string(resp.Route.Kind)),
		attribute.Bool("degraded", resp.Degraded),
	)
	if routesTotal != nil {
		routesTotal.Add(ctx, 1, attrs)
	}
	if routeDuration != nil {
		routeDuration.Record(ctx, resp.ProcessingTime.Seconds(), attrs)
	}
}

func recordSubTask(ctx context.Context, name string, outcome Outcome) {
	routeMetricsOnce.Do(initRouteMetrics)
	if subTasksTotal != nil {
		subTasksTotal.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("subtask", name),
			attribute.String("outcome", string(outcome)),
		))
	}
}
