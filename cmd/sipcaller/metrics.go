package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// logMetrics writes the collected call metrics at debug level.
func logMetrics(ctx context.Context, log *slog.Logger, reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.WithoutCancel(ctx), &rm); err != nil {
		log.Debug("[Main] Collecting metrics failed", "error", err)
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					log.Debug("[Metrics] "+m.Name, "value", dp.Value, "attrs", dp.Attributes.Encoded(attribute.DefaultEncoder()))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					log.Debug("[Metrics] "+m.Name, "count", dp.Count, "sum", dp.Sum)
				}
			}
		}
	}
}
