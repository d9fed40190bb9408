package caller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sebas/sipcaller"

// Metrics holds the caller's OpenTelemetry instruments.
type Metrics struct {
	// Calls counts finished calls. Attribute: outcome.
	Calls metric.Int64Counter

	// CallDuration records CallResult.CallDuration in seconds.
	CallDuration metric.Float64Histogram

	// PlaybackPasses counts started playback repeats.
	PlaybackPasses metric.Int64Counter

	// ActiveCalls is the number of calls in progress.
	ActiveCalls metric.Int64UpDownCounter
}

var durationBuckets = []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Calls, err = m.Int64Counter("sipcaller.calls",
		metric.WithDescription("Finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("sipcaller.call.duration",
		metric.WithDescription("Call duration from dial to result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackPasses, err = m.Int64Counter("sipcaller.playback.passes",
		metric.WithDescription("Playback repeats started."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("sipcaller.calls.active",
		metric.WithDescription("Calls in progress."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func defaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

func (m *Metrics) recordResult(ctx context.Context, r *CallResult) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", r.Outcome.String()),
		attribute.Bool("answered", r.Answered),
	)
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, r.CallDuration.Seconds(), attrs)
	if r.PlaybackPasses > 0 {
		m.PlaybackPasses.Add(ctx, int64(r.PlaybackPasses))
	}
}
