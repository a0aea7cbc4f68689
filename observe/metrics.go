// Package observe exposes engine telemetry as OpenTelemetry metrics.
//
// Instruments are created from a [metric.MeterProvider]. In production the
// provider from [InitProvider] bridges them to a Prometheus registry; tests
// use a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pipelined.dev/live/engine"
)

const meterName = "pipelined.dev/live"

// Source provides the engine counters sampled on each collection.
type Source interface {
	Stats() engine.Stats
}

// Metrics holds the instruments of the engine. Histograms and counters are
// recorded by the engine and the controller, observable instruments are
// sampled from a [Source] registered with [Metrics.Observe].
type Metrics struct {
	meter metric.Meter

	// ProcessingDuration records the time spent in the pipeline per chunk.
	ProcessingDuration metric.Float64Histogram
	// Reconfigurations counts pipeline swaps by status.
	Reconfigurations metric.Int64Counter

	Underruns       metric.Int64ObservableCounter
	Overruns        metric.Int64ObservableCounter
	CaptureTimeouts metric.Int64ObservableCounter
	PlaybackStalls  metric.Int64ObservableCounter
	Clipped         metric.Int64ObservableCounter
	Overflowed      metric.Int64ObservableCounter
	Chunks          metric.Int64ObservableCounter
	BufferLevel     metric.Float64ObservableGauge
	RateAdjust      metric.Float64ObservableGauge
	Load            metric.Float64ObservableGauge

	mu           sync.Mutex
	registration metric.Registration
}

// processingBuckets covers a chunk of 64 frames at 192 kHz up to a chunk
// of 8192 frames at 44.1 kHz.
var processingBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates all instruments using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{meter: m}
	var err error

	if met.ProcessingDuration, err = m.Float64Histogram("live.processing.duration",
		metric.WithDescription("Pipeline processing time per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(processingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Reconfigurations, err = m.Int64Counter("live.reconfigurations",
		metric.WithDescription("Pipeline reconfigurations by status."),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
	}{
		{&met.Underruns, "live.underruns", "Playback periods filled with silence."},
		{&met.Overruns, "live.overruns", "Captured chunks dropped because the queue was full."},
		{&met.CaptureTimeouts, "live.capture.timeouts", "Capture reads that returned no data in time."},
		{&met.PlaybackStalls, "live.playback.stalls", "Playback writes the device didn't accept in time."},
		{&met.Clipped, "live.clipped_samples", "Samples clipped on playback."},
		{&met.Overflowed, "live.overflowed_samples", "Non-finite samples replaced by the pipeline."},
		{&met.Chunks, "live.chunks", "Chunks written to playback."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64ObservableCounter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.BufferLevel, err = m.Float64ObservableGauge("live.buffer.level",
		metric.WithDescription("Playback queue level between 0 and 1."),
	); err != nil {
		return nil, err
	}
	if met.RateAdjust, err = m.Float64ObservableGauge("live.rate_adjust",
		metric.WithDescription("Current rate adjustment ratio."),
	); err != nil {
		return nil, err
	}
	if met.Load, err = m.Float64ObservableGauge("live.load",
		metric.WithDescription("Processing time relative to the chunk duration."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Observe registers the callback that samples src on each collection. A
// previously registered source is replaced.
func (m *Metrics) Observe(src Source) error {
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		o.ObserveInt64(m.Underruns, s.Underruns)
		o.ObserveInt64(m.Overruns, s.Overruns)
		o.ObserveInt64(m.CaptureTimeouts, s.CaptureTimeouts)
		o.ObserveInt64(m.PlaybackStalls, s.PlaybackStalls)
		o.ObserveInt64(m.Clipped, s.Clipped)
		o.ObserveInt64(m.Overflowed, s.Overflowed)
		o.ObserveInt64(m.Chunks, s.Chunks)
		o.ObserveFloat64(m.BufferLevel, s.BufferLevel)
		o.ObserveFloat64(m.RateAdjust, s.RateAdjust)
		o.ObserveFloat64(m.Load, s.Load)
		return nil
	},
		m.Underruns, m.Overruns, m.CaptureTimeouts, m.PlaybackStalls,
		m.Clipped, m.Overflowed, m.Chunks,
		m.BufferLevel, m.RateAdjust, m.Load,
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.registration
	m.registration = reg
	m.mu.Unlock()
	if prev != nil {
		return prev.Unregister()
	}
	return nil
}

// Close unregisters the observed source.
func (m *Metrics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}

// RecordProcessing records the processing time of a single chunk.
func (m *Metrics) RecordProcessing(d time.Duration) {
	m.ProcessingDuration.Record(context.Background(), d.Seconds())
}

// RecordReconfiguration counts a reconfiguration attempt. Failed attempts
// are recorded with status "error".
func (m *Metrics) RecordReconfiguration(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Reconfigurations.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
