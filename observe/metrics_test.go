package observe_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pipelined.dev/live/engine"
	"pipelined.dev/live/observe"
)

type source engine.Stats

func (s *source) Stats() engine.Stats { return engine.Stats(*s) }

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordProcessing(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProcessing(time.Millisecond)
	m.RecordProcessing(3 * time.Millisecond)

	got := findMetric(collect(t, reader), "live.processing.duration")
	require.NotNil(t, got)
	hist, ok := got.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "unexpected data type %T", got.Data)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.InDelta(t, 0.004, hist.DataPoints[0].Sum, 1e-9)
	assert.Equal(t, "s", got.Unit)
}

func TestRecordReconfiguration(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordReconfiguration(nil)
	m.RecordReconfiguration(nil)
	m.RecordReconfiguration(errors.New("compile failed"))

	got := findMetric(collect(t, reader), "live.reconfigurations")
	require.NotNil(t, got)
	sum, ok := got.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type %T", got.Data)

	byStatus := map[string]int64{}
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byStatus[status.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 2, "error": 1}, byStatus)
}

func TestObserve(t *testing.T) {
	m, reader := newTestMetrics(t)
	src := &source{Underruns: 3, Chunks: 100, BufferLevel: 0.5, RateAdjust: 1.001}
	require.NoError(t, m.Observe(src))

	rm := collect(t, reader)
	underruns := findMetric(rm, "live.underruns")
	require.NotNil(t, underruns)
	sum, ok := underruns.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.True(t, sum.IsMonotonic)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	level := findMetric(rm, "live.buffer.level")
	require.NotNil(t, level)
	gauge, ok := level.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, 0.5, gauge.DataPoints[0].Value)

	// values are sampled on each collection
	src.Chunks = 250
	chunks := findMetric(collect(t, reader), "live.chunks")
	require.NotNil(t, chunks)
	assert.Equal(t, int64(250), chunks.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	// replaced source
	require.NoError(t, m.Observe(&source{Chunks: 7}))
	chunks = findMetric(collect(t, reader), "live.chunks")
	require.NotNil(t, chunks)
	assert.Equal(t, int64(7), chunks.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	require.NoError(t, m.Close())
	if chunks = findMetric(collect(t, reader), "live.chunks"); chunks != nil {
		assert.Empty(t, chunks.Data.(metricdata.Sum[int64]).DataPoints)
	}
	require.NoError(t, m.Close())
}

func TestInitProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp, shutdown, err := observe.InitProvider(observe.ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)
	require.NoError(t, m.Observe(&source{Underruns: 2}))
	defer m.Close()
	m.RecordReconfiguration(nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, " ")
	assert.Contains(t, joined, "live_underruns")
	assert.Contains(t, joined, "live_reconfigurations")
}
