package chunk_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/live/chunk"
)

func TestPad(t *testing.T) {
	c := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, 4)
	for ch := range c.Samples {
		for i := range c.Samples[ch] {
			c.Samples[ch][i] = 1
		}
	}
	c.Valid = 2
	c.Pad()

	assert.Equal(t, 4, c.Valid)
	assert.Equal(t, []float64{1, 1, 0, 0}, c.Samples[0])
	assert.Equal(t, []float64{1, 1, 0, 0}, c.Samples[1])
}

func TestClone(t *testing.T) {
	c := chunk.New(chunk.Format{Rate: 44100, Channels: 1}, 2)
	c.Samples[0][0] = 0.5
	c.Underrun = true

	cc := c.Clone()
	cc.Samples[0][0] = 1

	assert.Equal(t, 0.5, c.Samples[0][0])
	assert.True(t, cc.Underrun)
	assert.Equal(t, c.Format(), cc.Format())
}

func TestDuration(t *testing.T) {
	c := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, 480)
	assert.Equal(t, 10*time.Millisecond, c.Duration())
	assert.Equal(t, time.Duration(0), chunk.DurationOf(0, 100))
}

func TestSilence(t *testing.T) {
	c := chunk.Silence(chunk.Format{Rate: 48000, Channels: 2}, 8)
	assert.True(t, c.Underrun)
	assert.Equal(t, 0.0, c.Peak())
	assert.Equal(t, 8, c.Valid)
}

func TestPool(t *testing.T) {
	p := chunk.GetPool(2, 16)
	assert.Same(t, p, chunk.GetPool(2, 16))

	c := p.Get(48000)
	c.Samples[1][3] = 0.7
	c.Overrun = true
	p.Put(c)

	c = p.Get(44100)
	assert.Equal(t, 44100, c.Rate)
	assert.Equal(t, 0.0, c.Samples[1][3])
	assert.False(t, c.Overrun)
}

func TestSampleFormatRoundTrip(t *testing.T) {
	tests := []struct {
		format    chunk.SampleFormat
		tolerance float64
	}{
		{chunk.S16LE, 1.0 / 32768},
		{chunk.S24LE3, 1.0 / 8388608},
		{chunk.S24LE4, 1.0 / 8388608},
		{chunk.S32LE, 1.0 / 2147483648},
		{chunk.Float32LE, 1e-7},
		{chunk.Float64LE, 0},
	}
	values := []float64{0, 0.5, -0.5, 0.25, -1, 0.999}
	for _, test := range tests {
		t.Run(test.format.String(), func(t *testing.T) {
			in := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, len(values))
			copy(in.Samples[0], values)
			for i, v := range values {
				in.Samples[1][i] = -v / 2
			}
			data := make([]byte, test.format.FrameSize(2)*len(values))
			clipped := test.format.Encode(in, data)
			assert.Equal(t, 0, clipped)

			out := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, len(values))
			n := test.format.Decode(data, out)
			require.Equal(t, len(values), n)
			for ch := range in.Samples {
				for i := range in.Samples[ch] {
					assert.InDelta(t, in.Samples[ch][i], out.Samples[ch][i], test.tolerance)
				}
			}
		})
	}
}

func TestEncodeClips(t *testing.T) {
	in := chunk.New(chunk.Format{Rate: 48000, Channels: 1}, 3)
	copy(in.Samples[0], []float64{1.5, -2, math.NaN()})
	data := make([]byte, 6)
	clipped := chunk.S16LE.Encode(in, data)
	assert.Equal(t, 3, clipped)

	out := chunk.New(chunk.Format{Rate: 48000, Channels: 1}, 3)
	chunk.S16LE.Decode(data, out)
	assert.InDelta(t, 1, out.Samples[0][0], 1e-4)
	assert.Equal(t, -1.0, out.Samples[0][1])
	assert.Equal(t, 0.0, out.Samples[0][2])
}

func TestDecodePartial(t *testing.T) {
	out := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, 8)
	data := make([]byte, chunk.S16LE.FrameSize(2)*3)
	n := chunk.S16LE.Decode(data, out)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, out.Valid)
}

func TestParseSampleFormat(t *testing.T) {
	f, err := chunk.ParseSampleFormat("float32le")
	require.NoError(t, err)
	assert.Equal(t, chunk.Float32LE, f)

	_, err = chunk.ParseSampleFormat("U8")
	assert.ErrorIs(t, err, chunk.ErrUnknownSampleFormat)

	var sf chunk.SampleFormat
	require.NoError(t, sf.UnmarshalText([]byte("S24LE")))
	assert.Equal(t, chunk.S24LE4, sf)
}
