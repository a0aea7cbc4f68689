package dsp_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/dsp"
)

func constant(n int, v float64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = v
	}
	return w
}

func TestGain(t *testing.T) {
	tests := []struct {
		name     string
		gain     float64
		linear   bool
		inverted bool
		mute     bool
		expected float64
	}{
		{name: "minus 6 dB", gain: -6, expected: math.Pow(10, -6.0/20)},
		{name: "unity", gain: 0, expected: 1},
		{name: "linear", gain: 0.25, linear: true, expected: 0.25},
		{name: "inverted", gain: 0, inverted: true, expected: -1},
		{name: "muted", gain: 10, mute: true, expected: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := constant(1024, 1)
			dsp.NewGain(test.gain, test.linear, test.inverted, test.mute).Process(w)
			for _, v := range w {
				assert.InDelta(t, test.expected, v, 1e-12)
			}
		})
	}
	assert.InDelta(t, 0.5012, dsp.DBToLinear(-6), 1e-4)
}

func TestVolumeRamp(t *testing.T) {
	v := dsp.NewVolume(0, 4)
	v.SetVolume(dsp.MinDB, false)
	w := constant(8, 1)
	v.Process(w)
	assert.Equal(t, []float64{0.75, 0.5, 0.25, 0, 0, 0, 0, 0}, w)

	v.SetVolume(0, false)
	v.Reset()
	w = constant(3, 0.5)
	v.Process(w)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, w)
}

func TestDelay(t *testing.T) {
	d := dsp.NewDelay(2)
	w := []float64{1, 2, 3}
	d.Process(w)
	assert.Equal(t, []float64{0, 0, 1}, w)
	w = []float64{4, 5}
	d.Process(w)
	assert.Equal(t, []float64{2, 3}, w)
	assert.Equal(t, 48, dsp.DelaySamples(1, 48000))
}

func TestBiquadDesign(t *testing.T) {
	tests := []struct {
		p     dsp.BiquadParameters
		valid bool
	}{
		{p: dsp.BiquadParameters{Type: dsp.BiquadLowpass, Freq: 1000, Q: 0.707}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadHighpass, Freq: 80, Q: 0.5}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadPeaking, Freq: 1000, Q: 2, Gain: -3}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadLowshelf, Freq: 100, Q: 0.7, Gain: 6}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadHighshelf, Freq: 5000, Q: 0.7, Gain: -6}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadNotch, Freq: 50, Q: 10}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadBandpass, Freq: 500, Q: 1}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadAllpass, Freq: 500, Q: 1}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadLowpassFO, Freq: 500}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadFree, B0: 1}, valid: true},
		{p: dsp.BiquadParameters{Type: dsp.BiquadFree, B0: 1, A1: -2.5, A2: 1.2}, valid: false},
		{p: dsp.BiquadParameters{Type: dsp.BiquadLowpass, Freq: 30000, Q: 0.7}, valid: false},
		{p: dsp.BiquadParameters{Type: dsp.BiquadLowpass, Freq: 1000}, valid: false},
		{p: dsp.BiquadParameters{Type: "Bogus", Freq: 1000, Q: 1}, valid: false},
	}
	for _, test := range tests {
		c, err := test.p.Coefficients(48000)
		if !test.valid {
			assert.Error(t, err, "%+v", test.p)
			continue
		}
		require.NoError(t, err, "%+v", test.p)
		assert.NoError(t, c.Validate())
	}
}

// dcGain runs a constant signal through the filter until it settles.
func dcGain(f dsp.Filter) float64 {
	var w []float64
	for i := 0; i < 50; i++ {
		w = constant(1024, 1)
		f.Process(w)
	}
	return w[len(w)-1]
}

func TestBiquadResponse(t *testing.T) {
	lp, err := dsp.BiquadParameters{Type: dsp.BiquadLowpass, Freq: 1000, Q: 0.707}.Coefficients(48000)
	require.NoError(t, err)
	assert.InDelta(t, 1, dcGain(dsp.NewBiquad(lp)), 1e-9)

	hp, err := dsp.BiquadParameters{Type: dsp.BiquadHighpass, Freq: 1000, Q: 0.707}.Coefficients(48000)
	require.NoError(t, err)
	assert.InDelta(t, 0, dcGain(dsp.NewBiquad(hp)), 1e-9)

	ls, err := dsp.BiquadParameters{Type: dsp.BiquadLowshelf, Freq: 200, Q: 0.707, Gain: 6}.Coefficients(48000)
	require.NoError(t, err)
	assert.InDelta(t, dsp.DBToLinear(6), dcGain(dsp.NewBiquad(ls)), 1e-6)
}

func TestBiquadStateCarried(t *testing.T) {
	c, err := dsp.BiquadParameters{Type: dsp.BiquadLowpass, Freq: 2000, Q: 0.707}.Coefficients(48000)
	require.NoError(t, err)

	whole := constant(64, 1)
	dsp.NewBiquad(c).Process(whole)

	split := dsp.NewBiquad(c)
	a, b := constant(32, 1), constant(32, 1)
	split.Process(a)
	split.Process(b)
	assert.Equal(t, whole, append(a, b...))

	split.Reset()
	again := constant(32, 1)
	split.Process(again)
	assert.Equal(t, whole[:32], again)
}

func TestBiquadCombo(t *testing.T) {
	tests := []struct {
		p        dsp.BiquadComboParameters
		sections int
		dc       float64
		valid    bool
	}{
		{p: dsp.BiquadComboParameters{Type: dsp.ButterworthLowpass, Freq: 500, Order: 4}, sections: 2, dc: 1, valid: true},
		{p: dsp.BiquadComboParameters{Type: dsp.ButterworthLowpass, Freq: 500, Order: 3}, sections: 2, dc: 1, valid: true},
		{p: dsp.BiquadComboParameters{Type: dsp.ButterworthHighpass, Freq: 500, Order: 2}, sections: 1, dc: 0, valid: true},
		{p: dsp.BiquadComboParameters{Type: dsp.LinkwitzRileyLowpass, Freq: 500, Order: 4}, sections: 2, dc: 1, valid: true},
		{p: dsp.BiquadComboParameters{Type: dsp.LinkwitzRileyHighpass, Freq: 500, Order: 8}, sections: 4, dc: 0, valid: true},
		{p: dsp.BiquadComboParameters{Type: dsp.LinkwitzRileyHighpass, Freq: 500, Order: 3}},
		{p: dsp.BiquadComboParameters{Type: dsp.ButterworthLowpass, Freq: 500, Order: 0}},
	}
	for _, test := range tests {
		sections, err := test.p.Sections(48000)
		if !test.valid {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Len(t, sections, test.sections)
		assert.InDelta(t, test.dc, dcGain(dsp.NewBiquadCombo(sections)), 1e-6)
	}
}

func TestConv(t *testing.T) {
	f := dsp.NewConv([]float64{0.5, 0.25})
	w := []float64{1, 0, 0}
	f.Process(w)
	assert.Equal(t, []float64{0.5, 0.25, 0}, w)

	// history crosses the chunk boundary
	w = []float64{0, 0, 1}
	f.Process(w)
	assert.Equal(t, []float64{0, 0, 0.5}, w)
	w = []float64{0}
	f.Process(w)
	assert.Equal(t, []float64{0.25}, w)
}

func TestDiffEq(t *testing.T) {
	// y[n] = x[n] + 0.5 y[n-1]
	f := dsp.NewDiffEq([]float64{1, -0.5}, []float64{1})
	w := []float64{1, 0, 0, 0}
	f.Process(w)
	assert.Equal(t, []float64{1, 0.5, 0.25, 0.125}, w)

	// normalized by a0
	f = dsp.NewDiffEq([]float64{2}, []float64{1, 1})
	w = []float64{1, 1}
	f.Process(w)
	assert.Equal(t, []float64{0.5, 1}, w)
}

func TestLimiterClip(t *testing.T) {
	hard := dsp.NewLimiter(dsp.LimiterParameters{ClipLimit: -6})
	w := []float64{1, -1, 0.1}
	hard.Process(w)
	limit := dsp.DBToLinear(-6)
	assert.InDelta(t, limit, w[0], 1e-12)
	assert.InDelta(t, -limit, w[1], 1e-12)
	assert.Equal(t, 0.1, w[2])

	soft := dsp.NewLimiter(dsp.LimiterParameters{ClipLimit: 0, SoftClip: true})
	w = []float64{10, -10, 0}
	soft.Process(w)
	// flat part of the cubic at 1.5 is 1.5 - 1.5^3/6.75 = 1
	assert.InDelta(t, 1, w[0], 1e-12)
	assert.InDelta(t, -1, w[1], 1e-12)
	assert.Equal(t, 0.0, w[2])
}

func TestLimiterLookahead(t *testing.T) {
	l := dsp.NewLimiter(dsp.LimiterParameters{ClipLimit: 0, Lookahead: 16})
	assert.Equal(t, 16, l.Lookahead())
	w := make([]float64, 256)
	for i := 64; i < 128; i++ {
		w[i] = 4
	}
	l.Process(w)
	for i := 0; i < 80; i++ {
		assert.Equal(t, 0.0, w[i], "delayed by lookahead")
	}
	for i := 80; i < 144; i++ {
		assert.LessOrEqual(t, w[i], 1.0001, "sample %d", i)
	}
}

func TestCompressor(t *testing.T) {
	limit := -1.0
	p := dsp.CompressorParameters{
		Channels:  2,
		Attack:    0.001,
		Release:   0.1,
		Threshold: -20,
		Factor:    4,
		ClipLimit: &limit,
	}
	require.NoError(t, p.Validate())

	c := dsp.NewCompressor(p, 48000)
	ch := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, 4800)
	for i := 0; i < ch.Frames; i++ {
		ch.Samples[0][i] = 0.9
		ch.Samples[1][i] = 0.9
	}
	c.Process(ch)
	// monitor sum settles at 1.8, about 25 dB above threshold
	last := ch.Samples[0][ch.Frames-1]
	assert.Less(t, last, 0.2)
	assert.Greater(t, last, 0.0)
	assert.Equal(t, last, ch.Samples[1][ch.Frames-1])

	quiet := chunk.New(chunk.Format{Rate: 48000, Channels: 2}, 16)
	c.Reset()
	for i := range quiet.Samples[0] {
		quiet.Samples[0][i] = 0.01
	}
	c.Process(quiet)
	assert.InDelta(t, 0.01, quiet.Samples[0][15], 1e-9)
}

func TestCompressorValidate(t *testing.T) {
	tests := []dsp.CompressorParameters{
		{Channels: 2, Attack: 0, Release: 1, Factor: 2},
		{Channels: 2, Attack: 1, Release: 0, Factor: 2},
		{Channels: 2, Attack: 1, Release: 1, Factor: 2, MonitorChannels: []int{2}},
		{Channels: 2, Attack: 1, Release: 1, Factor: 2, ProcessChannels: []int{-1}},
		{Channels: 0, Attack: 1, Release: 1, Factor: 2},
	}
	for _, p := range tests {
		assert.ErrorIs(t, p.Validate(), dsp.ErrInvalidParameter)
	}
}

func TestLoudness(t *testing.T) {
	p := dsp.LoudnessParameters{ReferenceLevel: -10, LowBoost: 6, HighBoost: 6}
	l := dsp.NewLoudness(p, 48000, 0)
	w := constant(16, 0.5)
	l.Process(w)
	assert.Equal(t, constant(16, 0.5), w, "no boost above reference")

	l.SetVolume(-40, false)
	assert.InDelta(t, dsp.DBToLinear(6), dcGain(l), 1e-3)
}

func TestMixer(t *testing.T) {
	tests := []struct {
		name     string
		p        dsp.MixerParameters
		in       [][]float64
		expected [][]float64
	}{
		{
			name: "stereo to mono average",
			p: dsp.MixerParameters{
				ChannelsIn: 2, ChannelsOut: 1, Mode: dsp.MixWeighted,
				Mapping: []dsp.MixMapping{{Dest: 0, Sources: []dsp.MixSource{{Channel: 0}, {Channel: 1}}}},
			},
			in:       [][]float64{constant(4, 1), constant(4, -1)},
			expected: [][]float64{constant(4, 0)},
		},
		{
			name: "swap channels",
			p: dsp.MixerParameters{
				ChannelsIn: 2, ChannelsOut: 2,
				Mapping: []dsp.MixMapping{
					{Dest: 0, Sources: []dsp.MixSource{{Channel: 1}}},
					{Dest: 1, Sources: []dsp.MixSource{{Channel: 0}}},
				},
			},
			in:       [][]float64{{1, 2}, {3, 4}},
			expected: [][]float64{{3, 4}, {1, 2}},
		},
		{
			name: "additive with unmapped output",
			p: dsp.MixerParameters{
				ChannelsIn: 2, ChannelsOut: 2, Mode: dsp.MixAdditive,
				Mapping: []dsp.MixMapping{
					{Dest: 0, Sources: []dsp.MixSource{{Channel: 0, Gain: 0.5, Linear: true}, {Channel: 1, Inverted: true}}},
				},
			},
			in:       [][]float64{{2, 2}, {1, 3}},
			expected: [][]float64{{0, -2}, {0, 0}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, test.p.Validate())
			m := dsp.NewMixer(test.p)
			out := make([][]float64, m.ChannelsOut())
			for i := range out {
				out[i] = constant(len(test.in[0]), 7)
			}
			m.Mix(test.in, out)
			assert.Equal(t, test.expected, out)
		})
	}
}

func TestMixerIdentityBitExact(t *testing.T) {
	m := dsp.NewMixer(dsp.MixerParameters{
		ChannelsIn: 1, ChannelsOut: 1,
		Mapping: []dsp.MixMapping{{Dest: 0, Sources: []dsp.MixSource{{Channel: 0}}}},
	})
	in := [][]float64{{0.1, 1.0 / 3, -math.Pi, math.SmallestNonzeroFloat64}}
	out := [][]float64{make([]float64, 4)}
	m.Mix(in, out)
	assert.Equal(t, in, out)
}

func TestMixerValidate(t *testing.T) {
	tests := []dsp.MixerParameters{
		{ChannelsIn: 0, ChannelsOut: 1},
		{ChannelsIn: 1, ChannelsOut: 1, Mode: "bogus"},
		{ChannelsIn: 1, ChannelsOut: 1, Mapping: []dsp.MixMapping{{Dest: 1}}},
		{ChannelsIn: 1, ChannelsOut: 1, Mapping: []dsp.MixMapping{{Dest: 0, Sources: []dsp.MixSource{{Channel: 3}}}}},
		{ChannelsIn: 1, ChannelsOut: 1, Mapping: []dsp.MixMapping{{Dest: 0}, {Dest: 0}}},
		{ChannelsIn: 2, ChannelsOut: 1, Mode: dsp.MixExclusive, Mapping: []dsp.MixMapping{{Dest: 0, Sources: []dsp.MixSource{{Channel: 0}, {Channel: 1}}}}},
	}
	for _, p := range tests {
		assert.ErrorIs(t, p.Validate(), dsp.ErrInvalidParameter, "%+v", p)
	}
}

func TestClamp(t *testing.T) {
	w := []float64{math.NaN(), math.Inf(1), math.Inf(-1), 2e6, 0.5}
	assert.Equal(t, 4, dsp.Clamp(w))
	assert.Equal(t, []float64{0, dsp.OverflowLimit, -dsp.OverflowLimit, dsp.OverflowLimit, 0.5}, w)
}
