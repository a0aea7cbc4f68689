package dsp

import "math"

const (
	loudnessLowFreq  = 70.0
	loudnessHighFreq = 3500.0
)

// LoudnessParameters describe a loudness correction.
type LoudnessParameters struct {
	ReferenceLevel float64 `yaml:"reference_level"`
	HighBoost      float64 `yaml:"high_boost"`
	LowBoost       float64 `yaml:"low_boost"`
	AttenuateMid   bool    `yaml:"attenuate_mid,omitempty"`
}

// Loudness boosts low and high frequencies when the main volume goes below
// the reference level. The boost grows linearly over 20 dB below the
// reference.
type Loudness struct {
	p     LoudnessParameters
	rate  int
	low   *Biquad
	high  *Biquad
	mid   float64
	level float64
}

// NewLoudness returns a loudness filter at the initial volume.
func NewLoudness(p LoudnessParameters, rate int, volume float64) *Loudness {
	l := &Loudness{p: p, rate: rate, low: &Biquad{}, high: &Biquad{}}
	l.SetVolume(volume, false)
	return l
}

// SetVolume recomputes the shelves for a new main volume.
func (l *Loudness) SetVolume(db float64, mute bool) {
	if mute {
		return
	}
	rel := math.Max(0, math.Min(1, (l.p.ReferenceLevel-db)/20))
	if rel == l.level {
		return
	}
	l.level = rel
	l.low.c = shelf(BiquadLowshelf, loudnessLowFreq, rel*l.p.LowBoost, l.rate)
	l.high.c = shelf(BiquadHighshelf, loudnessHighFreq, rel*l.p.HighBoost, l.rate)
	l.mid = 1
	if l.p.AttenuateMid {
		l.mid = DBToLinear(-rel * math.Max(l.p.LowBoost, l.p.HighBoost))
	}
}

// shelf falls back to a passthrough section when the rate is too low for
// the shelf frequency.
func shelf(t BiquadType, freq, gain float64, rate int) BiquadCoefficients {
	c, err := BiquadParameters{Type: t, Freq: freq, Q: math.Sqrt2 / 2, Gain: gain}.Coefficients(rate)
	if err != nil {
		return BiquadCoefficients{B0: 1}
	}
	return c
}

// Process applies the loudness correction in place.
func (l *Loudness) Process(waveform []float64) {
	if l.level == 0 {
		return
	}
	l.low.Process(waveform)
	l.high.Process(waveform)
	if l.mid != 1 {
		for i := range waveform {
			waveform[i] *= l.mid
		}
	}
}

// Reset clears the shelf state.
func (l *Loudness) Reset() {
	l.low.Reset()
	l.high.Reset()
}
