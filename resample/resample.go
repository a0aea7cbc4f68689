// Package resample converts chunks between sample rates. A Resampler runs
// either with a fixed rational ratio or with a ratio that is nudged by the
// rate controller to compensate clock drift between capture and playback
// devices.
package resample

import (
	"errors"
	"fmt"
	"math"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/dsp"
)

// Mode of the resampler.
type Mode string

// Interpolation order.
type Interpolation string

const (
	// Synchronous resamples with the exact ratio of the rates.
	Synchronous Mode = "synchronous"
	// Adaptive allows the ratio to be adjusted while running.
	Adaptive Mode = "adaptive"

	// Linear interpolates between two neighbour samples.
	Linear Interpolation = "linear"
	// Cubic interpolates with a Catmull-Rom spline over four samples.
	Cubic Interpolation = "cubic"

	// DefaultMaxDrift bounds the adaptive ratio when not configured.
	DefaultMaxDrift = 0.05
)

// ErrInvalidParameters is returned when parameters can't describe a
// resampler.
var ErrInvalidParameters = errors.New("invalid resampler parameters")

// Parameters describe a resampler stage.
type Parameters struct {
	Mode          Mode          `yaml:"mode,omitempty"`
	Interpolation Interpolation `yaml:"interpolation,omitempty"`
	// RateIn is optional, when set it must match the incoming rate.
	RateIn   int     `yaml:"samplerate_in,omitempty"`
	RateOut  int     `yaml:"samplerate"`
	MaxDrift float64 `yaml:"max_drift,omitempty"`
}

// Validate checks parameters for the incoming rate.
func (p Parameters) Validate(rateIn int) error {
	switch {
	case p.RateOut <= 0:
		return fmt.Errorf("%w: output rate %d", ErrInvalidParameters, p.RateOut)
	case rateIn <= 0:
		return fmt.Errorf("%w: input rate %d", ErrInvalidParameters, rateIn)
	case p.RateIn != 0 && p.RateIn != rateIn:
		return fmt.Errorf("%w: declared input rate %d, got %d", ErrInvalidParameters, p.RateIn, rateIn)
	case p.MaxDrift < 0 || p.MaxDrift >= 0.5:
		return fmt.Errorf("%w: max drift %v must be in [0, 0.5)", ErrInvalidParameters, p.MaxDrift)
	}
	switch p.Mode {
	case "", Synchronous, Adaptive:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidParameters, p.Mode)
	}
	switch p.Interpolation {
	case "", Linear, Cubic:
	default:
		return fmt.Errorf("%w: unknown interpolation %q", ErrInvalidParameters, p.Interpolation)
	}
	return nil
}

// Resampler converts chunks at one rate into chunks at another. Output is
// re-blocked into chunks of fixed capacity, so a single call may return
// zero or more chunks. Interpolation history is carried across calls.
type Resampler struct {
	channels int
	rateIn   int
	rateOut  int
	frames   int
	adaptive bool
	cubic    bool
	maxDrift float64
	adjust   float64

	// anti-aliasing for downsampling
	prefilter []dsp.Filter

	// history per channel, hist[ch][ipos] is the sample at the current
	// position, one sample before it is always kept.
	hist [][]float64
	ipos int
	// synchronous phase numerator over rateOut
	frac int
	// adaptive phase in [0, 1)
	fpos float64

	pool     *chunk.Pool
	out      *chunk.Chunk
	fill     int
	produced int
	underrun bool
	overrun  bool
}

// New returns a resampler for valid parameters. Frames is the capacity of
// output chunks.
func New(p Parameters, rateIn, channels, frames int) *Resampler {
	maxDrift := p.MaxDrift
	if maxDrift == 0 {
		maxDrift = DefaultMaxDrift
	}
	r := &Resampler{
		channels: channels,
		rateIn:   rateIn,
		rateOut:  p.RateOut,
		frames:   frames,
		adaptive: p.Mode == Adaptive,
		cubic:    p.Interpolation == Cubic,
		maxDrift: maxDrift,
		adjust:   1,
		pool:     chunk.GetPool(channels, frames),
	}
	if p.RateOut < rateIn {
		sections, err := dsp.BiquadComboParameters{
			Type:  dsp.ButterworthLowpass,
			Freq:  0.45 * float64(p.RateOut),
			Order: 4,
		}.Sections(rateIn)
		if err == nil {
			for i := 0; i < channels; i++ {
				r.prefilter = append(r.prefilter, dsp.NewBiquadCombo(sections))
			}
		}
	}
	r.Reset()
	return r
}

// RateIn returns the incoming rate.
func (r *Resampler) RateIn() int {
	return r.rateIn
}

// RateOut returns the outgoing rate.
func (r *Resampler) RateOut() int {
	return r.rateOut
}

// Adaptive reports whether the ratio can be adjusted.
func (r *Resampler) Adaptive() bool {
	return r.adaptive
}

// SetAdjust sets the ratio adjustment factor. Values above 1 produce more
// output samples. The factor is clamped to the configured drift.
// Synchronous resamplers ignore it.
func (r *Resampler) SetAdjust(f float64) {
	if !r.adaptive {
		return
	}
	r.adjust = math.Max(1-r.maxDrift, math.Min(1+r.maxDrift, f))
}

// Adjust returns the current adjustment factor.
func (r *Resampler) Adjust() float64 {
	return r.adjust
}

// Ratio returns the effective output/input ratio.
func (r *Resampler) Ratio() float64 {
	return float64(r.rateOut) / float64(r.rateIn) * r.adjust
}

// Process consumes the whole chunk and returns completed output chunks.
// The input chunk is not modified.
func (r *Resampler) Process(c *chunk.Chunk) []*chunk.Chunk {
	for ch := range r.hist {
		start := len(r.hist[ch])
		r.hist[ch] = append(r.hist[ch], c.Samples[ch][:c.Frames]...)
		if r.prefilter != nil {
			r.prefilter[ch].Process(r.hist[ch][start:])
		}
	}
	r.underrun = r.underrun || c.Underrun
	r.overrun = r.overrun || c.Overrun

	ahead := 1
	if r.cubic {
		ahead = 2
	}
	var result []*chunk.Chunk
	avail := len(r.hist[0])
	for r.ipos+ahead < avail {
		if r.out == nil {
			r.out = r.pool.Get(r.rateOut)
			r.fill = 0
		}
		t := r.phase()
		for ch, h := range r.hist {
			r.out.Samples[ch][r.fill] = r.interpolate(h, t)
		}
		r.fill++
		r.advance()
		if r.fill == r.frames {
			result = append(result, r.emit())
		}
	}
	r.compact()
	return result
}

// Flush returns the partially filled output chunk padded with silence, or
// nil if there is none.
func (r *Resampler) Flush() *chunk.Chunk {
	if r.out == nil || r.fill == 0 {
		return nil
	}
	// frames after fill are still zero from the pool
	return r.emit()
}

// Pending returns the number of frames produced but not yet emitted.
func (r *Resampler) Pending() int {
	if r.out == nil {
		return 0
	}
	return r.fill
}

func (r *Resampler) emit() *chunk.Chunk {
	out := r.out
	out.Valid = r.fill
	out.Timestamp = chunk.DurationOf(r.rateOut, r.produced)
	out.Underrun, out.Overrun = r.underrun, r.overrun
	r.produced += r.fill
	r.underrun, r.overrun = false, false
	r.out = nil
	r.fill = 0
	return out
}

func (r *Resampler) phase() float64 {
	if r.adaptive {
		return r.fpos
	}
	return float64(r.frac) / float64(r.rateOut)
}

func (r *Resampler) advance() {
	if r.adaptive {
		r.fpos += float64(r.rateIn) / (float64(r.rateOut) * r.adjust)
		whole := math.Floor(r.fpos)
		r.ipos += int(whole)
		r.fpos -= whole
		return
	}
	r.frac += r.rateIn
	r.ipos += r.frac / r.rateOut
	r.frac %= r.rateOut
}

func (r *Resampler) interpolate(h []float64, t float64) float64 {
	i := r.ipos
	if !r.cubic {
		y1 := h[i]
		return y1 + t*(h[i+1]-y1)
	}
	y0, y1, y2, y3 := h[i-1], h[i], h[i+1], h[i+2]
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	return ((a0*t+a1)*t+a2)*t + y1
}

// compact drops consumed samples, keeping one before the position.
func (r *Resampler) compact() {
	drop := r.ipos - 1
	if drop <= 0 {
		return
	}
	for ch, h := range r.hist {
		n := copy(h, h[drop:])
		r.hist[ch] = h[:n]
	}
	r.ipos -= drop
}

// Reset clears the interpolation history and drops the partial output.
func (r *Resampler) Reset() {
	r.hist = make([][]float64, r.channels)
	for ch := range r.hist {
		// one sample of silence before the stream start
		r.hist[ch] = make([]float64, 1, r.frames+4)
	}
	r.ipos, r.frac, r.fpos = 1, 0, 0
	r.out, r.fill, r.produced = nil, 0, 0
	r.underrun, r.overrun = false, false
	r.adjust = 1
	for _, f := range r.prefilter {
		f.Reset()
	}
}
