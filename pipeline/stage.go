package pipeline

import (
	"fmt"
	"math"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/dsp"
	"pipelined.dev/live/resample"
)

// stage is one of filterStage, processorStage, mixerStage or
// resamplerStage. Pipeline dispatches over this closed set with a type
// switch.
type stage interface {
	reset()
}

type (
	// filterStage runs one filter instance per selected channel.
	filterStage struct {
		channels []int
		filters  []dsp.Filter
	}

	// processorStage runs a multi-channel processor on the whole chunk.
	processorStage struct {
		p dsp.Processor
	}

	// mixerStage merges all input lanes through a mixer matrix.
	mixerStage struct {
		m    *dsp.Mixer
		pool *chunk.Pool
		in   [][]float64
	}

	// resamplerStage changes the rate and re-blocks the lane.
	resamplerStage struct {
		r *resample.Resampler
	}
)

func (s *filterStage) process(lane []*chunk.Chunk) {
	for _, c := range lane {
		for i, ch := range s.channels {
			s.filters[i].Process(c.Samples[ch])
		}
	}
}

func (s *filterStage) reset() {
	for _, f := range s.filters {
		f.Reset()
	}
}

func (s *processorStage) process(lane []*chunk.Chunk) {
	for _, c := range lane {
		s.p.Process(c)
	}
}

func (s *processorStage) reset() {
	s.p.Reset()
}

// mix zips lanes by index, so only chunks of the same cycle are merged.
func (s *mixerStage) mix(lanes [][]*chunk.Chunk) []*chunk.Chunk {
	n := len(lanes[0])
	for _, l := range lanes[1:] {
		n = min(n, len(l))
	}
	out := make([]*chunk.Chunk, 0, n)
	for i := 0; i < n; i++ {
		first := lanes[0][i]
		o := s.pool.Get(first.Rate)
		o.Timestamp = first.Timestamp
		o.Valid = first.Valid
		s.in = s.in[:0]
		for _, l := range lanes {
			c := l[i]
			s.in = append(s.in, c.Samples...)
			o.Valid = min(o.Valid, c.Valid)
			o.Underrun = o.Underrun || c.Underrun
			o.Overrun = o.Overrun || c.Overrun
			o.Overflow = o.Overflow || c.Overflow
		}
		s.m.Mix(s.in, o.Samples)
		out = append(out, o)
	}
	for _, l := range lanes {
		recycle(l)
	}
	return out
}

func (s *mixerStage) reset() {}

func (s *resamplerStage) process(lane []*chunk.Chunk, flush bool) []*chunk.Chunk {
	var out []*chunk.Chunk
	for _, c := range lane {
		out = append(out, s.r.Process(c)...)
	}
	recycle(lane)
	if flush {
		if c := s.r.Flush(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (s *resamplerStage) reset() {
	s.r.Reset()
}

func recycle(lane []*chunk.Chunk) {
	for _, c := range lane {
		chunk.Recycle(c)
	}
}

// buildStage validates the stage against its input format and returns the
// stage instance with its output format.
func buildStage(s *StageSpec, in chunk.Format, frames int, o options) (stage, chunk.Format, error) {
	switch s.Kind {
	case KindCompressor:
		p := *s.Compressor
		if len(s.Channels) > 0 {
			return nil, in, fmt.Errorf("%w: compressor selects channels with monitor and process channels", ErrInvalidStage)
		}
		if p.Channels != in.Channels {
			return nil, in, fmt.Errorf("%w: compressor declares %d channels, input has %d", ErrChannelMismatch, p.Channels, in.Channels)
		}
		if err := p.Validate(); err != nil {
			return nil, in, fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		return &processorStage{p: dsp.NewCompressor(p, in.Rate)}, in, nil
	case KindMixer:
		p := *s.Mixer
		if len(s.Channels) > 0 {
			return nil, in, fmt.Errorf("%w: mixer can't select channels", ErrInvalidStage)
		}
		if err := p.Validate(); err != nil {
			return nil, in, fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		if p.ChannelsIn != in.Channels {
			return nil, in, fmt.Errorf("%w: mixer expects %d channels, input has %d", ErrChannelMismatch, p.ChannelsIn, in.Channels)
		}
		out := chunk.Format{Rate: in.Rate, Channels: p.ChannelsOut}
		return &mixerStage{
			m:    dsp.NewMixer(p),
			pool: chunk.GetPool(p.ChannelsOut, frames),
			in:   make([][]float64, 0, p.ChannelsIn),
		}, out, nil
	case KindResampler:
		p := *s.Resampler
		if len(s.Channels) > 0 {
			return nil, in, fmt.Errorf("%w: resampler can't select channels", ErrInvalidStage)
		}
		if err := p.Validate(in.Rate); err != nil {
			if p.RateIn != 0 && p.RateIn != in.Rate {
				return nil, in, fmt.Errorf("%w: %w", ErrRateMismatch, err)
			}
			return nil, in, fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		out := chunk.Format{Rate: p.RateOut, Channels: in.Channels}
		return &resamplerStage{r: resample.New(p, in.Rate, in.Channels, frames)}, out, nil
	}

	channels, err := selectChannels(s.Channels, in.Channels)
	if err != nil {
		return nil, in, err
	}
	newFilter, err := filterFactory(s, in.Rate, o)
	if err != nil {
		return nil, in, err
	}
	fs := &filterStage{channels: channels}
	for range channels {
		fs.filters = append(fs.filters, newFilter())
	}
	return fs, in, nil
}

func selectChannels(selected []int, channels int) ([]int, error) {
	if len(selected) == 0 {
		all := make([]int, channels)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	seen := make(map[int]bool, len(selected))
	for _, ch := range selected {
		if ch < 0 || ch >= channels {
			return nil, fmt.Errorf("%w: channel %d out of range [0, %d)", ErrChannelMismatch, ch, channels)
		}
		if seen[ch] {
			return nil, fmt.Errorf("%w: channel %d selected twice", ErrInvalidStage, ch)
		}
		seen[ch] = true
	}
	return selected, nil
}

// filterFactory returns a constructor of independent filter instances, one
// is created for every processed channel.
func filterFactory(s *StageSpec, rate int, o options) (func() dsp.Filter, error) {
	switch s.Kind {
	case KindGain:
		p := *s.Gain
		return func() dsp.Filter {
			return dsp.NewGain(p.Gain, p.Linear, p.Inverted, p.Mute)
		}, nil
	case KindVolume:
		var p VolumeParameters
		if s.Volume != nil {
			p = *s.Volume
		}
		if p.RampTime < 0 {
			return nil, fmt.Errorf("%w: negative ramp time %v", ErrInvalidStage, p.RampTime)
		}
		ramp := int(p.RampTime * float64(rate) / 1000)
		return func() dsp.Filter {
			v := dsp.NewVolume(o.volume, ramp)
			v.SetVolume(o.volume, o.mute)
			v.Reset()
			return v
		}, nil
	case KindDelay:
		p := *s.Delay
		if p.Delay < 0 {
			return nil, fmt.Errorf("%w: negative delay %v", ErrInvalidStage, p.Delay)
		}
		var samples int
		switch p.Unit {
		case "", "ms":
			samples = dsp.DelaySamples(p.Delay, rate)
		case "samples":
			samples = int(math.Round(p.Delay))
		default:
			return nil, fmt.Errorf("%w: unknown delay unit %q", ErrInvalidStage, p.Unit)
		}
		return func() dsp.Filter { return dsp.NewDelay(samples) }, nil
	case KindBiquad:
		c, err := s.Biquad.Coefficients(rate)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		return func() dsp.Filter { return dsp.NewBiquad(c) }, nil
	case KindBiquadCombo:
		sections, err := s.BiquadCombo.Sections(rate)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		return func() dsp.Filter { return dsp.NewBiquadCombo(sections) }, nil
	case KindConv:
		coefficients := s.Conv.Coefficients
		if len(coefficients) == 0 {
			return nil, fmt.Errorf("%w: conv needs at least one coefficient", ErrInvalidStage)
		}
		return func() dsp.Filter { return dsp.NewConv(coefficients) }, nil
	case KindDiffEq:
		p := *s.DiffEq
		if len(p.A) == 0 || p.A[0] == 0 || len(p.B) == 0 {
			return nil, fmt.Errorf("%w: diffeq needs a non-zero a[0] and at least one b coefficient", ErrInvalidStage)
		}
		return func() dsp.Filter { return dsp.NewDiffEq(p.A, p.B) }, nil
	case KindLoudness:
		p := *s.Loudness
		if p.LowBoost < 0 || p.LowBoost > 20 || p.HighBoost < 0 || p.HighBoost > 20 {
			return nil, fmt.Errorf("%w: loudness boost must be in [0, 20] dB", ErrInvalidStage)
		}
		return func() dsp.Filter {
			l := dsp.NewLoudness(p, rate, o.volume)
			l.SetVolume(o.volume, o.mute)
			return l
		}, nil
	case KindLimiter:
		p := *s.Limiter
		if p.Lookahead < 0 {
			return nil, fmt.Errorf("%w: negative lookahead %d", ErrInvalidStage, p.Lookahead)
		}
		return func() dsp.Filter { return dsp.NewLimiter(p) }, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidStage, s.Kind)
}
