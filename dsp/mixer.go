package dsp

import (
	"errors"
	"fmt"
)

// MixMode defines how sources of an output channel are combined.
type MixMode string

// Mixer modes.
const (
	// MixAdditive sums weighted sources.
	MixAdditive MixMode = "additive"
	// MixWeighted sums weighted sources and divides by the total weight.
	MixWeighted MixMode = "weighted"
	// MixExclusive takes at most one unmuted source per output.
	MixExclusive MixMode = "exclusive"
)

// MixSource is a single input channel of a mapping.
type MixSource struct {
	Channel  int     `yaml:"channel"`
	Gain     float64 `yaml:"gain,omitempty"`
	Linear   bool    `yaml:"linear,omitempty"`
	Inverted bool    `yaml:"inverted,omitempty"`
	Mute     bool    `yaml:"mute,omitempty"`
}

func (s MixSource) factor() float64 {
	g := s.Gain
	if !s.Linear {
		g = DBToLinear(s.Gain)
	} else if g == 0 {
		// linear gain left out of the description means unity
		g = 1
	}
	if s.Inverted {
		g = -g
	}
	return g
}

// MixMapping describes one output channel.
type MixMapping struct {
	Dest    int         `yaml:"dest"`
	Sources []MixSource `yaml:"sources"`
	Mute    bool        `yaml:"mute,omitempty"`
}

// MixerParameters describe a mixer matrix.
type MixerParameters struct {
	ChannelsIn  int          `yaml:"channels_in"`
	ChannelsOut int          `yaml:"channels_out"`
	Mode        MixMode      `yaml:"mode,omitempty"`
	Mapping     []MixMapping `yaml:"mapping"`
}

// Validate checks the matrix shape.
func (p MixerParameters) Validate() error {
	var errs []error
	if p.ChannelsIn <= 0 || p.ChannelsOut <= 0 {
		errs = append(errs, fmt.Errorf("%w: channels in %d and out %d must be positive", ErrInvalidParameter, p.ChannelsIn, p.ChannelsOut))
	}
	switch p.Mode {
	case "", MixAdditive, MixWeighted, MixExclusive:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown mixer mode %q", ErrInvalidParameter, p.Mode))
	}
	seen := make(map[int]bool, len(p.Mapping))
	for _, m := range p.Mapping {
		if m.Dest < 0 || m.Dest >= p.ChannelsOut {
			errs = append(errs, fmt.Errorf("%w: destination %d out of range [0, %d)", ErrInvalidParameter, m.Dest, p.ChannelsOut))
			continue
		}
		if seen[m.Dest] {
			errs = append(errs, fmt.Errorf("%w: destination %d mapped twice", ErrInvalidParameter, m.Dest))
		}
		seen[m.Dest] = true
		unmuted := 0
		for _, s := range m.Sources {
			if s.Channel < 0 || s.Channel >= p.ChannelsIn {
				errs = append(errs, fmt.Errorf("%w: source %d of destination %d out of range [0, %d)", ErrInvalidParameter, s.Channel, m.Dest, p.ChannelsIn))
			}
			if !s.Mute {
				unmuted++
			}
		}
		if p.Mode == MixExclusive && unmuted > 1 {
			errs = append(errs, fmt.Errorf("%w: destination %d has %d active sources in exclusive mode", ErrInvalidParameter, m.Dest, unmuted))
		}
	}
	return errors.Join(errs...)
}

type mixSource struct {
	channel int
	gain    float64
}

// Mixer maps N input channels to M output channels.
type Mixer struct {
	channelsIn int
	outputs    [][]mixSource
}

// NewMixer returns a mixer for valid parameters.
func NewMixer(p MixerParameters) *Mixer {
	m := &Mixer{
		channelsIn: p.ChannelsIn,
		outputs:    make([][]mixSource, p.ChannelsOut),
	}
	for _, mapping := range p.Mapping {
		if mapping.Mute {
			continue
		}
		var sources []mixSource
		var total float64
		for _, s := range mapping.Sources {
			if s.Mute {
				continue
			}
			g := s.factor()
			sources = append(sources, mixSource{channel: s.Channel, gain: g})
			if g < 0 {
				total -= g
			} else {
				total += g
			}
		}
		if p.Mode == MixWeighted && total > 0 {
			for i := range sources {
				sources[i].gain /= total
			}
		}
		m.outputs[mapping.Dest] = sources
	}
	return m
}

// ChannelsIn returns the number of input channels.
func (m *Mixer) ChannelsIn() int {
	return m.channelsIn
}

// ChannelsOut returns the number of output channels.
func (m *Mixer) ChannelsOut() int {
	return len(m.outputs)
}

// Mix writes the output channels. Out must not alias in.
func (m *Mixer) Mix(in, out [][]float64) {
	for d, sources := range m.outputs {
		o := out[d]
		if len(sources) == 0 {
			clear(o)
			continue
		}
		first := sources[0]
		if first.gain == 1 {
			copy(o, in[first.channel])
		} else {
			for i, v := range in[first.channel] {
				o[i] = v * first.gain
			}
		}
		for _, s := range sources[1:] {
			for i, v := range in[s.channel] {
				o[i] += v * s.gain
			}
		}
	}
}
