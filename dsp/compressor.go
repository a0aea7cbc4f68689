package dsp

import (
	"fmt"
	"math"

	"pipelined.dev/live/chunk"
)

// CompressorParameters describe a compressor.
type CompressorParameters struct {
	Channels        int      `yaml:"channels"`
	Attack          float64  `yaml:"attack"`
	Release         float64  `yaml:"release"`
	Threshold       float64  `yaml:"threshold"`
	Factor          float64  `yaml:"factor"`
	MakeupGain      float64  `yaml:"makeup_gain,omitempty"`
	MonitorChannels []int    `yaml:"monitor_channels,omitempty"`
	ProcessChannels []int    `yaml:"process_channels,omitempty"`
	ClipLimit       *float64 `yaml:"clip_limit,omitempty"`
	SoftClip        bool     `yaml:"soft_clip,omitempty"`
	ClipLookahead   int      `yaml:"clip_lookahead,omitempty"`
	ClipUseMonitor  bool     `yaml:"clip_use_monitor,omitempty"`
	MonitorUsePower bool     `yaml:"monitor_use_power,omitempty"`
}

// Validate checks the parameters against the number of channels.
func (p CompressorParameters) Validate() error {
	if p.Channels <= 0 {
		return fmt.Errorf("%w: channels %d must be positive", ErrInvalidParameter, p.Channels)
	}
	if p.Attack <= 0 {
		return fmt.Errorf("%w: attack must be larger than zero", ErrInvalidParameter)
	}
	if p.Release <= 0 {
		return fmt.Errorf("%w: release must be larger than zero", ErrInvalidParameter)
	}
	if p.Factor < 1 {
		return fmt.Errorf("%w: factor %v must be at least 1", ErrInvalidParameter, p.Factor)
	}
	for _, ch := range p.MonitorChannels {
		if ch < 0 || ch >= p.Channels {
			return fmt.Errorf("%w: monitor channel %d, max is %d", ErrInvalidParameter, ch, p.Channels-1)
		}
	}
	for _, ch := range p.ProcessChannels {
		if ch < 0 || ch >= p.Channels {
			return fmt.Errorf("%w: process channel %d, max is %d", ErrInvalidParameter, ch, p.Channels-1)
		}
	}
	return nil
}

// Compressor is an RMS compressor. The loudness is estimated on the sum of
// monitor channels and the resulting gain is applied to process channels.
type Compressor struct {
	monitor   []int
	process   []int
	attack    float64
	release   float64
	threshold float64
	factor    float64
	makeup    float64

	limiters       []*Limiter
	clipUseMonitor bool
	usePower       bool

	scratch      []float64
	prevLoudness float64
	prevGain     float64
}

// NewCompressor returns a compressor for the sample rate. Parameters must
// be valid.
func NewCompressor(p CompressorParameters, rate int) *Compressor {
	srate := float64(rate)
	c := &Compressor{
		monitor:        allChannels(p.MonitorChannels, p.Channels),
		process:        allChannels(p.ProcessChannels, p.Channels),
		attack:         math.Exp(-1 / srate / p.Attack),
		release:        math.Exp(-1 / srate / p.Release),
		threshold:      p.Threshold,
		factor:         p.Factor,
		makeup:         DBToLinear(p.MakeupGain),
		clipUseMonitor: p.ClipUseMonitor,
		usePower:       p.MonitorUsePower,
		prevGain:       1,
	}
	if p.ClipLimit != nil {
		for range c.process {
			c.limiters = append(c.limiters, NewLimiter(LimiterParameters{
				ClipLimit: *p.ClipLimit,
				SoftClip:  p.SoftClip,
				Lookahead: p.ClipLookahead,
			}))
		}
	}
	return c
}

func allChannels(selected []int, channels int) []int {
	if len(selected) > 0 {
		return selected
	}
	all := make([]int, channels)
	for i := range all {
		all[i] = i
	}
	return all
}

// Process compresses the chunk in place.
func (c *Compressor) Process(ch *chunk.Chunk) {
	c.sumMonitor(ch)
	c.estimateLoudness()
	c.linearGain()
	for _, p := range c.process {
		w := ch.Samples[p]
		for i := range w {
			w[i] *= c.scratch[i]
		}
	}
	if c.limiters == nil {
		return
	}
	if c.clipUseMonitor {
		// scratch holds gains now, the monitor sum is needed again
		c.sumMonitor(ch)
	}
	for i, p := range c.process {
		if c.clipUseMonitor {
			c.limiters[i].ProcessWithMonitor(c.scratch, ch.Samples[p])
		} else {
			c.limiters[i].Process(ch.Samples[p])
		}
	}
}

func (c *Compressor) sumMonitor(ch *chunk.Chunk) {
	if cap(c.scratch) < ch.Frames {
		c.scratch = make([]float64, ch.Frames)
	}
	c.scratch = c.scratch[:ch.Frames]
	if len(c.monitor) == 1 {
		copy(c.scratch, ch.Samples[c.monitor[0]])
		return
	}
	if c.usePower {
		for i := range c.scratch {
			var acc float64
			for _, m := range c.monitor {
				v := ch.Samples[m][i]
				acc += v * v
			}
			c.scratch[i] = math.Sqrt(acc)
		}
		return
	}
	copy(c.scratch, ch.Samples[c.monitor[0]])
	for _, m := range c.monitor[1:] {
		for i, v := range ch.Samples[m] {
			c.scratch[i] += v
		}
	}
}

func (c *Compressor) estimateLoudness() {
	for i, v := range c.scratch {
		c.prevLoudness = c.attack*c.prevLoudness + (1-c.attack)*v*v
		c.scratch[i] = math.Sqrt(c.prevLoudness)
	}
}

func (c *Compressor) linearGain() {
	threshold := DBToLinear(c.threshold)
	for i, v := range c.scratch {
		var gain float64
		switch {
		case v > threshold && c.factor > 1000:
			gain = threshold / v
		case v > threshold:
			rmsDB := 20 * math.Log10(v)
			gainDB := -(rmsDB - c.threshold) * (c.factor - 1) / c.factor
			gain = DBToLinear(gainDB)
		default:
			gain = c.release*c.prevGain + (1 - c.release)
		}
		c.prevGain = gain
		c.scratch[i] = gain * c.makeup
	}
}

// Reset clears the loudness estimate and the limiters.
func (c *Compressor) Reset() {
	c.prevLoudness = 0
	c.prevGain = 1
	for _, l := range c.limiters {
		l.Reset()
	}
}
