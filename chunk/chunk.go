// Package chunk defines the unit of data passed between the stages of a
// live pipeline. A Chunk is a fixed-capacity block of non-interleaved
// float64 samples plus the metadata the loops need to account for
// underruns, overruns and numeric overflow.
//
// Chunks are never shared between goroutines: whoever holds a chunk owns
// it, and ownership is moved when the chunk is pushed into a queue.
package chunk

import (
	"fmt"
	"time"
)

type (
	// Format is the channel/rate contract of a signal.
	Format struct {
		Rate     int `yaml:"samplerate"`
		Channels int `yaml:"channels"`
	}

	// Chunk is a block of multi-channel samples. Samples has one slice per
	// channel, every slice has length Frames. Only the first Valid frames
	// carry signal.
	Chunk struct {
		Samples   [][]float64
		Frames    int
		Valid     int
		Rate      int
		Timestamp time.Duration

		// Underrun is set on silence chunks that replace missing data.
		Underrun bool
		// Overrun is set on the first chunk after chunks were dropped.
		Overrun bool
		// Overflow is set when a stage produced values that had to be
		// clamped.
		Overflow bool
	}
)

// String returns the format in a form used in logs and errors.
func (f Format) String() string {
	return fmt.Sprintf("%dch@%dHz", f.Channels, f.Rate)
}

// IsZero reports whether the format was not set.
func (f Format) IsZero() bool {
	return f.Rate == 0 && f.Channels == 0
}

// New allocates a chunk with all frames valid and zeroed.
func New(f Format, frames int) *Chunk {
	samples := make([][]float64, f.Channels)
	for i := range samples {
		samples[i] = make([]float64, frames)
	}
	return &Chunk{
		Samples: samples,
		Frames:  frames,
		Valid:   frames,
		Rate:    f.Rate,
	}
}

// Silence returns a zeroed chunk flagged as underrun.
func Silence(f Format, frames int) *Chunk {
	c := New(f, frames)
	c.Underrun = true
	return c
}

// Channels returns number of channels in the chunk.
func (c *Chunk) Channels() int {
	return len(c.Samples)
}

// Format returns the format of the chunk.
func (c *Chunk) Format() Format {
	return Format{Rate: c.Rate, Channels: len(c.Samples)}
}

// Duration returns the duration of the valid frames.
func (c *Chunk) Duration() time.Duration {
	return DurationOf(c.Rate, c.Valid)
}

// Pad zeroes all frames after Valid and marks the whole chunk valid.
func (c *Chunk) Pad() {
	if c.Valid >= c.Frames {
		c.Valid = c.Frames
		return
	}
	for _, w := range c.Samples {
		clear(w[c.Valid:c.Frames])
	}
	c.Valid = c.Frames
}

// Clear zeroes the samples and resets the flags.
func (c *Chunk) Clear() {
	for _, w := range c.Samples {
		clear(w)
	}
	c.Valid = c.Frames
	c.Timestamp = 0
	c.Underrun, c.Overrun, c.Overflow = false, false, false
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	cc := *c
	cc.Samples = make([][]float64, len(c.Samples))
	for i := range c.Samples {
		cc.Samples[i] = make([]float64, len(c.Samples[i]))
		copy(cc.Samples[i], c.Samples[i])
	}
	return &cc
}

// Peak returns the maximum absolute sample value among valid frames.
func (c *Chunk) Peak() float64 {
	var peak float64
	for _, w := range c.Samples {
		for _, v := range w[:c.Valid] {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// DurationOf returns time duration of passed frames for this sample rate.
func DurationOf(rate, frames int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second))
}
