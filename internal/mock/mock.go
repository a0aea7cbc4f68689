// Package mock provides scripted endpoints and allows to execute
// integration tests of the engine without hardware.
package mock

import (
	"io"
	"sync"
	"time"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
)

// SampleFormat is used by mock endpoints, it keeps values exact.
const SampleFormat = chunk.Float64LE

// Hooks allows to script endpoint behaviour per block. Before is called
// with the number of the block before it's transferred; a non-nil error is
// returned instead of the transfer.
type Hooks struct {
	Before func(block int) error

	ErrorOnClose error
}

// Capture mocks a capture device. It delivers Limit frames of constant
// Value at most one block per Interval. Zero Limit means no limit.
type Capture struct {
	counter
	Fmt      chunk.Format
	Interval time.Duration
	Limit    int
	Value    float64
	// Lost reports whether the device lost input before the block.
	Lost func(block int) bool
	Hooks

	closed bool
	adjust float64
	c      *chunk.Chunk
}

// Format returns the mocked format.
func (m *Capture) Format() chunk.Format {
	return m.Fmt
}

// SampleFormat returns FLOAT64LE.
func (m *Capture) SampleFormat() chunk.SampleFormat {
	return SampleFormat
}

// ReadBlock delivers the next block.
func (m *Capture) ReadBlock(b *device.Block) error {
	m.mu.Lock()
	messages, frames := m.messages, m.frames
	m.mu.Unlock()
	if m.Before != nil {
		if err := m.Before(messages); err != nil {
			return err
		}
	}
	if m.Limit > 0 && frames >= m.Limit {
		return io.EOF
	}
	time.Sleep(m.Interval)

	b.Overrun = m.Lost != nil && m.Lost(messages)
	n := b.Capacity(SampleFormat, m.Fmt.Channels)
	if m.Limit > 0 {
		n = min(n, m.Limit-frames)
	}
	if m.c == nil || m.c.Frames != n {
		m.c = chunk.New(m.Fmt, n)
	}
	for _, w := range m.c.Samples {
		for i := range w {
			w[i] = m.Value
		}
	}
	SampleFormat.Encode(m.c, b.Data)
	b.Frames = n
	m.advance(n)
	return nil
}

// SetRateAdjust records the factor.
func (m *Capture) SetRateAdjust(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjust = f
}

// RateAdjust returns the last recorded factor.
func (m *Capture) RateAdjust() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjust
}

// Close marks the capture closed.
func (m *Capture) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.ErrorOnClose
}

// Closed reports whether Close was called.
func (m *Capture) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Playback mocks a playback device. It accepts at most one block per
// Interval and optionally records the samples.
type Playback struct {
	counter
	Fmt      chunk.Format
	Interval time.Duration
	Discard  bool
	Hooks

	closed  bool
	samples [][]float64
	c       *chunk.Chunk
}

// Format returns the mocked format.
func (m *Playback) Format() chunk.Format {
	return m.Fmt
}

// SampleFormat returns FLOAT64LE.
func (m *Playback) SampleFormat() chunk.SampleFormat {
	return SampleFormat
}

// WriteBlock consumes the block.
func (m *Playback) WriteBlock(b *device.Block) error {
	m.mu.Lock()
	messages := m.messages
	m.mu.Unlock()
	if m.Before != nil {
		if err := m.Before(messages); err != nil {
			return err
		}
	}
	time.Sleep(m.Interval)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Discard {
		if m.c == nil || m.c.Frames != b.Frames {
			m.c = chunk.New(m.Fmt, b.Frames)
		}
		SampleFormat.Decode(b.Data[:b.Frames*SampleFormat.FrameSize(m.Fmt.Channels)], m.c)
		if m.samples == nil {
			m.samples = make([][]float64, m.Fmt.Channels)
		}
		for i := range m.samples {
			m.samples[i] = append(m.samples[i], m.c.Samples[i][:b.Frames]...)
		}
	}
	m.messages++
	m.frames += b.Frames
	return nil
}

// Samples returns a copy of recorded samples.
func (m *Playback) Samples() [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]float64, len(m.samples))
	for i := range m.samples {
		out[i] = append([]float64(nil), m.samples[i]...)
	}
	return out
}

// Close marks the playback closed.
func (m *Playback) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.ErrorOnClose
}

// Closed reports whether Close was called.
func (m *Playback) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// counter counts blocks and frames.
type counter struct {
	mu       sync.Mutex
	messages int
	frames   int
}

func (c *counter) advance(frames int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages++
	c.frames += frames
}

// Count returns the number of transferred blocks and frames.
func (c *counter) Count() (blocks, frames int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages, c.frames
}
