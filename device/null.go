package device

import (
	"math"
	"sync"
	"time"

	"pipelined.dev/live/chunk"
)

// maxLag is how far a clock may fall behind before it's rebased instead of
// catching up with a burst of blocks.
const maxLag = 500 * time.Millisecond

// Clock paces endpoints that have no hardware clock. Rate of the clock can
// be adjusted while it's running.
type Clock struct {
	mu     sync.Mutex
	rate   float64
	adjust float64
	epoch  time.Time
	frames int64
}

// NewClock returns a clock running at the sample rate.
func NewClock(rate int) *Clock {
	return &Clock{rate: float64(rate), adjust: 1}
}

// Wait blocks until the frames are due.
func (c *Clock) Wait(frames int) {
	c.mu.Lock()
	now := time.Now()
	if c.epoch.IsZero() {
		c.epoch = now
	}
	c.frames += int64(frames)
	deadline := c.epoch.Add(c.elapsed())
	if now.Sub(deadline) > maxLag {
		c.epoch, c.frames = now, 0
		deadline = now
	}
	c.mu.Unlock()
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

func (c *Clock) elapsed() time.Duration {
	return time.Duration(float64(c.frames) / (c.rate * c.adjust) * float64(time.Second))
}

// SetAdjust scales the pace of the clock.
func (c *Clock) SetAdjust(f float64) {
	if f <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.epoch.IsZero() {
		c.epoch = c.epoch.Add(c.elapsed())
		c.frames = 0
	}
	c.adjust = f
}

func checkFormat(c *Config) error {
	if c.Format.Rate <= 0 || c.Format.Channels <= 0 {
		return &Error{Endpoint: c.Name(), Op: "configure", Err: ErrInvalidConfig}
	}
	if c.SampleFormat == 0 {
		c.SampleFormat = chunk.Float32LE
	}
	return nil
}

type endpoint struct {
	format       chunk.Format
	sampleFormat chunk.SampleFormat
}

func (e endpoint) Format() chunk.Format {
	return e.format
}

func (e endpoint) SampleFormat() chunk.SampleFormat {
	return e.sampleFormat
}

// NullCapture delivers silence at the configured rate.
type NullCapture struct {
	endpoint
	clock *Clock
}

// NewNullCapture returns a silent capture endpoint.
func NewNullCapture(c Config) (*NullCapture, error) {
	if err := checkFormat(&c); err != nil {
		return nil, err
	}
	return &NullCapture{
		endpoint: endpoint{format: c.Format, sampleFormat: c.SampleFormat},
		clock:    NewClock(c.Format.Rate),
	}, nil
}

// ReadBlock fills the block with silence.
func (n *NullCapture) ReadBlock(b *Block) error {
	clear(b.Data)
	b.Frames = b.Capacity(n.sampleFormat, n.format.Channels)
	n.clock.Wait(b.Frames)
	return nil
}

// SetRateAdjust changes the pace of the capture clock.
func (n *NullCapture) SetRateAdjust(f float64) {
	n.clock.SetAdjust(f)
}

// Close does nothing.
func (n *NullCapture) Close() error {
	return nil
}

// NullPlayback discards blocks at the configured rate.
type NullPlayback struct {
	endpoint
	clock *Clock
}

// NewNullPlayback returns a discarding playback endpoint.
func NewNullPlayback(c Config) (*NullPlayback, error) {
	if err := checkFormat(&c); err != nil {
		return nil, err
	}
	return &NullPlayback{
		endpoint: endpoint{format: c.Format, sampleFormat: c.SampleFormat},
		clock:    NewClock(c.Format.Rate),
	}, nil
}

// WriteBlock discards the block.
func (n *NullPlayback) WriteBlock(b *Block) error {
	n.clock.Wait(b.Frames)
	return nil
}

// Close does nothing.
func (n *NullPlayback) Close() error {
	return nil
}

// Signal is a capture endpoint that generates a sine wave.
type Signal struct {
	endpoint
	clock *Clock
	step  float64
	phase float64
	amp   float64
	c     *chunk.Chunk
}

// NewSignal returns a sine generator. Frequency defaults to 1 kHz, level is
// in dBFS.
func NewSignal(c Config) (*Signal, error) {
	if err := checkFormat(&c); err != nil {
		return nil, err
	}
	freq := c.Frequency
	if freq == 0 {
		freq = 1000
	}
	if freq < 0 || freq >= float64(c.Format.Rate)/2 {
		return nil, &Error{Endpoint: c.Name(), Op: "configure", Err: ErrInvalidConfig}
	}
	return &Signal{
		endpoint: endpoint{format: c.Format, sampleFormat: c.SampleFormat},
		clock:    NewClock(c.Format.Rate),
		step:     2 * math.Pi * freq / float64(c.Format.Rate),
		amp:      math.Pow(10, c.Level/20),
	}, nil
}

// ReadBlock fills the block with the next part of the wave.
func (s *Signal) ReadBlock(b *Block) error {
	frames := b.Capacity(s.sampleFormat, s.format.Channels)
	if s.c == nil || s.c.Frames != frames {
		s.c = chunk.New(s.format, frames)
	}
	for i := 0; i < frames; i++ {
		v := s.amp * math.Sin(s.phase)
		for _, w := range s.c.Samples {
			w[i] = v
		}
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	s.c.Valid = frames
	s.sampleFormat.Encode(s.c, b.Data)
	b.Frames = frames
	s.clock.Wait(frames)
	return nil
}

// SetRateAdjust changes the pace of the generator clock.
func (s *Signal) SetRateAdjust(f float64) {
	s.clock.SetAdjust(f)
}

// Close does nothing.
func (s *Signal) Close() error {
	return nil
}
