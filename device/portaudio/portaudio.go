// Package portaudio provides hardware endpoints through PortAudio blocking
// streams. Samples are exchanged with PortAudio as 32 bit floats.
package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gordonklaus/portaudio"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
)

// Type is the registry name of PortAudio endpoints.
const Type = "portaudio"

// ErrDeviceNotFound is returned when no device has the configured name.
var ErrDeviceNotFound = errors.New("device not found")

// Register adds PortAudio endpoints to the registry.
func Register(r *device.Registry) {
	r.Register(Type, device.Opener{
		Capture:  func(c device.Config) (device.Capture, error) { return OpenCapture(c) },
		Playback: func(c device.Config) (device.Playback, error) { return OpenPlayback(c) },
	})
}

type stream struct {
	name   string
	format chunk.Format
	frames int
	buf    []float32
	stream *portaudio.Stream
}

func (s *stream) Format() chunk.Format {
	return s.format
}

// SampleFormat is always FLOAT32LE.
func (s *stream) SampleFormat() chunk.SampleFormat {
	return chunk.Float32LE
}

// Close stops the stream and terminates portaudio. The stream is closed
// even if it failed to stop.
func (s *stream) Close() error {
	return errors.Join(
		s.stream.Stop(),
		s.stream.Close(),
		portaudio.Terminate(),
	)
}

// open initializes portaudio and starts a blocking stream on the device.
func open(c device.Config, input bool) (*stream, error) {
	if c.Format.Rate <= 0 || c.Format.Channels <= 0 || c.ChunkFrames <= 0 {
		return nil, device.ErrInvalidConfig
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	s, err := openStream(c, input)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return s, nil
}

func openStream(c device.Config, input bool) (*stream, error) {
	info, err := lookup(c.Device, input)
	if err != nil {
		return nil, err
	}
	s := &stream{
		name:   c.Name(),
		format: c.Format,
		frames: c.ChunkFrames,
		buf:    make([]float32, c.ChunkFrames*c.Format.Channels),
	}
	var params portaudio.StreamParameters
	if input {
		params = portaudio.LowLatencyParameters(info, nil)
		params.Input.Channels = c.Format.Channels
	} else {
		params = portaudio.LowLatencyParameters(nil, info)
		params.Output.Channels = c.Format.Channels
	}
	params.SampleRate = float64(c.Format.Rate)
	params.FramesPerBuffer = c.ChunkFrames
	s.stream, err = portaudio.OpenStream(params, &s.buf)
	if err != nil {
		return nil, err
	}
	if err = s.stream.Start(); err != nil {
		s.stream.Close()
		return nil, err
	}
	return s, nil
}

// lookup finds the device by name. Empty name selects the default device.
func lookup(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// Capture reads from an input device.
type Capture struct {
	*stream
}

// OpenCapture opens the input device.
func OpenCapture(c device.Config) (*Capture, error) {
	s, err := open(c, true)
	if err != nil {
		return nil, err
	}
	return &Capture{stream: s}, nil
}

// ReadBlock blocks until the device delivered a buffer. Input overflow
// reported by the device is not fatal, the data is delivered with the
// block flagged as overrun.
func (c *Capture) ReadBlock(b *device.Block) error {
	err := c.stream.stream.Read()
	switch {
	case errors.Is(err, portaudio.InputOverflowed):
		b.Overrun = true
	case err != nil:
		return err
	}
	frames := min(c.frames, b.Capacity(chunk.Float32LE, c.format.Channels))
	for i, v := range c.buf[:frames*c.format.Channels] {
		binary.LittleEndian.PutUint32(b.Data[i*4:], math.Float32bits(v))
	}
	b.Frames = frames
	return nil
}

// Playback writes to an output device.
type Playback struct {
	*stream
}

// OpenPlayback opens the output device.
func OpenPlayback(c device.Config) (*Playback, error) {
	s, err := open(c, false)
	if err != nil {
		return nil, err
	}
	return &Playback{stream: s}, nil
}

// WriteBlock writes the block to the device. Frames after the valid part
// of the block are played as silence. Output underflow is reported as
// device.ErrUnderrun.
func (p *Playback) WriteBlock(b *device.Block) error {
	n := min(b.Frames, p.frames) * p.format.Channels
	for i := range p.buf[:n] {
		p.buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:]))
	}
	clear(p.buf[n:])
	err := p.stream.stream.Write()
	if errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("%s: %w", p.name, device.ErrUnderrun)
	}
	return err
}
