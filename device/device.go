// Package device defines the endpoints audio is captured from and played
// to. Endpoints exchange interleaved blocks in their native sample format,
// conversion to float chunks happens in the engine loops.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipelined.dev/live/chunk"
)

var (
	// ErrUnderrun is returned by capture when no data arrived within the
	// deadline.
	ErrUnderrun = errors.New("underrun")
	// ErrOverrun is returned by playback when the device didn't accept the
	// block within the deadline.
	ErrOverrun = errors.New("overrun")
	// ErrUnknownType is returned when no opener is registered for the
	// endpoint type.
	ErrUnknownType = errors.New("unknown device type")
	// ErrNotSupported is returned when the endpoint can't be opened in the
	// requested direction.
	ErrNotSupported = errors.New("not supported")
	// ErrInvalidConfig is returned when the endpoint config is incomplete.
	ErrInvalidConfig = errors.New("invalid device config")
)

type (
	// Config describes a single endpoint.
	Config struct {
		Type         string             `yaml:"type"`
		Device       string             `yaml:"device,omitempty"`
		Path         string             `yaml:"path,omitempty"`
		Format       chunk.Format       `yaml:",inline"`
		SampleFormat chunk.SampleFormat `yaml:"format,omitempty"`
		// ChunkFrames is the block size. It's filled from the devices
		// section when not set.
		ChunkFrames int           `yaml:"chunksize,omitempty"`
		Timeout     time.Duration `yaml:"timeout,omitempty"`

		// Frequency and Level configure the signal generator.
		Frequency float64 `yaml:"frequency,omitempty"`
		Level     float64 `yaml:"level,omitempty"`
	}

	// Block is an interleaved buffer exchanged with an endpoint.
	Block struct {
		Data []byte
		// Frames is the number of frames in Data that carry signal.
		Frames int
		// Overrun is set by capture when the device lost input before
		// this block.
		Overrun bool
	}

	// Endpoint is the common part of capture and playback devices.
	Endpoint interface {
		Format() chunk.Format
		SampleFormat() chunk.SampleFormat
		Close() error
	}

	// Capture delivers blocks from a device. ReadBlock returns ErrUnderrun
	// when no data arrived within the deadline and io.EOF when the stream
	// has ended.
	Capture interface {
		Endpoint
		ReadBlock(*Block) error
	}

	// Playback consumes blocks. WriteBlock returns ErrOverrun when the
	// device didn't accept the block within the deadline.
	Playback interface {
		Endpoint
		WriteBlock(*Block) error
	}

	// RateAdjuster is implemented by capture devices with an adjustable
	// clock.
	RateAdjuster interface {
		SetRateAdjust(f float64)
	}

	// Opener opens endpoints of a certain type. Either function can be nil
	// if the direction isn't supported.
	Opener struct {
		Capture  func(Config) (Capture, error)
		Playback func(Config) (Playback, error)
	}

	// Registry maps endpoint types to their openers.
	Registry struct {
		mu      sync.RWMutex
		openers map[string]Opener
	}
)

// Error is returned by endpoints when the device failed. It's fatal to the
// current run.
type Error struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewBlock allocates a block for provided shape.
func NewBlock(sf chunk.SampleFormat, channels, frames int) *Block {
	return &Block{
		Data: make([]byte, sf.FrameSize(channels)*frames),
	}
}

// Capacity returns the number of frames the block can hold.
func (b *Block) Capacity(sf chunk.SampleFormat, channels int) int {
	if fs := sf.FrameSize(channels); fs > 0 {
		return len(b.Data) / fs
	}
	return 0
}

// Name returns the name used in logs and errors.
func (c Config) Name() string {
	switch {
	case c.Device != "":
		return c.Type + ":" + c.Device
	case c.Path != "":
		return c.Type + ":" + c.Path
	}
	return c.Type
}

// NewRegistry returns a registry with null and signal endpoints.
func NewRegistry() *Registry {
	r := &Registry{openers: map[string]Opener{}}
	r.Register("null", Opener{
		Capture:  func(c Config) (Capture, error) { return NewNullCapture(c) },
		Playback: func(c Config) (Playback, error) { return NewNullPlayback(c) },
	})
	r.Register("signal", Opener{
		Capture: func(c Config) (Capture, error) { return NewSignal(c) },
	})
	return r
}

// Register adds opener for the type. Existing opener is replaced.
func (r *Registry) Register(typ string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[typ] = o
}

// Types returns registered endpoint types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.openers))
	for t := range r.openers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// OpenCapture opens a capture endpoint.
func (r *Registry) OpenCapture(c Config) (Capture, error) {
	o, err := r.opener(c.Type)
	if err != nil {
		return nil, &Error{Endpoint: c.Name(), Op: "open capture", Err: err}
	}
	if o.Capture == nil {
		return nil, &Error{Endpoint: c.Name(), Op: "open capture", Err: ErrNotSupported}
	}
	d, err := o.Capture(c)
	if err != nil {
		return nil, wrap(c, "open capture", err)
	}
	return d, nil
}

// OpenPlayback opens a playback endpoint.
func (r *Registry) OpenPlayback(c Config) (Playback, error) {
	o, err := r.opener(c.Type)
	if err != nil {
		return nil, &Error{Endpoint: c.Name(), Op: "open playback", Err: err}
	}
	if o.Playback == nil {
		return nil, &Error{Endpoint: c.Name(), Op: "open playback", Err: ErrNotSupported}
	}
	d, err := o.Playback(c)
	if err != nil {
		return nil, wrap(c, "open playback", err)
	}
	return d, nil
}

func (r *Registry) opener(typ string) (Opener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.openers[typ]
	if !ok {
		return Opener{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return o, nil
}

func wrap(c Config, op string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Endpoint: c.Name(), Op: op, Err: err}
}
