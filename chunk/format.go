package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// SampleFormat is a device-native interleaved sample encoding. Conversion
// to and from float happens only at the device boundary.
type SampleFormat int

const (
	// S16LE is signed 16 bit little endian.
	S16LE SampleFormat = iota + 1
	// S24LE3 is signed 24 bit little endian packed in 3 bytes.
	S24LE3
	// S24LE4 is signed 24 bit little endian padded to 4 bytes.
	S24LE4
	// S32LE is signed 32 bit little endian.
	S32LE
	// Float32LE is 32 bit float little endian.
	Float32LE
	// Float64LE is 64 bit float little endian.
	Float64LE
)

// ErrUnknownSampleFormat is returned when sample format name is not known.
var ErrUnknownSampleFormat = errors.New("unknown sample format")

var sampleFormatNames = map[SampleFormat]string{
	S16LE:     "S16LE",
	S24LE3:    "S24LE3",
	S24LE4:    "S24LE",
	S32LE:     "S32LE",
	Float32LE: "FLOAT32LE",
	Float64LE: "FLOAT64LE",
}

// ParseSampleFormat returns sample format for its name.
func ParseSampleFormat(s string) (SampleFormat, error) {
	for f, name := range sampleFormatNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSampleFormat, s)
}

func (f SampleFormat) String() string {
	if name, ok := sampleFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f SampleFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *SampleFormat) UnmarshalText(text []byte) error {
	v, err := ParseSampleFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// BytesPerSample returns size of a single sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case S16LE:
		return 2
	case S24LE3:
		return 3
	case S24LE4, S32LE, Float32LE:
		return 4
	case Float64LE:
		return 8
	}
	return 0
}

// BitDepth returns the number of significant bits.
func (f SampleFormat) BitDepth() int {
	switch f {
	case S16LE:
		return 16
	case S24LE3, S24LE4:
		return 24
	case S32LE, Float32LE:
		return 32
	case Float64LE:
		return 64
	}
	return 0
}

// IsFloat reports whether the format is a float format.
func (f SampleFormat) IsFloat() bool {
	return f == Float32LE || f == Float64LE
}

// FrameSize returns size of one interleaved frame in bytes.
func (f SampleFormat) FrameSize(channels int) int {
	return f.BytesPerSample() * channels
}

// scale returns the multiplier between float and integer representation.
func (f SampleFormat) scale() float64 {
	return math.Exp2(float64(f.BitDepth() - 1))
}

// Decode converts interleaved data into the chunk. Number of decoded frames
// is limited by the chunk capacity and returned. Valid is set to that
// number.
func (f SampleFormat) Decode(data []byte, c *Chunk) int {
	channels := len(c.Samples)
	frameSize := f.FrameSize(channels)
	if frameSize == 0 {
		c.Valid = 0
		return 0
	}
	frames := min(len(data)/frameSize, c.Frames)
	bps := f.BytesPerSample()
	inv := 1 / f.scale()
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			b := data[i*frameSize+ch*bps:]
			var v float64
			switch f {
			case S16LE:
				v = float64(int16(binary.LittleEndian.Uint16(b))) * inv
			case S24LE3:
				raw := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
				v = float64(raw) * inv
			case S24LE4:
				raw := int32(binary.LittleEndian.Uint32(b)<<8) >> 8
				v = float64(raw) * inv
			case S32LE:
				v = float64(int32(binary.LittleEndian.Uint32(b))) * inv
			case Float32LE:
				v = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			case Float64LE:
				v = math.Float64frombits(binary.LittleEndian.Uint64(b))
			}
			c.Samples[ch][i] = v
		}
	}
	c.Valid = frames
	return frames
}

// Encode converts valid frames of the chunk into interleaved data. Integer
// formats clamp to the representable range; the number of clamped samples
// is returned.
func (f SampleFormat) Encode(c *Chunk, data []byte) (clipped int) {
	channels := len(c.Samples)
	frameSize := f.FrameSize(channels)
	if frameSize == 0 {
		return 0
	}
	frames := min(len(data)/frameSize, c.Valid)
	bps := f.BytesPerSample()
	scale := f.scale()
	maxInt := scale - 1
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			b := data[i*frameSize+ch*bps:]
			v := c.Samples[ch][i]
			switch f {
			case Float32LE:
				binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
				continue
			case Float64LE:
				binary.LittleEndian.PutUint64(b, math.Float64bits(v))
				continue
			}
			s := math.Round(v * scale)
			switch {
			case s > maxInt:
				s = maxInt
				clipped++
			case s < -scale:
				s = -scale
				clipped++
			case s != s: // NaN
				s = 0
				clipped++
			}
			switch f {
			case S16LE:
				binary.LittleEndian.PutUint16(b, uint16(int16(s)))
			case S24LE3:
				u := uint32(int32(s))
				b[0], b[1], b[2] = byte(u), byte(u>>8), byte(u>>16)
			case S24LE4:
				binary.LittleEndian.PutUint32(b, uint32(int32(s))&0x00ffffff)
			case S32LE:
				binary.LittleEndian.PutUint32(b, uint32(int32(s)))
			}
		}
	}
	// zero the tail if chunk had less valid frames than the block
	clear(data[frames*frameSize:])
	return clipped
}
