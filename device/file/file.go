// Package file provides endpoints backed by audio files. WAV files can be
// captured and played, MP3 and Ogg Vorbis files can only be captured.
// Capture is paced by a real-time clock, so a file behaves like a device.
package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
)

var (
	// ErrUnsupportedBitDepth is returned when wav bit depth isn't one of
	// 16, 24 or 32.
	ErrUnsupportedBitDepth = errors.New("only 16, 24 and 32 bit depth is supported")
	// ErrInvalidWav is returned when the file is not a valid PCM wav.
	ErrInvalidWav = errors.New("wav is not valid")
	// ErrUnknownExtension is returned when the file type can't be inferred.
	ErrUnknownExtension = errors.New("unknown file extension")
)

// Type is the registry name of file endpoints.
const Type = "file"

// Register adds file endpoints to the registry.
func Register(r *device.Registry) {
	r.Register(Type, device.Opener{
		Capture:  func(c device.Config) (device.Capture, error) { return OpenCapture(c) },
		Playback: func(c device.Config) (device.Playback, error) { return OpenPlayback(c) },
	})
}

// OpenCapture opens a file for capture. The decoder is picked by the file
// extension.
func OpenCapture(c device.Config) (device.Capture, error) {
	var (
		d   device.Capture
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(c.Path)); ext {
	case ".wav":
		d, err = openWav(c.Path)
	case ".mp3":
		d, err = openMp3(c.Path)
	case ".ogg", ".oga":
		d, err = openOgg(c.Path)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownExtension, ext)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// capture is the part shared by all file decoders.
type capture struct {
	file         *os.File
	format       chunk.Format
	sampleFormat chunk.SampleFormat
	clock        *device.Clock
}

func newCapture(f *os.File, format chunk.Format, sf chunk.SampleFormat) capture {
	return capture{
		file:         f,
		format:       format,
		sampleFormat: sf,
		clock:        device.NewClock(format.Rate),
	}
}

func (c *capture) Format() chunk.Format {
	return c.format
}

func (c *capture) SampleFormat() chunk.SampleFormat {
	return c.sampleFormat
}

// SetRateAdjust changes the pace of the capture.
func (c *capture) SetRateAdjust(f float64) {
	c.clock.SetAdjust(f)
}

// Close closes the file.
func (c *capture) Close() error {
	return c.file.Close()
}

// deliver finishes the read of n frames.
func (c *capture) deliver(b *device.Block, frames int) error {
	if frames == 0 {
		return io.EOF
	}
	b.Frames = frames
	clear(b.Data[frames*c.sampleFormat.FrameSize(c.format.Channels):])
	c.clock.Wait(frames)
	return nil
}

// WavCapture reads PCM wav files.
type WavCapture struct {
	capture
	decoder *wav.Decoder
	ib      *audio.IntBuffer
}

func openWav(path string) (*WavCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() || decoder.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrInvalidWav, path)
	}
	sf, err := intFormat(int(decoder.BitDepth))
	if err != nil {
		f.Close()
		return nil, err
	}
	format := chunk.Format{
		Rate:     int(decoder.SampleRate),
		Channels: int(decoder.NumChans),
	}
	return &WavCapture{
		capture: newCapture(f, format, sf),
		decoder: decoder,
		ib: &audio.IntBuffer{
			Format:         decoder.Format(),
			SourceBitDepth: int(decoder.BitDepth),
		},
	}, nil
}

// ReadBlock reads the next block of samples. Samples keep their native
// bit depth.
func (w *WavCapture) ReadBlock(b *device.Block) error {
	size := b.Capacity(w.sampleFormat, w.format.Channels) * w.format.Channels
	if cap(w.ib.Data) < size {
		w.ib.Data = make([]int, size)
	}
	w.ib.Data = w.ib.Data[:size]
	n, err := w.decoder.PCMBuffer(w.ib)
	if err != nil && err != io.EOF {
		return err
	}
	putInts(w.sampleFormat, w.ib.Data[:n], b.Data)
	return w.deliver(b, n/w.format.Channels)
}

// Mp3Capture decodes mp3 files. The decoder always produces 16 bit stereo.
type Mp3Capture struct {
	capture
	decoder *gomp3.Decoder
}

func openMp3(path string) (*Mp3Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	decoder, err := gomp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mp3 %s: %w", path, err)
	}
	format := chunk.Format{Rate: decoder.SampleRate(), Channels: 2}
	return &Mp3Capture{
		capture: newCapture(f, format, chunk.S16LE),
		decoder: decoder,
	}, nil
}

// ReadBlock decodes the next block of samples.
func (m *Mp3Capture) ReadBlock(b *device.Block) error {
	frameSize := m.sampleFormat.FrameSize(m.format.Channels)
	size := b.Capacity(m.sampleFormat, m.format.Channels) * frameSize
	n, err := io.ReadFull(m.decoder, b.Data[:size])
	switch {
	case err == io.EOF, err == io.ErrUnexpectedEOF:
	case err != nil:
		return err
	}
	return m.deliver(b, n/frameSize)
}

// OggCapture decodes Ogg Vorbis files into 32 bit floats.
type OggCapture struct {
	capture
	reader *oggvorbis.Reader
	buf    []float32
}

func openOgg(path string) (*OggCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ogg %s: %w", path, err)
	}
	format := chunk.Format{Rate: reader.SampleRate(), Channels: reader.Channels()}
	return &OggCapture{
		capture: newCapture(f, format, chunk.Float32LE),
		reader:  reader,
	}, nil
}

// ReadBlock decodes the next block of samples.
func (o *OggCapture) ReadBlock(b *device.Block) error {
	size := b.Capacity(o.sampleFormat, o.format.Channels) * o.format.Channels
	if cap(o.buf) < size {
		o.buf = make([]float32, size)
	}
	o.buf = o.buf[:size]
	read := 0
	for read < size {
		n, err := o.reader.Read(o.buf[read:])
		read += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	read -= read % o.format.Channels
	for i, v := range o.buf[:read] {
		binary.LittleEndian.PutUint32(b.Data[i*4:], math.Float32bits(v))
	}
	return o.deliver(b, read/o.format.Channels)
}

// WavPlayback writes blocks into a PCM wav file.
type WavPlayback struct {
	file         *os.File
	encoder      *wav.Encoder
	format       chunk.Format
	sampleFormat chunk.SampleFormat
	ib           *audio.IntBuffer
}

// OpenPlayback creates the wav file. Sample format defaults to S16LE.
func OpenPlayback(c device.Config) (*WavPlayback, error) {
	if ext := strings.ToLower(filepath.Ext(c.Path)); ext != ".wav" {
		return nil, fmt.Errorf("%w: %q, only wav can be written", ErrUnknownExtension, ext)
	}
	if c.Format.Rate <= 0 || c.Format.Channels <= 0 {
		return nil, device.ErrInvalidConfig
	}
	sf := c.SampleFormat
	if sf == 0 {
		sf = chunk.S16LE
	}
	if sf.IsFloat() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBitDepth, sf)
	}
	f, err := os.Create(c.Path)
	if err != nil {
		return nil, err
	}
	return &WavPlayback{
		file:         f,
		encoder:      wav.NewEncoder(f, c.Format.Rate, sf.BitDepth(), c.Format.Channels, 1),
		format:       c.Format,
		sampleFormat: sf,
		ib: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: c.Format.Channels,
				SampleRate:  c.Format.Rate,
			},
			SourceBitDepth: sf.BitDepth(),
		},
	}, nil
}

func (w *WavPlayback) Format() chunk.Format {
	return w.format
}

func (w *WavPlayback) SampleFormat() chunk.SampleFormat {
	return w.sampleFormat
}

// WriteBlock appends the valid frames of the block to the file.
func (w *WavPlayback) WriteBlock(b *device.Block) error {
	size := b.Frames * w.format.Channels
	if cap(w.ib.Data) < size {
		w.ib.Data = make([]int, size)
	}
	w.ib.Data = w.ib.Data[:size]
	getInts(w.sampleFormat, b.Data, w.ib.Data)
	return w.encoder.Write(w.ib)
}

// Close finalizes the header and closes the file.
func (w *WavPlayback) Close() error {
	if err := w.encoder.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func intFormat(bitDepth int) (chunk.SampleFormat, error) {
	switch bitDepth {
	case 16:
		return chunk.S16LE, nil
	case 24:
		return chunk.S24LE4, nil
	case 32:
		return chunk.S32LE, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
}

// putInts writes integer samples in the native encoding.
func putInts(sf chunk.SampleFormat, samples []int, data []byte) {
	bps := sf.BytesPerSample()
	for i, v := range samples {
		b := data[i*bps:]
		switch sf {
		case chunk.S16LE:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case chunk.S24LE3:
			u := uint32(int32(v))
			b[0], b[1], b[2] = byte(u), byte(u>>8), byte(u>>16)
		case chunk.S24LE4:
			binary.LittleEndian.PutUint32(b, uint32(int32(v))&0x00ffffff)
		case chunk.S32LE:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		}
	}
}

// getInts reads integer samples from the native encoding.
func getInts(sf chunk.SampleFormat, data []byte, samples []int) {
	bps := sf.BytesPerSample()
	for i := range samples {
		b := data[i*bps:]
		switch sf {
		case chunk.S16LE:
			samples[i] = int(int16(binary.LittleEndian.Uint16(b)))
		case chunk.S24LE3:
			samples[i] = int(int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8)
		case chunk.S24LE4:
			samples[i] = int(int32(binary.LittleEndian.Uint32(b)<<8) >> 8)
		case chunk.S32LE:
			samples[i] = int(int32(binary.LittleEndian.Uint32(b)))
		}
	}
}
