package file_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
	"pipelined.dev/live/device/file"
)

const frames = 160

func TestWavRoundTrip(t *testing.T) {
	tests := []struct {
		write chunk.SampleFormat
		read  chunk.SampleFormat
	}{
		{write: chunk.S16LE, read: chunk.S16LE},
		{write: chunk.S24LE3, read: chunk.S24LE4},
		{write: chunk.S32LE, read: chunk.S32LE},
	}
	format := chunk.Format{Rate: 8000, Channels: 2}
	for _, test := range tests {
		t.Run(test.write.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.wav")
			r := device.NewRegistry()
			file.Register(r)

			p, err := r.OpenPlayback(device.Config{
				Type:         file.Type,
				Path:         path,
				Format:       format,
				SampleFormat: test.write,
			})
			require.NoError(t, err)

			c := chunk.New(format, frames)
			for i := 0; i < frames; i++ {
				c.Samples[0][i] = float64(i)/frames - 0.5
				c.Samples[1][i] = -c.Samples[0][i]
			}
			b := device.NewBlock(test.write, format.Channels, frames)
			test.write.Encode(c, b.Data)
			b.Frames = frames
			// two and a half blocks
			require.NoError(t, p.WriteBlock(b))
			require.NoError(t, p.WriteBlock(b))
			b.Frames = frames / 2
			require.NoError(t, p.WriteBlock(b))
			require.NoError(t, p.Close())

			in, err := r.OpenCapture(device.Config{Type: file.Type, Path: path})
			require.NoError(t, err)
			defer in.Close()
			assert.Equal(t, format, in.Format())
			assert.Equal(t, test.read, in.SampleFormat())
			assert.Implements(t, (*device.RateAdjuster)(nil), in)

			rb := device.NewBlock(test.read, format.Channels, frames)
			got := chunk.New(format, frames)
			var total int
			for {
				err := in.ReadBlock(rb)
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				test.read.Decode(rb.Data[:rb.Frames*test.read.FrameSize(2)], got)
				for i := 0; i < rb.Frames; i++ {
					assert.InDelta(t, c.Samples[0][i], got.Samples[0][i], 1e-4)
					assert.InDelta(t, c.Samples[1][i], got.Samples[1][i], 1e-4)
				}
				total += rb.Frames
			}
			assert.Equal(t, frames*5/2, total)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage")
	for _, ext := range []string{".wav", ".mp3", ".ogg"} {
		require.NoError(t, os.WriteFile(garbage+ext, []byte("definitely not audio"), 0o644))
	}

	_, err := file.OpenCapture(device.Config{Path: garbage + ".wav"})
	assert.ErrorIs(t, err, file.ErrInvalidWav)
	_, err = file.OpenCapture(device.Config{Path: garbage + ".mp3"})
	assert.Error(t, err)
	_, err = file.OpenCapture(device.Config{Path: garbage + ".ogg"})
	assert.Error(t, err)
	_, err = file.OpenCapture(device.Config{Path: garbage + ".flac"})
	assert.ErrorIs(t, err, file.ErrUnknownExtension)
	_, err = file.OpenCapture(device.Config{Path: filepath.Join(dir, "missing.wav")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	format := chunk.Format{Rate: 8000, Channels: 1}
	_, err = file.OpenPlayback(device.Config{Path: filepath.Join(dir, "out.mp3"), Format: format})
	assert.ErrorIs(t, err, file.ErrUnknownExtension)
	_, err = file.OpenPlayback(device.Config{Path: filepath.Join(dir, "out.wav"), Format: format, SampleFormat: chunk.Float32LE})
	assert.ErrorIs(t, err, file.ErrUnsupportedBitDepth)
	_, err = file.OpenPlayback(device.Config{Path: filepath.Join(dir, "out.wav")})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)
}
