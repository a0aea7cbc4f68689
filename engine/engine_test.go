package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
	"pipelined.dev/live/engine"
	"pipelined.dev/live/internal/mock"
	"pipelined.dev/live/internal/runtime"
	"pipelined.dev/live/pipeline"
	"pipelined.dev/live/resample"
)

const frames = 64

var stereo = chunk.Format{Rate: 48000, Channels: 2}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func gainPipeline(t *testing.T, db float64) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Compile(pipeline.Spec{
		Input:  stereo,
		Output: stereo,
		Stages: []pipeline.StageSpec{{Kind: pipeline.KindGain, Gain: &pipeline.GainParameters{Gain: db}}},
	}, frames)
	require.NoError(t, err)
	return p
}

// run starts the engine and makes sure it's stopped and closed when the
// test ends.
func run(t *testing.T, e *engine.Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		e.Cancel()
		<-e.Done()
		e.Close()
	})
}

func wait(t *testing.T, e *engine.Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine didn't stop")
	}
}

func last(p *mock.Playback) float64 {
	s := p.Samples()
	if len(s) == 0 || len(s[0]) == 0 {
		return math.NaN()
	}
	return s[0][len(s[0])-1]
}

func TestGainEndToEnd(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Limit: 20 * frames, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      64,
		PushWait:        time.Second,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, -6))
	require.NoError(t, err)
	run(t, e)
	wait(t, e)

	require.NoError(t, e.Err())
	samples := playback.Samples()
	require.Len(t, samples, 2)
	assert.Len(t, samples[0], 20*frames)
	expected := 0.5 * math.Pow(10, -6.0/20)
	for _, w := range samples {
		for _, v := range w {
			assert.InDelta(t, expected, v, 1e-9)
		}
	}
	s := e.Stats()
	assert.Equal(t, int64(20), s.Chunks)
	assert.Zero(t, s.Underruns)
	assert.Zero(t, s.Overruns)

	require.NoError(t, e.Close())
	assert.True(t, capture.Closed())
	assert.True(t, playback.Closed())
}

func TestPartialLastChunk(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Limit: 2*frames + 10, Value: 0.25}
	playback := &mock.Playback{Fmt: stereo}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      8,
		PushWait:        time.Second,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	wait(t, e)

	require.NoError(t, e.Err())
	_, played := playback.Count()
	assert.GreaterOrEqual(t, played, 2*frames+10)
}

func TestUnderrunPlaysSilence(t *testing.T) {
	// capture reads one block per played block, except after block 3,
	// so playback misses exactly one chunk
	feed := make(chan struct{}, 16)
	stop := make(chan struct{})
	feed <- struct{}{}
	capture := &mock.Capture{
		Fmt:   stereo,
		Limit: 10 * frames,
		Value: 0.5,
		Hooks: mock.Hooks{
			Before: func(int) error {
				select {
				case <-feed:
				case <-stop:
				}
				return nil
			},
		},
	}
	playback := &mock.Playback{
		Fmt: stereo,
		Hooks: mock.Hooks{
			Before: func(block int) error {
				if block != 3 {
					feed <- struct{}{}
				}
				return nil
			},
		},
	}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      16,
		PushWait:        time.Second,
		PlaybackTimeout: 100 * time.Millisecond,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	t.Cleanup(func() { close(stop) })
	wait(t, e)

	require.NoError(t, e.Err())
	assert.Equal(t, int64(1), e.Stats().Underruns)
	blocks, _ := playback.Count()
	assert.Equal(t, 11, blocks)

	samples := playback.Samples()
	var zeros, values int
	for _, v := range samples[0] {
		switch v {
		case 0:
			zeros++
		case 0.5:
			values++
		}
	}
	assert.Equal(t, frames, zeros)
	assert.Equal(t, 10*frames, values)
}

func TestPlaybackStallFillsQueue(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Interval: 2 * time.Millisecond, Value: 0.5}
	playback := &mock.Playback{
		Fmt:     stereo,
		Discard: true,
		Hooks: mock.Hooks{
			Before: func(int) error {
				time.Sleep(2 * time.Millisecond)
				return device.ErrOverrun
			},
		},
	}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      4,
		PushWait:        time.Millisecond,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)

	assert.Eventually(t, func() bool {
		s := e.Stats()
		return s.Overruns > 0 && s.BufferLevel == 1
	}, 2*time.Second, 5*time.Millisecond)
	s := e.Stats()
	assert.Positive(t, s.PlaybackStalls)
	// one chunk retried by playback, a full queue and one waiting in
	// processing
	assert.LessOrEqual(t, s.Chunks, int64(6))
	blocks, _ := playback.Count()
	assert.Zero(t, blocks)
}

func TestInputLost(t *testing.T) {
	capture := &mock.Capture{
		Fmt:   stereo,
		Limit: 5 * frames,
		Value: 0.5,
		Lost:  func(block int) bool { return block == 2 },
	}
	playback := &mock.Playback{Fmt: stereo, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      16,
		PushWait:        time.Second,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	wait(t, e)

	require.NoError(t, e.Err())
	s := e.Stats()
	assert.Equal(t, int64(1), s.Overruns)
	assert.Equal(t, int64(5), s.Chunks)
}

func TestOverrunDropsOldest(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo, Interval: 5 * time.Millisecond, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      2,
		PushWait:        100 * time.Microsecond,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)

	assert.Eventually(t, func() bool {
		return e.Stats().Overruns > 0
	}, 2*time.Second, 5*time.Millisecond)

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func rateConfig() engine.RateConfig {
	return engine.RateConfig{
		Enabled:  true,
		Period:   2,
		Target:   0.5,
		BandLow:  0.4,
		BandHigh: 0.6,
		Gain:     0.1,
		MaxStep:  0.01,
		MaxDrift: 0.05,
	}
}

func TestRateAdjustCapture(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo, Interval: 2 * time.Millisecond, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      4,
		PushWait:        10 * time.Millisecond,
		PlaybackTimeout: time.Second,
		Rate:            rateConfig(),
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)

	// playback is the slow side, queue stays full
	assert.Eventually(t, func() bool {
		f := capture.RateAdjust()
		return f > 0 && f < 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, e.Stats().RateAdjust, 1.0)
	assert.Greater(t, e.Stats().RateAdjust, 0.94)

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func TestRateAdjustResampler(t *testing.T) {
	in := chunk.Format{Rate: 44100, Channels: 2}
	p, err := pipeline.Compile(pipeline.Spec{
		Input:  in,
		Output: stereo,
		Stages: []pipeline.StageSpec{{
			Kind:      pipeline.KindResampler,
			Resampler: &resample.Parameters{Mode: resample.Adaptive, RateOut: stereo.Rate},
		}},
	}, frames)
	require.NoError(t, err)

	capture := &mock.Capture{Fmt: in, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo, Interval: 2 * time.Millisecond, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      4,
		PushWait:        10 * time.Millisecond,
		PlaybackTimeout: time.Second,
		Rate:            rateConfig(),
	}, capture, playback, p)
	require.NoError(t, err)
	run(t, e)

	assert.Eventually(t, func() bool {
		return e.Stats().RateAdjust < 1
	}, 2*time.Second, 5*time.Millisecond)
	// resampler takes the adjustment, capture clock is left alone
	assert.Zero(t, capture.RateAdjust())

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

// fixedClock hides the rate adjustment of the capture.
type fixedClock struct {
	device.Capture
}

func TestRateAdjustUnused(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo, Interval: 2 * time.Millisecond, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      4,
		PushWait:        10 * time.Millisecond,
		PlaybackTimeout: time.Second,
		Rate:            rateConfig(),
	}, fixedClock{capture}, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)

	// queue stays full, but nothing can take the correction
	assert.Eventually(t, func() bool {
		blocks, _ := playback.Count()
		return blocks >= 20
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, e.Stats().RateAdjust)
	assert.Zero(t, capture.RateAdjust())

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func TestDeviceError(t *testing.T) {
	boom := errors.New("boom")
	capture := &mock.Capture{
		Fmt: stereo,
		Hooks: mock.Hooks{
			Before: func(block int) error {
				if block == 2 {
					return boom
				}
				return nil
			},
		},
	}
	playback := &mock.Playback{Fmt: stereo, Discard: true}
	e, err := engine.New(engine.Config{ChunkFrames: frames}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	wait(t, e)

	err = e.Err()
	assert.ErrorIs(t, err, boom)
	var de *device.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "capture", de.Endpoint)
	assert.Equal(t, "read", de.Op)
}

func TestPanic(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Interval: time.Millisecond}
	playback := &mock.Playback{
		Fmt:     stereo,
		Discard: true,
		Hooks: mock.Hooks{
			Before: func(block int) error {
				if block == 1 {
					panic("playback exploded")
				}
				return nil
			},
		},
	}
	e, err := engine.New(engine.Config{ChunkFrames: frames}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	wait(t, e)

	var pe *runtime.PanicError
	require.ErrorAs(t, e.Err(), &pe)
	assert.Equal(t, "playback exploded", pe.Value)
}

func TestDeviceTimeouts(t *testing.T) {
	capture := &mock.Capture{
		Fmt:   stereo,
		Limit: 4 * frames,
		Hooks: mock.Hooks{
			Before: func(block int) error {
				if block == 1 {
					time.Sleep(time.Millisecond)
					return device.ErrUnderrun
				}
				return nil
			},
		},
	}
	playback := &mock.Playback{
		Fmt:     stereo,
		Discard: true,
		Hooks: mock.Hooks{
			Before: func(block int) error {
				if block == 0 {
					return device.ErrOverrun
				}
				return nil
			},
		},
	}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		PrimeChunks:     1,
		QueueLimit:      8,
		PushWait:        time.Second,
		PlaybackTimeout: time.Second,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)

	// the failing blocks are retried until the hook stops failing, so
	// the run never ends on its own
	assert.Eventually(t, func() bool {
		s := e.Stats()
		return s.CaptureTimeouts > 0 && s.PlaybackStalls > 0
	}, 2*time.Second, 5*time.Millisecond)
	e.Cancel()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func TestSwap(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Interval: time.Millisecond, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo}
	first := gainPipeline(t, 0)
	e, err := engine.New(engine.Config{ChunkFrames: frames, PlaybackTimeout: time.Second}, capture, playback, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), e.PipelineID())
	run(t, e)

	assert.Eventually(t, func() bool {
		return last(playback) == 0.5
	}, 2*time.Second, 5*time.Millisecond)

	second := gainPipeline(t, -6)
	require.NoError(t, e.Swap(context.Background(), second))
	assert.Equal(t, second.ID(), e.PipelineID())
	expected := 0.5 * math.Pow(10, -6.0/20)
	assert.Eventually(t, func() bool {
		return math.Abs(last(playback)-expected) < 1e-9
	}, 2*time.Second, 5*time.Millisecond)

	mono, err := pipeline.Compile(pipeline.Spec{
		Input:  chunk.Format{Rate: 48000, Channels: 1},
		Output: chunk.Format{Rate: 48000, Channels: 1},
		Stages: []pipeline.StageSpec{{Kind: pipeline.KindGain, Gain: &pipeline.GainParameters{}}},
	}, frames)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Swap(context.Background(), mono), engine.ErrFormatMismatch)
	assert.Equal(t, second.ID(), e.PipelineID())

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
	assert.ErrorIs(t, e.Swap(context.Background(), gainPipeline(t, 0)), engine.ErrNotRunning)
}

func resampled(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Compile(pipeline.Spec{
		Input:  chunk.Format{Rate: 44100, Channels: 2},
		Output: stereo,
		Stages: []pipeline.StageSpec{{
			Kind:      pipeline.KindResampler,
			Resampler: &resample.Parameters{RateOut: stereo.Rate},
		}},
	}, frames)
	require.NoError(t, err)
	return p
}

// playResampled plays a fixed input through a resampler and swaps the
// pipeline up to swaps times while running.
func playResampled(t *testing.T, swaps int) (played, swapped int) {
	t.Helper()
	capture := &mock.Capture{
		Fmt:      chunk.Format{Rate: 44100, Channels: 2},
		Interval: time.Millisecond,
		Limit:    200 * frames,
		Value:    0.5,
	}
	playback := &mock.Playback{Fmt: stereo, Discard: true}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		QueueLimit:      64,
		PushWait:        time.Second,
		PlaybackTimeout: time.Second,
	}, capture, playback, resampled(t))
	require.NoError(t, err)
	run(t, e)

	for i := 0; i < swaps; i++ {
		time.Sleep(5 * time.Millisecond)
		if err := e.Swap(context.Background(), resampled(t)); err != nil {
			break
		}
		swapped++
	}
	wait(t, e)
	require.NoError(t, e.Err())
	_, played = playback.Count()
	return played, swapped
}

func TestSwapKeepsSamples(t *testing.T) {
	expected, _ := playResampled(t, 0)
	played, swapped := playResampled(t, 10)
	require.Positive(t, swapped)
	// only the interpolation history of each replaced resampler is lost
	assert.InDelta(t, expected, played, float64(4*swapped))
}

func TestSetVolume(t *testing.T) {
	p, err := pipeline.Compile(pipeline.Spec{
		Input:  stereo,
		Output: stereo,
		Stages: []pipeline.StageSpec{{Kind: pipeline.KindVolume}},
	}, frames)
	require.NoError(t, err)
	capture := &mock.Capture{Fmt: stereo, Interval: time.Millisecond, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo}
	e, err := engine.New(engine.Config{ChunkFrames: frames, PlaybackTimeout: time.Second}, capture, playback, p)
	require.NoError(t, err)
	run(t, e)

	assert.Eventually(t, func() bool {
		return last(playback) == 0.5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.SetVolume(context.Background(), -20, false))
	assert.Eventually(t, func() bool {
		return math.Abs(last(playback)-0.05) < 1e-9
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.SetVolume(context.Background(), -20, true))
	assert.Eventually(t, func() bool {
		return last(playback) == 0
	}, 2*time.Second, 5*time.Millisecond)

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func TestPause(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Interval: time.Millisecond, Value: 0.5}
	playback := &mock.Playback{Fmt: stereo}
	e, err := engine.New(engine.Config{
		ChunkFrames:     frames,
		PlaybackTimeout: 2 * time.Millisecond,
	}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	e.Pause()
	assert.True(t, e.Paused())
	run(t, e)

	assert.Eventually(t, func() bool {
		blocks, _ := playback.Count()
		return blocks > 5
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, e.Stats().Underruns)
	assert.Equal(t, 0.0, last(playback))

	e.Resume()
	assert.False(t, e.Paused())
	assert.Eventually(t, func() bool {
		return last(playback) == 0.5
	}, 2*time.Second, 5*time.Millisecond)

	e.Drain()
	wait(t, e)
	assert.NoError(t, e.Err())
}

func TestStartTwice(t *testing.T) {
	capture := &mock.Capture{Fmt: stereo, Limit: frames}
	playback := &mock.Playback{Fmt: stereo, Discard: true}
	e, err := engine.New(engine.Config{ChunkFrames: frames}, capture, playback, gainPipeline(t, 0))
	require.NoError(t, err)
	run(t, e)
	assert.ErrorIs(t, e.Start(context.Background()), engine.ErrStarted)
	wait(t, e)
}

func TestFormatMismatch(t *testing.T) {
	mono := chunk.Format{Rate: 48000, Channels: 1}
	tests := []struct {
		name     string
		capture  chunk.Format
		playback chunk.Format
		frames   int
	}{
		{name: "capture", capture: mono, playback: stereo, frames: frames},
		{name: "playback", capture: stereo, playback: mono, frames: frames},
		{name: "frames", capture: stereo, playback: stereo, frames: 2 * frames},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := engine.New(
				engine.Config{ChunkFrames: test.frames},
				&mock.Capture{Fmt: test.capture},
				&mock.Playback{Fmt: test.playback},
				gainPipeline(t, 0),
			)
			assert.ErrorIs(t, err, engine.ErrFormatMismatch)
		})
	}
}
