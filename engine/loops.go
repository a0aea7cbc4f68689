package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
	"pipelined.dev/live/internal/queue"
	"pipelined.dev/live/internal/runtime"
	"pipelined.dev/live/pipeline"
)

// captureLoop reads blocks, converts them to chunks and pushes them to
// the capture queue.
func (e *Engine) captureLoop() runtime.Loop {
	format := e.capture.Format()
	sf := e.capture.SampleFormat()
	frameSize := sf.FrameSize(format.Channels)
	block := device.NewBlock(sf, format.Channels, e.cfg.ChunkFrames)
	pool := chunk.GetPool(format.Channels, e.cfg.ChunkFrames)
	logger := e.logger.WithField("loop", "capture")
	timeouts := throttle{interval: e.cfg.TelemetryInterval}
	overruns := throttle{interval: e.cfg.TelemetryInterval}
	var produced int

	return runtime.Loop{
		ExecuteFunc: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.draining.Load() {
				logger.Debug("draining")
				return io.EOF
			}
			block.Overrun = false
			err := e.capture.ReadBlock(block)
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("capture done")
				return io.EOF
			case errors.Is(err, device.ErrUnderrun):
				e.counters.CaptureTimeouts.Add(1)
				if n, ok := timeouts.hit(time.Now()); ok {
					logger.WithField("count", n).Warn("capture timeout")
				}
				return nil
			case err != nil:
				return deviceError("capture", "read", err)
			}
			if e.paused.Load() {
				return nil
			}

			c := pool.Get(format.Rate)
			sf.Decode(block.Data[:block.Frames*frameSize], c)
			c.Timestamp = chunk.DurationOf(format.Rate, produced)
			c.Overrun = block.Overrun
			produced += c.Valid
			dropped, err := e.captureQ.Push(ctx, c, e.cfg.PushWait)
			if err != nil {
				chunk.Recycle(c)
				return err
			}
			if block.Overrun {
				e.counters.Overruns.Add(1)
				if n, ok := overruns.hit(time.Now()); ok {
					logger.WithField("count", n).Warn("overrun, device lost input")
				}
			}
			if dropped {
				e.counters.Overruns.Add(1)
				if n, ok := overruns.hit(time.Now()); ok {
					logger.WithField("count", n).Warn("overrun, dropped oldest chunk")
				}
			}
			return nil
		},
		FlushFunc: func(context.Context) error {
			e.captureQ.Close()
			return nil
		},
	}
}

// processing owns the pipeline. All its state is only touched by the
// processing loop, mutations included.
type processing struct {
	*Engine
	throttle
	p *pipeline.Pipeline
	// tail of the replaced pipeline, played before the next chunk
	tail     []*chunk.Chunk
	adjust   float64
	volume   float64
	mute     bool
	overflow int64
}

func (l *processing) swap(p *pipeline.Pipeline) {
	if l.p != nil {
		p.SetVolume(l.volume, l.mute)
		l.tail = append(l.tail, l.p.Drain()...)
		l.logger.WithFields(logrus.Fields{
			"from": l.p.ID(),
			"to":   p.ID(),
		}).Info("pipeline swapped")
	}
	l.p = p
	l.overflow = 0
	l.adjust = l.Engine.adjust.Load()
	p.SetRateAdjust(l.adjust)
	l.hasAdaptive.Store(p.HasAdaptive())
	l.pipelineID.Store(p.ID())
}

func (l *processing) setVolume(db float64, mute bool) {
	l.volume, l.mute = db, mute
	l.p.SetVolume(db, mute)
}

func (l *processing) loop() runtime.Loop {
	logger := l.logger.WithField("loop", "processing")
	return runtime.Loop{
		ExecuteFunc: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ms := l.dest.Receive(); ms != nil {
				if err := ms.ApplyTo(l.Context); err != nil {
					logger.WithError(err).Error("apply mutations")
				}
			}
			if len(l.tail) > 0 {
				tail := l.tail
				l.tail = nil
				if err := l.push(ctx, tail); err != nil {
					return err
				}
			}
			c, err := l.captureQ.Pop(ctx, l.cfg.PlaybackTimeout)
			switch {
			case errors.Is(err, queue.ErrTimeout):
				return nil
			case errors.Is(err, queue.ErrClosed):
				return l.drain(ctx)
			case err != nil:
				return err
			}
			if f := l.Engine.adjust.Load(); f != l.adjust {
				l.p.SetRateAdjust(f)
				l.adjust = f
			}

			start := time.Now()
			duration := c.Duration()
			out := l.p.Process(c)
			elapsed := time.Since(start)
			l.account(elapsed, duration, logger)
			return l.push(ctx, out)
		},
		FlushFunc: func(context.Context) error {
			l.playbackQ.Close()
			return nil
		},
	}
}

// drain flushes the pipeline after capture has ended.
func (l *processing) drain(ctx context.Context) error {
	if err := l.push(ctx, l.p.Drain()); err != nil {
		return err
	}
	return io.EOF
}

func (l *processing) push(ctx context.Context, out []*chunk.Chunk) error {
	for i, c := range out {
		if err := l.playbackQ.PushWait(ctx, c); err != nil {
			for _, c := range out[i:] {
				chunk.Recycle(c)
			}
			return err
		}
	}
	return nil
}

func (l *processing) account(elapsed, duration time.Duration, logger *logrus.Entry) {
	l.counters.Chunks.Add(1)
	if l.recorder != nil {
		l.recorder.RecordProcessing(elapsed)
	}
	if duration > 0 {
		load := float64(elapsed) / float64(duration)
		l.load.Store(0.9*l.load.Load() + 0.1*load)
	}
	if ov := l.p.Overflowed(); ov > l.overflow {
		l.counters.Overflowed.Add(ov - l.overflow)
		l.overflow = ov
		if n, ok := l.hit(time.Now()); ok {
			logger.WithField("count", n).Warn("overflow clamped")
		}
	}
}

// playbackLoop pops chunks and writes them to the device. It also runs
// the rate controller and logs telemetry.
func (e *Engine) playbackLoop() runtime.Loop {
	format := e.playback.Format()
	sf := e.playback.SampleFormat()
	block := device.NewBlock(sf, format.Channels, e.cfg.ChunkFrames)
	silence := chunk.Silence(format, e.cfg.ChunkFrames)
	rc := NewRateController(e.cfg.Rate)
	logger := e.logger.WithField("loop", "playback")
	underruns := throttle{interval: e.cfg.TelemetryInterval}
	stalls := throttle{interval: e.cfg.TelemetryInterval}
	clips := throttle{interval: e.cfg.TelemetryInterval}
	var (
		telemetry time.Time
		// chunk the device didn't accept, it's written again before the
		// next one is popped
		pending *chunk.Chunk
	)

	write := func(c *chunk.Chunk) (stalled bool, err error) {
		clipped := sf.Encode(c, block.Data)
		block.Frames = c.Valid
		if clipped > 0 {
			e.counters.Clipped.Add(int64(clipped))
			if n, ok := clips.hit(time.Now()); ok {
				logger.WithField("count", n).Warn("samples clipped")
			}
		}
		err = e.playback.WriteBlock(block)
		switch {
		case errors.Is(err, device.ErrOverrun):
			e.counters.PlaybackStalls.Add(1)
			if n, ok := stalls.hit(time.Now()); ok {
				logger.WithField("count", n).Warn("playback stalled")
			}
			return true, nil
		case errors.Is(err, device.ErrUnderrun):
			e.counters.Underruns.Add(1)
		case err != nil:
			return false, deviceError("playback", "write", err)
		}
		return false, nil
	}

	return runtime.Loop{
		StartFunc: func(context.Context) error {
			e.level.Store(0)
			telemetry = time.Now()
			for i := 0; i < e.cfg.PrimeChunks; i++ {
				if _, err := write(silence); err != nil {
					return err
				}
			}
			return nil
		},
		ExecuteFunc: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := pending
			pending = nil
			if c == nil {
				var err error
				c, err = e.playbackQ.Pop(ctx, e.cfg.PlaybackTimeout)
				switch {
				case errors.Is(err, queue.ErrClosed):
					logger.Debug("playback done")
					return io.EOF
				case errors.Is(err, queue.ErrTimeout):
					c = silence
					if !e.paused.Load() {
						e.counters.Underruns.Add(1)
						if n, ok := underruns.hit(time.Now()); ok {
							logger.WithField("count", n).Warn("underrun, playing silence")
						}
					}
				case err != nil:
					return err
				}
			}
			stalled, err := write(c)
			switch {
			case c == silence:
			case err == nil && stalled:
				pending = c
			default:
				chunk.Recycle(c)
			}
			if err != nil {
				return err
			}

			level := e.playbackQ.Level()
			e.level.Store(level)
			if !e.paused.Load() {
				if f, ok := rc.Observe(level); ok && e.applyRate(f) {
					logger.WithFields(logrus.Fields{
						"factor": f,
						"level":  level,
					}).Debug("rate adjusted")
				}
			}
			if now := time.Now(); now.Sub(telemetry) >= e.cfg.TelemetryInterval {
				telemetry = now
				e.logTelemetry(logger)
			}
			return nil
		},
	}
}

func (e *Engine) logTelemetry(logger *logrus.Entry) {
	s := e.Stats()
	logger.WithFields(logrus.Fields{
		"underruns":        s.Underruns,
		"overruns":         s.Overruns,
		"capture_timeouts": s.CaptureTimeouts,
		"playback_stalls":  s.PlaybackStalls,
		"clipped":          s.Clipped,
		"overflowed":       s.Overflowed,
		"chunks":           s.Chunks,
		"level":            s.BufferLevel,
		"rate_adjust":      s.RateAdjust,
		"load":             s.Load,
	}).Info("telemetry")
}
