// Package engine runs the capture, processing and playback loops of a
// live pipeline. Loops run in their own goroutines and exchange chunks
// through bounded queues: capture never blocks on a full queue, it drops
// the oldest chunk instead; playback never waits longer than its deadline,
// it plays silence instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/device"
	"pipelined.dev/live/internal/queue"
	"pipelined.dev/live/internal/rtprio"
	"pipelined.dev/live/internal/runtime"
	"pipelined.dev/live/log"
	"pipelined.dev/live/mutable"
	"pipelined.dev/live/pipeline"
)

var (
	// ErrFormatMismatch is returned when the pipeline doesn't match the
	// endpoints.
	ErrFormatMismatch = errors.New("pipeline format doesn't match endpoints")
	// ErrNotRunning is returned when the engine has stopped before the
	// command was applied.
	ErrNotRunning = errors.New("engine is not running")
	// ErrStarted is returned when the engine is started twice.
	ErrStarted = errors.New("engine already started")
)

type (
	// Config configures the loops.
	Config struct {
		ChunkFrames int
		// QueueLimit is the capacity of each queue in chunks.
		QueueLimit int
		// PushWait is how long capture waits for free space before the
		// oldest chunk is dropped.
		PushWait time.Duration
		// PlaybackTimeout is how long playback waits for a chunk before
		// it plays silence.
		PlaybackTimeout time.Duration
		// PrimeChunks of silence are written before playback starts.
		PrimeChunks       int
		Rate              RateConfig
		TelemetryInterval time.Duration
		// Realtime requests real-time priority for loop threads.
		Realtime bool
	}

	// Recorder receives measurements of the hot path.
	Recorder interface {
		RecordProcessing(d time.Duration)
	}

	// Option configures the engine.
	Option func(*Engine)
)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = log.Component(l, "engine")
	}
}

// WithVolume sets the main volume the pipeline was compiled with. It's
// applied to every pipeline swapped in.
func WithVolume(db float64, mute bool) Option {
	return func(e *Engine) {
		e.volume, e.mute = db, mute
	}
}

// WithRecorder sets the recorder of processing durations.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// Engine connects a capture and a playback endpoint through a pipeline.
// It runs once: after it's done, a new engine has to be created.
type Engine struct {
	cfg      Config
	logger   *logrus.Entry
	recorder Recorder
	volume   float64
	mute     bool

	capture   device.Capture
	playback  device.Playback
	captureQ  *queue.Queue
	playbackQ *queue.Queue
	proc      *processing

	counters    Counters
	level       Float
	adjust      Float
	load        Float
	hasAdaptive atomic.Bool
	paused      atomic.Bool
	draining    atomic.Bool
	pipelineID  atomic.Value
	started     atomic.Bool

	mutable.Context
	dest   mutable.Destination
	pushMu sync.Mutex
	pusher mutable.Pusher

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New validates that the pipeline fits the endpoints and prepares the
// loops.
func New(cfg Config, capture device.Capture, playback device.Playback, p *pipeline.Pipeline, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults(capture.Format(), playback.Format())
	e := &Engine{
		cfg:       cfg,
		logger:    log.Component(log.Discard(), "engine"),
		capture:   capture,
		playback:  playback,
		captureQ:  queue.New(cfg.QueueLimit),
		playbackQ: queue.New(cfg.QueueLimit),
		Context:   mutable.Mutable(),
		dest:      mutable.NewDestination(),
		pusher:    mutable.NewPusher(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.fits(p); err != nil {
		return nil, err
	}
	e.pusher.AddDestination(e.Context, e.dest)
	e.adjust.Store(1)
	e.proc = &processing{
		Engine:   e,
		throttle: throttle{interval: cfg.TelemetryInterval},
		volume:   e.volume,
		mute:     e.mute,
	}
	e.proc.swap(p)
	return e, nil
}

func (c Config) withDefaults(in, out chunk.Format) Config {
	if c.QueueLimit <= 0 {
		c.QueueLimit = 4
	}
	if c.PushWait <= 0 {
		c.PushWait = chunk.DurationOf(in.Rate, c.ChunkFrames)
	}
	if c.PlaybackTimeout <= 0 {
		c.PlaybackTimeout = chunk.DurationOf(out.Rate, c.ChunkFrames) / 2
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 10 * time.Second
	}
	return c
}

func (e *Engine) fits(p *pipeline.Pipeline) error {
	if in := e.capture.Format(); p.Input() != in {
		return fmt.Errorf("%w: capture is %v, pipeline input is %v", ErrFormatMismatch, in, p.Input())
	}
	if out := e.playback.Format(); p.Output() != out {
		return fmt.Errorf("%w: playback is %v, pipeline output is %v", ErrFormatMismatch, out, p.Output())
	}
	if p.Frames() != e.cfg.ChunkFrames {
		return fmt.Errorf("%w: pipeline is compiled for %d frames, engine uses %d", ErrFormatMismatch, p.Frames(), e.cfg.ChunkFrames)
	}
	return nil
}

// Start runs the loops. The engine stops when capture ends, after Drain
// or Cancel, or when any loop fails.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)

	var opts []runtime.Option
	if e.cfg.Realtime {
		opts = append(opts, runtime.LockThread(rtprio.Acquire, func(err error) {
			e.logger.WithError(err).Warn("real-time priority not granted")
		}))
	}
	m := newErrorMerger()
	m.add(
		runtime.Run(ctx, e.captureLoop(), opts...),
		runtime.Run(ctx, e.proc.loop(), opts...),
		runtime.Run(ctx, e.playbackLoop(), opts...),
	)
	go func() {
		select {
		case <-m.first:
			// any failure stops the whole run
			e.cancel()
		case <-e.done:
		}
	}()
	go func() {
		err := m.wait()
		e.cancel()
		e.captureQ.Discard()
		e.playbackQ.Discard()
		e.err = err
		close(e.done)
	}()
	e.logger.WithField("pipeline", e.PipelineID()).Info("started")
	return nil
}

// Drain asks capture to stop. Chunks already captured are processed and
// played before the loops end.
func (e *Engine) Drain() {
	e.draining.Store(true)
}

// Cancel stops all loops immediately.
func (e *Engine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Done is closed when all loops have ended.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the error of the run. It's valid after Done is closed.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close releases both endpoints.
func (e *Engine) Close() error {
	return errors.Join(e.capture.Close(), e.playback.Close())
}

// Pause makes capture discard its data and playback play silence.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume undoes Pause.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// PipelineID returns the id of the pipeline currently in use.
func (e *Engine) PipelineID() string {
	id, _ := e.pipelineID.Load().(string)
	return id
}

// Stats returns current telemetry.
func (e *Engine) Stats() Stats {
	s := e.counters.snapshot()
	s.BufferLevel = e.level.Load()
	s.RateAdjust = e.adjust.Load()
	s.Load = e.load.Load()
	return s
}

// Swap replaces the pipeline between two chunks. It returns once the new
// pipeline is in use.
func (e *Engine) Swap(ctx context.Context, p *pipeline.Pipeline) error {
	if err := e.fits(p); err != nil {
		return err
	}
	applied := make(chan struct{})
	m := e.Mutate(func() error {
		e.proc.swap(p)
		close(applied)
		return nil
	})
	if err := e.push(ctx, m); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetVolume changes the main volume of the pipeline.
func (e *Engine) SetVolume(ctx context.Context, db float64, mute bool) error {
	return e.push(ctx, e.Mutate(func() error {
		e.proc.setVolume(db, mute)
		return nil
	}))
}

func (e *Engine) push(ctx context.Context, ms ...mutable.Mutation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	if err := e.pusher.Put(ms...); err != nil {
		return err
	}
	if err := e.pusher.Push(ctx); err != nil {
		// drop what wasn't delivered
		e.pusher.RemoveDestination(e.Context)
		e.pusher.AddDestination(e.Context, e.dest)
		select {
		case <-e.done:
			return ErrNotRunning
		default:
			return err
		}
	}
	return nil
}

// applyRate passes the factor to adaptive resamplers, or to the capture
// clock if the pipeline has none. It reports false when nothing can take
// the factor, the reported rate adjust stays unchanged then.
func (e *Engine) applyRate(f float64) bool {
	if !e.hasAdaptive.Load() {
		ra, ok := e.capture.(device.RateAdjuster)
		if !ok {
			return false
		}
		ra.SetRateAdjust(f)
	}
	e.adjust.Store(f)
	return true
}

func deviceError(endpoint, op string, err error) error {
	var de *device.Error
	if errors.As(err, &de) {
		return err
	}
	return &device.Error{Endpoint: endpoint, Op: op, Err: err}
}
