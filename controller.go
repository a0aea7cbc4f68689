package live

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/live/config"
	"pipelined.dev/live/device"
	"pipelined.dev/live/engine"
	"pipelined.dev/live/log"
	"pipelined.dev/live/pipeline"
)

// Volume limits in dB.
const (
	MinVolume = -150.0
	MaxVolume = 50.0
)

// DefaultStopTimeout bounds the drain on stop when it's not configured.
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrInvalidVolume is returned when volume is not a number.
	ErrInvalidVolume = errors.New("invalid volume")
	// ErrStopTimeout is returned when the loops didn't end after they
	// were cancelled. Devices are closed without waiting for them.
	ErrStopTimeout = errors.New("engine didn't stop in time")
)

type (
	// Metrics records controller and engine measurements.
	Metrics interface {
		engine.Recorder
		RecordReconfiguration(err error)
	}

	// Option configures the controller.
	Option func(*Controller)

	// Status is a snapshot of the controller. Counters belong to the
	// current run, or to the last one when stopped.
	Status struct {
		State             State   `json:"state"`
		BufferLevel       float64 `json:"buffer_level"`
		UnderrunCount     int64   `json:"underrun_count"`
		OverrunCount      int64   `json:"overrun_count"`
		CaptureTimeouts   int64   `json:"capture_timeouts"`
		PlaybackStalls    int64   `json:"playback_stalls"`
		ClippedSamples    int64   `json:"clipped_samples"`
		OverflowedSamples int64   `json:"overflowed_samples"`
		Chunks            int64   `json:"chunks"`
		RateAdjust        float64 `json:"rate_adjust"`
		Load              float64 `json:"processing_load"`
		PipelineID        string  `json:"pipeline_id,omitempty"`
		Volume            float64 `json:"volume"`
		Mute              bool    `json:"mute"`
		LastError         string  `json:"last_error,omitempty"`
	}

	pipelineChange struct {
		spec pipeline.Spec
		p    *pipeline.Pipeline
	}

	configChange struct {
		cfg *config.Config
	}

	nopMetrics struct{}
)

func (nopMetrics) RecordProcessing(time.Duration)  {}
func (nopMetrics) RecordReconfiguration(err error) {}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Controller) {
		c.logger = log.Component(l, "controller")
	}
}

// WithRegistry sets the registry devices are opened from. Only null and
// signal devices are available by default.
func WithRegistry(r *device.Registry) Option {
	return func(c *Controller) {
		c.registry = r
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller owns the lifecycle of the engine. All state changes go
// through a single event loop, so methods are safe for concurrent use.
type Controller struct {
	logger   *logrus.Entry
	registry *device.Registry
	metrics  Metrics

	ctx    context.Context
	cancel context.CancelFunc
	events chan eventMessage
	closed chan struct{}

	mu        sync.RWMutex
	cfg       *config.Config
	st        State
	run       *engine.Engine
	ended     chan struct{}
	lastErr   error
	lastStats engine.Stats
	total     engine.Stats
	volume    float64
	mute      bool
}

// New validates the config and starts the event loop. The engine is not
// started until Start is called.
func New(cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	ended := make(chan struct{})
	close(ended)
	c := &Controller{
		logger:    log.Component(log.Discard(), "controller"),
		registry:  device.NewRegistry(),
		metrics:   nopMetrics{},
		events:    make(chan eventMessage),
		closed:    make(chan struct{}),
		cfg:       cfg,
		st:        Stopped,
		ended:     ended,
		lastStats: engine.Stats{RateAdjust: 1},
		volume:    clampVolume(cfg.Volume),
		mute:      cfg.Mute,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.loop()
	return c, nil
}

// Start opens the devices and starts the engine.
func (c *Controller) Start(ctx context.Context) error {
	return c.send(ctx, start, eventParams{})
}

// Stop drains the engine and releases the devices. If the drain takes
// longer than the configured stop timeout, the engine is cancelled. The
// error of the run is returned.
func (c *Controller) Stop(ctx context.Context) error {
	return c.send(ctx, stop, eventParams{})
}

// Pause makes the engine play silence. Captured audio is discarded.
func (c *Controller) Pause(ctx context.Context) error {
	return c.send(ctx, pause, eventParams{})
}

// Resume continues a paused engine.
func (c *Controller) Resume(ctx context.Context) error {
	return c.send(ctx, resume, eventParams{})
}

// Reconfigure replaces the pipeline. The new pipeline is compiled before
// the running one is touched: if compilation fails, the error is returned
// and nothing changes. Identical spec is a no-op. It returns once the new
// pipeline is in use.
func (c *Controller) Reconfigure(ctx context.Context, spec pipeline.Spec) error {
	cfg := c.Config()
	if spec.Input.IsZero() {
		spec.Input = cfg.Devices.Capture.Format
	}
	if spec.Output.IsZero() {
		spec.Output = cfg.Devices.Playback.Format
	}
	if pipeline.Equal(cfg.Pipeline, spec) {
		return nil
	}
	db, mute := c.Volume()
	p, err := pipeline.Compile(spec, cfg.Devices.ChunkSize, pipeline.WithVolume(db, mute))
	if err != nil {
		c.metrics.RecordReconfiguration(err)
		return err
	}
	return c.send(ctx, reconfigure, eventParams{pipeline: pipelineChange{spec: spec, p: p}})
}

// Apply moves the controller to a new config. Changed devices restart the
// engine, changed pipeline is swapped, other changes are just stored.
func (c *Controller) Apply(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return c.send(ctx, apply, eventParams{config: configChange{cfg: cfg}})
}

// SetVolume changes the main volume in dB. Volume is clamped to
// [MinVolume, MaxVolume].
func (c *Controller) SetVolume(ctx context.Context, db float64, mute bool) error {
	if math.IsNaN(db) {
		return ErrInvalidVolume
	}
	return c.send(ctx, volume, eventParams{volume: db, mute: mute})
}

// Volume returns the main volume.
func (c *Controller) Volume() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.volume, c.mute
}

// Close stops the engine and the event loop.
func (c *Controller) Close(ctx context.Context) error {
	err := c.send(ctx, closing, eventParams{})
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	select {
	case <-c.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.cancel()
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st
}

// Config returns the config in use. It must not be modified.
func (c *Controller) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Done is closed when the current run ends. It's closed already if the
// engine is not running.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ended
}

// Err returns the error of the last run.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.lastStats
	var id string
	if c.run != nil {
		stats = c.run.Stats()
		id = c.run.PipelineID()
	}
	s := Status{
		State:             c.st,
		BufferLevel:       stats.BufferLevel,
		UnderrunCount:     stats.Underruns,
		OverrunCount:      stats.Overruns,
		CaptureTimeouts:   stats.CaptureTimeouts,
		PlaybackStalls:    stats.PlaybackStalls,
		ClippedSamples:    stats.Clipped,
		OverflowedSamples: stats.Overflowed,
		Chunks:            stats.Chunks,
		RateAdjust:        stats.RateAdjust,
		Load:              stats.Load,
		PipelineID:        id,
		Volume:            c.volume,
		Mute:              c.mute,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Stats returns counters accumulated over all runs. Level, rate adjust
// and load are those of the current run.
func (c *Controller) Stats() engine.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.total
	if c.run == nil {
		s.RateAdjust = 1
		return s
	}
	r := c.run.Stats()
	s = sum(s, r)
	s.BufferLevel, s.RateAdjust, s.Load = r.BufferLevel, r.RateAdjust, r.Load
	return s
}

func sum(a, b engine.Stats) engine.Stats {
	a.Underruns += b.Underruns
	a.Overruns += b.Overruns
	a.CaptureTimeouts += b.CaptureTimeouts
	a.PlaybackStalls += b.PlaybackStalls
	a.Clipped += b.Clipped
	a.Overflowed += b.Overflowed
	a.Chunks += b.Chunks
	return a
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != s {
		c.logger.WithFields(logrus.Fields{"from": c.st, "to": s}).Info("state changed")
	}
	c.st = s
}

func (c *Controller) runDone() <-chan struct{} {
	if c.run == nil {
		return nil
	}
	return c.run.Done()
}

// start opens devices, compiles the pipeline and starts the engine.
func (c *Controller) start() (err error) {
	defer func() {
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
		}
	}()
	cfg := c.Config()
	capture, err := c.registry.OpenCapture(cfg.Devices.Capture)
	if err != nil {
		return err
	}
	playback, err := c.registry.OpenPlayback(cfg.Devices.Playback)
	if err != nil {
		capture.Close()
		return err
	}
	defer func() {
		if err != nil {
			capture.Close()
			playback.Close()
		}
	}()

	db, mute := c.Volume()
	p, err := pipeline.Compile(cfg.Pipeline, cfg.Devices.ChunkSize, pipeline.WithVolume(db, mute))
	if err != nil {
		return err
	}
	e, err := engine.New(cfg.Engine(), capture, playback, p,
		engine.WithLogger(c.logger),
		engine.WithVolume(db, mute),
		engine.WithRecorder(c.metrics),
	)
	if err != nil {
		return err
	}
	if err = e.Start(c.ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.run = e
	c.lastErr = nil
	c.ended = make(chan struct{})
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"capture":  cfg.Devices.Capture.Name(),
		"playback": cfg.Devices.Playback.Name(),
		"pipeline": p.String(),
	}).Info("engine started")
	return nil
}

// stop drains the engine with a bounded wait and releases it. If the
// loops don't end after cancel either, the devices are closed under them.
func (c *Controller) stop() error {
	timeout := c.Config().Devices.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	c.run.Drain()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.run.Done():
		return c.release()
	case <-t.C:
	}

	c.logger.WithField("timeout", timeout).Warn("drain timed out, cancelling")
	c.run.Cancel()
	t.Reset(timeout)
	select {
	case <-c.run.Done():
		return c.release()
	case <-t.C:
	}

	c.logger.WithField("timeout", timeout).Error("engine is stuck, closing devices")
	return c.end(ErrStopTimeout, c.run.Close())
}

// finish releases the engine that ended on its own.
func (c *Controller) finish() {
	if err := c.release(); err != nil {
		c.logger.WithError(err).Error("engine failed")
		return
	}
	c.logger.Info("engine finished")
}

// release closes the devices of the ended run and keeps its results.
func (c *Controller) release() error {
	err := c.run.Err()
	return c.end(err, c.run.Close())
}

// end forgets the current run and keeps its results.
func (c *Controller) end(err, closeErr error) error {
	stats := c.run.Stats()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = sum(c.total, stats)
	c.lastStats = stats
	c.lastErr = err
	c.run = nil
	close(c.ended)
	return errors.Join(err, closeErr)
}

func (c *Controller) swap(ctx context.Context, ch pipelineChange) error {
	from := c.run.PipelineID()
	err := c.run.Swap(ctx, ch.p)
	c.metrics.RecordReconfiguration(err)
	if err != nil {
		return err
	}
	c.storeSpec(ch.spec)
	c.logger.WithFields(logrus.Fields{
		"from":     from,
		"to":       ch.p.ID(),
		"pipeline": ch.p.String(),
	}).Info("pipeline reconfigured")
	return nil
}

// storePipeline keeps the pipeline for the next start.
func (c *Controller) storePipeline(ch pipelineChange) error {
	cfg := c.Config()
	if ch.p.Input() != cfg.Devices.Capture.Format || ch.p.Output() != cfg.Devices.Playback.Format {
		err := fmt.Errorf("%w: pipeline is %v -> %v", engine.ErrFormatMismatch, ch.p.Input(), ch.p.Output())
		c.metrics.RecordReconfiguration(err)
		return err
	}
	c.metrics.RecordReconfiguration(nil)
	c.storeSpec(ch.spec)
	return nil
}

func (c *Controller) storeSpec(spec pipeline.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.cfg
	next.Pipeline = spec
	c.cfg = &next
}

func (c *Controller) storeConfig(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Volume != c.cfg.Volume || cfg.Mute != c.cfg.Mute {
		c.volume, c.mute = clampVolume(cfg.Volume), cfg.Mute
	}
	c.cfg = cfg
}

// apply moves a running engine to the new config.
func (c *Controller) apply(ctx context.Context, s state, ch configChange) (state, error) {
	old, next := c.Config(), ch.cfg
	if config.RestartRequired(old, next) {
		c.logger.Info("devices changed, restarting")
		if err := c.stop(); err != nil {
			c.logger.WithError(err).Warn("previous run failed")
		}
		c.storeConfig(next)
		if err := c.start(); err != nil {
			return stopped, err
		}
		if s == paused {
			c.run.Pause()
		}
		return s, nil
	}

	if !pipeline.Equal(old.Pipeline, next.Pipeline) {
		db, mute := c.Volume()
		p, err := pipeline.Compile(next.Pipeline, next.Devices.ChunkSize, pipeline.WithVolume(db, mute))
		if err != nil {
			c.metrics.RecordReconfiguration(err)
			return s, err
		}
		if err := c.swap(ctx, pipelineChange{spec: next.Pipeline, p: p}); err != nil {
			return s, err
		}
	}
	if next.Volume != old.Volume || next.Mute != old.Mute {
		if err := c.setVolume(ctx, next.Volume, next.Mute); err != nil {
			return s, err
		}
	}
	c.storeConfig(next)
	return s, nil
}

func (c *Controller) setVolume(ctx context.Context, db float64, mute bool) error {
	db = clampVolume(db)
	if c.run != nil {
		if err := c.run.SetVolume(ctx, db, mute); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume, c.mute = db, mute
	return nil
}

func clampVolume(db float64) float64 {
	return min(max(db, MinVolume), MaxVolume)
}
