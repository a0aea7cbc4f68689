// Package config loads and validates the YAML configuration of the live
// engine and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"pipelined.dev/live/device"
	"pipelined.dev/live/engine"
	"pipelined.dev/live/pipeline"
)

// Defaults used when the values are not configured.
const (
	DefaultChunkSize         = 1024
	DefaultQueueLimit        = 4
	DefaultAddress           = "localhost:8765"
	DefaultTelemetryInterval = 10 * time.Second
)

type (
	// Config is the whole configuration file.
	Config struct {
		Devices    Devices       `yaml:"devices"`
		RateAdjust RateAdjust    `yaml:"rate_adjust,omitempty"`
		Pipeline   pipeline.Spec `yaml:"pipeline"`
		Control    Control       `yaml:"control,omitempty"`
		// Volume is the main volume in dB followed by volume stages.
		Volume    float64   `yaml:"volume,omitempty"`
		Mute      bool      `yaml:"mute,omitempty"`
		LogLevel  string    `yaml:"log_level,omitempty"`
		Telemetry Telemetry `yaml:"telemetry,omitempty"`
	}

	// Devices configures both endpoints and the loops between them.
	Devices struct {
		// SampleRate is used by endpoints that don't set their own.
		SampleRate int `yaml:"samplerate"`
		ChunkSize  int `yaml:"chunksize,omitempty"`
		QueueLimit int `yaml:"queue_limit,omitempty"`
		// PrimeChunks of silence are written to playback on start.
		PrimeChunks int `yaml:"prime_chunks,omitempty"`
		// CaptureWait is how long capture waits for a free queue slot
		// before the oldest chunk is dropped.
		CaptureWait time.Duration `yaml:"capture_wait,omitempty"`
		// PlaybackTimeout is how long playback waits for a chunk before
		// silence is played.
		PlaybackTimeout time.Duration `yaml:"playback_timeout,omitempty"`
		// StopTimeout bounds the drain on stop.
		StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`
		Realtime    bool          `yaml:"realtime,omitempty"`

		Capture  device.Config `yaml:"capture"`
		Playback device.Config `yaml:"playback"`
	}

	// RateAdjust configures the rate controller. Zero values are replaced
	// with defaults.
	RateAdjust struct {
		Enabled  bool    `yaml:"enabled"`
		Period   int     `yaml:"period,omitempty"`
		Target   float64 `yaml:"target,omitempty"`
		BandLow  float64 `yaml:"band_low,omitempty"`
		BandHigh float64 `yaml:"band_high,omitempty"`
		Gain     float64 `yaml:"gain,omitempty"`
		MaxStep  float64 `yaml:"max_step,omitempty"`
		MaxDrift float64 `yaml:"max_drift,omitempty"`
	}

	// Control configures the control surface.
	Control struct {
		Address string `yaml:"address,omitempty"`
	}

	// Telemetry configures periodic telemetry.
	Telemetry struct {
		Interval time.Duration `yaml:"interval,omitempty"`
	}
)

// Load reads the configuration file at path and returns a validated
// config with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a config from r, applies defaults and validates
// the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills values derived from other sections.
func (c *Config) applyDefaults() {
	d := &c.Devices
	if d.ChunkSize == 0 {
		d.ChunkSize = DefaultChunkSize
	}
	if d.QueueLimit == 0 {
		d.QueueLimit = DefaultQueueLimit
	}
	for _, ep := range []*device.Config{&d.Capture, &d.Playback} {
		if ep.Format.Rate == 0 {
			ep.Format.Rate = d.SampleRate
		}
		if ep.ChunkFrames == 0 {
			ep.ChunkFrames = d.ChunkSize
		}
	}
	if d.Playback.Format.Channels == 0 {
		d.Playback.Format.Channels = d.Capture.Format.Channels
	}
	if c.Pipeline.Input.IsZero() {
		c.Pipeline.Input = d.Capture.Format
	}
	if c.Pipeline.Output.IsZero() {
		c.Pipeline.Output = d.Playback.Format
	}

	def := engine.DefaultRateConfig()
	r := &c.RateAdjust
	r.Period = orInt(r.Period, def.Period)
	r.Target = orFloat(r.Target, def.Target)
	r.BandLow = orFloat(r.BandLow, def.BandLow)
	r.BandHigh = orFloat(r.BandHigh, def.BandHigh)
	r.Gain = orFloat(r.Gain, def.Gain)
	r.MaxStep = orFloat(r.MaxStep, def.MaxStep)
	r.MaxDrift = orFloat(r.MaxDrift, def.MaxDrift)

	if c.Control.Address == "" {
		c.Control.Address = DefaultAddress
	}
	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = DefaultTelemetryInterval
	}
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// Validate checks that cfg contains a coherent set of values. It returns
// a joined error listing all problems found.
func Validate(cfg *Config) error {
	var errs []error
	d := cfg.Devices

	if d.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("devices.chunksize %d must be positive", d.ChunkSize))
	}
	if d.QueueLimit < 2 {
		errs = append(errs, fmt.Errorf("devices.queue_limit %d must be at least 2", d.QueueLimit))
	}
	if d.PrimeChunks < 0 || d.PrimeChunks > d.QueueLimit {
		errs = append(errs, fmt.Errorf("devices.prime_chunks %d is out of range [0, %d]", d.PrimeChunks, d.QueueLimit))
	}
	if d.CaptureWait < 0 || d.PlaybackTimeout < 0 || d.StopTimeout < 0 {
		errs = append(errs, errors.New("devices timeouts can't be negative"))
	}
	for name, ep := range map[string]device.Config{"capture": d.Capture, "playback": d.Playback} {
		if ep.Type == "" {
			errs = append(errs, fmt.Errorf("devices.%s.type is required", name))
		}
		if ep.Format.Rate <= 0 {
			errs = append(errs, fmt.Errorf("devices.%s.samplerate %d must be positive", name, ep.Format.Rate))
		}
		if ep.Format.Channels <= 0 {
			errs = append(errs, fmt.Errorf("devices.%s.channels %d must be positive", name, ep.Format.Channels))
		}
		if ep.ChunkFrames != d.ChunkSize {
			errs = append(errs, fmt.Errorf("devices.%s.chunksize %d differs from devices.chunksize %d", name, ep.ChunkFrames, d.ChunkSize))
		}
	}

	r := cfg.RateAdjust
	if r.Period < 1 {
		errs = append(errs, fmt.Errorf("rate_adjust.period %d must be positive", r.Period))
	}
	if !(0 < r.BandLow && r.BandLow <= r.Target && r.Target <= r.BandHigh && r.BandHigh < 1) {
		errs = append(errs, fmt.Errorf("rate_adjust band must satisfy 0 < band_low <= target <= band_high < 1, got %v <= %v <= %v", r.BandLow, r.Target, r.BandHigh))
	}
	if r.Gain <= 0 || r.MaxStep <= 0 {
		errs = append(errs, errors.New("rate_adjust.gain and rate_adjust.max_step must be positive"))
	}
	if r.MaxDrift <= 0 || r.MaxDrift >= 0.5 {
		errs = append(errs, fmt.Errorf("rate_adjust.max_drift %v is out of range (0, 0.5)", r.MaxDrift))
	}

	if cfg.LogLevel != "" {
		if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level %q is invalid", cfg.LogLevel))
		}
	}
	if cfg.Telemetry.Interval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval %v can't be negative", cfg.Telemetry.Interval))
	}

	if cfg.Pipeline.Input != d.Capture.Format {
		errs = append(errs, fmt.Errorf("pipeline.input %v doesn't match capture %v", cfg.Pipeline.Input, d.Capture.Format))
	}
	if cfg.Pipeline.Output != d.Playback.Format {
		errs = append(errs, fmt.Errorf("pipeline.output %v doesn't match playback %v", cfg.Pipeline.Output, d.Playback.Format))
	}
	if len(errs) == 0 && d.ChunkSize > 0 {
		if _, err := pipeline.Compile(cfg.Pipeline, d.ChunkSize); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Engine returns the loop configuration.
func (c *Config) Engine() engine.Config {
	r := c.RateAdjust
	return engine.Config{
		ChunkFrames:     c.Devices.ChunkSize,
		QueueLimit:      c.Devices.QueueLimit,
		PushWait:        c.Devices.CaptureWait,
		PlaybackTimeout: c.Devices.PlaybackTimeout,
		PrimeChunks:     c.Devices.PrimeChunks,
		Rate: engine.RateConfig{
			Enabled:  r.Enabled,
			Period:   r.Period,
			Target:   r.Target,
			BandLow:  r.BandLow,
			BandHigh: r.BandHigh,
			Gain:     r.Gain,
			MaxStep:  r.MaxStep,
			MaxDrift: r.MaxDrift,
		},
		TelemetryInterval: c.Telemetry.Interval,
		Realtime:          c.Devices.Realtime,
	}
}

// RestartRequired reports whether moving from a to b needs the devices to
// be reopened. Changes limited to the pipeline, volume, log level or
// control address are applied to a running engine.
func RestartRequired(a, b *Config) bool {
	return !reflect.DeepEqual(a.Devices, b.Devices) ||
		a.RateAdjust != b.RateAdjust ||
		a.Telemetry != b.Telemetry
}
