package engine

// RateConfig configures the rate controller.
type RateConfig struct {
	Enabled bool
	// Period is the number of played chunks the level is averaged over.
	Period int
	// Target is the buffer level the controller steers to. No adjustment
	// is made while the average stays within [BandLow, BandHigh].
	Target   float64
	BandLow  float64
	BandHigh float64
	// Gain converts level error into a factor delta, MaxStep limits the
	// delta of a single adjustment.
	Gain    float64
	MaxStep float64
	// MaxDrift bounds the factor to 1 +- MaxDrift.
	MaxDrift float64
}

// DefaultRateConfig returns the settings used when none are configured.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		Enabled:  true,
		Period:   50,
		Target:   0.5,
		BandLow:  0.4,
		BandHigh: 0.6,
		Gain:     0.01,
		MaxStep:  0.0005,
		MaxDrift: 0.005,
	}
}

// RateController turns the averaged buffer level into a rate adjustment
// factor. Factor above 1 asks for more samples.
type RateController struct {
	cfg    RateConfig
	sum    float64
	n      int
	factor float64
}

// NewRateController returns a controller at factor 1.
func NewRateController(cfg RateConfig) *RateController {
	return &RateController{cfg: cfg, factor: 1}
}

// Factor returns the current factor.
func (r *RateController) Factor() float64 {
	return r.factor
}

// Reset forgets collected levels and returns to factor 1.
func (r *RateController) Reset() {
	r.sum, r.n, r.factor = 0, 0, 1
}

// Observe collects one level sample. At the end of every period it
// reports whether the factor changed.
func (r *RateController) Observe(level float64) (float64, bool) {
	if !r.cfg.Enabled || r.cfg.Period <= 0 {
		return r.factor, false
	}
	r.sum += level
	r.n++
	if r.n < r.cfg.Period {
		return r.factor, false
	}
	avg := r.sum / float64(r.n)
	r.sum, r.n = 0, 0
	if avg >= r.cfg.BandLow && avg <= r.cfg.BandHigh {
		return r.factor, false
	}
	// level above target means samples are produced faster than played
	delta := -r.cfg.Gain * (avg - r.cfg.Target)
	delta = min(max(delta, -r.cfg.MaxStep), r.cfg.MaxStep)
	factor := min(max(r.factor+delta, 1-r.cfg.MaxDrift), 1+r.cfg.MaxDrift)
	if factor == r.factor {
		return r.factor, false
	}
	r.factor = factor
	return factor, true
}
