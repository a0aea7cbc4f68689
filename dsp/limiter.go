package dsp

import "math"

// cubeFactor is 1 / (2 * 1.5^3), it makes the soft clip curve flat at 1.5.
const cubeFactor = 1.0 / 6.75

// LimiterParameters describe a limiter.
type LimiterParameters struct {
	ClipLimit float64 `yaml:"clip_limit"`
	SoftClip  bool    `yaml:"soft_clip,omitempty"`
	Lookahead int     `yaml:"lookahead,omitempty"`
}

// Limiter keeps the signal below the clip limit. Without lookahead it hard
// or soft clips every sample. With lookahead it delays the signal and
// applies a smoothed gain computed from a peak envelope of the incoming
// samples, so peaks are caught before they reach the output.
type Limiter struct {
	softClip  bool
	clipLimit float64
	lookahead int
	delay     *Delay

	// lookahead envelope
	history  []float64
	pos      int
	prevPeak float64
	alpha    float64
	beta     float64
	gains    []float64
}

// NewLimiter returns a limiter for provided parameters.
func NewLimiter(p LimiterParameters) *Limiter {
	la := max(p.Lookahead, 0)
	// overshoot needed to avoid clipping with the envelope smoothing
	const overshoot = 1.01
	alpha := 1 - math.Pow(10, math.Log10((overshoot-1)/overshoot)/float64(la+1))
	return &Limiter{
		softClip:  p.SoftClip,
		clipLimit: DBToLinear(p.ClipLimit),
		lookahead: la,
		delay:     NewDelay(la),
		// the window covers the delayed sample too
		history: make([]float64, la+1),
		alpha:   alpha,
		beta:    math.Pow(1-alpha, float64(la+1)),
	}
}

// Lookahead returns the latency of the limiter in samples.
func (l *Limiter) Lookahead() int {
	return l.lookahead
}

// Process limits the waveform in place.
func (l *Limiter) Process(waveform []float64) {
	if l.lookahead == 0 {
		l.clip(waveform)
		return
	}
	gains := l.calculateGains(waveform)
	l.delay.Process(waveform)
	for i := range waveform {
		waveform[i] *= gains[i]
	}
}

// ProcessWithMonitor limits the waveform with gains computed from the
// monitor signal. Monitor must be at least as long as the waveform.
func (l *Limiter) ProcessWithMonitor(monitor, waveform []float64) {
	gains := l.calculateGains(monitor[:len(waveform)])
	l.delay.Process(waveform)
	for i := range waveform {
		waveform[i] *= gains[i]
	}
}

func (l *Limiter) clip(waveform []float64) {
	if !l.softClip {
		for i, v := range waveform {
			waveform[i] = math.Max(-l.clipLimit, math.Min(l.clipLimit, v))
		}
		return
	}
	if l.clipLimit == 0 {
		clear(waveform)
		return
	}
	for i, v := range waveform {
		scaled := math.Max(-1.5, math.Min(1.5, v/l.clipLimit))
		scaled -= cubeFactor * scaled * scaled * scaled
		waveform[i] = scaled * l.clipLimit
	}
}

func (l *Limiter) calculateGains(waveform []float64) []float64 {
	if cap(l.gains) < len(waveform) {
		l.gains = make([]float64, len(waveform))
	}
	l.gains = l.gains[:len(waveform)]
	for i, v := range waveform {
		sample := math.Abs(v)
		overshoot := (sample - l.beta*l.prevPeak) / (1 - l.beta)
		control := math.Max(sample, overshoot)

		l.history[l.pos] = control
		l.pos = (l.pos + 1) % len(l.history)
		peak := control
		for _, h := range l.history {
			peak = math.Max(peak, h)
		}
		l.prevPeak = l.alpha*peak + (1-l.alpha)*l.prevPeak
		if l.prevPeak > l.clipLimit {
			l.gains[i] = l.clipLimit / l.prevPeak
		} else {
			l.gains[i] = 1
		}
	}
	return l.gains
}

// Reset clears the envelope and the delay line.
func (l *Limiter) Reset() {
	l.delay.Reset()
	clear(l.history)
	l.pos = 0
	l.prevPeak = 0
}
