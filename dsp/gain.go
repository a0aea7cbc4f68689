package dsp

// Gain multiplies the signal by a constant factor.
type Gain struct {
	gain float64
	mute bool
}

// NewGain returns a gain filter. Gain is in dB unless linear is set.
// Inverted flips the polarity.
func NewGain(gain float64, linear, inverted, mute bool) *Gain {
	g := gain
	if !linear {
		g = DBToLinear(gain)
	}
	if inverted {
		g = -g
	}
	return &Gain{gain: g, mute: mute}
}

// Factor returns the linear gain factor.
func (g *Gain) Factor() float64 {
	return g.gain
}

// Process applies the gain. Unity gain leaves the samples untouched.
func (g *Gain) Process(waveform []float64) {
	if g.mute {
		clear(waveform)
		return
	}
	if g.gain == 1 {
		return
	}
	for i := range waveform {
		waveform[i] *= g.gain
	}
}

// Reset does nothing, gain is stateless.
func (g *Gain) Reset() {}

// Volume is a gain that follows the main volume of the engine. Changes are
// ramped over a number of frames to avoid clicks.
type Volume struct {
	rampFrames int
	current    float64
	target     float64
	step       float64
	remaining  int
}

// NewVolume returns a volume filter at the provided level.
func NewVolume(db float64, rampFrames int) *Volume {
	g := DBToLinear(db)
	return &Volume{
		rampFrames: rampFrames,
		current:    g,
		target:     g,
	}
}

// SetVolume sets a new target level.
func (v *Volume) SetVolume(db float64, mute bool) {
	target := DBToLinear(db)
	if mute {
		target = 0
	}
	if target == v.target {
		return
	}
	v.target = target
	if v.rampFrames <= 0 {
		v.current = target
		v.remaining = 0
		return
	}
	v.remaining = v.rampFrames
	v.step = (v.target - v.current) / float64(v.rampFrames)
}

// Process applies the current volume.
func (v *Volume) Process(waveform []float64) {
	i := 0
	for ; i < len(waveform) && v.remaining > 0; i++ {
		v.current += v.step
		v.remaining--
		if v.remaining == 0 {
			v.current = v.target
		}
		waveform[i] *= v.current
	}
	if i == len(waveform) || v.current == 1 {
		return
	}
	for ; i < len(waveform); i++ {
		waveform[i] *= v.current
	}
}

// Reset jumps to the target level.
func (v *Volume) Reset() {
	v.current = v.target
	v.remaining = 0
}
