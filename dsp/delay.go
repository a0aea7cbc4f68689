package dsp

// Delay delays the signal by a whole number of samples.
type Delay struct {
	buffer []float64
	pos    int
}

// NewDelay returns a delay line for provided number of samples.
func NewDelay(samples int) *Delay {
	return &Delay{buffer: make([]float64, max(samples, 0))}
}

// DelaySamples converts delay in milliseconds to samples.
func DelaySamples(ms float64, rate int) int {
	return int(ms*float64(rate)/1000 + 0.5)
}

// Len returns the delay in samples.
func (d *Delay) Len() int {
	return len(d.buffer)
}

// Process delays the waveform in place.
func (d *Delay) Process(waveform []float64) {
	if len(d.buffer) == 0 {
		return
	}
	for i, v := range waveform {
		waveform[i] = d.buffer[d.pos]
		d.buffer[d.pos] = v
		d.pos++
		if d.pos == len(d.buffer) {
			d.pos = 0
		}
	}
}

// Reset clears the delay line.
func (d *Delay) Reset() {
	clear(d.buffer)
	d.pos = 0
}
