package dsp

// Conv is a FIR filter. It keeps the last len(coefficients)-1 input samples
// between calls, so output of a chunk depends on the previous chunks.
type Conv struct {
	coefficients []float64
	history      []float64
	buf          []float64
}

// NewConv returns a FIR filter with provided impulse response.
func NewConv(coefficients []float64) *Conv {
	c := make([]float64, len(coefficients))
	copy(c, coefficients)
	return &Conv{
		coefficients: c,
		history:      make([]float64, max(len(c)-1, 0)),
	}
}

// Process convolves the waveform in place.
func (f *Conv) Process(waveform []float64) {
	taps := len(f.coefficients)
	if taps == 0 {
		return
	}
	f.buf = append(f.buf[:0], f.history...)
	f.buf = append(f.buf, waveform...)
	for i := range waveform {
		var acc float64
		// buf[i+taps-1] is the current sample
		base := i + taps - 1
		for k, c := range f.coefficients {
			acc += c * f.buf[base-k]
		}
		waveform[i] = acc
	}
	copy(f.history, f.buf[len(f.buf)-len(f.history):])
}

// Reset clears the history.
func (f *Conv) Reset() {
	clear(f.history)
}

// DiffEq is a generic IIR filter defined by its difference equation
// coefficients. a[0] must be non-zero.
type DiffEq struct {
	a, b  []float64
	xHist []float64
	yHist []float64
}

// NewDiffEq returns the filter normalized by a[0].
func NewDiffEq(a, b []float64) *DiffEq {
	if len(a) == 0 {
		a = []float64{1}
	}
	na := make([]float64, len(a))
	nb := make([]float64, len(b))
	for i := range a {
		na[i] = a[i] / a[0]
	}
	for i := range b {
		nb[i] = b[i] / a[0]
	}
	return &DiffEq{
		a:     na,
		b:     nb,
		xHist: make([]float64, len(nb)),
		yHist: make([]float64, len(na)),
	}
}

// Process filters the waveform in place.
func (f *DiffEq) Process(waveform []float64) {
	for i, x := range waveform {
		if len(f.xHist) > 0 {
			copy(f.xHist[1:], f.xHist[:len(f.xHist)-1])
			f.xHist[0] = x
		}
		var y float64
		for k, b := range f.b {
			y += b * f.xHist[k]
		}
		for k := 1; k < len(f.a); k++ {
			y -= f.a[k] * f.yHist[k-1]
		}
		if len(f.yHist) > 1 {
			copy(f.yHist[1:], f.yHist[:len(f.yHist)-1])
		}
		f.yHist[0] = y
		waveform[i] = y
	}
}

// Reset clears the history.
func (f *DiffEq) Reset() {
	clear(f.xHist)
	clear(f.yHist)
}
