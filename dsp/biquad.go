package dsp

import (
	"errors"
	"fmt"
	"math"
)

// BiquadType identifies a biquad design.
type BiquadType string

// Biquad designs.
const (
	BiquadFree       BiquadType = "Free"
	BiquadLowpass    BiquadType = "Lowpass"
	BiquadHighpass   BiquadType = "Highpass"
	BiquadLowpassFO  BiquadType = "LowpassFO"
	BiquadHighpassFO BiquadType = "HighpassFO"
	BiquadLowshelf   BiquadType = "Lowshelf"
	BiquadHighshelf  BiquadType = "Highshelf"
	BiquadPeaking    BiquadType = "Peaking"
	BiquadNotch      BiquadType = "Notch"
	BiquadBandpass   BiquadType = "Bandpass"
	BiquadAllpass    BiquadType = "Allpass"
)

var (
	// ErrUnstable is returned for coefficients with poles outside the unit
	// circle.
	ErrUnstable = errors.New("unstable filter")
	// ErrInvalidParameter is returned for out of range design parameters.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// BiquadCoefficients are normalized coefficients, a0 is 1.
type BiquadCoefficients struct {
	A1, A2     float64
	B0, B1, B2 float64
}

// BiquadParameters describe a biquad design.
type BiquadParameters struct {
	Type BiquadType `yaml:"type"`
	Freq float64    `yaml:"freq,omitempty"`
	Q    float64    `yaml:"q,omitempty"`
	Gain float64    `yaml:"gain,omitempty"`

	// Free coefficients, a0 is assumed 1.
	A1 float64 `yaml:"a1,omitempty"`
	A2 float64 `yaml:"a2,omitempty"`
	B0 float64 `yaml:"b0,omitempty"`
	B1 float64 `yaml:"b1,omitempty"`
	B2 float64 `yaml:"b2,omitempty"`
}

// Coefficients designs the filter for the sample rate.
func (p BiquadParameters) Coefficients(rate int) (BiquadCoefficients, error) {
	if p.Type == BiquadFree {
		c := BiquadCoefficients{A1: p.A1, A2: p.A2, B0: p.B0, B1: p.B1, B2: p.B2}
		return c, c.Validate()
	}
	fs := float64(rate)
	if p.Freq <= 0 || p.Freq >= fs/2 {
		return BiquadCoefficients{}, fmt.Errorf("%w: freq %v must be in (0, %v)", ErrInvalidParameter, p.Freq, fs/2)
	}
	switch p.Type {
	case BiquadLowpassFO:
		return lowpassFO(fs, p.Freq), nil
	case BiquadHighpassFO:
		return highpassFO(fs, p.Freq), nil
	}
	if p.Q <= 0 {
		return BiquadCoefficients{}, fmt.Errorf("%w: q %v must be positive", ErrInvalidParameter, p.Q)
	}

	omega := 2 * math.Pi * p.Freq / fs
	sn, cs := math.Sin(omega), math.Cos(omega)
	alpha := sn / (2 * p.Q)
	var b0, b1, b2, a0, a1, a2 float64
	switch p.Type {
	case BiquadLowpass:
		b0 = (1 - cs) / 2
		b1 = 1 - cs
		b2 = (1 - cs) / 2
		a0, a1, a2 = 1+alpha, -2*cs, 1-alpha
	case BiquadHighpass:
		b0 = (1 + cs) / 2
		b1 = -(1 + cs)
		b2 = (1 + cs) / 2
		a0, a1, a2 = 1+alpha, -2*cs, 1-alpha
	case BiquadBandpass:
		b0, b1, b2 = alpha, 0, -alpha
		a0, a1, a2 = 1+alpha, -2*cs, 1-alpha
	case BiquadNotch:
		b0, b1, b2 = 1, -2*cs, 1
		a0, a1, a2 = 1+alpha, -2*cs, 1-alpha
	case BiquadAllpass:
		b0, b1, b2 = 1-alpha, -2*cs, 1+alpha
		a0, a1, a2 = 1+alpha, -2*cs, 1-alpha
	case BiquadPeaking:
		a := math.Pow(10, p.Gain/40)
		b0, b1, b2 = 1+alpha*a, -2*cs, 1-alpha*a
		a0, a1, a2 = 1+alpha/a, -2*cs, 1-alpha/a
	case BiquadLowshelf:
		a := math.Pow(10, p.Gain/40)
		sa := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) - (a-1)*cs + sa)
		b1 = 2 * a * ((a - 1) - (a+1)*cs)
		b2 = a * ((a + 1) - (a-1)*cs - sa)
		a0 = (a + 1) + (a-1)*cs + sa
		a1 = -2 * ((a - 1) + (a+1)*cs)
		a2 = (a + 1) + (a-1)*cs - sa
	case BiquadHighshelf:
		a := math.Pow(10, p.Gain/40)
		sa := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) + (a-1)*cs + sa)
		b1 = -2 * a * ((a - 1) + (a+1)*cs)
		b2 = a * ((a + 1) + (a-1)*cs - sa)
		a0 = (a + 1) - (a-1)*cs + sa
		a1 = 2 * ((a - 1) - (a+1)*cs)
		a2 = (a + 1) - (a-1)*cs - sa
	default:
		return BiquadCoefficients{}, fmt.Errorf("%w: unknown biquad type %q", ErrInvalidParameter, p.Type)
	}
	return normalize(b0, b1, b2, a0, a1, a2), nil
}

func normalize(b0, b1, b2, a0, a1, a2 float64) BiquadCoefficients {
	return BiquadCoefficients{
		B0: b0 / a0,
		B1: b1 / a0,
		B2: b2 / a0,
		A1: a1 / a0,
		A2: a2 / a0,
	}
}

func lowpassFO(fs, freq float64) BiquadCoefficients {
	k := math.Tan(math.Pi * freq / fs)
	return BiquadCoefficients{
		B0: k / (1 + k),
		B1: k / (1 + k),
		A1: (k - 1) / (k + 1),
	}
}

func highpassFO(fs, freq float64) BiquadCoefficients {
	k := math.Tan(math.Pi * freq / fs)
	return BiquadCoefficients{
		B0: 1 / (1 + k),
		B1: -1 / (1 + k),
		A1: (k - 1) / (k + 1),
	}
}

// Validate checks that the poles are inside the unit circle.
func (c BiquadCoefficients) Validate() error {
	if math.Abs(c.A2) >= 1 || math.Abs(c.A1) >= 1+c.A2 {
		return fmt.Errorf("%w: a1=%v a2=%v", ErrUnstable, c.A1, c.A2)
	}
	return nil
}

// Biquad is a second order IIR section in transposed direct form II.
type Biquad struct {
	c      BiquadCoefficients
	s1, s2 float64
}

// NewBiquad returns a biquad with provided coefficients.
func NewBiquad(c BiquadCoefficients) *Biquad {
	return &Biquad{c: c}
}

// Process filters the waveform in place.
func (b *Biquad) Process(waveform []float64) {
	c := b.c
	s1, s2 := b.s1, b.s2
	for i, x := range waveform {
		y := c.B0*x + s1
		s1 = c.B1*x - c.A1*y + s2
		s2 = c.B2*x - c.A2*y
		waveform[i] = y
	}
	b.s1, b.s2 = s1, s2
}

// Reset clears the filter state.
func (b *Biquad) Reset() {
	b.s1, b.s2 = 0, 0
}

// BiquadComboType identifies a cascade design.
type BiquadComboType string

// Cascade designs used for crossovers.
const (
	ButterworthLowpass    BiquadComboType = "ButterworthLowpass"
	ButterworthHighpass   BiquadComboType = "ButterworthHighpass"
	LinkwitzRileyLowpass  BiquadComboType = "LinkwitzRileyLowpass"
	LinkwitzRileyHighpass BiquadComboType = "LinkwitzRileyHighpass"
)

const maxBiquadComboOrder = 16

// BiquadComboParameters describe a cascade of biquads.
type BiquadComboParameters struct {
	Type  BiquadComboType `yaml:"type"`
	Freq  float64         `yaml:"freq"`
	Order int             `yaml:"order"`
}

// Sections designs the cascade for the sample rate.
func (p BiquadComboParameters) Sections(rate int) ([]BiquadCoefficients, error) {
	if p.Order <= 0 || p.Order > maxBiquadComboOrder {
		return nil, fmt.Errorf("%w: order %d must be in [1, %d]", ErrInvalidParameter, p.Order, maxBiquadComboOrder)
	}
	highpass := false
	switch p.Type {
	case ButterworthLowpass:
		return butterworth(rate, p.Freq, p.Order, false)
	case ButterworthHighpass:
		return butterworth(rate, p.Freq, p.Order, true)
	case LinkwitzRileyHighpass:
		highpass = true
	case LinkwitzRileyLowpass:
	default:
		return nil, fmt.Errorf("%w: unknown biquad combo type %q", ErrInvalidParameter, p.Type)
	}
	if p.Order%2 != 0 {
		return nil, fmt.Errorf("%w: linkwitz-riley order %d must be even", ErrInvalidParameter, p.Order)
	}
	half, err := butterworth(rate, p.Freq, p.Order/2, highpass)
	if err != nil {
		return nil, err
	}
	return append(half, half...), nil
}

// butterworth returns sections for a butterworth filter of provided order.
func butterworth(rate int, freq float64, order int, highpass bool) ([]BiquadCoefficients, error) {
	sections := make([]BiquadCoefficients, 0, order/2+1)
	t := BiquadLowpass
	fo := BiquadLowpassFO
	if highpass {
		t, fo = BiquadHighpass, BiquadHighpassFO
	}
	for k := 0; k < order/2; k++ {
		theta := math.Pi * float64(2*k+1) / float64(2*order)
		q := 1 / (2 * math.Cos(theta))
		c, err := BiquadParameters{Type: t, Freq: freq, Q: q}.Coefficients(rate)
		if err != nil {
			return nil, err
		}
		sections = append(sections, c)
	}
	if order%2 == 1 {
		c, err := BiquadParameters{Type: fo, Freq: freq}.Coefficients(rate)
		if err != nil {
			return nil, err
		}
		sections = append(sections, c)
	}
	return sections, nil
}

// BiquadCombo is a cascade of biquads.
type BiquadCombo struct {
	sections []*Biquad
}

// NewBiquadCombo returns a cascade with provided sections.
func NewBiquadCombo(sections []BiquadCoefficients) *BiquadCombo {
	bc := &BiquadCombo{sections: make([]*Biquad, 0, len(sections))}
	for _, s := range sections {
		bc.sections = append(bc.sections, NewBiquad(s))
	}
	return bc
}

// Process filters the waveform through every section.
func (bc *BiquadCombo) Process(waveform []float64) {
	for _, s := range bc.sections {
		s.Process(waveform)
	}
}

// Reset clears state of every section.
func (bc *BiquadCombo) Reset() {
	for _, s := range bc.sections {
		s.Reset()
	}
}
