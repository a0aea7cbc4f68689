package dsp

import "math"

// OverflowLimit is the largest magnitude a sample may take inside a
// pipeline. Anything above it is treated as numeric overflow.
const OverflowLimit = 1e6

// Clamp replaces non-finite samples with zero and clamps samples above
// OverflowLimit. It returns the number of replaced samples.
func Clamp(waveform []float64) int {
	n := 0
	for i, v := range waveform {
		switch {
		case math.IsNaN(v):
			waveform[i] = 0
		case v > OverflowLimit:
			waveform[i] = OverflowLimit
		case v < -OverflowLimit:
			waveform[i] = -OverflowLimit
		default:
			continue
		}
		n++
	}
	return n
}
