// Package dsp provides the filter and mixer primitives a pipeline is built
// from. Every filter carries its own state across calls; state is reset
// only when Reset is called explicitly.
package dsp

import (
	"math"

	"pipelined.dev/live/chunk"
)

type (
	// Filter transforms a single channel in place.
	Filter interface {
		Process(waveform []float64)
		Reset()
	}

	// Processor transforms a whole multi-channel chunk in place. It's used
	// by stages that need to look at several channels at once.
	Processor interface {
		Process(c *chunk.Chunk)
		Reset()
	}

	// VolumeSetter is implemented by filters that follow the main volume.
	VolumeSetter interface {
		SetVolume(db float64, mute bool)
	}
)

// MinDB is the lowest level in dB, treated as silence.
const MinDB = -150.0

// DBToLinear converts decibels to linear amplitude.
func DBToLinear(db float64) float64 {
	if db <= MinDB {
		return 0
	}
	return math.Pow(10, db/20)
}

// LinearToDB converts linear amplitude to decibels.
func LinearToDB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return math.Max(20*math.Log10(v), MinDB)
}
