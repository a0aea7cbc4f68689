package engine

import (
	"math"
	"sync/atomic"
	"time"
)

// Counters are the telemetry counters of a run. They are updated by the
// loops and read by any goroutine.
type Counters struct {
	Underruns       atomic.Int64
	Overruns        atomic.Int64
	CaptureTimeouts atomic.Int64
	PlaybackStalls  atomic.Int64
	Clipped         atomic.Int64
	Overflowed      atomic.Int64
	Chunks          atomic.Int64
}

// Stats is a snapshot of the engine telemetry.
type Stats struct {
	Underruns       int64
	Overruns        int64
	CaptureTimeouts int64
	PlaybackStalls  int64
	Clipped         int64
	Overflowed      int64
	Chunks          int64
	BufferLevel     float64
	RateAdjust      float64
	// Load is the processing time relative to the chunk duration.
	Load float64
}

func (c *Counters) snapshot() Stats {
	return Stats{
		Underruns:       c.Underruns.Load(),
		Overruns:        c.Overruns.Load(),
		CaptureTimeouts: c.CaptureTimeouts.Load(),
		PlaybackStalls:  c.PlaybackStalls.Load(),
		Clipped:         c.Clipped.Load(),
		Overflowed:      c.Overflowed.Load(),
		Chunks:          c.Chunks.Load(),
	}
}

// Float is a float64 that can be shared between goroutines.
type Float struct {
	bits atomic.Uint64
}

// Load returns the value.
func (f *Float) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Store sets the value.
func (f *Float) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// throttle limits how often a repeated condition is logged. It's owned by
// a single loop.
type throttle struct {
	interval time.Duration
	last     time.Time
	count    int64
}

// hit counts the event and reports how many events happened since the
// last time it returned true.
func (t *throttle) hit(now time.Time) (int64, bool) {
	t.count++
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return 0, false
	}
	n := t.count
	t.count = 0
	t.last = now
	return n, true
}
