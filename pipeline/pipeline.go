// Package pipeline compiles a declarative description of filters, mixers and
// resamplers into an executable stage graph.
//
// A compiled Pipeline never changes its structure. Reconfiguration
// compiles a new Pipeline and swaps it in between two chunks.
package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"

	"pipelined.dev/live/chunk"
	"pipelined.dev/live/dsp"
	"pipelined.dev/live/resample"
)

type (
	// Pipeline is a compiled stage graph. It must be used by one goroutine
	// at a time.
	Pipeline struct {
		id     string
		spec   Spec
		frames int
		input  chunk.Format
		output chunk.Format

		// nodes in execution order
		nodes          []node
		out            int
		inputConsumers int

		resamplers []*resample.Resampler
		volumes    []dsp.VolumeSetter
		adjust     float64

		// per cycle state
		lanes      [][]*chunk.Chunk
		remaining  []int
		inputLeft  int
		overflowed atomic.Int64
	}

	node struct {
		name      string
		kind      Kind
		format    chunk.Format
		inputs    []int // node positions, -1 is the pipeline input
		consumers int
		stage     stage
	}
)

func (p *Pipeline) init() {
	p.lanes = make([][]*chunk.Chunk, len(p.nodes))
	p.remaining = make([]int, len(p.nodes))
	p.adjust = 1
	for _, n := range p.nodes {
		switch s := n.stage.(type) {
		case *resamplerStage:
			if s.r.Adaptive() {
				p.resamplers = append(p.resamplers, s.r)
			}
		case *filterStage:
			for _, f := range s.filters {
				if v, ok := f.(dsp.VolumeSetter); ok {
					p.volumes = append(p.volumes, v)
				}
			}
		}
	}
}

// ID returns unique id of this pipeline instance.
func (p *Pipeline) ID() string {
	return p.id
}

// Spec returns the spec the pipeline was compiled from.
func (p *Pipeline) Spec() Spec {
	return p.spec
}

// Input returns the input format.
func (p *Pipeline) Input() chunk.Format {
	return p.input
}

// Output returns the output format.
func (p *Pipeline) Output() chunk.Format {
	return p.output
}

// Frames returns capacity of chunks in the pipeline.
func (p *Pipeline) Frames() int {
	return p.frames
}

// Stages returns names of stages in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.nodes))
	for _, n := range p.nodes {
		names = append(names, n.name)
	}
	return names
}

func (p *Pipeline) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %v", InputName, p.input)
	for _, n := range p.nodes {
		fmt.Fprintf(&b, " -> %s(%s) %v", n.name, n.kind, n.format)
	}
	return b.String()
}

// HasAdaptive reports whether the pipeline contains adaptive resamplers.
func (p *Pipeline) HasAdaptive() bool {
	return len(p.resamplers) > 0
}

// SetRateAdjust passes the adjustment factor to adaptive resamplers.
func (p *Pipeline) SetRateAdjust(f float64) {
	for _, r := range p.resamplers {
		r.SetAdjust(f)
		p.adjust = r.Adjust()
	}
}

// RateAdjust returns the factor applied to adaptive resamplers.
func (p *Pipeline) RateAdjust() float64 {
	return p.adjust
}

// SetVolume passes the main volume to volume-following stages.
func (p *Pipeline) SetVolume(db float64, mute bool) {
	for _, v := range p.volumes {
		v.SetVolume(db, mute)
	}
}

// Overflowed returns the number of samples clamped since compile.
func (p *Pipeline) Overflowed() int64 {
	return p.overflowed.Load()
}

// Reset clears the state of every stage.
func (p *Pipeline) Reset() {
	for _, n := range p.nodes {
		n.stage.reset()
	}
}

// Process threads the chunk through all stages. The chunk is padded with
// silence first and is owned by the pipeline afterwards. Pipelines with
// resamplers return zero or more chunks, the others return exactly one.
func (p *Pipeline) Process(c *chunk.Chunk) []*chunk.Chunk {
	c.Pad()
	return p.run([]*chunk.Chunk{c}, false)
}

// Drain flushes partial chunks buffered by resamplers.
func (p *Pipeline) Drain() []*chunk.Chunk {
	if !p.hasResampler() {
		return nil
	}
	return p.run(nil, true)
}

func (p *Pipeline) hasResampler() bool {
	for _, n := range p.nodes {
		if _, ok := n.stage.(*resamplerStage); ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) run(input []*chunk.Chunk, flush bool) []*chunk.Chunk {
	p.inputLeft = p.inputConsumers
	for i, n := range p.nodes {
		p.remaining[i] = n.consumers
	}
	for i, n := range p.nodes {
		var lane []*chunk.Chunk
		switch s := n.stage.(type) {
		case *filterStage:
			lane = p.take(n.inputs[0], input)
			s.process(lane)
		case *processorStage:
			lane = p.take(n.inputs[0], input)
			s.process(lane)
		case *mixerStage:
			lanes := make([][]*chunk.Chunk, len(n.inputs))
			for k, src := range n.inputs {
				lanes[k] = p.take(src, input)
			}
			lane = s.mix(lanes)
		case *resamplerStage:
			lane = s.process(p.take(n.inputs[0], input), flush)
		}
		p.clamp(lane)
		p.lanes[i] = lane
	}
	out := p.take(p.out, input)
	clear(p.lanes)
	return out
}

// take hands the lane over to its last consumer and clones it for every
// other one.
func (p *Pipeline) take(src int, input []*chunk.Chunk) []*chunk.Chunk {
	var lane []*chunk.Chunk
	var left *int
	if src < 0 {
		lane, left = input, &p.inputLeft
	} else {
		lane, left = p.lanes[src], &p.remaining[src]
	}
	*left--
	if *left == 0 {
		return lane
	}
	clones := make([]*chunk.Chunk, len(lane))
	for i, c := range lane {
		clones[i] = c.Clone()
	}
	return clones
}

func (p *Pipeline) clamp(lane []*chunk.Chunk) {
	for _, c := range lane {
		n := 0
		for _, w := range c.Samples {
			n += dsp.Clamp(w)
		}
		if n > 0 {
			c.Overflow = true
			p.overflowed.Add(int64(n))
		}
	}
}
