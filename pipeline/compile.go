package pipeline

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/xid"

	"pipelined.dev/live/chunk"
)

type options struct {
	volume float64
	mute   bool
}

// Option configures compilation.
type Option func(*options)

// WithVolume sets the main volume volume-following stages start at.
func WithVolume(db float64, mute bool) Option {
	return func(o *options) {
		o.volume = db
		o.mute = mute
	}
}

// vertex is a declared stage with resolved inputs.
type vertex struct {
	spec   StageSpec
	inputs []int // declaration indexes, -1 is the pipeline input
}

// Compile validates the spec and instantiates every stage. Frames is the
// capacity of chunks that flow through the pipeline. The returned error is
// always a *CompileError.
func Compile(spec Spec, frames int, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cerr := &CompileError{}
	if frames <= 0 {
		cerr.addf("", ErrInvalidChunkSize, "%d frames", frames)
	}
	if spec.Input.Rate <= 0 || spec.Input.Channels <= 0 {
		cerr.addf("", ErrInvalidFormat, "input %v", spec.Input)
	}
	if len(spec.Stages) == 0 {
		cerr.add("", ErrEmptyPipeline)
	}
	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	vertices := resolve(spec, cerr)
	if err := cerr.orNil(); err != nil {
		return nil, err
	}
	order := toposort(vertices, cerr)
	if err := cerr.orNil(); err != nil {
		return nil, err
	}
	out := outputVertex(spec, vertices, cerr)
	if err := cerr.orNil(); err != nil {
		return nil, err
	}
	deadBranches(vertices, out, cerr)
	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		id:     xid.New().String(),
		spec:   spec,
		frames: frames,
		input:  spec.Input,
	}
	// node position by declaration index
	position := make([]int, len(vertices))
	formats := make([]chunk.Format, len(vertices))
	// clock domain of every stage output, 0 is the input domain
	domains := make([]int, len(vertices))
	for _, i := range order {
		v := &vertices[i]
		name := v.spec.Name
		in, domain, ok := junction(v, spec.Input, formats, domains, cerr)
		if !ok {
			continue
		}
		s, f, err := buildStage(&v.spec, in, frames, o)
		if err != nil {
			cerr.add(name, err)
			continue
		}
		if _, ok := s.(*resamplerStage); ok {
			domain = i + 1
		}
		formats[i], domains[i] = f, domain

		n := node{name: name, kind: v.spec.Kind, format: f, stage: s}
		for _, src := range v.inputs {
			if src < 0 {
				n.inputs = append(n.inputs, -1)
				p.inputConsumers++
				continue
			}
			n.inputs = append(n.inputs, position[src])
			p.nodes[position[src]].consumers++
		}
		position[i] = len(p.nodes)
		p.nodes = append(p.nodes, n)
	}
	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	p.out = position[out]
	p.output = formats[out]
	// output of the pipeline is one more consumer
	p.nodes[p.out].consumers++
	if !spec.Output.IsZero() && spec.Output != p.output {
		cerr.addf("", ErrOutputMismatch, "declared %v, pipeline produces %v", spec.Output, p.output)
		return nil, cerr
	}
	p.init()
	return p, nil
}

// resolve assigns names and resolves inputs of every stage.
func resolve(spec Spec, cerr *CompileError) []vertex {
	vertices := make([]vertex, len(spec.Stages))
	names := make(map[string]int, len(spec.Stages))
	for i, s := range spec.Stages {
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s_%d", s.Kind, i)
		}
		vertices[i].spec = s
		switch _, dup := names[s.Name]; {
		case s.Name == InputName:
			cerr.addf(s.Name, ErrInvalidStage, "name %q is reserved", InputName)
		case dup:
			cerr.add(s.Name, ErrDuplicateName)
		default:
			names[s.Name] = i
		}
		checkParams(&vertices[i].spec, cerr)
	}
	for i := range vertices {
		v := &vertices[i]
		inputs := v.spec.Inputs
		if len(inputs) == 0 {
			inputs = []string{InputName}
			if i > 0 {
				inputs = []string{vertices[i-1].spec.Name}
			}
		}
		if len(inputs) > 1 && v.spec.Kind != KindMixer {
			cerr.addf(v.spec.Name, ErrInvalidStage, "only mixers can have %d inputs", len(inputs))
		}
		for _, in := range inputs {
			if in == InputName {
				v.inputs = append(v.inputs, -1)
				continue
			}
			src, ok := names[in]
			if !ok {
				cerr.addf(v.spec.Name, ErrUnknownInput, "%q", in)
				continue
			}
			v.inputs = append(v.inputs, src)
		}
	}
	return vertices
}

// checkParams verifies that exactly the parameters block of the stage kind
// is set.
func checkParams(s *StageSpec, cerr *CompileError) {
	set := s.paramsSet()
	switch s.Kind {
	case KindGain, KindDelay, KindBiquad, KindBiquadCombo, KindConv, KindDiffEq,
		KindLoudness, KindLimiter, KindCompressor, KindMixer, KindResampler:
		if len(set) != 1 || set[0] != s.Kind {
			cerr.addf(s.Name, ErrInvalidStage, "%s stage needs exactly %s parameters, got %v", s.Kind, s.Kind, set)
		}
	case KindVolume:
		if len(set) > 1 || (len(set) == 1 && set[0] != KindVolume) {
			cerr.addf(s.Name, ErrInvalidStage, "volume stage can only have volume parameters, got %v", set)
		}
	default:
		cerr.addf(s.Name, ErrInvalidStage, "unknown kind %q", s.Kind)
	}
}

// toposort orders stages so every stage follows its inputs. Ties are
// broken by declaration order.
func toposort(vertices []vertex, cerr *CompileError) []int {
	indegree := make([]int, len(vertices))
	consumers := make([][]int, len(vertices))
	for i, v := range vertices {
		for _, src := range v.inputs {
			if src >= 0 {
				indegree[i]++
				consumers[src] = append(consumers[src], i)
			}
		}
	}
	order := make([]int, 0, len(vertices))
	placed := make([]bool, len(vertices))
	for len(order) < len(vertices) {
		next := -1
		for i := range vertices {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		placed[next] = true
		order = append(order, next)
		for _, c := range consumers[next] {
			indegree[c]--
		}
	}
	if len(order) < len(vertices) {
		var cycle []string
		for i, v := range vertices {
			if !placed[i] {
				cycle = append(cycle, v.spec.Name)
			}
		}
		cerr.addf("", ErrCycle, "%s", strings.Join(cycle, ", "))
	}
	return order
}

func outputVertex(spec Spec, vertices []vertex, cerr *CompileError) int {
	if spec.OutputStage == "" {
		return len(vertices) - 1
	}
	for i, v := range vertices {
		if v.spec.Name == spec.OutputStage {
			return i
		}
	}
	cerr.addf("", ErrUnknownInput, "output stage %q", spec.OutputStage)
	return -1
}

// deadBranches reports stages whose output never reaches the pipeline
// output.
func deadBranches(vertices []vertex, out int, cerr *CompileError) {
	reached := make([]bool, len(vertices))
	stack := []int{out}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[i] {
			continue
		}
		reached[i] = true
		for _, src := range vertices[i].inputs {
			if src >= 0 {
				stack = append(stack, src)
			}
		}
	}
	for i, v := range vertices {
		if !reached[i] {
			cerr.add(v.spec.Name, ErrDeadBranch)
		}
	}
}

// junction resolves the input format of a stage. Merged inputs must share
// the rate and the clock domain, their channels are concatenated.
func junction(v *vertex, input chunk.Format, formats []chunk.Format, domains []int, cerr *CompileError) (chunk.Format, int, bool) {
	var (
		in     chunk.Format
		domain int
	)
	for k, src := range v.inputs {
		f, d := input, 0
		if src >= 0 {
			f, d = formats[src], domains[src]
			if f.IsZero() {
				// upstream failed, it's reported already
				return in, 0, false
			}
		}
		if k == 0 {
			in, domain = f, d
			continue
		}
		if f.Rate != in.Rate {
			cerr.addf(v.spec.Name, ErrRateMismatch, "inputs at %d Hz and %d Hz", in.Rate, f.Rate)
			return in, 0, false
		}
		if d != domain {
			cerr.add(v.spec.Name, ErrClockDomain)
			return in, 0, false
		}
		in.Channels += f.Channels
	}
	return in, domain, true
}

// Equal reports whether two specs describe the same pipeline.
func Equal(a, b Spec) bool {
	return reflect.DeepEqual(a, b)
}
