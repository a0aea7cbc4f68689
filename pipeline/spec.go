package pipeline

import (
	"pipelined.dev/live/chunk"
	"pipelined.dev/live/dsp"
	"pipelined.dev/live/resample"
)

// Kind is the kind of a stage.
type Kind string

// Stage kinds.
const (
	KindGain        Kind = "gain"
	KindVolume      Kind = "volume"
	KindDelay       Kind = "delay"
	KindBiquad      Kind = "biquad"
	KindBiquadCombo Kind = "biquad_combo"
	KindConv        Kind = "conv"
	KindDiffEq      Kind = "diffeq"
	KindLoudness    Kind = "loudness"
	KindLimiter     Kind = "limiter"
	KindCompressor  Kind = "compressor"
	KindMixer       Kind = "mixer"
	KindResampler   Kind = "resampler"
)

// InputName is the reserved name of the pipeline input.
const InputName = "input"

type (
	// Spec is a declarative description of a pipeline.
	Spec struct {
		Input  chunk.Format `yaml:"input"`
		Output chunk.Format `yaml:"output,omitempty"`
		Stages []StageSpec  `yaml:"stages"`
		// OutputStage names the stage whose output leaves the pipeline.
		// Last declared stage is used if empty.
		OutputStage string `yaml:"output_stage,omitempty"`
	}

	// StageSpec describes a single stage. Exactly one parameters block
	// matching the kind must be set, volume is the only kind that can go
	// without one.
	StageSpec struct {
		Name string `yaml:"name,omitempty"`
		Kind Kind   `yaml:"kind"`
		// Inputs are names of upstream stages or InputName. Previous
		// declared stage is used if empty. Only mixers accept more than
		// one input, their channels are concatenated in declared order.
		Inputs []string `yaml:"inputs,omitempty"`
		// Channels filter stages process. All channels if empty.
		Channels []int `yaml:"channels,omitempty"`

		Gain        *GainParameters            `yaml:"gain,omitempty"`
		Volume      *VolumeParameters          `yaml:"volume,omitempty"`
		Delay       *DelayParameters           `yaml:"delay,omitempty"`
		Biquad      *dsp.BiquadParameters      `yaml:"biquad,omitempty"`
		BiquadCombo *dsp.BiquadComboParameters `yaml:"biquad_combo,omitempty"`
		Conv        *ConvParameters            `yaml:"conv,omitempty"`
		DiffEq      *DiffEqParameters          `yaml:"diffeq,omitempty"`
		Loudness    *dsp.LoudnessParameters    `yaml:"loudness,omitempty"`
		Limiter     *dsp.LimiterParameters     `yaml:"limiter,omitempty"`
		Compressor  *dsp.CompressorParameters  `yaml:"compressor,omitempty"`
		Mixer       *dsp.MixerParameters       `yaml:"mixer,omitempty"`
		Resampler   *resample.Parameters       `yaml:"resampler,omitempty"`
	}

	// GainParameters describe a gain stage.
	GainParameters struct {
		Gain     float64 `yaml:"gain"`
		Linear   bool    `yaml:"linear,omitempty"`
		Inverted bool    `yaml:"inverted,omitempty"`
		Mute     bool    `yaml:"mute,omitempty"`
	}

	// VolumeParameters describe a volume stage that follows the main
	// volume.
	VolumeParameters struct {
		// RampTime in milliseconds.
		RampTime float64 `yaml:"ramp_time,omitempty"`
	}

	// DelayParameters describe a delay stage.
	DelayParameters struct {
		Delay float64 `yaml:"delay"`
		// Unit is "ms" or "samples", "ms" if empty.
		Unit string `yaml:"unit,omitempty"`
	}

	// ConvParameters describe a FIR stage.
	ConvParameters struct {
		Coefficients []float64 `yaml:"coefficients"`
	}

	// DiffEqParameters describe a generic IIR stage.
	DiffEqParameters struct {
		A []float64 `yaml:"a"`
		B []float64 `yaml:"b"`
	}
)

// paramsSet returns kinds of all parameter blocks set on the stage.
func (s *StageSpec) paramsSet() []Kind {
	var kinds []Kind
	add := func(set bool, k Kind) {
		if set {
			kinds = append(kinds, k)
		}
	}
	add(s.Gain != nil, KindGain)
	add(s.Volume != nil, KindVolume)
	add(s.Delay != nil, KindDelay)
	add(s.Biquad != nil, KindBiquad)
	add(s.BiquadCombo != nil, KindBiquadCombo)
	add(s.Conv != nil, KindConv)
	add(s.DiffEq != nil, KindDiffEq)
	add(s.Loudness != nil, KindLoudness)
	add(s.Limiter != nil, KindLimiter)
	add(s.Compressor != nil, KindCompressor)
	add(s.Mixer != nil, KindMixer)
	add(s.Resampler != nil, KindResampler)
	return kinds
}
