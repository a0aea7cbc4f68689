package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Compile problems.
var (
	ErrInvalidFormat    = errors.New("invalid format")
	ErrDuplicateName    = errors.New("duplicate stage name")
	ErrUnknownInput     = errors.New("unknown input")
	ErrInvalidStage     = errors.New("invalid stage")
	ErrCycle            = errors.New("cycle in stage graph")
	ErrDeadBranch       = errors.New("stage does not reach the output")
	ErrChannelMismatch  = errors.New("channel count mismatch")
	ErrRateMismatch     = errors.New("sample rate mismatch")
	ErrClockDomain      = errors.New("inputs from different clock domains")
	ErrOutputMismatch   = errors.New("output format mismatch")
	ErrEmptyPipeline    = errors.New("pipeline has no stages")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// Problem is a single reason a spec failed to compile.
type Problem struct {
	// Stage is empty for problems of the pipeline as a whole.
	Stage string
	Err   error
}

func (p Problem) Error() string {
	if p.Stage == "" {
		return p.Err.Error()
	}
	return fmt.Sprintf("stage %q: %v", p.Stage, p.Err)
}

func (p Problem) Unwrap() error {
	return p.Err
}

// CompileError is returned by Compile. It carries every problem found.
type CompileError struct {
	Problems []Problem
}

func (e *CompileError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return "compile pipeline: " + strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is and errors.As on individual problems.
func (e *CompileError) Unwrap() []error {
	errs := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		errs = append(errs, p)
	}
	return errs
}

func (e *CompileError) add(stage string, err error) {
	e.Problems = append(e.Problems, Problem{Stage: stage, Err: err})
}

func (e *CompileError) addf(stage string, sentinel error, format string, args ...any) {
	e.add(stage, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}

func (e *CompileError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
