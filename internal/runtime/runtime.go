// Package runtime executes loops in their own goroutines. A loop is
// started, executed until it returns an error and then flushed. Panics are
// recovered and reported as errors of the run.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"runtime/debug"
)

type (
	// Executor executes a single iteration of a loop.
	Executor interface {
		Execute(context.Context) error
		Start(context.Context) error
		Flush(context.Context) error
	}

	// StartFunc is a closure that triggers loop start hook.
	StartFunc func(ctx context.Context) error
	// FlushFunc is a closure that triggers loop flush hook.
	FlushFunc func(ctx context.Context) error
	// ExecuteFunc is a single iteration of the loop.
	ExecuteFunc func(ctx context.Context) error

	// Loop builds an Executor from functions. Start and Flush are
	// optional.
	Loop struct {
		StartFunc
		ExecuteFunc
		FlushFunc
	}

	// Option configures the run.
	Option func(*options)

	options struct {
		thread func() error
		failed func(error)
	}
)

// PanicError is returned when an iteration panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Start calls the start hook.
func (fn StartFunc) Start(ctx context.Context) error {
	return callHook(ctx, fn)
}

// Flush calls the flush hook.
func (fn FlushFunc) Flush(ctx context.Context) error {
	return callHook(ctx, fn)
}

// Execute calls the iteration.
func (fn ExecuteFunc) Execute(ctx context.Context) error {
	return fn(ctx)
}

func callHook(ctx context.Context, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// LockThread locks the loop to its OS thread and calls setup on it. Setup
// errors are passed to failed and don't stop the loop.
func LockThread(setup func() error, failed func(error)) Option {
	return func(o *options) {
		o.thread = setup
		o.failed = failed
	}
}

// Run starts the executor in a new goroutine. Returned channel receives
// at most one error and is closed when the loop is done. Loops end
// without error when Execute returns io.EOF or the context is canceled.
func Run(ctx context.Context, e Executor, opts ...Option) <-chan error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	errc := make(chan error, 1)
	go run(ctx, e, o, errc)
	return errc
}

func run(ctx context.Context, e Executor, o options, errc chan<- error) {
	defer close(errc)
	if o.thread != nil {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
		if err := o.thread(); err != nil && o.failed != nil {
			o.failed(err)
		}
	}
	if err := protect(ctx, e.Start); err != nil {
		errc <- fmt.Errorf("error starting loop: %w", err)
		return
	}

	var err error
	execute := e.Execute
	for err == nil {
		err = protect(ctx, execute)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		err = nil
	} else {
		err = fmt.Errorf("error running loop: %w", err)
	}
	if ferr := protect(ctx, e.Flush); ferr != nil {
		err = errors.Join(err, fmt.Errorf("error flushing loop: %w", ferr))
	}
	if err != nil {
		errc <- err
	}
}

func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
