/*
Package live runs a real-time audio DSP engine.

# Concept

Audio is captured from one device, processed by a pipeline of filters,
mixers and resamplers and played to another device:

	capture -> pipeline -> playback

Capture, processing and playback run in their own goroutines and exchange
fixed-size chunks through bounded queues. A slow consumer never blocks a
device: capture drops the oldest queued chunk, playback plays silence when
no chunk arrived in time. Sample rate drift between the two devices is
compensated by a rate controller that steers the playback queue level.

# Controller

Controller owns the engine lifecycle. It's created from a config and
started explicitly:

	c, err := live.New(cfg, live.WithRegistry(registry))
	...
	err = c.Start(ctx)

The controller is a state machine with three states: stopped, running and
paused. Methods that can't be executed in the current state return
ErrInvalidState. The pipeline can be replaced while running:

	err = c.Reconfigure(ctx, spec)

The new pipeline is compiled before the running one is touched and
swapped between two chunks. Config changes are applied with Apply: changed
devices restart the engine, changed pipeline is reconfigured.
*/
package live
