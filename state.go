package live

import (
	"context"
	"errors"
)

var (
	// ErrInvalidState is returned if controller method cannot be executed
	// at this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrClosed is returned when the controller is closed.
	ErrClosed = errors.New("controller is closed")
)

// State is the state of the controller.
type State string

// Controller states.
const (
	Stopped State = "stopped"
	Running State = "running"
	Paused  State = "paused"
)

// state identifies one of the possible states controller can be in.
type state interface {
	name() State
	transition(*Controller, eventMessage) (state, error)
}

// states
type (
	idleStopped   struct{}
	activeRunning struct{}
	activePaused  struct{}
)

// states variables
var (
	stopped idleStopped   // Stopped means that engine can be started.
	running activeRunning // Running means that engine is processing audio.
	paused  activePaused  // Paused means that engine plays silence and can be resumed.
)

// event identifies the type of event
type event int

// types of events.
const (
	start event = iota
	stop
	pause
	resume
	reconfigure
	apply
	volume
	closing
)

func (e event) String() string {
	switch e {
	case start:
		return "start"
	case stop:
		return "stop"
	case pause:
		return "pause"
	case resume:
		return "resume"
	case reconfigure:
		return "reconfigure"
	case apply:
		return "apply"
	case volume:
		return "volume"
	case closing:
		return "close"
	}
	return "unknown"
}

// eventMessage is passed into controller's event channel when user does
// some action. The error of the transition is sent to errc.
type eventMessage struct {
	event
	ctx    context.Context
	params eventParams
	errc   chan error
}

// eventParams carries the payload of an event. Only the part relevant to
// the event is set.
type eventParams struct {
	pipeline pipelineChange
	config   configChange
	volume   float64
	mute     bool
}

// reply sends the result of the event back to the caller.
func (e eventMessage) reply(err error) {
	e.errc <- err
	close(e.errc)
}

func (idleStopped) name() State   { return Stopped }
func (activeRunning) name() State { return Running }
func (activePaused) name() State  { return Paused }

func (s idleStopped) transition(c *Controller, e eventMessage) (state, error) {
	switch e.event {
	case closing:
		return nil, nil
	case start:
		if err := c.start(); err != nil {
			return s, err
		}
		return running, nil
	case reconfigure:
		return s, c.storePipeline(e.params.pipeline)
	case apply:
		c.storeConfig(e.params.config.cfg)
		return s, nil
	case volume:
		return s, c.setVolume(e.ctx, e.params.volume, e.params.mute)
	}
	return s, ErrInvalidState
}

func (s activeRunning) transition(c *Controller, e eventMessage) (state, error) {
	switch e.event {
	case closing:
		return nil, c.stop()
	case stop:
		return stopped, c.stop()
	case pause:
		c.run.Pause()
		return paused, nil
	case reconfigure:
		return s, c.swap(e.ctx, e.params.pipeline)
	case apply:
		return c.apply(e.ctx, s, e.params.config)
	case volume:
		return s, c.setVolume(e.ctx, e.params.volume, e.params.mute)
	}
	return s, ErrInvalidState
}

func (s activePaused) transition(c *Controller, e eventMessage) (state, error) {
	switch e.event {
	case closing:
		return nil, c.stop()
	case stop:
		return stopped, c.stop()
	case resume:
		c.run.Resume()
		return running, nil
	case reconfigure:
		return s, c.swap(e.ctx, e.params.pipeline)
	case apply:
		return c.apply(e.ctx, s, e.params.config)
	case volume:
		return s, c.setVolume(e.ctx, e.params.volume, e.params.mute)
	}
	return s, ErrInvalidState
}

// loop listens until nil state is returned.
func (c *Controller) loop() {
	defer close(c.closed)
	var s state = stopped
	for s != nil {
		s = c.listen(s)
		if s == nil {
			c.setState(Stopped)
			return
		}
		c.setState(s.name())
	}
}

// listen waits for a single event or the end of the current run.
func (c *Controller) listen(s state) state {
	select {
	case e := <-c.events:
		next, err := s.transition(c, e)
		if err != nil {
			c.logger.WithError(err).WithField("event", e.event).Warn("event failed")
		}
		e.reply(err)
		return next
	case <-c.runDone():
		c.finish()
		return stopped
	}
}

// send passes the event to the loop and waits for the result.
func (c *Controller) send(ctx context.Context, e event, params eventParams) error {
	msg := eventMessage{
		event:  e,
		ctx:    ctx,
		params: params,
		errc:   make(chan error, 1),
	}
	select {
	case c.events <- msg:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
