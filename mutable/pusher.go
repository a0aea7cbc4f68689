package mutable

import (
	"context"
	"errors"
)

// ErrUnknownContext is returned when mutation is put for a context without
// destination.
var ErrUnknownContext = errors.New("unknown mutable context")

type (
	// Pusher allows to push mutations to mutable contexts. It's not safe
	// for concurrent use.
	Pusher struct {
		destinations map[Context]Destination
		mutations    map[Destination]Mutations
	}

	// Destination is a channel that used as source of mutations.
	Destination chan Mutations
)

// NewPusher creates new pusher.
func NewPusher() Pusher {
	return Pusher{
		destinations: make(map[Context]Destination),
		mutations:    make(map[Destination]Mutations),
	}
}

// NewDestination returns a destination that holds one pending set.
func NewDestination() Destination {
	return make(chan Mutations, 1)
}

// AddDestination adds new mapping of mutable context to destination.
func (p Pusher) AddDestination(ctx Context, d Destination) {
	p.destinations[ctx] = d
}

// RemoveDestination removes the mapping along with mutations that were
// not pushed yet.
func (p Pusher) RemoveDestination(ctx Context) {
	d, ok := p.destinations[ctx]
	if !ok {
		return
	}
	delete(p.destinations, ctx)
	if ms, ok := p.mutations[d]; ok {
		ms.Detach(ctx)
	}
}

// Put mutations to the pusher.
func (p Pusher) Put(mutations ...Mutation) error {
	for _, m := range mutations {
		d, ok := p.destinations[m.Context]
		if !ok {
			return ErrUnknownContext
		}
		p.mutations[d] = p.mutations[d].Put(m)
	}
	return nil
}

// Push mutations to the destinations. It blocks until every destination
// accepted its set or the context is done.
func (p Pusher) Push(ctx context.Context) error {
	for d, ms := range p.mutations {
		if len(ms) == 0 {
			continue
		}
		select {
		case d <- ms:
			delete(p.mutations, d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive returns pending mutations without blocking.
func (d Destination) Receive() Mutations {
	select {
	case ms := <-d:
		return ms
	default:
		return nil
	}
}
