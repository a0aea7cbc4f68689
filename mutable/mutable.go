// Package mutable delivers changes to components owned by other
// goroutines. A change is wrapped into a Mutation and applied by the owner
// between two chunks, so components never need locks on the hot path.
package mutable

import (
	"errors"

	"github.com/rs/xid"
)

// zero value for context is immutable.
var immutable = Context{}

type (
	// Context can be embedded to make structure behaviour mutable.
	Context xid.ID

	// Mutation is mutator function associated with a certain mutable context.
	Mutation struct {
		Context
		mutator MutatorFunc
	}

	// Mutations is a set of Mutations mapped their Mutables.
	Mutations map[Context][]MutatorFunc

	// MutatorFunc mutates the object.
	MutatorFunc func() error
)

// Mutable returns new mutable context.
func Mutable() Context {
	return Context(xid.New())
}

// Immutable returns immutable context.
func Immutable() Context {
	return immutable
}

// String returns the id of the context.
func (c Context) String() string {
	return xid.ID(c).String()
}

// Mutate associates provided mutator with mutable and return mutation.
func (c Context) Mutate(m MutatorFunc) Mutation {
	if c == immutable {
		panic("mutate immutable")
	}
	return Mutation{
		Context: c,
		mutator: m,
	}
}

// IsMutable returns true if object is mutable.
func (c Context) IsMutable() bool {
	return c != immutable
}

// Apply mutator function.
func (m Mutation) Apply() error {
	return m.mutator()
}

// Put mutation to the set of Mutations.
func (ms Mutations) Put(m Mutation) Mutations {
	if m.Context == immutable {
		return ms
	}
	if ms == nil {
		return map[Context][]MutatorFunc{m.Context: {m.mutator}}
	}
	ms[m.Context] = append(ms[m.Context], m.mutator)
	return ms
}

// ApplyTo consumes Mutations defined for consumer in this set. All
// mutators are applied, errors are joined.
func (ms Mutations) ApplyTo(id Context) error {
	if ms == nil || id == immutable {
		return nil
	}
	fns, ok := ms[id]
	if !ok {
		return nil
	}
	delete(ms, id)
	var errs []error
	for _, fn := range fns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Append param set to another set.
func (ms Mutations) Append(source Mutations) Mutations {
	if ms == nil {
		ms = make(map[Context][]MutatorFunc)
	}
	for id, fns := range source {
		ms[id] = append(ms[id], fns...)
	}
	return ms
}

// Detach mutations for provided component id.
func (ms Mutations) Detach(id Context) Mutations {
	if ms == nil {
		return nil
	}
	if v, ok := ms[id]; ok {
		d := map[Context][]MutatorFunc{id: v}
		delete(ms, id)
		return d
	}
	return nil
}
