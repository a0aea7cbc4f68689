package mutable_test

import (
	"errors"
	"reflect"
	"testing"

	"pipelined.dev/live/mutable"
)

// counter used to set up test cases for mutators
type counter struct {
	mutable.Context
	value      int
	operations int
	expected   int
}

func (c *counter) add(delta int) mutable.Mutation {
	return c.Mutate(func() error {
		c.value += delta
		return nil
	})
}

func newCounters(ops ...int) []*counter {
	counters := make([]*counter, 0, len(ops))
	for _, op := range ops {
		counters = append(counters, &counter{
			Context:    mutable.Mutable(),
			operations: op,
			expected:   op * 10,
		})
	}
	return counters
}

func TestPutMutations(t *testing.T) {
	tests := [][]*counter{
		newCounters(1),
		newCounters(2),
		newCounters(3, 4),
	}
	for _, counters := range tests {
		var mutations mutable.Mutations
		for _, c := range counters {
			for j := 0; j < c.operations; j++ {
				mutations = mutations.Put(c.add(10))
			}
		}
		for _, c := range counters {
			assertEqual(t, "apply", mutations.ApplyTo(c.Context), nil)
			assertEqual(t, "value", c.value, c.expected)
			assertEqual(t, "mutable", c.IsMutable(), true)
		}
		assertEqual(t, "consumed", len(mutations), 0)
	}
}

func TestAppendMutations(t *testing.T) {
	tests := [][]*counter{
		newCounters(1),
		newCounters(2, 3),
	}
	for _, counters := range tests {
		var mutations mutable.Mutations
		for _, c := range counters {
			for j := 0; j < c.operations; j++ {
				var ms mutable.Mutations
				mutations = mutations.Append(ms.Put(c.add(10)))
			}
		}
		for _, c := range counters {
			mutations.ApplyTo(c.Context)
			assertEqual(t, "value", c.value, c.expected)
		}
	}
}

func TestDetachMutations(t *testing.T) {
	tests := [][]*counter{
		newCounters(1),
		newCounters(2, 3),
		newCounters(4, 0),
	}
	for _, counters := range tests {
		var mutations mutable.Mutations
		for _, c := range counters {
			for j := 0; j < c.operations; j++ {
				mutations = mutations.Put(c.add(10))
			}
		}
		for _, c := range counters {
			d := mutations.Detach(c.Context)
			mutations.ApplyTo(c.Context)
			assertEqual(t, "value before", c.value, 0)
			d.ApplyTo(c.Context)
			assertEqual(t, "value after", c.value, c.expected)
		}
	}
}

func TestApplyErrors(t *testing.T) {
	errFirst, errSecond := errors.New("first"), errors.New("second")
	ctx := mutable.Mutable()
	var applied int
	var mutations mutable.Mutations
	mutations = mutations.Put(ctx.Mutate(func() error { applied++; return errFirst }))
	mutations = mutations.Put(ctx.Mutate(func() error { applied++; return nil }))
	mutations = mutations.Put(ctx.Mutate(func() error { applied++; return errSecond }))

	err := mutations.ApplyTo(ctx)
	assertEqual(t, "applied", applied, 3)
	assertEqual(t, "first", errors.Is(err, errFirst), true)
	assertEqual(t, "second", errors.Is(err, errSecond), true)
}

func TestMutability(t *testing.T) {
	ctx := mutable.Immutable()
	assertEqual(t, "immutable", ctx.IsMutable(), false)
	ctx = mutable.Mutable()
	assertEqual(t, "mutable", ctx.IsMutable(), true)
	assertEqual(t, "unique", ctx == mutable.Mutable(), false)
	assertEqual(t, "string", len(ctx.String()), 20)
	assertPanic(t, func() {
		mutable.Immutable().Mutate(func() error {
			return nil
		})
	})
	var ms mutable.Mutations
	assertEqual(t, "put immutable", len(ms.Put(mutable.Mutation{})), 0)

	c := &counter{Context: mutable.Mutable()}
	c.add(10).Apply()
	assertEqual(t, "apply", c.value, 10)
}

func assertEqual(t *testing.T, name string, result, expected interface{}) {
	t.Helper()
	if !reflect.DeepEqual(expected, result) {
		t.Fatalf("%v\nresult: \t%T\t%+v \nexpected: \t%T\t%+v", name, result, result, expected, expected)
	}
}

func assertPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic")
		}
	}()
	fn()
}
