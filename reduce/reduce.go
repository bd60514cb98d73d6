// Package reduce implements the pluggable reducer capability used by
// aggregation body terms: named folds that the builder and VM dispatch to
// by name rather than by a fixed, closed set of aggregators.
package reduce

import (
	"fmt"

	"github.com/rhizomedb/rhizome-go/value"
)

// Step folds one more argument tuple into an accumulator.
type Step func(acc value.Value, args []value.Value) (value.Value, error)

// Reducer is a named, deterministic, associative-commutative fold over the
// argument tuples matching an aggregation's group. The engine never
// reorders tuples but relies on the reducer not depending on arrival
// order.
type Reducer struct {
	Name string
	// Init, when present, seeds the accumulator before any Step call. When
	// absent, the first matching tuple's args seed the accumulator instead.
	Init *value.Value
	Step Step
}

// Registry maps reducer names to implementations, so that builder.Rule
// bodies can refer to reducers by name the way a surface syntax would.
type Registry struct {
	reducers map[string]Reducer
}

// NewRegistry constructs a registry pre-populated with the built-in
// reducers (min, max, sum, count) and any user-supplied ones.
func NewRegistry(extra ...Reducer) *Registry {
	r := &Registry{reducers: make(map[string]Reducer)}
	for _, b := range Builtins() {
		r.reducers[b.Name] = b
	}
	for _, e := range extra {
		r.reducers[e.Name] = e
	}
	return r
}

// Lookup returns the named reducer.
func (r *Registry) Lookup(name string) (Reducer, bool) {
	rd, ok := r.reducers[name]
	return rd, ok
}

// Register adds or overrides a reducer.
func (r *Registry) Register(rd Reducer) {
	r.reducers[rd.Name] = rd
}

// Builtins returns fresh copies of the built-in reducers.
func Builtins() []Reducer {
	return []Reducer{
		{
			Name: "min",
			Step: func(acc value.Value, args []value.Value) (value.Value, error) {
				if len(args) != 1 {
					return value.Value{}, fmt.Errorf("min: expected 1 arg, got %d", len(args))
				}
				if args[0].Compare(acc) < 0 {
					return args[0], nil
				}
				return acc, nil
			},
		},
		{
			Name: "max",
			Step: func(acc value.Value, args []value.Value) (value.Value, error) {
				if len(args) != 1 {
					return value.Value{}, fmt.Errorf("max: expected 1 arg, got %d", len(args))
				}
				if args[0].Compare(acc) > 0 {
					return args[0], nil
				}
				return acc, nil
			},
		},
		{
			Name: "sum",
			Init: func() *value.Value { v := value.I64(0); return &v }(),
			Step: func(acc value.Value, args []value.Value) (value.Value, error) {
				if len(args) != 1 {
					return value.Value{}, fmt.Errorf("sum: expected 1 arg, got %d", len(args))
				}
				accI, ok := acc.AsI64()
				if !ok {
					return value.Value{}, fmt.Errorf("sum: accumulator is not I64")
				}
				argI, ok := args[0].AsI64()
				if !ok {
					return value.Value{}, fmt.Errorf("sum: argument is not I64")
				}
				return value.I64(accI + argI), nil
			},
		},
		{
			Name: "count",
			Init: func() *value.Value { v := value.I64(0); return &v }(),
			Step: func(acc value.Value, args []value.Value) (value.Value, error) {
				accI, ok := acc.AsI64()
				if !ok {
					return value.Value{}, fmt.Errorf("count: accumulator is not I64")
				}
				return value.I64(accI + 1), nil
			},
		},
	}
}
