package matrix

import (
	"fmt"
	"maps"
	"slices"
)

// Operation is a benchmarkable operation on square operands.
type Operation struct {
	Name string

	// Arity is the number of operands Inputs generates.
	Arity int

	run func(impl Impl, in []*Dense) (*Dense, error)
}

// Inputs generates the operands for a size×size problem. Operand i is
// seeded with seed+i.
func (o Operation) Inputs(size int, seed int64) []*Dense {
	in := make([]*Dense, o.Arity)
	for i := range in {
		in[i] = Random(size, size, uint64(seed)+uint64(i))
	}
	return in
}

// Run applies the operation using impl.
func (o Operation) Run(impl Impl, in []*Dense) (*Dense, error) {
	if len(in) != o.Arity {
		return nil, fmt.Errorf("%s: want %d operands, got %d", o.Name, o.Arity, len(in))
	}
	return o.run(impl, in)
}

// scaleFactor is the constant used by the scale operation.
const scaleFactor = 2.5

var operations = map[string]Operation{
	"add": {Name: "add", Arity: 2, run: func(impl Impl, in []*Dense) (*Dense, error) {
		if err := sameShape(in[0], in[1]); err != nil {
			return nil, err
		}
		return impl.Add(in[0], in[1]), nil
	}},
	"sub": {Name: "sub", Arity: 2, run: func(impl Impl, in []*Dense) (*Dense, error) {
		if err := sameShape(in[0], in[1]); err != nil {
			return nil, err
		}
		return impl.Sub(in[0], in[1]), nil
	}},
	"mult": {Name: "mult", Arity: 2, run: func(impl Impl, in []*Dense) (*Dense, error) {
		if in[0].Cols != in[1].Rows {
			return nil, fmt.Errorf("%w: %dx%d times %dx%d", ErrShape, in[0].Rows, in[0].Cols, in[1].Rows, in[1].Cols)
		}
		return impl.Mul(in[0], in[1]), nil
	}},
	"transpose": {Name: "transpose", Arity: 1, run: func(impl Impl, in []*Dense) (*Dense, error) {
		return impl.Transpose(in[0]), nil
	}},
	"scale": {Name: "scale", Arity: 1, run: func(impl Impl, in []*Dense) (*Dense, error) {
		return impl.Scale(in[0], scaleFactor), nil
	}},
}

// LookupOperation returns the operation registered under name.
func LookupOperation(name string) (Operation, error) {
	op, ok := operations[name]
	if !ok {
		return Operation{}, fmt.Errorf("unknown operation %q (have %v)", name, Operations())
	}
	return op, nil
}

// Operations lists registered operation names, sorted.
func Operations() []string {
	return slices.Sorted(maps.Keys(operations))
}
