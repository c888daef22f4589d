package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandom_Deterministic(t *testing.T) {
	a := Random(5, 5, 42)
	b := Random(5, 5, 42)
	c := Random(5, 5, 43)

	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.Data, c.Data)
	for _, v := range a.Data {
		assert.GreaterOrEqual(t, v, -1.0)
		assert.Less(t, v, 1.0)
	}
}

func TestImplementations(t *testing.T) {
	assert.Equal(t, []string{"blocked", "naive", "parallel"}, Implementations())

	_, err := Lookup("lapack")
	assert.Error(t, err)
}

func TestOperations(t *testing.T) {
	assert.Equal(t, []string{"add", "mult", "scale", "sub", "transpose"}, Operations())

	_, err := LookupOperation("invert")
	assert.Error(t, err)
}

// =============================================================================
// Agreement across implementations
// =============================================================================

func TestImplsAgreeWithNaive(t *testing.T) {
	// 65 crosses a 64-wide tile boundary
	sizes := []int{1, 7, 65}

	for _, name := range Operations() {
		op, err := LookupOperation(name)
		require.NoError(t, err)

		for _, size := range sizes {
			in := op.Inputs(size, 7)
			want, err := op.Run(Naive{}, in)
			require.NoError(t, err)

			for _, implName := range []string{"blocked", "parallel"} {
				impl, err := Lookup(implName)
				require.NoError(t, err)

				got, err := op.Run(impl, in)
				require.NoError(t, err)
				assert.True(t, want.EqualApprox(got, 1e-9), "%s/%s/%d disagrees with naive", implName, name, size)
			}
		}
	}
}

func TestKnownResults(t *testing.T) {
	a := &Dense{Rows: 2, Cols: 2, Data: []float64{1, 2, 3, 4}}
	b := &Dense{Rows: 2, Cols: 2, Data: []float64{5, 6, 7, 8}}

	for _, impl := range []Impl{Naive{}, Blocked{BlockSize: 1}, Parallel{}} {
		t.Run(impl.Name(), func(t *testing.T) {
			assert.Equal(t, []float64{6, 8, 10, 12}, impl.Add(a, b).Data)
			assert.Equal(t, []float64{-4, -4, -4, -4}, impl.Sub(a, b).Data)
			assert.Equal(t, []float64{19, 22, 43, 50}, impl.Mul(a, b).Data)
			assert.Equal(t, []float64{1, 3, 2, 4}, impl.Transpose(a).Data)
			assert.Equal(t, []float64{2, 4, 6, 8}, impl.Scale(a, 2).Data)
		})
	}
}

func TestTranspose_Rectangular(t *testing.T) {
	a := &Dense{Rows: 2, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6}}
	for _, impl := range []Impl{Naive{}, Blocked{BlockSize: 2}, Parallel{}} {
		got := impl.Transpose(a)
		assert.Equal(t, 3, got.Rows, impl.Name())
		assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, got.Data, impl.Name())
	}
}

// =============================================================================
// Errors
// =============================================================================

func TestRun_ShapeErrors(t *testing.T) {
	a := New(2, 3)
	b := New(2, 3)

	add, _ := LookupOperation("add")
	_, err := add.Run(Naive{}, []*Dense{a, New(3, 2)})
	assert.ErrorIs(t, err, ErrShape)

	mult, _ := LookupOperation("mult")
	_, err = mult.Run(Naive{}, []*Dense{a, b})
	assert.ErrorIs(t, err, ErrShape)

	_, err = mult.Run(Naive{}, []*Dense{a})
	assert.Error(t, err, "wrong arity")
}

func TestNew_NegativePanics(t *testing.T) {
	assert.Panics(t, func() { New(-1, 2) })
}

func TestEmptyMatrix(t *testing.T) {
	p := Parallel{}
	out := p.Add(New(0, 0), New(0, 0))
	assert.Empty(t, out.Data)
}
