// Package matrix is a small dense-matrix package used as the built-in
// library under test. It ships several implementations of the same
// operations so that a benchmark session has something to compare.
package matrix

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ErrShape is returned when operand dimensions do not agree.
var ErrShape = errors.New("matrix: dimension mismatch")

// Dense is a row-major matrix of float64.
type Dense struct {
	Rows int
	Cols int
	Data []float64
}

// New allocates a zero matrix.
func New(rows, cols int) *Dense {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("matrix: negative dimension %dx%d", rows, cols))
	}
	return &Dense{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Random returns a matrix with entries uniform in [-1, 1). The same seed
// always yields the same matrix.
func Random(rows, cols int, seed uint64) *Dense {
	m := New(rows, cols)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = rng.Float64()*2 - 1
	}
	return m
}

// At returns element (i, j).
func (m *Dense) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set sets element (i, j).
func (m *Dense) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Row returns row i without copying.
func (m *Dense) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Bytes is the size of the element storage.
func (m *Dense) Bytes() int64 {
	return int64(len(m.Data)) * 8
}

// EqualApprox reports whether m and o have the same shape and every
// element differs by at most tol.
func (m *Dense) EqualApprox(o *Dense, tol float64) bool {
	if m.Rows != o.Rows || m.Cols != o.Cols {
		return false
	}
	for i, v := range m.Data {
		if math.Abs(v-o.Data[i]) > tol {
			return false
		}
	}
	return true
}

func sameShape(a, b *Dense) error {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return fmt.Errorf("%w: %dx%d and %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	return nil
}
