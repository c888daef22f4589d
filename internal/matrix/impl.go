package matrix

import (
	"fmt"
	"maps"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Impl is one implementation of the matrix operations. Operands have been
// shape-checked by the caller.
type Impl interface {
	Name() string
	Version() string

	Add(a, b *Dense) *Dense
	Sub(a, b *Dense) *Dense
	Mul(a, b *Dense) *Dense
	Transpose(a *Dense) *Dense
	Scale(a *Dense, s float64) *Dense
}

var impls = map[string]Impl{}

func register(i Impl) {
	impls[i.Name()] = i
}

func init() {
	register(Naive{})
	register(Blocked{BlockSize: 64})
	register(Parallel{})
}

// Lookup returns the implementation registered under name.
func Lookup(name string) (Impl, error) {
	i, ok := impls[name]
	if !ok {
		return nil, fmt.Errorf("unknown implementation %q (have %v)", name, Implementations())
	}
	return i, nil
}

// Implementations lists registered implementation names, sorted.
func Implementations() []string {
	return slices.Sorted(maps.Keys(impls))
}

// =============================================================================
// Naive
// =============================================================================

// Naive is the textbook implementation.
type Naive struct{}

func (Naive) Name() string    { return "naive" }
func (Naive) Version() string { return "1.0.0" }

func (Naive) Add(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Set(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}

func (Naive) Sub(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Set(i, j, a.At(i, j)-b.At(i, j))
		}
	}
	return out
}

func (Naive) Mul(a, b *Dense) *Dense {
	out := New(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < b.Cols; j++ {
			var sum float64
			for k := 0; k < a.Cols; k++ {
				sum += a.At(i, k) * b.At(k, j)
			}
			out.Set(i, j, sum)
		}
	}
	return out
}

func (Naive) Transpose(a *Dense) *Dense {
	out := New(a.Cols, a.Rows)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Set(j, i, a.At(i, j))
		}
	}
	return out
}

func (Naive) Scale(a *Dense, s float64) *Dense {
	out := New(a.Rows, a.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Set(i, j, a.At(i, j)*s)
		}
	}
	return out
}

// =============================================================================
// Blocked
// =============================================================================

// Blocked works on flat slices and tiles Mul and Transpose for cache reuse.
type Blocked struct {
	BlockSize int
}

func (Blocked) Name() string    { return "blocked" }
func (Blocked) Version() string { return "1.1.0" }

func (Blocked) Add(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = v + b.Data[i]
	}
	return out
}

func (Blocked) Sub(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = v - b.Data[i]
	}
	return out
}

func (bl Blocked) Mul(a, b *Dense) *Dense {
	out := New(a.Rows, b.Cols)
	bs := max(bl.BlockSize, 1)
	for ii := 0; ii < a.Rows; ii += bs {
		for kk := 0; kk < a.Cols; kk += bs {
			for jj := 0; jj < b.Cols; jj += bs {
				mulTile(a, b, out, ii, kk, jj, bs)
			}
		}
	}
	return out
}

// mulTile accumulates one tile of out in i-k-j order.
func mulTile(a, b, out *Dense, ii, kk, jj, bs int) {
	iEnd := min(ii+bs, a.Rows)
	kEnd := min(kk+bs, a.Cols)
	jEnd := min(jj+bs, b.Cols)
	for i := ii; i < iEnd; i++ {
		row := out.Row(i)
		for k := kk; k < kEnd; k++ {
			aik := a.Data[i*a.Cols+k]
			brow := b.Row(k)
			for j := jj; j < jEnd; j++ {
				row[j] += aik * brow[j]
			}
		}
	}
}

func (bl Blocked) Transpose(a *Dense) *Dense {
	out := New(a.Cols, a.Rows)
	bs := max(bl.BlockSize, 1)
	for ii := 0; ii < a.Rows; ii += bs {
		for jj := 0; jj < a.Cols; jj += bs {
			for i := ii; i < min(ii+bs, a.Rows); i++ {
				for j := jj; j < min(jj+bs, a.Cols); j++ {
					out.Data[j*out.Cols+i] = a.Data[i*a.Cols+j]
				}
			}
		}
	}
	return out
}

func (Blocked) Scale(a *Dense, s float64) *Dense {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = v * s
	}
	return out
}

// =============================================================================
// Parallel
// =============================================================================

// Parallel splits rows across GOMAXPROCS workers.
type Parallel struct{}

func (Parallel) Name() string    { return "parallel" }
func (Parallel) Version() string { return "0.9.0" }

// rows runs fn over row ranges concurrently.
func (Parallel) rows(n int, fn func(lo, hi int)) {
	workers := min(runtime.GOMAXPROCS(0), max(n, 1))
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}

func (p Parallel) Add(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	p.rows(a.Rows, func(lo, hi int) {
		for i := lo * a.Cols; i < hi*a.Cols; i++ {
			out.Data[i] = a.Data[i] + b.Data[i]
		}
	})
	return out
}

func (p Parallel) Sub(a, b *Dense) *Dense {
	out := New(a.Rows, a.Cols)
	p.rows(a.Rows, func(lo, hi int) {
		for i := lo * a.Cols; i < hi*a.Cols; i++ {
			out.Data[i] = a.Data[i] - b.Data[i]
		}
	})
	return out
}

func (p Parallel) Mul(a, b *Dense) *Dense {
	out := New(a.Rows, b.Cols)
	p.rows(a.Rows, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			row := out.Row(i)
			for k := 0; k < a.Cols; k++ {
				aik := a.Data[i*a.Cols+k]
				for j, bkj := range b.Row(k) {
					row[j] += aik * bkj
				}
			}
		}
	})
	return out
}

func (p Parallel) Transpose(a *Dense) *Dense {
	out := New(a.Cols, a.Rows)
	p.rows(a.Cols, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			for i := 0; i < a.Rows; i++ {
				out.Data[j*out.Cols+i] = a.Data[i*a.Cols+j]
			}
		}
	})
	return out
}

func (p Parallel) Scale(a *Dense, s float64) *Dense {
	out := New(a.Rows, a.Cols)
	p.rows(a.Rows, func(lo, hi int) {
		for i := lo * a.Cols; i < hi*a.Cols; i++ {
			out.Data[i] = a.Data[i] * s
		}
	})
	return out
}
