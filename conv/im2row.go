package conv

import (
	"fmt"
	"sync"

	"github.com/gordonliu0/LightForker"
	"github.com/unixpickle/anyvec"
)

// Im2Row maps the windows of an image tensor to the rows
// of a matrix.
//
// The i-th row holds the window at the i-th (x,y) output
// position of a Conv with the same geometry, and each row
// is laid out the way the Conv's filters are: row-major,
// depth-minor.
//
// An Im2Row caches its mapper, so its fields must not be
// modified after the first mapping.
type Im2Row struct {
	WindowWidth  int
	WindowHeight int

	StrideX int
	StrideY int

	InputWidth  int
	InputHeight int
	InputDepth  int

	mapperLock sync.Mutex
	mapper     anyvec.Mapper
}

// InputSize returns the number of components in one input
// tensor.
func (m *Im2Row) InputSize() int {
	return m.InputWidth * m.InputHeight * m.InputDepth
}

// NumX returns the number of horizontal window positions.
func (m *Im2Row) NumX() int {
	return numPositions(m.InputWidth, m.WindowWidth, m.StrideX)
}

// NumY returns the number of vertical window positions.
func (m *Im2Row) NumY() int {
	return numPositions(m.InputHeight, m.WindowHeight, m.StrideY)
}

// MakeOut allocates a matrix large enough for one mapped
// input tensor.
func (m *Im2Row) MakeOut(c anyvec.Creator) *anyvec.Matrix {
	rows := m.NumX() * m.NumY()
	cols := m.WindowWidth * m.WindowHeight * m.InputDepth
	return &anyvec.Matrix{Data: c.MakeVector(rows * cols), Rows: rows, Cols: cols}
}

// Map maps every tensor in a batch and calls f with the
// tensor's index and its row matrix.
//
// The matrix is reused between calls, so f must not keep
// a reference to it.
// If parallel is set, f may be called concurrently and in
// any order, but never twice for the same index.
func (m *Im2Row) Map(in anyvec.Vector, parallel bool, f func(idx int, mat *anyvec.Matrix)) {
	inSize := m.InputSize()
	if in.Len()%inSize != 0 {
		panic(fmt.Sprintf("input length %d not divisible by %d", in.Len(), inSize))
	}
	mapper := m.Mapper(in.Creator())
	m.Call(in.Creator(), in.Len()/inSize, parallel, func(i int, mat *anyvec.Matrix) {
		mapper.Map(in.Slice(inSize*i, inSize*(i+1)), mat.Data)
		f(i, mat)
	})
}

// Call is like Map, except that the matrix passed to f is
// scratch space with unspecified contents.
func (m *Im2Row) Call(c anyvec.Creator, n int, parallel bool, f func(int, *anyvec.Matrix)) {
	if !parallel {
		mat := m.MakeOut(c)
		for i := 0; i < n; i++ {
			f(i, mat)
		}
		return
	}
	lightforker.ParallelFor(n, func() func(int) {
		mat := m.MakeOut(c)
		return func(i int) {
			f(i, mat)
		}
	})
}

// Mapper returns the (cached) mapper for the window
// layout.
func (m *Im2Row) Mapper(c anyvec.Creator) anyvec.Mapper {
	m.mapperLock.Lock()
	defer m.mapperLock.Unlock()
	if m.mapper != nil && m.mapper.Creator() == c {
		return m.mapper
	}

	rowSize := m.InputWidth * m.InputDepth
	mapping := make([]int, 0, m.NumX()*m.NumY()*m.WindowWidth*m.WindowHeight*m.InputDepth)
	for y := 0; y+m.WindowHeight <= m.InputHeight; y += m.StrideY {
		for x := 0; x+m.WindowWidth <= m.InputWidth; x += m.StrideX {
			for wy := 0; wy < m.WindowHeight; wy++ {
				start := (y+wy)*rowSize + x*m.InputDepth
				for i := 0; i < m.WindowWidth*m.InputDepth; i++ {
					mapping = append(mapping, start+i)
				}
			}
		}
	}
	m.mapper = c.MakeMapper(m.InputSize(), mapping)
	return m.mapper
}

func numPositions(inSize, window, stride int) int {
	n := 1 + (inSize-window)/stride
	if n < 0 || inSize < window {
		return 0
	}
	return n
}
