// Package tensor holds the dense, row-major containers exchanged between the
// packer, the external encoder and the unpacker.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch reports operands whose dimensions disagree.
var ErrShapeMismatch = errors.New("shape mismatch")

// Element constrains matrix cells to integer and float types.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int | ~float32 | ~float64
}

// Matrix is a dense row-major 2-D matrix. Data has exactly Rows*Cols entries.
type Matrix[T Element] struct {
	Rows int
	Cols int
	Data []T
}

// NewMatrix returns a zero-filled rows x cols matrix. It panics on a negative
// dimension.
func NewMatrix[T Element](rows, cols int) Matrix[T] {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: negative matrix shape (%d, %d)", rows, cols))
	}
	return Matrix[T]{Rows: rows, Cols: cols, Data: make([]T, rows*cols)}
}

// PadRows stacks ragged rows into a matrix as wide as the longest row, filling
// the tail of shorter rows with pad. The input rows are copied.
func PadRows[T Element](rows [][]T, pad T) Matrix[T] {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	out := NewMatrix[T](len(rows), width)
	for i, row := range rows {
		dst := out.Row(i)
		n := copy(dst, row)
		for j := n; j < width; j++ {
			dst[j] = pad
		}
	}
	return out
}

// FromRows stacks rows that must all have the same length.
func FromRows[T Element](rows [][]T) (Matrix[T], error) {
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	out := NewMatrix[T](len(rows), width)
	for i, row := range rows {
		if len(row) != width {
			return Matrix[T]{}, fmt.Errorf("%w: row %d has %d values, want %d", ErrShapeMismatch, i, len(row), width)
		}
		copy(out.Row(i), row)
	}
	return out, nil
}

func (m Matrix[T]) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("%w: negative matrix shape (%d, %d)", ErrShapeMismatch, m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("%w: matrix (%d, %d) holds %d values", ErrShapeMismatch, m.Rows, m.Cols, len(m.Data))
	}
	return nil
}

// Row returns row i as a capacity-limited view into the matrix.
func (m Matrix[T]) Row(i int) []T {
	start := i * m.Cols
	end := start + m.Cols
	return m.Data[start:end:end]
}

func (m Matrix[T]) At(i, j int) T {
	return m.Data[i*m.Cols+j]
}

// ToRows returns a copied [][]T view, mostly for JSON encoding.
func (m Matrix[T]) ToRows() [][]T {
	rows := make([][]T, m.Rows)
	for i := range rows {
		rows[i] = append([]T(nil), m.Row(i)...)
	}
	return rows
}

// Float is a dense row-major float32 tensor of arbitrary rank.
type Float struct {
	Shape []int
	Data  []float32
}

func NewFloat(shape ...int) Float {
	size := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		size *= d
	}
	return Float{Shape: append([]int(nil), shape...), Data: make([]float32, size)}
}

// FloatFromNested3 builds a rank-3 tensor from a rectangular nested slice.
func FloatFromNested3(values [][][]float32) (Float, error) {
	d0 := len(values)
	d1, d2 := 0, 0
	if d0 > 0 {
		d1 = len(values[0])
		if d1 > 0 {
			d2 = len(values[0][0])
		}
	}
	out := NewFloat(d0, d1, d2)
	offset := 0
	for i, plane := range values {
		if len(plane) != d1 {
			return Float{}, fmt.Errorf("%w: row %d has %d positions, want %d", ErrShapeMismatch, i, len(plane), d1)
		}
		for j, vec := range plane {
			if len(vec) != d2 {
				return Float{}, fmt.Errorf("%w: position (%d, %d) has width %d, want %d", ErrShapeMismatch, i, j, len(vec), d2)
			}
			offset += copy(out.Data[offset:], vec)
		}
	}
	return out, nil
}

func (f Float) Rank() int {
	return len(f.Shape)
}

func (f Float) Dim(i int) int {
	return f.Shape[i]
}

func (f Float) Validate() error {
	size := 1
	for _, d := range f.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, f.Shape)
		}
		size *= d
	}
	if len(f.Data) != size {
		return fmt.Errorf("%w: tensor %v holds %d values", ErrShapeMismatch, f.Shape, len(f.Data))
	}
	return nil
}

// Slab returns the contiguous sub-tensor at index i of the leading dimension.
func (f Float) Slab(i int) []float32 {
	stride := 1
	for _, d := range f.Shape[1:] {
		stride *= d
	}
	start := i * stride
	end := start + stride
	return f.Data[start:end:end]
}

func (f Float) At(index ...int) float32 {
	if len(index) != len(f.Shape) {
		panic(fmt.Sprintf("tensor: index %v does not match shape %v", index, f.Shape))
	}
	offset := 0
	for i, idx := range index {
		offset = offset*f.Shape[i] + idx
	}
	return f.Data[offset]
}

// Nested3 copies a rank-3 tensor into nested slices.
func (f Float) Nested3() [][][]float32 {
	if f.Rank() != 3 {
		panic(fmt.Sprintf("tensor: Nested3 on rank-%d tensor", f.Rank()))
	}
	out := make([][][]float32, f.Shape[0])
	for i := range out {
		slab := f.Slab(i)
		out[i] = make([][]float32, f.Shape[1])
		for j := range out[i] {
			out[i][j] = append([]float32(nil), slab[j*f.Shape[2]:(j+1)*f.Shape[2]]...)
		}
	}
	return out
}

// PadSequences stacks ragged sequences of width-sized vectors into a
// (len(seqs), longest, width) tensor. Each sequence is a flat slice whose
// length is a multiple of width. Vacant positions are filled with pad, never
// with data from any input.
func PadSequences(seqs [][]float32, width int, pad float32) (Float, error) {
	if width < 0 {
		return Float{}, fmt.Errorf("%w: negative vector width %d", ErrShapeMismatch, width)
	}
	longest := 0
	for i, seq := range seqs {
		if width == 0 {
			if len(seq) != 0 {
				return Float{}, fmt.Errorf("%w: sequence %d is not a multiple of width 0", ErrShapeMismatch, i)
			}
			continue
		}
		if len(seq)%width != 0 {
			return Float{}, fmt.Errorf("%w: sequence %d has %d values, not a multiple of width %d", ErrShapeMismatch, i, len(seq), width)
		}
		if n := len(seq) / width; n > longest {
			longest = n
		}
	}
	out := NewFloat(len(seqs), longest, width)
	for i, seq := range seqs {
		dst := out.Slab(i)
		n := copy(dst, seq)
		for j := n; j < len(dst); j++ {
			dst[j] = pad
		}
	}
	return out, nil
}
