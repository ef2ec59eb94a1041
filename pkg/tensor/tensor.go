// Package tensor implements the flat float32 row tensors that back the
// per-Gaussian parameter arrays and their optimizer moment buffers.
// A tensor is a dense (rows x cols) matrix stored row-major; all
// population growth and pruning happens through AppendRows and Compact
// so that every attribute of the splat model can be rebuilt with the
// same leading dimension.
package tensor

import (
	"fmt"
)

// Tensor is a dense row-major float32 matrix.
type Tensor struct {
	data []float32
	rows int
	cols int
}

// New allocates a zero-filled tensor of the given shape.
func New(rows, cols int) *Tensor {
	if rows < 0 || cols <= 0 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	return &Tensor{
		data: make([]float32, rows*cols),
		rows: rows,
		cols: cols,
	}
}

// FromSlice wraps an existing row-major slice. The slice is not
// copied; ownership passes to the tensor.
func FromSlice(data []float32, rows, cols int) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: %d elements cannot form a %dx%d tensor", len(data), rows, cols))
	}
	return &Tensor{data: data, rows: rows, cols: cols}
}

// Rows returns the leading dimension.
func (t *Tensor) Rows() int { return t.rows }

// Cols returns the row stride.
func (t *Tensor) Cols() int { return t.cols }

// Data returns the backing slice. Callers must not resize it.
func (t *Tensor) Data() []float32 { return t.data }

// Row returns row i as a subslice of the backing storage.
func (t *Tensor) Row(i int) []float32 {
	return t.data[i*t.cols : (i+1)*t.cols]
}

// At returns the element at row i, column j.
func (t *Tensor) At(i, j int) float32 { return t.data[i*t.cols+j] }

// Set stores v at row i, column j.
func (t *Tensor) Set(i, j int, v float32) { t.data[i*t.cols+j] = v }

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := New(t.rows, t.cols)
	copy(out.data, t.data)
	return out
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Zero resets every element to zero.
func (t *Tensor) Zero() { t.Fill(0) }

// AppendRows concatenates the rows of other onto t. The column counts
// must agree; growth of one attribute without the matching growth of
// its siblings is the caller's invariant to maintain.
func (t *Tensor) AppendRows(other *Tensor) error {
	if other.cols != t.cols {
		return fmt.Errorf("tensor: cannot append %d-column rows to %d-column tensor", other.cols, t.cols)
	}
	t.data = append(t.data, other.data...)
	t.rows += other.rows
	return nil
}

// Compact keeps only the rows for which keep is true, preserving
// order. It returns the number of surviving rows.
func (t *Tensor) Compact(keep []bool) (int, error) {
	if len(keep) != t.rows {
		return 0, fmt.Errorf("tensor: keep mask has %d entries for %d rows", len(keep), t.rows)
	}
	out := 0
	for i, k := range keep {
		if !k {
			continue
		}
		if out != i {
			copy(t.data[out*t.cols:(out+1)*t.cols], t.data[i*t.cols:(i+1)*t.cols])
		}
		out++
	}
	t.data = t.data[:out*t.cols]
	t.rows = out
	return out, nil
}

// GatherRows returns a new tensor holding the selected rows in order.
func (t *Tensor) GatherRows(indices []int) *Tensor {
	out := New(len(indices), t.cols)
	for i, idx := range indices {
		copy(out.Row(i), t.Row(idx))
	}
	return out
}
