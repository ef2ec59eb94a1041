package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndAccess(t *testing.T) {
	m := New(3, 2)
	require.Equal(t, 3, m.Rows())
	require.Equal(t, 2, m.Cols())

	m.Set(1, 1, 5)
	assert.Equal(t, float32(5), m.At(1, 1))
	assert.Equal(t, []float32{0, 5}, m.Row(1))
}

func TestAppendRows(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	b := FromSlice([]float32{5, 6}, 1, 2)

	require.NoError(t, a.AppendRows(b))
	assert.Equal(t, 3, a.Rows())
	assert.Equal(t, []float32{5, 6}, a.Row(2))

	// Column mismatch must be rejected, not silently reshaped.
	c := FromSlice([]float32{7, 8, 9}, 1, 3)
	assert.Error(t, a.AppendRows(c))
	assert.Equal(t, 3, a.Rows())
}

func TestCompact(t *testing.T) {
	m := FromSlice([]float32{1, 1, 2, 2, 3, 3, 4, 4}, 4, 2)
	n, err := m.Compact([]bool{true, false, true, false})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, []float32{1, 1}, m.Row(0))
	assert.Equal(t, []float32{3, 3}, m.Row(1))

	// Wrong mask length is an invariant violation.
	_, err = m.Compact([]bool{true})
	assert.Error(t, err)
}

func TestCompactAll(t *testing.T) {
	m := FromSlice([]float32{1, 2, 3}, 3, 1)
	n, err := m.Compact([]bool{false, false, false})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, m.Rows())
}

func TestCloneIsDeep(t *testing.T) {
	a := FromSlice([]float32{1, 2}, 1, 2)
	b := a.Clone()
	b.Set(0, 0, 9)
	assert.Equal(t, float32(1), a.At(0, 0))
}

func TestGatherRows(t *testing.T) {
	m := FromSlice([]float32{0, 1, 2, 3, 4, 5}, 3, 2)
	g := m.GatherRows([]int{2, 0, 2})
	assert.Equal(t, 3, g.Rows())
	assert.Equal(t, []float32{4, 5}, g.Row(0))
	assert.Equal(t, []float32{0, 1}, g.Row(1))
	assert.Equal(t, []float32{4, 5}, g.Row(2))
}

func TestFillZero(t *testing.T) {
	m := New(2, 2)
	m.Fill(7)
	assert.Equal(t, []float32{7, 7}, m.Row(1))
	m.Zero()
	assert.Equal(t, []float32{0, 0}, m.Row(0))
}
