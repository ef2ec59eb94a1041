package splat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosplat/internal/models"
)

func testCloud(n int) *models.PointCloud {
	pc := &models.PointCloud{
		Positions: make([]float32, n*3),
		Colors:    make([]uint8, n*3),
	}
	for i := 0; i < n; i++ {
		pc.Positions[3*i] = float32(i) * 0.5
		pc.Positions[3*i+1] = float32(i%3) * 0.25
		pc.Positions[3*i+2] = 1.0
		pc.Colors[3*i] = uint8(40 * i % 256)
		pc.Colors[3*i+1] = 128
		pc.Colors[3*i+2] = 255
	}
	return pc
}

func TestInitFromPointCloud(t *testing.T) {
	d, err := InitFromPointCloud(testCloud(5), 3, 2.0)
	require.NoError(t, err)
	require.Equal(t, 5, d.Size())
	require.NoError(t, d.Validate())

	assert.Equal(t, 0, d.ActiveSHDegree())
	assert.Equal(t, 3, d.MaxSHDegree())
	assert.InDelta(t, 2.0, d.SceneScale(), 1e-12)

	// Colors round-trip through the SH DC conversion.
	c := float64(d.SHDC.At(0, 2))*SH0 + 0.5
	assert.InDelta(t, 1.0, c, 1e-6)

	// Initial opacity activates back to the seeding constant.
	assert.InDelta(t, initialOpacity, float64(d.Opacity(0)), 1e-6)

	// Identity rotation, finite log-scales.
	assert.Equal(t, float32(1), d.RotationsRaw.At(0, 0))
	for j := 0; j < 3; j++ {
		assert.False(t, math.IsInf(float64(d.ScalesRaw.At(0, j)), 0))
		assert.False(t, math.IsNaN(float64(d.ScalesRaw.At(0, j))))
	}
}

func TestInitRejectsBadCloud(t *testing.T) {
	_, err := InitFromPointCloud(&models.PointCloud{}, 3, 1)
	assert.Error(t, err)

	bad := &models.PointCloud{Positions: []float32{1, 2, 3}, Colors: []uint8{1}}
	_, err = InitFromPointCloud(bad, 3, 1)
	assert.Error(t, err)
}

func TestNearestNeighborScale(t *testing.T) {
	// Two points 2 apart: each initial scale should be log(2).
	pc := &models.PointCloud{
		Positions: []float32{0, 0, 0, 2, 0, 0},
		Colors:    []uint8{0, 0, 0, 0, 0, 0},
	}
	d, err := InitFromPointCloud(pc, 0, 1)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), float64(d.ScalesRaw.At(0, 0)), 1e-5)
	assert.InDelta(t, math.Log(2), float64(d.ScalesRaw.At(1, 0)), 1e-5)
}

func TestIncrementSHDegreeSaturates(t *testing.T) {
	d := NewEmpty(1, 2, 1)
	require.Equal(t, 0, d.ActiveSHDegree())
	for i := 0; i < 10; i++ {
		d.IncrementSHDegree()
	}
	assert.Equal(t, 2, d.ActiveSHDegree())
}

func TestAppendAndPruneKeepTensorsAligned(t *testing.T) {
	d, err := InitFromPointCloud(testCloud(4), 1, 1)
	require.NoError(t, err)

	extra := d.Gather([]int{1, 3})
	require.NoError(t, d.Append(extra))
	assert.Equal(t, 6, d.Size())
	require.NoError(t, d.Validate())

	// Appended rows are copies of the gathered rows.
	assert.Equal(t, d.Means.Row(1), d.Means.Row(4))

	keep := []bool{true, false, true, false, true, false}
	require.NoError(t, d.Prune(keep))
	assert.Equal(t, 3, d.Size())
	require.NoError(t, d.Validate())
}

func TestAppendRejectsMismatchedSHLayout(t *testing.T) {
	a := NewEmpty(2, 3, 1)
	b := NewEmpty(2, 1, 1)
	assert.Error(t, a.Append(b))
}

func TestValidateDetectsMisalignment(t *testing.T) {
	d := NewEmpty(3, 1, 1)
	// Simulate a buggy rebuild that grew one tensor only.
	require.NoError(t, d.OpacitiesRaw.AppendRows(d.OpacitiesRaw.Clone()))
	assert.Error(t, d.Validate())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	d, err := InitFromPointCloud(testCloud(3), 1, 1)
	require.NoError(t, err)

	snap := d.Snapshot()
	d.Means.Set(0, 0, 99)
	d.IncrementSHDegree()

	assert.NotEqual(t, float32(99), snap.Means.At(0, 0))
	assert.Equal(t, 0, snap.ActiveSHDegree())

	// Mutating the live population's size leaves the snapshot intact.
	require.NoError(t, d.Prune([]bool{true, false, false}))
	assert.Equal(t, 3, snap.Size())
}

func TestResetOpacity(t *testing.T) {
	d := NewEmpty(4, 0, 1)
	d.OpacitiesRaw.Set(0, 0, InverseSigmoid(0.9))
	d.OpacitiesRaw.Set(1, 0, InverseSigmoid(0.005))
	d.OpacitiesRaw.Set(2, 0, InverseSigmoid(0.5))
	d.OpacitiesRaw.Set(3, 0, InverseSigmoid(0.011))

	d.ResetOpacity(0.01)
	for i := 0; i < d.Size(); i++ {
		assert.LessOrEqual(t, float64(d.Opacity(i)), 0.01+1e-6, "gaussian %d", i)
	}
	assert.Equal(t, 4, d.Size())
}

func TestSigmoidInverse(t *testing.T) {
	for _, y := range []float32{0.005, 0.1, 0.5, 0.9, 0.99} {
		assert.InDelta(t, float64(y), float64(sigmoid(InverseSigmoid(y))), 1e-5)
	}
}
