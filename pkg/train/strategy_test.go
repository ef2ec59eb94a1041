package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosplat/pkg/config"
	"gosplat/pkg/optimize"
	"gosplat/pkg/splat"
	"gosplat/pkg/tensor"
)

func densifyConfig() config.DensifyConfig {
	return config.DensifyConfig{
		GradThreshold:        0.5,
		MinOpacity:           0.005,
		GrowthInterval:       100,
		StartDensify:         0,
		StopDensify:          1000,
		ResetOpacity:         300,
		DensifySizeThreshold: 0.01,
	}
}

// strategyFixture builds a population of n Gaussians with harmless
// defaults plus an optimizer whose moments are allocated and aligned.
func strategyFixture(t *testing.T, n int) (*splat.Data, *optimize.Adam, *Strategy) {
	t.Helper()
	d := splat.NewEmpty(n, 0, 1.0)
	for i := 0; i < n; i++ {
		d.Means.Set(i, 0, float32(i))
		d.RotationsRaw.Set(i, 0, 1)
		for j := 0; j < 3; j++ {
			d.ScalesRaw.Set(i, j, -6) // well under the clone threshold
		}
	}

	opt := optimize.NewAdam()
	lrs := []float64{1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 1e-3}
	tensors := paramGroupTensors(d)
	for gi, name := range paramGroupNames {
		opt.AddGroup(name, lrs[gi])
		grad := tensor.New(tensors[gi].Rows(), tensors[gi].Cols())
		require.NoError(t, opt.Step(name, tensors[gi], grad))
	}
	return d, opt, NewStrategy(densifyConfig(), opt, 7)
}

func markHighGradient(d *splat.Data, i int, grad float32) {
	d.DensificationInfo.Set(i, 0, grad)
	d.DensificationInfo.Set(i, 1, 1)
}

func TestStrategyClonesSmallGaussians(t *testing.T) {
	d, opt, s := strategyFixture(t, 3)
	markHighGradient(d, 1, 1.0)

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cloned)
	assert.Equal(t, 0, report.Split)
	assert.Equal(t, 4, d.Size())
	require.NoError(t, d.Validate())

	// The clone is an exact copy of its source.
	assert.Equal(t, d.Means.Row(1), d.Means.Row(3))

	// Optimizer moments track the rebuild.
	for _, name := range paramGroupNames {
		assert.Equal(t, 4, opt.MomentRows(name), name)
	}

	// Consumed statistics are cleared for the new population.
	assert.Zero(t, d.DensificationInfo.At(1, 0))
}

func TestStrategySplitsLargeGaussians(t *testing.T) {
	d, opt, s := strategyFixture(t, 2)
	// Scale 0.05 exceeds 0.01 * scene scale but stays under the
	// oversized-prune bound.
	for j := 0; j < 3; j++ {
		d.ScalesRaw.Set(0, j, -3)
	}
	markHighGradient(d, 0, 1.0)

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Split)
	assert.Equal(t, 3, d.Size()) // original replaced by two halves

	// The halves are shrunk relative to the original.
	for i := 1; i < 3; i++ {
		assert.Less(t, d.ScalesRaw.At(i, 0), float32(-3))
	}
	for _, name := range paramGroupNames {
		assert.Equal(t, 3, opt.MomentRows(name), name)
	}
}

func TestStrategyPrunesTransparentAndOversized(t *testing.T) {
	d, _, s := strategyFixture(t, 3)
	// Gaussian 0 is nearly transparent, gaussian 1 covers most of the
	// scene; gaussian 2 is healthy.
	d.OpacitiesRaw.Set(0, 0, splat.InverseSigmoid(0.001))
	for j := 0; j < 3; j++ {
		d.ScalesRaw.Set(1, j, 0) // scale 1.0 on a scene of scale 1
	}

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pruned)
	assert.Equal(t, 1, d.Size())
	assert.InDelta(t, 0.5, float64(d.Opacity(0)), 1e-6)
}

func TestStrategyRespectsMaxCap(t *testing.T) {
	d, _, s := strategyFixture(t, 4)
	s.cfg.MaxCap = 5
	grads := []float32{0.6, 0.9, 0.7, 0.8}
	for i, g := range grads {
		markHighGradient(d, i, g)
	}

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cloned)
	assert.Equal(t, 5, d.Size())

	// The highest-gradient candidate won the single budget slot.
	assert.Equal(t, d.Means.Row(1), d.Means.Row(4))
}

func TestStrategySkipsOutsideWindow(t *testing.T) {
	d, _, s := strategyFixture(t, 2)
	markHighGradient(d, 0, 1.0)

	// Not on the growth interval.
	_, err := s.Step(d, 150)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Size())

	// Past the stop iteration.
	s.cfg.StopDensify = 90
	_, err = s.Step(d, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Size())
}

func TestStrategyIgnoresLowGradient(t *testing.T) {
	d, _, s := strategyFixture(t, 2)
	markHighGradient(d, 0, 0.1) // below the 0.5 threshold

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Zero(t, report.Cloned+report.Split)
	assert.Equal(t, 2, d.Size())
}

func TestStrategyOpacityReset(t *testing.T) {
	d, _, s := strategyFixture(t, 2)
	d.OpacitiesRaw.Set(0, 0, splat.InverseSigmoid(0.9))
	d.OpacitiesRaw.Set(1, 0, splat.InverseSigmoid(0.002))

	// An iteration off the growth interval so only the reset fires.
	s.cfg.ResetOpacity = 150
	report, err := s.Step(d, 150)
	require.NoError(t, err)
	assert.True(t, report.OpacityWasReset)

	ceiling := 2 * s.cfg.MinOpacity
	assert.LessOrEqual(t, float64(d.Opacity(0)), ceiling+1e-6)
	// Values already below the ceiling are untouched.
	assert.InDelta(t, 0.002, float64(d.Opacity(1)), 1e-5)
}

func TestStrategyGradientAveragedByCount(t *testing.T) {
	d, _, s := strategyFixture(t, 1)
	// Large accumulated sum over many observations averages below the
	// threshold.
	d.DensificationInfo.Set(0, 0, 4.0)
	d.DensificationInfo.Set(0, 1, 10)

	report, err := s.Step(d, 100)
	require.NoError(t, err)
	assert.Zero(t, report.Cloned+report.Split)
	assert.Equal(t, 1, d.Size())
}
