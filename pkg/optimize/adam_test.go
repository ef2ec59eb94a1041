package optimize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosplat/pkg/tensor"
)

func TestAdamFirstStepSize(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.1)

	p := tensor.New(1, 1)
	p.Set(0, 0, 1)
	g := tensor.New(1, 1)
	g.Set(0, 0, 0.5)

	require.NoError(t, a.Step("w", p, g))

	// With bias correction the first update has magnitude close to the
	// learning rate regardless of gradient scale.
	assert.InDelta(t, 1-0.1, float64(p.At(0, 0)), 1e-4)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.05)

	p := tensor.New(1, 2)
	p.Set(0, 0, 3)
	p.Set(0, 1, -2)
	g := tensor.New(1, 2)

	// f(x) = x0^2 + 2*x1^2
	for i := 0; i < 500; i++ {
		g.Set(0, 0, 2*p.At(0, 0))
		g.Set(0, 1, 4*p.At(0, 1))
		require.NoError(t, a.Step("w", p, g))
	}
	assert.InDelta(t, 0, float64(p.At(0, 0)), 1e-2)
	assert.InDelta(t, 0, float64(p.At(0, 1)), 1e-2)
}

func TestAdamRejectsShapeMismatch(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.1)

	p := tensor.New(2, 3)
	g := tensor.New(1, 3)
	assert.Error(t, a.Step("w", p, g))

	assert.Error(t, a.Step("unknown", p, p))
}

func TestAdamGrowAndPruneKeepAlignment(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.1)

	p := tensor.New(3, 2)
	g := tensor.New(3, 2)
	for i := 0; i < 3; i++ {
		p.Set(i, 0, float32(i))
		g.Set(i, 0, 1)
	}
	require.NoError(t, a.Step("w", p, g))
	require.Equal(t, 3, a.MomentRows("w"))

	// Grow by two: moments follow and new rows carry no momentum.
	require.NoError(t, a.Grow("w", 2))
	require.Equal(t, 5, a.MomentRows("w"))
	require.NoError(t, p.AppendRows(tensor.New(2, 2)))
	require.NoError(t, a.Step("w", p, tensor.New(5, 2)))

	// Prune down to two rows.
	keep := []bool{true, false, true, false, false}
	_, err := p.Compact(keep)
	require.NoError(t, err)
	require.NoError(t, a.Prune("w", keep))
	require.Equal(t, 2, a.MomentRows("w"))
	require.NoError(t, a.Step("w", p, tensor.New(2, 2)))
}

func TestAdamStepFailsOnStaleMoments(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.1)

	p := tensor.New(2, 1)
	require.NoError(t, a.Step("w", p, tensor.New(2, 1)))

	// Growing the parameter without resizing the optimizer is a bug
	// and must not be silently absorbed.
	require.NoError(t, p.AppendRows(tensor.New(1, 1)))
	assert.Error(t, a.Step("w", p, tensor.New(3, 1)))
}

func TestSetLearningRate(t *testing.T) {
	a := NewAdam()
	a.AddGroup("w", 0.1)
	require.NoError(t, a.SetLearningRate("w", 0.02))
	assert.InDelta(t, 0.02, a.LearningRate("w"), 1e-12)
	assert.Error(t, a.SetLearningRate("missing", 0.1))
}

func TestExponentialDecay(t *testing.T) {
	lr0 := ExponentialDecay(1.6e-4, 1.6e-6, 0, 30000)
	assert.InDelta(t, 1.6e-4, lr0, 1e-12)

	lrEnd := ExponentialDecay(1.6e-4, 1.6e-6, 30000, 30000)
	assert.InDelta(t, 1.6e-6, lrEnd, 1e-12)

	lrMid := ExponentialDecay(1.6e-4, 1.6e-6, 15000, 30000)
	assert.InDelta(t, math.Sqrt(1.6e-4*1.6e-6), lrMid, 1e-9)

	// Monotone decreasing.
	prev := math.Inf(1)
	for step := 0; step <= 30000; step += 5000 {
		lr := ExponentialDecay(1.6e-4, 1.6e-6, step, 30000)
		assert.Less(t, lr, prev)
		prev = lr
	}
}
