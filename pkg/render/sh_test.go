package render

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosplat/pkg/splat"
)

// shScene builds a degree-3 single-Gaussian population with coefficient
// values that keep all channels safely above the clamp.
func shScene() *splat.Data {
	d := splat.NewEmpty(1, 3, 1)
	d.Means.Set(0, 0, 0.4)
	d.Means.Set(0, 1, 0.2)
	d.Means.Set(0, 2, 2.0)
	dc := []float32{0.6, 0.3, 0.7}
	for j := 0; j < 3; j++ {
		d.SHDC.Set(0, j, dc[j])
	}
	for j := 0; j < d.SHRest.Cols(); j++ {
		d.SHRest.Set(0, j, float32(j%7-3)*0.015)
	}
	return d
}

func visibleProjection(n int) *Projection {
	p := &Projection{
		N:             n,
		Radii:         make([]int32, n),
		Means2D:       make([][2]float64, n),
		Depths:        make([]float64, n),
		Conics:        make([][3]float64, n),
		Compensations: make([]float64, n),
	}
	for i := range p.Radii {
		p.Radii[i] = 1
	}
	return p
}

func TestEvalSHDegreeZeroIsViewIndependent(t *testing.T) {
	d := shScene()
	p := visibleProjection(1)

	s1 := testSettings(32, 32)
	s1.ActiveSHDegree = 0
	c1 := EvalSHForward(d, s1, p)

	s2 := testSettings(32, 32)
	s2.ActiveSHDegree = 0
	s2.CamPos = [3]float64{5, -3, 1}
	c2 := EvalSHForward(d, s2, p)

	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, c1.rgb[0][ch], c2.rgb[0][ch], 1e-12)
		expected := splat.SH0*float64(d.SHDC.At(0, ch)) + 0.5
		assert.InDelta(t, expected, c1.rgb[0][ch], 1e-6)
	}
}

func TestEvalSHClampsNegativeChannels(t *testing.T) {
	d := shScene()
	d.SHDC.Set(0, 1, -5) // drives green far below zero
	p := visibleProjection(1)
	s := testSettings(32, 32)
	s.ActiveSHDegree = 3

	c := EvalSHForward(d, s, p)
	assert.Equal(t, 0.0, c.rgb[0][1])
	assert.True(t, c.clamped[0][1])

	g := EvalSHBackward(d, s, p, c, [][3]float64{{0, 1, 0}})
	assert.Zero(t, g.dSHDC[0][1])
	assert.Equal(t, [3]float64{}, g.dMeans[0])
}

func TestEvalSHSkipsCulled(t *testing.T) {
	d := shScene()
	p := visibleProjection(1)
	p.Radii[0] = 0
	s := testSettings(32, 32)
	c := EvalSHForward(d, s, p)
	assert.Equal(t, [3]float64{}, c.rgb[0])
}

func TestEvalSHBackwardFiniteDifference(t *testing.T) {
	d := shScene()
	p := visibleProjection(1)
	s := testSettings(32, 32)
	s.ActiveSHDegree = 3

	weights := [][3]float64{{0.6, -0.3, 0.8}}
	scalar := func() float64 {
		c := EvalSHForward(d, s, p)
		sum := 0.0
		for ch := 0; ch < 3; ch++ {
			sum += weights[0][ch] * c.rgb[0][ch]
		}
		return sum
	}

	colors := EvalSHForward(d, s, p)
	for ch := 0; ch < 3; ch++ {
		require.False(t, colors.clamped[0][ch], "scene must stay clear of the clamp")
	}
	g := EvalSHBackward(d, s, p, colors, weights)

	const eps = 1e-3
	check := func(name string, at func() float32, set func(float32), analytic float64) {
		orig := at()
		set(orig + eps)
		lp := scalar()
		set(orig - eps)
		lm := scalar()
		set(orig)
		fd := (lp - lm) / (2 * eps)
		tol := 1e-4 + 0.02*math.Abs(fd)
		assert.InDelta(t, fd, analytic, tol, "%s: fd=%g analytic=%g", name, fd, analytic)
	}

	for j := 0; j < 3; j++ {
		j := j
		check("sh_dc", func() float32 { return d.SHDC.At(0, j) },
			func(v float32) { d.SHDC.Set(0, j, v) }, g.dSHDC[0][j])
		check("mean", func() float32 { return d.Means.At(0, j) },
			func(v float32) { d.Means.Set(0, j, v) }, g.dMeans[0][j])
	}
	for j := 0; j < d.SHRest.Cols(); j++ {
		j := j
		check("sh_rest", func() float32 { return d.SHRest.At(0, j) },
			func(v float32) { d.SHRest.Set(0, j, v) }, g.dSHRest[0][j])
	}
}

func TestSHBasisCount(t *testing.T) {
	assert.Equal(t, 1, shBasisCount(0))
	assert.Equal(t, 4, shBasisCount(1))
	assert.Equal(t, 9, shBasisCount(2))
	assert.Equal(t, 16, shBasisCount(3))
}
