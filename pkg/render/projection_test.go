package render

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosplat/pkg/geom"
	"gosplat/pkg/splat"
)

// testSettings returns a camera looking down +z from the origin.
func testSettings(w, h int) *Settings {
	return &Settings{
		Width:           w,
		Height:          h,
		FocalX:          60,
		FocalY:          60,
		CenterX:         float64(w) / 2,
		CenterY:         float64(h) / 2,
		W2C:             geom.Mat4Identity(),
		NearPlane:       0.01,
		FarPlane:        1e10,
		Eps2D:           0.3,
		ScalingModifier: 1,
		TileSize:        16,
		NumWorkers:      2,
	}
}

// singleGaussian builds a one-Gaussian population with the given mean,
// uniform log-scale, raw quaternion and activated opacity.
func singleGaussian(mean [3]float32, logScale float32, quat [4]float32, opacity float32) *splat.Data {
	d := splat.NewEmpty(1, 0, 1)
	for j := 0; j < 3; j++ {
		d.Means.Set(0, j, mean[j])
		d.ScalesRaw.Set(0, j, logScale)
	}
	for j := 0; j < 4; j++ {
		d.RotationsRaw.Set(0, j, quat[j])
	}
	d.OpacitiesRaw.Set(0, 0, splat.InverseSigmoid(opacity))
	return d
}

func TestProjectionCulling(t *testing.T) {
	s := testSettings(64, 64)

	cases := []struct {
		name    string
		mean    [3]float32
		visible bool
	}{
		{"in front", [3]float32{0, 0, 3}, true},
		{"behind camera", [3]float32{0, 0, -3}, false},
		{"on near plane", [3]float32{0, 0, 0}, false},
		{"far off screen", [3]float32{100, 0, 3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := singleGaussian(tc.mean, -1.5, [4]float32{1, 0, 0, 0}, 0.9)
			p := ProjectForward(d, s)
			if tc.visible {
				assert.Greater(t, p.Radii[0], int32(0))
				assert.Equal(t, 1, p.Visible())
			} else {
				assert.Equal(t, int32(0), p.Radii[0])
				assert.Equal(t, 0, p.Visible())
			}
		})
	}
}

func TestProjectionFarPlaneCulls(t *testing.T) {
	s := testSettings(64, 64)
	s.FarPlane = 10
	d := singleGaussian([3]float32{0, 0, 50}, -1.5, [4]float32{1, 0, 0, 0}, 0.9)
	p := ProjectForward(d, s)
	assert.Equal(t, int32(0), p.Radii[0])
}

func TestProjectionConicPositiveDefinite(t *testing.T) {
	s := testSettings(64, 64)

	quats := [][4]float32{
		{1, 0, 0, 0},
		{0.8, 0.3, -0.2, 0.4},
		{0.2, -0.9, 0.1, 0.3},
	}
	for qi, q := range quats {
		d := splat.NewEmpty(1, 0, 1)
		d.Means.Set(0, 0, 0.1)
		d.Means.Set(0, 2, 3)
		// Strongly anisotropic scales stress the conic inversion.
		d.ScalesRaw.Set(0, 0, -3.5)
		d.ScalesRaw.Set(0, 1, -1.0)
		d.ScalesRaw.Set(0, 2, -2.0)
		for j := 0; j < 4; j++ {
			d.RotationsRaw.Set(0, j, q[j])
		}
		d.OpacitiesRaw.Set(0, 0, splat.InverseSigmoid(0.9))

		p := ProjectForward(d, s)
		require.Greater(t, p.Radii[0], int32(0), "quat %d", qi)
		con := p.Conics[0]
		assert.Greater(t, con[0], 0.0, "quat %d", qi)
		assert.Greater(t, con[2], 0.0, "quat %d", qi)
		assert.Greater(t, con[0]*con[2]-con[1]*con[1], 0.0, "quat %d", qi)
		assert.GreaterOrEqual(t, p.Compensations[0], 0.0)
		assert.LessOrEqual(t, p.Compensations[0], 1.0+1e-9)
	}
}

func TestProjectionMatchesPinholeCenter(t *testing.T) {
	s := testSettings(64, 64)
	d := singleGaussian([3]float32{0.5, -0.25, 2.5}, -2, [4]float32{1, 0, 0, 0}, 0.9)
	p := ProjectForward(d, s)
	require.Greater(t, p.Radii[0], int32(0))
	assert.InDelta(t, 60*0.5/2.5+32, p.Means2D[0][0], 1e-9)
	assert.InDelta(t, 60*-0.25/2.5+32, p.Means2D[0][1], 1e-9)
	assert.InDelta(t, 2.5, p.Depths[0], 1e-9)
}

// projectionScalar reduces the projection outputs of Gaussian 0 to one
// number with fixed weights so finite differences can probe it.
func projectionScalar(d *splat.Data, s *Settings) float64 {
	p := ProjectForward(d, s)
	if p.Radii[0] == 0 {
		return math.NaN()
	}
	return 0.7*p.Means2D[0][0] - 0.4*p.Means2D[0][1] +
		0.3*p.Depths[0] +
		0.5*p.Conics[0][0] - 0.6*p.Conics[0][1] + 0.25*p.Conics[0][2] +
		0.35*p.Compensations[0]
}

func projectionAnalytic(d *splat.Data, s *Settings) *ProjectionGrads {
	p := ProjectForward(d, s)
	return ProjectBackward(d, s, p,
		[][2]float64{{0.7, -0.4}},
		[]float64{0.3},
		[][3]float64{{0.5, -0.6, 0.25}},
		[]float64{0.35})
}

func fdTol(fd float64) float64 {
	return 5e-4 + 0.02*math.Abs(fd)
}

func TestProjectionBackwardFiniteDifference(t *testing.T) {
	s := testSettings(64, 64)
	d := singleGaussian([3]float32{0.2, -0.1, 2.5}, float32(math.Log(0.2)), [4]float32{0.8, 0.3, -0.2, 0.4}, 0.9)
	// Break the isotropy so every scale axis matters.
	d.ScalesRaw.Set(0, 1, float32(math.Log(0.35)))
	d.ScalesRaw.Set(0, 2, float32(math.Log(0.1)))

	g := projectionAnalytic(d, s)
	const eps = 1e-3

	check := func(name string, tensorAt func() float32, tensorSet func(float32), analytic float64) {
		orig := tensorAt()
		tensorSet(orig + eps)
		lp := projectionScalar(d, s)
		tensorSet(orig - eps)
		lm := projectionScalar(d, s)
		tensorSet(orig)
		require.False(t, math.IsNaN(lp) || math.IsNaN(lm), "%s perturbation culled the gaussian", name)
		fd := (lp - lm) / (2 * eps)
		assert.InDelta(t, fd, analytic, fdTol(fd), "%s: fd=%g analytic=%g", name, fd, analytic)
	}

	for j := 0; j < 3; j++ {
		j := j
		check("mean", func() float32 { return d.Means.At(0, j) },
			func(v float32) { d.Means.Set(0, j, v) }, g.Means[0][j])
		check("scale", func() float32 { return d.ScalesRaw.At(0, j) },
			func(v float32) { d.ScalesRaw.Set(0, j, v) }, g.ScalesRaw[0][j])
	}
	for j := 0; j < 4; j++ {
		j := j
		check("quat", func() float32 { return d.RotationsRaw.At(0, j) },
			func(v float32) { d.RotationsRaw.Set(0, j, v) }, g.QuatsRaw[0][j])
	}
}

func TestProjectionPoseGradFiniteDifference(t *testing.T) {
	base := testSettings(64, 64)
	d := singleGaussian([3]float32{0.2, -0.1, 2.5}, float32(math.Log(0.25)), [4]float32{0.9, 0.1, -0.2, 0.3}, 0.9)

	g := projectionAnalytic(d, base)
	const eps = 1e-4

	// Translation column and one rotation entry of the pose.
	probe := []struct{ r, c int }{{0, 3}, {1, 3}, {2, 3}, {0, 1}, {2, 0}}
	for _, pr := range probe {
		s := *base
		orig := s.W2C.At(pr.r, pr.c)
		s.W2C.Set(pr.r, pr.c, orig+eps)
		lp := projectionScalar(d, &s)
		s.W2C.Set(pr.r, pr.c, orig-eps)
		lm := projectionScalar(d, &s)
		fd := (lp - lm) / (2 * eps)
		assert.InDelta(t, fd, g.W2C.At(pr.r, pr.c), fdTol(fd), "pose entry (%d,%d)", pr.r, pr.c)
	}
}
