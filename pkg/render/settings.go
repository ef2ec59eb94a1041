// Package render implements the differentiable Gaussian splatting
// pipeline: EWA projection of 3D Gaussians to screen-space splats,
// tile intersection and depth sorting, front-to-back alpha-compositing
// rasterization, spherical-harmonics color evaluation, and the
// analytic backward passes that push pixel gradients back onto the raw
// Gaussian parameters.
package render

import (
	"runtime"

	"gosplat/pkg/camera"
	"gosplat/pkg/geom"
)

// Compositing constants shared by the forward and backward passes.
// Both passes must make identical skip and termination decisions.
const (
	// minAlpha is the contribution threshold below which a splat is
	// skipped at a pixel.
	minAlpha = 1.0 / 255.0

	// maxAlpha clamps a single splat's contribution.
	maxAlpha = 0.99

	// minTransmittance terminates front-to-back accumulation.
	minTransmittance = 1e-4
)

// Settings carries the per-render camera and algorithm parameters.
// A Settings value is ephemeral: it is built per render call and never
// mutated afterwards.
type Settings struct {
	Width  int
	Height int

	FocalX  float64
	FocalY  float64
	CenterX float64
	CenterY float64

	// W2C is the world-to-camera transform; CamPos the camera center
	// in world space (used for SH view directions).
	W2C    geom.Mat4
	CamPos geom.Vec3

	NearPlane float64
	FarPlane  float64

	// Eps2D is added to the projected covariance diagonal for
	// numerical stability.
	Eps2D float64

	// Antialiasing scales opacity by the determinant compensation so
	// the Eps2D blur does not add energy.
	Antialiasing bool

	// ScalingModifier uniformly scales all Gaussians (viewer control).
	ScalingModifier float64

	// ActiveSHDegree bounds the SH bands evaluated for color.
	ActiveSHDegree int

	TileSize int

	// NumWorkers bounds rasterization goroutines; zero means NumCPU.
	NumWorkers int
}

// SettingsForCamera builds render settings from a camera, filling in
// the canonical defaults for the algorithm parameters.
func SettingsForCamera(cam *camera.Camera, activeSHDegree int) *Settings {
	fx, fy, cx, cy := cam.Intrinsics()
	return &Settings{
		Width:           cam.Width(),
		Height:          cam.Height(),
		FocalX:          fx,
		FocalY:          fy,
		CenterX:         cx,
		CenterY:         cy,
		W2C:             cam.WorldToCamera(),
		CamPos:          cam.Position(),
		NearPlane:       0.01,
		FarPlane:        1e10,
		Eps2D:           0.3,
		ScalingModifier: 1.0,
		ActiveSHDegree:  activeSHDegree,
		TileSize:        16,
		NumWorkers:      runtime.NumCPU(),
	}
}

func (s *Settings) workers() int {
	if s.NumWorkers > 0 {
		return s.NumWorkers
	}
	return runtime.NumCPU()
}

func (s *Settings) tileSize() int {
	if s.TileSize > 0 {
		return s.TileSize
	}
	return 16
}
