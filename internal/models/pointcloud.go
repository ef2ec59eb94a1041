package models

import (
	"fmt"
)

// PointCloud holds the sparse scene points used to seed the Gaussian
// population at training start.
type PointCloud struct {
	// Positions are the world-space point coordinates, packed as
	// [x0 y0 z0 x1 y1 z1 ...].
	Positions []float32

	// Colors are the per-point RGB colors, packed the same way.
	Colors []uint8
}

// Len returns the number of points in the cloud.
func (p *PointCloud) Len() int {
	return len(p.Positions) / 3
}

// Validate checks that the packed arrays describe the same number of points.
func (p *PointCloud) Validate() error {
	if len(p.Positions)%3 != 0 {
		return fmt.Errorf("point cloud positions length %d is not a multiple of 3", len(p.Positions))
	}
	if len(p.Colors) != len(p.Positions) {
		return fmt.Errorf("point cloud has %d position components but %d color components",
			len(p.Positions), len(p.Colors))
	}
	return nil
}

// TrainingStats is the read-only view of training progress exposed to
// the viewer and the CLI. All fields are value copies; holding a
// TrainingStats never aliases live trainer state.
type TrainingStats struct {
	// Iteration is the number of completed optimization steps.
	Iteration int

	// Loss is the photometric loss of the most recent iteration.
	Loss float64

	// NumGaussians is the current population size.
	NumGaussians int

	// SHDegree is the currently active spherical harmonics degree.
	SHDegree int
}
