// Package splat owns the Gaussian population: the per-primitive
// parameter tensors, their lifecycle (seeding from a point cloud,
// growth, pruning, spherical-harmonics escalation), deep-copy
// snapshots for concurrent readers, and PLY persistence.
package splat

import (
	"fmt"

	"github.com/chewxy/math32"

	"gosplat/pkg/geom"
	"gosplat/pkg/tensor"
)

// SH0 is the degree-0 spherical harmonics basis constant.
const SH0 = 0.28209479177387814

// Data holds the per-Gaussian parameter tensors. Every tensor has the
// same leading dimension N; any operation that grows or prunes the
// population must rebuild all of them together.
type Data struct {
	// Means are world-space positions (N x 3).
	Means *tensor.Tensor

	// ScalesRaw are log-scales (N x 3); the activation is exp.
	ScalesRaw *tensor.Tensor

	// RotationsRaw are unnormalized quaternions (N x 4), stored
	// (w, x, y, z) and normalized on use.
	RotationsRaw *tensor.Tensor

	// OpacitiesRaw are pre-sigmoid opacities (N x 1).
	OpacitiesRaw *tensor.Tensor

	// SHDC are the degree-0 color coefficients (N x 3).
	SHDC *tensor.Tensor

	// SHRest are the higher-degree coefficients (N x (K-1)*3) where
	// K = (maxSHDegree+1)^2. The full degree is allocated up front;
	// the active degree limits how much of each row is evaluated.
	SHRest *tensor.Tensor

	// DensificationInfo is the transient (N x 2) accumulator holding
	// (screen-gradient-norm sum, observation count). It is written by
	// the render backward pass and consumed by the density strategy.
	// It is not persisted.
	DensificationInfo *tensor.Tensor

	activeSHDegree int
	maxSHDegree    int
	sceneScale     float64
}

// NewEmpty allocates a population of n Gaussians with all parameters
// zero. Callers normally use InitFromPointCloud instead.
func NewEmpty(n, maxSHDegree int, sceneScale float64) *Data {
	restCols := shRestCols(maxSHDegree)
	return &Data{
		Means:             tensor.New(n, 3),
		ScalesRaw:         tensor.New(n, 3),
		RotationsRaw:      tensor.New(n, 4),
		OpacitiesRaw:      tensor.New(n, 1),
		SHDC:              tensor.New(n, 3),
		SHRest:            tensor.New(n, restCols),
		DensificationInfo: tensor.New(n, 2),
		activeSHDegree:    0,
		maxSHDegree:       maxSHDegree,
		sceneScale:        sceneScale,
	}
}

// shRestCols returns the flattened column count of the non-DC SH block.
// A degree-0 model still allocates one column so that tensors keep a
// positive stride.
func shRestCols(degree int) int {
	k := (degree + 1) * (degree + 1)
	if k <= 1 {
		return 1
	}
	return (k - 1) * 3
}

// Size returns the current number of Gaussians.
func (d *Data) Size() int { return d.Means.Rows() }

// ActiveSHDegree returns the currently trained SH degree.
func (d *Data) ActiveSHDegree() int { return d.activeSHDegree }

// MaxSHDegree returns the maximum SH degree the tensors can hold.
func (d *Data) MaxSHDegree() int { return d.maxSHDegree }

// SceneScale returns the dataset scale used for learning-rate and
// densify thresholds.
func (d *Data) SceneScale() float64 { return d.sceneScale }

// IncrementSHDegree raises the active SH degree by one, saturating at
// the maximum. The active degree only ever increases.
func (d *Data) IncrementSHDegree() {
	if d.activeSHDegree < d.maxSHDegree {
		d.activeSHDegree++
	}
}

// Opacity returns the activated (sigmoid) opacity of Gaussian i.
func (d *Data) Opacity(i int) float32 {
	return sigmoid(d.OpacitiesRaw.At(i, 0))
}

// Scales returns the activated (exp) scales of Gaussian i.
func (d *Data) Scales(i int) geom.Vec3 {
	row := d.ScalesRaw.Row(i)
	return geom.Vec3{
		float64(math32.Exp(row[0])),
		float64(math32.Exp(row[1])),
		float64(math32.Exp(row[2])),
	}
}

// MaxScale returns the largest activated scale of Gaussian i.
func (d *Data) MaxScale(i int) float64 {
	s := d.Scales(i)
	m := s[0]
	if s[1] > m {
		m = s[1]
	}
	if s[2] > m {
		m = s[2]
	}
	return m
}

// Mean returns the position of Gaussian i.
func (d *Data) Mean(i int) geom.Vec3 {
	row := d.Means.Row(i)
	return geom.Vec3{float64(row[0]), float64(row[1]), float64(row[2])}
}

// Rotation returns the raw quaternion of Gaussian i.
func (d *Data) Rotation(i int) geom.Quat {
	row := d.RotationsRaw.Row(i)
	return geom.Quat{float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])}
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + math32.Exp(-x))
}

// InverseSigmoid returns the pre-activation value producing opacity y.
func InverseSigmoid(y float32) float32 {
	return math32.Log(y / (1.0 - y))
}

// paramTensors lists the parameter tensors in a fixed order shared
// with the optimizer's group layout.
func (d *Data) paramTensors() []*tensor.Tensor {
	return []*tensor.Tensor{d.Means, d.SHDC, d.SHRest, d.ScalesRaw, d.RotationsRaw, d.OpacitiesRaw}
}

// allTensors additionally includes the densification accumulator.
func (d *Data) allTensors() []*tensor.Tensor {
	return append(d.paramTensors(), d.DensificationInfo)
}

var tensorNames = []string{"means", "sh_dc", "sh_rest", "scales", "rotations", "opacities", "densification_info"}

// Validate checks the leading-dimension invariant across all tensors.
// A mismatch indicates a bug in a growth or prune rebuild and is fatal
// to training.
func (d *Data) Validate() error {
	n := d.Means.Rows()
	for i, t := range d.allTensors() {
		if t.Rows() != n {
			return fmt.Errorf("tensor length mismatch: %s has %d rows, means has %d",
				tensorNames[i], t.Rows(), n)
		}
	}
	return nil
}

// Append concatenates the Gaussians of other onto d. Both populations
// must have the same SH layout. The rebuild touches every tensor or
// fails before touching any.
func (d *Data) Append(other *Data) error {
	if other.SHRest.Cols() != d.SHRest.Cols() {
		return fmt.Errorf("cannot append population with SH layout %d to %d",
			other.SHRest.Cols(), d.SHRest.Cols())
	}
	if err := other.Validate(); err != nil {
		return fmt.Errorf("appended population is inconsistent: %w", err)
	}
	dst := d.allTensors()
	src := other.allTensors()
	for i := range dst {
		if err := dst[i].AppendRows(src[i]); err != nil {
			return fmt.Errorf("appending %s: %w", tensorNames[i], err)
		}
	}
	return d.Validate()
}

// Prune removes all Gaussians for which keep is false, compacting
// every tensor with the same mask.
func (d *Data) Prune(keep []bool) error {
	if len(keep) != d.Size() {
		return fmt.Errorf("prune mask has %d entries for %d gaussians", len(keep), d.Size())
	}
	for i, t := range d.allTensors() {
		if _, err := t.Compact(keep); err != nil {
			return fmt.Errorf("pruning %s: %w", tensorNames[i], err)
		}
	}
	return d.Validate()
}

// Gather returns a new population holding the selected Gaussians.
func (d *Data) Gather(indices []int) *Data {
	out := &Data{
		Means:             d.Means.GatherRows(indices),
		ScalesRaw:         d.ScalesRaw.GatherRows(indices),
		RotationsRaw:      d.RotationsRaw.GatherRows(indices),
		OpacitiesRaw:      d.OpacitiesRaw.GatherRows(indices),
		SHDC:              d.SHDC.GatherRows(indices),
		SHRest:            d.SHRest.GatherRows(indices),
		DensificationInfo: d.DensificationInfo.GatherRows(indices),
		activeSHDegree:    d.activeSHDegree,
		maxSHDegree:       d.maxSHDegree,
		sceneScale:        d.sceneScale,
	}
	return out
}

// Snapshot returns a deep copy safe to hand to a concurrent reader
// (viewer render, background export). The copy shares no storage with
// the live tensors.
func (d *Data) Snapshot() *Data {
	return &Data{
		Means:             d.Means.Clone(),
		ScalesRaw:         d.ScalesRaw.Clone(),
		RotationsRaw:      d.RotationsRaw.Clone(),
		OpacitiesRaw:      d.OpacitiesRaw.Clone(),
		SHDC:              d.SHDC.Clone(),
		SHRest:            d.SHRest.Clone(),
		DensificationInfo: d.DensificationInfo.Clone(),
		activeSHDegree:    d.activeSHDegree,
		maxSHDegree:       d.maxSHDegree,
		sceneScale:        d.sceneScale,
	}
}

// ResetDensificationInfo zeroes the accumulator for all Gaussians.
func (d *Data) ResetDensificationInfo() {
	d.DensificationInfo.Zero()
}

// ResetOpacity clamps every raw opacity so that the activated value
// does not exceed ceiling. Population size is unchanged.
func (d *Data) ResetOpacity(ceiling float32) {
	raw := InverseSigmoid(ceiling)
	for i := 0; i < d.OpacitiesRaw.Rows(); i++ {
		if d.OpacitiesRaw.At(i, 0) > raw {
			d.OpacitiesRaw.Set(i, 0, raw)
		}
	}
}
