package splat

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/spatial/kdtree"

	"gosplat/internal/models"
)

// Initial activated opacity assigned to seeded Gaussians.
const initialOpacity = 0.1

// InitFromPointCloud converts a sparse point cloud into the initial
// Gaussian population: positions become means, colors become degree-0
// SH coefficients, scales derive from nearest-neighbor spacing, and
// rotations start at identity with a uniform low opacity.
func InitFromPointCloud(pc *models.PointCloud, maxSHDegree int, sceneScale float64) (*Data, error) {
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid point cloud: %w", err)
	}
	n := pc.Len()
	if n == 0 {
		return nil, fmt.Errorf("point cloud is empty")
	}
	if sceneScale <= 0 {
		sceneScale = 1.0
	}

	d := NewEmpty(n, maxSHDegree, sceneScale)

	// Positions and colors. Colors are converted from [0,255] RGB to
	// zero-centered SH DC coefficients.
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			d.Means.Set(i, j, pc.Positions[3*i+j])
			c := float32(pc.Colors[3*i+j]) / 255.0
			d.SHDC.Set(i, j, (c-0.5)/SH0)
		}
	}

	// Isotropic initial scale from the mean distance to the three
	// nearest neighbors, in log space.
	dists := nearestNeighborDistances(pc.Positions, n)
	for i := 0; i < n; i++ {
		logScale := math32.Log(float32(math.Max(dists[i], 1e-7)))
		for j := 0; j < 3; j++ {
			d.ScalesRaw.Set(i, j, logScale)
		}
	}

	rawOpacity := InverseSigmoid(initialOpacity)
	for i := 0; i < n; i++ {
		d.RotationsRaw.Set(i, 0, 1) // identity quaternion (w,x,y,z)
		d.OpacitiesRaw.Set(i, 0, rawOpacity)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// nearestNeighborDistances returns, per point, the RMS distance to its
// three nearest neighbors. A single-point cloud falls back to a fixed
// spacing.
func nearestNeighborDistances(positions []float32, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = 0.01
		return out
	}

	pts := make(kdtree.Points, n)
	for i := 0; i < n; i++ {
		pts[i] = kdtree.Point{
			float64(positions[3*i]),
			float64(positions[3*i+1]),
			float64(positions[3*i+2]),
		}
	}
	tree := kdtree.New(pts, false)

	k := 4 // self plus three neighbors
	if k > n {
		k = n
	}
	for i := 0; i < n; i++ {
		keep := kdtree.NewNKeeper(k)
		tree.NearestSet(keep, pts[i])

		// Heap entries carry squared Euclidean distances; the self
		// match contributes zero and is averaged out below.
		sum, cnt := 0.0, 0
		for _, cd := range keep.Heap {
			if cd.Comparable == nil || math.IsInf(cd.Dist, 1) {
				continue
			}
			if cd.Dist == 0 {
				continue // self
			}
			sum += cd.Dist
			cnt++
		}
		if cnt == 0 {
			out[i] = 0.01
			continue
		}
		out[i] = math.Sqrt(sum / float64(cnt))
	}
	return out
}

// SceneScaleFromCameras estimates the dataset scale as 1.1 times the
// radius of the camera-center bounding sphere, matching the reference
// initialization. An empty camera set yields scale 1.
func SceneScaleFromCameras(centers [][3]float64) float64 {
	if len(centers) == 0 {
		return 1.0
	}
	var cx, cy, cz float64
	for _, c := range centers {
		cx += c[0]
		cy += c[1]
		cz += c[2]
	}
	inv := 1.0 / float64(len(centers))
	cx, cy, cz = cx*inv, cy*inv, cz*inv

	maxDist := 0.0
	for _, c := range centers {
		dx, dy, dz := c[0]-cx, c[1]-cy, c[2]-cz
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if dist > maxDist {
			maxDist = dist
		}
	}
	if maxDist == 0 {
		return 1.0
	}
	return maxDist * 1.1
}
