package render

import (
	"math"

	"gosplat/pkg/geom"
	"gosplat/pkg/splat"
)

// Projection holds the screen-space splats produced by projecting the
// Gaussian population through one camera. Arrays are indexed by
// Gaussian; a zero radius marks a culled Gaussian, and every other
// field for that index is undefined.
type Projection struct {
	N       int
	Radii   []int32
	Means2D [][2]float64
	Depths  []float64

	// Conics are the inverse 2D covariances stored (a, b, c) for the
	// symmetric matrix [[a, b], [b, c]].
	Conics [][3]float64

	// Compensations hold sqrt(det(cov)/det(cov+eps*I)), the opacity
	// factor that keeps the stability blur from adding energy.
	Compensations []float64
}

// ProjectionGrads accumulates the gradients produced by the projection
// backward pass, expressed with respect to the raw (pre-activation)
// Gaussian parameters and the camera pose.
type ProjectionGrads struct {
	Means     [][3]float64
	ScalesRaw [][3]float64
	QuatsRaw  [][4]float64

	// W2C holds the pose gradient: the rotation block and translation
	// column of the world-to-camera transform.
	W2C geom.Mat4
}

// Visible reports how many Gaussians survived culling.
func (p *Projection) Visible() int {
	n := 0
	for _, r := range p.Radii {
		if r > 0 {
			n++
		}
	}
	return n
}

// tanHalfFOV returns the clamp limits used by the EWA Jacobian. Points
// far outside the frustum are pulled back to 1.3x the half-FOV tangent
// before the local affine approximation is taken.
func (s *Settings) tanHalfFOV() (limX, limY float64) {
	tanX := float64(s.Width) / (2 * s.FocalX)
	tanY := float64(s.Height) / (2 * s.FocalY)
	return 1.3 * tanX, 1.3 * tanY
}

// ProjectForward projects every Gaussian into screen space: camera
// transform, depth culling, covariance propagation through the local
// affine (EWA) approximation, conic inversion and bounding-radius
// computation. Gaussians behind the near plane, beyond the far plane,
// with a degenerate 2D covariance, or entirely outside the image are
// culled.
func ProjectForward(d *splat.Data, s *Settings) *Projection {
	n := d.Size()
	p := &Projection{
		N:             n,
		Radii:         make([]int32, n),
		Means2D:       make([][2]float64, n),
		Depths:        make([]float64, n),
		Conics:        make([][3]float64, n),
		Compensations: make([]float64, n),
	}

	w := s.W2C.Rotation()
	trans := s.W2C.Translation()
	limX, limY := s.tanHalfFOV()

	for i := 0; i < n; i++ {
		t := w.MulVec(d.Mean(i)).Add(trans)
		if t[2] <= s.NearPlane || t[2] >= s.FarPlane {
			continue
		}

		cov := worldCovariance(d, s, i)
		a, b, c := projectCovariance(cov, t, w, s, limX, limY)

		detOrig := a*c - b*b
		a += s.Eps2D
		c += s.Eps2D
		detBlur := a*c - b*b
		if detBlur <= 0 {
			continue
		}
		comp := 0.0
		if detOrig > 0 {
			comp = math.Sqrt(detOrig / detBlur)
		}

		invDet := 1.0 / detBlur
		conic := [3]float64{c * invDet, -b * invDet, a * invDet}

		// Screen extent from the larger eigenvalue, at three sigmas.
		mid := 0.5 * (a + c)
		lambda := mid + math.Sqrt(math.Max(0.1, mid*mid-detBlur))
		radius := int32(math.Ceil(3 * math.Sqrt(lambda)))
		if radius <= 0 {
			continue
		}

		mx := s.FocalX*t[0]/t[2] + s.CenterX
		my := s.FocalY*t[1]/t[2] + s.CenterY
		r := float64(radius)
		if mx+r < 0 || mx-r > float64(s.Width) || my+r < 0 || my-r > float64(s.Height) {
			continue
		}

		p.Radii[i] = radius
		p.Means2D[i] = [2]float64{mx, my}
		p.Depths[i] = t[2]
		p.Conics[i] = conic
		p.Compensations[i] = comp
	}
	return p
}

// worldCovariance builds the 3D covariance M*M^T with M = R*diag(s).
func worldCovariance(d *splat.Data, s *Settings, i int) geom.Mat3 {
	sc := d.Scales(i)
	sc = sc.Scale(s.ScalingModifier)
	r := d.Rotation(i).Normalized().RotationMatrix()

	var m geom.Mat3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, r.At(row, col)*sc[col])
		}
	}
	return m.Mul(m.Transpose())
}

// projectCovariance propagates a world covariance through the camera
// rotation and the perspective Jacobian, returning the 2D covariance
// entries (a, b, c) before the stability blur.
func projectCovariance(cov geom.Mat3, t geom.Vec3, w geom.Mat3, s *Settings, limX, limY float64) (a, b, c float64) {
	j := ewaJacobian(t, s, limX, limY)
	cam := w.Mul(cov).Mul(w.Transpose())

	// rows of J times cam times columns of J^T, for the 2x2 block
	var out [2][2]float64
	for r := 0; r < 2; r++ {
		for cc := 0; cc < 2; cc++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				for l := 0; l < 3; l++ {
					sum += j[r][k] * cam.At(k, l) * j[cc][l]
				}
			}
			out[r][cc] = sum
		}
	}
	return out[0][0], out[0][1], out[1][1]
}

// ewaJacobian returns the 2x3 Jacobian of the perspective projection at
// camera-space point t, with the lateral coordinates clamped to the
// frustum limits.
func ewaJacobian(t geom.Vec3, s *Settings, limX, limY float64) [2][3]float64 {
	txz, _ := clampRatio(t[0], t[2], limX)
	tyz, _ := clampRatio(t[1], t[2], limY)
	tx := txz * t[2]
	ty := tyz * t[2]
	tz2 := t[2] * t[2]
	return [2][3]float64{
		{s.FocalX / t[2], 0, -s.FocalX * tx / tz2},
		{0, s.FocalY / t[2], -s.FocalY * ty / tz2},
	}
}

func clampRatio(num, den, lim float64) (ratio float64, clamped bool) {
	r := num / den
	if r < -lim {
		return -lim, true
	}
	if r > lim {
		return lim, true
	}
	return r, false
}

// ProjectBackward pushes gradients with respect to the projected
// quantities back onto the raw Gaussian parameters and the camera pose.
// The entries of dConics follow the (a, b, c) storage of Conics. Culled
// Gaussians receive zero gradients. Slices may be nil when the
// corresponding output received no gradient.
func ProjectBackward(d *splat.Data, s *Settings, p *Projection,
	dMeans2D [][2]float64, dDepths []float64, dConics [][3]float64, dComps []float64) *ProjectionGrads {

	n := d.Size()
	g := &ProjectionGrads{
		Means:     make([][3]float64, n),
		ScalesRaw: make([][3]float64, n),
		QuatsRaw:  make([][4]float64, n),
	}

	w := s.W2C.Rotation()
	trans := s.W2C.Translation()
	wT := w.Transpose()
	limX, limY := s.tanHalfFOV()

	for i := 0; i < n; i++ {
		if p.Radii[i] == 0 {
			continue
		}

		// Replay the forward intermediates.
		mean := d.Mean(i)
		t := w.MulVec(mean).Add(trans)

		sc := d.Scales(i).Scale(s.ScalingModifier)
		q := d.Rotation(i)
		uq := q.Normalized()
		r := uq.RotationMatrix()
		var m geom.Mat3
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				m.Set(row, col, r.At(row, col)*sc[col])
			}
		}
		cov := m.Mul(m.Transpose())
		camCov := w.Mul(cov).Mul(wT)

		txz, clampedX := clampRatio(t[0], t[2], limX)
		tyz, clampedY := clampRatio(t[1], t[2], limY)
		txc := txz * t[2]
		tyc := tyz * t[2]
		tz := t[2]
		tz2 := tz * tz
		j := [2][3]float64{
			{s.FocalX / tz, 0, -s.FocalX * txc / tz2},
			{0, s.FocalY / tz, -s.FocalY * tyc / tz2},
		}

		var cov2d [2][2]float64
		for rr := 0; rr < 2; rr++ {
			for cc := 0; cc < 2; cc++ {
				sum := 0.0
				for k := 0; k < 3; k++ {
					for l := 0; l < 3; l++ {
						sum += j[rr][k] * camCov.At(k, l) * j[cc][l]
					}
				}
				cov2d[rr][cc] = sum
			}
		}
		a := cov2d[0][0] + s.Eps2D
		b := cov2d[0][1]
		c := cov2d[1][1] + s.Eps2D
		detBlur := a*c - b*b
		detOrig := (a-s.Eps2D)*(c-s.Eps2D) - b*b

		// Gradient with respect to the blurred covariance (a, b, c).
		var da, db, dc float64

		if dConics != nil {
			dk := dConics[i]
			// conic = inv(cov); dCov = -K * dKfull * K with the
			// off-diagonal gradient split across the two mirror slots.
			k00 := c / detBlur
			k01 := -b / detBlur
			k11 := a / detBlur
			g00, g01, g11 := dk[0], dk[1]/2, dk[2]
			// K * dKfull
			p00 := k00*g00 + k01*g01
			p01 := k00*g01 + k01*g11
			p10 := k01*g00 + k11*g01
			p11 := k01*g01 + k11*g11
			// (K*dKfull) * K, negated
			da += -(p00*k00 + p01*k01)
			db += -2 * (p00*k01 + p01*k11)
			dc += -(p10*k01 + p11*k11)
		}

		if dComps != nil && dComps[i] != 0 && detOrig > 0 {
			comp := math.Sqrt(detOrig / detBlur)
			dcmp := dComps[i]
			da += dcmp * 0.5 * comp * ((c-s.Eps2D)/detOrig - c/detBlur)
			db += dcmp * comp * b * (1/detBlur - 1/detOrig)
			dc += dcmp * 0.5 * comp * ((a-s.Eps2D)/detOrig - a/detBlur)
		}

		// Full-matrix gradient of the 2D covariance; off-diagonals
		// carry half the (a, b, c) gradient each.
		dCov2D := [2][2]float64{{da, db / 2}, {db / 2, dc}}

		// cov2d = J * T * J^T with T the camera-space covariance:
		// dJ = 2 * dCov2D * J * T, dT = J^T * dCov2D * J.
		var jt [2][3]float64 // J * T
		for rr := 0; rr < 2; rr++ {
			for cc := 0; cc < 3; cc++ {
				sum := 0.0
				for k := 0; k < 3; k++ {
					sum += j[rr][k] * camCov.At(k, cc)
				}
				jt[rr][cc] = sum
			}
		}
		var dJ [2][3]float64
		for rr := 0; rr < 2; rr++ {
			for cc := 0; cc < 3; cc++ {
				dJ[rr][cc] = 2 * (dCov2D[rr][0]*jt[0][cc] + dCov2D[rr][1]*jt[1][cc])
			}
		}
		var dT geom.Mat3
		for rr := 0; rr < 3; rr++ {
			for cc := 0; cc < 3; cc++ {
				sum := 0.0
				for k := 0; k < 2; k++ {
					for l := 0; l < 2; l++ {
						sum += j[k][rr] * dCov2D[k][l] * j[l][cc]
					}
				}
				dT.Set(rr, cc, sum)
			}
		}

		// Jacobian entries back to the camera-space point.
		var dt geom.Vec3
		fx, fy := s.FocalX, s.FocalY
		if !clampedX {
			dt[0] += dJ[0][2] * (-fx / tz2)
		}
		if !clampedY {
			dt[1] += dJ[1][2] * (-fy / tz2)
		}
		dt[2] += dJ[0][0] * (-fx / tz2)
		dt[2] += dJ[1][1] * (-fy / tz2)
		if clampedX {
			dt[2] += dJ[0][2] * (fx * txc / (tz2 * tz))
		} else {
			dt[2] += dJ[0][2] * (2 * fx * txc / (tz2 * tz))
		}
		if clampedY {
			dt[2] += dJ[1][2] * (fy * tyc / (tz2 * tz))
		} else {
			dt[2] += dJ[1][2] * (2 * fy * tyc / (tz2 * tz))
		}

		if dMeans2D != nil {
			dm := dMeans2D[i]
			dt[0] += dm[0] * fx / tz
			dt[2] += -dm[0] * fx * t[0] / tz2
			dt[1] += dm[1] * fy / tz
			dt[2] += -dm[1] * fy * t[1] / tz2
		}
		if dDepths != nil {
			dt[2] += dDepths[i]
		}

		// T = W * Sigma * W^T: dSigma = W^T * dT * W, and the pose
		// rotation picks up (dT + dT^T) * W * Sigma.
		dSigma := wT.Mul(dT).Mul(w)
		dWFromCov := dT.Add(dT.Transpose()).Mul(w).Mul(cov)

		// Sigma = M * M^T: dM = (dSigma + dSigma^T) * M.
		dM := dSigma.Add(dSigma.Transpose()).Mul(m)

		// M = R * diag(s): elementwise split into rotation and scale.
		var dR geom.Mat3
		var dScale geom.Vec3
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				dR.Set(row, col, dM.At(row, col)*sc[col])
				dScale[col] += dM.At(row, col) * r.At(row, col)
			}
		}
		// exp activation: d/draw = activated scale.
		for col := 0; col < 3; col++ {
			g.ScalesRaw[i][col] = dScale[col] * sc[col]
		}

		dq := q.NormalizeGrad(uq.RotationMatrixGrad(dR))
		g.QuatsRaw[i] = [4]float64(dq)

		// Camera-space point back to the world mean and the pose.
		dMean := wT.MulVec(dt)
		g.Means[i] = [3]float64(dMean)

		dWRot := dWFromCov.Add(geom.Outer(dt, mean))
		for rr := 0; rr < 3; rr++ {
			for cc := 0; cc < 3; cc++ {
				g.W2C.Set(rr, cc, g.W2C.At(rr, cc)+dWRot.At(rr, cc))
			}
			g.W2C.Set(rr, 3, g.W2C.At(rr, 3)+dt[rr])
		}
	}
	return g
}
