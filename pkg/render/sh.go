package render

import (
	"gosplat/pkg/geom"
	"gosplat/pkg/splat"
)

// Real spherical harmonics basis constants for bands 0 through 3.
var (
	shC0 = splat.SH0
	shC1 = 0.4886025119029199
	shC2 = [5]float64{
		1.0925484305920792,
		-1.0925484305920792,
		0.31539156525252005,
		-1.0925484305920792,
		0.5462742152960396,
	}
	shC3 = [7]float64{
		-0.5900435899266435,
		2.890611442640554,
		-0.4570457994644658,
		0.3731763325901154,
		-0.4570457994644658,
		1.445305721320277,
		-0.5900435899266435,
	}
)

// shBasisCount returns the number of basis functions for a degree.
func shBasisCount(degree int) int {
	return (degree + 1) * (degree + 1)
}

// shBasis evaluates the basis functions at unit direction (x, y, z)
// into basis, and their partial derivatives with respect to the
// direction components into dbx, dby, dbz. Only the first
// shBasisCount(degree) entries are written.
func shBasis(degree int, x, y, z float64, basis, dbx, dby, dbz *[16]float64) {
	basis[0] = shC0

	if degree < 1 {
		return
	}
	basis[1] = -shC1 * y
	basis[2] = shC1 * z
	basis[3] = -shC1 * x
	dby[1] = -shC1
	dbz[2] = shC1
	dbx[3] = -shC1

	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	xy, yz, xz := x*y, y*z, x*z
	basis[4] = shC2[0] * xy
	basis[5] = shC2[1] * yz
	basis[6] = shC2[2] * (2*zz - xx - yy)
	basis[7] = shC2[3] * xz
	basis[8] = shC2[4] * (xx - yy)
	dbx[4], dby[4] = shC2[0]*y, shC2[0]*x
	dby[5], dbz[5] = shC2[1]*z, shC2[1]*y
	dbx[6], dby[6], dbz[6] = -2*x*shC2[2], -2*y*shC2[2], 4*z*shC2[2]
	dbx[7], dbz[7] = shC2[3]*z, shC2[3]*x
	dbx[8], dby[8] = 2*x*shC2[4], -2*y*shC2[4]

	if degree < 3 {
		return
	}
	basis[9] = shC3[0] * y * (3*xx - yy)
	basis[10] = shC3[1] * xy * z
	basis[11] = shC3[2] * y * (4*zz - xx - yy)
	basis[12] = shC3[3] * z * (2*zz - 3*xx - 3*yy)
	basis[13] = shC3[4] * x * (4*zz - xx - yy)
	basis[14] = shC3[5] * z * (xx - yy)
	basis[15] = shC3[6] * x * (xx - 3*yy)

	dbx[9], dby[9] = shC3[0]*6*xy, shC3[0]*(3*xx-3*yy)
	dbx[10], dby[10], dbz[10] = shC3[1]*yz, shC3[1]*xz, shC3[1]*xy
	dbx[11], dby[11], dbz[11] = -2*xy*shC3[2], shC3[2]*(4*zz-xx-3*yy), 8*yz*shC3[2]
	dbx[12], dby[12], dbz[12] = -6*xz*shC3[3], -6*yz*shC3[3], shC3[3]*(6*zz-3*xx-3*yy)
	dbx[13], dby[13], dbz[13] = shC3[4]*(4*zz-3*xx-yy), -2*xy*shC3[4], 8*xz*shC3[4]
	dbx[14], dby[14], dbz[14] = 2*xz*shC3[5], -2*yz*shC3[5], shC3[5]*(xx-yy)
	dbx[15], dby[15] = shC3[6]*(3*xx-3*yy), -6*xy*shC3[6]
}

// shColors holds the per-Gaussian RGB colors evaluated from the SH
// coefficients, plus the clamp mask needed by the backward pass.
type shColors struct {
	rgb [][3]float64

	// clamped marks channels whose pre-clamp value was negative;
	// those channels propagate no gradient.
	clamped [][3]bool
}

// shCoefficient returns SH coefficient k (0-based over all bands) of
// channel ch for Gaussian i. Coefficient 0 lives in the DC tensor; the
// rest are stored channel-major per band in the rest tensor.
func shCoefficient(d *splat.Data, i, k, ch int) float64 {
	if k == 0 {
		return float64(d.SHDC.At(i, ch))
	}
	return float64(d.SHRest.At(i, (k-1)*3+ch))
}

// EvalSHForward computes view-dependent RGB colors for every Gaussian
// from its SH coefficients, evaluated in the direction from the camera
// center to the Gaussian mean. Negative channel values are clamped to
// zero. Culled Gaussians (radius zero) are skipped.
func EvalSHForward(d *splat.Data, s *Settings, p *Projection) *shColors {
	n := d.Size()
	out := &shColors{
		rgb:     make([][3]float64, n),
		clamped: make([][3]bool, n),
	}
	degree := s.ActiveSHDegree
	if degree > d.MaxSHDegree() {
		degree = d.MaxSHDegree()
	}
	count := shBasisCount(degree)

	var basis, dbx, dby, dbz [16]float64
	for i := 0; i < n; i++ {
		if p.Radii[i] == 0 {
			continue
		}
		dir := d.Mean(i).Sub(s.CamPos).Normalized()
		shBasis(degree, dir[0], dir[1], dir[2], &basis, &dbx, &dby, &dbz)

		for ch := 0; ch < 3; ch++ {
			c := 0.0
			for k := 0; k < count; k++ {
				c += basis[k] * shCoefficient(d, i, k, ch)
			}
			c += 0.5
			if c < 0 {
				out.clamped[i][ch] = true
				c = 0
			}
			out.rgb[i][ch] = c
		}
	}
	return out
}

// shGrads carries the SH backward outputs.
type shGrads struct {
	dSHDC   [][3]float64
	dSHRest [][]float64

	// dMeans is the contribution through the view direction.
	dMeans [][3]float64
}

// EvalSHBackward maps per-Gaussian color gradients onto the SH
// coefficients and, through the view direction, onto the means.
// Channels clamped in the forward pass propagate nothing.
func EvalSHBackward(d *splat.Data, s *Settings, p *Projection, colors *shColors, dColors [][3]float64) *shGrads {
	n := d.Size()
	restCols := d.SHRest.Cols()
	g := &shGrads{
		dSHDC:   make([][3]float64, n),
		dSHRest: make([][]float64, n),
		dMeans:  make([][3]float64, n),
	}
	degree := s.ActiveSHDegree
	if degree > d.MaxSHDegree() {
		degree = d.MaxSHDegree()
	}
	count := shBasisCount(degree)

	var basis, dbx, dby, dbz [16]float64
	for i := 0; i < n; i++ {
		if p.Radii[i] == 0 {
			continue
		}
		dc := dColors[i]
		for ch := 0; ch < 3; ch++ {
			if colors.clamped[i][ch] {
				dc[ch] = 0
			}
		}
		if dc[0] == 0 && dc[1] == 0 && dc[2] == 0 {
			continue
		}

		raw := d.Mean(i).Sub(s.CamPos)
		norm := raw.Norm()
		if norm == 0 {
			continue
		}
		dir := raw.Scale(1 / norm)
		basis, dbx, dby, dbz = [16]float64{}, [16]float64{}, [16]float64{}, [16]float64{}
		shBasis(degree, dir[0], dir[1], dir[2], &basis, &dbx, &dby, &dbz)

		rest := make([]float64, restCols)
		var ddir geom.Vec3
		for ch := 0; ch < 3; ch++ {
			if dc[ch] == 0 {
				continue
			}
			g.dSHDC[i][ch] = basis[0] * dc[ch]
			for k := 1; k < count; k++ {
				rest[(k-1)*3+ch] = basis[k] * dc[ch]
				coef := shCoefficient(d, i, k, ch)
				ddir[0] += dbx[k] * coef * dc[ch]
				ddir[1] += dby[k] * coef * dc[ch]
				ddir[2] += dbz[k] * coef * dc[ch]
			}
		}
		g.dSHRest[i] = rest

		// dir = raw/|raw|: project out the radial component.
		dot := dir.Dot(ddir)
		g.dMeans[i] = [3]float64(ddir.Sub(dir.Scale(dot)).Scale(1 / norm))
	}
	return g
}
