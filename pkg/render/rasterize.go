package render

import (
	"math"

	"golang.org/x/sync/errgroup"
)

// rasterOutput is the forward compositing result plus the per-pixel
// state the backward pass needs to replay traversal exactly.
type rasterOutput struct {
	// image is H*W*3 RGB; alpha is H*W accumulated opacity.
	image []float32
	alpha []float32

	// finalT is the remaining transmittance per pixel.
	finalT []float64

	// contribs is, per pixel, the length of the tile-list prefix that
	// was traversed before early termination.
	contribs []int32
}

// rasterGrads accumulates backward-pass gradients per Gaussian. The
// opacity gradient is with respect to the effective opacity handed to
// the forward pass.
type rasterGrads struct {
	dColors    [][3]float64
	dOpacities []float64
	dMeans2D   [][2]float64
	dConics    [][3]float64
}

func newRasterGrads(n int) *rasterGrads {
	return &rasterGrads{
		dColors:    make([][3]float64, n),
		dOpacities: make([]float64, n),
		dMeans2D:   make([][2]float64, n),
		dConics:    make([][3]float64, n),
	}
}

func (g *rasterGrads) add(other *rasterGrads) {
	for i := range g.dOpacities {
		for c := 0; c < 3; c++ {
			g.dColors[i][c] += other.dColors[i][c]
			g.dConics[i][c] += other.dConics[i][c]
		}
		g.dOpacities[i] += other.dOpacities[i]
		g.dMeans2D[i][0] += other.dMeans2D[i][0]
		g.dMeans2D[i][1] += other.dMeans2D[i][1]
	}
}

// splatAt evaluates one splat's Gaussian falloff and effective alpha at
// a pixel center. The skip flag mirrors the forward traversal rules so
// forward and backward make identical decisions.
func splatAt(p *Projection, opacities []float64, id int32, px, py float64) (alpha, gval, dx, dy float64, skip bool) {
	m := p.Means2D[id]
	con := p.Conics[id]
	dx = m[0] - px
	dy = m[1] - py
	power := -0.5*(con[0]*dx*dx+con[2]*dy*dy) - con[1]*dx*dy
	if power > 0 {
		return 0, 0, dx, dy, true
	}
	gval = math.Exp(power)
	alpha = opacities[id] * gval
	if alpha > maxAlpha {
		alpha = maxAlpha
	}
	if alpha < minAlpha {
		return 0, gval, dx, dy, true
	}
	return alpha, gval, dx, dy, false
}

// RasterizeForward composites the sorted splats front to back for
// every pixel. opacities are the effective per-Gaussian opacities
// (activation times any compensation), colors the evaluated RGB.
func rasterizeForward(p *Projection, tl *TileLists, colors [][3]float64, opacities []float64, s *Settings) *rasterOutput {
	w, h := s.Width, s.Height
	out := &rasterOutput{
		image:    make([]float32, w*h*3),
		alpha:    make([]float32, w*h),
		finalT:   make([]float64, w*h),
		contribs: make([]int32, w*h),
	}
	for i := range out.finalT {
		out.finalT[i] = 1
	}

	ts := s.tileSize()
	var eg errgroup.Group
	eg.SetLimit(s.workers())
	for tileY := 0; tileY < tl.TilesY; tileY++ {
		for tileX := 0; tileX < tl.TilesX; tileX++ {
			items := tl.TileItems(tileX, tileY)
			if len(items) == 0 {
				continue
			}
			x0, y0 := tileX*ts, tileY*ts
			x1, y1 := min(x0+ts, w), min(y0+ts, h)
			eg.Go(func() error {
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						px, py := float64(x)+0.5, float64(y)+0.5
						T := 1.0
						var cr, cg, cb float64
						last := int32(0)
						for n, id := range items {
							alpha, _, _, _, skip := splatAt(p, opacities, id, px, py)
							if skip {
								continue
							}
							testT := T * (1 - alpha)
							if testT < minTransmittance {
								break
							}
							c := colors[id]
							cr += c[0] * alpha * T
							cg += c[1] * alpha * T
							cb += c[2] * alpha * T
							T = testT
							last = int32(n + 1)
						}
						pix := y*w + x
						out.image[pix*3] = float32(cr)
						out.image[pix*3+1] = float32(cg)
						out.image[pix*3+2] = float32(cb)
						out.alpha[pix] = float32(1 - T)
						out.finalT[pix] = T
						out.contribs[pix] = last
					}
				}
				return nil
			})
		}
	}
	// Tile workers never fail; Wait only joins them.
	_ = eg.Wait()
	return out
}

// rasterizeBackward replays the forward traversal back to front per
// pixel and accumulates gradients onto colors, effective opacities,
// 2D means and conics. dImage is H*W*3, dAlpha H*W; either may be nil.
// Workers accumulate into private buffers that are reduced at the end,
// since one Gaussian can span tiles owned by different workers.
func rasterizeBackward(p *Projection, tl *TileLists, colors [][3]float64, opacities []float64,
	fwd *rasterOutput, dImage, dAlpha []float32, s *Settings) *rasterGrads {

	w, h := s.Width, s.Height
	ts := s.tileSize()

	nWorkers := s.workers()
	type tileJob struct{ tx, ty int }
	var jobs []tileJob
	for ty := 0; ty < tl.TilesY; ty++ {
		for tx := 0; tx < tl.TilesX; tx++ {
			if len(tl.TileItems(tx, ty)) > 0 {
				jobs = append(jobs, tileJob{tx, ty})
			}
		}
	}
	if nWorkers > len(jobs) {
		nWorkers = len(jobs)
	}
	if nWorkers == 0 {
		return newRasterGrads(p.N)
	}

	partials := make([]*rasterGrads, nWorkers)
	var eg errgroup.Group
	for wi := 0; wi < nWorkers; wi++ {
		g := newRasterGrads(p.N)
		partials[wi] = g
		lo := wi * len(jobs) / nWorkers
		hi := (wi + 1) * len(jobs) / nWorkers
		myJobs := jobs[lo:hi]
		eg.Go(func() error {
			for _, job := range myJobs {
				items := tl.TileItems(job.tx, job.ty)
				x0, y0 := job.tx*ts, job.ty*ts
				x1, y1 := min(x0+ts, w), min(y0+ts, h)
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						pix := y*w + x
						last := fwd.contribs[pix]
						if last == 0 {
							continue
						}
						backwardPixel(p, colors, opacities, items[:last],
							float64(x)+0.5, float64(y)+0.5,
							fwd.finalT[pix], pixelGrad(dImage, dAlpha, pix), g)
					}
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	total := partials[0]
	for _, g := range partials[1:] {
		total.add(g)
	}
	return total
}

// pixGrad bundles the upstream gradient at one pixel.
type pixGrad struct {
	rgb   [3]float64
	alpha float64
}

func pixelGrad(dImage, dAlpha []float32, pix int) pixGrad {
	var g pixGrad
	if dImage != nil {
		g.rgb = [3]float64{
			float64(dImage[pix*3]),
			float64(dImage[pix*3+1]),
			float64(dImage[pix*3+2]),
		}
	}
	if dAlpha != nil {
		g.alpha = float64(dAlpha[pix])
	}
	return g
}

// backwardPixel walks the contributing splats of one pixel back to
// front, reconstructing each contribution's transmittance and pushing
// the pixel gradient onto the splat parameters.
func backwardPixel(p *Projection, colors [][3]float64, opacities []float64, items []int32,
	px, py, finalT float64, dpix pixGrad, g *rasterGrads) {

	T := finalT
	var accum [3]float64
	var lastColor [3]float64
	lastAlpha := 0.0

	for n := len(items) - 1; n >= 0; n-- {
		id := items[n]
		alpha, gval, dx, dy, skip := splatAt(p, opacities, id, px, py)
		if skip {
			continue
		}

		// Recover the transmittance in front of this splat.
		T /= 1 - alpha

		c := colors[id]
		dAlphaAcc := 0.0
		for ch := 0; ch < 3; ch++ {
			g.dColors[id][ch] += alpha * T * dpix.rgb[ch]
			accum[ch] = lastAlpha*lastColor[ch] + (1-lastAlpha)*accum[ch]
			dAlphaAcc += (c[ch] - accum[ch]) * dpix.rgb[ch]
		}
		lastColor = c
		lastAlpha = alpha
		dAlpha := T * dAlphaAcc

		// Accumulated-opacity channel: A = 1 - finalT.
		dAlpha += dpix.alpha * finalT / (1 - alpha)

		// alpha = min(maxAlpha, opacity * gval); a clamped splat is
		// locally insensitive to its parameters.
		if opacities[id]*gval < maxAlpha {
			g.dOpacities[id] += gval * dAlpha
			dG := opacities[id] * dAlpha
			dPower := gval * dG

			con := p.Conics[id]
			g.dConics[id][0] += -0.5 * dx * dx * dPower
			g.dConics[id][1] += -dx * dy * dPower
			g.dConics[id][2] += -0.5 * dy * dy * dPower
			g.dMeans2D[id][0] += -dPower * (con[0]*dx + con[1]*dy)
			g.dMeans2D[id][1] += -dPower * (con[2]*dy + con[1]*dx)
		}
	}
}
