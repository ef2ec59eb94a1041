package render

import (
	"math"

	"gosplat/pkg/geom"
	"gosplat/pkg/splat"
	"gosplat/pkg/tensor"
)

// Output is the forward render result. Image is H*W*3 RGB against a
// black background; Alpha is the H*W accumulated opacity, so callers
// can composite any background as image + (1-alpha)*bg.
type Output struct {
	Width  int
	Height int
	Image  []float32
	Alpha  []float32

	// Radii exposes per-Gaussian screen radii; zero means culled.
	Radii []int32
}

// Visible reports how many Gaussians contributed to the render.
func (o *Output) Visible() int {
	n := 0
	for _, r := range o.Radii {
		if r > 0 {
			n++
		}
	}
	return n
}

// Grads holds the gradients of a scalar loss with respect to the raw
// Gaussian parameter tensors, in the same shapes as the parameters.
type Grads struct {
	Means        *tensor.Tensor
	SHDC         *tensor.Tensor
	SHRest       *tensor.Tensor
	ScalesRaw    *tensor.Tensor
	RotationsRaw *tensor.Tensor
	OpacitiesRaw *tensor.Tensor

	// W2C is the camera pose gradient (rotation block plus translation
	// column), available for pose refinement.
	W2C geom.Mat4
}

// Context is the saved forward state a Backward call consumes. It
// borrows the population it was rendered from; the caller must not
// grow or prune that population between Render and Backward.
type Context struct {
	data   *splat.Data
	s      *Settings
	proj   *Projection
	colors *shColors
	tiles  *TileLists
	fwd    *rasterOutput

	// activated and effective (compensation-scaled) opacities.
	actOpacities []float64
	effOpacities []float64
}

// Render runs the full differentiable forward pass: projection, SH
// color evaluation, tile binning and alpha compositing. The returned
// Context supports exactly one Backward call against the same
// population.
func Render(d *splat.Data, s *Settings) (*Output, *Context) {
	proj := ProjectForward(d, s)
	colors := EvalSHForward(d, s, proj)

	n := d.Size()
	act := make([]float64, n)
	eff := make([]float64, n)
	for i := 0; i < n; i++ {
		if proj.Radii[i] == 0 {
			continue
		}
		act[i] = float64(d.Opacity(i))
		eff[i] = act[i]
		if s.Antialiasing {
			eff[i] *= proj.Compensations[i]
		}
		// Splats too faint to ever reach the contribution threshold
		// are culled before binning.
		if eff[i] < minAlpha {
			proj.Radii[i] = 0
		}
	}

	tiles := BuildTileLists(proj, s)
	fwd := rasterizeForward(proj, tiles, colors.rgb, eff, s)

	out := &Output{
		Width:  s.Width,
		Height: s.Height,
		Image:  fwd.image,
		Alpha:  fwd.alpha,
		Radii:  proj.Radii,
	}
	ctx := &Context{
		data:         d,
		s:            s,
		proj:         proj,
		colors:       colors,
		tiles:        tiles,
		fwd:          fwd,
		actOpacities: act,
		effOpacities: eff,
	}
	return out, ctx
}

// Backward propagates pixel gradients back to the raw parameters.
// dImage is H*W*3 and dAlpha H*W; either may be nil when that output
// received no gradient. As a side effect it accumulates the screen
// gradient norm and an observation count per visible Gaussian into the
// population's densification accumulator.
func (ctx *Context) Backward(dImage, dAlpha []float32) *Grads {
	d, s, proj := ctx.data, ctx.s, ctx.proj
	n := d.Size()

	rg := rasterizeBackward(proj, ctx.tiles, ctx.colors.rgb, ctx.effOpacities,
		ctx.fwd, dImage, dAlpha, s)

	shg := EvalSHBackward(d, s, proj, ctx.colors, rg.dColors)

	// Effective opacity splits into the sigmoid activation and, with
	// antialiasing, the covariance compensation.
	dComps := make([]float64, n)
	dOpacityRaw := make([]float64, n)
	for i := 0; i < n; i++ {
		if proj.Radii[i] == 0 {
			continue
		}
		dEff := rg.dOpacities[i]
		dAct := dEff
		if s.Antialiasing {
			dAct = dEff * proj.Compensations[i]
			dComps[i] = dEff * ctx.actOpacities[i]
		}
		a := ctx.actOpacities[i]
		dOpacityRaw[i] = dAct * a * (1 - a)
	}
	if !s.Antialiasing {
		dComps = nil
	}

	pg := ProjectBackward(d, s, proj, rg.dMeans2D, nil, rg.dConics, dComps)

	g := &Grads{
		Means:        tensor.New(n, 3),
		SHDC:         tensor.New(n, 3),
		SHRest:       tensor.New(n, d.SHRest.Cols()),
		ScalesRaw:    tensor.New(n, 3),
		RotationsRaw: tensor.New(n, 4),
		OpacitiesRaw: tensor.New(n, 1),
		W2C:          pg.W2C,
	}
	for i := 0; i < n; i++ {
		if proj.Radii[i] == 0 {
			continue
		}
		for j := 0; j < 3; j++ {
			g.Means.Set(i, j, float32(pg.Means[i][j]+shg.dMeans[i][j]))
			g.SHDC.Set(i, j, float32(shg.dSHDC[i][j]))
			g.ScalesRaw.Set(i, j, float32(pg.ScalesRaw[i][j]))
		}
		if rest := shg.dSHRest[i]; rest != nil {
			for j := range rest {
				g.SHRest.Set(i, j, float32(rest[j]))
			}
		}
		for j := 0; j < 4; j++ {
			g.RotationsRaw.Set(i, j, float32(pg.QuatsRaw[i][j]))
		}
		g.OpacitiesRaw.Set(i, 0, float32(dOpacityRaw[i]))

		// Densification statistics: positional screen-gradient norm
		// and a visibility count.
		dm := rg.dMeans2D[i]
		norm := math.Sqrt(dm[0]*dm[0] + dm[1]*dm[1])
		info := d.DensificationInfo
		info.Set(i, 0, info.At(i, 0)+float32(norm))
		info.Set(i, 1, info.At(i, 1)+1)
	}
	return g
}
