package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/chewxy/math32"

	"gosplat/internal/models"
	"gosplat/pkg/camera"
	"gosplat/pkg/config"
	"gosplat/pkg/metrics"
	"gosplat/pkg/optimize"
	"gosplat/pkg/render"
	"gosplat/pkg/splat"
	"gosplat/pkg/tensor"
)

// Trainer owns the optimization loop: it is the single writer of the
// Gaussian population, while concurrent readers (viewer, exporter)
// work from snapshots taken under the read lock.
type Trainer struct {
	cfg      *config.Config
	data     *splat.Data
	trainSet []*camera.Camera
	testSet  []*camera.Camera

	opt      *optimize.Adam
	strategy *Strategy
	loss     *PhotometricLoss
	exporter *Exporter

	mu        sync.RWMutex
	iteration int
	lastLoss  float64

	rng    *rand.Rand
	order  []int
	cursor int
}

// NewTrainer wires the optimizer groups, density strategy and loss for
// a population and camera split.
func NewTrainer(cfg *config.Config, data *splat.Data, trainSet, testSet []*camera.Camera) (*Trainer, error) {
	if len(trainSet) == 0 {
		return nil, fmt.Errorf("training requires at least one camera")
	}
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("initial population is inconsistent: %w", err)
	}

	opt := optimize.NewAdam()
	o := cfg.Optimization
	opt.AddGroup("means", o.MeansLR*data.SceneScale())
	opt.AddGroup("sh_dc", o.SHsLR)
	opt.AddGroup("sh_rest", o.SHsLR/20)
	opt.AddGroup("scales", o.ScalingLR)
	opt.AddGroup("rotations", o.RotationLR)
	opt.AddGroup("opacities", o.OpacityLR)

	return &Trainer{
		cfg:      cfg,
		data:     data,
		trainSet: trainSet,
		testSet:  testSet,
		opt:      opt,
		strategy: NewStrategy(cfg.Densify, opt, 1),
		loss:     NewPhotometricLoss(o.LambdaDSSIM),
		exporter: NewExporter(4),
		rng:      rand.New(rand.NewSource(1)),
	}, nil
}

// nextCamera walks the training cameras in a fresh random order each
// epoch.
func (t *Trainer) nextCamera() *camera.Camera {
	if t.cursor == 0 || t.cursor >= len(t.order) {
		t.order = t.rng.Perm(len(t.trainSet))
		t.cursor = 0
	}
	cam := t.trainSet[t.order[t.cursor]]
	t.cursor++
	return cam
}

// renderSettings builds per-view settings from the shared rendering
// configuration.
func (t *Trainer) renderSettings(cam *camera.Camera) *render.Settings {
	s := render.SettingsForCamera(cam, t.data.ActiveSHDegree())
	r := t.cfg.Rendering
	s.NearPlane = r.NearPlane
	s.FarPlane = r.FarPlane
	s.Eps2D = r.Eps2D
	s.Antialiasing = r.Antialiasing
	s.TileSize = r.TileSize
	s.NumWorkers = r.NumWorkers
	return s
}

// Step runs one training iteration: render a view, compute the loss,
// backpropagate, update parameters and run due density maintenance.
// A non-finite loss or gradient skips the parameter update instead of
// poisoning the model.
func (t *Trainer) Step() (float64, error) {
	iter := t.iteration + 1
	cam := t.nextCamera()
	target, err := cam.LoadImage()
	if err != nil {
		return 0, fmt.Errorf("iteration %d: %w", iter, err)
	}

	s := t.renderSettings(cam)
	out, rctx := render.Render(t.data, s)

	lossVal, dImage, err := t.loss.Compute(out.Image, target.Pix, s.Width, s.Height)
	if err != nil {
		return 0, fmt.Errorf("iteration %d: %w", iter, err)
	}

	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		t.mu.Lock()
		t.iteration = iter
		t.mu.Unlock()
		fmt.Printf("Warning: skipping iteration %d, non-finite loss\n", iter)
		return lossVal, nil
	}

	// The backward pass writes the densification accumulator, so from
	// here on the trainer holds the write lock; snapshot readers only
	// ever observe tensors between iterations.
	t.mu.Lock()
	defer t.mu.Unlock()

	grads := rctx.Backward(dImage, nil)
	if nonFiniteGrads(grads) {
		t.iteration = iter
		fmt.Printf("Warning: skipping iteration %d, non-finite gradients\n", iter)
		return lossVal, nil
	}
	lossVal += t.applyRegularizers(grads)

	o := t.cfg.Optimization
	scale := t.data.SceneScale()
	if err := t.opt.SetLearningRate("means",
		optimize.ExponentialDecay(o.MeansLR*scale, o.MeansLRFinal*scale, iter, o.Iterations)); err != nil {
		return 0, err
	}

	if err := t.opt.Step("means", t.data.Means, grads.Means); err != nil {
		return 0, err
	}
	if err := t.opt.Step("sh_dc", t.data.SHDC, grads.SHDC); err != nil {
		return 0, err
	}
	if err := t.opt.Step("sh_rest", t.data.SHRest, grads.SHRest); err != nil {
		return 0, err
	}
	if err := t.opt.Step("scales", t.data.ScalesRaw, grads.ScalesRaw); err != nil {
		return 0, err
	}
	if err := t.opt.Step("rotations", t.data.RotationsRaw, grads.RotationsRaw); err != nil {
		return 0, err
	}
	if err := t.opt.Step("opacities", t.data.OpacitiesRaw, grads.OpacitiesRaw); err != nil {
		return 0, err
	}

	if _, err := t.strategy.Step(t.data, iter); err != nil {
		return 0, fmt.Errorf("density control at iteration %d: %w", iter, err)
	}

	if o.SHUpgradeInterval > 0 && iter%o.SHUpgradeInterval == 0 {
		t.data.IncrementSHDegree()
	}

	t.iteration = iter
	t.lastLoss = lossVal
	return lossVal, nil
}

// nonFiniteGrads reports whether any gradient entry is NaN or
// infinite. A degenerate conic or SSIM denominator can produce such
// gradients under a finite loss; stepping on them would corrupt the
// parameters irreversibly.
func nonFiniteGrads(g *render.Grads) bool {
	for _, gt := range []*tensor.Tensor{
		g.Means, g.SHDC, g.SHRest, g.ScalesRaw, g.RotationsRaw, g.OpacitiesRaw,
	} {
		for _, v := range gt.Data() {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// applyRegularizers adds the optional opacity and scale L1 penalties
// to the gradients and returns their loss contribution.
func (t *Trainer) applyRegularizers(grads *render.Grads) float64 {
	o := t.cfg.Optimization
	extra := 0.0
	n := t.data.Size()
	if n == 0 {
		return 0
	}

	if o.OpacityReg > 0 {
		w := o.OpacityReg / float64(n)
		sum := 0.0
		for i := 0; i < n; i++ {
			a := float64(t.data.Opacity(i))
			sum += a
			grads.OpacitiesRaw.Set(i, 0, grads.OpacitiesRaw.At(i, 0)+float32(w*a*(1-a)))
		}
		extra += o.OpacityReg * sum / float64(n)
	}

	if o.ScaleReg > 0 {
		w := o.ScaleReg / float64(3*n)
		sum := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				s := float64(math32.Exp(t.data.ScalesRaw.At(i, j)))
				sum += s
				grads.ScalesRaw.Set(i, j, grads.ScalesRaw.At(i, j)+float32(w*s))
			}
		}
		extra += o.ScaleReg * sum / float64(3*n)
	}
	return extra
}

// Run executes the full training schedule until completion or context
// cancellation, evaluating and checkpointing at the configured steps.
func (t *Trainer) Run(ctx context.Context) error {
	o := t.cfg.Optimization
	for iter := 1; iter <= o.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			if cerr := t.exporter.Close(); cerr != nil {
				return cerr
			}
			return err
		}

		lossVal, err := t.Step()
		if err != nil {
			t.exporter.Close()
			return err
		}

		if t.cfg.Output.Verbose && iter%100 == 0 {
			fmt.Printf("Iteration %d/%d: loss=%.5f gaussians=%d sh=%d\n",
				iter, o.Iterations, lossVal, t.data.Size(), t.data.ActiveSHDegree())
		}

		if containsStep(o.EvalSteps, iter) && len(t.testSet) > 0 {
			result, err := t.Evaluate()
			if err != nil {
				fmt.Printf("Warning: evaluation at iteration %d failed: %v\n", iter, err)
			} else {
				fmt.Printf("Evaluation at iteration %d: PSNR=%.2f SSIM=%.4f\n",
					iter, result.PSNR, result.SSIM)
			}
		}

		if containsStep(o.SaveSteps, iter) {
			snap, _ := t.Snapshot()
			path := filepath.Join(t.cfg.Output.Dir, fmt.Sprintf("point_cloud_%07d.ply", iter))
			t.exporter.Save(snap, path)
		}
	}
	return t.exporter.Close()
}

// Evaluate renders every held-out camera and averages the quality
// metrics.
func (t *Trainer) Evaluate() (metrics.Result, error) {
	if len(t.testSet) == 0 {
		return metrics.Result{}, fmt.Errorf("no held-out cameras")
	}
	var sum metrics.Result
	for _, cam := range t.testSet {
		target, err := cam.LoadImage()
		if err != nil {
			return metrics.Result{}, err
		}
		out, _ := render.Render(t.data, t.renderSettings(cam))
		r, err := metrics.Compare(out.Image, target.Pix)
		if err != nil {
			return metrics.Result{}, err
		}
		sum.PSNR += r.PSNR
		sum.SSIM += r.SSIM
	}
	n := float64(len(t.testSet))
	return metrics.Result{PSNR: sum.PSNR / n, SSIM: sum.SSIM / n}, nil
}

// Snapshot returns a deep copy of the population and the current
// training statistics, safe for concurrent use.
func (t *Trainer) Snapshot() (*splat.Data, models.TrainingStats) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Snapshot(), models.TrainingStats{
		Iteration:    t.iteration,
		Loss:         t.lastLoss,
		NumGaussians: t.data.Size(),
		SHDegree:     t.data.ActiveSHDegree(),
	}
}

func containsStep(steps []int, iter int) bool {
	for _, s := range steps {
		if s == iter {
			return true
		}
	}
	return false
}
