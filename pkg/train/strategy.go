package train

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/chewxy/math32"

	"gosplat/pkg/config"
	"gosplat/pkg/geom"
	"gosplat/pkg/optimize"
	"gosplat/pkg/splat"
	"gosplat/pkg/tensor"
)

// splitScaleDivisor shrinks the two halves of a split Gaussian.
const splitScaleDivisor = 1.6

// paramGroupNames lists the optimizer groups in the canonical tensor
// order. Every structural change to the population must be mirrored in
// all of them.
var paramGroupNames = []string{"means", "sh_dc", "sh_rest", "scales", "rotations", "opacities"}

// paramGroupTensors returns the parameter tensors in group order.
func paramGroupTensors(d *splat.Data) []*tensor.Tensor {
	return []*tensor.Tensor{d.Means, d.SHDC, d.SHRest, d.ScalesRaw, d.RotationsRaw, d.OpacitiesRaw}
}

// Strategy implements adaptive density control: cloning small
// under-reconstructed Gaussians, splitting large ones, pruning
// transparent or oversized ones, and periodically resetting opacities.
// All structural edits are mirrored into the optimizer's moment buffers
// so the population and optimizer can never drift apart.
type Strategy struct {
	cfg config.DensifyConfig
	opt *optimize.Adam
	rng *rand.Rand
}

// StrategyReport summarizes one maintenance step.
type StrategyReport struct {
	Cloned int
	Split  int
	Pruned int
	Size   int

	OpacityWasReset bool
}

// NewStrategy builds a density controller bound to an optimizer. The
// seed makes split sampling reproducible.
func NewStrategy(cfg config.DensifyConfig, opt *optimize.Adam, seed int64) *Strategy {
	return &Strategy{
		cfg: cfg,
		opt: opt,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Step runs whatever maintenance is due at the given iteration:
// densify-and-prune on the growth interval inside the densification
// window, and opacity resets on their own interval. It consumes and
// clears the densification accumulator when it densifies.
func (s *Strategy) Step(d *splat.Data, iteration int) (StrategyReport, error) {
	report := StrategyReport{Size: d.Size()}

	inWindow := iteration > s.cfg.StartDensify && iteration < s.cfg.StopDensify
	if inWindow && iteration%s.cfg.GrowthInterval == 0 {
		r, err := s.densifyAndPrune(d)
		if err != nil {
			return report, err
		}
		report = r
	}

	if s.cfg.ResetOpacity > 0 && iteration > 0 && iteration%s.cfg.ResetOpacity == 0 && inWindow {
		d.ResetOpacity(2 * float32(s.cfg.MinOpacity))
		if err := s.opt.ZeroMoments("opacities"); err != nil {
			return report, err
		}
		report.OpacityWasReset = true
	}

	report.Size = d.Size()
	return report, nil
}

// densifyAndPrune applies one clone/split/prune cycle based on the
// accumulated screen-space gradients.
func (s *Strategy) densifyAndPrune(d *splat.Data) (StrategyReport, error) {
	var report StrategyReport
	n := d.Size()
	sizeThreshold := s.cfg.DensifySizeThreshold * d.SceneScale()

	type candidate struct {
		index int
		grad  float64
		split bool
	}
	var candidates []candidate
	for i := 0; i < n; i++ {
		count := d.DensificationInfo.At(i, 1)
		if count == 0 {
			continue
		}
		grad := float64(d.DensificationInfo.At(i, 0)) / float64(count)
		if grad < s.cfg.GradThreshold {
			continue
		}
		candidates = append(candidates, candidate{
			index: i,
			grad:  grad,
			split: d.MaxScale(i) > sizeThreshold,
		})
	}

	// Under a hard cap the highest-gradient candidates win.
	budget := n // unlimited growth would at most double
	if s.cfg.MaxCap > 0 {
		budget = s.cfg.MaxCap - n
		sort.Slice(candidates, func(a, b int) bool {
			return candidates[a].grad > candidates[b].grad
		})
	}

	var cloneIdx, splitIdx []int
	for _, c := range candidates {
		if budget <= 0 {
			break
		}
		if c.split {
			splitIdx = append(splitIdx, c.index)
		} else {
			cloneIdx = append(cloneIdx, c.index)
		}
		budget--
	}

	// Clones are exact copies; optimization separates them afterwards.
	grown := 0
	if len(cloneIdx) > 0 {
		clones := d.Gather(cloneIdx)
		if err := d.Append(clones); err != nil {
			return report, fmt.Errorf("cloning: %w", err)
		}
		grown += clones.Size()
		report.Cloned = len(cloneIdx)
	}

	// Each split spawns two shrunken samples drawn from the original's
	// own distribution; the original is pruned below.
	if len(splitIdx) > 0 {
		doubled := append(append([]int{}, splitIdx...), splitIdx...)
		halves := d.Gather(doubled)
		for r := 0; r < halves.Size(); r++ {
			s.resampleSplit(halves, r)
		}
		if err := d.Append(halves); err != nil {
			return report, fmt.Errorf("splitting: %w", err)
		}
		grown += halves.Size()
		report.Split = len(splitIdx)
	}

	for _, name := range paramGroupNames {
		if err := s.opt.Grow(name, grown); err != nil {
			return report, err
		}
	}

	// Prune split originals, near-transparent Gaussians and splats
	// larger than a tenth of the scene.
	total := d.Size()
	keep := make([]bool, total)
	for i := range keep {
		keep[i] = true
	}
	for _, i := range splitIdx {
		keep[i] = false
	}
	for i := 0; i < total; i++ {
		if !keep[i] {
			continue
		}
		if float64(d.Opacity(i)) < s.cfg.MinOpacity {
			keep[i] = false
			continue
		}
		if d.MaxScale(i) > 0.1*d.SceneScale() {
			keep[i] = false
		}
	}
	pruned := 0
	for _, k := range keep {
		if !k {
			pruned++
		}
	}
	report.Pruned = pruned - len(splitIdx)
	if report.Pruned < 0 {
		report.Pruned = 0
	}

	if err := d.Prune(keep); err != nil {
		return report, fmt.Errorf("pruning: %w", err)
	}
	for _, name := range paramGroupNames {
		if err := s.opt.Prune(name, keep); err != nil {
			return report, err
		}
	}

	// The consumed statistics belong to the old population.
	d.ResetDensificationInfo()

	report.Size = d.Size()
	if err := s.checkAlignment(d); err != nil {
		return report, err
	}
	return report, nil
}

// resampleSplit redraws row r of a gathered population from its own
// Gaussian and shrinks its scales.
func (s *Strategy) resampleSplit(halves *splat.Data, r int) {
	scales := halves.Scales(r)
	rot := halves.Rotation(r).Normalized().RotationMatrix()

	local := geom.Vec3{
		s.rng.NormFloat64() * scales[0],
		s.rng.NormFloat64() * scales[1],
		s.rng.NormFloat64() * scales[2],
	}
	offset := rot.MulVec(local)
	for j := 0; j < 3; j++ {
		halves.Means.Set(r, j, halves.Means.At(r, j)+float32(offset[j]))
		halves.ScalesRaw.Set(r, j, halves.ScalesRaw.At(r, j)-math32.Log(splitScaleDivisor))
	}
}

// checkAlignment verifies the optimizer moments still shadow the
// population after a rebuild.
func (s *Strategy) checkAlignment(d *splat.Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	for _, name := range paramGroupNames {
		rows := s.opt.MomentRows(name)
		if rows >= 0 && rows != d.Size() {
			return fmt.Errorf("optimizer group %q has %d moment rows for %d gaussians", name, rows, d.Size())
		}
	}
	return nil
}
