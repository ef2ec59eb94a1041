// Package metrics implements the image-quality measures reported
// during evaluation: PSNR and a global-moment SSIM. These are
// measurement-only; the differentiable loss lives with the trainer.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Result bundles the quality measures of one comparison.
type Result struct {
	PSNR float64
	SSIM float64
}

// Compare evaluates a rendered image against its ground truth. Both
// are flat [0,1] RGB buffers of equal length.
func Compare(rendered, target []float32) (Result, error) {
	if len(rendered) != len(target) || len(rendered) == 0 {
		return Result{}, fmt.Errorf("image length mismatch: %d vs %d", len(rendered), len(target))
	}
	a := toFloat64(rendered)
	b := toFloat64(target)
	return Result{
		PSNR: psnr(a, b),
		SSIM: ssim(a, b),
	}, nil
}

// psnr computes peak signal-to-noise ratio in dB for a peak value of 1.
// Identical images report +Inf.
func psnr(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	mse /= float64(len(a))
	if mse == 0 {
		return math.Inf(1)
	}
	return -10 * math.Log10(mse)
}

// ssim computes the structural similarity index from global image
// moments. The windowed variant used inside the training loss is more
// discriminative; this one is cheap and monotone enough for progress
// reporting.
func ssim(a, b []float64) float64 {
	const (
		c1 = 0.01 * 0.01
		c2 = 0.03 * 0.03
	)
	meanA := stat.Mean(a, nil)
	meanB := stat.Mean(b, nil)
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	cov := stat.Covariance(a, b, nil)

	num := (2*meanA*meanB + c1) * (2*cov + c2)
	den := (meanA*meanA + meanB*meanB + c1) * (varA + varB + c2)
	return num / den
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
