// Package train drives optimization of a Gaussian population against a
// set of posed images: photometric loss, adaptive density control, the
// training loop itself and background checkpoint export.
package train

import (
	"fmt"
	"math"
)

// ssim window parameters, matching the standard 11-tap Gaussian window
// with sigma 1.5.
const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

// PhotometricLoss combines L1 and structural dissimilarity:
// (1-lambda)*L1 + lambda*(1-SSIM)/2. It is differentiable with respect
// to the rendered image.
type PhotometricLoss struct {
	Lambda float64

	window []float64
}

// NewPhotometricLoss builds the loss with the given D-SSIM mixing
// weight.
func NewPhotometricLoss(lambda float64) *PhotometricLoss {
	return &PhotometricLoss{
		Lambda: lambda,
		window: gaussianWindow(ssimWindow, ssimSigma),
	}
}

// Compute evaluates the loss between a rendered image and its target
// (both H*W*3, values nominally in [0,1]) and returns the gradient
// with respect to the rendered pixels.
func (l *PhotometricLoss) Compute(rendered, target []float32, width, height int) (float64, []float32, error) {
	n := width * height * 3
	if len(rendered) != n || len(target) != n {
		return 0, nil, fmt.Errorf("image size mismatch: rendered %d, target %d, expected %d",
			len(rendered), len(target), n)
	}

	grad := make([]float32, n)

	// L1 term.
	invN := 1.0 / float64(n)
	l1 := 0.0
	for i := 0; i < n; i++ {
		diff := float64(rendered[i]) - float64(target[i])
		l1 += math.Abs(diff)
		s := 0.0
		if diff > 0 {
			s = 1
		} else if diff < 0 {
			s = -1
		}
		grad[i] = float32((1 - l.Lambda) * s * invN)
	}
	l1 *= invN

	if l.Lambda == 0 {
		return l1, grad, nil
	}

	ssim, dSSIM := l.ssimWithGrad(rendered, target, width, height)
	loss := (1-l.Lambda)*l1 + l.Lambda*(1-ssim)/2
	for i := 0; i < n; i++ {
		// d/dx of lambda*(1-ssim)/2.
		grad[i] += float32(-l.Lambda / 2 * dSSIM[i])
	}
	return loss, grad, nil
}

// ssimWithGrad returns the mean SSIM over pixels and channels plus the
// gradient of that mean with respect to the rendered image.
func (l *PhotometricLoss) ssimWithGrad(rendered, target []float32, width, height int) (float64, []float64) {
	px := width * height
	n := px * 3
	dOut := make([]float64, n)

	x := make([]float64, px)
	y := make([]float64, px)
	total := 0.0
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < px; i++ {
			x[i] = float64(rendered[i*3+ch])
			y[i] = float64(target[i*3+ch])
		}
		s, dx := l.ssimChannel(x, y, width, height)
		total += s
		for i := 0; i < px; i++ {
			// Mean over the three channels.
			dOut[i*3+ch] = dx[i] / 3
		}
	}
	return total / 3, dOut
}

// ssimChannel computes mean SSIM of one channel and its gradient with
// respect to x. The implementation stages the computation through the
// windowed moments so the backward pass is a second set of
// convolutions with the same symmetric kernel.
func (l *PhotometricLoss) ssimChannel(x, y []float64, w, h int) (float64, []float64) {
	px := w * h

	mux := convolve(x, w, h, l.window)
	muy := convolve(y, w, h, l.window)

	xx := make([]float64, px)
	xy := make([]float64, px)
	yy := make([]float64, px)
	for i := 0; i < px; i++ {
		xx[i] = x[i] * x[i]
		xy[i] = x[i] * y[i]
		yy[i] = y[i] * y[i]
	}
	vxx := convolve(xx, w, h, l.window)
	vxy := convolve(xy, w, h, l.window)
	vyy := convolve(yy, w, h, l.window)

	dMu := make([]float64, px)
	dVxx := make([]float64, px)
	dVxy := make([]float64, px)

	mean := 0.0
	dS := 1.0 / float64(px) // upstream gradient of the mean, per pixel
	for i := 0; i < px; i++ {
		sx := vxx[i] - mux[i]*mux[i]
		sy := vyy[i] - muy[i]*muy[i]
		sxy := vxy[i] - mux[i]*muy[i]

		a1 := 2*mux[i]*muy[i] + ssimC1
		a2 := 2*sxy + ssimC2
		b1 := mux[i]*mux[i] + muy[i]*muy[i] + ssimC1
		b2 := sx + sy + ssimC2
		s := (a1 * a2) / (b1 * b2)
		mean += s

		// Partials with respect to (mux, vxx, vxy); the sigma terms
		// fold their dependence on mux back in.
		dSdVxy := 2 * a1 / (b1 * b2)
		dSdVxx := -a1 * a2 / (b1 * b2 * b2)
		dSdMux := (2*muy[i]*b1-2*mux[i]*a1)*a2/(b1*b1*b2) +
			a1 * (-2*muy[i]*b2 + 2*mux[i]*a2) / (b1 * b2 * b2)

		dMu[i] = dS * dSdMux
		dVxx[i] = dS * dSdVxx
		dVxy[i] = dS * dSdVxy
	}

	// Adjoint of the zero-padded convolution with a symmetric kernel is
	// the same convolution.
	gMu := convolve(dMu, w, h, l.window)
	gVxx := convolve(dVxx, w, h, l.window)
	gVxy := convolve(dVxy, w, h, l.window)

	dx := make([]float64, px)
	for i := 0; i < px; i++ {
		dx[i] = gMu[i] + 2*x[i]*gVxx[i] + y[i]*gVxy[i]
	}
	return mean / float64(px), dx
}

// gaussianWindow returns a normalized 1D Gaussian kernel.
func gaussianWindow(size int, sigma float64) []float64 {
	w := make([]float64, size)
	sum := 0.0
	for i := range w {
		d := float64(i) - float64(size-1)/2
		w[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// convolve applies the separable kernel to a single-channel image with
// zero padding, horizontal then vertical.
func convolve(src []float64, w, h int, kernel []float64) []float64 {
	half := len(kernel) / 2
	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			sum := 0.0
			for k, kv := range kernel {
				xi := x + k - half
				if xi >= 0 && xi < w {
					sum += kv * row[xi]
				}
			}
			tmp[y*w+x] = sum
		}
	}
	out := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for k, kv := range kernel {
				yi := y + k - half
				if yi >= 0 && yi < h {
					sum += kv * tmp[yi*w+x]
				}
			}
			out[y*w+x] = sum
		}
	}
	return out
}
