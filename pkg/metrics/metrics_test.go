package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rampImage(n int, offset float32) []float32 {
	img := make([]float32, n)
	for i := range img {
		img[i] = float32(i%17)/16.0*0.8 + offset
	}
	return img
}

func TestCompareIdenticalImages(t *testing.T) {
	img := rampImage(300, 0.1)
	r, err := Compare(img, img)
	require.NoError(t, err)
	assert.True(t, math.IsInf(r.PSNR, 1))
	assert.InDelta(t, 1.0, r.SSIM, 1e-9)
}

func TestComparePSNRKnownValue(t *testing.T) {
	a := make([]float32, 100)
	b := make([]float32, 100)
	for i := range b {
		b[i] = 0.1 // uniform error of 0.1 -> MSE 0.01 -> 20 dB
	}
	r, err := Compare(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, r.PSNR, 1e-9)
}

func TestCompareDegradesWithNoise(t *testing.T) {
	img := rampImage(3000, 0.05)
	slightly := make([]float32, len(img))
	badly := make([]float32, len(img))
	for i := range img {
		slightly[i] = img[i] + float32(i%3-1)*0.01
		badly[i] = img[i] + float32(i%3-1)*0.2
	}

	r1, err := Compare(img, slightly)
	require.NoError(t, err)
	r2, err := Compare(img, badly)
	require.NoError(t, err)

	assert.Greater(t, r1.PSNR, r2.PSNR)
	assert.Greater(t, r1.SSIM, r2.SSIM)
}

func TestCompareRejectsMismatch(t *testing.T) {
	_, err := Compare(make([]float32, 10), make([]float32, 11))
	assert.Error(t, err)
	_, err = Compare(nil, nil)
	assert.Error(t, err)
}
