// Package camera models the posed pinhole/fisheye views that drive
// training. A Camera is immutable after construction: the pose,
// intrinsics and distortion never change, and the associated
// ground-truth image is loaded lazily exactly once.
package camera

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"

	"gosplat/pkg/geom"
)

// Model tags the projection model of a camera.
type Model int

const (
	// Pinhole is the standard perspective model and the canonical
	// training path.
	Pinhole Model = iota

	// Fisheye is an equidistant fisheye model, accepted at load time
	// but rendered through the same EWA path after undistortion.
	Fisheye
)

// String returns the model name.
func (m Model) String() string {
	switch m {
	case Pinhole:
		return "pinhole"
	case Fisheye:
		return "fisheye"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// Image is a decoded ground-truth view in [0,1] RGB, stored
// channel-interleaved row-major (H x W x 3).
type Image struct {
	Width  int
	Height int
	Pix    []float32
}

// At returns the RGB value at pixel (x, y).
func (im *Image) At(x, y int) (r, g, b float32) {
	i := (y*im.Width + x) * 3
	return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
}

// Camera is a single posed view. All fields are fixed at construction;
// no shared mutable state exists across cameras.
type Camera struct {
	uid  int
	name string

	w2c geom.Mat4

	focalX, focalY   float64
	centerX, centerY float64

	radial     []float64
	tangential []float64
	model      Model

	width  int
	height int

	imagePath  string
	resolution int

	loadOnce sync.Once
	img      *Image
	loadErr  error
}

// New constructs a camera from a world-to-camera transform and
// intrinsics. width/height are the full-resolution image dimensions;
// resolution is the integer downscale factor applied when the image is
// loaded (values below 1 are treated as 1).
func New(uid int, name string, w2c geom.Mat4,
	focalX, focalY, centerX, centerY float64,
	radial, tangential []float64, model Model,
	width, height int, imagePath string, resolution int) *Camera {

	if resolution < 1 {
		resolution = 1
	}
	return &Camera{
		uid:        uid,
		name:       name,
		w2c:        w2c,
		focalX:     focalX,
		focalY:     focalY,
		centerX:    centerX,
		centerY:    centerY,
		radial:     append([]float64(nil), radial...),
		tangential: append([]float64(nil), tangential...),
		model:      model,
		width:      width,
		height:     height,
		imagePath:  imagePath,
		resolution: resolution,
	}
}

// FromRT constructs a camera from a rotation matrix and a translation
// vector, composing them into the world-to-camera transform.
func FromRT(uid int, name string, r geom.Mat3, t geom.Vec3,
	focalX, focalY, centerX, centerY float64,
	model Model, width, height int, imagePath string, resolution int) *Camera {
	return New(uid, name, geom.ComposeRigid(r, t),
		focalX, focalY, centerX, centerY, nil, nil, model,
		width, height, imagePath, resolution)
}

// UID returns the camera's unique identifier within its dataset.
func (c *Camera) UID() int { return c.uid }

// Name returns the camera's image name.
func (c *Camera) Name() string { return c.name }

// WorldToCamera returns the 4x4 world-to-camera transform.
func (c *Camera) WorldToCamera() geom.Mat4 { return c.w2c }

// Model returns the projection model tag.
func (c *Camera) Model() Model { return c.model }

// Width returns the image width after downscaling.
func (c *Camera) Width() int { return c.width / c.resolution }

// Height returns the image height after downscaling.
func (c *Camera) Height() int { return c.height / c.resolution }

// Intrinsics returns fx, fy, cx, cy scaled to the downscaled image size.
func (c *Camera) Intrinsics() (fx, fy, cx, cy float64) {
	s := 1.0 / float64(c.resolution)
	return c.focalX * s, c.focalY * s, c.centerX * s, c.centerY * s
}

// Distortion returns the radial and tangential coefficient slices.
// Both may be empty for an ideal pinhole.
func (c *Camera) Distortion() (radial, tangential []float64) {
	return c.radial, c.tangential
}

// Position returns the camera center in world space, computed by
// inverting the world-to-camera transform.
func (c *Camera) Position() geom.Vec3 {
	var m mat.Dense
	w2c := c.w2c
	m.CloneFrom(mat.NewDense(4, 4, w2c[:]))

	var inv mat.Dense
	if err := inv.Inverse(&m); err != nil {
		// A rigid transform is always invertible; fall back to the
		// transpose-based closed form if the solver balks.
		r := w2c.Rotation().Transpose()
		t := w2c.Translation()
		return r.MulVec(t.Scale(-1))
	}
	return geom.Vec3{inv.At(0, 3), inv.At(1, 3), inv.At(2, 3)}
}

// CameraToWorld returns the inverse pose transform.
func (c *Camera) CameraToWorld() geom.Mat4 {
	r := c.w2c.Rotation().Transpose()
	t := r.MulVec(c.w2c.Translation().Scale(-1))
	return geom.ComposeRigid(r, t)
}

// LoadImage decodes the associated ground-truth image, downscaling by
// the configured resolution factor. The result is cached; concurrent
// callers share one load.
func (c *Camera) LoadImage() (*Image, error) {
	c.loadOnce.Do(func() {
		c.img, c.loadErr = DecodeImageFile(c.imagePath, c.resolution)
	})
	return c.img, c.loadErr
}

// SetImage installs a pre-decoded image, bypassing file loading. It is
// used by synthetic datasets and tests and must be called before any
// LoadImage call.
func (c *Camera) SetImage(img *Image) {
	c.loadOnce.Do(func() { c.img = img })
}

// DecodeImageFile reads and decodes an image file into a [0,1] RGB
// buffer, downscaling by the given integer factor when it exceeds 1.
func DecodeImageFile(path string, resolution int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return FromGoImage(src, resolution), nil
}

// FromGoImage converts a decoded image to the normalized float RGB
// buffer used by the loss, downscaling by resolution when above 1.
func FromGoImage(src image.Image, resolution int) *Image {
	if resolution > 1 {
		b := src.Bounds()
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx()/resolution, b.Dy()/resolution))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Image{Width: w, Height: h, Pix: make([]float32, w*h*3)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			out.Pix[i] = float32(r) / 65535.0
			out.Pix[i+1] = float32(g) / 65535.0
			out.Pix[i+2] = float32(bl) / 65535.0
		}
	}
	return out
}
