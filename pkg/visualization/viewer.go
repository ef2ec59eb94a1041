// Package visualization renders offline turntable previews of a
// Gaussian population. It is a pure reader: it works from snapshots and
// never touches live training state.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gosplat/internal/models"
	"gosplat/pkg/camera"
	"gosplat/pkg/geom"
	"gosplat/pkg/render"
	"gosplat/pkg/splat"
)

// Source yields population snapshots safe for concurrent rendering.
// *train.Trainer satisfies it.
type Source interface {
	Snapshot() (*splat.Data, models.TrainingStats)
}

// Viewer renders a population from orbit cameras to JPEG frames.
type Viewer struct {
	width  int
	height int
	fovX   float64

	// Background is the RGB color composited behind the splats.
	Background [3]float32

	// Quality is the JPEG encoding quality in [1,100].
	Quality int

	// NumWorkers bounds rasterization goroutines; zero means NumCPU.
	NumWorkers int
}

// NewViewer creates a viewer rendering frames of the given size with
// the given horizontal field of view in degrees.
func NewViewer(width, height int, fovXDegrees float64) (*Viewer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame dimensions must be positive, got %dx%d", width, height)
	}
	if fovXDegrees <= 0 || fovXDegrees >= 180 {
		return nil, fmt.Errorf("horizontal FOV must be in (0,180) degrees, got %g", fovXDegrees)
	}
	return &Viewer{
		width:   width,
		height:  height,
		fovX:    fovXDegrees * math.Pi / 180,
		Quality: 90,
	}, nil
}

// Orbit describes a circular camera path around a point of interest.
type Orbit struct {
	// Center is the look-at point.
	Center geom.Vec3

	// Radius is the camera distance from the center.
	Radius float64

	// Elevation is the angle above the equatorial plane in radians.
	// Values at or beyond +-pi/2 make the view direction parallel to
	// the up axis and are rejected.
	Elevation float64

	// Frames is the number of evenly spaced azimuth steps.
	Frames int
}

// OrbitAround builds a default orbit enclosing the population: the
// center is the mean position and the radius covers the splats with
// some margin.
func OrbitAround(d *splat.Data, frames int) Orbit {
	n := d.Size()
	o := Orbit{Radius: 1, Elevation: math.Pi / 12, Frames: frames}
	if n == 0 {
		return o
	}

	var cx, cy, cz float64
	for i := 0; i < n; i++ {
		m := d.Mean(i)
		cx += m[0]
		cy += m[1]
		cz += m[2]
	}
	inv := 1.0 / float64(n)
	o.Center = geom.Vec3{cx * inv, cy * inv, cz * inv}

	maxDist := 0.0
	for i := 0; i < n; i++ {
		if dist := d.Mean(i).Sub(o.Center).Norm(); dist > maxDist {
			maxDist = dist
		}
	}
	if maxDist == 0 {
		maxDist = 0.5
	}
	o.Radius = 3 * maxDist
	return o
}

func (o Orbit) validate() error {
	if o.Frames <= 0 {
		return fmt.Errorf("orbit needs at least one frame, got %d", o.Frames)
	}
	if o.Radius <= 0 {
		return fmt.Errorf("orbit radius must be positive, got %g", o.Radius)
	}
	if math.Abs(o.Elevation) >= math.Pi/2 {
		return fmt.Errorf("orbit elevation %g is outside (-pi/2, pi/2)", o.Elevation)
	}
	return nil
}

// FrameCamera returns the posed camera for one orbit frame. Azimuth
// advances counterclockwise around the world up axis.
func (v *Viewer) FrameCamera(o Orbit, frame int) *camera.Camera {
	azimuth := 2 * math.Pi * float64(frame) / float64(o.Frames)
	eye := o.Center.Add(geom.Vec3{
		o.Radius * math.Cos(o.Elevation) * math.Cos(azimuth),
		o.Radius * math.Sin(o.Elevation),
		o.Radius * math.Cos(o.Elevation) * math.Sin(azimuth),
	})

	fx := 0.5 * float64(v.width) / math.Tan(0.5*v.fovX)
	name := fmt.Sprintf("orbit_%04d", frame)
	return camera.New(frame, name, lookAt(eye, o.Center),
		fx, fx, float64(v.width)/2, float64(v.height)/2,
		nil, nil, camera.Pinhole, v.width, v.height, "", 1)
}

// lookAt builds a world-to-camera transform with x right, y down and z
// toward the target.
func lookAt(eye, center geom.Vec3) geom.Mat4 {
	up := geom.Vec3{0, 1, 0}
	z := center.Sub(eye).Normalized()
	x := z.Cross(up)
	if x.Norm() < 1e-9 {
		// View direction parallel to up; any horizontal works.
		x = geom.Vec3{1, 0, 0}
	}
	x = x.Normalized()
	y := z.Cross(x)

	r := geom.Mat3{
		x[0], x[1], x[2],
		y[0], y[1], y[2],
		z[0], z[1], z[2],
	}
	return geom.ComposeRigid(r, r.MulVec(eye.Scale(-1)))
}

// RenderFrame renders one orbit frame to an RGBA image, compositing
// the splats over the background color.
func (v *Viewer) RenderFrame(d *splat.Data, o Orbit, frame int) (image.Image, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	cam := v.FrameCamera(o, frame)
	s := render.SettingsForCamera(cam, d.ActiveSHDegree())
	s.NumWorkers = v.NumWorkers
	out, _ := render.Render(d, s)
	return v.compose(out), nil
}

// compose converts the separate image and alpha planes into an RGBA
// frame over the background color.
func (v *Viewer) compose(out *render.Output) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, out.Width, out.Height))
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			p := y*out.Width + x
			t := 1 - out.Alpha[p]
			var rgb [3]uint8
			for ch := 0; ch < 3; ch++ {
				val := out.Image[3*p+ch] + t*v.Background[ch]
				if val < 0 {
					val = 0
				}
				if val > 1 {
					val = 1
				}
				rgb[ch] = uint8(val*255 + 0.5)
			}
			img.SetRGBA(x, y, color.RGBA{rgb[0], rgb[1], rgb[2], 255})
		}
	}
	return img
}

// SaveTurntable renders the full orbit and writes one JPEG per frame
// into outDir, returning the written paths in frame order.
func (v *Viewer) SaveTurntable(d *splat.Data, o Orbit, outDir string) ([]string, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	paths := make([]string, 0, o.Frames)
	for frame := 0; frame < o.Frames; frame++ {
		img, err := v.RenderFrame(d, o, frame)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(outDir, fmt.Sprintf("frame_%04d.jpg", frame))
		if err := v.writeJPEG(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SavePreview takes one snapshot from a live source and writes a single
// frame, named after the snapshot's iteration.
func (v *Viewer) SavePreview(src Source, o Orbit, outDir string) (string, error) {
	data, stats := src.Snapshot()
	if err := o.validate(); err != nil {
		return "", err
	}
	img, err := v.RenderFrame(data, o, 0)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create preview directory: %w", err)
	}
	path := filepath.Join(outDir, fmt.Sprintf("preview_%07d.jpg", stats.Iteration))
	if err := v.writeJPEG(img, path); err != nil {
		return "", err
	}
	return path, nil
}

func (v *Viewer) writeJPEG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create frame file: %w", err)
	}
	defer f.Close()
	quality := v.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
