// Package dataset loads posed-image datasets in the NeRF
// transforms.json format and prepares the train/test camera splits and
// the initial point cloud used to seed optimization.
package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gosplat/internal/models"
	"gosplat/pkg/camera"
	"gosplat/pkg/config"
	"gosplat/pkg/geom"
)

// Scene is a loaded dataset: the camera splits plus the world-space
// camera centers used to derive the scene scale.
type Scene struct {
	Train   []*camera.Camera
	Test    []*camera.Camera
	Centers [][3]float64
}

// transformsFile mirrors the NeRF transforms.json layout. Per-frame
// intrinsics override the file-level ones when present.
type transformsFile struct {
	CameraAngleX float64 `json:"camera_angle_x"`
	FlX          float64 `json:"fl_x"`
	FlY          float64 `json:"fl_y"`
	Cx           float64 `json:"cx"`
	Cy           float64 `json:"cy"`
	W            int     `json:"w"`
	H            int     `json:"h"`
	Frames       []struct {
		FilePath        string       `json:"file_path"`
		TransformMatrix [4][4]float64 `json:"transform_matrix"`
		FlX             float64      `json:"fl_x"`
		FlY             float64      `json:"fl_y"`
		W               int          `json:"w"`
		H               int          `json:"h"`
	} `json:"frames"`
}

// LoadTransforms reads a transforms.json file and builds the camera
// splits. Image paths are resolved relative to the file; paths without
// an extension get ".png" appended, following the synthetic NeRF
// convention.
func LoadTransforms(path string, cfg config.DatasetConfig) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transforms file: %w", err)
	}
	var tf transformsFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(tf.Frames) == 0 {
		return nil, fmt.Errorf("%s contains no frames", path)
	}

	root := filepath.Dir(path)
	scene := &Scene{}
	for i, fr := range tf.Frames {
		imgPath := filepath.Join(root, fr.FilePath)
		if filepath.Ext(imgPath) == "" {
			imgPath += ".png"
		}

		w, h := fr.W, fr.H
		if w == 0 || h == 0 {
			w, h = tf.W, tf.H
		}
		if w == 0 || h == 0 {
			w, h, err = imageDimensions(imgPath)
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", i, err)
			}
		}

		fx, fy := fr.FlX, fr.FlY
		if fx == 0 {
			fx, fy = tf.FlX, tf.FlY
		}
		if fx == 0 {
			if tf.CameraAngleX == 0 {
				return nil, fmt.Errorf("frame %d: no focal length or camera angle given", i)
			}
			fx = 0.5 * float64(w) / math.Tan(0.5*tf.CameraAngleX)
		}
		if fy == 0 {
			fy = fx
		}
		cx, cy := tf.Cx, tf.Cy
		if cx == 0 {
			cx, cy = float64(w)/2, float64(h)/2
		}

		w2c := worldToCameraFromGL(fr.TransformMatrix)
		cam := camera.New(i, filepath.Base(fr.FilePath), w2c,
			fx, fy, cx, cy, nil, nil, camera.Pinhole, w, h, imgPath, cfg.Resolution)

		pos := cam.Position()
		scene.Centers = append(scene.Centers, [3]float64{pos[0], pos[1], pos[2]})

		if cfg.TestEvery > 0 && i%cfg.TestEvery == 0 {
			scene.Test = append(scene.Test, cam)
		} else {
			scene.Train = append(scene.Train, cam)
		}
	}
	if len(scene.Train) == 0 {
		return nil, fmt.Errorf("%s: every frame landed in the test split", path)
	}
	return scene, nil
}

// worldToCameraFromGL converts a camera-to-world matrix in the OpenGL
// convention (y up, z toward the viewer) into the OpenCV-style
// world-to-camera transform the renderer expects (y down, z forward).
func worldToCameraFromGL(m [4][4]float64) geom.Mat4 {
	var r geom.Mat3
	var c geom.Vec3
	for i := 0; i < 3; i++ {
		// Negating the y and z basis columns flips the convention.
		r.Set(i, 0, m[i][0])
		r.Set(i, 1, -m[i][1])
		r.Set(i, 2, -m[i][2])
		c[i] = m[i][3]
	}
	rInv := r.Transpose()
	t := rInv.MulVec(c.Scale(-1))
	return geom.ComposeRigid(rInv, t)
}

// imageDimensions reads just enough of an image file to learn its size.
func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header of %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// RandomPointCloud seeds a point cloud uniformly inside the camera
// bounding sphere, for datasets that ship no sparse reconstruction.
// Colors start at mid-gray.
func RandomPointCloud(n int, centers [][3]float64, seed int64) *models.PointCloud {
	var cx, cy, cz float64
	for _, c := range centers {
		cx += c[0]
		cy += c[1]
		cz += c[2]
	}
	if len(centers) > 0 {
		inv := 1.0 / float64(len(centers))
		cx, cy, cz = cx*inv, cy*inv, cz*inv
	}
	radius := 1.0
	for _, c := range centers {
		dx, dy, dz := c[0]-cx, c[1]-cy, c[2]-cz
		if d := math.Sqrt(dx*dx + dy*dy + dz*dz); d > radius {
			radius = d
		}
	}

	rng := rand.New(rand.NewSource(seed))
	pc := &models.PointCloud{
		Positions: make([]float32, n*3),
		Colors:    make([]uint8, n*3),
	}
	for i := 0; i < n; i++ {
		// Rejection-sample the unit ball.
		var x, y, z float64
		for {
			x = rng.Float64()*2 - 1
			y = rng.Float64()*2 - 1
			z = rng.Float64()*2 - 1
			if x*x+y*y+z*z <= 1 {
				break
			}
		}
		pc.Positions[3*i] = float32(cx + x*radius)
		pc.Positions[3*i+1] = float32(cy + y*radius)
		pc.Positions[3*i+2] = float32(cz + z*radius)
		for j := 0; j < 3; j++ {
			pc.Colors[3*i+j] = 128
		}
	}
	return pc
}
