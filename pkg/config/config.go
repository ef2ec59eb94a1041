// Package config provides configuration loading and management for gosplat.
// It handles loading training hyperparameters from YAML files and provides
// the defaults used by the reference 3D Gaussian Splatting optimization.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Optimization parameters drive the training loop
	Optimization OptimizationConfig `yaml:"optimization"`

	// Densify parameters control the adaptive density strategy
	Densify DensifyConfig `yaml:"densify"`

	// Rendering parameters are shared by training and the viewer
	Rendering RenderingConfig `yaml:"rendering"`

	// Dataset parameters
	Dataset DatasetConfig `yaml:"dataset"`

	// Output parameters
	Output OutputConfig `yaml:"output"`
}

// OptimizationConfig holds the training-loop hyperparameters
type OptimizationConfig struct {
	// Iterations is the total number of training iterations
	Iterations int `yaml:"iterations"`

	// MeansLR is the initial learning rate for position updates.
	// It decays exponentially to MeansLRFinal over the run.
	MeansLR      float64 `yaml:"meansLr"`
	MeansLRFinal float64 `yaml:"meansLrFinal"`

	// SHsLR is the learning rate for the DC spherical harmonics
	// coefficients; the higher-degree coefficients train at 1/20 of it
	SHsLR float64 `yaml:"shsLr"`

	// OpacityLR is the learning rate for opacity updates
	OpacityLR float64 `yaml:"opacityLr"`

	// ScalingLR is the learning rate for scale updates
	ScalingLR float64 `yaml:"scalingLr"`

	// RotationLR is the learning rate for rotation updates
	RotationLR float64 `yaml:"rotationLr"`

	// LambdaDSSIM weights the D-SSIM term against L1 in the
	// photometric loss
	LambdaDSSIM float64 `yaml:"lambdaDssim"`

	// OpacityReg and ScaleReg are optional L1 regularizer weights
	OpacityReg float64 `yaml:"opacityReg"`
	ScaleReg   float64 `yaml:"scaleReg"`

	// SHDegree is the maximum spherical harmonics degree; the
	// active degree is raised by one every SHUpgradeInterval
	// iterations until it reaches this value
	SHDegree          int `yaml:"shDegree"`
	SHUpgradeInterval int `yaml:"shUpgradeInterval"`

	// EvalSteps and SaveSteps list the iterations at which the
	// trainer evaluates held-out views and writes PLY checkpoints
	EvalSteps []int `yaml:"evalSteps"`
	SaveSteps []int `yaml:"saveSteps"`
}

// DensifyConfig holds the adaptive density control parameters
type DensifyConfig struct {
	// GradThreshold is the mean accumulated screen-space gradient
	// above which a Gaussian is cloned or split
	GradThreshold float64 `yaml:"gradThreshold"`

	// MinOpacity is the opacity below which a Gaussian is pruned
	MinOpacity float64 `yaml:"minOpacity"`

	// GrowthInterval is the number of iterations between densify steps
	GrowthInterval int `yaml:"growthInterval"`

	// StartDensify and StopDensify bound the iterations in which
	// densification runs
	StartDensify int `yaml:"startDensify"`
	StopDensify  int `yaml:"stopDensify"`

	// ResetOpacity is the interval at which all opacities are
	// reset to a small constant
	ResetOpacity int `yaml:"resetOpacity"`

	// DensifySizeThreshold separates clone (below) from split
	// (above), as a fraction of the scene scale
	DensifySizeThreshold float64 `yaml:"densifySizeThreshold"`

	// MaxCap, when positive, is a hard ceiling on the population size
	MaxCap int `yaml:"maxCap"`
}

// RenderingConfig holds the rasterization parameters shared by
// training and the viewer
type RenderingConfig struct {
	// TileSize is the square screen-tile edge in pixels
	TileSize int `yaml:"tileSize"`

	// NearPlane and FarPlane are the depth culling bounds
	NearPlane float64 `yaml:"nearPlane"`
	FarPlane  float64 `yaml:"farPlane"`

	// Eps2D is the screen-space covariance stabilization term
	Eps2D float64 `yaml:"eps2d"`

	// Antialiasing enables the opacity compensation that corrects
	// for the Eps2D blur
	Antialiasing bool `yaml:"antialiasing"`

	// NumWorkers bounds the goroutines used for tile rasterization
	NumWorkers int `yaml:"numWorkers"`
}

// DatasetConfig holds the dataset loading parameters
type DatasetConfig struct {
	// Resolution downscales ground-truth images by this integer
	// factor when greater than 1
	Resolution int `yaml:"resolution"`

	// TestEvery holds out every n-th camera for evaluation when
	// greater than 0
	TestEvery int `yaml:"testEvery"`
}

// OutputConfig holds the output location parameters
type OutputConfig struct {
	// Dir is the directory for checkpoints and rendered previews
	Dir string `yaml:"dir"`

	// Verbose controls the level of logging output
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a configuration with the reference 3DGS defaults
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Optimization.Iterations = 30000
	cfg.Optimization.MeansLR = 1.6e-4
	cfg.Optimization.MeansLRFinal = 1.6e-6
	cfg.Optimization.SHsLR = 2.5e-3
	cfg.Optimization.OpacityLR = 5e-2
	cfg.Optimization.ScalingLR = 5e-3
	cfg.Optimization.RotationLR = 1e-3
	cfg.Optimization.LambdaDSSIM = 0.2
	cfg.Optimization.OpacityReg = 0.0
	cfg.Optimization.ScaleReg = 0.0
	cfg.Optimization.SHDegree = 3
	cfg.Optimization.SHUpgradeInterval = 1000
	cfg.Optimization.EvalSteps = []int{7000, 30000}
	cfg.Optimization.SaveSteps = []int{7000, 30000}

	cfg.Densify.GradThreshold = 2e-4
	cfg.Densify.MinOpacity = 0.005
	cfg.Densify.GrowthInterval = 100
	cfg.Densify.StartDensify = 500
	cfg.Densify.StopDensify = 15000
	cfg.Densify.ResetOpacity = 3000
	cfg.Densify.DensifySizeThreshold = 0.01
	cfg.Densify.MaxCap = 0

	cfg.Rendering.TileSize = 16
	cfg.Rendering.NearPlane = 0.01
	cfg.Rendering.FarPlane = 1e10
	cfg.Rendering.Eps2D = 0.3
	cfg.Rendering.Antialiasing = false
	cfg.Rendering.NumWorkers = runtime.NumCPU()

	cfg.Dataset.Resolution = 1
	cfg.Dataset.TestEvery = 8

	cfg.Output.Dir = "output"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks that the configuration is internally consistent.
// Configuration errors fail training start before any model state is
// allocated.
func (c *Config) Validate() error {
	if c.Optimization.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Optimization.Iterations)
	}
	if c.Optimization.SHDegree < 0 || c.Optimization.SHDegree > 3 {
		return fmt.Errorf("shDegree must be in [0,3], got %d", c.Optimization.SHDegree)
	}
	if c.Optimization.LambdaDSSIM < 0 || c.Optimization.LambdaDSSIM > 1 {
		return fmt.Errorf("lambdaDssim must be in [0,1], got %g", c.Optimization.LambdaDSSIM)
	}
	if c.Densify.GrowthInterval <= 0 {
		return fmt.Errorf("growthInterval must be positive, got %d", c.Densify.GrowthInterval)
	}
	if c.Densify.MinOpacity <= 0 || c.Densify.MinOpacity >= 1 {
		return fmt.Errorf("minOpacity must be in (0,1), got %g", c.Densify.MinOpacity)
	}
	if c.Densify.MaxCap < 0 {
		return fmt.Errorf("maxCap must be non-negative, got %d", c.Densify.MaxCap)
	}
	if c.Rendering.TileSize <= 0 {
		return fmt.Errorf("tileSize must be positive, got %d", c.Rendering.TileSize)
	}
	if c.Rendering.NearPlane <= 0 || c.Rendering.FarPlane <= c.Rendering.NearPlane {
		return fmt.Errorf("invalid clip planes near=%g far=%g", c.Rendering.NearPlane, c.Rendering.FarPlane)
	}
	if c.Rendering.Eps2D < 0 {
		return fmt.Errorf("eps2d must be non-negative, got %g", c.Rendering.Eps2D)
	}
	if c.Dataset.Resolution < 1 {
		return fmt.Errorf("resolution must be at least 1, got %d", c.Dataset.Resolution)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
