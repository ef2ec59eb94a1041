// Command gosplat trains and previews 3D Gaussian Splatting models
// from posed image datasets.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gosplat/pkg/config"
	"gosplat/pkg/dataset"
	"gosplat/pkg/splat"
	"gosplat/pkg/train"
	"gosplat/pkg/visualization"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gosplat",
		Short:         "3D Gaussian Splatting training and rendering",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCommand(), newRenderCommand(), newExportCommand(), newConfigCommand())
	return root
}

func newTrainCommand() *cobra.Command {
	var (
		configPath string
		dataPath   string
		outputDir  string
		points     int
		seed       int64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from a transforms.json dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.Output.Dir = outputDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTraining(ctx, cfg, dataPath, points, seed)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Training configuration YAML")
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "Path to the transforms.json dataset file")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Checkpoint directory (overrides config)")
	cmd.Flags().IntVar(&points, "points", 50000, "Number of random seed points")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for point-cloud initialization")
	cmd.MarkFlagRequired("data")
	return cmd
}

func runTraining(ctx context.Context, cfg *config.Config, dataPath string, points int, seed int64) error {
	fmt.Println("Loading dataset from", dataPath)
	scene, err := dataset.LoadTransforms(dataPath, cfg.Dataset)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}
	fmt.Printf("Loaded %d training and %d test cameras\n", len(scene.Train), len(scene.Test))

	sceneScale := splat.SceneScaleFromCameras(scene.Centers)
	pc := dataset.RandomPointCloud(points, scene.Centers, seed)
	data, err := splat.InitFromPointCloud(pc, cfg.Optimization.SHDegree, sceneScale)
	if err != nil {
		return fmt.Errorf("initializing population: %w", err)
	}
	fmt.Printf("Initialized %d gaussians (scene scale %.3f)\n", data.Size(), sceneScale)

	trainer, err := train.NewTrainer(cfg, data, scene.Train, scene.Test)
	if err != nil {
		return err
	}

	start := time.Now()
	err = trainer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nTraining interrupted, writing final checkpoint...")
		snap, stats := trainer.Snapshot()
		path := filepath.Join(cfg.Output.Dir, fmt.Sprintf("point_cloud_%07d.ply", stats.Iteration))
		if serr := snap.SavePLY(path); serr != nil {
			return serr
		}
		fmt.Println("Checkpoint saved to", path)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Training completed in %.1f seconds\n", time.Since(start).Seconds())
	return nil
}

func newRenderCommand() *cobra.Command {
	var (
		inputPath string
		outputDir string
		frames    int
		width     int
		height    int
		fov       float64
		elevation float64
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a turntable preview from a PLY checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := splat.LoadPLY(inputPath)
			if err != nil {
				return fmt.Errorf("loading checkpoint: %w", err)
			}
			fmt.Printf("Loaded %d gaussians from %s\n", data.Size(), inputPath)

			viewer, err := visualization.NewViewer(width, height, fov)
			if err != nil {
				return err
			}
			orbit := visualization.OrbitAround(data, frames)
			orbit.Elevation = elevation

			paths, err := viewer.SaveTurntable(data, orbit, outputDir)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %d frames to %s\n", len(paths), outputDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input PLY checkpoint")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "frames", "Output frame directory")
	cmd.Flags().IntVar(&frames, "frames", 60, "Number of orbit frames")
	cmd.Flags().IntVar(&width, "width", 800, "Frame width in pixels")
	cmd.Flags().IntVar(&height, "height", 600, "Frame height in pixels")
	cmd.Flags().Float64Var(&fov, "fov", 60, "Horizontal field of view in degrees")
	cmd.Flags().Float64Var(&elevation, "elevation", 0.26, "Orbit elevation in radians")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		inputPath  string
		outputPath string
		minOpacity float64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Rewrite a checkpoint, dropping near-transparent gaussians",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := splat.LoadPLY(inputPath)
			if err != nil {
				return fmt.Errorf("loading checkpoint: %w", err)
			}

			keep := make([]bool, data.Size())
			kept := 0
			for i := range keep {
				keep[i] = float64(data.Opacity(i)) >= minOpacity
				if keep[i] {
					kept++
				}
			}
			if err := data.Prune(keep); err != nil {
				return err
			}
			fmt.Printf("Kept %d of %d gaussians\n", kept, len(keep))

			if err := data.SavePLY(outputPath); err != nil {
				return err
			}
			fmt.Println("Wrote", outputPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input PLY checkpoint")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "model.ply", "Output PLY file")
	cmd.Flags().Float64Var(&minOpacity, "min-opacity", 0.005, "Opacity threshold for keeping gaussians")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Println("Wrote default configuration to", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "config.yaml", "Destination file")
	return cmd
}
