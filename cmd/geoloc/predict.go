package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/inference"
)

type predictOptions struct {
	ImagePath  string
	ImageURL   string
	Background string
	Cells      string
	Model      string
	Metadata   string
	GPU        int
	UseCPU     bool
	TopK       int
	Eps        float64
	ConfScale  int
}

var predictOpts predictOptions

var errNoInput = errors.New("please provide an image path or URL as input")

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the location of a single image",
	Example: `  geoloc predict -i photo.jpg
  geoloc predict -u https://example.com/photo.jpg -k 20 -e 0.5 --cpu`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if predictOpts.ImagePath == "" && predictOpts.ImageURL == "" {
			return errNoInput
		}
		applyPredictFlags(cmd, &cfg, predictOpts)
		if err := cfg.Validate(); err != nil {
			return err
		}

		data, err := readInput(cmd.Context(), predictOpts)
		if err != nil {
			return err
		}

		logger.Info("loading model")
		bundle, err := inference.Load(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		evaluator, err := inference.NewEvaluator(bundle, cfg.Search, logger)
		if err != nil {
			return err
		}

		img, err := inference.DecodeImage(data)
		if err != nil {
			return err
		}
		logger.Info("running inference", zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))

		res, err := evaluator.Evaluate(cmd.Context(), img)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Prediction (Lat,Lon): (%.4f, %.4f)\n", res.Latitude, res.Longitude)
		fmt.Fprintf(out, "Confidence: %.1f%%\n", res.Confidence)
		return nil
	},
}

// applyPredictFlags overrides the loaded configuration with flags the user
// set explicitly.
func applyPredictFlags(cmd *cobra.Command, c *config.Config, o predictOptions) {
	flags := cmd.Flags()
	if flags.Changed("background") {
		c.Background.Path = o.Background
	}
	if flags.Changed("cells") {
		c.Background.CellsPath = o.Cells
	}
	if flags.Changed("model") {
		c.Model.Path = o.Model
	}
	if flags.Changed("metadata") {
		c.Model.MetadataPath = o.Metadata
	}
	if flags.Changed("gpu") {
		c.Model.DeviceIndex = o.GPU
	}
	if flags.Changed("cpu") {
		c.Model.UseCPU = o.UseCPU
	}
	if flags.Changed("top-k") {
		c.Search.TopK = o.TopK
	}
	if flags.Changed("eps") {
		c.Search.Eps = o.Eps
	}
	if flags.Changed("conf-scale") {
		c.Search.ConfScale = o.ConfScale
	}
}

func readInput(ctx context.Context, o predictOptions) ([]byte, error) {
	if o.ImagePath != "" {
		return os.ReadFile(o.ImagePath)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.ImageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func init() {
	defaults := config.Default()
	f := predictCmd.Flags()
	f.StringVarP(&predictOpts.ImagePath, "image-path", "i", "", "path to the query image")
	f.StringVarP(&predictOpts.ImageURL, "image-url", "u", "", "URL of the query image")
	f.StringVarP(&predictOpts.Background, "background", "b", defaults.Background.Path, "background collection store")
	f.StringVar(&predictOpts.Cells, "cells", defaults.Background.CellsPath, "cell assignment file")
	f.StringVar(&predictOpts.Model, "model", defaults.Model.Path, "exported ONNX network")
	f.StringVar(&predictOpts.Metadata, "metadata", defaults.Model.MetadataPath, "network metadata file")
	f.IntVarP(&predictOpts.GPU, "gpu", "g", 0, "CUDA device index")
	f.BoolVar(&predictOpts.UseCPU, "cpu", false, "run the network on the CPU")
	f.IntVarP(&predictOpts.TopK, "top-k", "k", defaults.Search.TopK, "neighbours used for spatial clustering")
	f.Float64VarP(&predictOpts.Eps, "eps", "e", defaults.Search.Eps, "clustering radius in degrees")
	f.IntVarP(&predictOpts.ConfScale, "conf-scale", "c", defaults.Search.ConfScale, "confidence scale index")
	predictCmd.MarkFlagsMutuallyExclusive("image-path", "image-url")

	rootCmd.AddCommand(predictCmd)
}
