package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Metadata describes an exported network: tensor names, the input
// normalisation it was trained with, and its classification head.
type Metadata struct {
	InputName    string       `json:"input_name"`
	CoordsOutput string       `json:"coords_output"`
	CellsOutput  string       `json:"cells_output"`
	EmbedOutput  string       `json:"embedding_output"`
	ResizeSize   int          `json:"resize_size"`
	CropSize     int          `json:"crop_size"`
	Mean         [3]float32   `json:"mean"`
	Std          [3]float32   `json:"std"`
	NumCells     int          `json:"num_cells"`
	EmbeddingDim int          `json:"embedding_dim"`
	Centroids    [][3]float64 `json:"centroids"`
}

// Output is the result of one forward pass over a single image.
type Output struct {
	Coords    [2]float32 // direct (lat, lon) regression
	CellProbs []float32  // probability per geo-cell
	Embedding []float32  // query embedding, comparable with the background table
}

// Network runs the geolocation model.
type Network interface {
	Forward(ctx context.Context, input []float32) (*Output, error)
	Close() error
}

// LoadMetadata reads and validates the network sidecar file.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	meta := &Metadata{
		InputName:    "input",
		CoordsOutput: "coords",
		CellsOutput:  "cell_probs",
		EmbedOutput:  "embedding",
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return meta, nil
}

// Validate checks that the metadata is internally consistent.
func (m *Metadata) Validate() error {
	var errs []error
	if m.CropSize <= 0 {
		errs = append(errs, errors.New("crop_size must be positive"))
	}
	if m.ResizeSize < m.CropSize {
		errs = append(errs, fmt.Errorf("resize_size %d smaller than crop_size %d", m.ResizeSize, m.CropSize))
	}
	for c, s := range m.Std {
		if s == 0 {
			errs = append(errs, fmt.Errorf("std[%d] is zero", c))
		}
	}
	if m.NumCells <= 0 {
		errs = append(errs, errors.New("num_cells must be positive"))
	}
	if m.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("embedding_dim must be positive"))
	}
	if len(m.Centroids) != m.NumCells {
		errs = append(errs, fmt.Errorf("got %d centroids for %d cells", len(m.Centroids), m.NumCells))
	}
	for i, c := range m.Centroids {
		n := math.Sqrt(c[0]*c[0] + c[1]*c[1] + c[2]*c[2])
		if math.Abs(n-1) > 1e-3 {
			errs = append(errs, fmt.Errorf("centroid %d is not a unit vector (norm %.4f)", i, n))
			break
		}
	}
	return errors.Join(errs...)
}

// InputShape is the NCHW shape of a single preprocessed image.
func (m *Metadata) InputShape() []int64 {
	return []int64{1, 3, int64(m.CropSize), int64(m.CropSize)}
}

// InputLen is the number of float32 values in one preprocessed image.
func (m *Metadata) InputLen() int {
	return 3 * m.CropSize * m.CropSize
}

func (m *Metadata) checkOutput(out *Output) error {
	if len(out.CellProbs) != m.NumCells {
		return fmt.Errorf("network returned %d cell probabilities, expected %d", len(out.CellProbs), m.NumCells)
	}
	if len(out.Embedding) != m.EmbeddingDim {
		return fmt.Errorf("network returned %d-d embedding, expected %d", len(out.Embedding), m.EmbeddingDim)
	}
	return nil
}
