// Package inferencetest provides an in-memory bundle with a scripted network
// for tests of packages built on inference.
package inferencetest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/example/geoloc-api/internal/background"
	"github.com/example/geoloc-api/internal/geo"
	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/model"
)

// StubNetwork returns Output for every forward pass, or Err if set.
// When Entered is set it receives a value as each pass begins; when Release
// is set the pass blocks until it is closed.
type StubNetwork struct {
	mu      sync.Mutex
	Output  model.Output
	Err     error
	Calls   int
	Entered chan<- struct{}
	Release <-chan struct{}
}

func (s *StubNetwork) Forward(_ context.Context, _ []float32) (*model.Output, error) {
	if s.Entered != nil {
		s.Entered <- struct{}{}
	}
	if s.Release != nil {
		<-s.Release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.Output
	out.CellProbs = append([]float32(nil), s.Output.CellProbs...)
	out.Embedding = append([]float32(nil), s.Output.Embedding...)
	return &out, nil
}

func (s *StubNetwork) Close() error { return nil }

// Metadata describes a tiny three-cell network with 2-d embeddings.
func Metadata() *model.Metadata {
	return &model.Metadata{
		InputName:    "input",
		CoordsOutput: "coords",
		CellsOutput:  "cell_probs",
		EmbedOutput:  "embedding",
		ResizeSize:   4,
		CropSize:     4,
		Mean:         [3]float32{0.485, 0.456, 0.406},
		Std:          [3]float32{0.229, 0.224, 0.225},
		NumCells:     3,
		EmbeddingDim: 2,
		Centroids: [][3]float64{
			geo.UnitVector(geo.Point{Lat: 48.85, Lon: 2.35}),
			geo.UnitVector(geo.Point{Lat: 35.68, Lon: 139.69}),
			geo.UnitVector(geo.Point{Lat: -33.87, Lon: 151.21}),
		},
	}
}

// Rows is the background collection used by NewBundle. Rows 0-3 sit in
// cell 0 (Paris area), row 4 in cell 1 (Tokyo); cell 2 has no rows.
var Rows = []struct {
	Embedding []float32
	Label     background.Label
}{
	{[]float32{0.9, 0.1}, background.Label{Lat: 48.80, Lon: 2.30}},
	{[]float32{0.8, 0.2}, background.Label{Lat: 48.90, Lon: 2.40}},
	{[]float32{0.1, 0.9}, background.Label{Lat: 43.60, Lon: 1.44}},
	{[]float32{0.85, 0.1}, background.Label{Lat: 48.86, Lon: 2.35}},
	{[]float32{0.5, 0.5}, background.Label{Lat: 35.68, Lon: 139.69}},
}

// CellRows is the cell assignment used by NewBundle.
func CellRows() map[int][]int {
	return map[int][]int{0: {0, 1, 2, 3}, 1: {4}}
}

// NewBundle builds a bundle around network with the fixture background.
func NewBundle(t testing.TB, network model.Network) *inference.Bundle {
	t.Helper()
	return NewBundleWith(t, network, CellRows())
}

// NewBundleWith builds a bundle using a custom cell assignment over Rows.
func NewBundleWith(t testing.TB, network model.Network, cells map[int][]int) *inference.Bundle {
	t.Helper()

	embeddings := make([][]float32, len(Rows))
	labels := make([]background.Label, len(Rows))
	for i, r := range Rows {
		embeddings[i] = r.Embedding
		labels[i] = r.Label
	}
	table, err := background.NewTable(embeddings, labels)
	if err != nil {
		t.Fatalf("background table: %v", err)
	}
	index, err := background.NewCellIndex(cells, table.Len())
	if err != nil {
		t.Fatalf("cell index: %v", err)
	}
	bundle, err := inference.NewBundle(network, Metadata(), index, table, geo.DefaultScales)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	return bundle
}

// JPEG returns an encoded w x h test image.
func JPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
