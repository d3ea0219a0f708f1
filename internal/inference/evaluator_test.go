package inference_test

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/geo"
	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/inference/inferencetest"
	"github.com/example/geoloc-api/internal/model"
)

func parisOutput() model.Output {
	return model.Output{
		Coords:    [2]float32{47.1, 3.3},
		CellProbs: []float32{0.7, 0.2, 0.1},
		Embedding: []float32{1, 0},
	}
}

func newEvaluator(t *testing.T, bundle *inference.Bundle, search config.SearchConfig) *inference.Evaluator {
	t.Helper()
	ev, err := inference.NewEvaluator(bundle, search, zap.NewNop())
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return ev
}

func testImage(t *testing.T) image.Image {
	t.Helper()
	img, err := inference.DecodeImage(inferencetest.JPEG(t, 32, 24))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func TestEvaluateFallsBackToDirectPrediction(t *testing.T) {
	out := model.Output{
		Coords:    [2]float32{-33.8688, 151.2093},
		CellProbs: []float32{0.1, 0.2, 0.7},
		Embedding: []float32{1, 0},
	}
	network := &inferencetest.StubNetwork{Output: out}
	ev := newEvaluator(t, inferencetest.NewBundle(t, network), config.DefaultSearch())

	res, err := ev.Evaluate(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Fallback || res.CellID != 2 {
		t.Fatalf("expected fallback on cell 2, got %+v", res)
	}
	if res.Latitude != float64(out.Coords[0]) || res.Longitude != float64(out.Coords[1]) {
		t.Fatalf("expected direct prediction %v, got (%f, %f)", out.Coords, res.Latitude, res.Longitude)
	}
	if res.Candidates != 0 {
		t.Fatalf("expected no candidates, got %d", res.Candidates)
	}
}

func TestEvaluateClustersTopKNeighbours(t *testing.T) {
	network := &inferencetest.StubNetwork{Output: parisOutput()}
	search := config.SearchConfig{TopK: 3, Eps: 1, ConfScale: 25}
	ev := newEvaluator(t, inferencetest.NewBundle(t, network), search)

	res, err := ev.Evaluate(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fallback || res.CellID != 0 || res.Candidates != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	// Top three by similarity are rows 0, 3 and 1; row 2 (Toulouse) is excluded.
	wantLat := (48.80 + 48.86 + 48.90) / 3
	wantLon := (2.30 + 2.35 + 2.40) / 3
	if math.Abs(res.Latitude-wantLat) > 1e-9 || math.Abs(res.Longitude-wantLon) > 1e-9 {
		t.Fatalf("expected (%f, %f), got (%f, %f)", wantLat, wantLon, res.Latitude, res.Longitude)
	}
}

func TestEvaluateUsesAllCandidatesWhenFewerThanTopK(t *testing.T) {
	network := &inferencetest.StubNetwork{Output: parisOutput()}
	ev := newEvaluator(t, inferencetest.NewBundle(t, network), config.SearchConfig{TopK: 50, Eps: 10, ConfScale: 0})

	res, err := ev.Evaluate(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Candidates != 4 {
		t.Fatalf("expected all 4 rows of the cell, got %d", res.Candidates)
	}
}

func TestEvaluateIgnoresRowsOutsideTopK(t *testing.T) {
	search := config.SearchConfig{TopK: 3, Eps: 1, ConfScale: 25}

	base := inferencetest.CellRows()
	base[0] = []int{0, 1, 3}
	withExtra := inferencetest.CellRows()
	withExtra[0] = []int{0, 1, 3, 2} // row 2 has lower similarity than all others

	var results []*inference.Result
	for _, cells := range []map[int][]int{base, withExtra} {
		network := &inferencetest.StubNetwork{Output: parisOutput()}
		ev := newEvaluator(t, inferencetest.NewBundleWith(t, network, cells), search)
		res, err := ev.Evaluate(context.Background(), testImage(t))
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		results = append(results, res)
	}

	if results[0].Latitude != results[1].Latitude || results[0].Longitude != results[1].Longitude {
		t.Fatalf("low-similarity row changed the prediction: %+v vs %+v", results[0], results[1])
	}
}

func TestEvaluateIsIdempotentAndInRange(t *testing.T) {
	network := &inferencetest.StubNetwork{Output: parisOutput()}
	ev := newEvaluator(t, inferencetest.NewBundle(t, network), config.DefaultSearch())
	img := testImage(t)

	first, err := ev.Evaluate(context.Background(), img)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := ev.Evaluate(context.Background(), img)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if *first != *second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if first.Latitude < -90 || first.Latitude > 90 || first.Longitude < -180 || first.Longitude > 180 {
		t.Fatalf("coordinate out of range: %+v", first)
	}
	if first.Confidence < 0 || first.Confidence > 100 {
		t.Fatalf("confidence out of range: %f", first.Confidence)
	}
}

func TestEvaluateConfidenceUsesConfiguredScale(t *testing.T) {
	network := &inferencetest.StubNetwork{Output: parisOutput()}
	bundle := inferencetest.NewBundle(t, network)

	// Paris, Tokyo and Sydney are thousands of km apart, so every scale up
	// to 990 km only counts the peak cell.
	for _, scale := range []int{0, 25, len(geo.DefaultScales) - 1} {
		ev := newEvaluator(t, bundle, config.SearchConfig{TopK: 10, Eps: 1, ConfScale: scale})
		res, err := ev.Evaluate(context.Background(), testImage(t))
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if math.Abs(res.Confidence-70) > 1e-4 {
			t.Fatalf("scale %d: expected confidence 70, got %f", scale, res.Confidence)
		}
	}
}

func TestNewEvaluatorRejectsScaleOutOfRange(t *testing.T) {
	bundle := inferencetest.NewBundle(t, &inferencetest.StubNetwork{Output: parisOutput()})
	_, err := inference.NewEvaluator(bundle, config.SearchConfig{TopK: 10, Eps: 1, ConfScale: len(geo.DefaultScales)}, zap.NewNop())
	if err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestEvaluatePropagatesNetworkError(t *testing.T) {
	boom := errors.New("device lost")
	network := &inferencetest.StubNetwork{Err: boom}
	ev := newEvaluator(t, inferencetest.NewBundle(t, network), config.DefaultSearch())

	if _, err := ev.Evaluate(context.Background(), testImage(t)); !errors.Is(err, boom) {
		t.Fatalf("expected network error, got %v", err)
	}
	if network.Calls != 1 {
		t.Fatalf("expected a single forward pass, got %d", network.Calls)
	}
}

func TestEvaluateRejectsMismatchedNetworkOutput(t *testing.T) {
	out := parisOutput()
	out.Embedding = []float32{1, 0, 0}
	ev := newEvaluator(t, inferencetest.NewBundle(t, &inferencetest.StubNetwork{Output: out}), config.DefaultSearch())

	if _, err := ev.Evaluate(context.Background(), testImage(t)); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	if _, err := inference.DecodeImage([]byte("definitely not an image")); !errors.Is(err, inference.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestNewBundleRejectsDimensionMismatch(t *testing.T) {
	meta := inferencetest.Metadata()
	meta.EmbeddingDim = 3
	base := inferencetest.NewBundle(t, &inferencetest.StubNetwork{})
	if _, err := inference.NewBundle(base.Network, meta, base.Cells, base.Background, geo.DefaultScales); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
