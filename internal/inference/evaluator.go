package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sort"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/geo"
)

// ErrInvalidImage is returned when the uploaded bytes are not a decodable image.
var ErrInvalidImage = errors.New("invalid image file")

// Limits checked against the image header before decoding. The preprocessor
// scales the shorter side up or down to a fixed size, so the aspect ratio
// bounds the size of the resized image.
const (
	MaxPixels      = 50_000_000
	MaxAspectRatio = 12
)

// Result is the prediction for one image.
type Result struct {
	Latitude   float64
	Longitude  float64
	Confidence float64 // percent, [0, 100]
	CellID     int
	Fallback   bool // no background rows in CellID; coordinate is the direct regression
	Candidates int  // neighbours that went into clustering
}

// Evaluator runs the full prediction pipeline against a loaded bundle.
type Evaluator struct {
	bundle *Bundle
	search config.SearchConfig
	logger *zap.Logger
}

func NewEvaluator(bundle *Bundle, search config.SearchConfig, logger *zap.Logger) (*Evaluator, error) {
	if err := search.Validate(); err != nil {
		return nil, err
	}
	if search.ConfScale >= len(bundle.Scales) {
		return nil, fmt.Errorf("conf_scale %d out of range, %d scales available", search.ConfScale, len(bundle.Scales))
	}
	return &Evaluator{bundle: bundle, search: search, logger: logger.Named("evaluator")}, nil
}

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP bytes. Images over
// MaxPixels or MaxAspectRatio are rejected from their header alone.
func DecodeImage(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	return img, nil
}

func checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if int64(w)*int64(h) > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, w, h, MaxPixels)
	}
	long, short := w, h
	if short > long {
		long, short = short, long
	}
	if long > MaxAspectRatio*short {
		return fmt.Errorf("%w: aspect ratio of %dx%d exceeds %d:1", ErrInvalidImage, w, h, MaxAspectRatio)
	}
	return nil
}

// Evaluate predicts the location of img. It blocks until the forward pass
// completes.
func (e *Evaluator) Evaluate(ctx context.Context, img image.Image) (*Result, error) {
	out, err := e.bundle.Network.Forward(ctx, e.bundle.Preprocessor.Apply(img))
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if len(out.CellProbs) != len(e.bundle.Centroids) {
		return nil, fmt.Errorf("network returned %d cell probabilities for %d cells", len(out.CellProbs), len(e.bundle.Centroids))
	}
	if len(out.Embedding) != e.bundle.Background.Dim() {
		return nil, fmt.Errorf("network returned %d-d embedding, background is %d-d", len(out.Embedding), e.bundle.Background.Dim())
	}

	maxCell := argmax(out.CellProbs)
	res := &Result{CellID: maxCell}

	if rows := e.bundle.Cells.Rows(maxCell); len(rows) > 0 {
		cands := e.nearest(out.Embedding, rows)
		pt, err := geo.Cluster(cands, geo.ClusterOptions{Radius: e.search.Eps})
		if err != nil {
			return nil, err
		}
		res.Latitude, res.Longitude = pt.Lat, pt.Lon
		res.Candidates = len(cands)
	} else {
		res.Latitude = float64(out.Coords[0])
		res.Longitude = float64(out.Coords[1])
		res.Fallback = true
	}

	conf := geo.Density(maxCell, out.CellProbs, e.bundle.Centroids, e.bundle.Scales)
	res.Confidence = conf[e.search.ConfScale] * 100

	e.logger.Debug("evaluated",
		zap.Int("cell", res.CellID),
		zap.Bool("fallback", res.Fallback),
		zap.Int("candidates", res.Candidates),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// nearest returns the TopK rows most similar to query, best first. rows are
// ascending, and the stable sort keeps that order among equal similarities.
func (e *Evaluator) nearest(query []float32, rows []int) []geo.Candidate {
	type scored struct {
		row int
		sim float32
	}
	sims := make([]scored, len(rows))
	for i, r := range rows {
		sims[i] = scored{row: r, sim: e.bundle.Background.Dot(query, r)}
	}
	sort.SliceStable(sims, func(a, b int) bool { return sims[a].sim > sims[b].sim })

	if len(sims) > e.search.TopK {
		sims = sims[:e.search.TopK]
	}
	cands := make([]geo.Candidate, len(sims))
	for i, s := range sims {
		l := e.bundle.Background.Label(s.row)
		cands[i] = geo.Candidate{Point: geo.Point{Lat: l.Lat, Lon: l.Lon}, Sim: float64(s.sim)}
	}
	return cands
}

func argmax(vals []float32) int {
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return best
}
