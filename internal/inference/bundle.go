package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/background"
	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/geo"
	"github.com/example/geoloc-api/internal/model"
)

// Bundle is everything the evaluator needs. It is immutable once built and
// safe to share between goroutines.
type Bundle struct {
	Network      model.Network
	Preprocessor *model.Preprocessor
	Centroids    [][3]float64
	Cells        *background.CellIndex
	Background   *background.Table
	Scales       []float64
}

// NewBundle assembles a bundle from loaded parts and checks that their shapes
// agree.
func NewBundle(network model.Network, meta *model.Metadata, cells *background.CellIndex, table *background.Table, scales []float64) (*Bundle, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if table.Dim() != meta.EmbeddingDim {
		return nil, fmt.Errorf("background embeddings are %d-d, network produces %d-d", table.Dim(), meta.EmbeddingDim)
	}
	if len(scales) == 0 {
		return nil, fmt.Errorf("no confidence scales")
	}
	return &Bundle{
		Network:      network,
		Preprocessor: model.NewPreprocessor(meta),
		Centroids:    meta.Centroids,
		Cells:        cells,
		Background:   table,
		Scales:       scales,
	}, nil
}

// Load reads the network, its metadata, the background table and the cell
// assignments. Any failure is returned; there is no partial bundle.
func Load(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Bundle, error) {
	logger = logger.Named("loader")

	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return nil, err
	}

	logger.Info("loading background collection", zap.String("path", cfg.Background.Path))
	table, err := background.Open(cfg.Background.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("background collection loaded",
		zap.Int("rows", table.Len()),
		zap.Int("dim", table.Dim()))

	cells, err := background.LoadCells(cfg.Background.CellsPath, table.Len())
	if err != nil {
		return nil, err
	}
	logger.Info("cell assignments loaded",
		zap.Int("cells", cells.Cells()),
		zap.Int("assignments", cells.Assignments()))

	var network model.Network
	if cfg.Model.RemoteAddr != "" {
		network, err = model.DialRemote(ctx, cfg.Model.RemoteAddr, meta, logger)
	} else {
		network, err = model.NewONNXNetwork(model.ONNXConfig{
			ModelPath:         cfg.Model.Path,
			SharedLibraryPath: cfg.Model.SharedLibraryPath,
			UseCPU:            cfg.Model.UseCPU,
			DeviceIndex:       cfg.Model.DeviceIndex,
		}, meta, logger)
	}
	if err != nil {
		return nil, err
	}

	bundle, err := NewBundle(network, meta, cells, table, geo.DefaultScales)
	if err != nil {
		_ = network.Close()
		return nil, err
	}
	return bundle, nil
}

func (b *Bundle) Close() error {
	if b.Network == nil {
		return nil
	}
	return b.Network.Close()
}
