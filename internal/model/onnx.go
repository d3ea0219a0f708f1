package model

import (
	"context"
	"fmt"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXConfig selects the exported graph and the device it runs on.
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	UseCPU            bool
	DeviceIndex       int
}

// ONNXNetwork runs the exported network in-process with onnxruntime.
// The underlying session is safe for concurrent Run calls; every Forward
// allocates its own tensors.
type ONNXNetwork struct {
	session *ort.DynamicAdvancedSession
	meta    *Metadata
	logger  *zap.Logger
}

func NewONNXNetwork(cfg ONNXConfig, meta *Metadata, logger *zap.Logger) (*ONNXNetwork, error) {
	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if !cfg.UseCPU {
		if err := appendCUDA(opts, cfg.DeviceIndex); err != nil {
			ort.DestroyEnvironment()
			return nil, err
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{meta.InputName},
		[]string{meta.CoordsOutput, meta.CellsOutput, meta.EmbedOutput},
		opts)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	device := "cpu"
	if !cfg.UseCPU {
		device = "cuda:" + strconv.Itoa(cfg.DeviceIndex)
	}
	logger.Info("onnx network ready", zap.String("model", cfg.ModelPath), zap.String("device", device))

	return &ONNXNetwork{session: session, meta: meta, logger: logger}, nil
}

func appendCUDA(opts *ort.SessionOptions, device int) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("cuda unavailable: %w", err)
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(device)}); err != nil {
		return fmt.Errorf("failed to select cuda device %d: %w", device, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		return fmt.Errorf("failed to enable cuda device %d: %w", device, err)
	}
	return nil
}

func (n *ONNXNetwork) Forward(_ context.Context, input []float32) (*Output, error) {
	if len(input) != n.meta.InputLen() {
		return nil, fmt.Errorf("expected %d input values, got %d", n.meta.InputLen(), len(input))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(n.meta.InputShape()...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	coords, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		return nil, fmt.Errorf("failed to create coords tensor: %w", err)
	}
	defer coords.Destroy()

	cells, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(n.meta.NumCells)))
	if err != nil {
		return nil, fmt.Errorf("failed to create cell tensor: %w", err)
	}
	defer cells.Destroy()

	embedding, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(n.meta.EmbeddingDim)))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding tensor: %w", err)
	}
	defer embedding.Destroy()

	if err := n.session.Run(
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{coords, cells, embedding},
	); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// Tensor data is released with the tensor, so copy it out.
	out := &Output{
		CellProbs: append([]float32(nil), cells.GetData()...),
		Embedding: append([]float32(nil), embedding.GetData()...),
	}
	copy(out.Coords[:], coords.GetData())
	return out, nil
}

func (n *ONNXNetwork) Close() error {
	var err error
	if n.session != nil {
		err = n.session.Destroy()
	}
	ort.DestroyEnvironment()
	return err
}
