package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/geoloc-api/internal/logging"
)

// ForwardMethod is the unary RPC served by a remote model server. Requests
// carry {"input": [...], "shape": [...]} and responses
// {"coords": [lat, lon], "cell_probs": [...], "embedding": [...]}, both as
// google.protobuf.Struct.
const ForwardMethod = "/geoloc.v1.GeoLocModel/Forward"

// RemoteNetwork delegates the forward pass to a model server over gRPC.
type RemoteNetwork struct {
	conn   *grpc.ClientConn
	meta   *Metadata
	logger *zap.Logger
}

// DialRemote returns a ready-to-use network backed by the model server at addr.
func DialRemote(ctx context.Context, addr string, meta *Metadata, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteNetwork, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("model.dial_remote", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	logger.Info("remote network ready", zap.String("addr", addr))
	return &RemoteNetwork{conn: conn, meta: meta, logger: logger}, nil
}

func (r *RemoteNetwork) Forward(ctx context.Context, input []float32) (*Output, error) {
	if len(input) != r.meta.InputLen() {
		return nil, fmt.Errorf("expected %d input values, got %d", r.meta.InputLen(), len(input))
	}

	shape := r.meta.InputShape()
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"input": floatList(input),
		"shape": int64List(shape),
	}}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ForwardMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("model.remote_forward", "", err)
		r.logger.Error("model server call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	out, err := decodeOutput(resp)
	if err != nil {
		return nil, err
	}
	if err := r.meta.checkOutput(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RemoteNetwork) Close() error {
	return r.conn.Close()
}

// EncodeOutput is the response encoding a model server uses for Forward.
func EncodeOutput(out *Output) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"coords":     floatList(out.Coords[:]),
		"cell_probs": floatList(out.CellProbs),
		"embedding":  floatList(out.Embedding),
	}}
}

// DecodeInput unpacks a Forward request into the flat input tensor.
func DecodeInput(req *structpb.Struct) ([]float32, error) {
	return readFloats(req, "input")
}

func decodeOutput(resp *structpb.Struct) (*Output, error) {
	coords, err := readFloats(resp, "coords")
	if err != nil {
		return nil, err
	}
	if len(coords) != 2 {
		return nil, fmt.Errorf("model server returned %d coordinates", len(coords))
	}
	probs, err := readFloats(resp, "cell_probs")
	if err != nil {
		return nil, err
	}
	emb, err := readFloats(resp, "embedding")
	if err != nil {
		return nil, err
	}
	return &Output{Coords: [2]float32{coords[0], coords[1]}, CellProbs: probs, Embedding: emb}, nil
}

func readFloats(s *structpb.Struct, key string) ([]float32, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q is not a list", key)
	}
	vals := list.GetValues()
	out := make([]float32, len(vals))
	for i, item := range vals {
		num, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is not a number", key, i)
		}
		out[i] = float32(num.NumberValue)
	}
	return out, nil
}

func floatList(vals []float32) *structpb.Value {
	items := make([]*structpb.Value, len(vals))
	for i, v := range vals {
		items[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: items})
}

func int64List(vals []int64) *structpb.Value {
	items := make([]*structpb.Value, len(vals))
	for i, v := range vals {
		items[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: items})
}
