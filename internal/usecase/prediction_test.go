package usecase

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/inference/inferencetest"
	"github.com/example/geoloc-api/internal/logging"
	"github.com/example/geoloc-api/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.PredictionLog
	saveErr   error
	findLog   *repository.PredictionLog
	findErr   error
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	values  map[string]string
	getErr  error
	setErr  error
	setKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

type stubEvaluator struct {
	result *inference.Result
	err    error
	calls  int
}

func (s *stubEvaluator) Evaluate(ctx context.Context, img image.Image) (*inference.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

func sampleResult() *inference.Result {
	return &inference.Result{Latitude: 48.86, Longitude: 2.35, Confidence: 71.5, CellID: 4, Candidates: 10}
}

func TestPredictPersistsAndCaches(t *testing.T) {
	repo := &stubRepository{}
	cache := newStubCache()
	ev := &stubEvaluator{result: sampleResult()}
	uc := NewPredictionUseCase(ev, zap.NewNop(), WithRepository(repo), WithCache(cache, time.Minute))

	requestID, res, err := uc.Predict(context.Background(), inferencetest.JPEG(t, 16, 16))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if requestID == "" {
		t.Fatal("expected request id")
	}
	if *res != *sampleResult() {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].RequestID != requestID || repo.savedLogs[0].Cached {
		t.Fatalf("unexpected saved logs %+v", repo.savedLogs)
	}
	if len(cache.setKeys) != 1 || !strings.HasPrefix(cache.setKeys[0], "prediction:") {
		t.Fatalf("unexpected cache writes %v", cache.setKeys)
	}
}

func TestPredictServesRepeatedImageFromCache(t *testing.T) {
	repo := &stubRepository{}
	cache := newStubCache()
	ev := &stubEvaluator{result: sampleResult()}
	uc := NewPredictionUseCase(ev, zap.NewNop(), WithRepository(repo), WithCache(cache, time.Minute))
	img := inferencetest.JPEG(t, 16, 16)

	firstID, first, err := uc.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("first predict: %v", err)
	}
	secondID, second, err := uc.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}

	if ev.calls != 1 {
		t.Fatalf("expected one evaluation, got %d", ev.calls)
	}
	if *first != *second {
		t.Fatalf("cached result differs: %+v vs %+v", first, second)
	}
	if firstID == secondID {
		t.Fatal("expected a fresh request id per call")
	}
	if !repo.savedLogs[1].Cached {
		t.Fatal("expected second log to be marked cached")
	}
}

func TestPredictRejectsInvalidImage(t *testing.T) {
	ev := &stubEvaluator{result: sampleResult()}
	uc := NewPredictionUseCase(ev, zap.NewNop())

	_, _, err := uc.Predict(context.Background(), []byte("not an image"))
	if !errors.Is(err, inference.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if ev.calls != 0 {
		t.Fatal("evaluator should not run on invalid input")
	}
}

func TestPredictReturnsOperationErrorOnEvaluationFailure(t *testing.T) {
	ev := &stubEvaluator{err: errors.New("cuda out of memory")}
	uc := NewPredictionUseCase(ev, zap.NewNop())

	_, _, err := uc.Predict(context.Background(), inferencetest.JPEG(t, 8, 8))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.evaluate" {
		t.Fatalf("unexpected operation %s", opErr.Operation)
	}
	if logging.Cause(err) != "cuda out of memory" {
		t.Fatalf("unexpected cause %q", logging.Cause(err))
	}
}

func TestPredictFailsWhenHistoryCannotBeSaved(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewPredictionUseCase(&stubEvaluator{result: sampleResult()}, zap.NewNop(), WithRepository(repo))

	_, _, err := uc.Predict(context.Background(), inferencetest.JPEG(t, 8, 8))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.save_log" {
		t.Fatalf("expected save_log OperationError, got %v", err)
	}
}

func TestPredictToleratesCacheFailures(t *testing.T) {
	cache := newStubCache()
	cache.getErr = errors.New("redis timeout")
	cache.setErr = errors.New("redis timeout")
	ev := &stubEvaluator{result: sampleResult()}
	uc := NewPredictionUseCase(ev, zap.NewNop(), WithCache(cache, time.Minute))

	if _, _, err := uc.Predict(context.Background(), inferencetest.JPEG(t, 8, 8)); err != nil {
		t.Fatalf("expected cache failures to be tolerated, got %v", err)
	}
	if ev.calls != 1 {
		t.Fatalf("expected evaluation, got %d calls", ev.calls)
	}
}

func TestPredictWithRealEvaluator(t *testing.T) {
	network := &inferencetest.StubNetwork{}
	network.Output.Coords = [2]float32{10, 20}
	network.Output.CellProbs = []float32{0.1, 0.1, 0.8}
	network.Output.Embedding = []float32{1, 0}

	bundle := inferencetest.NewBundle(t, network)
	ev, err := inference.NewEvaluator(bundle, config.DefaultSearch(), zap.NewNop())
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	uc := NewPredictionUseCase(ev, zap.NewNop())

	_, res, err := uc.Predict(context.Background(), inferencetest.JPEG(t, 40, 30))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !res.Fallback || res.Latitude != 10 || res.Longitude != 20 {
		t.Fatalf("expected fallback prediction, got %+v", res)
	}
}

func TestGetResultRequiresRepository(t *testing.T) {
	uc := NewPredictionUseCase(&stubEvaluator{}, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

func TestGetResultReadsRepository(t *testing.T) {
	expected := &repository.PredictionLog{RequestID: "req", Latitude: 1, Longitude: 2}
	uc := NewPredictionUseCase(&stubEvaluator{}, zap.NewNop(), WithRepository(&stubRepository{findLog: expected}))

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
}

func TestGetMetricsSummaryComputesRates(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:        8,
		FallbackCount:     2,
		CachedCount:       4,
		AverageConfidence: 55,
		AverageLatencyMs:  12.5,
	}}
	uc := NewPredictionUseCase(&stubEvaluator{}, zap.NewNop(), WithRepository(repo))

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.FallbackRate != 0.25 || summary.CacheHitRate != 0.5 || summary.TotalRequests != 8 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
