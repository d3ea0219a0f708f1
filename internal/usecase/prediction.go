package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/logging"
	"github.com/example/geoloc-api/internal/metrics"
	"github.com/example/geoloc-api/internal/repository"
)

// ErrHistoryDisabled is returned by history lookups when no repository is configured.
var ErrHistoryDisabled = errors.New("prediction history is disabled")

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Evaluator runs the model on a decoded image.
type Evaluator interface {
	Evaluate(ctx context.Context, img image.Image) (*inference.Result, error)
}

// PredictionUseCase wraps the evaluator with caching and history.
// repo and cache are optional.
type PredictionUseCase struct {
	evaluator Evaluator
	repo      PredictionRepository
	cache     Cache
	cacheTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*PredictionUseCase)

func WithRepository(repo PredictionRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

func NewPredictionUseCase(evaluator Evaluator, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		evaluator: evaluator,
		cacheTTL:  10 * time.Minute,
		logger:    logger.Named("prediction_usecase"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Predict geolocates the image in imageBytes. Undecodable input yields an
// error wrapping inference.ErrInvalidImage.
func (uc *PredictionUseCase) Predict(ctx context.Context, imageBytes []byte) (string, *inference.Result, error) {
	started := uc.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])

	result, cached := uc.lookupCache(ctx, hashHex, opLogger)
	if result == nil {
		img, err := inference.DecodeImage(imageBytes)
		if err != nil {
			metrics.PredictionsTotal.WithLabelValues("invalid_image").Inc()
			return "", nil, err
		}

		result, err = uc.evaluator.Evaluate(ctx, img)
		if err != nil {
			metrics.PredictionsTotal.WithLabelValues("error").Inc()
			wrapped := logging.NewOperationError("usecase.evaluate", requestID, err)
			opLogger.Error("evaluation failed", zap.Error(wrapped))
			return "", nil, wrapped
		}
		uc.storeCache(ctx, hashHex, result, opLogger)
	}

	latency := uc.now().Sub(started)
	if uc.repo != nil {
		log := &repository.PredictionLog{
			RequestID:  requestID,
			ImageHash:  hashHex,
			Latitude:   result.Latitude,
			Longitude:  result.Longitude,
			Confidence: result.Confidence,
			CellID:     result.CellID,
			Fallback:   result.Fallback,
			Cached:     cached,
			LatencyMs:  float64(latency.Microseconds()) / 1000,
			CreatedAt:  started.UTC(),
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			metrics.PredictionsTotal.WithLabelValues("error").Inc()
			wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
			opLogger.Error("failed to persist prediction log", zap.Error(wrapped))
			return "", nil, wrapped
		}
	}

	metrics.PredictionsTotal.WithLabelValues("ok").Inc()
	metrics.PredictionDurationMs.Observe(float64(latency.Microseconds()) / 1000)
	metrics.Confidence.Observe(result.Confidence)
	if result.Fallback {
		metrics.FallbackTotal.Inc()
	}

	opLogger.Info("prediction served",
		zap.Float64("latitude", result.Latitude),
		zap.Float64("longitude", result.Longitude),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("cached", cached),
		zap.Duration("latency", latency))
	return requestID, result, nil
}

// lookupCache returns the cached result for hash, or nil. Cache failures are
// logged and treated as misses.
func (uc *PredictionUseCase) lookupCache(ctx context.Context, hash string, opLogger *zap.Logger) (*inference.Result, bool) {
	if uc.cache == nil {
		return nil, false
	}

	raw, err := uc.cache.Get(ctx, cacheKey(hash))
	if err != nil {
		metrics.CacheMissesTotal.Inc()
		if !isCacheMiss(err) {
			opLogger.Warn("failed to read cache", zap.Error(logging.NewOperationError("cache.get.prediction", "", err)))
		}
		return nil, false
	}

	c, err := decodeCached(raw)
	if err != nil {
		metrics.CacheMissesTotal.Inc()
		opLogger.Warn("failed to decode cached prediction", zap.Error(err))
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return &inference.Result{
		Latitude:   c.Latitude,
		Longitude:  c.Longitude,
		Confidence: c.Confidence,
		CellID:     c.CellID,
		Fallback:   c.Fallback,
		Candidates: c.Candidates,
	}, true
}

func (uc *PredictionUseCase) storeCache(ctx context.Context, hash string, result *inference.Result, opLogger *zap.Logger) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(cachedPrediction{
		Latitude:   result.Latitude,
		Longitude:  result.Longitude,
		Confidence: result.Confidence,
		CellID:     result.CellID,
		Fallback:   result.Fallback,
		Candidates: result.Candidates,
	})
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.cache.Set(ctx, cacheKey(hash), string(serialized), uc.cacheTTL); err != nil {
		opLogger.Warn("failed to cache prediction", zap.Error(logging.NewOperationError("cache.set.prediction", "", err)))
	}
}

// GetResult loads a persisted prediction by request id.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, err)
	}
	return log, nil
}
