package repository

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/geoloc-api/internal/logging"
)

// ErrPredictionNotFound is returned when no log matches the request id.
var ErrPredictionNotFound = errors.New("prediction not found")

// PredictionLog is a persisted prediction.
type PredictionLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ImageHash  string    `gorm:"column:image_hash;index;size:40"`
	Latitude   float64   `gorm:"column:latitude"`
	Longitude  float64   `gorm:"column:longitude"`
	Confidence float64   `gorm:"column:confidence"`
	CellID     int       `gorm:"column:cell_id"`
	Fallback   bool      `gorm:"column:fallback"`
	Cached     bool      `gorm:"column:cached"`
	LatencyMs  float64   `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// MetricsAggregation holds aggregate statistics over all persisted predictions.
type MetricsAggregation struct {
	TotalCount        int64
	FallbackCount     int64
	CachedCount       int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// PredictionRepository persists prediction history in postgres. Writes are
// retried with exponential backoff while the driver reports transient errors.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPredictionNotFound
		}
		return nil, err
	}
	return &log, nil
}

func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN fallback THEN 1 ELSE 0 END), 0) AS fallback_count,
			COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0) AS cached_count,
			COALESCE(AVG(confidence), 0) AS average_confidence,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// executeWithRetry runs fn until it succeeds, fails with a non-transient
// error, or the attempts run out. The returned error is an OperationError.
func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	var err error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) || attempt == r.retryAttempts {
			break
		}

		r.logger.Warn("retrying database operation",
			zap.String("operation", operation),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return logging.NewOperationError(operation, requestID, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
