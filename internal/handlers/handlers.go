package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/geoloc-api/internal/auth"
	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/logging"
	"github.com/example/geoloc-api/internal/metrics"
	"github.com/example/geoloc-api/internal/repository"
	"github.com/example/geoloc-api/internal/usecase"
)

// MaxUploadSize caps the request body of /evaluate/.
const MaxUploadSize = 20 << 20

// Predictor is the use case surface served over HTTP.
type Predictor interface {
	Predict(ctx context.Context, imageBytes []byte) (string, *inference.Result, error)
	GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type evaluateResponse struct {
	Prediction coordinate `json:"prediction"`
	Confidence float64    `json:"confidence"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. History routes
// sit behind authMiddleware.
func RegisterRoutes(router *gin.Engine, p Predictor, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/evaluate/", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "image file is too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"detail": "image file is required"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid image file"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		requestID, result, err := p.Predict(c.Request.Context(), data)
		if err != nil {
			if errors.Is(err, inference.ErrInvalidImage) {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid image file"})
				return
			}
			logger.Error("evaluate failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": logging.Cause(err)})
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, evaluateResponse{
			Prediction: coordinate{Latitude: result.Latitude, Longitude: result.Longitude},
			Confidence: result.Confidence,
		})
	})

	private := router.Group("/", authMiddleware)

	private.GET("/results/:id", func(c *gin.Context) {
		reqLogger := historyLogger(c, logger, "results")
		log, err := p.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrHistoryDisabled):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			case errors.Is(err, repository.ErrPredictionNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			default:
				reqLogger.Error("result lookup failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": logging.Cause(err)})
			}
			return
		}
		reqLogger.Info("result served", zap.String("request_id", log.RequestID))

		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"prediction": coordinate{Latitude: log.Latitude, Longitude: log.Longitude},
			"confidence": log.Confidence,
			"cell_id":    log.CellID,
			"fallback":   log.Fallback,
			"cached":     log.Cached,
			"latency_ms": log.LatencyMs,
			"created_at": log.CreatedAt,
		})
	})

	private.GET("/stats", func(c *gin.Context) {
		reqLogger := historyLogger(c, logger, "stats")
		summary, err := p.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrHistoryDisabled) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			reqLogger.Error("stats failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": logging.Cause(err)})
			return
		}
		reqLogger.Info("stats served", zap.Int64("total_requests", summary.TotalRequests))
		c.JSON(http.StatusOK, summary)
	})
}

// historyLogger tags history lookups with the authenticated subject.
func historyLogger(c *gin.Context, logger *zap.Logger, route string) *zap.Logger {
	subject, _ := auth.Subject(c)
	return logger.With(zap.String("route", route), zap.String("subject", subject))
}
