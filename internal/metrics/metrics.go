package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PredictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoloc_predictions_total",
		Help: "Predictions served, by outcome",
	}, []string{"outcome"})
	PredictionDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoloc_prediction_duration_ms",
		Help:    "End-to-end prediction duration in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	FallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoloc_cell_fallback_total",
		Help: "Predictions that used the direct regression because the cell had no background rows",
	})
	Confidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoloc_confidence_percent",
		Help:    "Confidence of served predictions",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoloc_cache_hits_total",
		Help: "Predictions answered from the redis cache",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoloc_cache_misses_total",
		Help: "Predictions not found in the redis cache",
	})
)

func init() {
	prometheus.MustRegister(PredictionsTotal)
	prometheus.MustRegister(PredictionDurationMs)
	prometheus.MustRegister(FallbackTotal)
	prometheus.MustRegister(Confidence)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler { return promhttp.Handler() }
