// Package telemetry 扫描相关的 Prometheus 指标
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbicatalog_scans_total",
		Help: "Scans finished, by terminal status",
	}, []string{"status"})

	scansActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pbicatalog_scans_active",
		Help: "Scans currently pending or running",
	})

	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbicatalog_units_total",
		Help: "Extraction units finished, by outcome and error kind",
	}, []string{"outcome", "kind"})

	unitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbicatalog_unit_duration_seconds",
		Help:    "Time to extract one semantic model",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"runner"})

	apiRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbicatalog_api_retries_total",
		Help: "Retried admin API calls, by error kind",
	}, []string{"kind"})

	documentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pbicatalog_documents_ingested_total",
		Help: "Documents upserted into the index",
	})
)

func ScanStarted() {
	scansActive.Inc()
}

func ScanFinished(status string) {
	scansActive.Dec()
	scansTotal.WithLabelValues(status).Inc()
}

// UnitFinished 记录一个单元，成功时 kind 为空
func UnitFinished(runner, outcome, kind string, took time.Duration) {
	unitsTotal.WithLabelValues(outcome, kind).Inc()
	unitDuration.WithLabelValues(runner).Observe(took.Seconds())
}

func APIRetry(kind string) {
	apiRetries.WithLabelValues(kind).Inc()
}

func DocumentsIngested(n int) {
	documentsIngested.Add(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
