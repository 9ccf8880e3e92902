package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/batchbridge/internal/model"
)

var (
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchbridge_exports_total",
			Help: "Total number of export jobs by final status.",
		},
		[]string{"sink", "status"},
	)

	exportPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batchbridge_export_polls_total",
			Help: "Total number of export task status requests made by jobs.",
		},
	)

	exportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchbridge_export_duration_seconds",
			Help:    "Duration from job start to final status, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	exportBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batchbridge_export_bytes_total",
			Help: "Total bytes of export content written to sinks.",
		},
	)

	activeExports = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchbridge_active_exports",
			Help: "Number of export jobs currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(exportsTotal)
	prometheus.MustRegister(exportPollsTotal)
	prometheus.MustRegister(exportDuration)
	prometheus.MustRegister(exportBytes)
	prometheus.MustRegister(activeExports)

	for _, s := range []string{model.SinkFilesystem, model.SinkObjectStore} {
		exportsTotal.WithLabelValues(s, model.StatusCompleted)
		exportsTotal.WithLabelValues(s, model.StatusFailed)
		exportsTotal.WithLabelValues(s, model.StatusCancelled)
	}
}
