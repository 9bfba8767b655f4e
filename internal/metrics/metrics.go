package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Charges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_charges_total",
		Help: "Successful ledger charges by entry kind.",
	}, []string{"kind"})

	ChargeRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageforge_charge_rejections_total",
		Help: "Charges rejected for insufficient funds.",
	})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_refunds_total",
		Help: "Refunds applied, by reason.",
	}, []string{"reason"})

	RefundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageforge_refund_failures_total",
		Help: "Refunds that could not be written and need reconciliation.",
	})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_jobs_total",
		Help: "Finished jobs by kind and terminal status.",
	}, []string{"kind", "status"})

	WatermarkTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_watermark_tasks_total",
		Help: "Finished watermark tasks by terminal status.",
	}, []string{"status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageforge_watermark_queue_depth",
		Help: "Watermark tasks waiting in PENDING.",
	})

	FulfillmentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imageforge_fulfillment_duration_seconds",
		Help:    "Time spent waiting on the fulfillment service.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind", "outcome"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
