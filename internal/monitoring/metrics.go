package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "basestation"

// Drop reasons used with DroppedItems.
const (
	DropUnknownSensor = "unknown_sensor"
	DropMalformed     = "malformed"
	DropBackpressure  = "backpressure"
)

var (
	// PendingItems is the number of reports waiting for the worker.
	PendingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "pending_items",
		Help:      "Measurement reports queued or retained for retry.",
	})

	PersistedMeasurements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "persisted_measurements_total",
		Help:      "Measurements written to the store.",
	})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "persistence_failures_total",
		Help:      "Worker ticks that stopped on a store error.",
	})

	DroppedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "dropped_items_total",
		Help:      "Reports discarded without being persisted.",
	}, []string{"reason"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "batch_size",
		Help:      "Items drained per worker tick.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	BoundSensors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "roster",
		Name:      "bound_sensors",
		Help:      "Sensors currently in the roster.",
	})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schedule",
		Name:      "config_reloads_total",
		Help:      "Reloads of the cadence history from the store.",
	}, []string{"result"})
)

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
