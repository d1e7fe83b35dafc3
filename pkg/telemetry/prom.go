package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgerelay"

var (
	UnitsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_units_received_total",
		Help:      "Task units persisted, by service and whether they belonged to a batch.",
	}, []string{"service", "grouped"})

	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_unit_bytes_written_total",
		Help:      "Payload bytes persisted by the write pool.",
	})

	BatchTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_transitions_total",
		Help:      "Batch lifecycle transitions, by service and target state.",
	}, []string{"service", "state"})

	ResultsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_delivered_total",
		Help:      "Result files uploaded, acknowledged and removed.",
	}, []string{"service"})

	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Failed harvest steps left for retry, by stage.",
	}, []string{"stage"})

	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_completed_total",
		Help:      "Completion records emitted.",
	})

	BackendStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_starts_total",
		Help:      "Managed backend processes started by the supervisor.",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(UnitsReceived, BytesWritten, BatchTransitions,
		ResultsDelivered, DeliveryFailures, BatchesCompleted, BackendStarts)
}

// RegisterGauge registers a gauge backed by fn, ignoring duplicate
// registration so repeated app construction in tests stays safe.
func RegisterGauge(name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	if err := prometheus.Register(g); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}
