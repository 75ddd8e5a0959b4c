package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gezibash/mycelium/pkg/telemetry"
)

// Metrics holds a private Prometheus registry and the mycelium meters. It
// implements telemetry.Recorder.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	PendingCallsGauge *prometheus.GaugeVec
	DispatchedTotal   *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	DroppedResponses  *prometheus.CounterVec
	StreamPublishedC  *prometheus.CounterVec
	StreamReceivedC   *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

var _ telemetry.Recorder = (*Metrics)(nil)

// NewMetrics creates the registry and registers every meter on it.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mycelium_operation_duration_seconds",
			Help:    "Duration of setup operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_operation_total",
			Help: "Total number of setup operations.",
		}, []string{"operation", "status"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_calls_total",
			Help: "Calls issued by consumers, by outcome.",
		}, []string{"functionality", "status"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mycelium_call_duration_seconds",
			Help:    "Time from publish to response or timeout.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"functionality"}),
		PendingCallsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mycelium_pending_calls",
			Help: "Calls waiting for a response.",
		}, []string{"functionality"}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_dispatched_total",
			Help: "Requests handled by providers, by outcome.",
		}, []string{"functionality", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mycelium_dispatch_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"functionality"}),
		DroppedResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_dropped_responses_total",
			Help: "Responses whose exchange id had no waiting caller.",
		}, []string{"functionality"}),
		StreamPublishedC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_stream_published_total",
			Help: "Samples published on continuous functionalities.",
		}, []string{"functionality"}),
		StreamReceivedC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_stream_received_total",
			Help: "Samples delivered to continuous subscriptions.",
		}, []string{"functionality"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycelium_errors_total",
			Help: "Steady-state errors reported by node components.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal,
		m.CallsTotal, m.CallDuration, m.PendingCallsGauge,
		m.DispatchedTotal, m.DispatchDuration,
		m.DroppedResponses, m.StreamPublishedC, m.StreamReceivedC,
		m.ErrorsTotal,
	)
	return m
}

func (m *Metrics) CallCompleted(functionality, status string, elapsed time.Duration) {
	m.CallsTotal.WithLabelValues(functionality, status).Inc()
	m.CallDuration.WithLabelValues(functionality).Observe(elapsed.Seconds())
}

func (m *Metrics) PendingCalls(functionality string, delta int) {
	m.PendingCallsGauge.WithLabelValues(functionality).Add(float64(delta))
}

func (m *Metrics) Dispatched(functionality, status string, elapsed time.Duration) {
	m.DispatchedTotal.WithLabelValues(functionality, status).Inc()
	m.DispatchDuration.WithLabelValues(functionality).Observe(elapsed.Seconds())
}

func (m *Metrics) ResponseDropped(functionality string) {
	m.DroppedResponses.WithLabelValues(functionality).Inc()
}

func (m *Metrics) StreamPublished(functionality string) {
	m.StreamPublishedC.WithLabelValues(functionality).Inc()
}

func (m *Metrics) StreamReceived(functionality string) {
	m.StreamReceivedC.WithLabelValues(functionality).Inc()
}

func (m *Metrics) Error(component string) {
	m.ErrorsTotal.WithLabelValues(component).Inc()
}
