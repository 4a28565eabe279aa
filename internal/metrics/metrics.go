package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow counts order workflow outcomes. A nil *Workflow records nothing.
type Workflow struct {
	Operations *prometheus.CounterVec
	LatencyMS  *prometheus.HistogramVec
}

func NewWorkflow(reg prometheus.Registerer, service string) *Workflow {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orders",
		Subsystem: service,
		Name:      "workflow_operations_total",
		Help:      "Workflow operations by outcome (committed or error kind).",
	}, []string{"operation", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orders",
		Subsystem: service,
		Name:      "workflow_duration_ms",
		Help:      "Workflow operation latency in milliseconds, including the transaction.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"operation"})

	reg.MustRegister(ops, latency)
	return &Workflow{Operations: ops, LatencyMS: latency}
}

func (m *Workflow) Observe(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.LatencyMS.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// Outbox tracks the relay backlog. A nil *Outbox records nothing.
type Outbox struct {
	Pending prometheus.Gauge
}

func NewOutbox(reg prometheus.Registerer, service string) *Outbox {
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orders",
		Subsystem: service,
		Name:      "outbox_pending_events",
		Help:      "Outbox rows not yet relayed to the broker.",
	})
	reg.MustRegister(pending)
	return &Outbox{Pending: pending}
}

func (m *Outbox) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

type Server struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServer(reg prometheus.Registerer, service string) *Server {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orders",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orders",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})

	reg.MustRegister(requests, latency)
	return &Server{Requests: requests, LatencyMS: latency}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
