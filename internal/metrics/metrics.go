// Package metrics exposes controller state to Prometheus. Every method is
// nil-safe so components can run without a registry.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"garagectl/internal/domain"
)

const namespace = "garage"

type Metrics struct {
	registry *prometheus.Registry

	capacityMax  prometheus.Gauge
	capacityFree prometheus.Gauge
	tickets      *prometheus.CounterVec
	gateState    *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	faults       *prometheus.CounterVec
	busDrops     *prometheus.CounterVec
	handlerErrs  *prometheus.CounterVec
	requests     *prometheus.CounterVec
	durations    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		capacityMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_max",
			Help:      "Configured number of parking slots.",
		}),
		capacityFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_free",
			Help:      "Parking slots currently free.",
		}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Ticket operations by outcome.",
		}, []string{"outcome"}),
		gateState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_state",
			Help:      "Current gate state per lane (0 idle, 1 awaiting_authorization, 2 opening, 3 open, 4 closing, 5 faulted).",
		}, []string{"lane"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_transitions_total",
			Help:      "Gate state transitions per lane.",
		}, []string{"lane", "from", "to"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_faults_total",
			Help:      "Gate faults per lane and cause.",
		}, []string{"lane", "reason"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}, []string{"kind"}),
		handlerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_errors_total",
			Help:      "Event handlers that returned an error or panicked.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Console API requests.",
		}, []string{"method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Console API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.capacityMax, m.capacityFree, m.tickets,
		m.gateState, m.transitions, m.faults,
		m.busDrops, m.handlerErrs,
		m.requests, m.durations,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCapacity(c domain.Capacity) {
	if m == nil {
		return
	}
	m.capacityMax.Set(float64(c.Max))
	m.capacityFree.Set(float64(c.Free))
}

func (m *Metrics) ObserveTicket(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.tickets.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(lane string, from, to domain.GateState) {
	if m == nil {
		return
	}
	m.gateState.WithLabelValues(lane).Set(float64(to.Ordinal()))
	if from != to {
		m.transitions.WithLabelValues(lane, string(from), string(to)).Inc()
	}
}

func (m *Metrics) ObserveFault(lane, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.faults.WithLabelValues(lane, reason).Inc()
}

func (m *Metrics) ObserveBusDrop(kind string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHandlerError(kind string) {
	if m == nil {
		return
	}
	m.handlerErrs.WithLabelValues(kind).Inc()
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.durations.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the connection through for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
