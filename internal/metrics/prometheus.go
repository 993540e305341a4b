// Package metrics provides Prometheus metrics for the adapter service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Adapter metrics
	AdapterCalls    *prometheus.CounterVec
	AdapterDuration *prometheus.HistogramVec
	BidsResolved    *prometheus.CounterVec
	BidCPM          *prometheus.HistogramVec
	Bails           *prometheus.CounterVec

	// Bidder metrics
	BidderRequests *prometheus.CounterVec
	BidderLatency  *prometheus.HistogramVec
	BidderErrors   *prometheus.CounterVec
	BidderTimeouts *prometheus.CounterVec

	// Consent metrics
	ConsentLookups        *prometheus.CounterVec
	ConsentLookupDuration *prometheus.HistogramVec
	Dispatches            *prometheus.CounterVec
	LateConsent           *prometheus.CounterVec
	ConsentSignals        *prometheus.CounterVec
	MalformedConsent      prometheus.Counter

	// Circuit breaker
	CircuitState *prometheus.GaugeVec

	registry prometheus.Gatherer
}

// NewMetrics creates and registers all metrics with the default registerer
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates metrics registered against reg and served
// from gatherer
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if namespace == "" {
		namespace = "ladbid"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		AdapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of CallBids invocations",
			},
			[]string{"bidder"},
		),
		AdapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Time from CallBids to the last resolved bid",
				Buckets:   []float64{.01, .025, .05, .1, .2, .25, .5, .75, 1, 1.5, 2},
			},
			[]string{"bidder"},
		),
		BidsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_resolved_total",
				Help:      "Total number of bid requests resolved, by outcome",
			},
			[]string{"bidder", "status"},
		),
		BidCPM: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_cpm",
				Help:      "Winning bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"bidder"},
		),
		Bails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bails_total",
				Help:      "Auctions resolved entirely as no-bid, by reason",
			},
			[]string{"bidder", "reason"},
		),

		BidderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidder_requests_total",
				Help:      "Total requests sent to the exchange",
			},
			[]string{"bidder"},
		),
		BidderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bidder_request_duration_seconds",
				Help:      "Exchange request latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .2, .3, .5, .75, 1},
			},
			[]string{"bidder"},
		),
		BidderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidder_errors_total",
				Help:      "Total exchange request errors",
			},
			[]string{"bidder", "error_type"},
		),
		BidderTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidder_timeouts_total",
				Help:      "Total exchange request timeouts",
			},
			[]string{"bidder"},
		),

		ConsentLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consent_lookups_total",
				Help:      "Consent lookups by discovery strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		ConsentLookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consent_lookup_duration_seconds",
				Help:      "Consent lookup duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2},
			},
			[]string{"strategy"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Bid request dispatches by the trigger that released them",
			},
			[]string{"trigger"},
		),
		LateConsent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consent_late_total",
				Help:      "Consent lookups that completed after dispatch",
			},
			[]string{"strategy"},
		),
		ConsentSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consent_signals_total",
				Help:      "Consent signals forwarded to the exchange",
			},
			[]string{"type", "has_consent"},
		),
		MalformedConsent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consent_malformed_total",
				Help:      "Consent strings that failed to decode",
			},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),

		registry: gatherer,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AdapterCalls,
		m.AdapterDuration,
		m.BidsResolved,
		m.BidCPM,
		m.Bails,
		m.BidderRequests,
		m.BidderLatency,
		m.BidderErrors,
		m.BidderTimeouts,
		m.ConsentLookups,
		m.ConsentLookupDuration,
		m.Dispatches,
		m.LateConsent,
		m.ConsentSignals,
		m.MalformedConsent,
		m.CircuitState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this metrics set
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil || m.registry == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAdapterCall records one CallBids invocation
func (m *Metrics) RecordAdapterCall(bidder string, duration time.Duration) {
	m.AdapterCalls.WithLabelValues(bidder).Inc()
	m.AdapterDuration.WithLabelValues(bidder).Observe(duration.Seconds())
}

// RecordBid records a resolved bid; cpm is observed for wins only
func (m *Metrics) RecordBid(bidder, status string, cpm float64) {
	m.BidsResolved.WithLabelValues(bidder, status).Inc()
	if status == "win" {
		m.BidCPM.WithLabelValues(bidder).Observe(cpm)
	}
}

// RecordBail records an auction resolved entirely as no-bid
func (m *Metrics) RecordBail(bidder, reason string) {
	m.Bails.WithLabelValues(bidder, reason).Inc()
}

// RecordBidderRequest records a request to the exchange
func (m *Metrics) RecordBidderRequest(bidder string, latency time.Duration, hasError, timedOut bool) {
	m.BidderRequests.WithLabelValues(bidder).Inc()
	m.BidderLatency.WithLabelValues(bidder).Observe(latency.Seconds())

	if hasError {
		m.BidderErrors.WithLabelValues(bidder, "error").Inc()
	}
	if timedOut {
		m.BidderTimeouts.WithLabelValues(bidder).Inc()
	}
}

// RecordConsentLookup records a finished consent lookup
func (m *Metrics) RecordConsentLookup(strategy, outcome string, duration time.Duration) {
	m.ConsentLookups.WithLabelValues(strategy, outcome).Inc()
	m.ConsentLookupDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordDispatch records what released a bid request
func (m *Metrics) RecordDispatch(trigger string) {
	m.Dispatches.WithLabelValues(trigger).Inc()
}

// RecordLateConsent records a lookup that lost the race against the timeout
func (m *Metrics) RecordLateConsent(strategy string) {
	m.LateConsent.WithLabelValues(strategy).Inc()
}

// RecordConsentSignal records a consent signal
func (m *Metrics) RecordConsentSignal(signalType string, hasConsent bool) {
	consent := "no"
	if hasConsent {
		consent = "yes"
	}
	m.ConsentSignals.WithLabelValues(signalType, consent).Inc()
}

// RecordMalformedConsent records a consent string that failed to decode
func (m *Metrics) RecordMalformedConsent() {
	m.MalformedConsent.Inc()
}

// SetCircuitState sets the circuit breaker state metric
func (m *Metrics) SetCircuitState(name, state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.CircuitState.WithLabelValues(name).Set(value)
}
