// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	bidsAccepted       prometheus.Counter
	bidsRejected       *prometheus.CounterVec
	auctionsEnded      *prometheus.CounterVec
	paymentsCreated    prometheus.Counter
	paymentsReconciled *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	sweeps             *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		bidsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_bids_accepted_total",
			Help: "Bids committed to the ledger.",
		}),
		bidsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Bids rejected, by reason.",
		}, []string{"reason"}),
		auctionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_auctions_ended_total",
			Help: "Auctions moved from active to ended, by trigger.",
		}, []string{"trigger"}),
		paymentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "auction_payments_created_total",
			Help: "Payment requests issued to the processor.",
		}),
		paymentsReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_payments_reconciled_total",
			Help: "Processor callbacks handled, by outcome.",
		}, []string{"outcome"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_notifications_total",
			Help: "Notification attempts, by type and result.",
		}, []string{"type", "result"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_sweeps_total",
			Help: "Deadline sweeper runs, by result.",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_http_requests_total",
			Help: "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) BidAccepted() {
	if m != nil {
		m.bidsAccepted.Inc()
	}
}

func (m *Metrics) BidRejected(reason string) {
	if m != nil {
		m.bidsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuctionEnded(trigger string) {
	if m != nil {
		m.auctionsEnded.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) PaymentCreated() {
	if m != nil {
		m.paymentsCreated.Inc()
	}
}

func (m *Metrics) PaymentReconciled(outcome string) {
	if m != nil {
		m.paymentsReconciled.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Notification(kind, result string) {
	if m != nil {
		m.notifications.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) Sweep(result string) {
	if m != nil {
		m.sweeps.WithLabelValues(result).Inc()
	}
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
