// Package metrics exposes Prometheus collectors for publishers and the
// status API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// Delivery results used as the "result" label.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultPanic    = "panic"
	ResultCanceled = "canceled"
)

// Metrics holds the collectors. It implements messaging.Observer so it can
// be passed to messaging.WithObserver.
type Metrics struct {
	deliveriesTotal            *prometheus.CounterVec
	deliveryDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	gatherer                   prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)
	return &Metrics{
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messaging_deliveries_total",
				Help: "Total number of subscriber deliveries, labeled by publisher, subscriber, event type and result.",
			},
			[]string{"publisher", "subscriber", "type", "result"},
		),
		deliveryDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "messaging_delivery_duration_seconds",
				Help:    "Histogram of subscriber delivery latencies, labeled by publisher and event type.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"publisher", "type"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		gatherer: gatherer,
	}
}

var _ messaging.Observer = (*Metrics)(nil)

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(publisher, subscriber string, typ messaging.EventType, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(publisher, subscriber, typ.String(), Result(err)).Inc()
	m.deliveryDurationSeconds.WithLabelValues(publisher, typ.String()).Observe(dur.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing the registry the collectors
// were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Result classifies a delivery error for the "result" label.
func Result(err error) string {
	var panicErr *messaging.PanicError
	switch {
	case err == nil:
		return ResultOK
	case errors.As(err, &panicErr):
		return ResultPanic
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultError
	}
}
