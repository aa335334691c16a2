package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// PrometheusSink exports progress counters via Prometheus. It owns gauges
// for the latest current/total/fraction per publisher and a counter of
// events by type.
type PrometheusSink struct {
	current  *prometheus.GaugeVec
	total    *prometheus.GaugeVec
	fraction *prometheus.GaugeVec
	events   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_current",
			Help: "Latest Current value per progress publisher.",
		}, []string{"publisher"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_total",
			Help: "Latest Total value per progress publisher.",
		}, []string{"publisher"}),
		fraction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_fraction",
			Help: "Current/Total per progress publisher; exceeds 1 on overrun.",
		}, []string{"publisher"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_events_total",
			Help: "Progress events received partitioned by publisher and type.",
		}, []string{"publisher", "type"}),
	}
	for _, collector := range []prometheus.Collector{
		s.current,
		s.total,
		s.fraction,
		s.events,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// ID implements messaging.Subscriber.
func (s *PrometheusSink) ID() string { return "prometheus" }

// Receive updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Receive(_ context.Context, evt Event) error {
	name := publisherLabel(evt)
	s.events.WithLabelValues(name, evt.Type().String()).Inc()
	if p, ok := evt.Data(); ok {
		s.current.WithLabelValues(name).Set(float64(p.Current))
		s.total.WithLabelValues(name).Set(float64(p.Total))
		s.fraction.WithLabelValues(name).Set(p.Fraction())
	}
	return nil
}

// ReceiveError counts error events.
func (s *PrometheusSink) ReceiveError(_ context.Context, evt Event) error {
	s.events.WithLabelValues(publisherLabel(evt), messaging.EventError.String()).Inc()
	return nil
}

func publisherLabel(evt Event) string {
	if name := evt.SourceName(); name != "" {
		return name
	}
	return "unknown"
}
