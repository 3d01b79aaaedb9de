package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mpetrov/autoapply/internal/events"
)

// PrometheusSink exports session and application metrics via Prometheus. It
// owns all collectors for session transitions and per-outcome applications.
type PrometheusSink struct {
	sessionsTotal     *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	applicationsTotal *prometheus.CounterVec
	applyDuration     prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoapply_sessions_total",
			Help: "Session lifecycle transitions partitioned by kind.",
		}, []string{"kind"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoapply_sessions_running",
			Help: "Current number of running sessions.",
		}),
		applicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoapply_applications_total",
			Help: "Application attempts partitioned by outcome.",
		}, []string{"outcome"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoapply_apply_duration_seconds",
			Help:    "Wall time per submitted application.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsTotal,
		s.sessionsRunning,
		s.applicationsTotal,
		s.applyDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindSessionStarted:
		s.sessionsTotal.WithLabelValues(string(evt.Kind)).Inc()
		s.sessionsRunning.Inc()
	case events.KindSessionCompleted, events.KindSessionCancelled, events.KindSessionFailed:
		s.sessionsTotal.WithLabelValues(string(evt.Kind)).Inc()
		s.sessionsRunning.Dec()
	case events.KindSessionPaused, events.KindSessionResumed:
		s.sessionsTotal.WithLabelValues(string(evt.Kind)).Inc()
	case events.KindJobApplied:
		s.applicationsTotal.WithLabelValues("applied").Inc()
		s.applyDuration.Observe(evt.Dur.Seconds())
	case events.KindJobSkipped:
		s.applicationsTotal.WithLabelValues("skipped").Inc()
	case events.KindJobFailed:
		s.applicationsTotal.WithLabelValues("failed").Inc()
	}
}

// Close implements the Sink interface; collectors remain registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
