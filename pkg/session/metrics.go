package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle events counted by the manager.
const (
	eventOpened  = "opened"
	eventSecured = "secured"
	eventFailed  = "failed"
	eventClosed  = "closed"
)

type metrics struct {
	events *prometheus.CounterVec
	active prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "protocomm",
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Session lifecycle events.",
			},
			[]string{"event"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "protocomm",
				Subsystem: "session",
				Name:      "active",
				Help:      "Sessions currently open.",
			},
		),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.events, err = register(reg, m.events)
	if err != nil {
		return nil, err
	}
	m.active, err = register(reg, m.active)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered (several managers on one registry).
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) opened() {
	m.events.WithLabelValues(eventOpened).Inc()
	m.active.Inc()
}

func (m *metrics) secured() { m.events.WithLabelValues(eventSecured).Inc() }

func (m *metrics) failed() { m.events.WithLabelValues(eventFailed).Inc() }

func (m *metrics) closed(n int) {
	m.events.WithLabelValues(eventClosed).Add(float64(n))
	m.active.Sub(float64(n))
}
