package exchange

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uhyunpark/hyperexchange/pkg/errs"
)

// Metrics holds engine telemetry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	events     prometheus.Counter
	openOrders prometheus.Gauge
}

// NewMetrics registers engine instruments against reg (default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hyperexchange",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations by name and outcome (ok or error code).",
			},
			[]string{"op", "result"},
		),
		events: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hyperexchange",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Events appended to the log.",
			},
		),
		openOrders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hyperexchange",
				Subsystem: "engine",
				Name:      "open_orders",
				Help:      "Orders neither filled nor cancelled.",
			},
		),
	}
	reg.MustRegister(m.operations, m.events, m.openOrders)
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = "internal"
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	if err == nil {
		m.events.Inc()
	}
}

func (m *Metrics) setOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}
