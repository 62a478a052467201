// Package metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reservations  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	settleLatency prometheus.Histogram
	leased        prometheus.Counter
	leaseErrors   prometheus.Counter
	notifications *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daget_reservations_total",
			Help: "Reservation attempts by outcome (created, replayed or a rejection reason)",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daget_settlement_transitions_total",
			Help: "Settlement state transitions by target state",
		}, []string{"to"}),
		settleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "daget_settlement_duration_seconds",
			Help:    "Time spent processing one leased claim",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		leased: factory.NewCounter(prometheus.CounterOpts{
			Name: "daget_leases_acquired_total",
			Help: "Claims handed to settlement workers",
		}),
		leaseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "daget_lease_errors_total",
			Help: "Lease acquire or release failures",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daget_notifications_total",
			Help: "Notifications sent by event and result",
		}, []string{"event", "result"}),
	}
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.Observe(d.Seconds())
}

func (m *Metrics) Leased(n int) {
	if m == nil {
		return
	}
	m.leased.Add(float64(n))
}

func (m *Metrics) LeaseError() {
	if m == nil {
		return
	}
	m.leaseErrors.Inc()
}

func (m *Metrics) Notification(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(event, result).Inc()
}
