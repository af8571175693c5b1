package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"msigwallet/internal/domain"
)

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	proposals       *prometheus.CounterVec
	confirmations   prometheus.Counter
	executions      *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	activeWeight    prometheus.Gauge
	requiredWeight  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		proposals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msig_proposal_transitions_total",
			Help: "proposals entering each state",
		}, []string{"state"}),
		confirmations: factory.NewCounter(prometheus.CounterOpts{
			Name: "msig_confirmations_total",
			Help: "accepted confirmations",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msig_executions_total",
			Help: "finalized executions by result",
		}, []string{"result"}),
		dispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msig_dispatch_duration_seconds",
			Help:    "time spent in the target call",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}),
		activeWeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msig_active_weight",
			Help: "sum of active signer weights",
		}),
		requiredWeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msig_required_weight",
			Help: "weight needed for a proposal to become ready",
		}),
	}
}

func (m *Metrics) transition(s domain.State) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) confirmed() {
	if m == nil {
		return
	}
	m.confirmations.Inc()
}

func (m *Metrics) executed(s domain.State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(s)).Inc()
	m.dispatchLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) weights(w domain.Wallet) {
	if m == nil {
		return
	}
	m.activeWeight.Set(float64(w.TotalWeight))
	m.requiredWeight.Set(float64(w.RequiredWeight))
}
