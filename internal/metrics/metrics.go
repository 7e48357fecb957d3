// Package metrics exposes settlement and reconciliation activity to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kelpejol/agentpay/internal/journal"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/settlement"
)

const namespace = "agentpay"

// Metrics holds every collector. It implements settlement.Recorder and its
// ObservePass method is a reconcile.PassFunc.
type Metrics struct {
	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	degraded        prometheus.Counter

	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	totalQueries prometheus.Gauge
	netEarnings  prometheus.Gauge
	malformed    prometheus.Gauge
	duplicates   prometheus.Gauge
	lastPassUnix prometheus.Gauge

	auditChecked prometheus.Gauge
	auditMissing prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "sessions_total",
			Help:      "Settlement sessions by flow, terminal state and failure reason.",
		}, []string{"flow", "state", "reason"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "session_duration_seconds",
			Help:      "Wall time from admission to terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90, 180},
		}, []string{"flow"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "degraded_total",
			Help:      "Sessions whose payment confirmed but whose answer fetch failed.",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full reconciliation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		totalQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "queries",
			Help:      "Paid queries in the latest snapshot.",
		}),
		netEarnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "net_earnings",
			Help:      "Creator net earnings in token units in the latest snapshot.",
		}),
		malformed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "malformed_events",
			Help:      "Events dropped as malformed in the latest pass.",
		}),
		duplicates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duplicate_events",
			Help:      "Events returned more than once in the latest pass.",
		}),
		lastPassUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the latest successful pass.",
		}),
		auditChecked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "checked_proofs",
			Help:      "Journaled proofs checked by the latest audit.",
		}),
		auditMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "missing_proofs",
			Help:      "Journaled proofs absent from the ledger history in the latest audit.",
		}),
	}
	reg.MustRegister(
		m.sessions, m.sessionDuration, m.degraded,
		m.passes, m.passDuration, m.totalQueries, m.netEarnings,
		m.malformed, m.duplicates, m.lastPassUnix,
		m.auditChecked, m.auditMissing,
	)
	return m
}

// Record counts a finished session.
func (m *Metrics) Record(s settlement.Session) {
	m.sessions.WithLabelValues(s.Flow.String(), s.State.String(), s.Reason).Inc()
	m.sessionDuration.WithLabelValues(s.Flow.String()).Observe(s.Duration().Seconds())
	if s.Degraded {
		m.degraded.Inc()
	}
}

// ObservePass records one reconciliation pass.
func (m *Metrics) ObservePass(agg *reconcile.Aggregate, d time.Duration, err error) {
	m.passDuration.Observe(d.Seconds())
	if err != nil {
		m.passes.WithLabelValues("error").Inc()
		return
	}
	m.passes.WithLabelValues("ok").Inc()
	m.totalQueries.Set(float64(agg.TotalQueries))
	m.netEarnings.Set(agg.NetEarnings.InexactFloat64())
	m.malformed.Set(float64(agg.Malformed))
	m.duplicates.Set(float64(agg.Duplicates))
	m.lastPassUnix.Set(float64(time.Now().Unix()))
}

// ObserveAudit records a journal audit report.
func (m *Metrics) ObserveAudit(r *journal.Report) {
	m.auditChecked.Set(float64(r.Checked))
	m.auditMissing.Set(float64(len(r.Missing)))
}

var (
	_ settlement.Recorder = (*Metrics)(nil)
	_ reconcile.PassFunc  = (*Metrics)(nil).ObservePass
)
