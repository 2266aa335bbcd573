// Package metrics exposes Prometheus collectors for the chat client. Every
// helper is safe to call on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send results used as the "result" label.
const (
	ResultOK             = "ok"
	ResultRejected       = "rejected"
	ResultStoreFailure   = "store_failure"
	ResultBackendFailure = "backend_failure"
)

type Metrics struct {
	Sends              *prometheus.CounterVec
	SendDuration       prometheus.Histogram
	ReconcilePasses    prometheus.Counter
	Emissions          prometheus.Counter
	Pending            prometheus.Gauge
	SubscriptionErrors prometheus.Counter
	StoreLatency       *prometheus.HistogramVec
	LifecycleState     *prometheus.GaugeVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bhaichat_sends_total",
			Help: "Outbound messages by result",
		}, []string{"result"}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bhaichat_send_duration_seconds",
			Help:    "Time from send to reconciled reply",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcilePasses: f.NewCounter(prometheus.CounterOpts{
			Name: "bhaichat_reconcile_passes_total",
			Help: "Reconciliation passes run by the engine",
		}),
		Emissions: f.NewCounter(prometheus.CounterOpts{
			Name: "bhaichat_reconcile_emissions_total",
			Help: "Reconciled lists emitted because they changed",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "bhaichat_pending_messages",
			Help: "Optimistic messages awaiting confirmation",
		}),
		SubscriptionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bhaichat_subscription_errors_total",
			Help: "Remote stream errors treated as no update",
		}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bhaichat_store_latency_seconds",
			Help:    "Remote store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LifecycleState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bhaichat_lifecycle_state",
			Help: "1 for the current lifecycle state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (m *Metrics) ObserveSend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.SendDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveReconcile(emitted bool, pending int) {
	if m == nil {
		return
	}
	m.ReconcilePasses.Inc()
	if emitted {
		m.Emissions.Inc()
	}
	m.Pending.Set(float64(pending))
}

func (m *Metrics) SubscriptionError() {
	if m == nil {
		return
	}
	m.SubscriptionErrors.Inc()
}

func (m *Metrics) ObserveStore(op string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetState marks state as current among all.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.LifecycleState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the collectors registered in g in exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
