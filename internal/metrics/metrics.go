package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapbridge/internal/bridge"
)

// Metrics records lifecycle measurements in Prometheus collectors.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	JobSubmissions   *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	SweepFailures    *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	SweepLastSuccess *prometheus.GaugeVec
	now              func() time.Time
}

var _ bridge.Observer = (*Metrics)(nil)

// New registers the collectors with reg. Collectors already registered, for
// example by an earlier New on the same registry, are reused.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Transitions: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapbridge",
			Name:      "transitions_total",
			Help:      "Lifecycle status transitions.",
		}, []string{"entity", "from", "to"})),

		JobSubmissions: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapbridge",
			Name:      "job_submissions_total",
			Help:      "Jobs submitted to the transfer engine.",
		}, []string{"kind", "status"})),

		Notifications: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapbridge",
			Name:      "notifications_total",
			Help:      "Notifications handed to the transport.",
		}, []string{"event", "status"})),

		SweepRuns: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapbridge",
			Name:      "sweep_items_total",
			Help:      "Items processed by periodic sweeps.",
		}, []string{"sweep"})),

		SweepFailures: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapbridge",
			Name:      "sweep_failures_total",
			Help:      "Items a periodic sweep failed to process.",
		}, []string{"sweep"})),

		SweepDuration: registerOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapbridge",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"})),

		SweepLastSuccess: registerOrGet(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snapbridge",
			Name:      "sweep_last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep without failures.",
		}, []string{"sweep"})),

		now: time.Now,
	}
}

func registerOrGet[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Transition(entity, from, to string) {
	if from == "" {
		from = "NONE"
	}
	m.Transitions.WithLabelValues(entity, from, to).Inc()
}

func (m *Metrics) JobSubmitted(kind bridge.JobKind, err error) {
	m.JobSubmissions.WithLabelValues(string(kind), status(err)).Inc()
}

func (m *Metrics) NotificationSent(event string, err error) {
	m.Notifications.WithLabelValues(event, status(err)).Inc()
}

func (m *Metrics) SweepCompleted(sweep string, processed, failed int, elapsed time.Duration) {
	m.SweepRuns.WithLabelValues(sweep).Add(float64(processed))
	m.SweepFailures.WithLabelValues(sweep).Add(float64(failed))
	m.SweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
	if failed == 0 {
		m.SweepLastSuccess.WithLabelValues(sweep).Set(float64(m.now().Unix()))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
