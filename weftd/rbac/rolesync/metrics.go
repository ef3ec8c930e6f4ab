package rolesync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns        = "weftd"
	subsystem = "rolesync"

	LabelResult = "result"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics instruments reconciliation runs. All methods are nil-safe so an
// unconfigured syncer pays nothing.
type Metrics struct {
	Runs        *prometheus.CounterVec
	RunSeconds  prometheus.Histogram
	LastSuccess prometheus.Gauge

	GrantsCreated      prometheus.Counter
	RoleGrantsInserted prometheus.Counter
	OrphansDeleted     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of role synchronization runs, aggregated by result.",
		}, []string{LabelResult}),
		RunSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "run_duration_seconds", Namespace: ns, Subsystem: subsystem,
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			Help:    "The time taken by a full role synchronization run.",
		}),
		LastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_successful_run_unix", Namespace: ns, Subsystem: subsystem,
			Help: "Unix timestamp of the last successful role synchronization run.",
		}),
		GrantsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "grants_created_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of grant rows created by synchronization.",
		}),
		RoleGrantsInserted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "role_grants_inserted_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of role/grant associations inserted by synchronization.",
		}),
		OrphansDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "orphans_deleted_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of orphaned grant rows removed by synchronization.",
		}),
	}
}

func (m *Metrics) observeRun(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RunSeconds.Observe(elapsed.Seconds())
	if err != nil {
		m.Runs.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.Runs.WithLabelValues(ResultSuccess).Inc()
	m.LastSuccess.SetToCurrentTime()
}

func (m *Metrics) addGrantsCreated(n int) {
	if m == nil {
		return
	}
	m.GrantsCreated.Add(float64(n))
}

func (m *Metrics) addRoleGrantsInserted(n int) {
	if m == nil {
		return
	}
	m.RoleGrantsInserted.Add(float64(n))
}

func (m *Metrics) addOrphansDeleted(n int64) {
	if m == nil {
		return
	}
	m.OrphansDeleted.Add(float64(n))
}
