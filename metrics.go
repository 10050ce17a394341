package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of an engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	roleCache        *prometheus.CounterVec
	roleResolution   prometheus.Histogram
	adminWrites      *prometheus.CounterVec
	auditFailures    *prometheus.CounterVec
	pluginRefreshes  *prometheus.CounterVec
	ruleCount        prometheus.Gauge
	invalidations    *prometheus.CounterVec
}

// NewMetrics registers the rbac collectors on reg. Passing nil uses the
// default prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_decisions_total",
			Help: "Total number of authorization decisions",
		}, []string{"permission", "decision"}),
		decisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rbac_decision_duration_seconds",
			Help:    "Duration of authorization decisions in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"stale"}),
		roleCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_role_cache_lookups_total",
			Help: "Role cache lookups by result",
		}, []string{"result"}), // hit, miss, stale
		roleResolution: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rbac_role_resolution_duration_seconds",
			Help:    "Duration of role closure computations on cache miss",
			Buckets: prometheus.DefBuckets,
		}),
		adminWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_admin_writes_total",
			Help: "Administrative writes by operation and outcome",
		}, []string{"operation", "outcome"}),
		auditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_audit_write_failures_total",
			Help: "Audit records that could not be persisted",
		}, []string{"action"}),
		pluginRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_plugin_metadata_refresh_total",
			Help: "Plugin permission metadata refreshes by plugin and outcome",
		}, []string{"plugin", "outcome"}),
		ruleCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "rbac_policy_rules",
			Help: "Number of policy rules loaded in the evaluator",
		}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbac_role_cache_invalidations_total",
			Help: "Role cache invalidations by origin",
		}, []string{"origin"}), // local, remote, sync
	}
}

func (m *Metrics) observeDecision(d *Decision, elapsed time.Duration, permission string) {
	if m == nil || d == nil {
		return
	}
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	m.decisions.WithLabelValues(permission, outcome).Inc()
	stale := "false"
	if d.Stale {
		stale = "true"
	}
	m.decisionDuration.WithLabelValues(stale).Observe(elapsed.Seconds())
}

func (m *Metrics) roleCacheHit() {
	if m != nil {
		m.roleCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) roleCacheMiss() {
	if m != nil {
		m.roleCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) roleCacheStale() {
	if m != nil {
		m.roleCache.WithLabelValues("stale").Inc()
	}
}

func (m *Metrics) observeRoleResolution(d time.Duration) {
	if m != nil {
		m.roleResolution.Observe(d.Seconds())
	}
}

func (m *Metrics) adminWrite(op string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.adminWrites.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) auditFailure(action AuditAction) {
	if m != nil {
		m.auditFailures.WithLabelValues(string(action)).Inc()
	}
}

func (m *Metrics) pluginRefresh(plugin string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	m.pluginRefreshes.WithLabelValues(plugin, outcome).Inc()
}

func (m *Metrics) setRuleCount(n int) {
	if m != nil {
		m.ruleCount.Set(float64(n))
	}
}

func (m *Metrics) invalidation(origin string) {
	if m != nil {
		m.invalidations.WithLabelValues(origin).Inc()
	}
}
