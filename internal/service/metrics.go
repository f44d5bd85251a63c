package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RequestsCreated   *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	StaleConflicts    prometheus.Counter
	Escalations       *prometheus.CounterVec
	AuditFailures     *prometheus.CounterVec
	AuditRedelivered  prometheus.Counter
	Notifications     *prometheus.CounterVec
	Archives          *prometheus.CounterVec
	DecisionDuration  prometheus.Histogram
	SweepDuration     prometheus.Histogram
	RoleResolveErrors prometheus.Counter
	QuorumUnreachable prometheus.Counter
}

// NewMetrics registers collectors with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "requests_created_total",
			Help:      "Approval requests created, by entity type.",
		}, []string{"entity_type"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "decisions_total",
			Help:      "Decisions recorded, by decision and actor kind.",
		}, []string{"decision", "actor"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "transitions_total",
			Help:      "Committed request transitions, by target status.",
		}, []string{"to_status"}),
		StaleConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "stale_conflicts_total",
			Help:      "Writes rejected by the version check.",
		}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "escalations_total",
			Help:      "Timeout actions applied by the escalation sweep.",
		}, []string{"action"}),
		AuditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "audit_failures_total",
			Help:      "Audit write failures, by stage (record, enqueue, redeliver, dead).",
		}, []string{"stage"}),
		AuditRedelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "audit_redelivered_total",
			Help:      "Audit entries delivered by the retrier.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "notifications_total",
			Help:      "Notification dispatch outcomes, by event and result.",
		}, []string{"event", "result"}),
		Archives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "archives_total",
			Help:      "Terminal request archive attempts, by result.",
		}, []string{"result"}),
		DecisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "approvals",
			Name:      "decision_duration_seconds",
			Help:      "SubmitDecision latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "approvals",
			Name:      "escalation_sweep_duration_seconds",
			Help:      "Escalation sweep latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		RoleResolveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "role_resolution_errors_total",
			Help:      "Approver roles that resolved to no users.",
		}),
		QuorumUnreachable: f.NewCounter(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "quorum_unreachable_total",
			Help:      "Steps whose count quorum exceeds the resolved approver set.",
		}),
	}
}
