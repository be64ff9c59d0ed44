package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the quota subsystem.
type Metrics struct {
	Admissions    prometheus.Counter
	Denials       *prometheus.CounterVec
	Commits       prometheus.Counter
	Releases      prometheus.Counter
	TokensSettled prometheus.Counter
	Overshoots    prometheus.Counter
	DegradedMode  prometheus.Gauge
}

// New creates and registers all quota metrics on reg. A nil reg falls back
// to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Admissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "explaind_quota_admissions_total",
			Help: "Total number of reservations granted",
		}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "explaind_quota_denials_total",
			Help: "Total number of admissions denied, by reason",
		}, []string{"reason"}),
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Name: "explaind_quota_commits_total",
			Help: "Total number of reservations settled via commit",
		}),
		Releases: factory.NewCounter(prometheus.CounterOpts{
			Name: "explaind_quota_releases_total",
			Help: "Total number of reservations compensated via release",
		}),
		TokensSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "explaind_quota_tokens_settled_total",
			Help: "Total tokens settled against daily buckets",
		}),
		Overshoots: factory.NewCounter(prometheus.CounterOpts{
			Name: "explaind_quota_overshoots_total",
			Help: "Total commits that pushed a bucket past its token cap",
		}),
		DegradedMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "explaind_quota_degraded_mode",
			Help: "1 while the admission controller runs on the in-memory fallback ledger",
		}),
	}
}
