package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "snag_submissions_total", Help: "Snag submissions by result"}, []string{"result"})
	StepOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "snag_step_outcomes_total", Help: "Saga step outcomes"}, []string{"step", "outcome"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "snag_rate_limit_rejects_total", Help: "Submissions rejected by the per-reporter throttle"})
	RefCacheFetches   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refcache_fetches_total", Help: "Reference list fetches by result"}, []string{"list", "result"})
	RefCacheStale     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refcache_stale_served_total", Help: "Expired reference lists served after a failed refresh"}, []string{"list"})
	RefCacheFallback  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refcache_fallback_served_total", Help: "Built-in reference lists served with no cached data"}, []string{"list"})
	LedgerDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "snag_mirror_ledger_depth", Help: "Snags awaiting operator mirror reconciliation"})
	MutationConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "snag_mutation_conflicts_total", Help: "Status changes lost to a concurrent writer"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			StepOutcomes,
			RateLimitRejects,
			RefCacheFetches,
			RefCacheStale,
			RefCacheFallback,
			LedgerDepthGauge,
			MutationConflicts,
		)
	})
}
