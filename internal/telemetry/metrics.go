package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsRegistered   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_jobs_registered_total", Help: "Recurring jobs registered"}, []string{"kind"})
	JobsDeleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_deleted_total", Help: "Recurring jobs deleted"})
	Ticks            = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Rescheduler wake-ups that completed"})
	Dispatches       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_dispatches_total", Help: "Target executions scheduled by the rescheduler"})
	DispatchSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_dispatch_skipped_total", Help: "Ticks that skipped dispatch because the previous run was outstanding"})
	ChainBroken      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_chain_broken_total", Help: "Ticks that ended a job's wake-up chain"}, []string{"reason"})
	CallsExecuted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_calls_executed_total", Help: "Scheduled calls run by the worker"}, []string{"kind", "outcome"})
	CallsReaped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_calls_reaped_total", Help: "In-progress calls failed after their lease expired"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_actions_inflight", Help: "Actions currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsRegistered,
			JobsDeleted,
			Ticks,
			Dispatches,
			DispatchSkipped,
			ChainBroken,
			CallsExecuted,
			CallsReaped,
			RateLimitRejects,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
