package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_events_emitted_total", Help: "Events recorded by the emitter"})
	EventsDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_events_deduped_total", Help: "Emit calls short-circuited by idempotency key"})
	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_enqueued_total", Help: "Jobs inserted into the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_failed_total", Help: "Job attempts that failed and were rescheduled"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_dead_lettered_total", Help: "Jobs archived after exhausting retries"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_reclaimed_total", Help: "Stuck running jobs returned to pending by the reaper"})
	CronFires        = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_cron_fires_total", Help: "Cron tasks fired by the scheduler"})
	OneOffFires      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_oneoff_fires_total", Help: "One-off scheduled tasks fired"})
	SchedulerErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_scheduler_errors_total", Help: "Scheduler tick failures"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_jobs_inflight", Help: "Jobs currently claimed by workers"})
	PendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_jobs_pending", Help: "Jobs eligible to run"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEmitted,
			EventsDeduped,
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsDeadLettered,
			JobsReclaimed,
			CronFires,
			OneOffFires,
			SchedulerErrors,
			InFlightGauge,
			PendingGauge,
		)
	})
	return promhttp.Handler()
}
