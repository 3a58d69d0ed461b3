package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StageTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_transitions_total", Help: "Applied stage transitions by event"}, []string{"event"})
	StageViolations   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_violations_total", Help: "Operations rejected because the campaign was in the wrong stage"})
	JobPolls          = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_job_polls_total", Help: "Job status fetches issued"})
	JobPollFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_job_poll_failures_total", Help: "Job status fetches that failed transiently"})
	JobPollStalls     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_poll_stalls_total", Help: "Jobs whose transient poll failures crossed the warn threshold"})
	JobsTerminal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_terminal_total", Help: "Jobs reaching a terminal status"}, []string{"status"})
	PollsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_polls_inflight", Help: "Status fetches currently outstanding"})
	JobsTracked       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_tracked", Help: "Non-terminal jobs under tracking"})
	ArtifactsArchived = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_artifacts_archived_total", Help: "Generated ads mirrored to artifact storage"})
	ArtifactFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_artifact_failures_total", Help: "Generated ads that could not be mirrored"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Stage submissions rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StageTransitions,
			StageViolations,
			JobPolls,
			JobPollFailures,
			JobPollStalls,
			JobsTerminal,
			PollsInFlight,
			JobsTracked,
			ArtifactsArchived,
			ArtifactFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
