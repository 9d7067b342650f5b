package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the orchestrator's Prometheus collectors.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	itemsRendered *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	activeJobs    prometheus.Gauge
	queueRetries  prometheus.Counter
	sweptJobs     prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewRecorder creates the collectors and registers them with reg.
// Pass nil to use a private registry (tests).
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbatch_jobs_submitted_total",
			Help: "Total number of accepted bulk jobs",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrbatch_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"status"}),
		itemsRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrbatch_items_rendered_total",
			Help: "Total number of rendered work items by result",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qrbatch_job_duration_seconds",
			Help:    "Time from job start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrbatch_active_jobs",
			Help: "Number of jobs currently being processed",
		}),
		queueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbatch_queue_retries_total",
			Help: "Total number of payloads put back on the queue after a transport failure",
		}),
		sweptJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbatch_retention_deleted_jobs_total",
			Help: "Total number of jobs removed by the retention sweeper",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrbatch_http_requests_total",
			Help: "Total HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qrbatch_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		r.jobsSubmitted,
		r.jobsFinished,
		r.itemsRendered,
		r.jobDuration,
		r.activeJobs,
		r.queueRetries,
		r.sweptJobs,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// JobSubmitted counts an accepted job
func (r *Recorder) JobSubmitted() {
	if r == nil {
		return
	}
	r.jobsSubmitted.Inc()
}

// JobStarted marks a job as actively processing
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.activeJobs.Inc()
}

// JobStopped releases the active slot taken by JobStarted
func (r *Recorder) JobStopped() {
	if r == nil {
		return
	}
	r.activeJobs.Dec()
}

// JobFinished counts a terminal transition and its duration since start
func (r *Recorder) JobFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(status).Inc()
	if elapsed > 0 {
		r.jobDuration.Observe(elapsed.Seconds())
	}
}

// ItemsRendered counts one batch worth of render outcomes
func (r *Recorder) ItemsRendered(succeeded, failed int) {
	if r == nil {
		return
	}
	r.itemsRendered.WithLabelValues("success").Add(float64(succeeded))
	r.itemsRendered.WithLabelValues("failure").Add(float64(failed))
}

// QueueRetry counts a payload redelivery
func (r *Recorder) QueueRetry() {
	if r == nil {
		return
	}
	r.queueRetries.Inc()
}

// JobsSwept counts retention deletions
func (r *Recorder) JobsSwept(n int) {
	if r == nil {
		return
	}
	r.sweptJobs.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per mux route template
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, req)

		route := req.URL.Path
		if cur := mux.CurrentRoute(req); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		r.httpRequests.WithLabelValues(req.Method, route, fmt.Sprintf("%d", rw.statusCode)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
