package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorderExposesCounters(t *testing.T) {
	r := NewRecorder(nil)
	r.JobSubmitted()
	r.JobSubmitted()
	r.JobStarted()
	r.ItemsRendered(3, 1)
	r.JobFinished("completed", 2*time.Second)
	r.JobStopped()
	r.QueueRetry()
	r.JobsSwept(4)

	out := scrape(t, r)
	assert.Contains(t, out, "qrbatch_jobs_submitted_total 2")
	assert.Contains(t, out, `qrbatch_jobs_finished_total{status="completed"} 1`)
	assert.Contains(t, out, `qrbatch_items_rendered_total{result="success"} 3`)
	assert.Contains(t, out, `qrbatch_items_rendered_total{result="failure"} 1`)
	assert.Contains(t, out, "qrbatch_active_jobs 0")
	assert.Contains(t, out, "qrbatch_job_duration_seconds_count 1")
	assert.Contains(t, out, "qrbatch_queue_retries_total 1")
	assert.Contains(t, out, "qrbatch_retention_deleted_jobs_total 4")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.JobSubmitted()
	r.JobStarted()
	r.JobStopped()
	r.ItemsRendered(1, 1)
	r.JobFinished("failed", time.Second)
	r.QueueRetry()
	r.JobsSwept(1)

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	r.Middleware(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := NewRecorder(nil)
	router := mux.NewRouter()
	router.Use(r.Middleware)
	router.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	out := scrape(t, r)
	assert.Contains(t, out, `qrbatch_http_requests_total{method="GET",route="/jobs/{id}",status="404"} 1`)
}
