package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/qrbatch/pkg/bulk"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/store"
	"github.com/psantana5/qrbatch/pkg/tabular"
	"github.com/shirou/gopsutil/v3/mem"
)

// MaxBodyBytes caps JSON and CSV request bodies
const MaxBodyBytes = 16 << 20

// SubmitRequest is the body of POST /jobs
type SubmitRequest struct {
	Items   []models.WorkItem `json:"items"`
	Options models.JobOptions `json:"options"`
}

// SubmitResponse is returned for accepted submissions
type SubmitResponse struct {
	Job       models.JobSummary  `json:"job"`
	RowErrors []tabular.RowError `json:"row_errors,omitempty"`
}

// ListResponse is the body of GET /jobs
type ListResponse struct {
	Jobs  []models.JobSummary `json:"jobs"`
	Count int                 `json:"count"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error     string             `json:"error"`
	Issues    []string           `json:"issues,omitempty"`
	RowErrors []tabular.RowError `json:"row_errors,omitempty"`
}

// Handler serves the bulk job API
type Handler struct {
	service *bulk.Service
	logger  *logging.Logger
	started time.Time
}

// NewHandler creates a new API handler
func NewHandler(service *bulk.Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: service, logger: logger.WithComponent("api"), started: time.Now()}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Register specific routes before parameterized routes
	r.HandleFunc("/jobs/upload", h.UploadJob).Methods("POST")
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/artifact", h.GetArtifact).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// SubmitJob accepts a JSON list of items
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	summary, err := h.service.Submit(r.Context(), req.Items, req.Options)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{Job: summary})
}

// UploadJob accepts a CSV file, either as the raw body or as the "file" part
// of a multipart form. Options come from the query string.
func (h *Handler) UploadJob(w http.ResponseWriter, r *http.Request) {
	opts, err := optionsFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	data, err := readUpload(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("Invalid upload: %v", err)})
		return
	}

	summary, rowErrs, err := h.service.SubmitCSV(r.Context(), data, opts)
	if err != nil {
		h.fail(w, r, err, rowErrs)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{Job: summary, RowErrors: rowErrs})
}

// ListJobs returns a page of jobs, newest first
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 20)
	filter := store.ListFilter{Status: models.JobStatus(q.Get("status"))}

	jobs, total, err := h.service.List(r.Context(), filter, page, limit)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs), Total: total, Page: page, Limit: limit})
}

// GetJob returns the status of one job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CancelJob requests cancellation of a Queued or Processing job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(models.JobStatusCancelled),
		"job_id": jobID,
	})
}

// GetArtifact streams the manifest (format=csv) or bundle (format=zip)
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = bulk.FormatZIP
	}

	data, err := h.service.FetchArtifact(r.Context(), jobID, format)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}

	contentType, filename := "application/zip", jobID+"-bundle.zip"
	if format == bulk.FormatCSV {
		contentType, filename = "text/csv; charset=utf-8", jobID+"-manifest.csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write artifact", logging.Fields{"job_id": jobID, "error": err.Error()})
	}
}

// DeleteJob removes a finished or queued job and its artifacts
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports registry reachability and host memory
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := h.service.HealthCheck(); err != nil {
		resp["status"] = "unhealthy"
		resp["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory"] = map[string]interface{}{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}
	writeJSON(w, code, resp)
}

// fail maps service errors onto status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, rowErrs []tabular.RowError) {
	var verr *bulk.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid submission", Issues: verr.Issues, RowErrors: rowErrs})
	case errors.Is(err, bulk.ErrInvalidFormat):
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, ErrorResponse{Error: "Job not found"})
	case errors.Is(err, bulk.ErrAlreadyTerminal),
		errors.Is(err, store.ErrJobTerminal),
		errors.Is(err, store.ErrJobProcessing),
		errors.Is(err, bulk.ErrNotReady):
		h.writeError(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, bulk.ErrEnqueue):
		h.logger.Error("Submission could not be queued", logging.Fields{"path": r.URL.Path, "error": err.Error()})
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("Request failed", logging.Fields{"method": r.Method, "path": r.URL.Path, "error": err.Error()})
		h.writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, body ErrorResponse) {
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(body)
	}

	r.Body = body
	if err := r.ParseMultipartForm(MaxBodyBytes); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func optionsFromQuery(r *http.Request) (models.JobOptions, error) {
	q := r.URL.Query()
	opts := models.JobOptions{
		Type: q.Get("type"),
		Design: models.DesignOptions{
			Foreground:    q.Get("foreground"),
			Background:    q.Get("background"),
			RecoveryLevel: q.Get("recovery_level"),
		},
	}

	var err error
	if v := q.Get("batch_size"); v != "" {
		if opts.BatchSize, err = strconv.Atoi(v); err != nil {
			return opts, fmt.Errorf("batch_size must be an integer")
		}
	}
	if v := q.Get("size"); v != "" {
		if opts.Design.Size, err = strconv.Atoi(v); err != nil {
			return opts, fmt.Errorf("size must be an integer")
		}
	}
	if v := q.Get("disable_border"); v != "" {
		if opts.Design.DisableBorder, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("disable_border must be a boolean")
		}
	}
	return opts, nil
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
