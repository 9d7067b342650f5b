package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/metrics"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/queue"
	"github.com/psantana5/qrbatch/pkg/store"
	"github.com/psantana5/qrbatch/pkg/tabular"
)

var (
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrNotReady        = errors.New("artifact not ready")
	ErrInvalidFormat   = errors.New("unknown artifact format")
	ErrEnqueue         = errors.New("failed to enqueue job")
)

// Artifact formats accepted by FetchArtifact
const (
	FormatCSV = "csv"
	FormatZIP = "zip"
)

// ValidationError is a synchronous rejection of a submission. No job exists
// when it is returned.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Issues, "; ")
}

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Deps are the collaborators of the service
type Deps struct {
	Store   store.Store
	Queue   queue.Queue
	Blobs   blob.Store
	Metrics *metrics.Recorder
	Logger  *logging.Logger
}

// Service implements the bulk job operations on top of the registry, the
// queue and the blob store
type Service struct {
	store   store.Store
	queue   queue.Queue
	blobs   blob.Store
	metrics *metrics.Recorder
	logger  *logging.Logger
}

// NewService creates a bulk service
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:   deps.Store,
		queue:   deps.Queue,
		blobs:   deps.Blobs,
		metrics: deps.Metrics,
		logger:  logger.WithComponent("bulk"),
	}
}

// Submit validates items and options, creates a Queued job and enqueues it
func (s *Service) Submit(ctx context.Context, items []models.WorkItem, opts models.JobOptions) (models.JobSummary, error) {
	if issues := validateSubmission(items, opts); len(issues) > 0 {
		return models.JobSummary{}, &ValidationError{Issues: issues}
	}
	opts = opts.WithDefaults()

	job, err := s.store.CreateJob(ctx, len(items), opts)
	if err != nil {
		return models.JobSummary{}, fmt.Errorf("failed to create job: %w", err)
	}

	payload := models.JobPayload{JobID: job.ID, Items: items, Options: opts}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		s.logger.Error("Enqueue failed, marking job failed", logging.Fields{"job_id": job.ID, "error": err.Error()})
		if failed, ferr := store.Fail(ctx, s.store, job.ID, "enqueue failed: "+err.Error()); ferr == nil {
			s.metrics.JobFinished(string(failed.Status), 0)
		}
		return models.JobSummary{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	s.metrics.JobSubmitted()
	s.logger.Info("Job submitted", logging.Fields{
		"job_id":     job.ID,
		"items":      job.TotalItems,
		"batch_size": opts.BatchSize,
		"type":       opts.Type,
	})
	return job.Summary(), nil
}

// SubmitCSV parses a CSV upload and submits its valid rows. Row errors are
// returned alongside the accepted job.
func (s *Service) SubmitCSV(ctx context.Context, data []byte, opts models.JobOptions) (models.JobSummary, []tabular.RowError, error) {
	items, rowErrs, err := tabular.Parse(data)
	if err != nil {
		issues := []string{err.Error()}
		for _, re := range rowErrs {
			issues = append(issues, re.Error())
		}
		return models.JobSummary{}, rowErrs, &ValidationError{Issues: issues}
	}
	summary, err := s.Submit(ctx, items, opts)
	if err != nil {
		return models.JobSummary{}, rowErrs, err
	}
	return summary, rowErrs, nil
}

// GetStatus returns the client view of a job
func (s *Service) GetStatus(ctx context.Context, id string) (models.JobSummary, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.JobSummary{}, err
	}
	return job.Summary(), nil
}

// Cancel marks a Queued or Processing job Cancelled. The worker observes it
// at its next batch boundary.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.store.UpdateJob(ctx, id, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	if store.IsTerminal(err) {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	if err != nil {
		return err
	}

	s.metrics.JobFinished(string(job.Status), sinceStart(job))
	s.logger.Info("Job cancelled", logging.Fields{"job_id": id, "processed": job.Processed})
	return nil
}

// FetchArtifact returns the manifest (csv) or bundle (zip) of a Completed job
func (s *Service) FetchArtifact(ctx context.Context, id, format string) ([]byte, error) {
	var keyOf func(*models.ArtifactRef) string
	switch strings.ToLower(format) {
	case FormatCSV, "":
		keyOf = func(r *models.ArtifactRef) string { return r.ManifestKey }
	case FormatZIP:
		keyOf = func(r *models.ArtifactRef) string { return r.ArchiveKey }
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted || job.ArtifactRef == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}

	data, err := s.blobs.Get(ctx, keyOf(job.ArtifactRef))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// List returns one page of job summaries, newest first, and the total match count
func (s *Service) List(ctx context.Context, filter store.ListFilter, page, limit int) ([]models.JobSummary, int, error) {
	if filter.Status != "" && !models.IsValidStatus(filter.Status) {
		return nil, 0, &ValidationError{Issues: []string{fmt.Sprintf("unknown status %q", filter.Status)}}
	}
	jobs, total, err := s.store.ListJobs(ctx, filter, page, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, total, nil
}

// Delete removes a job and its blobs. Processing jobs are rejected.
// The record goes first: DeleteJob is the atomic Processing check, and blobs
// of a job that is still running must survive a refused delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.DeletePrefix(ctx, blob.JobPrefix(id)); err != nil {
		s.logger.Warn("Job deleted but its artifacts were not", logging.Fields{"job_id": id, "error": err.Error()})
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	s.logger.Info("Job deleted", logging.Fields{"job_id": id})
	return nil
}

// Wait polls a job until it reaches a terminal state or ctx is done
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration) (models.JobSummary, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := s.GetStatus(ctx, id)
		if err != nil {
			return models.JobSummary{}, err
		}
		if models.IsTerminalState(summary.Status) {
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HealthCheck reports whether the registry is reachable
func (s *Service) HealthCheck() error {
	return s.store.HealthCheck()
}

func validateSubmission(items []models.WorkItem, opts models.JobOptions) []string {
	var issues []string
	switch {
	case len(items) == 0:
		return []string{"at least one item is required"}
	case len(items) > models.MaxItemsPerJob:
		return []string{fmt.Sprintf("at most %d items are allowed, got %d", models.MaxItemsPerJob, len(items))}
	}

	for _, issue := range models.ValidateOptions(opts) {
		issues = append(issues, "options: "+issue)
	}
	for i, item := range items {
		for _, issue := range models.ValidateItem(item) {
			issues = append(issues, fmt.Sprintf("item %d: %s", i, issue))
		}
	}
	return issues
}

func sinceStart(job *models.Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}
