package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
)

const jobColumns = `id, status, total_items, processed, succeeded, failed, progress_percent,
	options, created_at, started_at, completed_at, estimated_completion, error,
	artifact_ref, state_transitions`

// sqlJobs holds the job queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlJobs struct {
	db         *sql.DB
	numbered   bool   // $1, $2... placeholders
	lockSuffix string // appended to the row read inside UpdateJob/DeleteJob
	perItem    time.Duration
}

// rebind converts ? placeholders to $n when the dialect needs it
func (s *sqlJobs) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var optionsJSON string
	var artifactJSON, transitionsJSON, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Status, &job.TotalItems, &job.Processed, &job.Succeeded,
		&job.Failed, &job.ProgressPercent, &optionsJSON, &job.CreatedAt, &startedAt,
		&completedAt, &job.EstimatedCompletion, &errMsg, &artifactJSON, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if artifactJSON.Valid && artifactJSON.String != "" && artifactJSON.String != "null" {
		job.ArtifactRef = &models.ArtifactRef{}
		if err := json.Unmarshal([]byte(artifactJSON.String), job.ArtifactRef); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact_ref: %w", err)
		}
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.EstimatedCompletion = job.EstimatedCompletion.UTC()
	job.Error = errMsg.String

	return &job, nil
}

// encodeJob returns the JSON columns of a job
func encodeJob(job *models.Job) (options, artifact, transitions string, err error) {
	o, err := json.Marshal(job.Options)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal options: %w", err)
	}
	a := []byte("null")
	if job.ArtifactRef != nil {
		if a, err = json.Marshal(job.ArtifactRef); err != nil {
			return "", "", "", fmt.Errorf("failed to marshal artifact_ref: %w", err)
		}
	}
	t, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal state_transitions: %w", err)
	}
	return string(o), string(a), string(t), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// CreateJob adds a new Queued job to the store
func (s *sqlJobs) CreateJob(ctx context.Context, totalItems int, opts models.JobOptions) (*models.Job, error) {
	job := newJob(totalItems, opts, s.perItem)
	options, artifact, transitions, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.Status, job.TotalItems, job.Processed, job.Succeeded, job.Failed,
		job.ProgressPercent, options, job.CreatedAt, nullTime(job.StartedAt),
		nullTime(job.CompletedAt), job.EstimatedCompletion, job.Error, artifact, transitions)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (s *sqlJobs) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob performs an atomic read-modify-write inside one transaction
func (s *sqlJobs) UpdateJob(ctx context.Context, id string, fn Mutator) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.lockSuffix), id)
	current, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}

	_, artifact, transitions, err := encodeJob(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, processed = ?, succeeded = ?, failed = ?,
			progress_percent = ?, started_at = ?, completed_at = ?, error = ?,
			artifact_ref = ?, state_transitions = ?
		WHERE id = ?
	`), next.Status, next.Processed, next.Succeeded, next.Failed, next.ProgressPercent,
		nullTime(next.StartedAt), nullTime(next.CompletedAt), next.Error, artifact, transitions, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return next, nil
}

// ListJobs returns one page of jobs, newest first, plus the filtered total
func (s *sqlJobs) ListJobs(ctx context.Context, filter ListFilter, page, limit int) ([]*models.Job, int, error) {
	page, limit = normalizePage(page, limit)

	where := ""
	args := []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM jobs`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// GetJobs returns every job in the given status
func (s *sqlJobs) GetJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE status = ?`), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job unless it is still processing
func (s *sqlJobs) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.JobStatus
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM jobs WHERE id = ?`+s.lockSuffix), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if status == models.JobStatusProcessing {
		return fmt.Errorf("%w: %s", ErrJobProcessing, id)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection
func (s *sqlJobs) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *sqlJobs) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
