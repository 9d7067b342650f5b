package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
)

// Fail moves a job to Failed with reason. A Queued job is first moved to
// Processing since Failed is only reachable from there. Jobs that are already
// terminal are left alone and returned with ErrJobTerminal.
func Fail(ctx context.Context, s Store, id, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "job failed"
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusQueued {
		_, err := s.UpdateJob(ctx, id, func(j *models.Job) error {
			if j.Status == models.JobStatusQueued {
				now := time.Now().UTC()
				j.Status = models.JobStatusProcessing
				j.StartedAt = &now
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return s.UpdateJob(ctx, id, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusFailed
		j.Error = reason
		j.CompletedAt = &now
		j.ArtifactRef = nil
		return nil
	})
}

// IsTerminal reports whether err means the job was already finished
func IsTerminal(err error) bool {
	return errors.Is(err, ErrJobTerminal)
}
