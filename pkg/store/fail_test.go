package store

import (
	"context"
	"testing"

	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailFromQueued(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	job, err := s.CreateJob(ctx, 5, models.JobOptions{})
	require.NoError(t, err)

	failed, err := Fail(ctx, s, job.ID, "enqueue failed")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, "enqueue failed", failed.Error)
	require.NotNil(t, failed.StartedAt)
	require.NotNil(t, failed.CompletedAt)
	require.Len(t, failed.StateTransitions, 2)
	assert.Equal(t, models.JobStatusProcessing, failed.StateTransitions[0].To)
	assert.Equal(t, models.JobStatusFailed, failed.StateTransitions[1].To)
	assert.Equal(t, "enqueue failed", failed.StateTransitions[1].Reason)
}

func TestFailLeavesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	job, err := s.CreateJob(ctx, 1, models.JobOptions{})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCancelled
		return nil
	})
	require.NoError(t, err)

	_, err = Fail(ctx, s, job.ID, "late failure")
	assert.True(t, IsTerminal(err))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Error)

	_, err = Fail(ctx, s, "missing", "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
