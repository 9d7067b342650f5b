package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finish drives a new job to status with completedAt set age ago
func finish(t *testing.T, s store.Store, status models.JobStatus, age time.Duration) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, 1, models.JobOptions{})
	require.NoError(t, err)

	if status == models.JobStatusQueued {
		return job
	}
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusProcessing
		return nil
	})
	require.NoError(t, err)
	if status == models.JobStatusProcessing {
		return job
	}

	done := time.Now().UTC().Add(-age)
	job, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = status
		j.CompletedAt = &done
		switch status {
		case models.JobStatusCompleted:
			j.ArtifactRef = &models.ArtifactRef{ManifestKey: blob.ManifestKey(j.ID), ArchiveKey: blob.ArchiveKey(j.ID)}
		case models.JobStatusFailed:
			j.Error = "boom"
		}
		return nil
	})
	require.NoError(t, err)
	return job
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 0
	cfg.BatchPause = 0
	return cfg
}

func TestCleanupNowRemovesExpiredTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	blobs := blob.NewMemoryStore()

	oldCompleted := finish(t, s, models.JobStatusCompleted, 8*24*time.Hour)
	oldFailed := finish(t, s, models.JobStatusFailed, 30*24*time.Hour)
	oldCancelled := finish(t, s, models.JobStatusCancelled, 7*24*time.Hour+time.Minute)
	fresh := finish(t, s, models.JobStatusCompleted, 6*24*time.Hour)
	processing := finish(t, s, models.JobStatusProcessing, 0)
	queued := finish(t, s, models.JobStatusQueued, 0)

	for _, j := range []*models.Job{oldCompleted, fresh, processing} {
		require.NoError(t, blobs.Put(ctx, blob.ManifestKey(j.ID), []byte("csv")))
		require.NoError(t, blobs.Put(ctx, blob.ImageKey(j.ID, 0), []byte("png")))
	}

	m := NewManager(testConfig(), s, blobs, nil, nil)
	assert.Equal(t, 3, m.CleanupNow(ctx))

	for _, gone := range []*models.Job{oldCompleted, oldFailed, oldCancelled} {
		_, err := s.GetJob(ctx, gone.ID)
		assert.ErrorIs(t, err, store.ErrJobNotFound, gone.Status)
	}
	for _, kept := range []*models.Job{fresh, processing, queued} {
		_, err := s.GetJob(ctx, kept.ID)
		assert.NoError(t, err, kept.Status)
	}

	assert.Empty(t, blobs.Keys(blob.JobPrefix(oldCompleted.ID)))
	assert.Len(t, blobs.Keys(blob.JobPrefix(fresh.ID)), 2)
	assert.Len(t, blobs.Keys(blob.JobPrefix(processing.ID)), 2)

	stats := m.GetStats()
	assert.Equal(t, int64(3), stats.TotalJobsDeleted)
	assert.Equal(t, 0, stats.LastErrors)
	assert.False(t, stats.LastCleanupTime.IsZero())

	// A second sweep is a no-op
	assert.Equal(t, 0, m.CleanupNow(ctx))
}

type failingBlobs struct{ *blob.MemoryStore }

func (f failingBlobs) DeletePrefix(ctx context.Context, prefix string) error {
	return errors.New("bucket unavailable")
}

func TestCleanupKeepsRecordWhenBlobDeleteFails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	old := finish(t, s, models.JobStatusCompleted, 10*24*time.Hour)

	m := NewManager(testConfig(), s, failingBlobs{blob.NewMemoryStore()}, nil, nil)
	assert.Equal(t, 0, m.CleanupNow(ctx))
	assert.Equal(t, 1, m.GetStats().LastErrors)

	_, err := s.GetJob(ctx, old.ID)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	s := store.NewMemoryStore(0)
	old := finish(t, s, models.JobStatusCancelled, 9*24*time.Hour)

	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.VacuumInterval = 10 * time.Millisecond
	m := NewManager(cfg, s, blob.NewMemoryStore(), nil, nil)
	m.Start()

	assert.Eventually(t, func() bool {
		_, err := s.GetJob(context.Background(), old.ID)
		return errors.Is(err, store.ErrJobNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return m.GetStats().TotalVacuumRuns > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}

func TestDisabledManagerDoesNothing(t *testing.T) {
	s := store.NewMemoryStore(0)
	old := finish(t, s, models.JobStatusCancelled, 9*24*time.Hour)

	cfg := testConfig()
	cfg.Enabled = false
	m := NewManager(cfg, s, blob.NewMemoryStore(), nil, nil)
	m.Start()
	m.Stop()

	_, err := s.GetJob(context.Background(), old.ID)
	assert.NoError(t, err)
}
