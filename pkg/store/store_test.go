package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore(0)
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), 0)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestPostgreSQLIntegration runs the suite against a real database
// Set DATABASE_DSN environment variable to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewStore(Config{Type: "postgres", DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, s.HealthCheck())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore(Config{Type: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}

func TestRebind(t *testing.T) {
	s := &sqlJobs{numbered: true}
	assert.Equal(t, "SELECT * FROM jobs WHERE id = $1 AND status = $2",
		s.rebind("SELECT * FROM jobs WHERE id = ? AND status = ?"))

	plain := &sqlJobs{}
	assert.Equal(t, "WHERE id = ?", plain.rebind("WHERE id = ?"))
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UpdateRules", func(t *testing.T) { testUpdateRules(t, newStore(t)) })
	t.Run("TerminalIsFrozen", func(t *testing.T) { testTerminalIsFrozen(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, newStore(t)) })
	t.Run("DeleteRejectsProcessing", func(t *testing.T) { testDeleteRejectsProcessing(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	opts := models.JobOptions{Type: "url", BatchSize: 50}

	job, err := s.CreateJob(ctx, 120, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 120, job.TotalItems)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.ArtifactRef)
	assert.True(t, job.EstimatedCompletion.After(job.CreatedAt))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, opts, got.Options)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.UpdateJob(ctx, "missing", func(j *models.Job) error { return nil })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func testUpdateRules(t *testing.T, s Store) {
	ctx := context.Background()
	job, err := s.CreateJob(ctx, 4, models.JobOptions{BatchSize: 2})
	require.NoError(t, err)

	// Queued jobs cannot jump straight to Completed
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		j.ArtifactRef = &models.ArtifactRef{}
		return nil
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	now := time.Now().UTC()
	updated, err := s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusProcessing
		j.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, updated.StartedAt)
	require.Len(t, updated.StateTransitions, 1)
	assert.Equal(t, models.JobStatusQueued, updated.StateTransitions[0].From)

	updated, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Processed, j.Succeeded, j.Failed = 3, 2, 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 75, updated.ProgressPercent)

	// Counter invariants are enforced
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Processed, j.Succeeded = 4, 4
		return nil
	})
	assert.ErrorIs(t, err, models.ErrInvariant)

	// processed never goes backwards
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Processed, j.Succeeded, j.Failed = 1, 1, 0
		return nil
	})
	assert.ErrorIs(t, err, models.ErrInvariant)

	// Mutator errors abort without writing
	boom := errors.New("boom")
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Processed = 4
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 4, got.TotalItems)
}

func testTerminalIsFrozen(t *testing.T, s Store) {
	ctx := context.Background()
	job, err := s.CreateJob(ctx, 2, models.JobOptions{})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	require.NoError(t, err)

	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Processed, j.Succeeded = 1, 1
		return nil
	})
	assert.ErrorIs(t, err, ErrJobTerminal)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, 0, got.Processed)
	assert.Empty(t, got.Error)
}

func testListNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := s.CreateJob(ctx, i+1, models.JobOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := s.UpdateJob(ctx, ids[0], func(j *models.Job) error {
		j.Status = models.JobStatusCancelled
		return nil
	})
	require.NoError(t, err)

	page1, total, err := s.ListJobs(ctx, ListFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page3, _, err := s.ListJobs(ctx, ListFilter{}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	beyond, _, err := s.ListJobs(ctx, ListFilter{}, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	cancelled, total, err := s.ListJobs(ctx, ListFilter{Status: models.JobStatusCancelled}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[0], cancelled[0].ID)

	queued, err := s.GetJobs(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 4)
}

func testDeleteRejectsProcessing(t *testing.T, s Store) {
	ctx := context.Background()
	job, err := s.CreateJob(ctx, 3, models.JobOptions{})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusProcessing
		return nil
	})
	require.NoError(t, err)

	err = s.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobProcessing)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	queued, err := s.CreateJob(ctx, 1, models.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, queued.ID))
	_, err = s.GetJob(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, queued.ID), ErrJobNotFound)
}

func testConcurrentUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	const writers = 20
	job, err := s.CreateJob(ctx, writers, models.JobOptions{})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusProcessing
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := s.UpdateJob(ctx, job.ID, func(j *models.Job) error {
				j.Processed++
				if idx%2 == 0 {
					j.Succeeded++
				} else {
					j.Failed++
				}
				return nil
			})
			if err != nil {
				errs <- fmt.Errorf("writer %d: %w", idx, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.Processed)
	assert.Equal(t, writers/2, got.Succeeded)
	assert.Equal(t, writers/2, got.Failed)
	assert.Equal(t, 100, got.ProgressPercent)
}
