package bulk

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/psantana5/qrbatch/pkg/artifact"
	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/queue"
	"github.com/psantana5/qrbatch/pkg/render"
	"github.com/psantana5/qrbatch/pkg/store"
	"github.com/psantana5/qrbatch/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	store  store.Store
	queue  *queue.MemoryQueue
	blobs  *blob.MemoryStore
	worker *worker.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(0),
		queue: queue.NewMemoryQueue(16),
		blobs: blob.NewMemoryStore(),
	}
	f.svc = NewService(Deps{Store: f.store, Queue: f.queue, Blobs: f.blobs})
	f.worker = worker.New(worker.Config{BatchDelay: -1}, worker.Deps{
		Store:    f.store,
		Queue:    f.queue,
		Renderer: render.NewQRRenderer(),
		Blobs:    f.blobs,
	})
	return f
}

// drain hands every queued payload to the worker
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for f.queue.Len() > 0 {
		d, err := f.queue.Dequeue(context.Background())
		require.NoError(t, err)
		f.worker.Handle(context.Background(), d)
	}
}

func urls(n int) []models.WorkItem {
	out := make([]models.WorkItem, n)
	for i := range out {
		out[i] = models.WorkItem{Payload: fmt.Sprintf("https://example.com/p/%d", i), Label: fmt.Sprintf("Poster %d", i)}
	}
	return out
}

func TestSubmitRejectsBadInput(t *testing.T) {
	tooMany := make([]models.WorkItem, models.MaxItemsPerJob+1)
	for i := range tooMany {
		tooMany[i] = models.WorkItem{Payload: "x"}
	}

	tests := []struct {
		name  string
		items []models.WorkItem
		opts  models.JobOptions
		issue string
	}{
		{"empty", nil, models.JobOptions{}, "at least one item"},
		{"too many", tooMany, models.JobOptions{}, "at most 10000"},
		{"blank payload", []models.WorkItem{{Payload: "ok"}, {Payload: ""}}, models.JobOptions{}, "item 1: payload is required"},
		{"bad destination", []models.WorkItem{{Payload: "ok", Destination: "not a url"}}, models.JobOptions{}, "destination must be a valid URL"},
		{"bad batch size", urls(1), models.JobOptions{BatchSize: 5000}, "options: batch_size"},
		{"bad colour", urls(1), models.JobOptions{Design: models.DesignOptions{Foreground: "red"}}, "hex colour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.items, tt.opts)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tt.issue)

			_, total, err := f.svc.List(context.Background(), store.ListFilter{}, 1, 20)
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Zero(t, f.queue.Len())
		})
	}
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(7), models.JobOptions{Type: "url"})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.ID)
	assert.Equal(t, models.JobStatusQueued, summary.Status)
	assert.Equal(t, 7, summary.TotalItems)
	assert.Equal(t, models.DefaultBatchSize, summary.Options.BatchSize)
	assert.Equal(t, 256, summary.Options.Design.Size)
	assert.True(t, summary.EstimatedCompletion.After(summary.CreatedAt))
	assert.Equal(t, 1, f.queue.Len())

	d, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary.ID, d.Payload().JobID)
	assert.Len(t, d.Payload().Items, 7)
}

func TestSubmitMarksJobFailedWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Close())

	_, err := f.svc.Submit(context.Background(), urls(2), models.JobOptions{})
	require.ErrorIs(t, err, ErrEnqueue)

	jobs, total, err := f.svc.List(context.Background(), store.ListFilter{}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "enqueue failed")
}

func TestSubmitCSV(t *testing.T) {
	f := newFixture(t)
	data := []byte("url,name\nhttps://example.com/a,Alpha\n,missing\nhttps://example.com/b,Beta\n")

	summary, rowErrs, err := f.svc.SubmitCSV(context.Background(), data, models.JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalItems)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 3, rowErrs[0].Row)

	_, _, err = f.svc.SubmitCSV(context.Background(), []byte("url\n,\n"), models.JobOptions{})
	assert.True(t, IsValidation(err))
}

func TestEndToEndCompletesAndServesArtifacts(t *testing.T) {
	f := newFixture(t)
	items := urls(5)
	// Too long for the highest recovery level but within the payload limit
	items[3].Payload = "https://example.com/" + strings.Repeat("x", 2000)

	summary, err := f.svc.Submit(context.Background(), items, models.JobOptions{
		BatchSize: 2,
		Design:    models.DesignOptions{RecoveryLevel: "H", Size: 128},
	})
	require.NoError(t, err)
	f.drain(t)

	got, err := f.svc.GetStatus(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 5, got.Processed)
	assert.Equal(t, 4, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 100, got.ProgressPercent)

	csvData, err := f.svc.FetchArtifact(context.Background(), summary.ID, FormatCSV)
	require.NoError(t, err)
	rows, err := artifact.ParseManifest(bytes.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, artifact.StatusFailed, rows[3].Status)
	assert.NotEmpty(t, rows[3].Error)

	zipData, err := f.svc.FetchArtifact(context.Background(), summary.ID, FormatZIP)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	require.NoError(t, err)

	var pngs []string
	for _, file := range zr.File {
		if strings.HasSuffix(file.Name, ".png") {
			pngs = append(pngs, file.Name)
		}
	}
	assert.Len(t, pngs, 4)
	for _, name := range pngs {
		assert.False(t, strings.HasPrefix(name, "00003-"), name)
	}

	_, err = f.svc.FetchArtifact(context.Background(), summary.ID, "pdf")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFetchArtifactNotReady(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(1), models.JobOptions{})
	require.NoError(t, err)

	_, err = f.svc.FetchArtifact(context.Background(), summary.ID, FormatZIP)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.svc.FetchArtifact(context.Background(), "missing", FormatZIP)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(3), models.JobOptions{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(context.Background(), summary.ID))
	got, err := f.svc.GetStatus(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), summary.ID), ErrAlreadyTerminal)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "missing"), store.ErrJobNotFound)

	// The queued payload is now a no-op for the worker
	f.drain(t)
	got, err = f.svc.GetStatus(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Zero(t, got.Processed)

	_, err = f.svc.FetchArtifact(context.Background(), summary.ID, FormatCSV)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDeleteRejectsProcessingJob(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(2), models.JobOptions{})
	require.NoError(t, err)

	_, err = f.store.UpdateJob(context.Background(), summary.ID, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusProcessing
		j.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	before, err := f.svc.GetStatus(context.Background(), summary.ID)
	require.NoError(t, err)

	err = f.svc.Delete(context.Background(), summary.ID)
	assert.ErrorIs(t, err, store.ErrJobProcessing)

	after, err := f.svc.GetStatus(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// startingStore flips the job to Processing right before the delete lands,
// the way a worker dequeuing it concurrently would
type startingStore struct {
	store.Store
}

func (s startingStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.Store.UpdateJob(ctx, id, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusProcessing
		j.StartedAt = &now
		return nil
	}); err != nil {
		return err
	}
	return s.Store.DeleteJob(ctx, id)
}

func TestDeleteRacingWorkerKeepsBlobs(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(2), models.JobOptions{})
	require.NoError(t, err)

	key := blob.ImageKey(summary.ID, 0)
	require.NoError(t, f.blobs.Put(context.Background(), key, []byte("png")))

	svc := NewService(Deps{Store: startingStore{f.store}, Queue: f.queue, Blobs: f.blobs})
	err = svc.Delete(context.Background(), summary.ID)
	assert.ErrorIs(t, err, store.ErrJobProcessing)

	data, err := f.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	job, err := f.store.GetJob(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
}

func TestDeleteRemovesJobAndBlobs(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(2), models.JobOptions{})
	require.NoError(t, err)
	f.drain(t)
	require.NotEmpty(t, f.blobs.Keys(blob.JobPrefix(summary.ID)))

	require.NoError(t, f.svc.Delete(context.Background(), summary.ID))
	assert.Empty(t, f.blobs.Keys(blob.JobPrefix(summary.ID)))

	_, err = f.svc.GetStatus(context.Background(), summary.ID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), summary.ID), store.ErrJobNotFound)
}

func TestListFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		s, err := f.svc.Submit(context.Background(), urls(1), models.JobOptions{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.NoError(t, f.svc.Cancel(context.Background(), ids[1]))

	page, total, err := f.svc.List(context.Background(), store.ListFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	cancelled, total, err := f.svc.List(context.Background(), store.ListFilter{Status: models.JobStatusCancelled}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ids[1], cancelled[0].ID)

	_, _, err = f.svc.List(context.Background(), store.ListFilter{Status: "paused"}, 1, 20)
	assert.True(t, IsValidation(err))
}

func TestWaitReturnsTerminalSummary(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Submit(context.Background(), urls(2), models.JobOptions{})
	require.NoError(t, err)

	go func() {
		d, err := f.queue.Dequeue(context.Background())
		if err == nil {
			f.worker.Handle(context.Background(), d)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := f.svc.Wait(ctx, summary.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}
