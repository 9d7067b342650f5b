package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/queue"
	"github.com/psantana5/qrbatch/pkg/retry"
	"github.com/psantana5/qrbatch/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// errStopped means the job went terminal under us; it is not a failure
var errStopped = errors.New("job stopped")

func (w *Worker) process(ctx context.Context, d queue.Delivery) error {
	p := d.Payload()
	log := w.logger.WithField("job_id", p.JobID)

	job, err := w.store.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Warn("Dropping payload for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if models.IsTerminalState(job.Status) {
		log.Debug("Job already finished, skipping", logging.Fields{"status": string(job.Status)})
		return nil
	}
	if len(p.Items) != job.TotalItems {
		return retry.Permanent(fmt.Errorf("payload carries %d items, job expects %d", len(p.Items), job.TotalItems))
	}

	ctx, span := w.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.total_items", job.TotalItems),
		attribute.Int("queue.attempt", d.Attempt()),
	))
	defer span.End()

	w.metrics.JobStarted()
	defer w.metrics.JobStopped()

	err = w.run(ctx, job, p, log)
	if errors.Is(err, errStopped) {
		span.AddEvent("job.stopped")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) run(ctx context.Context, job *models.Job, p models.JobPayload, log *logging.Logger) error {
	opts := job.Options.WithDefaults()
	size := opts.BatchSize
	results := make([]models.RenderResult, 0, job.TotalItems)

	switch job.Status {
	case models.JobStatusQueued:
		started, err := w.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			now := time.Now().UTC()
			j.Status = models.JobStatusProcessing
			j.StartedAt = &now
			return nil
		})
		if store.IsTerminal(err) {
			return errStopped
		}
		if err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		job = started
		log.Info("Job started", logging.Fields{"total_items": job.TotalItems, "batch_size": size})

	case models.JobStatusProcessing:
		done := (job.Processed + size - 1) / size
		resumed, err := w.loadCheckpoints(ctx, job.ID, done)
		if err != nil {
			return err
		}
		results = resumed
		log.Info("Resuming job", logging.Fields{"processed": job.Processed, "batches_done": done})
	}

	for start := len(results); start < job.TotalItems; start += size {
		end := start + size
		if end > job.TotalItems {
			end = job.TotalItems
		}
		batch := start / size

		current, err := w.store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to read job at batch %d: %w", batch, err)
		}
		if current.Status == models.JobStatusCancelled {
			log.Info("Job cancelled, stopping", logging.Fields{"processed": current.Processed})
			return errStopped
		}
		if models.IsTerminalState(current.Status) {
			return errStopped
		}

		batchResults, err := w.processBatch(ctx, job.ID, batch, start, p.Items[start:end], opts)
		if err != nil {
			return err
		}
		results = append(results, batchResults...)

		succeeded, failed := tally(results)
		if _, err := w.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Processed = len(results)
			j.Succeeded = succeeded
			j.Failed = failed
			return nil
		}); err != nil {
			if store.IsTerminal(err) {
				log.Info("Job stopped during batch, discarding its results", logging.Fields{"batch": batch})
				return errStopped
			}
			return fmt.Errorf("failed to record batch %d: %w", batch, err)
		}

		bs, bf := tally(batchResults)
		w.metrics.ItemsRendered(bs, bf)
		log.Debug("Batch complete", logging.Fields{"batch": batch, "processed": len(results)})

		if end < job.TotalItems && w.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.BatchDelay):
			}
		}
	}

	return w.finish(ctx, job, results, log)
}

func (w *Worker) finish(ctx context.Context, job *models.Job, results []models.RenderResult, log *logging.Logger) error {
	ref, err := w.builder.Build(ctx, job.ID, results)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Permanent(fmt.Errorf("artifact build failed: %w", err))
	}

	done, err := w.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusCompleted
		j.CompletedAt = &now
		j.ArtifactRef = ref
		return nil
	})
	if store.IsTerminal(err) {
		return errStopped
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	w.metrics.JobFinished(string(done.Status), elapsed(done.StartedAt))
	log.Info("Job completed", logging.Fields{
		"succeeded": done.Succeeded,
		"failed":    done.Failed,
		"entries":   ref.Entries,
		"omitted":   ref.Omitted,
	})
	return nil
}

// processBatch renders items concurrently, stores each image and then the
// batch checkpoint. Render errors stay in-band; storage errors fail the batch.
func (w *Worker) processBatch(ctx context.Context, jobID string, batch, offset int, items []models.WorkItem, opts models.JobOptions) ([]models.RenderResult, error) {
	ctx, span := w.tracer.Start(ctx, "worker.batch", trace.WithAttributes(
		attribute.Int("batch.index", batch),
		attribute.Int("batch.size", len(items)),
	))
	defer span.End()

	results := make([]models.RenderResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.RenderConcurrency)

	for i := range items {
		i := i
		g.Go(func() error {
			index := offset + i
			r, err := w.renderOne(gctx, jobID, index, items[i], opts)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := json.Marshal(results)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode checkpoint: %w", err))
	}
	if err := w.blobs.Put(ctx, blob.CheckpointKey(jobID, batch), data); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint for batch %d: %w", batch, err)
	}
	return results, nil
}

func (w *Worker) renderOne(ctx context.Context, jobID string, index int, item models.WorkItem, opts models.JobOptions) (result models.RenderResult, err error) {
	result = models.RenderResult{Index: index, Item: item}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Renderer panicked", logging.Fields{
				"job_id": jobID,
				"index":  index,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			err = retry.Permanent(fmt.Errorf("renderer panicked on item %d: %v", index, r))
		}
	}()

	rctx := ctx
	if w.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, w.cfg.ItemTimeout)
		defer cancel()
	}

	png, rerr := w.renderer.Render(rctx, item, opts)
	if rerr == nil && len(png) == 0 {
		rerr = errors.New("renderer returned no image")
	}
	if rerr != nil {
		// A cancelled parent means shutdown or a sibling failure, not a bad item
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Error = rerr.Error()
		return result, nil
	}

	key := blob.ImageKey(jobID, index)
	if err := w.blobs.Put(ctx, key, png); err != nil {
		return result, fmt.Errorf("failed to store image %d: %w", index, err)
	}
	result.Success = true
	result.ArtifactKey = key
	return result, nil
}

// loadCheckpoints reloads the results of the first n batches
func (w *Worker) loadCheckpoints(ctx context.Context, jobID string, n int) ([]models.RenderResult, error) {
	var results []models.RenderResult
	for batch := 0; batch < n; batch++ {
		data, err := w.blobs.Get(ctx, blob.CheckpointKey(jobID, batch))
		if errors.Is(err, blob.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("cannot resume: checkpoint for batch %d is missing", batch))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %d: %w", batch, err)
		}
		var part []models.RenderResult
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, retry.Permanent(fmt.Errorf("cannot resume: checkpoint for batch %d is corrupt: %w", batch, err))
		}
		results = append(results, part...)
	}
	return results, nil
}

func tally(results []models.RenderResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
