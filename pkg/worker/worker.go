package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/psantana5/qrbatch/pkg/artifact"
	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/metrics"
	"github.com/psantana5/qrbatch/pkg/queue"
	"github.com/psantana5/qrbatch/pkg/render"
	"github.com/psantana5/qrbatch/pkg/retry"
	"github.com/psantana5/qrbatch/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the consumer pool
type Config struct {
	// Concurrency is the number of payloads processed at once
	Concurrency int `mapstructure:"concurrency"`
	// RenderConcurrency bounds parallel renders inside one batch
	RenderConcurrency int `mapstructure:"render_concurrency"`
	// BatchDelay is the pause between batches; negative disables it
	BatchDelay time.Duration `mapstructure:"batch_delay"`
	// ItemTimeout bounds a single render; zero means no deadline
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
	Retry       retry.Config  `mapstructure:"retry"`
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		RenderConcurrency: 8,
		BatchDelay:        100 * time.Millisecond,
		Retry:             retry.DefaultConfig(),
	}
}

// Deps are the collaborators a worker drives
type Deps struct {
	Store    store.Store
	Queue    queue.Queue
	Renderer render.Renderer
	Blobs    blob.Store
	Builder  *artifact.Builder
	Metrics  *metrics.Recorder
	Logger   *logging.Logger
}

// Worker consumes job payloads and drives each job through its batches
type Worker struct {
	cfg      Config
	store    store.Store
	queue    queue.Queue
	renderer render.Renderer
	blobs    blob.Store
	builder  *artifact.Builder
	metrics  *metrics.Recorder
	logger   *logging.Logger
	tracer   trace.Tracer
}

// New creates a worker, filling zero config values with defaults
func New(cfg Config, deps Deps) *Worker {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RenderConcurrency <= 0 {
		cfg.RenderConcurrency = def.RenderConcurrency
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = def.BatchDelay
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	builder := deps.Builder
	if builder == nil {
		builder = artifact.NewBuilder(deps.Blobs, logger)
	}

	return &Worker{
		cfg:      cfg,
		store:    deps.Store,
		queue:    deps.Queue,
		renderer: deps.Renderer,
		blobs:    deps.Blobs,
		builder:  builder,
		metrics:  deps.Metrics,
		logger:   logger.WithComponent("worker"),
		tracer:   otel.Tracer("qrbatch/worker"),
	}
}

// Run starts Concurrency consumers and blocks until ctx is done or the queue closes
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker pool starting", logging.Fields{
		"concurrency":        w.cfg.Concurrency,
		"render_concurrency": w.cfg.RenderConcurrency,
		"batch_delay":        w.cfg.BatchDelay.String(),
	})

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("Worker pool stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, id int) {
	log := w.logger.WithField("consumer", id)
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("Dequeue failed", logging.Fields{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle processes one delivery and settles it with the queue. Transport
// failures are retried with backoff until the attempt budget runs out, at
// which point the job is marked Failed.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) {
	p := d.Payload()
	log := w.logger.WithField("job_id", p.JobID).WithField("attempt", d.Attempt())

	err := w.safeProcess(ctx, d)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutting down; leave the delivery unacked so it is handed out again
		log.Info("Stopped mid-job for shutdown")
		return
	case retry.IsPermanent(err) || w.cfg.Retry.Exhausted(d.Attempt()):
		log.Error("Job failed", logging.Fields{"error": err.Error()})
		w.fail(ctx, p.JobID, err.Error())
	default:
		delay := w.cfg.Retry.Backoff(d.Attempt())
		log.Warn("Transient failure, requeueing", logging.Fields{"error": err.Error(), "backoff": delay.String()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if rerr := d.Retry(ctx); rerr != nil {
			log.Error("Requeue failed", logging.Fields{"error": rerr.Error()})
			return
		}
		w.metrics.QueueRetry()
		return
	}

	if aerr := d.Ack(ctx); aerr != nil {
		log.Error("Ack failed", logging.Fields{"error": aerr.Error()})
	}
}

// safeProcess turns a panic anywhere in job processing into a permanent failure
func (w *Worker) safeProcess(ctx context.Context, d queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while processing job", logging.Fields{
				"job_id": d.Payload().JobID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			err = retry.Permanent(fmt.Errorf("internal error: %v", r))
		}
	}()
	return w.process(ctx, d)
}

func (w *Worker) fail(ctx context.Context, jobID, reason string) {
	job, err := store.Fail(ctx, w.store, jobID, reason)
	if err != nil {
		if !store.IsTerminal(err) && !errors.Is(err, store.ErrJobNotFound) {
			w.logger.Error("Failed to mark job failed", logging.Fields{"job_id": jobID, "error": err.Error()})
		}
		return
	}
	w.metrics.JobFinished(string(job.Status), elapsed(job.StartedAt))
}

func elapsed(since *time.Time) time.Duration {
	if since == nil {
		return 0
	}
	return time.Since(*since)
}
