package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/metrics"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/psantana5/qrbatch/pkg/store"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Retention       time.Duration `mapstructure:"retention"`
	Interval        time.Duration `mapstructure:"interval"`
	VacuumInterval  time.Duration `mapstructure:"vacuum_interval"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	DeleteBatchSize int           `mapstructure:"delete_batch_size"`
	BatchPause      time.Duration `mapstructure:"batch_pause"`
}

// DefaultConfig returns the retention defaults: 7 days, swept daily
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       7 * 24 * time.Hour,
		Interval:        24 * time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		InitialDelay:    5 * time.Minute,
		DeleteBatchSize: 100,
		BatchPause:      100 * time.Millisecond,
	}
}

// Store is the slice of the registry the sweeper needs
type Store interface {
	GetJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	Vacuum() error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalJobsDeleted    int64         `json:"total_jobs_deleted"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastVacuumDuration  time.Duration `json:"last_vacuum_duration"`
	LastErrors          int           `json:"last_errors"`
}

// Manager periodically removes terminal jobs past the retention horizon
// together with every blob under their jobs/<id>/ prefix
type Manager struct {
	config  Config
	store   Store
	blobs   blob.Store
	metrics *metrics.Recorder
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu sync.Mutex
	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a new cleanup manager
func NewManager(config Config, s Store, blobs blob.Store, rec *metrics.Recorder, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	def := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.VacuumInterval <= 0 {
		config.VacuumInterval = def.VacuumInterval
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = def.DeleteBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		store:   s,
		blobs:   blobs,
		metrics: rec,
		logger:  logger.WithComponent("cleanup"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the automatic cleanup process
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", logging.Fields{
		"retention": m.config.Retention.String(),
		"interval":  m.config.Interval.String(),
	})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.vacuumLoop()
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	if m.config.InitialDelay > 0 {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.config.InitialDelay):
		}
	}
	m.CleanupNow(m.ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CleanupNow(m.ctx)
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.VacuumNow()
		}
	}
}

// CleanupNow runs one sweep and returns the number of jobs removed.
// Overlapping calls are serialized.
func (m *Manager) CleanupNow(ctx context.Context) int {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	startTime := time.Now()
	cutoff := startTime.Add(-m.config.Retention)
	deleted, failures := 0, 0

	for _, status := range []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		n, errs, err := m.sweepStatus(ctx, status, cutoff)
		deleted += n
		failures += errs
		if err != nil {
			failures++
			m.logger.Error("Error listing jobs for cleanup", logging.Fields{"status": string(status), "error": err.Error()})
		}
	}

	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.stats.LastErrors = failures
	m.mu.Unlock()

	m.metrics.JobsSwept(deleted)
	m.logger.Info("Job cleanup complete", logging.Fields{
		"deleted":  deleted,
		"errors":   failures,
		"duration": duration.String(),
	})
	return deleted
}

func (m *Manager) sweepStatus(ctx context.Context, status models.JobStatus, cutoff time.Time) (int, int, error) {
	jobs, err := m.store.GetJobs(ctx, status)
	if err != nil {
		return 0, 0, err
	}

	deleted, failures := 0, 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return deleted, failures, nil
		}
		if !models.IsTerminalState(job.Status) {
			continue
		}

		// Use CompletedAt if available, otherwise CreatedAt
		compareTime := job.CreatedAt
		if job.CompletedAt != nil {
			compareTime = *job.CompletedAt
		}
		if !compareTime.Before(cutoff) {
			continue
		}

		if m.blobs != nil {
			if err := m.blobs.DeletePrefix(ctx, blob.JobPrefix(job.ID)); err != nil {
				m.logger.Warn("Failed to delete job artifacts, will retry next sweep", logging.Fields{
					"job_id": job.ID, "error": err.Error(),
				})
				failures++
				continue
			}
		}
		if err := m.store.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, store.ErrJobNotFound) {
			m.logger.Warn("Failed to delete job", logging.Fields{"job_id": job.ID, "error": err.Error()})
			failures++
			continue
		}
		deleted++

		// Rate limit deletions to avoid overloading the database
		if m.config.BatchPause > 0 && deleted%m.config.DeleteBatchSize == 0 {
			select {
			case <-ctx.Done():
				return deleted, failures, nil
			case <-time.After(m.config.BatchPause):
			}
		}
	}
	return deleted, failures, nil
}

// VacuumNow performs database maintenance
func (m *Manager) VacuumNow() {
	startTime := time.Now()
	if err := m.store.Vacuum(); err != nil {
		m.logger.Error("Database vacuum failed", logging.Fields{"error": err.Error()})
		return
	}

	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", logging.Fields{"duration": duration.String()})
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
