package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
)

const memoryShards = 64

// MemoryStore is an in-memory implementation of the job registry.
// Writers for the same job id serialize on a shard lock; the map itself
// only ever sees short critical sections.
type MemoryStore struct {
	jobs    map[string]*models.Job
	jobsMu  sync.RWMutex
	shards  [memoryShards]sync.Mutex
	perItem time.Duration
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(perItem time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		perItem: perItem,
	}
}

func (s *MemoryStore) shard(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%memoryShards]
}

// CreateJob adds a new Queued job to the store
func (s *MemoryStore) CreateJob(ctx context.Context, totalItems int, opts models.JobOptions) (*models.Job, error) {
	job := newJob(totalItems, opts, s.perItem)

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	return job.Clone(), nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob performs an atomic read-modify-write on one job
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, fn Mutator) (*models.Job, error) {
	mu := s.shard(id)
	mu.Lock()
	defer mu.Unlock()

	s.jobsMu.RLock()
	current, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}

	s.jobsMu.Lock()
	s.jobs[id] = next
	s.jobsMu.Unlock()

	return next.Clone(), nil
}

// ListJobs returns one page of jobs, newest first, plus the filtered total
func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter, page, limit int) ([]*models.Job, int, error) {
	page, limit = normalizePage(page, limit)

	s.jobsMu.RLock()
	matched := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	s.jobsMu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []*models.Job{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*models.Job, 0, end-start)
	for _, job := range matched[start:end] {
		out = append(out, job.Clone())
	}
	return out, total, nil
}

// GetJobs returns every job in the given status
func (s *MemoryStore) GetJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

// DeleteJob removes a job unless it is still processing
func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	mu := s.shard(id)
	mu.Lock()
	defer mu.Unlock()

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == models.JobStatusProcessing {
		return fmt.Errorf("%w: %s", ErrJobProcessing, id)
	}
	delete(s.jobs, id)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum() error { return nil }
