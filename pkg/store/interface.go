package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobTerminal         = errors.New("job is in a terminal state")
	ErrJobProcessing       = errors.New("job is still processing")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Mutator edits a private copy of a job inside Update. Returning an error
// aborts the update and leaves the stored record untouched.
type Mutator func(job *models.Job) error

// ListFilter narrows List results
type ListFilter struct {
	Status models.JobStatus
}

// Store defines the interface for the job registry.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, totalItems int, opts models.JobOptions) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, fn Mutator) (*models.Job, error)
	ListJobs(ctx context.Context, filter ListFilter, page, limit int) ([]*models.Job, int, error)
	DeleteJob(ctx context.Context, id string) error
	GetJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn"`

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite specific
	Path string `mapstructure:"path"`

	// ItemCostEstimate feeds estimatedCompletion; zero means the package default
	ItemCostEstimate time.Duration `mapstructure:"item_cost_estimate"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(config.ItemCostEstimate), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "qrbatch.db"
		}
		return NewSQLiteStore(path, config.ItemCostEstimate)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// normalizePage applies List paging defaults: 1-based pages, limit 20, max 100
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
