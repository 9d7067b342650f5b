package models

import (
	"math"
	"time"
)

// JobStatus represents the status of a bulk job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

const (
	// MaxItemsPerJob is the largest batch a single submission may carry
	MaxItemsPerJob = 10000

	DefaultBatchSize = 100
	MaxBatchSize     = 1000

	// DefaultItemCostEstimate is the static per-item cost used for estimatedCompletion
	DefaultItemCostEstimate = 50 * time.Millisecond
)

// Job is the lifecycle record of one accepted bulk request
type Job struct {
	ID                  string            `json:"id"`
	Status              JobStatus         `json:"status"`
	TotalItems          int               `json:"total_items"`
	Processed           int               `json:"processed"`
	Succeeded           int               `json:"succeeded"`
	Failed              int               `json:"failed"`
	ProgressPercent     int               `json:"progress_percent"`
	Options             JobOptions        `json:"options"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	EstimatedCompletion time.Time         `json:"estimated_completion"`
	Error               string            `json:"error,omitempty"`
	ArtifactRef         *ArtifactRef      `json:"artifact_ref,omitempty"`
	StateTransitions    []StateTransition `json:"state_transitions,omitempty"`
}

// JobOptions is the configuration snapshot captured at submission
type JobOptions struct {
	Type      string        `json:"type" yaml:"type" validate:"omitempty,oneof=url text email phone wifi vcard"`
	Design    DesignOptions `json:"design" yaml:"design"`
	BatchSize int           `json:"batch_size" yaml:"batch_size" validate:"gte=0,lte=1000"`
}

// DesignOptions controls how each QR image is drawn
type DesignOptions struct {
	Foreground    string `json:"foreground,omitempty" yaml:"foreground" validate:"omitempty,hexcolor"`
	Background    string `json:"background,omitempty" yaml:"background" validate:"omitempty,hexcolor"`
	Size          int    `json:"size,omitempty" yaml:"size" validate:"omitempty,gte=64,lte=2048"`
	RecoveryLevel string `json:"recovery_level,omitempty" yaml:"recovery_level" validate:"omitempty,oneof=L M Q H"`
	DisableBorder bool   `json:"disable_border,omitempty" yaml:"disable_border"`
}

// WorkItem is one unit of input within a job
type WorkItem struct {
	Payload     string `json:"payload" yaml:"payload" validate:"required,max=2953"`
	Label       string `json:"label,omitempty" yaml:"label" validate:"max=200"`
	Destination string `json:"destination,omitempty" yaml:"destination" validate:"omitempty,url"`
	Group       string `json:"group,omitempty" yaml:"group" validate:"max=100"`
}

// RenderResult is the outcome of rendering a single work item
type RenderResult struct {
	Index       int      `json:"index"`
	Item        WorkItem `json:"item"`
	Success     bool     `json:"success"`
	ArtifactKey string   `json:"artifact_key,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ArtifactRef points at the packaged outputs of a completed job
type ArtifactRef struct {
	ManifestKey string `json:"manifest_key"`
	ArchiveKey  string `json:"archive_key"`
	Entries     int    `json:"entries"`
	Omitted     int    `json:"omitted"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// JobPayload is what travels over the queue for one job
type JobPayload struct {
	JobID   string     `json:"job_id"`
	Items   []WorkItem `json:"items"`
	Options JobOptions `json:"options"`
}

// WithDefaults fills zero-valued options
func (o JobOptions) WithDefaults() JobOptions {
	if o.Type == "" {
		o.Type = "url"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.Design.Size == 0 {
		o.Design.Size = 256
	}
	if o.Design.RecoveryLevel == "" {
		o.Design.RecoveryLevel = "M"
	}
	if o.Design.Foreground == "" {
		o.Design.Foreground = "#000000"
	}
	if o.Design.Background == "" {
		o.Design.Background = "#ffffff"
	}
	return o
}

// ComputeProgress returns round(processed / total * 100)
func ComputeProgress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// EstimateCompletion returns the advisory finish time for a job of n items
func EstimateCompletion(createdAt time.Time, n int, perItem time.Duration) time.Time {
	if perItem <= 0 {
		perItem = DefaultItemCostEstimate
	}
	return createdAt.Add(time.Duration(n) * perItem)
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ArtifactRef != nil {
		ref := *j.ArtifactRef
		c.ArtifactRef = &ref
	}
	if j.StateTransitions != nil {
		c.StateTransitions = make([]StateTransition, len(j.StateTransitions))
		copy(c.StateTransitions, j.StateTransitions)
	}
	return &c
}

// JobSummary is the client view of a job
type JobSummary struct {
	ID                  string       `json:"id"`
	Status              JobStatus    `json:"status"`
	TotalItems          int          `json:"total_items"`
	Processed           int          `json:"processed"`
	Succeeded           int          `json:"succeeded"`
	Failed              int          `json:"failed"`
	ProgressPercent     int          `json:"progress_percent"`
	Options             JobOptions   `json:"options"`
	CreatedAt           time.Time    `json:"created_at"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	EstimatedCompletion time.Time    `json:"estimated_completion"`
	Error               string       `json:"error,omitempty"`
	ArtifactRef         *ArtifactRef `json:"artifact_ref,omitempty"`
}

// Summary converts a job record into its client view
func (j *Job) Summary() JobSummary {
	c := j.Clone()
	return JobSummary{
		ID:                  c.ID,
		Status:              c.Status,
		TotalItems:          c.TotalItems,
		Processed:           c.Processed,
		Succeeded:           c.Succeeded,
		Failed:              c.Failed,
		ProgressPercent:     c.ProgressPercent,
		Options:             c.Options,
		CreatedAt:           c.CreatedAt,
		StartedAt:           c.StartedAt,
		CompletedAt:         c.CompletedAt,
		EstimatedCompletion: c.EstimatedCompletion,
		Error:               c.Error,
		ArtifactRef:         c.ArtifactRef,
	}
}
