package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/qrbatch/pkg/models"
)

// newJob builds a fresh Queued record
func newJob(totalItems int, opts models.JobOptions, perItem time.Duration) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:                  uuid.New().String(),
		Status:              models.JobStatusQueued,
		TotalItems:          totalItems,
		Options:             opts,
		CreatedAt:           now,
		EstimatedCompletion: models.EstimateCompletion(now, totalItems, perItem),
	}
}

// applyUpdate runs fn against a copy of current and enforces the registry
// rules every backend shares: terminal records are frozen, identity fields
// are immutable, status changes follow the FSM, processed never decreases,
// and the counter invariants hold. The returned job is what gets persisted.
func applyUpdate(current *models.Job, fn Mutator) (*models.Job, error) {
	if models.IsTerminalState(current.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, current.ID, current.Status)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// Identity and submission snapshot never change
	next.ID = current.ID
	next.TotalItems = current.TotalItems
	next.Options = current.Options
	next.CreatedAt = current.CreatedAt
	next.EstimatedCompletion = current.EstimatedCompletion
	next.StateTransitions = current.Clone().StateTransitions

	if next.Status != current.Status {
		if err := models.ValidateTransition(current.Status, next.Status); err != nil {
			return nil, err
		}
		next.StateTransitions = append(next.StateTransitions, models.StateTransition{
			From:      current.Status,
			To:        next.Status,
			Timestamp: time.Now().UTC(),
			Reason:    next.Error,
		})
	}

	if next.Processed < current.Processed {
		return nil, fmt.Errorf("%w: processed went from %d to %d",
			models.ErrInvariant, current.Processed, next.Processed)
	}

	next.ProgressPercent = models.ComputeProgress(next.Processed, next.TotalItems)
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	return next, nil
}
