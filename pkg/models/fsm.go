package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvariant         = errors.New("job invariant violated")
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (worker picks up job)
		JobStatusCancelled:  true, // Queued → Cancelled (cancelled before pickup)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (artifacts built)
		JobStatusFailed:    true, // Processing → Failed (packaging or unexpected error)
		JobStatusCancelled: true, // Processing → Cancelled (observed at batch boundary)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsValidStatus reports whether s names a known job state
func IsValidStatus(s JobStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// CheckInvariants verifies the counter and artifact rules every stored job must satisfy
func (j *Job) CheckInvariants() error {
	switch {
	case j.Processed < 0 || j.Succeeded < 0 || j.Failed < 0:
		return fmt.Errorf("%w: negative counter", ErrInvariant)
	case j.Processed > j.TotalItems:
		return fmt.Errorf("%w: processed %d exceeds total %d", ErrInvariant, j.Processed, j.TotalItems)
	case j.Succeeded+j.Failed != j.Processed:
		return fmt.Errorf("%w: succeeded %d + failed %d != processed %d",
			ErrInvariant, j.Succeeded, j.Failed, j.Processed)
	case (j.ArtifactRef != nil) != (j.Status == JobStatusCompleted):
		return fmt.Errorf("%w: artifact ref must be set iff completed", ErrInvariant)
	}
	return nil
}
