package queue

import (
	"fmt"
	"strings"
)

// Status represents a job's position in its lifecycle.
type Status string

const (
	// StatusPending marks a job admitted to the queue and waiting for a slot.
	StatusPending Status = "pending"
	// StatusProcessing marks a job whose stages are being executed.
	StatusProcessing Status = "processing"
	// StatusStopped marks a job halted at a stage boundary that may be restarted.
	StatusStopped Status = "stopped"
	// StatusCompleted marks a job that produced its artifacts.
	StatusCompleted Status = "completed"
	// StatusFailed marks a job that ended with an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusCancelled marks a job withdrawn before completion.
	StatusCancelled Status = "cancelled"
)

// ParseStatus converts a string into a Status, accepting any casing.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusStopped:
		return StatusStopped, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown job status %q", value)
	}
}

// String returns the wire form of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job in this status counts against the owner's
// active-job quota.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// Stopped jobs re-enter the queue as Pending on restart; they reach
// Processing again only through admission.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusStopped, StatusCancelled},
	StatusStopped:    {StatusPending, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error when the transition is not
// permitted by the lifecycle rules.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}
	return nil
}
