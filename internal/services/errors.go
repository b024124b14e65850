package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or out-of-range caller input. Surfaced at
	// submission time; the job is never created.
	ErrValidation = errors.New("validation error")
	// ErrResource marks quota or concurrency limits being exceeded.
	ErrResource = errors.New("resource limit exceeded")
	// ErrInvalidState marks an operation requested in a state that forbids it.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound marks unknown job ids, expired history entries, and unknown
	// artifact names.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks stage failures worth retrying in place.
	ErrTransient = errors.New("transient failure")
	// ErrFatal marks stage failures that must not be retried.
	ErrFatal = errors.New("fatal failure")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether a stage error should be retried in place.
// Only errors explicitly marked transient qualify; everything else, including
// unclassified errors, escalates straight to a failed job.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// FailureMessage produces the short, stable description recorded on a failed
// job. Marker prefixes are stripped so callers see the human-readable detail
// rather than taxonomy plumbing.
func FailureMessage(err error) string {
	if err == nil {
		return "stage failed without error detail"
	}
	msg := strings.TrimSpace(err.Error())
	for _, marker := range []error{ErrFatal, ErrTransient, ErrValidation, ErrResource, ErrInvalidState, ErrNotFound} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			msg = strings.TrimSpace(strings.TrimPrefix(msg, prefix))
			break
		}
	}
	if msg == "" {
		return "stage failed without error detail"
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
