// Package stage defines the contract pipeline stages implement and the
// execution context they receive.
package stage

import (
	"context"
	"log/slog"
	"time"

	"scenarioforge/internal/queue"
)

// Handler is a single unit of pipeline work. Implementations must be safe to
// call for different jobs concurrently.
type Handler interface {
	// Name identifies the stage in logs and status reports.
	Name() string

	// ExpectedDuration returns the baseline duration estimate for the stage
	// given the job being processed. Estimates feed queue wait projections
	// and are scaled by observed runtimes.
	ExpectedDuration(job *queue.Job) time.Duration

	// Run executes the stage. Implementations honor ctx cancellation on
	// blocking calls and report fatal versus transient failures through the
	// services error markers.
	Run(ctx context.Context, exec *Execution) error
}

// Execution carries everything a stage needs: the job snapshot, the
// workspace root it may write under, and a progress callback scoped to the
// stage's share of the overall job.
type Execution struct {
	Job       *queue.Job
	Workspace string
	Logger    *slog.Logger

	// Values holds intermediate results passed between stages of one run.
	// It is discarded on stop and rebuilt on restart.
	Values map[string]any

	// ReportProgress accepts a fraction in [0, 1] of this stage's work.
	ReportProgress func(fraction float64)

	// AddArtifact registers a named output file for the job.
	AddArtifact func(artifact queue.Artifact)
}

// Progress is a nil-safe wrapper around ReportProgress.
func (e *Execution) Progress(fraction float64) {
	if e.ReportProgress != nil {
		e.ReportProgress(fraction)
	}
}

// Artifact is a nil-safe wrapper around AddArtifact.
func (e *Execution) Artifact(artifact queue.Artifact) {
	if e.AddArtifact != nil {
		e.AddArtifact(artifact)
	}
}
