package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobConfig is the immutable per-job option snapshot taken at submission.
// Later changes to daemon defaults never affect an already-admitted job.
type JobConfig struct {
	Variant            string `json:"variant"`
	AnalyzeImages      bool   `json:"analyze_images"`
	CorrelateDocuments bool   `json:"correlate_documents"`
	Hints              string `json:"hints,omitempty"`
	Model              string `json:"model,omitempty"`
}

// Artifact describes a named output produced by a completed stage.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	MediaType string    `json:"media_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is the record tracked for every submitted document. Fields are mutated
// only while holding the scheduler's lock; callers outside the scheduler see
// copies.
type Job struct {
	ID         string
	OwnerID    string
	SourceName string
	SourceSize int64
	SourcePath string

	Status       Status
	StageIndex   int
	StageCount   int
	StageName    string
	Progress     float64
	ErrorMessage string

	Config    JobConfig
	Artifacts []Artifact

	EstimatedDuration time.Duration

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	CancelRequested bool
	StopRequested   bool
}

// NewJob builds a pending job with a fresh identifier.
func NewJob(ownerID, sourceName string, sourceSize int64, cfg JobConfig) *Job {
	return &Job{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		SourceName: sourceName,
		SourceSize: sourceSize,
		Status:     StatusPending,
		Config:     cfg,
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy safe to hand to callers outside the scheduler.
func (j *Job) Clone() *Job {
	clone := *j
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		clone.CompletedAt = &completed
	}
	if len(j.Artifacts) > 0 {
		clone.Artifacts = make([]Artifact, len(j.Artifacts))
		copy(clone.Artifacts, j.Artifacts)
	}
	return &clone
}

// AdvanceProgress raises the progress fraction, never lowering it. Values are
// clamped to [0, 1].
func (j *Job) AdvanceProgress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction > j.Progress {
		j.Progress = fraction
	}
}

// Elapsed returns how long the job has been processing, or zero before start.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

// FindArtifact returns the named artifact, if present.
func (j *Job) FindArtifact(name string) (Artifact, bool) {
	for _, artifact := range j.Artifacts {
		if artifact.Name == name {
			return artifact, true
		}
	}
	return Artifact{}, false
}
