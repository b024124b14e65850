package api

import (
	"time"

	"scenarioforge/internal/history"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/scheduler"
)

// ErrorResponse is the JSON body for every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ArtifactResponse describes one downloadable output.
type ArtifactResponse struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type,omitempty"`
}

// JobResponse is the wire form of a job.
type JobResponse struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	SourceName         string             `json:"source_name"`
	SourceSize         int64              `json:"source_size"`
	Status             string             `json:"status"`
	StageIndex         int                `json:"stage_index"`
	StageCount         int                `json:"stage_count"`
	StageName          string             `json:"stage_name,omitempty"`
	Progress           float64            `json:"progress"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	Variant            string             `json:"variant"`
	QueuePosition      int                `json:"queue_position,omitempty"`
	EstimatedRemaining string             `json:"estimated_remaining,omitempty"`
	Artifacts          []ArtifactResponse `json:"artifacts,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// QueueResponse summarizes the queue. The owner fields are present only when
// the request named an owner.
type QueueResponse struct {
	MaxConcurrent      int            `json:"max_concurrent"`
	Counts             map[string]int `json:"counts"`
	Jobs               []JobResponse  `json:"jobs"`
	OwnerDiskBytes     *int64         `json:"owner_disk_bytes,omitempty"`
	OwnerEstimatedWait string         `json:"owner_estimated_wait,omitempty"`
}

// HistoryEntryResponse is one archived job.
type HistoryEntryResponse struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"owner_id"`
	SourceName   string             `json:"source_name"`
	Variant      string             `json:"variant"`
	Status       string             `json:"status"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Artifacts    []ArtifactResponse `json:"artifacts,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// HistoryResponse is the history listing body.
type HistoryResponse struct {
	Entries []HistoryEntryResponse `json:"entries"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func artifactResponses(artifacts []queue.Artifact) []ArtifactResponse {
	if len(artifacts) == 0 {
		return nil
	}
	out := make([]ArtifactResponse, len(artifacts))
	for i, artifact := range artifacts {
		out[i] = ArtifactResponse{Name: artifact.Name, Size: artifact.Size, MediaType: artifact.MediaType}
	}
	return out
}

func jobResponse(job *queue.Job) JobResponse {
	return JobResponse{
		ID:           job.ID,
		OwnerID:      job.OwnerID,
		SourceName:   job.SourceName,
		SourceSize:   job.SourceSize,
		Status:       job.Status.String(),
		StageIndex:   job.StageIndex,
		StageCount:   job.StageCount,
		StageName:    job.StageName,
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		Variant:      job.Config.Variant,
		Artifacts:    artifactResponses(job.Artifacts),
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func statusResponse(status scheduler.JobStatus) JobResponse {
	resp := jobResponse(status.Job)
	resp.QueuePosition = status.QueuePosition
	switch {
	case status.EstimateKnown:
		resp.EstimatedRemaining = status.EstimatedRemaining.Round(time.Second).String()
	case !status.Job.Status.IsTerminal():
		resp.EstimatedRemaining = "unknown"
	}
	return resp
}

func historyEntryResponse(record *history.Record) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:           record.ID,
		OwnerID:      record.OwnerID,
		SourceName:   record.SourceName,
		Variant:      record.Variant,
		Status:       record.Status.String(),
		ErrorMessage: record.ErrorMessage,
		Artifacts:    artifactResponses(record.Artifacts),
		CreatedAt:    record.CreatedAt,
		CompletedAt:  record.CompletedAt,
	}
}
