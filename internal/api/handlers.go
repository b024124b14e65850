package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"scenarioforge/internal/logging"
	"scenarioforge/internal/pipeline"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/scheduler"
	"scenarioforge/internal/services"
	"scenarioforge/internal/services/extract"
	"scenarioforge/internal/workspace"
)

// submitJSONRequest is the body for URL-based submissions.
type submitJSONRequest struct {
	OwnerID            string `json:"owner_id"`
	SourceURL          string `json:"source_url"`
	Variant            string `json:"variant,omitempty"`
	AnalyzeImages      *bool  `json:"analyze_images,omitempty"`
	CorrelateDocuments *bool  `json:"correlate_documents,omitempty"`
	Hints              string `json:"hints,omitempty"`
	Model              string `json:"model,omitempty"`
}

// handleSubmit accepts a multipart upload (field "document") or a JSON body
// with a source_url to download. Both admit the job and reply 202.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+1<<20)
	}

	contentType := r.Header.Get("Content-Type")
	var (
		req scheduler.SubmitRequest
		err error
	)
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		req, err = s.submitFromUpload(r)
	case strings.HasPrefix(contentType, "application/json"):
		req, err = s.submitFromURL(r)
	default:
		s.writeError(w, r, http.StatusUnsupportedMediaType, "expected multipart/form-data or application/json")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	job, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		os.Remove(req.SourcePath)
		s.writeServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context(), s.logger).Info("job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldOwnerID, job.OwnerID),
		logging.String("source", job.SourceName))

	status, err := s.queue.Status(job.ID)
	if err != nil {
		s.writeJSON(w, r, http.StatusAccepted, jobResponse(job))
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, statusResponse(status))
}

func (s *Server) submitFromUpload(r *http.Request) (scheduler.SubmitRequest, error) {
	var req scheduler.SubmitRequest
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, services.Wrap(services.ErrValidation, "", "parse_upload", "malformed multipart body", err)
	}

	ownerID := strings.TrimSpace(r.FormValue("owner_id"))
	if err := workspace.ValidateID(ownerID); err != nil {
		return req, err
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		return req, services.Wrap(services.ErrValidation, "", "parse_upload", "document file field is required", err)
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !extract.IsSupported(filename) {
		return req, services.Wrap(services.ErrValidation, "", "parse_upload",
			fmt.Sprintf("unsupported document type, accepted: %s", strings.Join(extract.SupportedExtensions(), " ")), nil)
	}
	if s.opts.MaxUploadBytes > 0 && header.Size > s.opts.MaxUploadBytes {
		return req, services.Wrap(services.ErrValidation, "", "parse_upload",
			fmt.Sprintf("document is %d bytes, limit is %d", header.Size, s.opts.MaxUploadBytes), nil)
	}
	if err := s.uploads.CheckQuota(ownerID, header.Size); err != nil {
		return req, err
	}

	dir, err := s.uploads.UploadsDir(ownerID)
	if err != nil {
		return req, err
	}
	destPath := filepath.Join(dir, uuid.New().String()+"_"+filename)
	dest, err := os.Create(destPath)
	if err != nil {
		return req, fmt.Errorf("store upload: %w", err)
	}
	size, err := io.Copy(dest, file)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return req, fmt.Errorf("store upload: %w", err)
	}

	req = scheduler.SubmitRequest{
		OwnerID:    ownerID,
		SourceName: filename,
		SourcePath: destPath,
		SourceSize: size,
		Config:     s.jobConfigFromForm(r),
	}
	return req, nil
}

func (s *Server) submitFromURL(r *http.Request) (scheduler.SubmitRequest, error) {
	var req scheduler.SubmitRequest
	var body submitJSONRequest
	if err := decodeJSONBody(r, &body); err != nil {
		return req, err
	}
	if err := workspace.ValidateID(strings.TrimSpace(body.OwnerID)); err != nil {
		return req, err
	}
	ownerID := strings.TrimSpace(body.OwnerID)

	dir, err := s.uploads.UploadsDir(ownerID)
	if err != nil {
		return req, err
	}
	name, path, size, err := s.download.Fetch(r.Context(), body.SourceURL, dir)
	if err != nil {
		return req, err
	}
	if err := s.uploads.CheckQuota(ownerID, size); err != nil {
		os.Remove(path)
		return req, err
	}

	cfg := s.defaultJobConfig()
	if body.Variant != "" {
		cfg.Variant = strings.ToLower(strings.TrimSpace(body.Variant))
	}
	if body.AnalyzeImages != nil {
		cfg.AnalyzeImages = *body.AnalyzeImages
	}
	if body.CorrelateDocuments != nil {
		cfg.CorrelateDocuments = *body.CorrelateDocuments
	}
	cfg.Hints = strings.TrimSpace(body.Hints)
	cfg.Model = strings.TrimSpace(body.Model)

	req = scheduler.SubmitRequest{
		OwnerID:    ownerID,
		SourceName: name,
		SourcePath: path,
		SourceSize: size,
		Config:     cfg,
	}
	return req, nil
}

func (s *Server) defaultJobConfig() queue.JobConfig {
	variant := s.opts.DefaultVariant
	if variant == "" {
		variant = pipeline.VariantStandard
	}
	return queue.JobConfig{
		Variant:            variant,
		AnalyzeImages:      s.opts.DefaultAnalyzeImages,
		CorrelateDocuments: s.opts.DefaultCorrelateDocuments,
	}
}

func (s *Server) jobConfigFromForm(r *http.Request) queue.JobConfig {
	cfg := s.defaultJobConfig()
	if variant := strings.ToLower(strings.TrimSpace(r.FormValue("variant"))); variant != "" {
		cfg.Variant = variant
	}
	if raw := r.FormValue("analyze_images"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.AnalyzeImages = value
		}
	}
	if raw := r.FormValue("correlate_documents"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.CorrelateDocuments = value
		}
	}
	cfg.Hints = strings.TrimSpace(r.FormValue("hints"))
	cfg.Model = strings.TrimSpace(r.FormValue("model"))
	return cfg
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	jobs := s.queue.List(ownerID)
	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		if status, err := s.queue.Status(job.ID); err == nil {
			responses = append(responses, statusResponse(status))
		} else {
			responses = append(responses, jobResponse(job))
		}
	}
	s.writeJSON(w, r, http.StatusOK, map[string][]JobResponse{"jobs": responses})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, statusResponse(status))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snapshot := s.queue.QueueStatus()
	resp := QueueResponse{
		MaxConcurrent: snapshot.MaxConcurrent,
		Counts:        map[string]int{},
		Jobs:          make([]JobResponse, 0, len(snapshot.Jobs)),
	}
	for status, count := range snapshot.Counts {
		resp.Counts[status.String()] = count
	}
	for _, js := range snapshot.Jobs {
		resp.Jobs = append(resp.Jobs, statusResponse(js))
	}
	if ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id")); ownerID != "" {
		usage, err := s.uploads.OwnerUsage(ownerID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp.OwnerDiskBytes = &usage
		if wait, ok := s.queue.OwnerWait(ownerID); ok {
			resp.OwnerEstimatedWait = wait.Round(time.Second).String()
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleSource serves the originally submitted document while the job is
// still in the active queue.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if job.SourcePath == "" {
		s.writeError(w, r, http.StatusNotFound, "job source is no longer available")
		return
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		s.writeError(w, r, http.StatusNotFound, "job source is no longer available")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.SourceName))
	http.ServeFile(w, r, job.SourcePath)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, jobResponse(job))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Stop(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, jobResponse(job))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Restart(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, jobResponse(job))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(chi.URLParam(r, "jobID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact serves a completed job's output. Jobs still in the queue are
// checked first, then the history archive, so downloads keep working after
// the active queue is swept.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	name := chi.URLParam(r, "name")

	var artifacts []queue.Artifact
	if job, err := s.queue.Get(jobID); err == nil {
		artifacts = job.Artifacts
	} else if s.history != nil {
		record, histErr := s.history.Get(r.Context(), jobID)
		if histErr != nil {
			s.writeServiceError(w, r, histErr)
			return
		}
		artifacts = record.Artifacts
	} else {
		s.writeServiceError(w, r, err)
		return
	}

	for _, artifact := range artifacts {
		if artifact.Name != name {
			continue
		}
		if _, err := os.Stat(artifact.Path); err != nil {
			s.writeError(w, r, http.StatusNotFound, "artifact file is no longer available")
			return
		}
		if artifact.MediaType != "" {
			w.Header().Set("Content-Type", artifact.MediaType)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeFile(w, r, artifact.Path)
		return
	}
	s.writeError(w, r, http.StatusNotFound, fmt.Sprintf("job has no artifact %q", name))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, r, http.StatusOK, HistoryResponse{Entries: []HistoryEntryResponse{}})
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.history.List(r.Context(), ownerID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entries := make([]HistoryEntryResponse, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntryResponse(record))
	}
	s.writeJSON(w, r, http.StatusOK, HistoryResponse{Entries: entries})
}

func decodeJSONBody(r *http.Request, target any) error {
	decoder := newStrictDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return services.Wrap(services.ErrValidation, "", "parse_request", "malformed JSON body", err)
	}
	return nil
}

// sanitizeFilename keeps only the base name and replaces characters that
// cannot appear in a workspace path.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "document.txt"
	}
	return cleaned
}
