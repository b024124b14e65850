// Package scheduler admits jobs into a bounded-concurrency FIFO queue,
// drives their stages to a terminal state, and answers status queries with
// adaptive time estimates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"scenarioforge/internal/logging"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
	"scenarioforge/internal/stage"
)

// StageBuilder supplies the stage chain and duration estimate for a job.
type StageBuilder interface {
	Build(cfg queue.JobConfig) ([]stage.Handler, error)
	EstimateDuration(sourceSize int64) time.Duration
}

// Workspaces is the slice of the workspace manager the scheduler needs.
type Workspaces interface {
	Allocate(ownerID, jobID string) (string, error)
	Release(ownerID, jobID string, keep []string) error
	ResultPath(ownerID, jobID, relative string) (string, error)
	RemoveResults(ownerID, jobID string) error
}

// Recorder persists terminal jobs to the history store.
type Recorder interface {
	Record(ctx context.Context, job *queue.Job) error
}

// Notifier receives completion and failure notices for terminal jobs.
type Notifier interface {
	JobCompleted(ctx context.Context, job *queue.Job) error
	JobFailed(ctx context.Context, job *queue.Job) error
}

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent   int
	StageRetryLimit int
	MaxJobsPerOwner int
}

// Scheduler is the in-process job queue. All job mutations happen under one
// mutex; stage execution runs in per-job goroutines.
type Scheduler struct {
	cfg        Config
	builder    StageBuilder
	workspaces Workspaces
	history    Recorder
	notifier   Notifier
	logger     *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*queue.Job
	pending []string
	runs    map[string]*runState
	active  int
	closed  bool

	ratios map[string]float64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// runState tracks execution details for a processing job.
type runState struct {
	stages        []stage.Handler
	stageStart    time.Time
	stageFraction float64
}

// New constructs a scheduler. The history recorder may be nil.
func New(cfg Config, builder StageBuilder, workspaces Workspaces, history Recorder, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.StageRetryLimit < 0 {
		cfg.StageRetryLimit = 0
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		builder:    builder,
		workspaces: workspaces,
		history:    history,
		logger:     logger.With(logging.String(logging.FieldComponent, "scheduler")),
		jobs:       map[string]*queue.Job{},
		runs:       map[string]*runState{},
		ratios:     map[string]float64{},
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// SetNotifier installs a notification sink for terminal jobs. Call before
// Submit; the scheduler does not synchronize access to the field.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	OwnerID    string
	SourceName string
	SourcePath string
	SourceSize int64
	Config     queue.JobConfig
}

// Submit validates the request, admits the job at the FIFO tail, and starts
// it immediately when a concurrency slot is free.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*queue.Job, error) {
	if req.OwnerID == "" {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "owner id is required", nil)
	}
	if req.SourcePath == "" {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "source path is required", nil)
	}
	if _, err := s.builder.Build(req.Config); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, services.Wrap(services.ErrInvalidState, "", "submit", "scheduler is shutting down", nil)
	}
	if s.cfg.MaxJobsPerOwner > 0 {
		activeForOwner := 0
		for _, job := range s.jobs {
			if job.OwnerID == req.OwnerID && job.Status.IsActive() {
				activeForOwner++
			}
		}
		if activeForOwner >= s.cfg.MaxJobsPerOwner {
			return nil, services.Wrap(services.ErrResource, "", "submit",
				fmt.Sprintf("owner has %d active jobs, limit is %d", activeForOwner, s.cfg.MaxJobsPerOwner), nil)
		}
	}

	job := queue.NewJob(req.OwnerID, req.SourceName, req.SourceSize, req.Config)
	job.SourcePath = req.SourcePath
	job.EstimatedDuration = s.builder.EstimateDuration(req.SourceSize)
	s.jobs[job.ID] = job
	s.pending = append(s.pending, job.ID)

	s.logger.Info("job admitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldOwnerID, job.OwnerID),
		logging.String("variant", job.Config.Variant),
		logging.Int("position", len(s.pending)))

	s.dispatchLocked()
	return job.Clone(), nil
}

// dispatchLocked starts pending jobs while concurrency slots are free.
// Callers must hold s.mu.
func (s *Scheduler) dispatchLocked() {
	for s.active < s.cfg.MaxConcurrent && len(s.pending) > 0 && !s.closed {
		jobID := s.pending[0]
		s.pending = s.pending[1:]
		job, ok := s.jobs[jobID]
		if !ok || job.Status != queue.StatusPending {
			continue
		}

		stages, err := s.builder.Build(job.Config)
		if err != nil {
			// Config validated at submit; a failure here means the builder
			// lost a collaborator. Fail the job instead of wedging the queue.
			job.Status = queue.StatusProcessing
			started := s.now()
			job.StartedAt = &started
			s.finishLocked(job, queue.StatusFailed, services.FailureMessage(err))
			s.wg.Add(1)
			go func(job *queue.Job) {
				defer s.wg.Done()
				s.finalize(services.WithJobID(s.baseCtx, job.ID), job)
			}(job)
			continue
		}

		job.Status = queue.StatusProcessing
		started := s.now()
		job.StartedAt = &started
		job.StageCount = len(stages)
		job.StageIndex = 0
		job.StageName = stages[0].Name()
		job.Artifacts = nil

		run := &runState{stages: stages, stageStart: started}
		s.runs[job.ID] = run
		s.active++
		s.wg.Add(1)
		go s.runJob(job, run)
	}
}

// Get returns a snapshot of the job.
func (s *Scheduler) Get(jobID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "get_job", fmt.Sprintf("job %s not found", jobID), nil)
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs, newest first. An empty ownerID lists
// every owner's jobs.
func (s *Scheduler) List(ownerID string) []*queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*queue.Job
	for _, job := range s.jobs {
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel withdraws a job that has not started. Any other state is rejected;
// started jobs are retired with Stop or Remove instead.
func (s *Scheduler) Cancel(jobID string) (*queue.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, services.Wrap(services.ErrNotFound, "", "cancel", fmt.Sprintf("job %s not found", jobID), nil)
	}
	if job.Status != queue.StatusPending {
		s.mu.Unlock()
		return nil, services.Wrap(services.ErrInvalidState, "", "cancel",
			fmt.Sprintf("only pending jobs can be cancelled, job is %s", job.Status), nil)
	}
	s.removePendingLocked(jobID)
	s.finishLocked(job, queue.StatusCancelled, "")
	s.mu.Unlock()

	s.finalize(services.WithJobID(context.Background(), jobID), job)

	s.mu.Lock()
	defer s.mu.Unlock()
	return job.Clone(), nil
}

// Stop halts a processing job at the next stage boundary. The job keeps its
// workspace and can be restarted.
func (s *Scheduler) Stop(jobID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "stop", fmt.Sprintf("job %s not found", jobID), nil)
	}
	if job.Status != queue.StatusProcessing {
		return nil, services.Wrap(services.ErrInvalidState, "", "stop",
			fmt.Sprintf("only processing jobs can be stopped, job is %s", job.Status), nil)
	}
	job.StopRequested = true
	s.logger.Info("stop requested", logging.String(logging.FieldJobID, jobID))
	return job.Clone(), nil
}

// Restart re-enqueues a stopped job at the FIFO tail. Work restarts from the
// first stage.
func (s *Scheduler) Restart(jobID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "", "restart", fmt.Sprintf("job %s not found", jobID), nil)
	}
	if job.Status != queue.StatusStopped {
		return nil, services.Wrap(services.ErrInvalidState, "", "restart",
			fmt.Sprintf("only stopped jobs can be restarted, job is %s", job.Status), nil)
	}
	if s.closed {
		return nil, services.Wrap(services.ErrInvalidState, "", "restart", "scheduler is shutting down", nil)
	}

	job.Status = queue.StatusPending
	job.StageIndex = 0
	job.StageName = ""
	job.Progress = 0
	job.ErrorMessage = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.StopRequested = false
	job.CancelRequested = false
	job.Artifacts = nil
	s.pending = append(s.pending, jobID)

	s.logger.Info("job restarted",
		logging.String(logging.FieldJobID, jobID),
		logging.Int("position", len(s.pending)))

	s.dispatchLocked()
	return job.Clone(), nil
}

// Remove retires a job in any state. Pending and stopped jobs are forced to
// Cancelled and archived; a processing job is flagged and reaches Cancelled
// at its next stage boundary. Terminal jobs are deleted along with their
// preserved results.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return services.Wrap(services.ErrNotFound, "", "remove", fmt.Sprintf("job %s not found", jobID), nil)
	}
	ownerID := job.OwnerID
	forced := false
	switch job.Status {
	case queue.StatusPending:
		s.removePendingLocked(jobID)
		s.finishLocked(job, queue.StatusCancelled, "")
		forced = true
	case queue.StatusStopped:
		s.finishLocked(job, queue.StatusCancelled, "")
		forced = true
	case queue.StatusProcessing:
		// The running driver observes the flag, finishes as Cancelled, and
		// archives the job itself.
		job.CancelRequested = true
		delete(s.jobs, jobID)
		s.mu.Unlock()
		s.logger.Info("processing job flagged for removal", logging.String(logging.FieldJobID, jobID))
		return nil
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if forced {
		s.finalize(services.WithJobID(context.Background(), jobID), job)
	}
	if err := s.workspaces.Release(ownerID, jobID, nil); err != nil {
		return err
	}
	return s.workspaces.RemoveResults(ownerID, jobID)
}

// SweepTerminal drops terminal jobs whose completion is older than the
// retention window. Their results stay on disk for the history store.
func (s *Scheduler) SweepTerminal(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		removed++
	}
	if removed > 0 {
		s.logger.Info("terminal jobs swept", logging.Int("removed", removed))
	}
	return removed
}

// LiveJobIDs returns the IDs of jobs whose workspaces must be preserved.
func (s *Scheduler) LiveJobIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]struct{}, len(s.jobs))
	for id := range s.jobs {
		live[id] = struct{}{}
	}
	return live
}

// Close stops admitting jobs and waits for running jobs to reach a stage
// boundary, up to the context deadline.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, jobID := range s.pending {
		if job, ok := s.jobs[jobID]; ok && job.Status == queue.StatusPending {
			job.StopRequested = true
		}
	}
	for id := range s.runs {
		if job, ok := s.jobs[id]; ok {
			job.StopRequested = true
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
	return nil
}

func (s *Scheduler) removePendingLocked(jobID string) {
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
