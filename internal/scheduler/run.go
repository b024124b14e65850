package scheduler

import (
	"context"
	"time"

	"scenarioforge/internal/logging"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
	"scenarioforge/internal/stage"
)

// runJob drives one job from its first stage to a terminal state or a stop.
// Cancel and stop flags are honored at stage boundaries only.
func (s *Scheduler) runJob(job *queue.Job, run *runState) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.runs, job.ID)
		s.active--
		s.dispatchLocked()
		s.mu.Unlock()
	}()

	ctx := services.WithOwnerID(services.WithJobID(s.baseCtx, job.ID), job.OwnerID)
	logger := logging.WithContext(ctx, s.logger)

	workspaceDir, err := s.workspaces.Allocate(job.OwnerID, job.ID)
	if err != nil {
		logger.Error("workspace allocation failed", logging.Error(err))
		s.mu.Lock()
		s.finishLocked(job, queue.StatusFailed, services.FailureMessage(err))
		s.mu.Unlock()
		s.finalize(ctx, job)
		return
	}

	values := map[string]any{}
	total := len(run.stages)
	terminal := queue.StatusCompleted
	errorMessage := ""

	for i := 0; i < total; i++ {
		s.mu.Lock()
		if job.CancelRequested {
			s.mu.Unlock()
			terminal = queue.StatusCancelled
			break
		}
		if job.StopRequested {
			job.Status = queue.StatusStopped
			job.StopRequested = false
			s.mu.Unlock()
			logger.Info("job stopped", logging.String(logging.FieldStage, run.stages[i].Name()))
			return
		}
		job.StageIndex = i
		job.StageName = run.stages[i].Name()
		run.stageStart = s.now()
		run.stageFraction = 0
		s.mu.Unlock()

		stageCtx := services.WithStage(ctx, run.stages[i].Name())
		err := s.runStage(stageCtx, job, run, run.stages[i], values, i, total, workspaceDir)
		if err != nil {
			s.mu.Lock()
			cancelled := job.CancelRequested
			s.mu.Unlock()
			if cancelled {
				terminal = queue.StatusCancelled
			} else {
				terminal = queue.StatusFailed
				errorMessage = services.FailureMessage(err)
				logging.WithContext(stageCtx, s.logger).Error("stage failed", logging.Error(err))
			}
			break
		}

		s.observeStageDuration(run.stages[i], job, s.now().Sub(run.stageStart))
		s.mu.Lock()
		job.AdvanceProgress(float64(i+1) / float64(total))
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.finishLocked(job, terminal, errorMessage)
	s.mu.Unlock()
	s.finalize(ctx, job)
}

// runStage executes one stage, retrying transient failures up to the
// configured limit. Errors that survive the retries fail the job.
func (s *Scheduler) runStage(ctx context.Context, job *queue.Job, run *runState, handler stage.Handler, values map[string]any, index, total int, workspaceDir string) error {
	base := float64(index) / float64(total)
	span := 1 / float64(total)

	exec := &stage.Execution{
		Job:       job,
		Workspace: workspaceDir,
		Logger:    logging.WithContext(ctx, s.logger),
		Values:    values,
		ReportProgress: func(fraction float64) {
			if fraction < 0 {
				fraction = 0
			}
			if fraction > 1 {
				fraction = 1
			}
			s.mu.Lock()
			run.stageFraction = fraction
			job.AdvanceProgress(base + fraction*span)
			s.mu.Unlock()
		},
		AddArtifact: func(artifact queue.Artifact) {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i := range job.Artifacts {
				if job.Artifacts[i].Name == artifact.Name {
					job.Artifacts[i] = artifact
					return
				}
			}
			job.Artifacts = append(job.Artifacts, artifact)
		},
	}

	attempts := s.cfg.StageRetryLimit + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = handler.Run(ctx, exec)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !services.IsRetryable(err) {
			return err
		}
		if attempt < attempts {
			logging.WithContext(ctx, s.logger).Warn("stage retry",
				logging.Int("attempt", attempt),
				logging.Int("max_attempts", attempts),
				logging.Error(err))
		}
	}
	return err
}

// finishLocked moves a job into a terminal state. Callers must hold s.mu.
func (s *Scheduler) finishLocked(job *queue.Job, status queue.Status, errorMessage string) {
	if err := queue.ValidateTransition(job.Status, status); err != nil {
		s.logger.Error("transition rejected",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	job.CancelRequested = false
	job.StopRequested = false
	completed := s.now()
	job.CompletedAt = &completed
	if status == queue.StatusCompleted {
		job.Progress = 1
	}
	s.logger.Info("job finished",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("status", status.String()),
		logging.Duration("elapsed", job.Elapsed(completed)))
}

// finalize releases the job workspace and records the terminal job in
// history. Completed and failed jobs keep their declared artifacts, which
// move to the results directory; for failed jobs that preserves the output of
// every stage that finished before the failure.
func (s *Scheduler) finalize(ctx context.Context, job *queue.Job) {
	s.mu.Lock()
	status := job.Status
	artifacts := make([]queue.Artifact, len(job.Artifacts))
	copy(artifacts, job.Artifacts)
	s.mu.Unlock()

	var keep []string
	if status == queue.StatusCompleted || status == queue.StatusFailed {
		for _, artifact := range artifacts {
			keep = append(keep, artifact.Name)
		}
	}
	if err := s.workspaces.Release(job.OwnerID, job.ID, keep); err != nil {
		s.logger.Error("workspace release failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	} else if len(keep) > 0 {
		s.mu.Lock()
		for i := range job.Artifacts {
			if path, err := s.workspaces.ResultPath(job.OwnerID, job.ID, job.Artifacts[i].Name); err == nil {
				job.Artifacts[i].Path = path
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	snapshot := job.Clone()
	s.mu.Unlock()

	if s.history != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.history.Record(recordCtx, snapshot); err != nil {
			s.logger.Error("history record failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}

	s.notify(ctx, snapshot)
}

// notify pushes a completion or failure notice for terminal jobs.
func (s *Scheduler) notify(ctx context.Context, job *queue.Job) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	var err error
	switch job.Status {
	case queue.StatusCompleted:
		err = s.notifier.JobCompleted(notifyCtx, job)
	case queue.StatusFailed:
		err = s.notifier.JobFailed(notifyCtx, job)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("notification failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}

// observeStageDuration folds a completed stage's runtime into the adaptive
// ratio used by later estimates.
func (s *Scheduler) observeStageDuration(handler stage.Handler, job *queue.Job, observed time.Duration) {
	expected := handler.ExpectedDuration(job)
	if expected <= 0 || observed < 0 {
		return
	}
	sample := float64(observed) / float64(expected)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.ratios[handler.Name()]; ok {
		s.ratios[handler.Name()] = 0.7*current + 0.3*sample
	} else {
		s.ratios[handler.Name()] = sample
	}
}
