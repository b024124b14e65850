package scheduler

import (
	"fmt"
	"sort"
	"time"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
)

// JobStatus pairs a job snapshot with its time estimate. EstimateKnown is
// false when no projection can be made, which callers render as "unknown"
// rather than zero.
type JobStatus struct {
	Job                *queue.Job
	QueuePosition      int
	EstimatedRemaining time.Duration
	EstimateKnown      bool
}

// QueueSnapshot summarizes the whole queue.
type QueueSnapshot struct {
	MaxConcurrent int
	Counts        map[queue.Status]int
	Jobs          []JobStatus
}

// Status reports a single job with its estimated remaining time.
func (s *Scheduler) Status(jobID string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return JobStatus{}, services.Wrap(services.ErrNotFound, "", "status", fmt.Sprintf("job %s not found", jobID), nil)
	}
	return s.statusLocked(job), nil
}

// QueueStatus reports every tracked job: processing first, then pending in
// queue order, then the rest newest first.
func (s *Scheduler) QueueStatus() QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := QueueSnapshot{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Counts:        map[queue.Status]int{},
	}
	for _, job := range s.jobs {
		snapshot.Counts[job.Status]++
	}

	var processing, rest []JobStatus
	pendingSeen := map[string]struct{}{}
	for _, id := range s.pending {
		if job, ok := s.jobs[id]; ok && job.Status == queue.StatusPending {
			pendingSeen[id] = struct{}{}
			snapshot.Jobs = append(snapshot.Jobs, s.statusLocked(job))
		}
	}
	for _, job := range s.jobs {
		if _, ok := pendingSeen[job.ID]; ok {
			continue
		}
		status := s.statusLocked(job)
		if job.Status == queue.StatusProcessing {
			processing = append(processing, status)
		} else {
			rest = append(rest, status)
		}
	}
	sort.Slice(processing, func(i, j int) bool {
		return startedBefore(processing[i].Job, processing[j].Job)
	})
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Job.CreatedAt.After(rest[j].Job.CreatedAt)
	})
	snapshot.Jobs = append(processing, append(snapshot.Jobs, rest...)...)
	return snapshot
}

func startedBefore(a, b *queue.Job) bool {
	switch {
	case a.StartedAt == nil:
		return false
	case b.StartedAt == nil:
		return true
	default:
		return a.StartedAt.Before(*b.StartedAt)
	}
}

// statusLocked builds the JobStatus for one job. Callers must hold s.mu.
func (s *Scheduler) statusLocked(job *queue.Job) JobStatus {
	status := JobStatus{Job: job.Clone()}
	switch job.Status {
	case queue.StatusProcessing:
		if remaining, ok := s.remainingLocked(job); ok {
			status.EstimatedRemaining = remaining
			status.EstimateKnown = true
		}
	case queue.StatusPending:
		position, wait, ok := s.pendingWaitLocked(job.ID)
		status.QueuePosition = position
		if ok && job.EstimatedDuration > 0 {
			status.EstimatedRemaining = wait + job.EstimatedDuration
			status.EstimateKnown = true
		}
	}
	return status
}

// remainingLocked projects how much processing time a running job has left:
// the unfinished share of the current stage plus every later stage, each
// scaled by the observed/expected ratio for that stage.
func (s *Scheduler) remainingLocked(job *queue.Job) (time.Duration, bool) {
	run, ok := s.runs[job.ID]
	if !ok || len(run.stages) == 0 {
		return 0, false
	}
	var remaining time.Duration
	for i := job.StageIndex; i < len(run.stages); i++ {
		expected := s.scaledExpectedLocked(run.stages[i].Name(), run.stages[i].ExpectedDuration(job))
		if i == job.StageIndex {
			left := expected - time.Duration(float64(expected)*run.stageFraction)
			elapsed := s.now().Sub(run.stageStart)
			// An overdue stage never drives the estimate negative.
			if byClock := expected - elapsed; byClock < left {
				left = byClock
			}
			if left < 0 {
				left = 0
			}
			remaining += left
			continue
		}
		remaining += expected
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (s *Scheduler) scaledExpectedLocked(stageName string, expected time.Duration) time.Duration {
	if expected <= 0 {
		return 0
	}
	if ratio, ok := s.ratios[stageName]; ok && ratio > 0 {
		return time.Duration(float64(expected) * ratio)
	}
	return expected
}

// OwnerWait projects how long the owner's first pending job will wait before
// it is admitted. The bool is false when the owner has nothing pending or the
// projection is incomplete.
func (s *Scheduler) OwnerWait(ownerID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.pending {
		job, ok := s.jobs[id]
		if !ok || job.Status != queue.StatusPending || job.OwnerID != ownerID {
			continue
		}
		_, wait, known := s.pendingWaitLocked(id)
		return wait, known
	}
	return 0, false
}

// pendingWaitLocked returns the job's 1-based queue position and the
// projected wait before it starts: the work remaining across all processing
// jobs plus every pending job ahead of it, divided by the concurrency limit.
func (s *Scheduler) pendingWaitLocked(jobID string) (int, time.Duration, bool) {
	var backlog time.Duration
	known := true

	for id := range s.runs {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if remaining, ok := s.remainingLocked(job); ok {
			backlog += remaining
		} else {
			known = false
		}
	}

	position := 0
	seen := 0
	for _, id := range s.pending {
		ahead, ok := s.jobs[id]
		if !ok || ahead.Status != queue.StatusPending {
			continue
		}
		seen++
		if id == jobID {
			position = seen
			break
		}
		if ahead.EstimatedDuration > 0 {
			backlog += ahead.EstimatedDuration
		} else {
			known = false
		}
	}
	if position == 0 {
		return 0, 0, false
	}
	wait := backlog / time.Duration(s.cfg.MaxConcurrent)
	if wait < 0 {
		wait = 0
	}
	return position, wait, known
}
