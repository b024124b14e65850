package daemon

import (
	"context"
	"time"

	"scenarioforge/internal/logging"
	"scenarioforge/internal/queue"
	"scenarioforge/internal/workspace"
)

// sweepOrphans removes workspace scratch directories left behind by a
// previous run. Jobs tracked by the scheduler survive; everything else past
// the grace period is removed and recorded in history as a failed job so
// owners can see what the restart interrupted.
func (d *Daemon) sweepOrphans() {
	grace := time.Duration(d.cfg.Queue.OrphanGraceMinutes) * time.Minute
	swept, err := d.workspaces.SweepOrphans(d.scheduler.LiveJobIDs(), grace)
	if err != nil {
		d.logger.Warn("orphan sweep failed", logging.Error(err))
		return
	}
	for _, orphan := range swept {
		d.recordInterrupted(orphan)
	}
	if len(swept) > 0 {
		d.logger.Info("orphan sweep finished", logging.Int("removed", len(swept)))
	}
}

// recordInterrupted writes a failed history entry for a job whose workspace
// outlived the daemon that ran it. The record upserts on job id, so sweeping
// a directory for a job history already knows about is harmless.
func (d *Daemon) recordInterrupted(orphan workspace.Orphan) {
	now := time.Now().UTC()
	job := &queue.Job{
		ID:           orphan.JobID,
		OwnerID:      orphan.OwnerID,
		Status:       queue.StatusFailed,
		ErrorMessage: "job interrupted by daemon restart",
		CreatedAt:    now,
		CompletedAt:  &now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.Record(ctx, job); err != nil {
		d.logger.Warn("interrupted job record failed",
			logging.String(logging.FieldJobID, orphan.JobID),
			logging.String(logging.FieldOwnerID, orphan.OwnerID),
			logging.Error(err))
	}
}

// maintenanceLoop periodically applies the retention policies: terminal jobs
// leave the active queue after the active retention window, and archived
// history records expire after the history retention window along with their
// preserved artifacts.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Queue.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance(ctx)
		}
	}
}

func (d *Daemon) runMaintenance(ctx context.Context) {
	activeRetention := time.Duration(d.cfg.Queue.ActiveRetentionHours) * time.Hour
	d.scheduler.SweepTerminal(activeRetention)

	historyRetention := time.Duration(d.cfg.Retention.HistoryDays) * 24 * time.Hour
	expired, err := d.store.Sweep(ctx, historyRetention)
	if err != nil {
		d.logger.Warn("history sweep failed", logging.Error(err))
		return
	}
	for _, record := range expired {
		if err := d.workspaces.RemoveResults(record.OwnerID, record.ID); err != nil {
			d.logger.Warn("expired artifact removal failed",
				logging.String(logging.FieldJobID, record.ID),
				logging.Error(err))
		}
	}
	if len(expired) > 0 {
		d.logger.Info("history sweep finished", logging.Int("expired", len(expired)))
	}

	d.sweepOrphans()
}
