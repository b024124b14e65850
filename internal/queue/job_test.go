package queue

import (
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus(" Processing ")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if got != StatusProcessing {
		t.Fatalf("got %s", got)
	}
	if _, err := ParseStatus("limbo"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing, StatusStopped} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTransitionRules(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusStopped},
		{StatusProcessing, StatusCancelled},
		{StatusStopped, StatusPending},
		{StatusStopped, StatusCancelled},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusProcessing},
		{StatusPending, StatusCompleted},
		{StatusPending, StatusStopped},
		{StatusStopped, StatusProcessing},
		{StatusStopped, StatusCompleted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestAdvanceProgressMonotone(t *testing.T) {
	job := NewJob("owner-1", "doc.docx", 1024, JobConfig{Variant: "standard"})
	job.AdvanceProgress(0.4)
	job.AdvanceProgress(0.2)
	if job.Progress != 0.4 {
		t.Fatalf("progress regressed to %v", job.Progress)
	}
	job.AdvanceProgress(1.7)
	if job.Progress != 1 {
		t.Fatalf("progress should clamp to 1, got %v", job.Progress)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	started := time.Now()
	job := NewJob("owner-1", "doc.docx", 1024, JobConfig{})
	job.StartedAt = &started
	job.Artifacts = []Artifact{{Name: "scenarios.json"}}

	clone := job.Clone()
	clone.Artifacts[0].Name = "changed"
	*clone.StartedAt = started.Add(time.Hour)

	if job.Artifacts[0].Name != "scenarios.json" {
		t.Fatal("clone shares artifact slice")
	}
	if !job.StartedAt.Equal(started) {
		t.Fatal("clone shares StartedAt pointer")
	}
}

func TestElapsed(t *testing.T) {
	job := NewJob("owner-1", "doc.docx", 0, JobConfig{})
	now := time.Now()
	if job.Elapsed(now) != 0 {
		t.Fatal("elapsed should be zero before start")
	}
	started := now.Add(-90 * time.Second)
	job.StartedAt = &started
	if got := job.Elapsed(now); got != 90*time.Second {
		t.Fatalf("elapsed = %v", got)
	}
	completed := now.Add(-30 * time.Second)
	job.CompletedAt = &completed
	if got := job.Elapsed(now); got != time.Minute {
		t.Fatalf("elapsed after completion = %v", got)
	}
}
