package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func terminalJob(id string, status queue.Status, completedAgo time.Duration) *queue.Job {
	created := time.Now().Add(-completedAgo - time.Minute)
	started := created.Add(10 * time.Second)
	completed := time.Now().Add(-completedAgo)
	return &queue.Job{
		ID:           id,
		OwnerID:      "owner-1",
		SourceName:   "spec.md",
		SourceSize:   2048,
		Status:       status,
		ErrorMessage: "",
		Config:       queue.JobConfig{Variant: "standard"},
		Artifacts:    []queue.Artifact{{Name: "scenarios.json", Path: "/data/scenarios.json", Size: 42}},
		CreatedAt:    created,
		StartedAt:    &started,
		CompletedAt:  &completed,
	}
}

func TestRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := terminalJob("job-1", queue.StatusCompleted, 0)
	if err := store.Record(ctx, job); err != nil {
		t.Fatalf("Record: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != queue.StatusCompleted || record.Variant != "standard" {
		t.Fatalf("record = %+v", record)
	}
	if len(record.Artifacts) != 1 || record.Artifacts[0].Name != "scenarios.json" {
		t.Fatalf("artifacts = %v", record.Artifacts)
	}
	if record.CompletedAt == nil {
		t.Fatal("completed_at missing")
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := terminalJob("job-1", queue.StatusFailed, 0)
	job.ErrorMessage = "first attempt"
	if err := store.Record(ctx, job); err != nil {
		t.Fatal(err)
	}
	job.ErrorMessage = "second attempt"
	if err := store.Record(ctx, job); err != nil {
		t.Fatalf("replay: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if record.ErrorMessage != "second attempt" {
		t.Fatalf("error message = %q", record.ErrorMessage)
	}
	records, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestRecordRejectsNonTerminal(t *testing.T) {
	store := newTestStore(t)
	job := terminalJob("job-1", queue.StatusCompleted, 0)
	job.Status = queue.StatusProcessing
	err := store.Record(context.Background(), job)
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := terminalJob("job-old", queue.StatusCompleted, time.Hour)
	newer := terminalJob("job-new", queue.StatusCompleted, time.Minute)
	other := terminalJob("job-other", queue.StatusCancelled, time.Minute)
	other.OwnerID = "owner-2"
	for _, job := range []*queue.Job{older, newer, other} {
		if err := store.Record(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.List(ctx, "owner-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ID != "job-new" || records[1].ID != "job-old" {
		t.Fatalf("order = %s, %s", records[0].ID, records[1].ID)
	}

	limited, err := store.List(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d", len(limited))
	}
}

func TestSweepDeletesExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := terminalJob("job-old", queue.StatusCompleted, 48*time.Hour)
	fresh := terminalJob("job-fresh", queue.StatusCompleted, time.Minute)
	for _, job := range []*queue.Job{old, fresh} {
		if err := store.Record(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := store.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "job-old" {
		t.Fatalf("expired = %v", expired)
	}

	if _, err := store.Get(ctx, "job-old"); !errors.Is(err, services.ErrNotFound) {
		t.Fatal("expired record should be deleted")
	}
	if _, err := store.Get(ctx, "job-fresh"); err != nil {
		t.Fatalf("fresh record should survive: %v", err)
	}

	again, err := store.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep = %v", again)
	}
}
