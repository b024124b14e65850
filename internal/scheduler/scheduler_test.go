package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
	"scenarioforge/internal/stage"
	"scenarioforge/internal/workspace"
)

// scriptStage is a controllable stage for driving the scheduler in tests.
type scriptStage struct {
	name     string
	expected time.Duration
	run      func(ctx context.Context, exec *stage.Execution) error
}

func (s *scriptStage) Name() string { return s.name }

func (s *scriptStage) ExpectedDuration(*queue.Job) time.Duration {
	if s.expected > 0 {
		return s.expected
	}
	return time.Second
}

func (s *scriptStage) Run(ctx context.Context, exec *stage.Execution) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, exec)
}

type fakeBuilder struct {
	stages   func(cfg queue.JobConfig) []stage.Handler
	estimate time.Duration
}

func (f *fakeBuilder) Build(cfg queue.JobConfig) ([]stage.Handler, error) {
	if f.stages == nil {
		return []stage.Handler{&scriptStage{name: "noop"}}, nil
	}
	return f.stages(cfg), nil
}

func (f *fakeBuilder) EstimateDuration(int64) time.Duration {
	if f.estimate > 0 {
		return f.estimate
	}
	return time.Minute
}

type fakeWorkspaces struct {
	mu       sync.Mutex
	root     string
	released map[string][]string
	removed  map[string]bool
}

func newFakeWorkspaces(t *testing.T) *fakeWorkspaces {
	return &fakeWorkspaces{root: t.TempDir(), released: map[string][]string{}, removed: map[string]bool{}}
}

func (f *fakeWorkspaces) Allocate(ownerID, jobID string) (string, error) {
	dir := filepath.Join(f.root, ownerID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (f *fakeWorkspaces) Release(ownerID, jobID string, keep []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[jobID] = keep
	return nil
}

func (f *fakeWorkspaces) ResultPath(ownerID, jobID, relative string) (string, error) {
	return filepath.Join(f.root, ownerID, "results", jobID, relative), nil
}

func (f *fakeWorkspaces) RemoveResults(ownerID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[jobID] = true
	return nil
}

func (f *fakeWorkspaces) releasedKeep(jobID string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep, ok := f.released[jobID]
	return keep, ok
}

type fakeRecorder struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (f *fakeRecorder) Record(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeRecorder) recorded() []*queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*queue.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (f *fakeNotifier) JobCompleted(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job.ID)
	return nil
}

func (f *fakeNotifier) JobFailed(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job.ID)
	return nil
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed), len(f.failed)
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitJob(t *testing.T, s *Scheduler, owner string) *queue.Job {
	t.Helper()
	job, err := s.Submit(context.Background(), SubmitRequest{
		OwnerID:    owner,
		SourceName: "spec.md",
		SourcePath: "/tmp/spec.md",
		SourceSize: 1024,
		Config:     queue.JobConfig{Variant: "standard"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func jobStatus(t *testing.T, s *Scheduler, id string) queue.Status {
	t.Helper()
	job, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job.Status
}

func TestConcurrencyBoundAndFIFO(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "work", run: func(ctx context.Context, exec *stage.Execution) error {
			mu.Lock()
			order = append(order, exec.Job.ID)
			mu.Unlock()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	first := submitJob(t, s, "owner-1")
	second := submitJob(t, s, "owner-1")
	third := submitJob(t, s, "owner-1")

	waitFor(t, "first job processing", func() bool {
		return jobStatus(t, s, first.ID) == queue.StatusProcessing
	})
	if got := jobStatus(t, s, second.ID); got != queue.StatusPending {
		t.Fatalf("second job should be pending, got %s", got)
	}

	close(release)
	waitFor(t, "all jobs complete", func() bool {
		return jobStatus(t, s, third.ID) == queue.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{first.ID, second.ID, third.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestCompletionKeepsArtifacts(t *testing.T) {
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "produce", run: func(_ context.Context, exec *stage.Execution) error {
			exec.Artifact(queue.Artifact{Name: "scenarios.json", Path: filepath.Join(exec.Workspace, "scenarios.json")})
			return nil
		}}}
	}}
	workspaces := newFakeWorkspaces(t)
	recorder := &fakeRecorder{}
	s := New(Config{MaxConcurrent: 1}, builder, workspaces, recorder, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "completion", func() bool { return jobStatus(t, s, job.ID) == queue.StatusCompleted })

	final, err := s.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Progress != 1 {
		t.Fatalf("progress = %v, want 1", final.Progress)
	}
	if len(final.Artifacts) != 1 {
		t.Fatalf("artifacts = %v", final.Artifacts)
	}

	waitFor(t, "workspace release", func() bool {
		_, ok := workspaces.releasedKeep(job.ID)
		return ok
	})
	keep, _ := workspaces.releasedKeep(job.ID)
	if len(keep) != 1 || keep[0] != "scenarios.json" {
		t.Fatalf("released keep = %v", keep)
	}
	waitFor(t, "history record", func() bool { return len(recorder.recorded()) == 1 })
	if recorder.recorded()[0].Status != queue.StatusCompleted {
		t.Fatalf("recorded status = %s", recorder.recorded()[0].Status)
	}
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "flaky", run: func(context.Context, *stage.Execution) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return services.Wrap(services.ErrTransient, "flaky", "call", "backend hiccup", nil)
			}
			return nil
		}}}
	}}
	s := New(Config{MaxConcurrent: 1, StageRetryLimit: 2}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "completion after retries", func() bool { return jobStatus(t, s, job.ID) == queue.StatusCompleted })

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "flaky", run: func(context.Context, *stage.Execution) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return services.Wrap(services.ErrTransient, "flaky", "call", "backend down", nil)
		}}}
	}}
	s := New(Config{MaxConcurrent: 1, StageRetryLimit: 2}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "failure", func() bool { return jobStatus(t, s, job.ID) == queue.StatusFailed })

	final, _ := s.Get(job.ID)
	if final.ErrorMessage == "" {
		t.Fatal("failed job should carry an error message")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "doomed", run: func(context.Context, *stage.Execution) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return services.Wrap(services.ErrFatal, "doomed", "call", "bad credentials", nil)
		}}}
	}}
	s := New(Config{MaxConcurrent: 1, StageRetryLimit: 2}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "failure", func() bool { return jobStatus(t, s, job.ID) == queue.StatusFailed })

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestCancelPendingJob(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "block", run: func(ctx context.Context, _ *stage.Execution) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	recorder := &fakeRecorder{}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), recorder, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	running := submitJob(t, s, "owner-1")
	waiting := submitJob(t, s, "owner-1")
	waitFor(t, "first job processing", func() bool { return jobStatus(t, s, running.ID) == queue.StatusProcessing })

	cancelled, err := s.Cancel(waiting.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want cancelled immediately", cancelled.Status)
	}
	waitFor(t, "history record", func() bool { return len(recorder.recorded()) == 1 })
}

func TestCancelRejectsStartedJobs(t *testing.T) {
	started := make(chan struct{}, 2)
	proceed := make(chan struct{}, 2)
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		mk := func(name string) stage.Handler {
			return &scriptStage{name: name, run: func(ctx context.Context, _ *stage.Execution) error {
				started <- struct{}{}
				select {
				case <-proceed:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}
		}
		return []stage.Handler{mk("first"), mk("second")}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	<-started

	if _, err := s.Cancel(job.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("cancelling a processing job should be invalid, got %v", err)
	}
	if got := jobStatus(t, s, job.ID); got != queue.StatusProcessing {
		t.Fatalf("job should stay processing, got %s", got)
	}

	if _, err := s.Stop(job.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	proceed <- struct{}{}
	waitFor(t, "stopped", func() bool { return jobStatus(t, s, job.ID) == queue.StatusStopped })

	if _, err := s.Cancel(job.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("cancelling a stopped job should be invalid, got %v", err)
	}
	if got := jobStatus(t, s, job.ID); got != queue.StatusStopped {
		t.Fatalf("job should stay stopped, got %s", got)
	}
}

func TestStopAndRestart(t *testing.T) {
	started := make(chan struct{}, 4)
	proceed := make(chan struct{}, 10)
	var stagesRun []string
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		mk := func(name string) stage.Handler {
			return &scriptStage{name: name, run: func(ctx context.Context, _ *stage.Execution) error {
				mu.Lock()
				stagesRun = append(stagesRun, name)
				mu.Unlock()
				started <- struct{}{}
				select {
				case <-proceed:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}
		}
		return []stage.Handler{mk("first"), mk("second")}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	// Stop must land while the first stage is running, not merely after
	// admission flips the status.
	<-started

	if _, err := s.Stop(job.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	proceed <- struct{}{}
	waitFor(t, "stopped", func() bool { return jobStatus(t, s, job.ID) == queue.StatusStopped })

	mu.Lock()
	if len(stagesRun) != 1 || stagesRun[0] != "first" {
		t.Fatalf("stages before stop = %v", stagesRun)
	}
	mu.Unlock()

	restarted, err := s.Restart(job.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.StageIndex != 0 || restarted.Progress != 0 {
		t.Fatalf("restart should reset stage and progress, got %+v", restarted)
	}

	proceed <- struct{}{}
	proceed <- struct{}{}
	waitFor(t, "completion after restart", func() bool { return jobStatus(t, s, job.ID) == queue.StatusCompleted })

	// Restart reruns the chain from the first stage.
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "first", "second"}
	if len(stagesRun) != len(want) {
		t.Fatalf("stages = %v, want %v", stagesRun, want)
	}
	for i := range want {
		if stagesRun[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stagesRun, want)
		}
	}
}

func TestFailureKeepsEarlierArtifacts(t *testing.T) {
	manager, err := workspace.NewManager(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{
			&scriptStage{name: "draft", run: func(_ context.Context, exec *stage.Execution) error {
				path := filepath.Join(exec.Workspace, "draft.json")
				if err := os.WriteFile(path, []byte(`{"scenarios":[]}`), 0o644); err != nil {
					return err
				}
				exec.Artifact(queue.Artifact{Name: "draft.json", Path: path, Size: 16, MediaType: "application/json"})
				return nil
			}},
			&scriptStage{name: "doomed", run: func(context.Context, *stage.Execution) error {
				return services.Wrap(services.ErrFatal, "doomed", "call", "backend rejected the request", nil)
			}},
		}
	}}
	recorder := &fakeRecorder{}
	s := New(Config{MaxConcurrent: 1}, builder, manager, recorder, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "failure", func() bool { return jobStatus(t, s, job.ID) == queue.StatusFailed })
	waitFor(t, "history record", func() bool { return len(recorder.recorded()) == 1 })

	final, err := s.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Artifacts) != 1 || final.Artifacts[0].Name != "draft.json" {
		t.Fatalf("artifacts = %v", final.Artifacts)
	}
	// The finished stage's output survives the failure and moves to results.
	if _, err := os.Stat(final.Artifacts[0].Path); err != nil {
		t.Fatalf("failed job artifact should stay downloadable: %v", err)
	}
	if _, err := os.Stat(manager.ProcessingDir("owner-1", job.ID)); !os.IsNotExist(err) {
		t.Fatal("scratch space should be released after failure")
	}
	recorded := recorder.recorded()[0]
	if recorded.Status != queue.StatusFailed || len(recorded.Artifacts) != 1 {
		t.Fatalf("recorded = %+v", recorded)
	}
}

func TestRestartReenqueuesAtTail(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	proceed := make(chan struct{}, 1)
	var order []string
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "work", run: func(ctx context.Context, exec *stage.Execution) error {
			mu.Lock()
			order = append(order, exec.Job.ID)
			mu.Unlock()
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-proceed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	stopped := submitJob(t, s, "owner-1")
	<-started
	if _, err := s.Stop(stopped.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	proceed <- struct{}{}
	waitFor(t, "stopped", func() bool { return jobStatus(t, s, stopped.ID) == queue.StatusStopped })

	running := submitJob(t, s, "owner-1")
	<-started
	queued := submitJob(t, s, "owner-2")

	// Jobs submitted while the job sat stopped keep their place in line.
	if _, err := s.Restart(stopped.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	queuedStatus, err := s.Status(queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queuedStatus.QueuePosition != 1 {
		t.Fatalf("queued position = %d, want 1", queuedStatus.QueuePosition)
	}
	restartedStatus, err := s.Status(stopped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restartedStatus.QueuePosition != 2 {
		t.Fatalf("restarted position = %d, want 2", restartedStatus.QueuePosition)
	}

	close(release)
	waitFor(t, "completion after restart", func() bool { return jobStatus(t, s, stopped.ID) == queue.StatusCompleted })

	mu.Lock()
	defer mu.Unlock()
	want := []string{stopped.ID, running.ID, queued.ID, stopped.ID}
	if fmt.Sprintf("%v", order) != fmt.Sprintf("%v", want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
}

func TestStopPendingIsInvalid(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "block", run: func(ctx context.Context, _ *stage.Execution) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	running := submitJob(t, s, "owner-1")
	waiting := submitJob(t, s, "owner-1")
	waitFor(t, "processing", func() bool { return jobStatus(t, s, running.ID) == queue.StatusProcessing })

	if _, err := s.Stop(waiting.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("stopping a pending job should be invalid, got %v", err)
	}
}

func TestOwnerJobQuota(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "block", run: func(ctx context.Context, _ *stage.Execution) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	s := New(Config{MaxConcurrent: 1, MaxJobsPerOwner: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	submitJob(t, s, "owner-1")
	_, err := s.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1", SourceName: "b.md", SourcePath: "/tmp/b.md", SourceSize: 1,
		Config: queue.JobConfig{Variant: "standard"},
	})
	if !errors.Is(err, services.ErrResource) {
		t.Fatalf("quota breach should be a resource error, got %v", err)
	}

	// A different owner is unaffected.
	if _, err := s.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-2", SourceName: "c.md", SourcePath: "/tmp/c.md", SourceSize: 1,
		Config: queue.JobConfig{Variant: "standard"},
	}); err != nil {
		t.Fatalf("other owner submit: %v", err)
	}
}

func TestRemoveRules(t *testing.T) {
	workspaces := newFakeWorkspaces(t)
	s := New(Config{MaxConcurrent: 1}, &fakeBuilder{}, workspaces, nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "completion", func() bool { return jobStatus(t, s, job.ID) == queue.StatusCompleted })

	if err := s.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(job.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("removed job should be gone, got %v", err)
	}
	workspaces.mu.Lock()
	removed := workspaces.removed[job.ID]
	workspaces.mu.Unlock()
	if !removed {
		t.Fatal("results should be removed with the job")
	}

	if err := s.Remove("missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("Remove missing = %v", err)
	}
}

func TestRemoveForcesNonTerminalJobs(t *testing.T) {
	started := make(chan struct{}, 2)
	proceed := make(chan struct{}, 2)
	var secondStageRan bool
	var mu sync.Mutex
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{
			&scriptStage{name: "first", run: func(ctx context.Context, _ *stage.Execution) error {
				started <- struct{}{}
				select {
				case <-proceed:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}},
			&scriptStage{name: "second", run: func(context.Context, *stage.Execution) error {
				mu.Lock()
				secondStageRan = true
				mu.Unlock()
				return nil
			}},
		}
	}}
	recorder := &fakeRecorder{}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), recorder, nil)
	defer s.Close(context.Background())

	running := submitJob(t, s, "owner-1")
	waiting := submitJob(t, s, "owner-1")
	<-started

	// A stuck pending job goes straight to the archive.
	if err := s.Remove(waiting.ID); err != nil {
		t.Fatalf("Remove pending: %v", err)
	}
	if _, err := s.Get(waiting.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("removed pending job should be gone, got %v", err)
	}

	// A stuck processing job is retired at its next stage boundary.
	if err := s.Remove(running.ID); err != nil {
		t.Fatalf("Remove processing: %v", err)
	}
	if _, err := s.Get(running.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("removed processing job should leave the active queue, got %v", err)
	}
	proceed <- struct{}{}

	waitFor(t, "both jobs archived", func() bool { return len(recorder.recorded()) == 2 })
	for _, record := range recorder.recorded() {
		if record.Status != queue.StatusCancelled {
			t.Fatalf("recorded status = %s, want cancelled", record.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if secondStageRan {
		t.Fatal("later stages must not run after removal")
	}
}

// droppingBuilder validates at submit, then fails every later Build call.
type droppingBuilder struct {
	mu    sync.Mutex
	calls int
}

func (d *droppingBuilder) Build(queue.JobConfig) ([]stage.Handler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls > 1 {
		return nil, services.Wrap(services.ErrFatal, "builder", "build", "stage builder lost its backend", nil)
	}
	return []stage.Handler{&scriptStage{name: "noop"}}, nil
}

func (d *droppingBuilder) EstimateDuration(int64) time.Duration { return time.Minute }

func TestDispatchBuildFailureFailsJob(t *testing.T) {
	recorder := &fakeRecorder{}
	s := New(Config{MaxConcurrent: 1}, &droppingBuilder{}, newFakeWorkspaces(t), recorder, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "failure", func() bool { return jobStatus(t, s, job.ID) == queue.StatusFailed })

	final, err := s.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.ErrorMessage == "" {
		t.Fatal("failed job should carry an error message")
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("terminal timestamps missing: %+v", final)
	}
	waitFor(t, "history record", func() bool { return len(recorder.recorded()) == 1 })
	if recorder.recorded()[0].Status != queue.StatusFailed {
		t.Fatalf("recorded status = %s", recorder.recorded()[0].Status)
	}
}

func TestSweepTerminal(t *testing.T) {
	s := New(Config{MaxConcurrent: 1}, &fakeBuilder{}, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "completion", func() bool { return jobStatus(t, s, job.ID) == queue.StatusCompleted })

	if removed := s.SweepTerminal(time.Hour); removed != 0 {
		t.Fatalf("fresh terminal job swept: %d", removed)
	}
	if removed := s.SweepTerminal(0); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(job.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatal("swept job should be gone")
	}
}

func TestPendingEstimateIncludesQueueWait(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{
		estimate: 2 * time.Minute,
		stages: func(queue.JobConfig) []stage.Handler {
			return []stage.Handler{&scriptStage{name: "block", expected: 2 * time.Minute, run: func(ctx context.Context, _ *stage.Execution) error {
				select {
				case <-block:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}}
		},
	}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	running := submitJob(t, s, "owner-1")
	waiting := submitJob(t, s, "owner-1")
	waitFor(t, "processing", func() bool { return jobStatus(t, s, running.ID) == queue.StatusProcessing })

	status, err := s.Status(waiting.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.QueuePosition != 1 {
		t.Fatalf("queue position = %d, want 1", status.QueuePosition)
	}
	if !status.EstimateKnown {
		t.Fatal("pending estimate should be known")
	}
	// Own two minutes plus a share of the running job's remainder.
	if status.EstimatedRemaining < 2*time.Minute {
		t.Fatalf("estimate = %v, want at least the job's own duration", status.EstimatedRemaining)
	}
	if status.EstimatedRemaining < 0 {
		t.Fatal("estimate must never be negative")
	}

	processingStatus, err := s.Status(running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !processingStatus.EstimateKnown {
		t.Fatal("processing estimate should be known")
	}
}

func TestOwnerWait(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{
		estimate: 2 * time.Minute,
		stages: func(queue.JobConfig) []stage.Handler {
			return []stage.Handler{&scriptStage{name: "block", expected: 2 * time.Minute, run: func(ctx context.Context, _ *stage.Execution) error {
				select {
				case <-block:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}}
		},
	}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	running := submitJob(t, s, "owner-1")
	waitFor(t, "processing", func() bool { return jobStatus(t, s, running.ID) == queue.StatusProcessing })
	submitJob(t, s, "owner-2")

	wait, known := s.OwnerWait("owner-2")
	if !known {
		t.Fatal("wait for an owner with a pending job should be known")
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want positive while another job holds the slot", wait)
	}

	if _, known := s.OwnerWait("owner-1"); known {
		t.Fatal("owner without pending jobs has no wait projection")
	}
	if _, known := s.OwnerWait("ghost"); known {
		t.Fatal("unknown owner has no wait projection")
	}
}

func TestStoppedEstimateUnknown(t *testing.T) {
	proceed := make(chan struct{}, 2)
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		mk := func(name string) stage.Handler {
			return &scriptStage{name: name, run: func(ctx context.Context, _ *stage.Execution) error {
				select {
				case <-proceed:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}
		}
		return []stage.Handler{mk("first"), mk("second")}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	job := submitJob(t, s, "owner-1")
	waitFor(t, "processing", func() bool { return jobStatus(t, s, job.ID) == queue.StatusProcessing })
	if _, err := s.Stop(job.ID); err != nil {
		t.Fatal(err)
	}
	proceed <- struct{}{}
	waitFor(t, "stopped", func() bool { return jobStatus(t, s, job.ID) == queue.StatusStopped })

	status, err := s.Status(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.EstimateKnown {
		t.Fatal("stopped jobs have no estimate")
	}
}

func TestQueueStatusOrdering(t *testing.T) {
	block := make(chan struct{})
	builder := &fakeBuilder{stages: func(queue.JobConfig) []stage.Handler {
		return []stage.Handler{&scriptStage{name: "block", run: func(ctx context.Context, _ *stage.Execution) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}
	}}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	defer func() { close(block); s.Close(context.Background()) }()

	running := submitJob(t, s, "owner-1")
	pendingA := submitJob(t, s, "owner-1")
	pendingB := submitJob(t, s, "owner-2")
	waitFor(t, "processing", func() bool { return jobStatus(t, s, running.ID) == queue.StatusProcessing })

	snapshot := s.QueueStatus()
	if snapshot.Counts[queue.StatusProcessing] != 1 || snapshot.Counts[queue.StatusPending] != 2 {
		t.Fatalf("counts = %v", snapshot.Counts)
	}
	ids := make([]string, len(snapshot.Jobs))
	for i, js := range snapshot.Jobs {
		ids[i] = js.Job.ID
	}
	want := fmt.Sprintf("%v", []string{running.ID, pendingA.ID, pendingB.ID})
	if got := fmt.Sprintf("%v", ids); got != want {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := New(Config{MaxConcurrent: 1}, &fakeBuilder{}, newFakeWorkspaces(t), nil, nil)
	defer s.Close(context.Background())

	_, err := s.Submit(context.Background(), SubmitRequest{SourcePath: "/tmp/x"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing owner should be a validation error, got %v", err)
	}
	_, err = s.Submit(context.Background(), SubmitRequest{OwnerID: "o"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing source should be a validation error, got %v", err)
	}
}

func TestNotifierReceivesTerminalEvents(t *testing.T) {
	fail := errors.New("boom")
	builder := &fakeBuilder{stages: func(cfg queue.JobConfig) []stage.Handler {
		if cfg.Hints == "fail" {
			return []stage.Handler{&scriptStage{name: "work", run: func(context.Context, *stage.Execution) error {
				return services.Wrap(services.ErrFatal, "work", "run", "boom", fail)
			}}}
		}
		return []stage.Handler{&scriptStage{name: "work"}}
	}}
	notifier := &fakeNotifier{}
	s := New(Config{MaxConcurrent: 1}, builder, newFakeWorkspaces(t), nil, nil)
	s.SetNotifier(notifier)
	defer s.Close(context.Background())

	ok := submitJob(t, s, "owner-1")
	waitFor(t, "completion", func() bool { return jobStatus(t, s, ok.ID) == queue.StatusCompleted })

	bad, err := s.Submit(context.Background(), SubmitRequest{
		OwnerID:    "owner-1",
		SourceName: "spec.md",
		SourcePath: "/tmp/spec.md",
		SourceSize: 1024,
		Config:     queue.JobConfig{Variant: "standard", Hints: "fail"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "failure", func() bool { return jobStatus(t, s, bad.ID) == queue.StatusFailed })

	waitFor(t, "notifications", func() bool {
		completed, failed := notifier.counts()
		return completed == 1 && failed == 1
	})
}
