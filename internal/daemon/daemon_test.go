package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scenarioforge/internal/daemon"
	"scenarioforge/internal/logging"
	"scenarioforge/internal/testsupport"
)

func startDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d
}

func TestDaemonServesHealthEndpoint(t *testing.T) {
	d := startDaemon(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", d.Addr()))
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("healthz status field = %q, want ok", body.Status)
	}
}

func TestDaemonStartIsExclusive(t *testing.T) {
	d := startDaemon(t)

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start on a running daemon should fail")
	}
}

func TestDaemonStopIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.Stop(ctx)
	d.Stop(ctx)
	if err := d.Close(); err != nil {
		t.Fatalf("Close after Stop: %v", err)
	}
}

func TestOrphanedWorkspaceRecordedAsFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	orphan := filepath.Join(cfg.Paths.DataDir, "alice", "processing", "stale-job")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, past, past); err != nil {
		t.Fatal(err)
	}

	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("stale workspace should be removed at startup")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/history?owner_id=alice", d.Addr()))
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Entries []struct {
			ID           string `json:"id"`
			OwnerID      string `json:"owner_id"`
			Status       string `json:"status"`
			ErrorMessage string `json:"error_message"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode history body: %v", err)
	}
	if len(body.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(body.Entries))
	}
	entry := body.Entries[0]
	if entry.ID != "stale-job" || entry.OwnerID != "alice" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Status != "failed" {
		t.Fatalf("status = %q, want failed", entry.Status)
	}
	if entry.ErrorMessage == "" {
		t.Fatal("interrupted job should carry an error message")
	}
}

func TestDaemonAuthEnforcedWhenTokenSet(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithToken("secret"))
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/queue", d.Addr()))
	if err != nil {
		t.Fatalf("queue request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated queue status = %d, want 401", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/v1/queue", d.Addr()), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated queue request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated queue status = %d, want 200", resp.StatusCode)
	}
}
