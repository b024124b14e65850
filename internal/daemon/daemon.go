// Package daemon wires the scenarioforge subsystems together and runs them
// as a single locked process: workspace manager, history store, scheduler,
// HTTP API, and the background maintenance loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"scenarioforge/internal/api"
	"scenarioforge/internal/config"
	"scenarioforge/internal/history"
	"scenarioforge/internal/logging"
	"scenarioforge/internal/notifications"
	"scenarioforge/internal/pipeline"
	"scenarioforge/internal/scheduler"
	"scenarioforge/internal/services/extract"
	"scenarioforge/internal/services/llm"
	"scenarioforge/internal/workspace"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

const apiKeyEnv = "SCENARIOFORGE_LLM_API_KEY"

// Daemon owns the process-wide subsystems.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	workspaces *workspace.Manager
	store      *history.Store
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	httpServer *http.Server
	listener   net.Listener

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.Paths.DataDir, cfg.Limits.MaxOwnerDiskBytes, logger)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(filepath.Join(cfg.Paths.HistoryDir, "history.db"))
	if err != nil {
		return nil, err
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	completer := llm.NewClient(llm.Config{
		APIKey:            apiKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		TimeoutSeconds:    cfg.LLM.TimeoutSeconds,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	builder := pipeline.NewBuilder(
		extract.NewPlainText(cfg.Pipeline.BytesPerPage),
		completer,
		pipeline.Options{
			SecondsPerPage: cfg.Pipeline.SecondsPerPage,
			BytesPerPage:   cfg.Pipeline.BytesPerPage,
		},
	)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		StageRetryLimit: cfg.Queue.StageRetryLimit,
		MaxJobsPerOwner: cfg.Limits.MaxJobsPerOwner,
	}, builder, workspaces, store, logger)
	sched.SetNotifier(notifications.NewService(cfg))

	apiServer := api.NewServer(sched, store, workspaces, api.Options{
		Token:                     cfg.Server.Token,
		MaxUploadBytes:            cfg.Limits.MaxUploadBytes,
		Version:                   Version,
		DefaultVariant:            cfg.Pipeline.DefaultVariant,
		DefaultAnalyzeImages:      cfg.Pipeline.AnalyzeImages,
		DefaultCorrelateDocuments: cfg.Pipeline.CorrelateDocuments,
	}, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "scenarioforged.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logger.With(logging.String(logging.FieldComponent, "daemon")),
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
		workspaces: workspaces,
		store:      store,
		scheduler:  sched,
		apiServer:  apiServer,
	}, nil
}

// Scheduler exposes the job queue, mainly for tests.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Addr returns the bound API address once Start has succeeded.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Start acquires the daemon lock, removes orphaned workspaces from previous
// runs, and brings up the API and maintenance loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another scenarioforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.sweepOrphans()

	listener, err := net.Listen("tcp", d.cfg.Server.Bind)
	if err != nil {
		d.lock.Unlock()
		cancel()
		return fmt.Errorf("api listen: %w", err)
	}
	d.listener = listener
	d.httpServer = &http.Server{
		Handler:           d.apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       time.Minute,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("api server error", logging.Error(err))
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.maintenanceLoop(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("address", listener.Addr().String()),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts down the API, drains the scheduler, and releases the lock.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	d.scheduler.Close(ctx)
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Stop(ctx)
	return d.store.Close()
}
