package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/openclin/recordstore/internal/db/schema"
)

// Runner executes one kind of maintenance job. It returns the number of
// rows the job touched.
type Runner interface {
	Run(ctx context.Context, job *schema.MaintenanceJob) (rowsAffected int, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *schema.MaintenanceJob) (int, error)

func (f RunnerFunc) Run(ctx context.Context, job *schema.MaintenanceJob) (int, error) {
	return f(ctx, job)
}

// Config controls queue and worker behavior.
type Config struct {
	Concurrency  int           // Max concurrent workers. Default 2.
	MaxRetries   int           // Max retry attempts per job. Default 3.
	PollInterval time.Duration // How often workers poll for jobs. Default 5s.
	ClaimTimeout time.Duration // Running-for-longer-than-this means stuck. Default 10m.
	Enabled      bool          // Whether the job system is active. Default true.
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  2,
		MaxRetries:   3,
		PollInterval: 5 * time.Second,
		ClaimTimeout: 10 * time.Minute,
		Enabled:      true,
	}
}

// ConfigFromEnv loads job config from RECORDSTORE_JOB_* environment
// variables.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("RECORDSTORE_JOB_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("RECORDSTORE_JOB_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("RECORDSTORE_JOB_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RECORDSTORE_JOB_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	return cfg
}

// WorkerPool processes queued maintenance jobs with a pool of polling
// goroutines.
type WorkerPool struct {
	store   *Store
	runners map[schema.JobKind]Runner
	cfg     *Config
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWorkerPool creates a worker pool dispatching each job kind to its
// registered runner.
func NewWorkerPool(store *Store, runners map[schema.JobKind]Runner, cfg *Config, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{store: store, runners: runners, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is cancelled, then waits
// for in-flight jobs to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("maintenance worker pool disabled")
		return
	}

	wp.logger.Info("maintenance worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("maintenance worker pool shutting down")
	wp.wg.Wait()
	wp.logger.Info("maintenance worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.processOne(ctx, workerID)
		}
	}
}

// processOne tries to claim and run a single job.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) {
	job, err := wp.store.Claim(wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
		return
	}
	if job == nil {
		return
	}

	wp.logger.Info("processing maintenance job",
		"workerID", workerID, "jobID", job.ID, "kind", job.Kind,
		"scope", job.Scope, "attempt", job.AttemptCount)

	runner, ok := wp.runners[job.Kind]
	if !ok {
		wp.fail(job.ID, fmt.Sprintf("no runner for job kind %q", job.Kind))
		return
	}

	started := time.Now()
	rows, err := runner.Run(ctx, job)
	if err != nil {
		wp.fail(job.ID, err.Error())
		return
	}

	if err := wp.store.Succeed(job.ID, rows, time.Since(started)); err != nil {
		wp.logger.Error("failed to mark job succeeded", "jobID", job.ID, "error", err)
		return
	}
	wp.logger.Info("maintenance job succeeded",
		"jobID", job.ID, "kind", job.Kind, "rows", rows,
		"duration", time.Since(started).String())
}

func (wp *WorkerPool) fail(jobID, msg string) {
	wp.logger.Error("maintenance job failed", "jobID", jobID, "error", msg)
	if err := wp.store.Fail(jobID, msg, wp.cfg.MaxRetries); err != nil {
		wp.logger.Error("failed to mark job as failed", "jobID", jobID, "error", err)
	}
}

// cleanupLoop periodically releases jobs whose worker died mid-claim.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(wp.cfg.ClaimTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := wp.store.ReleaseStuck(wp.cfg.ClaimTimeout)
			if err != nil {
				wp.logger.Error("stuck job cleanup failed", "error", err)
			} else if released > 0 {
				wp.logger.Warn("released stuck maintenance jobs", "count", released)
			}
		}
	}
}
