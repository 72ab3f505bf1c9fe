// Package jobs runs the store's offline maintenance operations
// (compartment rebuilds, reference reconciliation) through a persistent
// queue and a pool of polling workers, off the write path.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openclin/recordstore/internal/db/schema"
)

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("maintenance job not found")

// Store provides database operations for maintenance jobs.
type Store struct {
	db *gorm.DB
}

// NewStore creates a job store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Enqueue creates a queued job. When a non-terminal job exists with the
// same idempotency key, that job is returned instead of a duplicate.
func (s *Store) Enqueue(kind schema.JobKind, scope, requestedBy string) (*schema.MaintenanceJob, error) {
	job := &schema.MaintenanceJob{
		ID:             uuid.New().String(),
		Kind:           kind,
		Scope:          scope,
		RequestedBy:    requestedBy,
		RequestedAt:    time.Now().UTC(),
		State:          schema.JobStateQueued,
		IdempotencyKey: string(kind) + ":" + scope,
	}

	var result *schema.MaintenanceJob
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing schema.MaintenanceJob
		err := tx.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey,
			[]schema.JobState{schema.JobStateQueued, schema.JobStateRunning}).
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Free the unique index from terminal jobs with the same key by
		// re-keying them under their own id.
		tx.Model(&schema.MaintenanceJob{}).
			Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey,
				[]schema.JobState{schema.JobStateSucceeded, schema.JobStateFailed, schema.JobStateCanceled}).
			Update("idempotency_key", gorm.Expr("'done:' || id"))

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. Returns nil when no job is available or another worker won
// the claim first.
func (s *Store) Claim(maxRetries int) (*schema.MaintenanceJob, error) {
	var job schema.MaintenanceJob
	err := s.db.Where("state = ? AND attempt_count <= ?", schema.JobStateQueued, maxRetries).
		Order("requested_at ASC").
		Limit(1).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	claimed, err := s.markRunning(job.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		// Lost the race to another worker; the next poll tries again.
		return nil, nil
	}
	job.State = schema.JobStateRunning
	job.AttemptCount++
	return &job, nil
}

// markRunning performs the guarded queued-to-running transition. False
// means the row was no longer queued, i.e. a concurrent worker already
// claimed it; the job must not be run by this worker.
func (s *Store) markRunning(id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&schema.MaintenanceJob{}).
		Where("id = ? AND state = ?", id, schema.JobStateQueued).
		Updates(map[string]any{
			"state":         schema.JobStateRunning,
			"started_at":    now,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Succeed marks a job finished with its result counters.
func (s *Store) Succeed(id string, rowsAffected int, duration time.Duration) error {
	now := time.Now().UTC()
	return s.db.Model(&schema.MaintenanceJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":         schema.JobStateSucceeded,
			"finished_at":   now,
			"rows_affected": rowsAffected,
			"duration_ms":   duration.Milliseconds(),
		}).Error
}

// Fail records a failure. Jobs with retry budget left are re-queued;
// exhausted jobs go terminal.
func (s *Store) Fail(id, errMsg string, maxRetries int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var job schema.MaintenanceJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}

		state := schema.JobStateQueued
		var finishedAt *time.Time
		if job.AttemptCount > maxRetries {
			state = schema.JobStateFailed
			now := time.Now().UTC()
			finishedAt = &now
		}
		return tx.Model(&schema.MaintenanceJob{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"state":       state,
				"last_error":  errMsg,
				"finished_at": finishedAt,
			}).Error
	})
}

// Get returns a job by id.
func (s *Store) Get(id string) (*schema.MaintenanceJob, error) {
	var job schema.MaintenanceJob
	err := s.db.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first, optionally filtered by state.
func (s *Store) List(state schema.JobState, limit int) ([]schema.MaintenanceJob, error) {
	q := s.db.Order("requested_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []schema.MaintenanceJob
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseStuck re-queues running jobs whose claim outlived the timeout,
// e.g. after a worker crash.
func (s *Store) ReleaseStuck(claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-claimTimeout)
	res := s.db.Model(&schema.MaintenanceJob{}).
		Where("state = ? AND started_at < ?", schema.JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      schema.JobStateQueued,
			"last_error": "released: claim timed out",
		})
	return res.RowsAffected, res.Error
}
