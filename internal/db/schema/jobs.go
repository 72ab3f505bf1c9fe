package schema

import "time"

// JobState represents the lifecycle state of a maintenance job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// JobKind names a maintenance operation that runs off the write path.
type JobKind string

const (
	// JobCompartmentRebuild recomputes compartment membership from the
	// reference edge table for one record type, or for all types when
	// the job's Scope is empty.
	JobCompartmentRebuild JobKind = "compartment-rebuild"

	// JobReferenceReconcile re-resolves reference edges left without a
	// target by a bulk import's forward references.
	JobReferenceReconcile JobKind = "reference-reconcile"
)

// MaintenanceJob is the GORM model for a queued maintenance operation.
type MaintenanceJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind           JobKind    `gorm:"column:kind;index:idx_job_kind_state,priority:1;not null"`
	Scope          string     `gorm:"column:scope"`
	RequestedBy    string     `gorm:"column:requested_by"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_job_kind_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex:idx_job_idemp_key"`
	RowsAffected   int        `gorm:"column:rows_affected"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

func (MaintenanceJob) TableName() string { return "maintenance_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *MaintenanceJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}
