package syncjobs

import (
	"time"
)

// JobState represents the lifecycle state of a mirror sync job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// SyncJob is the GORM model for a mirror reconciliation job. The transaction
// signature of the confirmed ledger transaction is the idempotency key: the
// same confirmed fact is never queued twice.
type SyncJob struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	BatchID      string     `gorm:"column:batch_id;index:idx_sync_batch;not null"`
	Kind         string     `gorm:"column:kind;not null"`
	TxSignature  string     `gorm:"column:tx_signature;uniqueIndex:idx_sync_tx;not null"`
	Payload      string     `gorm:"column:payload;type:text;not null"`
	State        JobState   `gorm:"column:state;index:idx_sync_state;not null;default:queued"`
	RequestedAt  time.Time  `gorm:"column:requested_at;not null"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
	AttemptCount int        `gorm:"column:attempt_count;default:0"`
	LastError    string     `gorm:"column:last_error"`
}

// TableName returns the GORM table name.
func (SyncJob) TableName() string { return "mirror_sync_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *SyncJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed:
		return true
	}
	return false
}
