package syncjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/beantrace/custody/pkg/custody"
)

// JobStore provides database operations for mirror sync jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the mirror_sync_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SyncJob{})
}

// EnqueueSync implements custody.SyncEnqueuer.
func (s *JobStore) EnqueueSync(ctx context.Context, req custody.SyncRequest) error {
	_, err := s.Enqueue(req)
	return err
}

// Enqueue queues a replay of the given sync request. Idempotent on the
// transaction signature: if a job for the same confirmed transaction already
// exists in any state, that job is returned instead of a duplicate.
func (s *JobStore) Enqueue(req custody.SyncRequest) (*SyncJob, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sync payload: %w", err)
	}

	job := &SyncJob{
		ID:          uuid.New().String(),
		BatchID:     req.BatchID,
		Kind:        string(req.Kind),
		TxSignature: req.TxSignature,
		Payload:     string(payload),
		State:       JobStateQueued,
		RequestedAt: time.Now(),
	}

	var result *SyncJob
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing SyncJob
		err := tx.Where("tx_signature = ?", req.TxSignature).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("check sync idempotency: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			// Another transaction may have enqueued the same signature
			// between our check and create.
			var raceExisting SyncJob
			if lookupErr := s.db.Where("tx_signature = ?", req.TxSignature).First(&raceExisting).Error; lookupErr == nil {
				result = &raceExisting
				return nil
			}
			return fmt.Errorf("enqueue sync job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically picks a queued job and transitions it to running.
// Uses FOR UPDATE SKIP LOCKED where supported (PostgreSQL).
// Returns nil if no jobs are available.
func (s *JobStore) Claim(maxRetries int) (*SyncJob, error) {
	var job SyncJob

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Attempt FOR UPDATE SKIP LOCKED (PostgreSQL). Fall back to a plain
		// SELECT on databases that don't support it.
		result := tx.Raw(`
			SELECT * FROM mirror_sync_jobs
			WHERE state = ? AND attempt_count <= ?
			ORDER BY requested_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, JobStateQueued, maxRetries).Scan(&job)

		if result.Error != nil {
			result = tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
				Order("requested_at ASC").
				Limit(1).
				First(&job)
			if result.Error != nil {
				if result.Error == gorm.ErrRecordNotFound {
					return nil
				}
				return result.Error
			}
		}

		if job.ID == "" {
			return nil
		}

		now := time.Now()
		return tx.Model(&SyncJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			}).Error
	})

	if err != nil {
		return nil, fmt.Errorf("claim sync job: %w", err)
	}

	if job.ID == "" {
		return nil, nil
	}

	if err := s.db.First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}

	return &job, nil
}

// Complete marks a job as succeeded.
func (s *JobStore) Complete(jobID string) error {
	now := time.Now()
	result := s.db.Model(&SyncJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       JobStateSucceeded,
		"finished_at": now,
		"last_error":  "",
	})
	if result.Error != nil {
		return fmt.Errorf("complete sync job: %w", result.Error)
	}
	return nil
}

// Fail marks a job as failed. If the attempt count is within retries, it
// re-queues the job instead.
func (s *JobStore) Fail(jobID string, errMsg string, maxRetries int) error {
	var job SyncJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load sync job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error": errMsg,
	}
	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		updates["finished_at"] = time.Now()
	}

	result := s.db.Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("fail sync job: %w", result.Error)
	}
	return nil
}

// Get retrieves a job by id. Returns nil, nil if no job exists.
func (s *JobStore) Get(jobID string) (*SyncJob, error) {
	var job SyncJob
	err := s.db.First(&job, "id = ?", jobID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return &job, nil
}

// List returns jobs, optionally filtered by state, newest first.
func (s *JobStore) List(state string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Order("requested_at DESC").Limit(limit)
	if state != "" {
		query = query.Where("state = ?", state)
	}
	var jobs []SyncJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	return jobs, nil
}

// CleanupStuckJobs re-queues jobs that have been running longer than the
// claim timeout, so a crashed worker's claim does not strand a replay.
func (s *JobStore) CleanupStuckJobs(claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	result := s.db.Model(&SyncJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck sync jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before the cutoff.
func (s *JobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.
		Where("state IN ? AND finished_at < ?", []JobState{JobStateSucceeded, JobStateFailed}, cutoff).
		Delete(&SyncJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old sync jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
