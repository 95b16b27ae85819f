package syncjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beantrace/custody/pkg/custody"
)

// WorkerPool replays queued mirror writes using a pool of goroutines. Every
// replayed write describes a ledger transaction that already confirmed, so
// the replay never touches the ledger; it only repairs the mirror.
type WorkerPool struct {
	store  *JobStore
	mirror *custody.Store
	cfg    *WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *JobStore, mirror *custody.Store, cfg *WorkerConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		store:  store,
		mirror: mirror,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines, each
// polling for jobs, blocks until the context is cancelled, then waits for
// all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("mirror sync worker pool disabled")
		return
	}

	wp.logger.Info("mirror sync worker pool starting",
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
	wp.logger.Info("mirror sync worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("mirror sync worker pool stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.processOne(workerID)
		}
	}
}

// processOne tries to claim and replay a single job.
func (wp *WorkerPool) processOne(workerID int) {
	job, err := wp.store.Claim(wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim sync job", "workerID", workerID, "error", err)
		return
	}
	if job == nil {
		return // No jobs available.
	}

	wp.logger.Info("replaying mirror write",
		"workerID", workerID,
		"jobID", job.ID,
		"batchId", job.BatchID,
		"kind", job.Kind,
		"txSignature", job.TxSignature,
		"attempt", job.AttemptCount)

	if err := wp.replay(job); err != nil {
		wp.logger.Error("mirror replay failed",
			"workerID", workerID,
			"jobID", job.ID,
			"error", err)
		if failErr := wp.store.Fail(job.ID, err.Error(), wp.cfg.MaxRetries); failErr != nil {
			wp.logger.Error("failed to mark sync job as failed", "jobID", job.ID, "error", failErr)
		}
		return
	}

	if err := wp.store.Complete(job.ID); err != nil {
		wp.logger.Error("failed to mark sync job as complete", "jobID", job.ID, "error", err)
		return
	}
	wp.logger.Info("mirror write replayed", "workerID", workerID, "jobID", job.ID, "txSignature", job.TxSignature)
}

// replay decodes the job payload and applies the mirror write. All the
// store's writes are replay-safe, so a job that already half-applied on a
// previous attempt converges.
func (wp *WorkerPool) replay(job *SyncJob) error {
	var req custody.SyncRequest
	if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
		return fmt.Errorf("decode sync payload: %w", err)
	}

	switch req.Kind {
	case custody.SyncKindBatch:
		if req.Batch == nil {
			return fmt.Errorf("batch sync job %s has no batch payload", job.ID)
		}
		existing, err := wp.mirror.GetBatch(req.BatchID)
		if err != nil {
			return err
		}
		if existing == nil {
			return wp.mirror.InsertBatch(req.Batch, req.Participants)
		}
		// Batch row landed on a previous attempt; converge the participants.
		return wp.mirror.InsertParticipants(req.BatchID, req.Participants)

	case custody.SyncKindStageLog:
		if req.StageLog == nil {
			return fmt.Errorf("stage sync job %s has no stage payload", job.ID)
		}
		return wp.mirror.ReplayStageLog(req.StageLog)

	case custody.SyncKindHolder:
		return wp.mirror.UpdateHolder(req.BatchID, req.HolderKey)

	case custody.SyncKindStatus:
		return wp.mirror.UpdateStatus(req.BatchID, req.Status)

	default:
		return fmt.Errorf("unknown sync kind %q", req.Kind)
	}
}

// cleanupLoop periodically recovers stuck jobs and deletes old terminal ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckJobs(wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck sync jobs", "error", err)
				} else if recovered > 0 {
					wp.logger.Info("recovered stuck sync jobs", "count", recovered)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old sync jobs", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old sync jobs", "count", deleted)
				}
			}
		}
	}
}
