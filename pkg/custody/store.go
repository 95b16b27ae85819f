package custody

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrBatchNotFound means the mirror has no row for the requested batch.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchExists means a batch with the requested offchain id already
	// exists in the mirror.
	ErrBatchExists = errors.New("batch already exists")

	// ErrStageIndexConflict means a stage write expected a next-stage index
	// that has already moved. The caller reloads and retries.
	ErrStageIndexConflict = errors.New("stage index conflict")
)

// Store is the relational mirror of ledger state: batches, stage logs, and
// participants. The ledger is authoritative; the mirror serves reads.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the mirror tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&BatchRecord{}); err != nil {
		return fmt.Errorf("auto-migrate batches: %w", err)
	}
	if err := s.db.AutoMigrate(&StageLogRecord{}); err != nil {
		return fmt.Errorf("auto-migrate stage_logs: %w", err)
	}
	if err := s.db.AutoMigrate(&ParticipantRecord{}); err != nil {
		return fmt.Errorf("auto-migrate participants: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by its offchain id. Returns nil, nil if no row
// exists.
func (s *Store) GetBatch(offchainID string) (*BatchRecord, error) {
	var record BatchRecord
	err := s.db.Where("offchain_id = ?", offchainID).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &record, nil
}

// InsertBatch writes a new batch row and its participant rows in one
// transaction; either all of them land or none do.
func (s *Store) InsertBatch(batch *BatchRecord, participantKeys []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return insertParticipants(tx, batch.OffchainID, participantKeys)
	})
}

// InsertParticipants appends participants to an existing batch. Keys already
// registered are skipped.
func (s *Store) InsertParticipants(batchID string, participantKeys []string) error {
	return insertParticipants(s.db, batchID, participantKeys)
}

func insertParticipants(tx *gorm.DB, batchID string, keys []string) error {
	for _, key := range keys {
		record := &ParticipantRecord{
			ID:               uuid.New().String(),
			BatchID:          batchID,
			PartnerPublicKey: key,
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
		if err != nil {
			return fmt.Errorf("insert participant %s: %w", key, err)
		}
	}
	return nil
}

// ListParticipants returns the participant keys of a batch.
func (s *Store) ListParticipants(batchID string) ([]ParticipantRecord, error) {
	var records []ParticipantRecord
	err := s.db.Where("batch_id = ?", batchID).Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return records, nil
}

// IsParticipant reports whether the public key is registered on the batch.
func (s *Store) IsParticipant(batchID, publicKey string) (bool, error) {
	var count int64
	err := s.db.Model(&ParticipantRecord{}).
		Where("batch_id = ? AND partner_public_key = ?", batchID, publicKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return count > 0, nil
}

// ListStageLogs returns a batch's stage logs ordered by stage index.
func (s *Store) ListStageLogs(batchID string) ([]StageLogRecord, error) {
	var records []StageLogRecord
	err := s.db.Where("batch_id = ?", batchID).Order("stage_index ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list stage logs: %w", err)
	}
	return records, nil
}

// InsertStageLog writes a stage log and advances the batch's next-stage
// counter in one transaction. The counter update is a compare-and-set on the
// expected index: a concurrent writer that moved the counter first makes this
// call fail with ErrStageIndexConflict without writing anything. A log whose
// transaction signature was already recorded is a replay and is a no-op.
func (s *Store) InsertStageLog(log *StageLogRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&StageLogRecord{}).
			Where("tx_signature = ?", log.TxSignature).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("check stage log replay: %w", err)
		}
		if existing > 0 {
			return nil
		}

		result := tx.Model(&BatchRecord{}).
			Where("offchain_id = ? AND next_stage_index = ?", log.BatchID, log.StageIndex).
			Update("next_stage_index", gorm.Expr("next_stage_index + 1"))
		if result.Error != nil {
			return fmt.Errorf("advance stage index: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			batch, err := s.getBatchTx(tx, log.BatchID)
			if err != nil {
				return err
			}
			if batch == nil {
				return fmt.Errorf("batch %q: %w", log.BatchID, ErrBatchNotFound)
			}
			return fmt.Errorf("batch %q expected index %d, counter at %d: %w",
				log.BatchID, log.StageIndex, batch.NextStageIndex, ErrStageIndexConflict)
		}

		if log.ID == "" {
			log.ID = uuid.New().String()
		}
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("insert stage log: %w", err)
		}
		return nil
	})
}

// ReplayStageLog writes a confirmed stage log during mirror reconciliation.
// The ledger already ordered the stage, so a counter that moved past the
// recorded index means this stage serialized after the writer that moved it;
// the log is re-homed at the current counter instead of conflicting. Replays
// of an already-recorded transaction signature are a no-op.
func (s *Store) ReplayStageLog(log *StageLogRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&StageLogRecord{}).
			Where("tx_signature = ?", log.TxSignature).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("check stage log replay: %w", err)
		}
		if existing > 0 {
			return nil
		}

		batch, err := s.getBatchTx(tx, log.BatchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("batch %q: %w", log.BatchID, ErrBatchNotFound)
		}
		if batch.NextStageIndex != log.StageIndex {
			log.StageIndex = batch.NextStageIndex
		}

		result := tx.Model(&BatchRecord{}).
			Where("offchain_id = ? AND next_stage_index = ?", log.BatchID, log.StageIndex).
			Update("next_stage_index", gorm.Expr("next_stage_index + 1"))
		if result.Error != nil {
			return fmt.Errorf("advance stage index: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("batch %q counter moved during replay: %w",
				log.BatchID, ErrStageIndexConflict)
		}

		if log.ID == "" {
			log.ID = uuid.New().String()
		}
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("insert stage log: %w", err)
		}
		return nil
	})
}

// UpdateHolder sets the batch's current holder. Replays converge on the same
// holder, so no dedup key is needed.
func (s *Store) UpdateHolder(batchID, holderKey string) error {
	result := s.db.Model(&BatchRecord{}).
		Where("offchain_id = ?", batchID).
		Update("current_holder_key", holderKey)
	if result.Error != nil {
		return fmt.Errorf("update holder: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("batch %q: %w", batchID, ErrBatchNotFound)
	}
	return nil
}

// UpdateStatus moves a batch's status forward. Finalized is terminal, so a
// replayed finalize against an already-finalized batch is a no-op.
func (s *Store) UpdateStatus(batchID string, status BatchStatus) error {
	result := s.db.Model(&BatchRecord{}).
		Where("offchain_id = ? AND status = ?", batchID, StatusProcessing).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		batch, err := s.GetBatch(batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("batch %q: %w", batchID, ErrBatchNotFound)
		}
		// Already in the requested terminal state.
	}
	return nil
}

func (s *Store) getBatchTx(tx *gorm.DB, offchainID string) (*BatchRecord, error) {
	var record BatchRecord
	err := tx.Where("offchain_id = ?", offchainID).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &record, nil
}
