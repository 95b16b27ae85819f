package custody

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Audit event types emitted by the coordinator.
const (
	EventBatchCreated       = "batch.created"
	EventStageAdded         = "batch.stage_added"
	EventCustodyTransferred = "batch.custody_transferred"
	EventBatchFinalized     = "batch.finalized"
	EventMirrorSyncFailed   = "mirror.sync_failed"
)

// AuditEventRecord is an immutable audit log entry for a custody transition.
type AuditEventRecord struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	EventType   string    `gorm:"column:event_type;index:idx_audit_type;not null" json:"eventType"`
	Actor       string    `gorm:"column:actor;not null" json:"actor"`
	BatchID     string    `gorm:"column:batch_id;index:idx_audit_batch;not null" json:"batchId"`
	TxSignature string    `gorm:"column:tx_signature" json:"txSignature,omitempty"`
	Outcome     string    `gorm:"column:outcome;not null" json:"outcome"`
	Detail      JSONMap   `gorm:"column:detail;type:text" json:"detail,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (AuditEventRecord) TableName() string { return "audit_events" }

// AuditStore provides append and read operations for audit events.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// AutoMigrate creates or updates the audit_events table.
func (s *AuditStore) AutoMigrate() error {
	return s.db.AutoMigrate(&AuditEventRecord{})
}

// Append writes an audit event. Events are never updated or deleted.
func (s *AuditStore) Append(event *AuditEventRecord) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListByBatch returns a batch's audit events, newest first.
func (s *AuditStore) ListByBatch(batchID string, limit int) ([]AuditEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []AuditEventRecord
	err := s.db.Where("batch_id = ?", batchID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return records, nil
}
