package custody

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a custom GORM type for map[string]any stored as JSON text.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// BatchStatus is the mirror's lifecycle status of a batch.
type BatchStatus string

const (
	StatusProcessing BatchStatus = "processing"
	StatusFinalized  BatchStatus = "finalized"
)

// BatchRecord is the mirror row for a batch. OnchainID and BrandOwnerKey are
// set once at creation and never reassigned; CurrentHolderKey changes only
// through a confirmed custody transfer.
type BatchRecord struct {
	OffchainID       string      `gorm:"primaryKey;column:offchain_id;type:varchar(128)" json:"offchainId"`
	OnchainID        string      `gorm:"column:onchain_id;uniqueIndex:idx_batch_onchain;not null" json:"onchainId"`
	BrandOwnerKey    string      `gorm:"column:brand_owner_key;not null" json:"brandOwnerKey"`
	CurrentHolderKey string      `gorm:"column:current_holder_key;index:idx_batch_holder;not null" json:"currentHolderKey"`
	Status           BatchStatus `gorm:"column:status;default:processing;not null" json:"status"`
	NextStageIndex   int         `gorm:"column:next_stage_index;default:0;not null" json:"nextStageIndex"`
	CreatedAt        time.Time   `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time   `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (BatchRecord) TableName() string { return "batches" }

// StageLogRecord is one attested stage in a batch's journey. Stage indices
// for a batch form a contiguous sequence starting at 0.
type StageLogRecord struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	BatchID     string    `gorm:"column:batch_id;uniqueIndex:idx_stage_batch_index,priority:1;not null" json:"batchId"`
	StageIndex  int       `gorm:"column:stage_index;uniqueIndex:idx_stage_batch_index,priority:2;not null" json:"stageIndex"`
	AddedByKey  string    `gorm:"column:added_by_key;not null" json:"addedByKey"`
	PartnerType string    `gorm:"column:partner_type" json:"partnerType,omitempty"`
	StageName   string    `gorm:"column:stage_name;not null" json:"stageName"`
	Metadata    JSONMap   `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	IpfsCID     string    `gorm:"column:ipfs_cid" json:"ipfsCid,omitempty"`
	TxSignature string    `gorm:"column:tx_signature;uniqueIndex:idx_stage_tx;not null" json:"txSignature"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (StageLogRecord) TableName() string { return "stage_logs" }

// ParticipantRecord grants a public key visibility into a batch and
// eligibility to become its holder. Participants are never removed once
// referenced as a historical holder.
type ParticipantRecord struct {
	ID               string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	BatchID          string    `gorm:"column:batch_id;uniqueIndex:idx_participant_batch_key,priority:1;not null" json:"batchId"`
	PartnerPublicKey string    `gorm:"column:partner_public_key;uniqueIndex:idx_participant_batch_key,priority:2;not null" json:"partnerPublicKey"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (ParticipantRecord) TableName() string { return "participants" }
