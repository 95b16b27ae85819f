package keyvault

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CustodialAccountRecord stores a user's custodial keypair: the derived
// public key in the clear and the private key as ciphertext. The record is
// written once at onboarding and never regenerated in place; key rotation
// means creating a new account.
type CustodialAccountRecord struct {
	UserID              string    `gorm:"primaryKey;column:user_id;type:varchar(128)"`
	PublicKey           string    `gorm:"column:public_key;uniqueIndex:idx_custodial_pubkey;not null"`
	EncryptedPrivateKey string    `gorm:"column:encrypted_private_key;type:text;not null"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (CustodialAccountRecord) TableName() string { return "custodial_accounts" }

// Store provides database operations for custodial accounts.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the custodial_accounts table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&CustodialAccountRecord{})
}

// Get retrieves the custodial account for a user. Returns nil, nil if the
// user has no stored key.
func (s *Store) Get(userID string) (*CustodialAccountRecord, error) {
	var record CustodialAccountRecord
	err := s.db.Where("user_id = ?", userID).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get custodial account: %w", err)
	}
	return &record, nil
}

// GetByPublicKey retrieves the custodial account holding the given public key.
// Returns nil, nil if no account matches.
func (s *Store) GetByPublicKey(publicKey string) (*CustodialAccountRecord, error) {
	var record CustodialAccountRecord
	err := s.db.Where("public_key = ?", publicKey).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get custodial account by public key: %w", err)
	}
	return &record, nil
}

// Create inserts a new custodial account. Fails if the user already has one;
// existing ciphertexts are never overwritten.
func (s *Store) Create(record *CustodialAccountRecord) error {
	existing, err := s.Get(record.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("custodial account for user %q already exists", record.UserID)
	}
	if err := s.db.Create(record).Error; err != nil {
		return fmt.Errorf("create custodial account: %w", err)
	}
	return nil
}
