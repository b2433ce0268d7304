package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Organization represents the organizations table: the balance row plus the
// auto top-up policy.
type Organization struct {
	OrganizationID   string    `gorm:"primaryKey"`
	BalanceCents     int64     `gorm:"not null"`
	ThresholdCents   int64     `gorm:"not null"`
	TopUpAmountCents int64     `gorm:"not null"`
	AutoTopUpEnabled bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Organization) TableName() string { return "organizations" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID     string         `gorm:"type:uuid;primaryKey"`
	OrganizationID    string         `gorm:"not null;index:idx_transactions_org_created,priority:1"`
	UserID            string         `gorm:"not null"`
	Type              string         `gorm:"not null"`
	AmountCents       int64          `gorm:"not null"`
	BalanceAfterCents int64          `gorm:"not null"`
	Description       string         `gorm:""`
	ExternalReference string         `gorm:"index:idx_transactions_external_reference"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_transactions_org_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent mirrors the processed_events dedup table. The primary key on
// external_event_id is what makes the unseen-to-processing claim atomic.
type ProcessedEvent struct {
	ExternalEventID string    `gorm:"primaryKey"`
	Status          string    `gorm:"not null"`
	ErrorText       string    `gorm:""`
	ProcessedAt     time.Time `gorm:"not null;index"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
