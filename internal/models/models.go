package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubmissionStatus is the delivery state stored in the ledger
type SubmissionStatus string

const (
	// StatusPending means a worker holds the claim, or died holding it
	StatusPending SubmissionStatus = "pending"
	// StatusProcessed means the attempt that last wrote the row has ended
	StatusProcessed SubmissionStatus = "processed"
)

// SubmissionRecord is the ledger row tracking delivery progress of one submission
type SubmissionRecord struct {
	ID                      uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	Status                  SubmissionStatus `gorm:"type:text;not null;check:chk_submissions_status,status IN ('pending','processed')" json:"status"`
	NumberOfDeliveredEvents int              `gorm:"not null;default:0" json:"number_of_delivered_events"`
	SequenceNumber          *string          `gorm:"type:text" json:"sequence_number"`
	CreatedAt               time.Time        `gorm:"type:timestamptz;not null" json:"created_at"`
	UpdatedAt               *time.Time       `gorm:"type:timestamptz" json:"updated_at"`
	DeletedAt               gorm.DeletedAt   `gorm:"type:timestamptz;index" json:"deleted_at"`
}

// TableName pins the ledger table name
func (SubmissionRecord) TableName() string {
	return "submissions"
}

// SetupModels migrates the ledger schema
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(&SubmissionRecord{})
}
