package entity

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the aggregate status of a batch. The six values are part of
// the external contract shared with the admin console and notification
// templates.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusDelivered  BatchStatus = "delivered"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted,
		BatchStatusFailed, BatchStatusPartial, BatchStatusDelivered:
		return true
	}
	return false
}

// IsDeliverable reports whether results of a batch in this status may be
// packaged and sent.
func (s BatchStatus) IsDeliverable() bool {
	return s == BatchStatusCompleted || s == BatchStatusPartial
}

// StampsCompletion reports whether entering s sets completed_at.
func (s BatchStatus) StampsCompletion() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusDelivered
}

// JewelryCategory tags what kind of piece a batch was shot for.
type JewelryCategory string

const (
	CategoryNecklace JewelryCategory = "necklace"
	CategoryRing     JewelryCategory = "ring"
	CategoryEarring  JewelryCategory = "earring"
	CategoryBracelet JewelryCategory = "bracelet"
	CategoryWatch    JewelryCategory = "watch"
)

func (c JewelryCategory) IsValid() bool {
	switch c {
	case CategoryNecklace, CategoryRing, CategoryEarring, CategoryBracelet, CategoryWatch:
		return true
	}
	return false
}

type BatchJob struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;index"`
	Category          JewelryCategory `json:"category" gorm:"type:varchar(32);not null;index"`
	NotificationEmail string          `json:"notification_email" gorm:"type:varchar(320)"`
	Status            BatchStatus     `json:"status" gorm:"type:varchar(32);not null;default:'pending';index"`
	// StatusOverridden is set by an administrative override; recalculation
	// leaves Status alone until the override is released.
	StatusOverridden bool   `json:"status_overridden" gorm:"not null;default:false"`
	TotalImages      int    `json:"total_images" gorm:"not null;default:0"`
	CompletedImages  int    `json:"completed_images" gorm:"not null;default:0"`
	FailedImages     int    `json:"failed_images" gorm:"not null;default:0"`
	InspirationURL   string `json:"inspiration_url,omitempty" gorm:"type:varchar(2048)"`
	ExternalURL      string `json:"external_url,omitempty" gorm:"type:varchar(2048)"`

	CreatedAt   time.Time  `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Items []BatchItem `json:"items,omitempty" gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE"`
}

func (BatchJob) TableName() string {
	return "batch_jobs"
}
