package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ItemStatus is the status of one image inside a batch.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusCompleted, ItemStatusFailed:
		return true
	}
	return false
}

func (s ItemStatus) IsFinished() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

type SkinTone string

const (
	SkinToneLight  SkinTone = "light"
	SkinToneFair   SkinTone = "fair"
	SkinToneMedium SkinTone = "medium"
	SkinToneOlive  SkinTone = "olive"
	SkinToneBrown  SkinTone = "brown"
	SkinToneDark   SkinTone = "dark"
)

func (s SkinTone) IsValid() bool {
	switch s {
	case "", SkinToneLight, SkinToneFair, SkinToneMedium, SkinToneOlive, SkinToneBrown, SkinToneDark:
		return true
	}
	return false
}

// BatchItem holds locators as their canonical URL strings, exactly as
// produced at upload time.
type BatchItem struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	BatchID        uuid.UUID      `json:"batch_id" gorm:"type:uuid;not null;uniqueIndex:idx_batch_item_sequence"`
	Sequence       int            `json:"sequence" gorm:"not null;uniqueIndex:idx_batch_item_sequence"`
	InputURL       string         `json:"input_url" gorm:"type:varchar(2048);not null"`
	ResultURL      *string        `json:"result_url,omitempty" gorm:"type:varchar(2048)"`
	MaskURL        *string        `json:"mask_url,omitempty" gorm:"type:varchar(2048)"`
	ThumbnailURL   *string        `json:"thumbnail_url,omitempty" gorm:"type:varchar(2048)"`
	InspirationURL *string        `json:"inspiration_url,omitempty" gorm:"type:varchar(2048)"`
	SkinTone       SkinTone       `json:"skin_tone,omitempty" gorm:"type:varchar(32)"`
	Classification datatypes.JSON `json:"classification,omitempty"`
	Status         ItemStatus     `json:"status" gorm:"type:varchar(32);not null;default:'pending';index"`
	ErrorMessage   *string        `json:"error_message,omitempty" gorm:"type:text"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt             time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (BatchItem) TableName() string {
	return "batch_items"
}
