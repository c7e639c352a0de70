package entity

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusCompleted DeliveryStatus = "completed"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

// DeliveryRecord packages a batch's results for handoff. BatchID is a weak
// reference: the batch is always re-queried, never preloaded through it.
type DeliveryRecord struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	BatchID        uuid.UUID       `json:"batch_id" gorm:"type:uuid;not null;index"`
	Category       JewelryCategory `json:"category" gorm:"type:varchar(32);not null"`
	RecipientEmail string          `json:"recipient_email" gorm:"type:varchar(320);not null;index"`
	// Token is empty until a send has been confirmed by the mail transport.
	Token          *string        `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" gorm:"type:varchar(32);not null;default:'completed';index"`

	// SendClaim/SendClaimedAt form an expiring lease held by the one sender
	// allowed to call the mail transport.
	SendClaim     *string    `json:"-" gorm:"type:varchar(64)"`
	SendClaimedAt *time.Time `json:"-"`

	EmailSentAt *time.Time `json:"email_sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Items []DeliveryItem `json:"items,omitempty" gorm:"foreignKey:DeliveryID;constraint:OnDelete:CASCADE"`
}

func (DeliveryRecord) TableName() string {
	return "deliveries"
}

type DeliveryItem struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeliveryID  uuid.UUID `json:"delivery_id" gorm:"type:uuid;not null;index"`
	BatchItemID uuid.UUID `json:"batch_item_id" gorm:"type:uuid;not null"`
	Sequence    int       `json:"sequence" gorm:"not null"`
	ResultURL   string    `json:"result_url" gorm:"type:varchar(2048);not null"`
	Filename    string    `json:"filename" gorm:"type:varchar(512);not null"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
}

func (DeliveryItem) TableName() string {
	return "delivery_items"
}
