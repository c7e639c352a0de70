package repository

import (
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create inserts the record together with its line items.
func (r *DeliveryRepository) Create(record *entity.DeliveryRecord) error {
	return r.db.Create(record).Error
}

func (r *DeliveryRepository) FindByID(id uuid.UUID) (*entity.DeliveryRecord, error) {
	var record entity.DeliveryRecord
	err := r.withItems().Where("id = ?", id).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *DeliveryRepository) FindByToken(token string) (*entity.DeliveryRecord, error) {
	var record entity.DeliveryRecord
	err := r.withItems().Where("token = ?", token).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *DeliveryRepository) FindByBatchID(batchID uuid.UUID) ([]entity.DeliveryRecord, error) {
	var records []entity.DeliveryRecord
	err := r.db.Where("batch_id = ?", batchID).Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *DeliveryRepository) FindDeliveredByBatchID(batchID uuid.UUID) (*entity.DeliveryRecord, error) {
	var record entity.DeliveryRecord
	err := r.db.Where("batch_id = ? AND delivery_status = ?", batchID, entity.DeliveryStatusDelivered).
		Order("delivered_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SiblingBlocksSend reports whether another record of the same batch is
// delivered or holds a send lease claimed at or after staleBefore.
func (r *DeliveryRepository) SiblingBlocksSend(batchID, id uuid.UUID, staleBefore time.Time) (bool, error) {
	var count int64
	err := r.db.Model(&entity.DeliveryRecord{}).
		Where("batch_id = ? AND id <> ?", batchID, id).
		Where("(delivery_status = ? OR (send_claim IS NOT NULL AND send_claimed_at >= ?))",
			entity.DeliveryStatusDelivered, staleBefore).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimSend takes the send lease on a not yet delivered record. A lease
// claimed before staleBefore is considered abandoned.
func (r *DeliveryRepository) ClaimSend(id uuid.UUID, claim string, now, staleBefore time.Time) (bool, error) {
	result := r.db.Model(&entity.DeliveryRecord{}).
		Where("id = ? AND delivery_status = ?", id, entity.DeliveryStatusCompleted).
		Where("(send_claim IS NULL OR send_claimed_at < ?)", staleBefore).
		Updates(map[string]interface{}{
			"send_claim":      claim,
			"send_claimed_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *DeliveryRepository) ReleaseSend(id uuid.UUID, claim string) error {
	return r.db.Model(&entity.DeliveryRecord{}).
		Where("id = ? AND send_claim = ?", id, claim).
		Updates(map[string]interface{}{
			"send_claim":      nil,
			"send_claimed_at": nil,
		}).Error
}

// MarkDelivered flips the record only while the caller still holds its claim.
func (r *DeliveryRepository) MarkDelivered(id uuid.UUID, claim, token string, at time.Time) (bool, error) {
	result := r.db.Model(&entity.DeliveryRecord{}).
		Where("id = ? AND send_claim = ? AND delivery_status = ?", id, claim, entity.DeliveryStatusCompleted).
		Updates(map[string]interface{}{
			"token":           token,
			"delivery_status": entity.DeliveryStatusDelivered,
			"email_sent_at":   at,
			"delivered_at":    at,
			"send_claim":      nil,
			"send_claimed_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete removes the record and its line items.
func (r *DeliveryRepository) Delete(id uuid.UUID) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("delivery_id = ?", id).Delete(&entity.DeliveryItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&entity.DeliveryRecord{}, "id = ?", id).Error
	})
}

func (r *DeliveryRepository) withItems() *gorm.DB {
	return r.db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC")
	})
}
