package repository

import (
	"github.com/formanova/studio-core/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BatchFilter struct {
	UserID   *uuid.UUID
	Status   entity.BatchStatus
	Category entity.JewelryCategory
	Email    string
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Paging returns the page and page size List applies to the filter.
func (f BatchFilter) Paging() (page, pageSize int) {
	page, pageSize = f.Page, f.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}
	return page, pageSize
}

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts the batch row only; items are inserted separately.
func (r *BatchRepository) Create(batch *entity.BatchJob) error {
	return r.db.Omit(clause.Associations).Create(batch).Error
}

func (r *BatchRepository) FindByID(id uuid.UUID) (*entity.BatchJob, error) {
	var batch entity.BatchJob
	err := r.db.Where("id = ?", id).First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// FindByIDForUpdate locks the batch row for the rest of the transaction.
func (r *BatchRepository) FindByIDForUpdate(id uuid.UUID) (*entity.BatchJob, error) {
	var batch entity.BatchJob
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) FindByIDWithItems(id uuid.UUID) (*entity.BatchJob, error) {
	var batch entity.BatchJob
	err := r.db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC")
	}).Where("id = ?", id).First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) List(filter BatchFilter) ([]entity.BatchJob, int64, error) {
	query := r.db.Model(&entity.BatchJob{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.Email != "" {
		query = query.Where("LOWER(notification_email) = LOWER(?)", filter.Email)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := filter.Paging()

	var batches []entity.BatchJob
	err := query.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&batches).Error
	if err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

// FindByStatuses returns batches in any of statuses with their items, oldest first.
func (r *BatchRepository) FindByStatuses(statuses []entity.BatchStatus, limit int) ([]entity.BatchJob, error) {
	var batches []entity.BatchJob
	err := r.db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC")
	}).Where("status IN ?", statuses).Order("created_at ASC").Limit(limit).Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// FindAwaitingDelivery returns deliverable batches that have no delivered record yet.
func (r *BatchRepository) FindAwaitingDelivery() ([]entity.BatchJob, error) {
	var batches []entity.BatchJob
	err := r.db.
		Where("status IN ?", []entity.BatchStatus{entity.BatchStatusCompleted, entity.BatchStatusPartial}).
		Where("NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.batch_id = batch_jobs.id AND d.delivery_status = ?)",
			entity.DeliveryStatusDelivered).
		Order("created_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *BatchRepository) UpdateFields(id uuid.UUID, fields map[string]interface{}) error {
	return r.db.Model(&entity.BatchJob{}).Where("id = ?", id).Updates(fields).Error
}

func (r *BatchRepository) Delete(id uuid.UUID) error {
	return r.db.Delete(&entity.BatchJob{}, "id = ?", id).Error
}
