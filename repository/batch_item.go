package repository

import (
	"github.com/formanova/studio-core/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BatchItemRepository struct {
	db *gorm.DB
}

func NewBatchItemRepository(db *gorm.DB) *BatchItemRepository {
	return &BatchItemRepository{db: db}
}

func (r *BatchItemRepository) CreateMany(items []entity.BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.Create(&items).Error
}

func (r *BatchItemRepository) FindByID(id uuid.UUID) (*entity.BatchItem, error) {
	var item entity.BatchItem
	err := r.db.Where("id = ?", id).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *BatchItemRepository) FindByBatchID(batchID uuid.UUID) ([]entity.BatchItem, error) {
	var items []entity.BatchItem
	err := r.db.Where("batch_id = ?", batchID).Order("sequence ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindDeliverable returns completed items that carry a result, by sequence.
func (r *BatchItemRepository) FindDeliverable(batchID uuid.UUID) ([]entity.BatchItem, error) {
	var items []entity.BatchItem
	err := r.db.
		Where("batch_id = ? AND status = ? AND result_url IS NOT NULL AND result_url <> ''", batchID, entity.ItemStatusCompleted).
		Order("sequence ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Save writes every column of item, including nil locators.
func (r *BatchItemRepository) Save(item *entity.BatchItem) error {
	return r.db.Save(item).Error
}

// CountByStatus returns how many of the batch's items are in each status.
func (r *BatchItemRepository) CountByStatus(batchID uuid.UUID) (map[entity.ItemStatus]int, error) {
	var rows []struct {
		Status entity.ItemStatus
		Count  int
	}
	err := r.db.Model(&entity.BatchItem{}).
		Select("status, COUNT(*) AS count").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[entity.ItemStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *BatchItemRepository) DeleteByBatchID(batchID uuid.UUID) error {
	return r.db.Where("batch_id = ?", batchID).Delete(&entity.BatchItem{}).Error
}
