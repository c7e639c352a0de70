package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/repository"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NewBatchItem is one accepted image of a submission.
type NewBatchItem struct {
	Sequence       int
	InputURL       string
	InspirationURL *string
	SkinTone       entity.SkinTone
	Classification datatypes.JSON
}

type NewBatch struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Category          entity.JewelryCategory
	NotificationEmail string
	InspirationURL    string
	ExternalURL       string
	Items             []NewBatchItem
}

// ItemUpdate is a requested change to one item. Nil locators are left as they are.
type ItemUpdate struct {
	ItemID       uuid.UUID
	Status       entity.ItemStatus
	ResultURL    *string
	MaskURL      *string
	ThumbnailURL *string
	ErrorMessage *string
}

type ItemUpdateError struct {
	ItemID uuid.UUID `json:"image_id"`
	Error  string    `json:"error"`
}

type BulkUpdateResult struct {
	UpdatedCount int               `json:"updated_count"`
	Errors       []ItemUpdateError `json:"errors"`
}

// BatchLedger owns batch and item records and keeps every batch's aggregate
// status consistent with its items.
type BatchLedger struct {
	repo   *repository.Repository
	logger Logger
	now    func() time.Time
}

func NewBatchLedger(repo *repository.Repository, logger Logger) *BatchLedger {
	return &BatchLedger{repo: repo, logger: logger, now: time.Now}
}

// NextBatchStatus applies the aggregation rule to a batch's item counts.
// It yields completed or failed once every item is finished and never
// yields partial.
func NextBatchStatus(current entity.BatchStatus, total, completed, failed int) entity.BatchStatus {
	if total == 0 {
		return current
	}
	if completed+failed >= total {
		if failed == total {
			return entity.BatchStatusFailed
		}
		return entity.BatchStatusCompleted
	}
	if completed > 0 || failed > 0 {
		return entity.BatchStatusProcessing
	}
	return current
}

// CreateBatch inserts the batch and then its items. If the items cannot be
// inserted the batch row is deleted again.
func (l *BatchLedger) CreateBatch(ctx context.Context, in NewBatch) (*entity.BatchJob, error) {
	if len(in.Items) == 0 {
		return nil, ErrNoImagesAccepted
	}
	if !in.Category.IsValid() {
		return nil, fmt.Errorf("%w: category %q", ErrInvalidStatus, in.Category)
	}

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	batch := &entity.BatchJob{
		ID:                id,
		UserID:            in.UserID,
		Category:          in.Category,
		NotificationEmail: in.NotificationEmail,
		Status:            entity.BatchStatusPending,
		TotalImages:       len(in.Items),
		InspirationURL:    in.InspirationURL,
		ExternalURL:       in.ExternalURL,
	}
	if err := l.repo.BatchRepo.Create(batch); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Ledger] Failed to create batch: %v", err)
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	items := make([]entity.BatchItem, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, entity.BatchItem{
			ID:             uuid.New(),
			BatchID:        batch.ID,
			Sequence:       it.Sequence,
			InputURL:       it.InputURL,
			InspirationURL: it.InspirationURL,
			SkinTone:       it.SkinTone,
			Classification: it.Classification,
			Status:         entity.ItemStatusPending,
		})
	}

	if err := l.repo.BatchItemRepo.CreateMany(items); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Ledger] Failed to create items for batch %s, removing batch: %v", batch.ID, err)
		if delErr := l.repo.BatchRepo.Delete(batch.ID); delErr != nil {
			l.logger.ErrorWithContextf(ctx, delErr, "[Ledger] Failed to remove batch %s after item insert failure: %v", batch.ID, delErr)
		}
		return nil, fmt.Errorf("failed to create batch items: %w", err)
	}

	batch.Items = items
	l.logger.InfoWithContextf(ctx, "[Ledger] Created batch %s with %d items", batch.ID, len(items))
	return batch, nil
}

// UpdateItem applies one item update and recalculates its batch.
func (l *BatchLedger) UpdateItem(ctx context.Context, upd ItemUpdate) (*entity.BatchItem, error) {
	var updated *entity.BatchItem
	err := l.repo.Transaction(func(tx *repository.Repository) error {
		item, err := l.applyItemUpdate(tx, upd)
		if err != nil {
			return err
		}
		if _, err := l.recalculate(tx, item.BatchID); err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		l.logger.WarningWithContextf(ctx, "[Ledger] Update of item %s rejected: %v", upd.ItemID, err)
		return nil, err
	}
	return updated, nil
}

// BulkUpdateItems applies every update on its own; one failing update does
// not stop the others. Each affected batch is recalculated once afterwards.
func (l *BatchLedger) BulkUpdateItems(ctx context.Context, updates []ItemUpdate) (*BulkUpdateResult, error) {
	result := &BulkUpdateResult{Errors: []ItemUpdateError{}}
	var batchOrder []uuid.UUID
	touched := make(map[uuid.UUID]struct{})

	for _, upd := range updates {
		var item *entity.BatchItem
		err := l.repo.Transaction(func(tx *repository.Repository) error {
			var err error
			item, err = l.applyItemUpdate(tx, upd)
			return err
		})
		if err != nil {
			result.Errors = append(result.Errors, ItemUpdateError{ItemID: upd.ItemID, Error: err.Error()})
			continue
		}
		result.UpdatedCount++
		if _, seen := touched[item.BatchID]; !seen {
			touched[item.BatchID] = struct{}{}
			batchOrder = append(batchOrder, item.BatchID)
		}
	}

	for _, batchID := range batchOrder {
		if _, err := l.Recalculate(ctx, batchID); err != nil {
			return result, err
		}
	}

	l.logger.InfoWithContextf(ctx, "[Ledger] Bulk update applied %d of %d updates across %d batches",
		result.UpdatedCount, len(updates), len(batchOrder))
	return result, nil
}

// Recalculate re-derives the batch's counts and status from its current items.
func (l *BatchLedger) Recalculate(ctx context.Context, batchID uuid.UUID) (*entity.BatchJob, error) {
	var batch *entity.BatchJob
	err := l.repo.Transaction(func(tx *repository.Repository) error {
		var err error
		batch, err = l.recalculate(tx, batchID)
		return err
	})
	if err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Ledger] Failed to recalculate batch %s: %v", batchID, err)
		return nil, err
	}
	return batch, nil
}

// ForceStatus sets a batch's status by hand. The batch keeps that status
// until the override is released.
func (l *BatchLedger) ForceStatus(ctx context.Context, batchID uuid.UUID, status entity.BatchStatus) (*entity.BatchJob, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var batch *entity.BatchJob
	err := l.repo.Transaction(func(tx *repository.Repository) error {
		current, err := findBatchForUpdate(tx, batchID)
		if err != nil {
			return err
		}

		fields := map[string]interface{}{
			"status":            status,
			"status_overridden": true,
		}
		if (status == entity.BatchStatusCompleted || status == entity.BatchStatusDelivered) && current.CompletedAt == nil {
			fields["completed_at"] = l.now()
		}
		if err := tx.BatchRepo.UpdateFields(batchID, fields); err != nil {
			return fmt.Errorf("failed to force batch status: %w", err)
		}

		batch, err = tx.BatchRepo.FindByID(batchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoWithContextf(ctx, "[Ledger] Batch %s forced to %s", batchID, status)
	return batch, nil
}

// ReleaseOverride returns a forced batch to automatic recalculation.
func (l *BatchLedger) ReleaseOverride(ctx context.Context, batchID uuid.UUID) (*entity.BatchJob, error) {
	var batch *entity.BatchJob
	err := l.repo.Transaction(func(tx *repository.Repository) error {
		if _, err := findBatchForUpdate(tx, batchID); err != nil {
			return err
		}
		if err := tx.BatchRepo.UpdateFields(batchID, map[string]interface{}{"status_overridden": false}); err != nil {
			return fmt.Errorf("failed to release override: %w", err)
		}
		var err error
		batch, err = l.recalculate(tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoWithContextf(ctx, "[Ledger] Override released on batch %s, status now %s", batchID, batch.Status)
	return batch, nil
}

// DeleteOutput drops an item's result and returns it to pending. This is the
// only way a finished item goes back to pending.
func (l *BatchLedger) DeleteOutput(ctx context.Context, itemID uuid.UUID) (*entity.BatchItem, error) {
	var item *entity.BatchItem
	err := l.repo.Transaction(func(tx *repository.Repository) error {
		var err error
		item, err = findItem(tx, itemID)
		if err != nil {
			return err
		}

		item.Status = entity.ItemStatusPending
		item.ResultURL = nil
		item.ErrorMessage = nil
		item.ProcessingStartedAt = nil
		item.ProcessingCompletedAt = nil
		if err := tx.BatchItemRepo.Save(item); err != nil {
			return fmt.Errorf("failed to clear item output: %w", err)
		}

		_, err = l.recalculate(tx, item.BatchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoWithContextf(ctx, "[Ledger] Output of item %s deleted", itemID)
	return item, nil
}

// DeleteBatch removes the items and then the batch. A failure to delete the
// items is logged and does not keep the batch from being removed.
func (l *BatchLedger) DeleteBatch(ctx context.Context, batchID uuid.UUID) error {
	if _, err := l.repo.BatchRepo.FindByID(batchID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBatchNotFound
		}
		return err
	}

	if err := l.repo.BatchItemRepo.DeleteByBatchID(batchID); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Ledger] Failed to delete items of batch %s, deleting batch anyway: %v", batchID, err)
	}

	if err := l.repo.BatchRepo.Delete(batchID); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Ledger] Failed to delete batch %s: %v", batchID, err)
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	l.logger.InfoWithContextf(ctx, "[Ledger] Deleted batch %s", batchID)
	return nil
}

func (l *BatchLedger) applyItemUpdate(tx *repository.Repository, upd ItemUpdate) (*entity.BatchItem, error) {
	if !upd.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, upd.Status)
	}

	item, err := findItem(tx, upd.ItemID)
	if err != nil {
		return nil, err
	}

	if item.Status.IsFinished() && upd.Status == entity.ItemStatusPending {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, item.Status, upd.Status)
	}

	now := l.now()
	if upd.MaskURL != nil {
		item.MaskURL = upd.MaskURL
	}
	if upd.ThumbnailURL != nil {
		item.ThumbnailURL = upd.ThumbnailURL
	}

	switch upd.Status {
	case entity.ItemStatusPending:
		item.ResultURL = nil
		item.ErrorMessage = nil
	case entity.ItemStatusProcessing:
		item.ResultURL = nil
		item.ErrorMessage = nil
		item.ProcessingCompletedAt = nil
		if item.ProcessingStartedAt == nil || item.Status.IsFinished() {
			item.ProcessingStartedAt = &now
		}
	case entity.ItemStatusCompleted:
		if upd.ResultURL == nil || *upd.ResultURL == "" {
			return nil, ErrMissingResult
		}
		item.ResultURL = upd.ResultURL
		item.ErrorMessage = nil
		if item.ProcessingStartedAt == nil {
			item.ProcessingStartedAt = &now
		}
		item.ProcessingCompletedAt = &now
	case entity.ItemStatusFailed:
		item.ResultURL = nil
		msg := "processing failed"
		if upd.ErrorMessage != nil && *upd.ErrorMessage != "" {
			msg = *upd.ErrorMessage
		}
		item.ErrorMessage = &msg
		if item.ProcessingStartedAt == nil {
			item.ProcessingStartedAt = &now
		}
		item.ProcessingCompletedAt = &now
	}
	item.Status = upd.Status

	if err := tx.BatchItemRepo.Save(item); err != nil {
		return nil, fmt.Errorf("failed to save item: %w", err)
	}
	return item, nil
}

// recalculate counts the batch's items as they are now; counts are never
// carried forward or incremented.
func (l *BatchLedger) recalculate(tx *repository.Repository, batchID uuid.UUID) (*entity.BatchJob, error) {
	batch, err := findBatchForUpdate(tx, batchID)
	if err != nil {
		return nil, err
	}

	counts, err := tx.BatchItemRepo.CountByStatus(batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	completed := counts[entity.ItemStatusCompleted]
	failed := counts[entity.ItemStatusFailed]

	fields := map[string]interface{}{
		"total_images":     total,
		"completed_images": completed,
		"failed_images":    failed,
	}
	batch.TotalImages, batch.CompletedImages, batch.FailedImages = total, completed, failed

	if batch.Status != entity.BatchStatusDelivered && !batch.StatusOverridden {
		next := NextBatchStatus(batch.Status, total, completed, failed)
		if next != batch.Status {
			fields["status"] = next
			batch.Status = next
		}
		if next.StampsCompletion() && batch.CompletedAt == nil {
			now := l.now()
			fields["completed_at"] = now
			batch.CompletedAt = &now
		}
	}

	if err := tx.BatchRepo.UpdateFields(batchID, fields); err != nil {
		return nil, fmt.Errorf("failed to update batch: %w", err)
	}
	return batch, nil
}

func findBatchForUpdate(tx *repository.Repository, batchID uuid.UUID) (*entity.BatchJob, error) {
	batch, err := tx.BatchRepo.FindByIDForUpdate(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

func findItem(tx *repository.Repository, itemID uuid.UUID) (*entity.BatchItem, error) {
	item, err := tx.BatchItemRepo.FindByID(itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}
