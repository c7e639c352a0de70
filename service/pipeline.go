package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/repository"
	"github.com/google/uuid"
)

const defaultFetchPendingLimit = 50

type PendingBatch struct {
	ID                uuid.UUID              `json:"id"`
	Category          entity.JewelryCategory `json:"category"`
	Status            entity.BatchStatus     `json:"status"`
	NotificationEmail string                 `json:"notification_email,omitempty"`
	InspirationURL    *string                `json:"inspiration_url,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	Items             []ResolvedItem         `json:"images"`
}

type DeliverResult struct {
	DeliveryID  uuid.UUID  `json:"delivery_id"`
	ImageCount  int        `json:"image_count"`
	Status      SendStatus `json:"status"`
	Token       string     `json:"token,omitempty"`
	DeliveryURL string     `json:"delivery_url,omitempty"`
	EmailSent   bool       `json:"email_sent"`
	Error       string     `json:"error,omitempty"`
}

// PipelineAPI runs the commands the generation pipeline sends.
type PipelineAPI struct {
	repo        *repository.Repository
	ledger      *BatchLedger
	delivery    *DeliveryCoordinator
	linker      *AssetLinker
	fetchWindow time.Duration
}

func NewPipelineAPI(repo *repository.Repository, ledger *BatchLedger, delivery *DeliveryCoordinator, linker *AssetLinker, fetchWindow time.Duration) *PipelineAPI {
	return &PipelineAPI{
		repo:        repo,
		ledger:      ledger,
		delivery:    delivery,
		linker:      linker,
		fetchWindow: fetchWindow,
	}
}

func (p *PipelineAPI) Execute(ctx context.Context, cmd PipelineCommand) (interface{}, error) {
	switch c := cmd.(type) {
	case FetchPending:
		return p.fetchPending(ctx, c)
	case UpdateImage:
		return p.ledger.UpdateItem(ctx, c.Update)
	case BulkUpdate:
		return p.ledger.BulkUpdateItems(ctx, c.Updates)
	case Deliver:
		return p.deliver(ctx, c)
	default:
		return nil, fmt.Errorf("unsupported pipeline command %T", cmd)
	}
}

func (p *PipelineAPI) fetchPending(ctx context.Context, c FetchPending) ([]PendingBatch, error) {
	statuses := c.Statuses
	if len(statuses) == 0 {
		statuses = []entity.BatchStatus{entity.BatchStatusPending, entity.BatchStatusProcessing}
	}
	for _, s := range statuses {
		if !s.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
		}
	}
	limit := c.Limit
	if limit <= 0 || limit > 200 {
		limit = defaultFetchPendingLimit
	}

	batches, err := p.repo.BatchRepo.FindByStatuses(statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending batches: %w", err)
	}

	out := make([]PendingBatch, len(batches))
	for i, b := range batches {
		pending := PendingBatch{
			ID:                b.ID,
			Category:          b.Category,
			Status:            b.Status,
			NotificationEmail: b.NotificationEmail,
			CreatedAt:         b.CreatedAt,
			Items:             p.linker.ResolveItems(ctx, b.Items, p.fetchWindow),
		}
		if b.InspirationURL != "" {
			raw := b.InspirationURL
			if resolved, err := p.linker.ResolveOptional(&raw, p.fetchWindow); err == nil {
				pending.InspirationURL = resolved
			}
		}
		out[i] = pending
	}
	return out, nil
}

// deliver packages the listed images, or every deliverable image when none
// are listed, and sends the package.
func (p *PipelineAPI) deliver(ctx context.Context, c Deliver) (*DeliverResult, error) {
	opts := PackageOptions{Recipient: c.Recipient}
	if len(c.Images) > 0 {
		opts.Filenames = make(map[uuid.UUID]string, len(c.Images))
		for _, img := range c.Images {
			opts.ItemIDs = append(opts.ItemIDs, img.ImageID)
			if img.Filename != "" {
				opts.Filenames[img.ImageID] = img.Filename
			}
		}
	}

	record, err := p.delivery.Package(ctx, c.BatchID, opts)
	if errors.Is(err, ErrAlreadyDelivered) {
		skipped := &DeliverResult{Status: SendStatusSkipped, Error: err.Error()}
		if earlier, findErr := p.repo.DeliveryRepo.FindDeliveredByBatchID(c.BatchID); findErr == nil {
			skipped.DeliveryID = earlier.ID
		}
		return skipped, nil
	}
	if err != nil {
		return nil, err
	}

	sent, err := p.delivery.Send(ctx, record.ID)
	if err != nil {
		return nil, err
	}

	return &DeliverResult{
		DeliveryID:  record.ID,
		ImageCount:  len(record.Items),
		Status:      sent.Status,
		Token:       sent.Token,
		DeliveryURL: sent.DeliveryURL,
		EmailSent:   sent.Status == SendStatusSent,
		Error:       sent.Error,
	}, nil
}

// ParseItemUpdates converts wire updates into ledger updates. Entries with an
// unparseable image id are returned as errors and left out.
func ParseItemUpdates(raw []produce.ItemUpdate) ([]ItemUpdate, []ItemUpdateError) {
	updates := make([]ItemUpdate, 0, len(raw))
	var errs []ItemUpdateError
	for _, u := range raw {
		id, err := uuid.Parse(u.ItemID)
		if err != nil {
			errs = append(errs, ItemUpdateError{Error: fmt.Sprintf("invalid image_id %q", u.ItemID)})
			continue
		}
		updates = append(updates, ItemUpdate{
			ItemID:       id,
			Status:       entity.ItemStatus(u.Status),
			ResultURL:    u.ResultURL,
			MaskURL:      u.MaskURL,
			ThumbnailURL: u.ThumbnailURL,
			ErrorMessage: u.ErrorMessage,
		})
	}
	return updates, errs
}
